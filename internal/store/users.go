package store

import (
	"errors"

	"github.com/google/uuid"

	"fleet-master/internal/model"
)

func (s *Store) putUserLocked(u model.User) {
	if prev, ok := s.usersByID[u.ID]; ok {
		if prev.Username != u.Username {
			delete(s.userIDByUsername, prev.Username)
		}
		if prev.IMUsername != u.IMUsername {
			delete(s.userIDByIM, prev.IMUsername)
		}
	}
	s.usersByID[u.ID] = u
	if u.Username != "" {
		s.userIDByUsername[u.Username] = u.ID
	}
	if u.IMUsername != "" {
		s.userIDByIM[u.IMUsername] = u.ID
	}
}

// UpsertUser creates or refreshes a user keyed by platform username. Empty
// fields in u leave the stored values untouched.
func (x *Session) UpsertUser(u model.User) (model.User, bool, error) {
	if err := x.check(); err != nil {
		return model.User{}, false, err
	}
	if u.Username == "" {
		return model.User{}, false, errors.New("missing username")
	}

	var out model.User
	var created bool
	err := x.store.mutate(func() error {
		now := nowMillis()
		s := x.store
		if id, ok := s.userIDByUsername[u.Username]; ok {
			existing := s.usersByID[id]
			if u.PersonName != "" {
				existing.PersonName = u.PersonName
			}
			if u.IMUsername != "" {
				existing.IMUsername = u.IMUsername
			}
			if u.WorkerName != "" {
				existing.WorkerName = u.WorkerName
			}
			if u.Cookies != nil {
				existing.Cookies = u.Cookies
			}
			existing.MonitorStatus = existing.MonitorStatus || u.MonitorStatus
			existing.UpdatedAt = now
			s.putUserLocked(existing)
			out = existing
			return nil
		}

		u.ID = uuid.NewString()
		u.CreatedAt = now
		u.UpdatedAt = now
		s.putUserLocked(u)
		out, created = u, true
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, created, err
}

func (x *Session) User(id string) (model.User, error) {
	if err := x.check(); err != nil {
		return model.User{}, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	u, ok := x.store.usersByID[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

// UserByIMUsername resolves the identity a worker reports as "detected by".
func (x *Session) UserByIMUsername(im string) (model.User, error) {
	if err := x.check(); err != nil {
		return model.User{}, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	id, ok := x.store.userIDByIM[im]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return x.store.usersByID[id], nil
}

func (x *Session) UpdateUser(id string, fn func(*model.User)) (model.User, error) {
	if err := x.check(); err != nil {
		return model.User{}, err
	}
	var out model.User
	err := x.store.mutate(func() error {
		u, ok := x.store.usersByID[id]
		if !ok {
			return ErrNotFound
		}
		fn(&u)
		u.UpdatedAt = nowMillis()
		x.store.putUserLocked(u)
		out = u
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, err
}

func (x *Session) UserByUsername(username string) (model.User, error) {
	if err := x.check(); err != nil {
		return model.User{}, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	id, ok := x.store.userIDByUsername[username]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return x.store.usersByID[id], nil
}
