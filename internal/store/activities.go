package store

import (
	"errors"

	"fleet-master/internal/model"
)

// CreateActivityIfAbsent stores a on first sight and otherwise returns the
// stored activity unchanged.
func (x *Session) CreateActivityIfAbsent(a model.Activity) (model.Activity, bool, error) {
	if err := x.check(); err != nil {
		return model.Activity{}, false, err
	}
	if a.ActivityID == "" {
		return model.Activity{}, false, errors.New("missing activity id")
	}

	var out model.Activity
	var created bool
	err := x.store.mutate(func() error {
		if existing, ok := x.store.activitiesByID[a.ActivityID]; ok {
			out = existing
			return nil
		}
		now := nowMillis()
		a.CreatedAt = now
		a.UpdatedAt = now
		x.store.activitiesByID[a.ActivityID] = a
		out, created = a, true
		return nil
	})
	if err == nil && created {
		x.wrote()
	}
	return out, created, err
}

func (x *Session) Activity(id string) (model.Activity, error) {
	if err := x.check(); err != nil {
		return model.Activity{}, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	a, ok := x.store.activitiesByID[id]
	if !ok {
		return model.Activity{}, ErrNotFound
	}
	return a, nil
}

func (x *Session) UpdateActivity(id string, fn func(*model.Activity)) (model.Activity, error) {
	if err := x.check(); err != nil {
		return model.Activity{}, err
	}
	var out model.Activity
	err := x.store.mutate(func() error {
		a, ok := x.store.activitiesByID[id]
		if !ok {
			return ErrNotFound
		}
		fn(&a)
		a.UpdatedAt = nowMillis()
		x.store.activitiesByID[id] = a
		out = a
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, err
}
