package store

import (
	"errors"
	"sort"

	"github.com/google/uuid"

	"fleet-master/internal/model"
)

func (s *Store) clearDefaultsLocked(userID, except string) {
	for _, id := range s.signConfigUUIDsByUser[userID] {
		if id == except {
			continue
		}
		c := s.signConfigsByUUID[id]
		if c.IsDefault {
			c.IsDefault = false
			c.UpdatedAt = nowMillis()
			s.signConfigsByUUID[id] = c
		}
	}
}

// CreateSignConfig stores c. When c is the default, the user's previous
// default is cleared in the same critical section.
func (x *Session) CreateSignConfig(c model.SignConfig) (model.SignConfig, error) {
	if err := x.check(); err != nil {
		return model.SignConfig{}, err
	}
	if c.UserID == "" {
		return model.SignConfig{}, errors.New("missing userID")
	}
	if !c.TriggerType.Valid() {
		return model.SignConfig{}, errors.New("invalid trigger type")
	}
	c.Clamp()

	err := x.store.mutate(func() error {
		now := nowMillis()
		c.UUID = uuid.NewString()
		c.CreatedAt = now
		c.UpdatedAt = now
		if c.IsDefault {
			x.store.clearDefaultsLocked(c.UserID, "")
		}
		x.store.signConfigsByUUID[c.UUID] = c
		x.store.signConfigUUIDsByUser[c.UserID] = append(x.store.signConfigUUIDsByUser[c.UserID], c.UUID)
		return nil
	})
	if err != nil {
		return model.SignConfig{}, err
	}
	x.wrote()
	return c, nil
}

// UpdateSignConfig applies fn to the user's config. Ownership, UUID and
// default flag cannot be changed through fn; use SetDefaultSignConfig.
func (x *Session) UpdateSignConfig(userID, id string, fn func(*model.SignConfig)) (model.SignConfig, error) {
	if err := x.check(); err != nil {
		return model.SignConfig{}, err
	}
	var out model.SignConfig
	err := x.store.mutate(func() error {
		c, ok := x.store.signConfigsByUUID[id]
		if !ok || c.UserID != userID {
			return ErrNotFound
		}
		orig := c
		fn(&c)
		if !c.TriggerType.Valid() {
			return errors.New("invalid trigger type")
		}
		c.UUID, c.UserID, c.IsDefault, c.CreatedAt = orig.UUID, orig.UserID, orig.IsDefault, orig.CreatedAt
		c.Clamp()
		c.UpdatedAt = nowMillis()
		x.store.signConfigsByUUID[id] = c
		out = c
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, err
}

func (x *Session) SetDefaultSignConfig(userID, id string) (model.SignConfig, error) {
	if err := x.check(); err != nil {
		return model.SignConfig{}, err
	}
	var out model.SignConfig
	err := x.store.mutate(func() error {
		c, ok := x.store.signConfigsByUUID[id]
		if !ok || c.UserID != userID {
			return ErrNotFound
		}
		x.store.clearDefaultsLocked(userID, id)
		c.IsDefault = true
		c.UpdatedAt = nowMillis()
		x.store.signConfigsByUUID[id] = c
		out = c
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, err
}

func (x *Session) ListSignConfigs(userID string) ([]model.SignConfig, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	ids := x.store.signConfigUUIDsByUser[userID]
	result := make([]model.SignConfig, 0, len(ids))
	for _, id := range ids {
		result = append(result, x.store.signConfigsByUUID[id])
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result, nil
}

// ResolveSignConfig picks the config governing a sign-in for classID: a
// class-specific config first, then the user's default, then the built-in
// manual fallback.
func (x *Session) ResolveSignConfig(userID, classID string) (model.SignConfig, error) {
	configs, err := x.ListSignConfigs(userID)
	if err != nil {
		return model.SignConfig{}, err
	}
	if classID != "" {
		for _, c := range configs {
			if c.ClassID == classID {
				return c, nil
			}
		}
	}
	for _, c := range configs {
		if c.IsDefault {
			return c, nil
		}
	}
	return model.FallbackSignConfig(userID), nil
}

func (x *Session) SignConfig(userID, id string) (model.SignConfig, error) {
	if err := x.check(); err != nil {
		return model.SignConfig{}, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	c, ok := x.store.signConfigsByUUID[id]
	if !ok || c.UserID != userID {
		return model.SignConfig{}, ErrNotFound
	}
	return c, nil
}

// DeleteSignConfig removes the user's config and returns it.
func (x *Session) DeleteSignConfig(userID, id string) (model.SignConfig, error) {
	if err := x.check(); err != nil {
		return model.SignConfig{}, err
	}
	var out model.SignConfig
	err := x.store.mutate(func() error {
		c, ok := x.store.signConfigsByUUID[id]
		if !ok || c.UserID != userID {
			return ErrNotFound
		}
		delete(x.store.signConfigsByUUID, id)
		ids := x.store.signConfigUUIDsByUser[userID]
		kept := ids[:0]
		for _, other := range ids {
			if other != id {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(x.store.signConfigUUIDsByUser, userID)
		} else {
			x.store.signConfigUUIDsByUser[userID] = kept
		}
		out = c
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, err
}
