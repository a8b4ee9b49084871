package store

import (
	"errors"
	"sort"

	"fleet-master/internal/model"
)

// UpsertWorker registers w or replaces the descriptive fields of an existing
// worker with the same name. Status and heartbeat are taken from w.
func (x *Session) UpsertWorker(w model.Worker) (model.Worker, bool, error) {
	if err := x.check(); err != nil {
		return model.Worker{}, false, err
	}
	if w.Name == "" {
		return model.Worker{}, false, errors.New("missing worker name")
	}

	var out model.Worker
	var created bool
	err := x.store.mutate(func() error {
		now := nowMillis()
		existing, ok := x.store.workersByName[w.Name]
		if ok {
			w.CreatedAt = existing.CreatedAt
			if w.Capabilities == nil {
				w.Capabilities = existing.Capabilities
			}
		} else {
			w.CreatedAt = now
			created = true
		}
		w.UpdatedAt = now
		x.store.workersByName[w.Name] = w
		out = w
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, created, err
}

func (x *Session) Worker(name string) (model.Worker, error) {
	if err := x.check(); err != nil {
		return model.Worker{}, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	w, ok := x.store.workersByName[name]
	if !ok {
		return model.Worker{}, ErrNotFound
	}
	return w, nil
}

func (x *Session) UpdateWorker(name string, fn func(*model.Worker)) (model.Worker, error) {
	if err := x.check(); err != nil {
		return model.Worker{}, err
	}
	var out model.Worker
	err := x.store.mutate(func() error {
		w, ok := x.store.workersByName[name]
		if !ok {
			return ErrNotFound
		}
		fn(&w)
		w.UpdatedAt = nowMillis()
		x.store.workersByName[name] = w
		out = w
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, err
}

// ListWorkers returns workers in registration order.
func (x *Session) ListWorkers() ([]model.Worker, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	result := make([]model.Worker, 0, len(x.store.workersByName))
	for _, w := range x.store.workersByName {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}
