package store

import (
	"errors"
	"sort"

	"github.com/google/uuid"

	"fleet-master/internal/model"
)

// CreateDetectionIfAbsent inserts d unless a detection for the same user and
// activity exists, in which case the existing one is returned.
func (x *Session) CreateDetectionIfAbsent(d model.Detection) (model.Detection, bool, error) {
	if err := x.check(); err != nil {
		return model.Detection{}, false, err
	}
	if d.UserID == "" || d.ActivityID == "" {
		return model.Detection{}, false, errors.New("missing user or activity id")
	}

	var out model.Detection
	var created bool
	err := x.store.mutate(func() error {
		key := userActivityKey(d.UserID, d.ActivityID)
		if id, ok := x.store.detectionByUserAct[key]; ok {
			out = x.store.detectionsByUUID[id]
			return nil
		}
		if d.UUID == "" {
			d.UUID = uuid.NewString()
		}
		now := nowMillis()
		if d.DetectedAt == 0 {
			d.DetectedAt = now
		}
		d.UpdatedAt = now
		x.store.detectionsByUUID[d.UUID] = d
		x.store.detectionByUserAct[key] = d.UUID
		out, created = d, true
		return nil
	})
	if err == nil && created {
		x.wrote()
	}
	return out, created, err
}

func (x *Session) Detection(id string) (model.Detection, error) {
	if err := x.check(); err != nil {
		return model.Detection{}, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	d, ok := x.store.detectionsByUUID[id]
	if !ok {
		return model.Detection{}, ErrNotFound
	}
	return d, nil
}

func (x *Session) DetectionFor(userID, activityID string) (model.Detection, error) {
	if err := x.check(); err != nil {
		return model.Detection{}, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	id, ok := x.store.detectionByUserAct[userActivityKey(userID, activityID)]
	if !ok {
		return model.Detection{}, ErrNotFound
	}
	return x.store.detectionsByUUID[id], nil
}

// UpdateDetection applies fn to the detection and its activity under one
// write lock. activity is nil when the activity is not stored. Nothing is
// written if fn returns an error.
func (x *Session) UpdateDetection(id string, fn func(d *model.Detection, activity *model.Activity) error) (model.Detection, error) {
	if err := x.check(); err != nil {
		return model.Detection{}, err
	}
	var out model.Detection
	err := x.store.mutate(func() error {
		d, ok := x.store.detectionsByUUID[id]
		if !ok {
			return ErrNotFound
		}
		var act *model.Activity
		if a, ok := x.store.activitiesByID[d.ActivityID]; ok {
			act = &a
		}
		if err := fn(&d, act); err != nil {
			return err
		}
		now := nowMillis()
		d.UpdatedAt = now
		x.store.detectionsByUUID[id] = d
		if act != nil {
			act.UpdatedAt = now
			x.store.activitiesByID[act.ActivityID] = *act
		}
		out = d
		return nil
	})
	if err == nil {
		x.wrote()
	}
	return out, err
}

// DetectionsByActivity returns every user's detection of one activity, oldest first.
func (x *Session) DetectionsByActivity(activityID string) ([]model.Detection, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	result := make([]model.Detection, 0)
	for _, d := range x.store.detectionsByUUID {
		if d.ActivityID == activityID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DetectedAt != result[j].DetectedAt {
			return result[i].DetectedAt < result[j].DetectedAt
		}
		return result[i].UUID < result[j].UUID
	})
	return result, nil
}

// DetectionsByUser returns up to limit detections, newest first.
func (x *Session) DetectionsByUser(userID string, limit int) ([]model.Detection, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	x.store.mu.RLock()
	defer x.store.mu.RUnlock()

	result := make([]model.Detection, 0)
	for _, d := range x.store.detectionsByUUID {
		if d.UserID == userID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DetectedAt != result[j].DetectedAt {
			return result[i].DetectedAt > result[j].DetectedAt
		}
		return result[i].UUID < result[j].UUID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
