// Package detection owns the lifecycle of per-user sign-in detections: one
// record per (user, activity), moving forward through a fixed status graph.
package detection

import (
	"context"
	"errors"
	"fmt"

	"fleet-master/internal/audit"
	"fleet-master/internal/metrics"
	"fleet-master/internal/model"
	"fleet-master/internal/store"
)

// Repository is the slice of a store session the tracker needs.
type Repository interface {
	CreateDetectionIfAbsent(d model.Detection) (model.Detection, bool, error)
	Detection(id string) (model.Detection, error)
	UpdateDetection(id string, fn func(d *model.Detection, activity *model.Activity) error) (model.Detection, error)
}

// Observer is told about every detection that was created or changed.
type Observer func(model.Detection)

type Tracker struct {
	repo     Repository
	audit    *audit.Logger
	observer Observer
}

func NewTracker(repo Repository, log *audit.Logger, observer Observer) *Tracker {
	if log == nil {
		log = audit.Nop()
	}
	return &Tracker{repo: repo, audit: log, observer: observer}
}

// CreateOrGet returns the detection for (userID, activity), creating it when
// absent. QR activities start in enc since they cannot proceed without a code.
func (t *Tracker) CreateOrGet(ctx context.Context, userID string, activity model.Activity) (model.Detection, bool, error) {
	status := model.DetectionPending
	if activity.IsQRCode() {
		status = model.DetectionEnc
	}
	d, created, err := t.repo.CreateDetectionIfAbsent(model.Detection{
		UserID:      userID,
		ActivityID:  activity.ActivityID,
		CourseName:  activity.CourseName,
		TeacherName: activity.TeacherName,
		Status:      status,
	})
	if err != nil {
		return model.Detection{}, false, err
	}
	if created {
		metrics.IncDetectionTransition(string(d.Status))
		t.audit.Info(ctx, audit.Entry{
			Category: audit.CategoryTask,
			Message:  "detection created",
			Source:   "detection.create",
			UserID:   userID,
			TaskID:   activity.ActivityID,
			Details:  map[string]any{"uuid": d.UUID, "status": string(d.Status)},
		})
		t.notify(d)
	}
	return d, created, nil
}

func (t *Tracker) Get(id string) (model.Detection, error) {
	d, err := t.repo.Detection(id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Detection{}, ErrNotFound
	}
	return d, err
}

// Transition moves the detection to status. A repeated terminal status is a
// no-op; a repeated non-terminal status only refreshes the message.
func (t *Tracker) Transition(ctx context.Context, id string, status model.DetectionStatus, message string) (model.Detection, error) {
	return t.Apply(ctx, id, status, message, model.AttendanceCounters{})
}

// Apply is Transition plus optional live attendance counters, written to the
// detection's activity in the same store update.
func (t *Tracker) Apply(ctx context.Context, id string, status model.DetectionStatus, message string, counters model.AttendanceCounters) (model.Detection, error) {
	var from model.DetectionStatus
	changed := false
	d, err := t.repo.UpdateDetection(id, func(d *model.Detection, activity *model.Activity) error {
		from = d.Status
		if err := CheckTransition(d.Status, status); err != nil {
			return err
		}
		if activity != nil && !counters.Empty() {
			counters.ApplyTo(activity)
			activity.AttendUpdatedAt = nowMillis()
			changed = true
		}
		if d.Status == status && status.Terminal() {
			return nil
		}
		if d.Status != status {
			d.Status = status
			changed = true
		}
		if message != "" && d.Message != message {
			d.Message = message
			changed = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Detection{}, ErrNotFound
		}
		if errors.Is(err, ErrTerminal) || errors.Is(err, ErrIllegalTransition) {
			t.audit.Warn(ctx, audit.Entry{
				Category: audit.CategoryTask,
				Message:  "detection transition rejected",
				Source:   "detection.transition",
				Details:  map[string]any{"uuid": id, "from": string(from), "to": string(status)},
			})
		}
		return model.Detection{}, err
	}

	if from != status {
		metrics.IncDetectionTransition(string(status))
		t.audit.Info(ctx, audit.Entry{
			Category: audit.CategoryTask,
			Message:  "detection status changed",
			Source:   "detection.transition",
			UserID:   d.UserID,
			TaskID:   d.ActivityID,
			Details:  map[string]any{"uuid": d.UUID, "from": string(from), "to": string(status)},
		})
	}
	if changed {
		t.notify(d)
	}
	return d, nil
}

// Claim moves the detection into processing for exactly one caller. A
// detection already in processing yields ErrInFlight, a finished one
// ErrTerminal.
func (t *Tracker) Claim(ctx context.Context, id string) (model.Detection, error) {
	var from model.DetectionStatus
	d, err := t.repo.UpdateDetection(id, func(d *model.Detection, _ *model.Activity) error {
		from = d.Status
		switch {
		case d.Status == model.DetectionProcessing:
			return ErrInFlight
		case d.Status.Terminal():
			return fmt.Errorf("%w: %s -> %s", ErrTerminal, d.Status, model.DetectionProcessing)
		}
		if err := CheckTransition(d.Status, model.DetectionProcessing); err != nil {
			return err
		}
		d.Status = model.DetectionProcessing
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Detection{}, ErrNotFound
		}
		if errors.Is(err, ErrInFlight) {
			t.audit.Info(ctx, audit.Entry{
				Category: audit.CategoryTask,
				Message:  "sign-in already in progress",
				Source:   "detection.claim",
				Details:  map[string]any{"uuid": id},
			})
		}
		return model.Detection{}, err
	}

	metrics.IncDetectionTransition(string(model.DetectionProcessing))
	t.audit.Info(ctx, audit.Entry{
		Category: audit.CategoryTask,
		Message:  "detection status changed",
		Source:   "detection.claim",
		UserID:   d.UserID,
		TaskID:   d.ActivityID,
		Details:  map[string]any{"uuid": d.UUID, "from": string(from), "to": string(model.DetectionProcessing)},
	})
	t.notify(d)
	return d, nil
}

func (t *Tracker) notify(d model.Detection) {
	if t.observer != nil {
		t.observer(d)
	}
}
