package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"fleet-master/internal/audit"
	"fleet-master/internal/detection"
	"fleet-master/internal/metrics"
	"fleet-master/internal/model"
)

// Result is one user's outcome in a batch sign-in.
type Result struct {
	UserID      string
	Name        string
	DetectionID string
	Status      model.DetectionStatus
	Message     string
}

// BatchSign signs every detection of activityID with the same enc code.
// Each detection runs as its own unit of work; a failure or panic in one
// never affects another, and every detection yields a result keyed by user.
func (d *Dispatcher) BatchSign(ctx context.Context, activityID, enc string) (map[string]Result, error) {
	u := d.newUnit(ctx)
	detections, err := u.sess.DetectionsByActivity(activityID)
	u.close()
	if err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		return nil, ErrNoDetections
	}

	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(detections))
	)
	var g errgroup.Group
	g.SetLimit(d.batchSize)
	for _, det := range detections {
		det := det
		g.Go(func() error {
			res := d.signOne(ctx, det, enc)
			mu.Lock()
			results[det.UserID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.audit.Info(ctx, audit.Entry{
		Category: audit.CategoryTask,
		Message:  "batch sign-in finished",
		Source:   "dispatch.batch_sign",
		TaskID:   activityID,
		Details:  map[string]any{"detections": len(detections), "results": len(results)},
	})
	return results, nil
}

func (d *Dispatcher) signOne(ctx context.Context, det model.Detection, enc string) (res Result) {
	u := d.newUnit(ctx)
	defer u.close()

	res = Result{UserID: det.UserID, Name: det.UserID, DetectionID: det.UUID}
	var user model.User
	defer func() {
		if r := recover(); r != nil {
			metrics.IncTaskPanic()
			err := fmt.Errorf("sign-in panic: %v", r)
			current := u.failUnexpected(ctx, det, user, err)
			res.Status = current.Status
			res.Message = err.Error()
		}
	}()

	fresh, err := u.tracker.Get(det.UUID)
	if err != nil {
		res.Status, res.Message = model.DetectionFailed, err.Error()
		return res
	}
	if user, err = u.user(fresh.UserID); err == nil {
		res.Name = user.DisplayName()
	}
	if fresh.Status == model.DetectionSuccess {
		res.Status, res.Message = fresh.Status, "already signed in"
		return res
	}

	out, err := u.sign(ctx, fresh, enc)
	if errors.Is(err, detection.ErrInFlight) {
		res.Status, res.Message = model.DetectionProcessing, err.Error()
		return res
	}
	if err != nil {
		current := u.failUnexpected(ctx, fresh, user, err)
		res.Status, res.Message = current.Status, err.Error()
		if current.Status != model.DetectionFailed {
			res.Status = model.DetectionFailed
		}
		return res
	}
	res.Status, res.Message = out.Status, out.Message
	return res
}
