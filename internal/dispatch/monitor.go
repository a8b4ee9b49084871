package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"fleet-master/internal/audit"
	"fleet-master/internal/model"
	"fleet-master/internal/rpc"
)

// MonitorResult is the outcome of switching a user's monitoring.
type MonitorResult struct {
	User   model.User
	Worker string
	// Reply is the worker's answer, passed through to the caller.
	Reply string
}

// SetMonitor asks a worker to start or stop watching the user's activity
// feed. Enabling picks a worker through the selector and pins the user to
// it; disabling goes to the user's current worker. The stored switch only
// changes once the worker has acknowledged.
func (d *Dispatcher) SetMonitor(ctx context.Context, userID string, on bool) (MonitorResult, error) {
	u := d.newUnit(ctx)
	defer u.close()

	user, err := u.user(userID)
	if err != nil {
		return MonitorResult{}, err
	}

	var w model.Worker
	path := pathMonitorOff
	if on {
		path = pathMonitorOn
		if w, err = d.registry.SelectWorker(ctx, nil); err != nil {
			return MonitorResult{}, fmt.Errorf("%w: %w", ErrNoWorker, err)
		}
	} else if w, err = u.worker(ctx, user); err != nil {
		return MonitorResult{}, err
	}

	headers, err := u.bearer(w)
	if err != nil {
		return MonitorResult{}, err
	}
	resp, err := u.client.Get(ctx, d.registry.BaseURL(w)+path, rpc.Request{
		Query:    url.Values{"im_username": {user.IMUsername}},
		Headers:  headers,
		NoRaise:  true,
		Source:   "dispatch.monitor",
		UserID:   user.ID,
		WorkerID: w.Name,
	})
	if err != nil {
		return MonitorResult{}, fmt.Errorf("%w: monitor switch on %s: %w", ErrUpstream, w.Name, err)
	}
	reply := strings.TrimSpace(string(resp.Body))
	if !resp.OK() {
		return MonitorResult{}, fmt.Errorf("%w: worker %s returned status %d: %s", ErrUpstream, w.Name, resp.StatusCode, reply)
	}

	updated, err := u.sess.UpdateUser(user.ID, func(x *model.User) {
		x.MonitorStatus = on
		x.WorkerName = w.Name
	})
	if err != nil {
		return MonitorResult{}, err
	}
	d.audit.Info(ctx, audit.Entry{
		Category: audit.CategoryUser,
		Message:  "monitor switched",
		Source:   "dispatch.monitor",
		UserID:   user.ID,
		WorkerID: w.Name,
		Details:  map[string]any{"enabled": on},
	})
	return MonitorResult{User: updated, Worker: w.Name, Reply: reply}, nil
}
