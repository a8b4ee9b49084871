// Package registry tracks fleet workers and chooses which one serves a user.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"fleet-master/internal/audit"
	"fleet-master/internal/metrics"
	"fleet-master/internal/model"
	"fleet-master/internal/rpc"
	"fleet-master/internal/store"
)

var (
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrWorkerUnavailable = errors.New("no available worker")
)

type Config struct {
	// URLTemplate builds a worker base URL from its subdomain when the
	// worker did not register an endpoint, e.g. "https://%s.fleet.local".
	URLTemplate string
	Strategy    Strategy
	// Probe runs health checks; it should carry a short timeout.
	Probe *rpc.Client
	Audit *audit.Logger
	Now   func() time.Time
}

type Registry struct {
	store       *store.Store
	urlTemplate string
	strategy    Strategy
	probe       *rpc.Client
	audit       *audit.Logger
	now         func() time.Time
}

func New(st *store.Store, cfg Config) *Registry {
	if cfg.Strategy == nil {
		cfg.Strategy = FirstMatch{}
	}
	if cfg.Probe == nil {
		cfg.Probe = rpc.New(rpc.Options{Timeout: 5 * time.Second})
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:       st,
		urlTemplate: cfg.URLTemplate,
		strategy:    cfg.Strategy,
		probe:       cfg.Probe,
		audit:       cfg.Audit,
		now:         cfg.Now,
	}
}

// Register upserts w and marks it online.
func (r *Registry) Register(ctx context.Context, w model.Worker) (model.Worker, bool, error) {
	sess := r.store.Session(ctx)
	defer sess.Close() //nolint:errcheck

	w.Status = model.WorkerOnline
	w.LastHeartbeat = r.now().UnixMilli()
	out, created, err := sess.UpsertWorker(w)
	if err != nil {
		return model.Worker{}, false, err
	}
	r.audit.Info(ctx, audit.Entry{
		Category: audit.CategoryWorker,
		Message:  "worker registered",
		Source:   "registry.register",
		WorkerID: w.Name,
		Details:  map[string]any{"created": created, "endpoint": out.Endpoint, "subdomain": out.Subdomain},
	})
	r.refreshOnlineGauge(sess)
	return out, created, nil
}

func (r *Registry) Heartbeat(ctx context.Context, name string, status model.WorkerStatus) (model.Worker, error) {
	if !status.Valid() {
		return model.Worker{}, fmt.Errorf("invalid worker status %q", status)
	}
	sess := r.store.Session(ctx)
	defer sess.Close() //nolint:errcheck

	w, err := sess.UpdateWorker(name, func(w *model.Worker) {
		w.Status = status
		w.LastHeartbeat = r.now().UnixMilli()
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.Worker{}, ErrWorkerNotFound
	}
	if err != nil {
		return model.Worker{}, err
	}
	r.refreshOnlineGauge(sess)
	return w, nil
}

func (r *Registry) Worker(ctx context.Context, name string) (model.Worker, error) {
	sess := r.store.Session(ctx)
	defer sess.Close() //nolint:errcheck

	w, err := sess.Worker(name)
	if errors.Is(err, store.ErrNotFound) {
		return model.Worker{}, ErrWorkerNotFound
	}
	return w, err
}

func (r *Registry) Workers(ctx context.Context) ([]model.Worker, error) {
	sess := r.store.Session(ctx)
	defer sess.Close() //nolint:errcheck
	return sess.ListWorkers()
}

// SelectWorker returns an online worker whose capabilities include every
// required key with an equal value.
func (r *Registry) SelectWorker(ctx context.Context, required map[string]any) (model.Worker, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return model.Worker{}, err
	}

	candidates := make([]model.Worker, 0, len(workers))
	for _, w := range workers {
		if w.Status == model.WorkerOnline && hasCapabilities(w, required) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return model.Worker{}, ErrWorkerUnavailable
	}
	return r.strategy.Pick(candidates), nil
}

func hasCapabilities(w model.Worker, required map[string]any) bool {
	for k, want := range required {
		got, ok := w.Capabilities[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// BaseURL is the worker's registered endpoint, or one derived from its subdomain.
func (r *Registry) BaseURL(w model.Worker) string {
	if w.Endpoint != "" {
		return strings.TrimRight(w.Endpoint, "/")
	}
	if w.Subdomain != "" && r.urlTemplate != "" {
		return fmt.Sprintf(r.urlTemplate, w.Subdomain)
	}
	return ""
}

// CheckLiveness probes the worker's /health endpoint once. Any failure marks
// the worker offline and is reported as the reason.
func (r *Registry) CheckLiveness(ctx context.Context, name string) (bool, string, error) {
	w, err := r.Worker(ctx, name)
	if err != nil {
		return false, "worker not registered", err
	}
	switch w.Status {
	case model.WorkerOffline:
		return false, "worker offline", nil
	case model.WorkerBusy:
		return false, "worker busy", nil
	}

	base := r.BaseURL(w)
	if base == "" {
		return false, r.markOffline(ctx, name, "worker has no reachable address"), nil
	}

	resp, err := r.probe.Head(ctx, base+"/health", rpc.Request{NoRetry: true, NoRaise: true, Source: "registry.check_liveness", WorkerID: name})
	if err != nil {
		return false, r.markOffline(ctx, name, "health probe failed: "+err.Error()), nil
	}
	if resp.StatusCode != 200 {
		return false, r.markOffline(ctx, name, fmt.Sprintf("health probe returned status %d", resp.StatusCode)), nil
	}
	return true, "", nil
}

func (r *Registry) markOffline(ctx context.Context, name, reason string) string {
	sess := r.store.Session(ctx)
	defer sess.Close() //nolint:errcheck

	if _, err := sess.UpdateWorker(name, func(w *model.Worker) { w.Status = model.WorkerOffline }); err != nil {
		r.audit.Error(ctx, audit.Entry{
			Category: audit.CategoryWorker,
			Message:  "marking worker offline failed",
			Source:   "registry.check_liveness",
			WorkerID: name,
			Details:  map[string]any{"error": err.Error()},
		})
	}
	r.audit.Warn(ctx, audit.Entry{
		Category: audit.CategoryWorker,
		Message:  "worker marked offline",
		Source:   "registry.check_liveness",
		WorkerID: name,
		Details:  map[string]any{"reason": reason},
	})
	r.refreshOnlineGauge(sess)
	return reason
}

// SweepLiveness probes every worker not already offline and returns the
// reasons for those that failed.
func (r *Registry) SweepLiveness(ctx context.Context) (map[string]string, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return nil, err
	}
	failed := make(map[string]string)
	for _, w := range workers {
		if w.Status == model.WorkerOffline {
			continue
		}
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		ok, reason, err := r.CheckLiveness(ctx, w.Name)
		if err != nil {
			failed[w.Name] = err.Error()
			continue
		}
		if !ok && w.Status != model.WorkerBusy {
			failed[w.Name] = reason
		}
	}
	return failed, nil
}

func (r *Registry) refreshOnlineGauge(sess *store.Session) {
	workers, err := sess.ListWorkers()
	if err != nil {
		return
	}
	n := 0
	for _, w := range workers {
		if w.Status == model.WorkerOnline {
			n++
		}
	}
	metrics.SetWorkersOnline(n)
}
