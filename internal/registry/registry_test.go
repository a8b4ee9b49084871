package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleet-master/internal/model"
	"fleet-master/internal/rpc"
	"fleet-master/internal/store"
)

func newRegistry(strategy Strategy) *Registry {
	return New(store.New(), Config{
		URLTemplate: "https://%s.fleet.test",
		Strategy:    strategy,
		Probe:       rpc.New(rpc.Options{Timeout: time.Second}),
	})
}

func TestSelectWorker_OnlineAndCapabilities(t *testing.T) {
	r := newRegistry(nil)
	ctx := context.Background()

	mustRegister(t, r, model.Worker{Name: "w1", Capabilities: map[string]any{"region": "east"}})
	mustRegister(t, r, model.Worker{Name: "w2", Capabilities: map[string]any{"region": "west", "face": true}})
	mustRegister(t, r, model.Worker{Name: "w3", Capabilities: map[string]any{"region": "west", "face": true}})
	if _, err := r.Heartbeat(ctx, "w2", model.WorkerBusy); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	w, err := r.SelectWorker(ctx, nil)
	if err != nil || w.Name != "w1" {
		t.Fatalf("expected first online worker w1, got %q err=%v", w.Name, err)
	}
	w, err = r.SelectWorker(ctx, map[string]any{"region": "west", "face": true})
	if err != nil || w.Name != "w3" {
		t.Fatalf("expected w3 (w2 busy), got %q err=%v", w.Name, err)
	}
	if _, err := r.SelectWorker(ctx, map[string]any{"region": "north"}); !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}
}

func TestSelectWorker_RoundRobin(t *testing.T) {
	r := newRegistry(&RoundRobin{})
	mustRegister(t, r, model.Worker{Name: "w1"})
	mustRegister(t, r, model.Worker{Name: "w2"})

	var got []string
	for i := 0; i < 4; i++ {
		w, err := r.SelectWorker(context.Background(), nil)
		if err != nil {
			t.Fatalf("SelectWorker: %v", err)
		}
		got = append(got, w.Name)
	}
	if got[0] == got[1] || got[0] != got[2] || got[1] != got[3] {
		t.Fatalf("expected alternation, got %v", got)
	}
}

func TestHeartbeat_UnknownWorker(t *testing.T) {
	r := newRegistry(nil)
	if _, err := r.Heartbeat(context.Background(), "ghost", model.WorkerOnline); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestCheckLiveness_HealthyAndFailing(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	r := newRegistry(nil)
	ctx := context.Background()
	mustRegister(t, r, model.Worker{Name: "ok", Endpoint: healthy.URL})
	mustRegister(t, r, model.Worker{Name: "bad", Endpoint: broken.URL})

	ok, reason, err := r.CheckLiveness(ctx, "ok")
	if err != nil || !ok || reason != "" {
		t.Fatalf("expected healthy worker, got ok=%v reason=%q err=%v", ok, reason, err)
	}

	failed, err := r.SweepLiveness(ctx)
	if err != nil {
		t.Fatalf("SweepLiveness: %v", err)
	}
	if len(failed) != 1 || failed["bad"] == "" {
		t.Fatalf("expected only bad to fail, got %v", failed)
	}
	w, _ := r.Worker(ctx, "bad")
	if w.Status != model.WorkerOffline {
		t.Fatalf("expected bad marked offline, got %s", w.Status)
	}
	if _, err := r.SelectWorker(ctx, nil); err != nil {
		t.Fatalf("expected ok still selectable: %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	r := newRegistry(nil)
	if got := r.BaseURL(model.Worker{Endpoint: "http://10.0.0.1:8001/"}); got != "http://10.0.0.1:8001" {
		t.Fatalf("unexpected endpoint url %q", got)
	}
	if got := r.BaseURL(model.Worker{Subdomain: "alpha"}); got != "https://alpha.fleet.test" {
		t.Fatalf("unexpected subdomain url %q", got)
	}
}

func mustRegister(t *testing.T, r *Registry, w model.Worker) {
	t.Helper()
	if _, _, err := r.Register(context.Background(), w); err != nil {
		t.Fatalf("Register %s: %v", w.Name, err)
	}
}
