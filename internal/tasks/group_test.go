package tasks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGroup_PanicsAndErrorsSurface(t *testing.T) {
	g := NewGroup(nil, 8)

	if err := g.Go("boom", func(context.Context) error { panic("kaput") }); err != nil {
		t.Fatalf("Go: %v", err)
	}
	if err := g.Go("fail", func(context.Context) error { return errors.New("upstream down") }); err != nil {
		t.Fatalf("Go: %v", err)
	}
	if err := g.Go("ok", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Go: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got := map[string]Failure{}
	for len(got) < 2 {
		select {
		case f := <-g.Failures():
			got[f.Task] = f
		case <-time.After(time.Second):
			t.Fatalf("expected two failures, got %v", got)
		}
	}
	if !got["boom"].Panic || got["boom"].Stack == "" {
		t.Fatalf("expected panic with stack, got %+v", got["boom"])
	}
	if got["fail"].Panic || got["fail"].Err.Error() != "upstream down" {
		t.Fatalf("unexpected failure %+v", got["fail"])
	}
	if g.Outstanding() != 0 {
		t.Fatalf("expected no outstanding tasks")
	}
}

func TestGroup_RejectsAfterDrain(t *testing.T) {
	g := NewGroup(nil, 1)
	if err := g.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := g.Go("late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestGroup_DrainDeadlineCancelsTasks(t *testing.T) {
	g := NewGroup(nil, 1)
	started := make(chan struct{})
	stopped := make(chan struct{})
	_ = g.Go("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	<-started
	if g.Outstanding() != 1 {
		t.Fatalf("expected 1 outstanding, got %d", g.Outstanding())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("expected task context cancelled")
	}
}
