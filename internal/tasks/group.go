// Package tasks supervises fire-and-forget background work so that panics,
// failures and shutdown are observable.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"fleet-master/internal/metrics"
)

var ErrClosed = errors.New("task group closed")

type Failure struct {
	Task  string
	Err   error
	Panic bool
	Stack string
}

func (f Failure) Error() string { return fmt.Sprintf("task %s: %v", f.Task, f.Err) }

type Group struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	running int
	done    chan struct{}

	failures chan Failure
}

// NewGroup returns a group whose failure channel buffers up to buffer entries;
// failures beyond that are logged and dropped.
func NewGroup(log *zap.Logger, buffer int) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		failures: make(chan Failure, buffer),
	}
}

// Go starts fn. The context passed to fn outlives the caller's request and is
// cancelled only when a drain runs out of time.
func (g *Group) Go(name string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.running++
	g.wg.Add(1)
	g.mu.Unlock()
	metrics.AddOutstandingTasks(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.IncTaskPanic()
				g.report(Failure{Task: name, Err: fmt.Errorf("panic: %v", r), Panic: true, Stack: string(debug.Stack())})
			}
			g.mu.Lock()
			g.running--
			g.mu.Unlock()
			metrics.AddOutstandingTasks(-1)
			g.wg.Done()
		}()

		if err := fn(g.ctx); err != nil {
			g.report(Failure{Task: name, Err: err})
		}
	}()
	return nil
}

func (g *Group) report(f Failure) {
	fields := []zap.Field{zap.String("task", f.Task), zap.Error(f.Err)}
	if f.Panic {
		fields = append(fields, zap.String("stack", f.Stack))
	}
	g.log.Error("background task failed", fields...)

	select {
	case g.failures <- f:
	default:
		g.log.Warn("task failure dropped, channel full", zap.String("task", f.Task))
	}
}

func (g *Group) Failures() <-chan Failure { return g.failures }

func (g *Group) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Drain stops accepting work and waits for running tasks. If ctx ends first
// the tasks' context is cancelled and ctx's error returned.
func (g *Group) Drain(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	if g.done == nil {
		g.done = make(chan struct{})
		go func(done chan struct{}) {
			g.wg.Wait()
			close(done)
		}(g.done)
	}
	done := g.done
	g.mu.Unlock()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		return ctx.Err()
	}
}
