package registry

import (
	"fmt"
	"sync/atomic"

	"fleet-master/internal/model"
)

// Strategy picks one worker out of the qualifying candidates, which are
// never empty and arrive in registration order.
type Strategy interface {
	Pick(candidates []model.Worker) model.Worker
}

type FirstMatch struct{}

func (FirstMatch) Pick(candidates []model.Worker) model.Worker { return candidates[0] }

type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Pick(candidates []model.Worker) model.Worker {
	i := r.next.Add(1) - 1
	return candidates[i%uint64(len(candidates))]
}

func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "first":
		return FirstMatch{}, nil
	case "round-robin":
		return &RoundRobin{}, nil
	}
	return nil, fmt.Errorf("unknown worker selection strategy %q", name)
}
