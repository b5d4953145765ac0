// Package strategy implements worker selection over registry snapshots.
// Each strategy is a pure decision over (eligible workers, requirements);
// the eligible set is already filtered by capacity and capability, sorted
// by ascending worker ID.
package strategy

import (
	"fmt"
	"sync"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// Strategy picks one worker for a task from the eligible set.
type Strategy interface {
	Name() string
	Pick(eligible []domain.WorkerInfo, req domain.Requirements) (string, error)
}

// Names of the built-in strategies.
const (
	NameRoundRobin       = "round_robin"
	NameLeastLoaded      = "least_loaded"
	NameCapacityWeighted = "capacity_weighted"
	NameCapabilityMatch  = "capability_match"
)

// FromName returns the strategy registered under name.
func FromName(name string) (Strategy, error) {
	switch name {
	case NameRoundRobin:
		return NewRoundRobin(), nil
	case NameLeastLoaded:
		return LeastLoaded{}, nil
	case NameCapacityWeighted:
		return CapacityWeighted{}, nil
	case NameCapabilityMatch:
		return CapabilityMatch{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", name)
	}
}

// RoundRobin cycles through the eligible set in its stable order,
// advancing a shared cursor on every call.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

// NewRoundRobin returns a RoundRobin with its cursor at the start.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (*RoundRobin) Name() string { return NameRoundRobin }

func (s *RoundRobin) Pick(eligible []domain.WorkerInfo, _ domain.Requirements) (string, error) {
	if len(eligible) == 0 {
		return "", &domain.NoEligibleWorkerError{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := eligible[s.cursor%len(eligible)]
	s.cursor++
	return w.Config.ID, nil
}

// LeastLoaded picks the worker with the lowest mean utilization across its
// CPU, memory, and GPU budgets. Ties go to the lowest worker ID.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return NameLeastLoaded }

func (LeastLoaded) Pick(eligible []domain.WorkerInfo, _ domain.Requirements) (string, error) {
	if len(eligible) == 0 {
		return "", &domain.NoEligibleWorkerError{}
	}
	best := 0
	for i := 1; i < len(eligible); i++ {
		if eligible[i].MeanUtilization() < eligible[best].MeanUtilization() {
			best = i
		}
	}
	return eligible[best].Config.ID, nil
}

// CapacityWeighted picks the worker with the highest rated capacity.
// Ties go to the lowest worker ID.
type CapacityWeighted struct{}

func (CapacityWeighted) Name() string { return NameCapacityWeighted }

func (CapacityWeighted) Pick(eligible []domain.WorkerInfo, _ domain.Requirements) (string, error) {
	if len(eligible) == 0 {
		return "", &domain.NoEligibleWorkerError{}
	}
	best := 0
	for i := 1; i < len(eligible); i++ {
		if eligible[i].Config.RatedCapacity > eligible[best].Config.RatedCapacity {
			best = i
		}
	}
	return eligible[best].Config.ID, nil
}

// CapabilityMatch scores each worker as the number of matched capability
// tags, plus a bonus for low utilization, plus its rated capacity
// normalized against the highest in the set. The only strategy that weighs
// the task's requirements beyond hard filtering.
type CapabilityMatch struct{}

func (CapabilityMatch) Name() string { return NameCapabilityMatch }

func (CapabilityMatch) Pick(eligible []domain.WorkerInfo, req domain.Requirements) (string, error) {
	if len(eligible) == 0 {
		return "", &domain.NoEligibleWorkerError{}
	}

	var maxCapacity float64
	for _, w := range eligible {
		if w.Config.RatedCapacity > maxCapacity {
			maxCapacity = w.Config.RatedCapacity
		}
	}

	best := 0
	bestScore := score(eligible[0], req, maxCapacity)
	for i := 1; i < len(eligible); i++ {
		if s := score(eligible[i], req, maxCapacity); s > bestScore {
			best, bestScore = i, s
		}
	}
	return eligible[best].Config.ID, nil
}

func score(w domain.WorkerInfo, req domain.Requirements, maxCapacity float64) float64 {
	var s float64
	for _, cap := range req.Capabilities {
		for _, have := range w.Config.Capabilities {
			if have == cap {
				s++
				break
			}
		}
	}
	s += 1 - w.MeanUtilization()
	if maxCapacity > 0 {
		s += w.Config.RatedCapacity / maxCapacity
	}
	return s
}
