package strategy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/strategy"
)

// snapshot builds a synthetic worker with uniform budgets of 100.
func snapshot(id string, capacity, cpuUsed, memUsed, gpuUsed float64, caps ...string) domain.WorkerInfo {
	return domain.WorkerInfo{
		Config: domain.WorkerConfig{
			ID:            id,
			CPUBudget:     100,
			MemoryBudget:  100,
			GPUBudget:     100,
			RatedCapacity: capacity,
			Capabilities:  caps,
		},
		Stats: domain.WorkerStats{CPUUsed: cpuUsed, MemoryUsed: memUsed, GPUUsed: gpuUsed},
	}
}

func TestFromName(t *testing.T) {
	for _, name := range []string{
		strategy.NameRoundRobin,
		strategy.NameLeastLoaded,
		strategy.NameCapacityWeighted,
		strategy.NameCapabilityMatch,
	} {
		s, err := strategy.FromName(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
	}

	_, err := strategy.FromName("random")
	assert.Error(t, err)
}

func TestAllStrategies_EmptySetFails(t *testing.T) {
	strategies := []strategy.Strategy{
		strategy.NewRoundRobin(),
		strategy.LeastLoaded{},
		strategy.CapacityWeighted{},
		strategy.CapabilityMatch{},
	}
	for _, s := range strategies {
		t.Run(s.Name(), func(t *testing.T) {
			_, err := s.Pick(nil, domain.Requirements{})
			assert.True(t, domain.IsNoEligibleWorker(err))
		})
	}
}

func TestRoundRobin_CyclesInStableOrder(t *testing.T) {
	s := strategy.NewRoundRobin()
	eligible := []domain.WorkerInfo{
		snapshot("w1", 100, 0, 0, 0),
		snapshot("w2", 100, 0, 0, 0),
		snapshot("w3", 100, 0, 0, 0),
	}

	var picks []string
	for i := 0; i < 5; i++ {
		id, err := s.Pick(eligible, domain.Requirements{})
		require.NoError(t, err)
		picks = append(picks, id)
	}
	assert.Equal(t, []string{"w1", "w2", "w3", "w1", "w2"}, picks)
}

func TestRoundRobin_CursorSurvivesShrinkingSet(t *testing.T) {
	s := strategy.NewRoundRobin()
	three := []domain.WorkerInfo{
		snapshot("w1", 100, 0, 0, 0),
		snapshot("w2", 100, 0, 0, 0),
		snapshot("w3", 100, 0, 0, 0),
	}
	two := three[:2]

	_, err := s.Pick(three, domain.Requirements{})
	require.NoError(t, err)

	// Cursor position 1 over a two-worker set still lands on a valid entry.
	id, err := s.Pick(two, domain.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "w2", id)
}

func TestLeastLoaded_MinimizesMeanUtilization(t *testing.T) {
	s := strategy.LeastLoaded{}
	eligible := []domain.WorkerInfo{
		snapshot("w1", 100, 90, 90, 90), // util 0.9
		snapshot("w2", 100, 30, 30, 30), // util 0.3
		snapshot("w3", 100, 60, 60, 60), // util 0.6
	}

	id, err := s.Pick(eligible, domain.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "w2", id)
}

func TestLeastLoaded_TieGoesToLowestID(t *testing.T) {
	s := strategy.LeastLoaded{}
	eligible := []domain.WorkerInfo{
		snapshot("w1", 100, 50, 50, 50),
		snapshot("w2", 100, 50, 50, 50),
	}

	id, err := s.Pick(eligible, domain.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "w1", id)
}

func TestCapacityWeighted_MaximizesRatedCapacity(t *testing.T) {
	s := strategy.CapacityWeighted{}
	eligible := []domain.WorkerInfo{
		snapshot("w1", 200, 0, 0, 0),
		snapshot("w2", 800, 0, 0, 0),
		snapshot("w3", 400, 0, 0, 0),
	}

	id, err := s.Pick(eligible, domain.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "w2", id)
}

func TestCapacityWeighted_TieGoesToLowestID(t *testing.T) {
	s := strategy.CapacityWeighted{}
	eligible := []domain.WorkerInfo{
		snapshot("w2", 500, 0, 0, 0),
		snapshot("w5", 500, 0, 0, 0),
	}

	id, err := s.Pick(eligible, domain.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "w2", id)
}

func TestCapabilityMatch_PrefersMatchingTags(t *testing.T) {
	s := strategy.CapabilityMatch{}
	eligible := []domain.WorkerInfo{
		snapshot("w1", 500, 0, 0, 0, "general"),
		snapshot("w2", 500, 0, 0, 0, "gpu", "avx"),
	}
	req := domain.Requirements{Capabilities: []string{"gpu", "avx"}}

	id, err := s.Pick(eligible, req)
	require.NoError(t, err)
	assert.Equal(t, "w2", id, "two matched tags beat equal utilization and capacity")
}

func TestCapabilityMatch_LoadBreaksCapabilityTies(t *testing.T) {
	s := strategy.CapabilityMatch{}
	eligible := []domain.WorkerInfo{
		snapshot("w1", 500, 90, 90, 90, "gpu"),
		snapshot("w2", 500, 10, 10, 10, "gpu"),
	}
	req := domain.Requirements{Capabilities: []string{"gpu"}}

	id, err := s.Pick(eligible, req)
	require.NoError(t, err)
	assert.Equal(t, "w2", id, "lower utilization wins when tag matches are equal")
}

func TestCapabilityMatch_CapacityNormalizedAgainstSet(t *testing.T) {
	s := strategy.CapabilityMatch{}
	eligible := []domain.WorkerInfo{
		snapshot("w1", 100, 0, 0, 0),
		snapshot("w2", 1000, 0, 0, 0),
	}

	id, err := s.Pick(eligible, domain.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "w2", id, "highest normalized capacity wins with no tags and equal load")
}
