package domain_test

import (
	"testing"

	"github.com/taskgrid/taskgrid/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "PENDING"},
		{domain.StatusAssigned, "ASSIGNED"},
		{domain.StatusRunning, "RUNNING"},
		{domain.StatusCompleted, "COMPLETED"},
		{domain.StatusFailed, "FAILED"},
		{domain.StatusTimedOut, "TIMED_OUT"},
		{domain.StatusCancelled, "CANCELLED"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusCompleted, domain.StatusFailed,
		domain.StatusTimedOut, domain.StatusCancelled,
	} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusAssigned, domain.StatusRunning,
	} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestMeanUtilization(t *testing.T) {
	w := domain.WorkerInfo{
		Config: domain.WorkerConfig{CPUBudget: 100, MemoryBudget: 100, GPUBudget: 100},
		Stats:  domain.WorkerStats{CPUUsed: 30, MemoryUsed: 60, GPUUsed: 90},
	}
	if got, want := w.MeanUtilization(), 0.6; got != want {
		t.Errorf("MeanUtilization() = %v, want %v", got, want)
	}
}

func TestMeanUtilization_ZeroBudgets(t *testing.T) {
	w := domain.WorkerInfo{
		Config: domain.WorkerConfig{CPUBudget: 100},
		Stats:  domain.WorkerStats{CPUUsed: 30},
	}
	if got, want := w.MeanUtilization(), 0.1; got != want {
		t.Errorf("MeanUtilization() = %v, want %v", got, want)
	}
}
