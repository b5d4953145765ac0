package domain_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/taskgrid/taskgrid/internal/domain"
)

func TestNotFoundError(t *testing.T) {
	err := &domain.NotFoundError{Kind: "queue", ID: "q-123"}
	if !strings.Contains(err.Error(), "q-123") {
		t.Errorf("error message should contain entity ID, got: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "queue") {
		t.Errorf("error message should contain entity kind, got: %q", err.Error())
	}
}

func TestCapacityExceededError(t *testing.T) {
	err := &domain.CapacityExceededError{Kind: "queue", ID: "q1", Limit: 10}
	msg := err.Error()
	if !strings.Contains(msg, "q1") {
		t.Errorf("error message should contain entity ID, got: %q", msg)
	}
	if !strings.Contains(msg, "10") {
		t.Errorf("error message should contain limit, got: %q", msg)
	}
}

func TestInvalidScheduleError(t *testing.T) {
	err := &domain.InvalidScheduleError{Schedule: "25:00", Reason: "hour out of range"}
	if !strings.Contains(err.Error(), "25:00") {
		t.Errorf("error message should contain schedule, got: %q", err.Error())
	}
}

func TestIsNotFound_MatchesWrappedError(t *testing.T) {
	err := fmt.Errorf("tick: %w", &domain.NotFoundError{Kind: "worker", ID: "w1"})
	if !domain.IsNotFound(err) {
		t.Error("IsNotFound should match a wrapped NotFoundError")
	}
	if domain.IsCapacityExceeded(err) {
		t.Error("IsCapacityExceeded should not match a NotFoundError")
	}
}

func TestIsNoEligibleWorker(t *testing.T) {
	err := fmt.Errorf("tick: %w", &domain.NoEligibleWorkerError{TaskID: "t1"})
	if !domain.IsNoEligibleWorker(err) {
		t.Error("IsNoEligibleWorker should match a wrapped NoEligibleWorkerError")
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	// Compile-time interface checks via assignment to error variables.
	var _ error = &domain.NotFoundError{}
	var _ error = &domain.InactiveError{}
	var _ error = &domain.CapacityExceededError{}
	var _ error = &domain.InvalidConfigError{}
	var _ error = &domain.InvalidScheduleError{}
	var _ error = &domain.NoEligibleWorkerError{}
	var _ error = &domain.WorkerExistsError{}
	var _ error = &domain.QueueExistsError{}
	var _ error = &domain.JobExistsError{}
}
