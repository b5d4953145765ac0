package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/jobs"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// recordingRunner collects every run handed to it.
type recordingRunner struct {
	mu   sync.Mutex
	runs []domain.JobRun
}

func (r *recordingRunner) RunJob(_ context.Context, _ domain.JobConfig, run domain.JobRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

func (r *recordingRunner) all() []domain.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobRun(nil), r.runs...)
}

func newManager(start time.Time) (*jobs.Manager, *clock.Mock, *recordingRunner) {
	clk := clock.NewMock(start)
	runner := &recordingRunner{}
	return jobs.NewManager(clk, jobs.WithRunner(runner)), clk, runner
}

func addJob(t *testing.T, m *jobs.Manager, id, sched string, maxRetries int, retryDelay time.Duration) {
	t.Helper()
	require.NoError(t, m.Add(domain.JobConfig{
		ID:         id,
		Schedule:   sched,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		Active:     true,
	}))
}

func TestAdd_ScheduleValidation(t *testing.T) {
	m, _, _ := newManager(epoch)

	cases := []struct {
		name     string
		schedule string
		wantErr  bool
	}{
		{"midnight", "00:00", false},
		{"last minute", "23:59", false},
		{"cron expression", "*/5 * * * *", false},
		{"hour out of range", "24:00", true},
		{"minute out of range", "10:60", true},
		{"negative hour", "-1:30", true},
		{"not a time", "abc", true},
		{"missing minute", "10", true},
		{"bad cron", "* * *", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Add(domain.JobConfig{
				ID:         "job-" + tc.name,
				Schedule:   tc.schedule,
				RetryDelay: time.Minute,
				Active:     true,
			})
			if tc.wantErr {
				var invalid *domain.InvalidScheduleError
				require.ErrorAs(t, err, &invalid)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAdd_ConfigValidation(t *testing.T) {
	m, _, _ := newManager(epoch)

	err := m.Add(domain.JobConfig{Schedule: "10:00", RetryDelay: time.Minute})
	var invalid *domain.InvalidConfigError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "id", invalid.Field)

	err = m.Add(domain.JobConfig{ID: "j1", Schedule: "10:00"})
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "retry_delay", invalid.Field)

	addJob(t, m, "j1", "10:00", 1, time.Minute)
	err = m.Add(domain.JobConfig{ID: "j1", Schedule: "10:00", RetryDelay: time.Minute})
	var exists *domain.JobExistsError
	require.ErrorAs(t, err, &exists)
}

// A "00:00" schedule computed at 23:59 yields one minute later; computed
// just after midnight it yields tomorrow's midnight.
func TestSchedule_TodayOrTomorrow(t *testing.T) {
	lateEvening := time.Date(2025, 1, 1, 23, 59, 0, 0, time.UTC)
	m, _, _ := newManager(lateEvening)
	addJob(t, m, "nightly", "00:00", 0, time.Minute)

	next, err := m.Schedule("nightly")
	require.NoError(t, err)
	assert.Equal(t, lateEvening.Add(time.Minute), next)

	justPastMidnight := time.Date(2025, 1, 2, 0, 1, 0, 0, time.UTC)
	m2, _, _ := newManager(justPastMidnight)
	addJob(t, m2, "nightly", "00:00", 0, time.Minute)

	next, err = m2.Schedule("nightly")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), next)
}

func TestFire_RegularRunAndNextOccurrence(t *testing.T) {
	m, clk, runner := newManager(epoch) // 12:00
	addJob(t, m, "daily", "14:30", 0, time.Minute)

	info, err := m.Get("daily")
	require.NoError(t, err)
	require.NotNil(t, info.Stats.NextRunTime)
	assert.Equal(t, time.Date(2025, 1, 1, 14, 30, 0, 0, time.UTC), *info.Stats.NextRunTime)

	clk.Advance(2*time.Hour + 30*time.Minute)

	got := runner.all()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Attempt)
	assert.Equal(t, domain.StatusRunning, got[0].Status)

	require.NoError(t, m.CompleteRun(context.Background(), got[0].ID, true, ""))

	info, err = m.Get("daily")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Stats.TotalRuns)
	assert.Equal(t, int64(1), info.Stats.SuccessfulRuns)
	assert.Equal(t, 0, info.Stats.RetryCount)
	require.NotNil(t, info.Stats.NextRunTime)
	assert.Equal(t, time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC), *info.Stats.NextRunTime)
}

// Failed runs retry after the flat retry_delay (not exponential) until
// max_retries, after which nothing fires before the next regular
// occurrence.
func TestFire_FlatDelayRetriesThenWaits(t *testing.T) {
	m, clk, runner := newManager(epoch)
	addJob(t, m, "flaky", "13:00", 2, 5*time.Minute)
	ctx := context.Background()

	clk.Advance(time.Hour) // 13:00, first run
	runs := runner.all()
	require.Len(t, runs, 1)
	require.NoError(t, m.CompleteRun(ctx, runs[0].ID, false, "boom"))

	info, err := m.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Stats.RetryCount)
	require.NotNil(t, info.Stats.NextRunTime)
	assert.Equal(t, epoch.Add(time.Hour+5*time.Minute), *info.Stats.NextRunTime)

	// Retry fires after the flat delay regardless of attempt number.
	clk.Advance(5 * time.Minute)
	runs = runner.all()
	require.Len(t, runs, 2)
	assert.Equal(t, 1, runs[1].Attempt)
	require.NoError(t, m.CompleteRun(ctx, runs[1].ID, false, "boom"))

	clk.Advance(5 * time.Minute)
	runs = runner.all()
	require.Len(t, runs, 3)
	assert.Equal(t, 2, runs[2].Attempt)
	require.NoError(t, m.CompleteRun(ctx, runs[2].ID, false, "boom"))

	// Retry budget exhausted: next attempt is tomorrow's occurrence.
	info, err = m.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Stats.RetryCount)
	assert.Equal(t, int64(3), info.Stats.FailedRuns)
	assert.Equal(t, "boom", info.Stats.LastError)
	require.NotNil(t, info.Stats.NextRunTime)
	assert.Equal(t, time.Date(2025, 1, 2, 13, 0, 0, 0, time.UTC), *info.Stats.NextRunTime)

	clk.Advance(time.Hour)
	assert.Len(t, runner.all(), 3)

	// The regular occurrence resets the retry budget.
	clk.Advance(22*time.Hour + 50*time.Minute) // to 13:00 next day
	runs = runner.all()
	require.Len(t, runs, 4)
	assert.Equal(t, 0, runs[3].Attempt)
}

func TestCompleteRun_AverageDurationSmoothing(t *testing.T) {
	m, clk, runner := newManager(epoch)
	addJob(t, m, "avg", "13:00", 0, time.Minute)
	ctx := context.Background()

	clk.Advance(time.Hour)
	runs := runner.all()
	require.Len(t, runs, 1)
	clk.Advance(10 * time.Second)
	require.NoError(t, m.CompleteRun(ctx, runs[0].ID, true, ""))

	info, err := m.Get("avg")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, info.Stats.AverageDuration)

	// Second sample of 20s smooths to (10+20)/2 = 15s.
	clk.Advance(23*time.Hour + 59*time.Minute + 50*time.Second) // next day 13:00
	runs = runner.all()
	require.Len(t, runs, 2)
	clk.Advance(20 * time.Second)
	require.NoError(t, m.CompleteRun(ctx, runs[1].ID, true, ""))

	info, err = m.Get("avg")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, info.Stats.AverageDuration)
}

func TestRun_Manual(t *testing.T) {
	m, _, runner := newManager(epoch)
	addJob(t, m, "adhoc", "23:00", 0, time.Minute)
	ctx := context.Background()

	run, err := m.Run(ctx, "adhoc")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, run.Status)
	require.Len(t, runner.all(), 1)

	// A second run while one is open is rejected.
	_, err = m.Run(ctx, "adhoc")
	assert.True(t, domain.IsCapacityExceeded(err))

	require.NoError(t, m.CompleteRun(ctx, run.ID, true, ""))
	_, err = m.Run(ctx, "adhoc")
	require.NoError(t, err)
}

func TestRun_Inactive(t *testing.T) {
	m, _, _ := newManager(epoch)
	addJob(t, m, "j1", "23:00", 0, time.Minute)
	require.NoError(t, m.SetActive("j1", false))

	_, err := m.Run(context.Background(), "j1")
	var inactive *domain.InactiveError
	require.ErrorAs(t, err, &inactive)
}

func TestSetActive_DisarmsTimer(t *testing.T) {
	m, clk, runner := newManager(epoch)
	addJob(t, m, "j1", "13:00", 0, time.Minute)

	require.NoError(t, m.SetActive("j1", false))
	clk.Advance(2 * time.Hour)
	assert.Empty(t, runner.all())

	// Re-enabling re-arms against the schedule.
	require.NoError(t, m.SetActive("j1", true))
	clk.Advance(23 * time.Hour) // next day 13:00
	assert.Len(t, runner.all(), 1)
}

func TestRemove_StopsFiring(t *testing.T) {
	m, clk, runner := newManager(epoch)
	addJob(t, m, "j1", "13:00", 0, time.Minute)

	require.NoError(t, m.Remove("j1"))
	clk.Advance(2 * time.Hour)
	assert.Empty(t, runner.all())

	err := m.Remove("j1")
	assert.True(t, domain.IsNotFound(err))
}

func TestRuns_History(t *testing.T) {
	m, clk, runner := newManager(epoch)
	addJob(t, m, "j1", "13:00", 0, time.Minute)
	ctx := context.Background()

	clk.Advance(time.Hour)
	runs := runner.all()
	require.Len(t, runs, 1)
	require.NoError(t, m.CompleteRun(ctx, runs[0].ID, false, "boom"))

	history, err := m.Runs("j1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusFailed, history[0].Status)
	assert.Equal(t, "boom", history[0].Error)
	require.NotNil(t, history[0].EndTime)
}

func TestCompleteRun_UnknownRun(t *testing.T) {
	m, _, _ := newManager(epoch)
	err := m.CompleteRun(context.Background(), "nope", true, "")
	assert.True(t, domain.IsNotFound(err))
}
