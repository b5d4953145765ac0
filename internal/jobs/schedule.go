package jobs

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// schedule computes the next firing time strictly after a reference
// instant.
type schedule interface {
	next(after time.Time) time.Time
}

// dailySchedule fires once per day at a fixed hour and minute. When
// today's occurrence is already past (or is exactly now), the next firing
// is tomorrow's.
type dailySchedule struct {
	hour   int
	minute int
}

func (d dailySchedule) next(after time.Time) time.Time {
	candidate := time.Date(after.Year(), after.Month(), after.Day(), d.hour, d.minute, 0, 0, after.Location())
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// cronSchedule wraps a standard five-field cron expression.
type cronSchedule struct {
	inner cron.Schedule
}

func (c cronSchedule) next(after time.Time) time.Time {
	return c.inner.Next(after)
}

// parseSchedule accepts either a plain "HH:MM" daily time or, when the
// string contains whitespace, a standard cron expression.
func parseSchedule(spec string) (schedule, error) {
	if strings.ContainsAny(spec, " \t") {
		inner, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, &domain.InvalidScheduleError{Schedule: spec, Reason: err.Error()}
		}
		return cronSchedule{inner: inner}, nil
	}

	hh, mm, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, &domain.InvalidScheduleError{Schedule: spec, Reason: "expected HH:MM"}
	}
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return nil, &domain.InvalidScheduleError{Schedule: spec, Reason: "hour is not a number"}
	}
	minute, err := strconv.Atoi(mm)
	if err != nil {
		return nil, &domain.InvalidScheduleError{Schedule: spec, Reason: "minute is not a number"}
	}
	if hour < 0 || hour > 23 {
		return nil, &domain.InvalidScheduleError{Schedule: spec, Reason: "hour out of range [0,23]"}
	}
	if minute < 0 || minute > 59 {
		return nil, &domain.InvalidScheduleError{Schedule: spec, Reason: "minute out of range [0,59]"}
	}
	return dailySchedule{hour: hour, minute: minute}, nil
}
