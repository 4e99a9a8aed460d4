// Package scheduler owns time-based task creation: schedule lifecycle,
// the due-schedule executor loop, and the trigger handler that stamps
// tasks from templates.
package scheduler

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/delegate/internal/derr"
)

// cronParser parses standard 5-field cron expressions
// (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateCron rejects malformed 5-field expressions and unknown IANA
// timezones at creation time.
func ValidateCron(expr, timezone string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return derr.Wrap(derr.KindInvalidInput, fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return derr.Wrap(derr.KindInvalidInput, fmt.Sprintf("unknown timezone %q", timezone), err)
	}
	return nil
}

// NextRun computes the first instant after `after` matching the
// expression, evaluated in the schedule's timezone.
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, derr.Wrap(derr.KindInvalidInput, fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, derr.Wrap(derr.KindInvalidInput, fmt.Sprintf("unknown timezone %q", timezone), err)
	}
	return sched.Next(after.In(loc)), nil
}
