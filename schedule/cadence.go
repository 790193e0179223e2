package schedule

import (
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// maxCronSteps bounds catch-up stepping for cron cadences after a long outage.
const maxCronSteps = 1 << 20

// cronParser supports standard 5-field cron and descriptors like "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Cadence is either a cron expression or a fixed interval. Exactly one of
// the two is set.
type Cadence struct {
	Cron     string        `json:"cron,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// Every returns an interval cadence.
func Every(d time.Duration) Cadence { return Cadence{Interval: d} }

// Cron returns a cron cadence.
func Cron(expr string) Cadence { return Cadence{Cron: expr} }

// String renders the cadence for logs.
func (c Cadence) String() string {
	if c.Cron != "" {
		return c.Cron
	}
	return "every " + c.Interval.String()
}

// Validate reports whether exactly one form is set and parses.
func (c Cadence) Validate() error {
	switch {
	case c.Cron != "" && c.Interval != 0:
		return errors.New("cron and interval are mutually exclusive")
	case c.Cron != "":
		if _, err := cronParser.Parse(c.Cron); err != nil {
			return fmt.Errorf("parse cron %q: %w", c.Cron, err)
		}
		return nil
	case c.Interval > 0:
		return nil
	default:
		return errors.New("cadence needs a cron expression or a positive interval")
	}
}

// First returns the first run instant for a new schedule created at now.
func (c Cadence) First(now time.Time) (time.Time, error) {
	if c.Cron != "" {
		sched, err := cronParser.Parse(c.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now.UTC()), nil
	}
	if c.Interval <= 0 {
		return time.Time{}, errors.New("cadence needs a cron expression or a positive interval")
	}
	return now.UTC().Add(c.Interval), nil
}

// Advance steps prior forward by whole cadence steps until the result is
// strictly after now. All instants skipped on the way are coalesced.
func (c Cadence) Advance(prior, now time.Time) (time.Time, error) {
	prior, now = prior.UTC(), now.UTC()

	if c.Cron != "" {
		sched, err := cronParser.Parse(c.Cron)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(prior)
		for i := 0; !next.After(now); i++ {
			if i >= maxCronSteps || next.IsZero() {
				return time.Time{}, fmt.Errorf("cron %q: no instant after %s", c.Cron, now)
			}
			next = sched.Next(next)
		}
		return next, nil
	}

	if c.Interval <= 0 {
		return time.Time{}, errors.New("cadence needs a cron expression or a positive interval")
	}
	if prior.After(now) {
		return prior, nil
	}
	steps := now.Sub(prior)/c.Interval + 1
	return prior.Add(steps * c.Interval), nil
}
