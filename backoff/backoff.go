// Package backoff provides the retry delay strategies executors opt into
// when they declare an explicit retry policy. Strategies are stateless and
// safe for concurrent use.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter spreads the delay uniformly over [0, delay].
	Jitter bool
}

// Delay returns Initial * 2^(attempt-1), capped at Max, optionally jittered.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d *= rand.Float64() //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// Default is the strategy used when a retry policy names none:
// jittered exponential from 5s up to 2m.
func Default() Strategy {
	return Exponential{Initial: 5 * time.Second, Max: 2 * time.Minute, Jitter: true}
}

// Wait blocks for the attempt's delay or until ctx is done.
func Wait(ctx context.Context, s Strategy, attempt int) error {
	d := s.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Parse reads a strategy from configuration. Accepted forms:
//
//	constant:10s
//	exponential:5s:2m
//	jitter:5s:2m
func Parse(spec string) (Strategy, error) {
	if spec == "" {
		return Default(), nil
	}
	parts := strings.Split(spec, ":")
	durs := make([]time.Duration, 0, 2)
	for _, p := range parts[1:] {
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("backoff %q: %w", spec, err)
		}
		durs = append(durs, d)
	}

	switch {
	case parts[0] == "constant" && len(durs) == 1:
		return Constant{Interval: durs[0]}, nil
	case parts[0] == "exponential" && len(durs) == 2:
		return Exponential{Initial: durs[0], Max: durs[1]}, nil
	case parts[0] == "jitter" && len(durs) == 2:
		return Exponential{Initial: durs[0], Max: durs[1], Jitter: true}, nil
	default:
		return nil, fmt.Errorf("backoff %q: unknown form", spec)
	}
}
