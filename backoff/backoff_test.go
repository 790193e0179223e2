package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.Constant{Interval: 5 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("attempt %d: got %v, want 5s", attempt, got)
		}
	}
}

func TestExponential_DoublesAndCaps(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := e.Delay(i + 1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestExponential_JitterWithinBounds(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: 30 * time.Second, Jitter: true}
	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := backoff.Exponential{Initial: time.Second, Max: 30 * time.Second}.Delay(attempt)
		for range 50 {
			d := e.Delay(attempt)
			if d < 0 || d > ceiling {
				t.Fatalf("attempt %d: delay %v outside [0, %v]", attempt, d, ceiling)
			}
		}
	}
}

func TestWait_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := backoff.Wait(ctx, backoff.Constant{Interval: time.Hour}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWait_Elapses(t *testing.T) {
	if err := backoff.Wait(context.Background(), backoff.Constant{Interval: time.Millisecond}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		spec    string
		attempt int
		want    time.Duration
		wantErr bool
	}{
		{"constant:10s", 3, 10 * time.Second, false},
		{"exponential:1s:1m", 3, 4 * time.Second, false},
		{"exponential:1s", 1, 0, true},
		{"linear:1s:1m", 1, 0, true},
		{"constant:soon", 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := backoff.Parse(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := s.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestParse_EmptyIsDefault(t *testing.T) {
	s, err := backoff.Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := s.(backoff.Exponential); !ok {
		t.Errorf("expected Exponential default, got %T", s)
	}
}
