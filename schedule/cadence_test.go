package schedule_test

import (
	"errors"
	"testing"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAdvance_IntervalFromPrior(t *testing.T) {
	c := schedule.Every(15 * time.Minute)

	next, err := c.Advance(t0, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if want := t0.Add(15 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestAdvance_IntervalCoalescesMissed(t *testing.T) {
	c := schedule.Every(15 * time.Minute)

	// Down for an hour and a bit: four instants missed, one dispatch.
	next, err := c.Advance(t0, t0.Add(time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if want := t0.Add(75 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestAdvance_IntervalExactBoundary(t *testing.T) {
	c := schedule.Every(15 * time.Minute)

	next, err := c.Advance(t0, t0.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if want := t0.Add(30 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %s, want %s (must be strictly after now)", next, want)
	}
}

func TestAdvance_Cron(t *testing.T) {
	c := schedule.Cron("0 * * * *")

	next, err := c.Advance(t0, t0.Add(2*time.Hour+5*time.Minute))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if want := t0.Add(3 * time.Hour); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestAdvance_Monotonic(t *testing.T) {
	c := schedule.Every(time.Minute)
	prior := t0
	for i := range 5 {
		now := t0.Add(time.Duration(i) * 90 * time.Second)
		next, err := c.Advance(prior, now)
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if next.Before(prior) {
			t.Fatalf("next %s moved before prior %s", next, prior)
		}
		if !next.After(now) {
			t.Fatalf("next %s not after now %s", next, now)
		}
		prior = next
	}
}

func TestCadence_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cadence schedule.Cadence
		ok      bool
	}{
		{"interval", schedule.Every(time.Minute), true},
		{"cron", schedule.Cron("*/5 * * * *"), true},
		{"descriptor", schedule.Cron("@daily"), true},
		{"empty", schedule.Cadence{}, false},
		{"both", schedule.Cadence{Cron: "@daily", Interval: time.Minute}, false},
		{"bad cron", schedule.Cron("not a cron"), false},
		{"negative interval", schedule.Every(-time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cadence.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_ComputesFirstRun(t *testing.T) {
	s, err := schedule.New("hourly-backup", id.NewTemplateID(), schedule.Every(time.Hour), t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.NextRun.Equal(t0.Add(time.Hour)) {
		t.Errorf("NextRun = %s, want %s", s.NextRun, t0.Add(time.Hour))
	}
	if !s.IsActive {
		t.Error("expected new schedule to be active")
	}
	if s.Due(t0) {
		t.Error("schedule should not be due before NextRun")
	}
	if !s.Due(t0.Add(time.Hour)) {
		t.Error("schedule should be due at NextRun")
	}
}

func TestNew_RejectsMissingTemplate(t *testing.T) {
	_, err := schedule.New("x", id.Nil, schedule.Every(time.Hour), t0)
	if !errors.Is(err, datenschleuder.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
