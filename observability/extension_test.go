package observability_test

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nerdfunk-net/datenschleuder-sub000/ext"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/observability"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

func setup(t *testing.T) (*observability.MetricsExtension, func() metricdata.ResourceMetrics) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))
	collect := func() metricdata.ResourceMetrics {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("collect: %v", err)
		}
		return rm
	}
	return e, collect
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := setup(t)
	if e.Name() != "observability-metrics" {
		t.Errorf("Name() = %q", e.Name())
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, collect := setup(t)
	reg := ext.NewRegistry(nil)
	reg.Register(e)
	ctx := context.Background()

	r := &run.Run{ID: id.NewRunID(), JobType: "backup", TriggeredBy: run.TriggerSchedule}
	reg.RunTransitioned(ctx, r, "")

	started := time.Now().UTC()
	done := started.Add(3 * time.Second)
	r.Status, r.StartedAt, r.CompletedAt = run.StatusCompleted, &started, &done
	reg.RunTransitioned(ctx, r, run.StatusRunning)

	failed := &run.Run{ID: id.NewRunID(), JobType: "backup", Status: run.StatusFailed}
	reg.RunTransitioned(ctx, failed, run.StatusRunning)
	reg.EmitRunReaped(ctx, failed, "stale")

	reg.EmitBatchDone(ctx, r.ID, 0, 1)
	reg.EmitBatchDone(ctx, r.ID, 1, 0)
	reg.EmitJoinFired(ctx, r.ID, id.NewTaskID())
	reg.EmitScheduleFired(ctx, id.NewScheduleID(), "nightly", r.ID)

	rm := collect()
	tests := []struct {
		name string
		want int64
	}{
		{"datenschleuder.run.created", 1},
		{"datenschleuder.run.finished", 2},
		{"datenschleuder.run.reaped", 1},
		{"datenschleuder.fanout.batches", 2},
		{"datenschleuder.fanout.joins", 1},
		{"datenschleuder.schedule.fired", 1},
	}
	for _, tt := range tests {
		if got := counterTotal(rm, tt.name); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}
