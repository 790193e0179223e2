package fanout

import (
	"encoding/json"
	"sort"
)

// DeviceResult is the outcome for one target device.
type DeviceResult struct {
	Device  string          `json:"device"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BatchResult is what one batch task reports to the barrier.
type BatchResult struct {
	Index   int            `json:"index"`
	Targets []string       `json:"targets"`
	Devices []DeviceResult `json:"devices"`
	// Error is set when the batch failed as a whole.
	Error string `json:"error,omitempty"`
	// Reported counts devices the batch already advanced progress for.
	Reported int `json:"reported,omitempty"`
}

// Aggregate is the merged view of every batch of a run.
type Aggregate struct {
	Total         int            `json:"total"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	Batches       int            `json:"batches"`
	FailedBatches []int          `json:"failed_batches,omitempty"`
	Devices       []DeviceResult `json:"devices"`
	Join          any            `json:"join,omitempty"`
}

// SucceededDevices returns the devices that succeeded, in batch order.
func (a *Aggregate) SucceededDevices() []DeviceResult {
	out := make([]DeviceResult, 0, a.Succeeded)
	for _, d := range a.Devices {
		if d.Success {
			out = append(out, d)
		}
	}
	return out
}

// Merge combines batch results in index order. A device listed in a
// batch's targets without a result of its own counts as failed with the
// batch error. A batch with any failed device is listed in FailedBatches.
func Merge(batches int, results []BatchResult) *Aggregate {
	sorted := append([]BatchResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	agg := &Aggregate{Batches: batches}
	for _, br := range sorted {
		seen := make(map[string]bool, len(br.Devices))
		batchFailed := br.Error != ""
		for _, d := range br.Devices {
			seen[d.Device] = true
			agg.add(d)
			if !d.Success {
				batchFailed = true
			}
		}
		for _, t := range br.Targets {
			if seen[t] {
				continue
			}
			msg := br.Error
			if msg == "" {
				msg = "no result reported"
			}
			agg.add(DeviceResult{Device: t, Error: msg})
			batchFailed = true
		}
		if batchFailed {
			agg.FailedBatches = append(agg.FailedBatches, br.Index)
		}
	}
	return agg
}

func (a *Aggregate) add(d DeviceResult) {
	a.Devices = append(a.Devices, d)
	a.Total++
	if d.Success {
		a.Succeeded++
	} else {
		a.Failed++
	}
}

// Policy decides a fan-out parent's final status from its aggregate.
type Policy string

const (
	// FailOnAll completes the parent unless every device failed.
	FailOnAll Policy = "fail_on_all"
	// FailOnAny fails the parent when any device failed.
	FailOnAny Policy = "fail_on_any"
)

// Succeeded applies the policy. An empty aggregate never succeeds.
func (p Policy) Succeeded(a *Aggregate) bool {
	if a.Total == 0 {
		return false
	}
	if p == FailOnAny {
		return a.Failed == 0
	}
	return a.Succeeded > 0
}

// Split cuts targets into min(k, len(targets)) contiguous batches whose
// sizes differ by at most one.
func Split(targets []string, k int) [][]string {
	n := len(targets)
	if n == 0 {
		return nil
	}
	k = max(min(k, n), 1)

	out := make([][]string, 0, k)
	size, extra := n/k, n%k
	start := 0
	for i := range k {
		end := start + size
		if i < extra {
			end++
		}
		out = append(out, append([]string(nil), targets[start:end]...))
		start = end
	}
	return out
}
