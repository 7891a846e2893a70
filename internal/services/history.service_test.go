package services

import (
	"testing"
	"time"

	"relaymon/internal/models"
)

func TestProgressHistory_BoundedPerPID(t *testing.T) {
	t.Parallel()

	h := NewProgressHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(models.TelemetryMessage{PID: 1, Progress: float32(i)})
	}
	h.Record(models.TelemetryMessage{PID: 2, Progress: 50})

	got, ok := h.Get(1, 0)
	if !ok || len(got.Samples) != 3 {
		t.Fatalf("history=%+v ok=%v", got, ok)
	}
	if got.Samples[0].Progress != 2 || got.Samples[2].Progress != 4 {
		t.Fatalf("samples=%+v", got.Samples)
	}

	pids := h.PIDs()
	if len(pids) != 2 || pids[0] != 1 || pids[1] != 2 {
		t.Fatalf("pids=%v", pids)
	}
	if _, ok := h.Get(3, 0); ok {
		t.Fatalf("unexpected history for pid 3")
	}
}

func TestProgressHistory_DurationFilter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := NewProgressHistory(0)
	h.now = func() time.Time { return now }

	h.Record(models.TelemetryMessage{PID: 9, Progress: 10})
	now = now.Add(10 * time.Minute)
	h.Record(models.TelemetryMessage{PID: 9, Progress: 20})

	got, _ := h.Get(9, 5*time.Minute)
	if len(got.Samples) != 1 || got.Samples[0].Progress != 20 {
		t.Fatalf("samples=%+v", got.Samples)
	}
	all, _ := h.Get(9, 0)
	if len(all.Samples) != 2 {
		t.Fatalf("samples=%+v", all.Samples)
	}
}

func TestProgressHistory_NilRecord(t *testing.T) {
	t.Parallel()

	var h *ProgressHistory
	h.Record(models.TelemetryMessage{PID: 1})
}
