package services

import (
	"sort"
	"sync"
	"time"

	"relaymon/internal/models"
)

// ProgressHistory keeps the most recent telemetry samples per process
type ProgressHistory struct {
	mu            sync.RWMutex
	samples       map[int32][]models.ProgressSample
	maxDataPoints int // Keep only this many samples per pid
	now           func() time.Time
}

// NewProgressHistory creates a history that keeps maxDataPoints samples per pid.
// A non-positive limit falls back to 60.
func NewProgressHistory(maxDataPoints int) *ProgressHistory {
	if maxDataPoints <= 0 {
		maxDataPoints = 60
	}
	return &ProgressHistory{
		samples:       make(map[int32][]models.ProgressSample),
		maxDataPoints: maxDataPoints,
		now:           time.Now,
	}
}

// Record appends one sample for the message's pid, dropping the oldest when full
func (h *ProgressHistory) Record(msg models.TelemetryMessage) {
	if h == nil {
		return
	}
	sample := models.ProgressSample{
		Timestamp:   h.now(),
		Progress:    msg.Progress,
		SendTime:    msg.SendTime,
		RecvTime:    msg.RecvTime,
		DelayTime:   msg.DelayTime,
		ScatterTime: msg.ScatterTime,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := append(h.samples[msg.PID], sample)
	if len(s) > h.maxDataPoints {
		s = s[len(s)-h.maxDataPoints:]
	}
	h.samples[msg.PID] = s
}

// Get returns the samples of pid newer than duration. A zero duration returns all of them.
func (h *ProgressHistory) Get(pid int32, duration time.Duration) (models.ProcessHistory, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.samples[pid]
	if !ok {
		return models.ProcessHistory{}, false
	}

	out := models.ProcessHistory{PID: pid, Samples: []models.ProgressSample{}}
	cutoffTime := h.now().Add(-duration)
	for _, sample := range s {
		if duration == 0 || sample.Timestamp.After(cutoffTime) {
			out.Samples = append(out.Samples, sample)
		}
	}
	return out, true
}

// PIDs lists every pid with at least one sample, ascending
func (h *ProgressHistory) PIDs() []int32 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pids := make([]int32, 0, len(h.samples))
	for pid := range h.samples {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}
