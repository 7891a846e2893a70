package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaymon/internal/models"
)

type fakeMetrics struct {
	mu        sync.Mutex
	node      models.NodeSnapshot
	nodeErr   error
	procs     map[int32]models.ProcessSnapshot
	byName    map[string]map[int32]models.ProcessSnapshot
	nodeCalls int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		node: models.NodeSnapshot{
			Cores:        4,
			Threads:      8,
			CPUUsage:     12.5,
			TotalRAM:     16 << 30,
			UsedRAM:      4 << 30,
			Temperatures: []float32{40, 41, 42, 43},
		},
		procs:  make(map[int32]models.ProcessSnapshot),
		byName: make(map[string]map[int32]models.ProcessSnapshot),
	}
}

func (f *fakeMetrics) NodeSnapshot() (models.NodeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeCalls++
	if f.nodeErr != nil {
		return models.NodeSnapshot{}, f.nodeErr
	}
	snap := f.node
	snap.Temperatures = append([]float32{}, f.node.Temperatures...)
	return snap, nil
}

func (f *fakeMetrics) ProcessSnapshot(pid int32) (models.ProcessSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.procs[pid]
	return snap, ok
}

func (f *fakeMetrics) ProcessesByName(name string) map[int32]models.ProcessSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int32]models.ProcessSnapshot)
	for pid, snap := range f.byName[name] {
		out[pid] = snap
	}
	return out
}

func (f *fakeMetrics) setNode(fn func(*models.NodeSnapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.node)
}

func (f *fakeMetrics) setProcess(pid int32, snap models.ProcessSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[pid] = snap
}

type recordingForwarder struct {
	mu       sync.Mutex
	statuses []models.Status
}

func (r *recordingForwarder) Forward(_ context.Context, status models.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recordingForwarder) snapshot() []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Status{}, r.statuses...)
}

type recordingSender struct {
	mu    sync.Mutex
	calls []uint8
	err   error
}

func (r *recordingSender) SendAll(_ context.Context, nodeID uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, nodeID)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var errSensor = errors.New("sensor read failed")

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestStore(t *testing.T, metrics MetricsProvider, nodeID uint8) *StateStore {
	t.Helper()
	store, err := NewStateStore(metrics, nodeID, "")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	return store
}
