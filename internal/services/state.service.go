package services

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"relaymon/internal/models"
)

// State is the mutable registry guarded by a StateStore. It is only reachable
// inside WithExclusiveAccess and must not be retained after the callback returns.
type State struct {
	Node      *models.NodeRecord
	Processes map[int32]*models.ProcessRecord
	Metrics   MetricsProvider
}

// StateStore serializes all access to the node record and the process map
// behind a single lock. There is no separate read path.
type StateStore struct {
	mu    sync.Mutex
	state State
}

// NewStateStore takes the initial hardware reading and seeds the process map
// with every process named processName (empty name skips the scan).
func NewStateStore(metrics MetricsProvider, nodeID uint8, processName string) (*StateStore, error) {
	snap, err := metrics.NodeSnapshot()
	if err != nil {
		return nil, fmt.Errorf("initial node snapshot: %w", err)
	}

	node := models.NewNodeRecord(nodeID, snap)
	processes := make(map[int32]*models.ProcessRecord)
	if processName != "" {
		for pid, ps := range metrics.ProcessesByName(processName) {
			processes[pid] = &models.ProcessRecord{
				NodeID:   nodeID,
				PID:      pid,
				CPUUsage: ps.CPUUsage,
				RAMBytes: ps.RAMBytes,
			}
		}
	}

	log.Printf("[STATE] Node created %d (%d cores, %d threads, %d tracked processes)",
		nodeID, node.CoreCount, node.ThreadCount, len(processes))

	return &StateStore{
		state: State{
			Node:      node,
			Processes: processes,
			Metrics:   metrics,
		},
	}, nil
}

// WithExclusiveAccess runs fn while holding the store lock. The lock is
// released on every exit path, including a panic inside fn.
func (s *StateStore) WithExclusiveAccess(fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.state)
}

// NodeID returns the immutable node identifier.
func (s *StateStore) NodeID() uint8 {
	var id uint8
	_ = s.WithExclusiveAccess(func(st *State) error {
		id = st.Node.NodeID
		return nil
	})
	return id
}

// Snapshot copies the node and all processes, ordered by pid.
func (s *StateStore) Snapshot() models.StateSnapshot {
	var snap models.StateSnapshot
	_ = s.WithExclusiveAccess(func(st *State) error {
		snap.Node = st.Node.Status()
		snap.Processes = make([]models.ProcessStatus, 0, len(st.Processes))
		for _, p := range st.Processes {
			snap.Processes = append(snap.Processes, p.Status())
		}
		return nil
	})
	sort.Slice(snap.Processes, func(i, j int) bool {
		return snap.Processes[i].PID < snap.Processes[j].PID
	})
	return snap
}

// Process returns a copy of one process record.
func (s *StateStore) Process(pid int32) (models.ProcessStatus, bool) {
	var (
		status models.ProcessStatus
		found  bool
	)
	_ = s.WithExclusiveAccess(func(st *State) error {
		if p, ok := st.Processes[pid]; ok {
			status, found = p.Status(), true
		}
		return nil
	})
	return status, found
}

// RefreshNode resamples the volatile node fields. On error the previous
// values are kept.
func (st *State) RefreshNode() error {
	snap, err := st.Metrics.NodeSnapshot()
	if err != nil {
		return err
	}
	st.Node.Refresh(snap)
	return nil
}

// UpsertProcess returns the record for pid, creating it from a live metrics
// lookup when it is not tracked yet. A pid the provider cannot see gets a
// record with zero usage; creation never fails.
func (st *State) UpsertProcess(pid int32) *models.ProcessRecord {
	if p, ok := st.Processes[pid]; ok {
		return p
	}

	p := &models.ProcessRecord{NodeID: st.Node.NodeID, PID: pid}
	snap, found := st.Metrics.ProcessSnapshot(pid)
	p.SetUsage(snap, found)
	st.Processes[pid] = p
	return p
}

// ApplyTelemetry upserts the sender's record, refreshes live usage for
// records that already existed and applies the message fields.
func (st *State) ApplyTelemetry(msg models.TelemetryMessage) models.ProcessStatus {
	_, existed := st.Processes[msg.PID]
	p := st.UpsertProcess(msg.PID)
	if existed {
		p.SetUsage(st.Metrics.ProcessSnapshot(msg.PID))
	}
	p.Apply(msg)
	return p.Status()
}
