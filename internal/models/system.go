package models

// NodeRecord holds the hardware state of the node this agent runs on.
// One record exists per process lifetime; it is only mutated through the
// state store.
type NodeRecord struct {
	NodeID       uint8
	CoreCount    int
	ThreadCount  int
	CPUUsage     float32
	TotalRAM     uint64
	UsedRAM      uint64
	Temperatures []float32
}

// NodeSnapshot is a point-in-time hardware reading taken from a metrics provider
type NodeSnapshot struct {
	Cores        int
	Threads      int
	CPUUsage     float32
	TotalRAM     uint64
	UsedRAM      uint64
	Temperatures []float32
}

// NewNodeRecord builds the node record from the first hardware reading.
// Core and thread counts are fixed from here on.
func NewNodeRecord(nodeID uint8, snap NodeSnapshot) *NodeRecord {
	n := &NodeRecord{
		NodeID:      nodeID,
		CoreCount:   snap.Cores,
		ThreadCount: snap.Threads,
		TotalRAM:    snap.TotalRAM,
	}
	n.Refresh(snap)
	return n
}

// Refresh updates the volatile fields: CPU usage, used RAM and temperatures.
// The temperature slice is replaced wholesale since the sensor set may change.
func (n *NodeRecord) Refresh(snap NodeSnapshot) {
	n.CPUUsage = snap.CPUUsage
	n.UsedRAM = snap.UsedRAM
	n.Temperatures = append([]float32{}, snap.Temperatures...)
}

// Status returns a detached copy suitable for forwarding.
func (n *NodeRecord) Status() NodeStatus {
	return NodeStatus{
		NodeID:      n.NodeID,
		Cores:       n.CoreCount,
		Threads:     n.ThreadCount,
		CPU:         n.CPUUsage,
		TotalRAM:    n.TotalRAM,
		UsedRAM:     n.UsedRAM,
		Temperature: append([]float32{}, n.Temperatures...),
	}
}
