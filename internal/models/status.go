package models

import (
	"encoding/json"
	"math"
)

// Status is a serializable record forwarded to the upstream collector.
// NodeStatus and ProcessStatus are the only implementations.
type Status interface {
	Kind() string
}

const (
	StatusKindNode    = "node"
	StatusKindProcess = "process"
)

// NodeStatus is the wire shape of a node report.
type NodeStatus struct {
	NodeID      uint8     `json:"nodeId"`
	Cores       int       `json:"cores"`
	Threads     int       `json:"threads"`
	CPU         float32   `json:"cpu"`
	TotalRAM    uint64    `json:"totalRam"`
	UsedRAM     uint64    `json:"usedRam"`
	Temperature []float32 `json:"temperature"`
}

func (NodeStatus) Kind() string { return StatusKindNode }

// MarshalJSON writes non-finite floats as 0 and a nil temperature list as [].
func (s NodeStatus) MarshalJSON() ([]byte, error) {
	type plain NodeStatus
	p := plain(s)
	p.CPU = finite(p.CPU)
	p.Temperature = make([]float32, len(s.Temperature))
	for i, t := range s.Temperature {
		p.Temperature[i] = finite(t)
	}
	return json.Marshal(p)
}

// ProcessStatus is the wire shape of a process report.
type ProcessStatus struct {
	PID         int32   `json:"pid"`
	NodeID      uint8   `json:"nodeId"`
	CPU         float32 `json:"cpu"`
	RAM         uint64  `json:"ram"`
	Progress    float32 `json:"progress"`
	SendTime    float32 `json:"sendTime"`
	ReceiveTime float32 `json:"receiveTime"`
	DelayTime   float32 `json:"delayTime"`
	ScatterTime float32 `json:"scatterTime"`
}

func (ProcessStatus) Kind() string { return StatusKindProcess }

// MarshalJSON writes non-finite floats as 0. Telemetry is not range-checked,
// so NaN or Inf can arrive from a worker or from a short read.
func (s ProcessStatus) MarshalJSON() ([]byte, error) {
	type plain ProcessStatus
	p := plain(s)
	p.CPU = finite(p.CPU)
	p.Progress = finite(p.Progress)
	p.SendTime = finite(p.SendTime)
	p.ReceiveTime = finite(p.ReceiveTime)
	p.DelayTime = finite(p.DelayTime)
	p.ScatterTime = finite(p.ScatterTime)
	return json.Marshal(p)
}

func finite(v float32) float32 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return v
}

// StatusFraming selects how a status payload is framed on the collector socket.
type StatusFraming string

const (
	// FramingFixed256 writes the JSON into a zero-padded 256-byte buffer.
	// Longer payloads are cut at the boundary and the collector cannot tell.
	FramingFixed256 StatusFraming = "fixed256"
	// FramingLengthPrefixed writes a 4-byte big-endian length then the JSON.
	FramingLengthPrefixed StatusFraming = "length-prefixed"
)

// StateSnapshot is a consistent copy of the node and all process records
type StateSnapshot struct {
	Node      NodeStatus      `json:"node"`
	Processes []ProcessStatus `json:"processes"`
}
