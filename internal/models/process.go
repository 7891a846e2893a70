package models

// ProcessRecord tracks one worker process observed through telemetry.
type ProcessRecord struct {
	NodeID      uint8
	PID         int32
	CPUUsage    float32
	RAMBytes    uint64
	Progress    float32
	SendTime    float32
	RecvTime    float32
	DelayTime   float32
	ScatterTime float32
}

// ProcessSnapshot is the live CPU/RAM usage of a single process
type ProcessSnapshot struct {
	CPUUsage float32
	RAMBytes uint64
}

// Apply copies the progress and phase timings of a telemetry message.
func (p *ProcessRecord) Apply(msg TelemetryMessage) {
	p.Progress = msg.Progress
	p.SendTime = msg.SendTime
	p.RecvTime = msg.RecvTime
	p.DelayTime = msg.DelayTime
	p.ScatterTime = msg.ScatterTime
}

// SetUsage replaces CPU and RAM usage; a missing snapshot zeroes both.
func (p *ProcessRecord) SetUsage(snap ProcessSnapshot, found bool) {
	if !found {
		p.CPUUsage = 0
		p.RAMBytes = 0
		return
	}
	p.CPUUsage = snap.CPUUsage
	p.RAMBytes = snap.RAMBytes
}

func (p *ProcessRecord) Status() ProcessStatus {
	return ProcessStatus{
		PID:         p.PID,
		NodeID:      p.NodeID,
		CPU:         p.CPUUsage,
		RAM:         p.RAMBytes,
		Progress:    p.Progress,
		SendTime:    p.SendTime,
		ReceiveTime: p.RecvTime,
		DelayTime:   p.DelayTime,
		ScatterTime: p.ScatterTime,
	}
}
