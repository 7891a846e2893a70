package models

// TelemetryMessageSize is the fixed wire size of a worker telemetry record:
// pid (int32) followed by five float32 values, all little-endian.
const TelemetryMessageSize = 24

// ProgressComplete is the sentinel progress value a worker sends when it has
// finished and its artifacts should be shipped downstream.
const ProgressComplete float32 = -1.0

// TelemetryMessage is one decoded worker report.
type TelemetryMessage struct {
	PID         int32
	Progress    float32
	SendTime    float32
	RecvTime    float32
	DelayTime   float32
	ScatterTime float32
}

// IsComplete reports whether the message carries the end-of-stream sentinel.
func (m TelemetryMessage) IsComplete() bool {
	return m.Progress == ProgressComplete
}
