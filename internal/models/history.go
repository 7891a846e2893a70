package models

import "time"

// ProgressSample is one telemetry update recorded for a process
type ProgressSample struct {
	Timestamp   time.Time `json:"timestamp"`
	Progress    float32   `json:"progress"`
	SendTime    float32   `json:"send_time"`
	RecvTime    float32   `json:"recv_time"`
	DelayTime   float32   `json:"delay_time"`
	ScatterTime float32   `json:"scatter_time"`
}

// ProcessHistory holds the recent samples of one process
type ProcessHistory struct {
	PID     int32            `json:"pid"`
	Samples []ProgressSample `json:"samples"`
}
