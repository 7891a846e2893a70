package models

import "time"

// RelayReceipt describes one artifact received by the file relay
type RelayReceipt struct {
	Sequence   int       `json:"sequence"`
	Path       string    `json:"path"`
	Bytes      int64     `json:"bytes"`
	Digest     string    `json:"blake3,omitempty"`
	Discarded  bool      `json:"discarded"`
	ReceivedAt time.Time `json:"received_at"`
}

// RelayStats summarises file relay activity
type RelayStats struct {
	FilesReceived  uint64         `json:"files_received"`
	StreamsDropped uint64         `json:"streams_dropped"`
	BytesReceived  uint64         `json:"bytes_received"`
	RecentReceipts []RelayReceipt `json:"recent_receipts"`
	NextSequence   int            `json:"next_sequence"`
}

// TelemetryStats summarises telemetry server activity
type TelemetryStats struct {
	ActiveConnections int64  `json:"active_connections"`
	ReadEvents        uint64 `json:"read_events"`
	ShortReads        uint64 `json:"short_reads"`
	BulkSends         uint64 `json:"bulk_sends"`
	BulkFailures      uint64 `json:"bulk_failures"`
}

// ForwardStats counts status deliveries to the upstream collector
type ForwardStats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}
