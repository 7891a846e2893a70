package services

import (
	"context"
	"log"
	"net"
	"sync/atomic"
	"time"

	"relaymon/internal/models"
)

// StatusForwarder pushes a status record to the upstream collector.
// Implementations never report failure to the caller.
type StatusForwarder interface {
	Forward(ctx context.Context, status models.Status)
}

// ForwardingClient opens one short-lived TCP connection per status message.
type ForwardingClient struct {
	addr        string
	framing     models.StatusFraming
	dialTimeout time.Duration
	hub         *WebSocketHub

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewForwardingClient creates a client for the collector at addr. hub may be
// nil; when set every status is also published to the live feed.
func NewForwardingClient(addr string, framing models.StatusFraming, dialTimeout time.Duration, hub *WebSocketHub) *ForwardingClient {
	return &ForwardingClient{
		addr:        addr,
		framing:     framing,
		dialTimeout: dialTimeout,
		hub:         hub,
	}
}

// Forward encodes status, connects, writes the frame and closes. Errors are
// logged and swallowed.
func (f *ForwardingClient) Forward(ctx context.Context, status models.Status) {
	f.hub.Publish(status)

	frame, truncated, err := EncodeStatus(status, f.framing)
	if err != nil {
		log.Printf("[FORWARD] Dropping %s status: %v", status.Kind(), err)
		f.failed.Add(1)
		return
	}
	if truncated {
		log.Printf("[FORWARD] Warning: %s status exceeds %d bytes, collector receives a truncated payload", status.Kind(), StatusBufferSize)
	}

	if err := f.send(ctx, frame); err != nil {
		log.Printf("[FORWARD] Could not deliver %s status to %s: %v", status.Kind(), f.addr, err)
		f.failed.Add(1)
		return
	}
	f.sent.Add(1)
}

func (f *ForwardingClient) send(ctx context.Context, frame []byte) error {
	dialer := net.Dialer{Timeout: f.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if f.dialTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(f.dialTimeout))
	}
	_, err = conn.Write(frame)
	return err
}

// Stats returns delivery counters since startup
func (f *ForwardingClient) Stats() models.ForwardStats {
	return models.ForwardStats{
		Sent:   f.sent.Load(),
		Failed: f.failed.Load(),
	}
}
