package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"relaymon/internal/models"
)

type telemetryFixture struct {
	metrics   *fakeMetrics
	store     *StateStore
	forwarder *recordingForwarder
	sender    *recordingSender
	history   *ProgressHistory
	server    *TelemetryServer
}

func newTelemetryFixture(t *testing.T, opts TelemetryOptions) *telemetryFixture {
	t.Helper()
	f := &telemetryFixture{
		metrics:   newFakeMetrics(),
		forwarder: &recordingForwarder{},
		sender:    &recordingSender{},
		history:   NewProgressHistory(10),
	}
	f.store = newTestStore(t, f.metrics, 17)
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	f.server = NewTelemetryServer(opts, f.store, f.forwarder, f.sender, f.history)
	return f
}

func TestProcessRead_NonFiniteTimingStillForwarded(t *testing.T) {
	t.Parallel()

	addr, got := collector(t, 2)
	client := NewForwardingClient(addr, models.FramingFixed256, time.Second, nil)
	store := newTestStore(t, newFakeMetrics(), 17)
	server := NewTelemetryServer(TelemetryOptions{Addr: "127.0.0.1:0"}, store, client, &recordingSender{}, NewProgressHistory(10))

	buf := EncodeTelemetry(models.TelemetryMessage{PID: 42, Progress: 50, SendTime: float32(math.Inf(1)), RecvTime: float32(math.NaN())})
	server.processRead(context.Background(), buf, len(buf))

	receive(t, got)
	frame := receive(t, got)
	var proc models.ProcessStatus
	if err := json.Unmarshal(bytes.TrimRight(frame, "\x00"), &proc); err != nil {
		t.Fatalf("unmarshal %q: %v", frame, err)
	}
	if proc.PID != 42 || proc.Progress != 50 || proc.SendTime != 0 || proc.ReceiveTime != 0 {
		t.Fatalf("process=%+v", proc)
	}
	if st := client.Stats(); st.Sent != 2 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestProcessRead_UpdatesAndForwards(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{})
	buf := []byte{42, 0, 0, 0, 0, 0, 200, 66, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

	f.server.processRead(context.Background(), buf, len(buf))

	got := f.forwarder.snapshot()
	if len(got) != 2 {
		t.Fatalf("forwarded %d statuses", len(got))
	}
	node, ok := got[0].(models.NodeStatus)
	if !ok || node.NodeID != 17 {
		t.Fatalf("first status=%#v", got[0])
	}
	proc, ok := got[1].(models.ProcessStatus)
	if !ok {
		t.Fatalf("second status=%#v", got[1])
	}
	want := models.ProcessStatus{PID: 42, NodeID: 17, Progress: 100}
	if proc != want {
		t.Fatalf("process=%+v want %+v", proc, want)
	}

	payload, err := MarshalStatus(proc)
	if err != nil {
		t.Fatalf("MarshalStatus: %v", err)
	}
	if !containsAll(string(payload), `"pid":42`, `"progress":100`) {
		t.Fatalf("payload=%s", payload)
	}

	stored, ok := f.store.Process(42)
	if !ok || stored != want {
		t.Fatalf("stored=%+v ok=%v", stored, ok)
	}
	if h, ok := f.history.Get(42, 0); !ok || len(h.Samples) != 1 {
		t.Fatalf("history=%+v ok=%v", h, ok)
	}
	if f.sender.count() != 0 {
		t.Fatalf("bulk send triggered by a progress update")
	}
}

func TestProcessRead_RefreshesNodeEveryRead(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{})
	buf := EncodeTelemetry(models.TelemetryMessage{PID: 1, Progress: 5})

	f.server.processRead(context.Background(), buf, len(buf))
	f.metrics.setNode(func(n *models.NodeSnapshot) { n.CPUUsage = 77 })
	f.server.processRead(context.Background(), buf, len(buf))

	got := f.forwarder.snapshot()
	if len(got) != 4 {
		t.Fatalf("forwarded %d statuses", len(got))
	}
	if node := got[2].(models.NodeStatus); node.CPU != 77 {
		t.Fatalf("node cpu=%v", node.CPU)
	}
}

func TestProcessRead_SentinelTriggersSingleBulkSend(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{})
	update := EncodeTelemetry(models.TelemetryMessage{PID: 7, Progress: 50, SendTime: 1})
	f.server.processRead(context.Background(), update, len(update))
	before, _ := f.store.Process(7)

	sentinel := EncodeTelemetry(models.TelemetryMessage{PID: 7, Progress: models.ProgressComplete, SendTime: 99})
	f.server.processRead(context.Background(), sentinel, len(sentinel))

	if n := f.sender.count(); n != 1 {
		t.Fatalf("bulk sends=%d", n)
	}
	if f.sender.calls[0] != 17 {
		t.Fatalf("bulk send node id=%d", f.sender.calls[0])
	}
	after, _ := f.store.Process(7)
	if after != before {
		t.Fatalf("sentinel mutated record: before %+v after %+v", before, after)
	}

	// Only the node status is forwarded for the sentinel read.
	got := f.forwarder.snapshot()
	if len(got) != 3 {
		t.Fatalf("forwarded %d statuses", len(got))
	}
	if _, ok := got[2].(models.NodeStatus); !ok {
		t.Fatalf("last status=%#v", got[2])
	}
	if st := f.server.Stats(); st.BulkSends != 1 || st.BulkFailures != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestProcessRead_SentinelForUnknownPIDCreatesNothing(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{})
	f.sender.err = errors.New("downstream unreachable")
	sentinel := EncodeTelemetry(models.TelemetryMessage{PID: 1234, Progress: models.ProgressComplete})

	f.server.processRead(context.Background(), sentinel, len(sentinel))

	if _, ok := f.store.Process(1234); ok {
		t.Fatalf("sentinel created a process record")
	}
	if st := f.server.Stats(); st.BulkSends != 1 || st.BulkFailures != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestProcessRead_ShortReadPermissive(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{})
	buf := EncodeTelemetry(models.TelemetryMessage{PID: 3, Progress: 10, ScatterTime: 8})

	// Only the first 8 bytes arrived; the rest of the buffer is stale.
	f.server.processRead(context.Background(), buf, 8)

	p, ok := f.store.Process(3)
	if !ok || p.ScatterTime != 8 {
		t.Fatalf("process=%+v ok=%v", p, ok)
	}
	if st := f.server.Stats(); st.ShortReads != 1 || st.ReadEvents != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestProcessRead_ShortReadStrict(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{StrictLength: true})
	buf := EncodeTelemetry(models.TelemetryMessage{PID: 3, Progress: 10})

	f.server.processRead(context.Background(), buf, 8)

	if _, ok := f.store.Process(3); ok {
		t.Fatalf("strict mode applied a short read")
	}
	got := f.forwarder.snapshot()
	if len(got) != 1 {
		t.Fatalf("forwarded %d statuses", len(got))
	}
	if _, ok := got[0].(models.NodeStatus); !ok {
		t.Fatalf("status=%#v", got[0])
	}
}

func TestProcessRead_NodeRefreshFailureStillForwards(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{})
	f.metrics.mu.Lock()
	f.metrics.nodeErr = errSensor
	f.metrics.mu.Unlock()

	buf := EncodeTelemetry(models.TelemetryMessage{PID: 2, Progress: 1})
	f.server.processRead(context.Background(), buf, len(buf))

	got := f.forwarder.snapshot()
	if len(got) != 2 {
		t.Fatalf("forwarded %d statuses", len(got))
	}
	if node := got[0].(models.NodeStatus); node.CPU != 12.5 {
		t.Fatalf("node=%+v", node)
	}
}

func TestTelemetryServer_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{})
	if err := f.server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- f.server.Serve(ctx) }()

	conn, err := net.Dial("tcp", f.server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := conn.Write(EncodeTelemetry(models.TelemetryMessage{PID: 42, Progress: 100})); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "process status", func() bool { return len(f.forwarder.snapshot()) == 2 })

	waitFor(t, "active connection", func() bool { return f.server.Stats().ActiveConnections == 1 })
	_ = conn.Close()
	waitFor(t, "handler exit", func() bool { return f.server.Stats().ActiveConnections == 0 })

	p, ok := f.store.Process(42)
	if !ok || p.Progress != 100 {
		t.Fatalf("process=%+v ok=%v", p, ok)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}

// Not parallel: it counts goroutines.
func TestTelemetryServer_ListenerClosedReleasesWatcher(t *testing.T) {
	f := newTelemetryFixture(t, TelemetryOptions{})
	if err := f.server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := runtime.NumGoroutine()

	served := make(chan error, 1)
	go func() { served <- f.server.Serve(ctx) }()
	_ = f.server.ln.Close()

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return after listener close")
	}
	waitFor(t, "goroutines to exit", func() bool { return runtime.NumGoroutine() <= base })
}

func TestTelemetryServer_ShutdownClosesIdleConnections(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{MaxConnections: 2})
	if err := f.server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- f.server.Serve(ctx) }()

	conn, err := net.Dial("tcp", f.server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "active connection", func() bool { return f.server.Stats().ActiveConnections == 1 })

	cancel()
	select {
	case <-served:
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve blocked on an idle connection")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected closed connection")
	}
}

func TestTelemetryServer_ReadTimeout(t *testing.T) {
	t.Parallel()

	f := newTelemetryFixture(t, TelemetryOptions{ReadTimeout: 50 * time.Millisecond})
	if err := f.server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.server.Serve(ctx) }()

	conn, err := net.Dial("tcp", f.server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, "idle connection dropped", func() bool {
		return f.server.Stats().ActiveConnections == 0 && f.server.Stats().ReadEvents == 0
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected server to close the idle connection")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
