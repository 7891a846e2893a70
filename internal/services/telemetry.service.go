package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"relaymon/internal/models"

	"golang.org/x/sync/semaphore"
)

// TelemetryOptions configures a TelemetryServer. The zero values of the
// hardening fields keep the permissive behaviour: no read deadline, no
// connection limit, short reads decoded from the stale buffer.
type TelemetryOptions struct {
	Addr           string
	ReadTimeout    time.Duration
	MaxConnections int64
	StrictLength   bool
}

// TelemetryServer accepts worker connections and turns each read into a node
// refresh, a process update and upstream forwards.
type TelemetryServer struct {
	opts      TelemetryOptions
	store     *StateStore
	forwarder StatusForwarder
	sender    ArtifactSender
	history   *ProgressHistory
	sem       *semaphore.Weighted

	ln    net.Listener
	conns sync.Map // net.Conn -> struct{}
	wg    sync.WaitGroup

	active      atomic.Int64
	reads       atomic.Uint64
	shortReads  atomic.Uint64
	bulkSends   atomic.Uint64
	bulkFailure atomic.Uint64
}

// NewTelemetryServer wires the server to its collaborators. history may be nil.
func NewTelemetryServer(opts TelemetryOptions, store *StateStore, forwarder StatusForwarder, sender ArtifactSender, history *ProgressHistory) *TelemetryServer {
	s := &TelemetryServer{
		opts:      opts,
		store:     store,
		forwarder: forwarder,
		sender:    sender,
		history:   history,
	}
	if opts.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConnections)
	}
	return s
}

// Listen binds the telemetry socket. Serve calls it when it has not been called yet.
func (s *TelemetryServer) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen telemetry %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *TelemetryServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is cancelled. One goroutine handles each
// connection; on return all open connections have been closed and their
// handlers have finished.
func (s *TelemetryServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer func() { _ = s.ln.Close() }()

	log.Printf("[TELEMETRY] Listening on %s", s.ln.Addr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = s.ln.Close()
	}()
	defer s.shutdown()

	for {
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := s.ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[TELEMETRY] Accept failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.conns.Store(conn, struct{}{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			defer s.conns.Delete(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *TelemetryServer) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func (s *TelemetryServer) shutdown() {
	s.conns.Range(func(k, _ any) bool {
		_ = k.(net.Conn).Close()
		return true
	})
	s.wg.Wait()
}

// handleConn processes one read at a time until the peer hangs up or the read fails.
func (s *TelemetryServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.active.Add(1)
	defer s.active.Add(-1)

	peer := conn.RemoteAddr().String()
	var buf [models.TelemetryMessageSize]byte

	for {
		if s.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}

		n, err := conn.Read(buf[:])
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[TELEMETRY] Read from %s failed, closing: %v", peer, err)
			}
			return
		}

		s.processRead(ctx, buf[:], n)

		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[TELEMETRY] Read from %s failed, closing: %v", peer, err)
			}
			return
		}
	}
}

// processRead handles one read event of n bytes held in buf. The node is
// refreshed and forwarded for every read, even one that does not decode.
func (s *TelemetryServer) processRead(ctx context.Context, buf []byte, n int) {
	s.reads.Add(1)
	short := n < models.TelemetryMessageSize
	if short {
		s.shortReads.Add(1)
	}
	drop := short && s.opts.StrictLength

	var (
		node       models.NodeStatus
		nodeID     uint8
		msg        models.TelemetryMessage
		process    models.ProcessStatus
		decodeErr  error
		isComplete bool
	)

	_ = s.store.WithExclusiveAccess(func(st *State) error {
		if err := st.RefreshNode(); err != nil {
			log.Printf("[TELEMETRY] Warning: node refresh failed, forwarding previous values: %v", err)
		}
		node = st.Node.Status()
		nodeID = st.Node.NodeID

		if drop {
			return nil
		}
		msg, decodeErr = DecodeTelemetry(buf)
		if decodeErr != nil {
			return decodeErr
		}
		isComplete = msg.IsComplete()
		if !isComplete {
			process = st.ApplyTelemetry(msg)
		}
		return nil
	})

	s.forwarder.Forward(ctx, node)

	switch {
	case drop:
		log.Printf("[TELEMETRY] Dropping short read (%d of %d bytes)", n, models.TelemetryMessageSize)
	case decodeErr != nil:
		log.Printf("[TELEMETRY] Could not decode read: %v", decodeErr)
	case isComplete:
		s.bulkSends.Add(1)
		log.Printf("[TELEMETRY] Process %d finished, sending artifacts for node %d", msg.PID, nodeID)
		if err := s.sender.SendAll(ctx, nodeID); err != nil {
			s.bulkFailure.Add(1)
			log.Printf("[BULK] Artifact transfer failed: %v", err)
		}
	default:
		s.history.Record(msg)
		s.forwarder.Forward(ctx, process)
	}
}

// Stats returns the connection and read counters.
func (s *TelemetryServer) Stats() models.TelemetryStats {
	return models.TelemetryStats{
		ActiveConnections: s.active.Load(),
		ReadEvents:        s.reads.Load(),
		ShortReads:        s.shortReads.Load(),
		BulkSends:         s.bulkSends.Load(),
		BulkFailures:      s.bulkFailure.Load(),
	}
}
