package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaymon/internal/models"

	"github.com/zeebo/blake3"
)

// maxReceipts bounds the receipts kept for the status API
const maxReceipts = 32

// FileRelayServer persists every inbound connection's byte stream to its own
// file named <prefix><sequence>.<ext>.
type FileRelayServer struct {
	addr   string
	dir    string
	prefix string
	ext    string

	ln    net.Listener
	conns sync.Map // net.Conn -> struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	sequence int
	stats    models.RelayStats
}

func NewFileRelayServer(addr, dir, prefix, ext string) *FileRelayServer {
	return &FileRelayServer{
		addr:   addr,
		dir:    dir,
		prefix: prefix,
		ext:    ext,
	}
}

// Listen binds the relay socket. Serve calls it when it has not been called yet.
func (s *FileRelayServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen file relay %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *FileRelayServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes open
// connections and waits for their handlers.
func (s *FileRelayServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer func() { _ = s.ln.Close() }()

	log.Printf("[RELAY] Listening on %s (writing %s)", s.ln.Addr(), s.filePath(0))

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
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[RELAY] Accept failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		// Assigned here so sequence order follows accept order.
		seq := s.nextSequence()
		s.conns.Store(conn, struct{}{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Delete(conn)
			s.handleConn(conn, seq)
		}()
	}
}

func (s *FileRelayServer) shutdown() {
	s.conns.Range(func(k, _ any) bool {
		_ = k.(net.Conn).Close()
		return true
	})
	s.wg.Wait()
}

func (s *FileRelayServer) nextSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.sequence
	s.sequence++
	return seq
}

func (s *FileRelayServer) filePath(seq int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d.%s", s.prefix, seq, s.ext))
}

func (s *FileRelayServer) handleConn(conn net.Conn, seq int) {
	defer conn.Close()

	path := s.filePath(seq)
	receipt := models.RelayReceipt{Sequence: seq, Path: path}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Printf("[RELAY] Could not create %s, discarding stream: %v", path, err)
		n, _ := io.Copy(io.Discard, conn)
		receipt.Bytes = n
		receipt.Discarded = true
		s.record(receipt)
		return
	}

	hasher := blake3.New()
	n, copyErr := io.Copy(io.MultiWriter(f, hasher), conn)
	closeErr := f.Close()
	receipt.Bytes = n
	receipt.Digest = hex.EncodeToString(hasher.Sum(nil))

	if copyErr != nil {
		log.Printf("[RELAY] Stream for %s ended with error after %d bytes: %v", path, n, copyErr)
	}
	if closeErr != nil {
		log.Printf("[RELAY] Close %s: %v", path, closeErr)
	}
	log.Printf("[RELAY] Stored %s (%d bytes, blake3 %s)", path, n, receipt.Digest)
	s.record(receipt)
}

func (s *FileRelayServer) record(r models.RelayReceipt) {
	r.ReceivedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Discarded {
		s.stats.StreamsDropped++
	} else {
		s.stats.FilesReceived++
		s.stats.BytesReceived += uint64(r.Bytes)
	}
	s.stats.RecentReceipts = append(s.stats.RecentReceipts, r)
	if len(s.stats.RecentReceipts) > maxReceipts {
		s.stats.RecentReceipts = s.stats.RecentReceipts[1:]
	}
}

// Stats returns a copy of the relay counters and recent receipts.
func (s *FileRelayServer) Stats() models.RelayStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.NextSequence = s.sequence
	out.RecentReceipts = append([]models.RelayReceipt{}, s.stats.RecentReceipts...)
	return out
}
