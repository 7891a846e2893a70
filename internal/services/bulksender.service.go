package services

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BatchHeaderSize is the length of the bulk transfer header:
// node id (1 byte), file count (u32 BE), per-file size (u32 BE).
const BatchHeaderSize = 9

// ArtifactSender ships the node's finished artifacts downstream.
type ArtifactSender interface {
	SendAll(ctx context.Context, nodeID uint8) error
}

// BulkFileSender transmits every artifact file in a directory over a single
// outbound connection.
type BulkFileSender struct {
	addr        string
	dir         string
	suffix      string
	dialTimeout time.Duration
}

func NewBulkFileSender(addr, dir, suffix string, dialTimeout time.Duration) *BulkFileSender {
	return &BulkFileSender{
		addr:        addr,
		dir:         dir,
		suffix:      suffix,
		dialTimeout: dialTimeout,
	}
}

// ListArtifacts returns the regular files in dir whose name ends in suffix,
// sorted lexically by path.
func ListArtifacts(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts in %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// WriteBatchHeader writes the 9-byte bulk header.
func WriteBatchHeader(w io.Writer, nodeID uint8, count, size uint32) error {
	var hdr [BatchHeaderSize]byte
	hdr[0] = nodeID
	binary.BigEndian.PutUint32(hdr[1:5], count)
	binary.BigEndian.PutUint32(hdr[5:9], size)
	_, err := w.Write(hdr[:])
	return err
}

// SendAll connects to the downstream endpoint and writes the header followed
// by the raw bytes of every artifact. With no artifacts only the header
// (count 0, size 0) is sent. An unreadable directory counts as empty and an
// artifact that cannot be stat'ed is left out of the batch.
func (b *BulkFileSender) SendAll(ctx context.Context, nodeID uint8) error {
	listed, err := ListArtifacts(b.dir, b.suffix)
	if err != nil {
		log.Printf("[BULK] Warning: sending empty batch: %v", err)
	}

	files := make([]string, 0, len(listed))
	sizes := make([]int64, 0, len(listed))
	for _, path := range listed {
		info, err := os.Stat(path)
		if err != nil {
			log.Printf("[BULK] Warning: skipping %s: %v", filepath.Base(path), err)
			continue
		}
		files = append(files, path)
		sizes = append(sizes, info.Size())
	}

	var size uint32
	if len(sizes) > 0 {
		size = uint32(sizes[0])
		for i, s := range sizes[1:] {
			if s != sizes[0] {
				log.Printf("[BULK] Warning: %s is %d bytes, receiver expects %d", files[i+1], s, sizes[0])
			}
		}
	}

	dialer := net.Dialer{Timeout: b.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", b.addr, err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := WriteBatchHeader(w, nodeID, uint32(len(files)), size); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var total int64
	for _, path := range files {
		n, err := copyFile(w, path)
		total += n
		if err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush batch: %w", err)
	}

	log.Printf("[BULK] Sent %d artifacts (%d bytes) from node %d to %s", len(files), total, nodeID, b.addr)
	return nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("send %s: %w", filepath.Base(path), err)
	}
	return n, nil
}
