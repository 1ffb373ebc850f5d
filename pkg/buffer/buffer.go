// Package buffer implements the request body sink a Stream accumulates
// BODY/BODY_CHUNKED_DATA bytes into (spec §3, "request body sink").
// Unlike a client capturing a response body it chose to request, a
// server-side sink is handed bytes by a peer it does not control, so
// it enforces a hard cap in addition to the soft memory-vs-disk
// threshold: past DefaultBodyMemLimit it spills to a temp file to
// avoid pinning memory, and past MaxBodySinkSize it refuses further
// writes entirely so one oversized request can't grow an unbounded
// temp file on disk.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/corvidproto/httpengine/pkg/protoerr"
)

// DefaultMemoryLimit is the default memory threshold before spilling to disk.
const DefaultMemoryLimit = 4 * 1024 * 1024 // 4MB

// Buffer stores data either in memory or spooled to a temporary file
// once above limit, and refuses writes once above maxSize (0 = no cap).
type Buffer struct {
	buf     bytes.Buffer
	file    *os.File
	path    string
	size    int64
	limit   int64
	maxSize int64
	mu      sync.Mutex
	closed  bool
}

// NewBounded creates a Buffer that spills to disk past limit and
// refuses further writes once total size would exceed maxSize (0 = no
// cap). Use this for a sink fed by an untrusted peer.
func NewBounded(limit, maxSize int64) *Buffer {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Buffer{limit: limit, maxSize: maxSize}
}

// Write stores p, spilling to disk once above the memory threshold and
// refusing the write once above the hard cap.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, protoerr.NewTransportError("buffer is closed", nil)
	}
	if b.maxSize > 0 && b.size+int64(len(p)) > b.maxSize {
		return 0, protoerr.NewTransportError("request body exceeds maximum sink size", nil)
	}

	b.size += int64(len(p))

	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.limit {
		return b.buf.Write(p)
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "httpengine-body-*.tmp")
		if err != nil {
			return 0, protoerr.NewTransportError("creating temp file", err)
		}
		b.file = tmp
		b.path = tmp.Name()

		if b.buf.Len() > 0 {
			if _, err := tmp.Write(b.buf.Bytes()); err != nil {
				b.Close()
				return 0, protoerr.NewTransportError("writing to temp file", err)
			}
		}
		b.buf.Reset()
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, protoerr.NewTransportError("writing to temp file", err)
	}
	return n, nil
}

// Bytes returns the in-memory data. If the payload spilled to disk this
// is empty; check IsSpilled first.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		return nil
	}
	return b.buf.Bytes()
}

// Size returns the total number of bytes written.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled returns true if the buffer has spilled to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader provides a fresh reader for the stored data.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, protoerr.NewTransportError("buffer is closed", nil)
	}

	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, protoerr.NewTransportError("syncing temp file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, protoerr.NewTransportError("opening temp file for reading", err)
		}
		return f, nil
	}

	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Close flushes and closes the underlying file, if any, and removes the
// temp file. Safe for concurrent calls and idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.file != nil {
		err := b.file.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = protoerr.NewTransportError("removing temp file", removeErr)
		}
		b.file = nil
		b.path = ""
		if err != nil {
			return protoerr.NewTransportError("closing temp file", err)
		}
	}
	return nil
}
