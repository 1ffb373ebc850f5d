package buffer_test

import (
	"io"
	"testing"

	"github.com/corvidproto/httpengine/pkg/buffer"
)

func TestBufferSpillsPastMemoryLimit(t *testing.T) {
	buf := buffer.NewBounded(10, 0)
	defer buf.Close()

	if _, err := buf.Write([]byte("small")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if buf.IsSpilled() {
		t.Fatalf("expected data to stay in memory below the limit")
	}
	if buf.Bytes() == nil {
		t.Fatalf("expected in-memory data")
	}

	if _, err := buf.Write([]byte("this is much larger data that exceeds the limit")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !buf.IsSpilled() {
		t.Fatalf("expected data to spill to disk past the memory limit")
	}
	if buf.Bytes() != nil {
		t.Fatalf("expected no in-memory data once spilled")
	}

	wantSize := int64(len("small") + len("this is much larger data that exceeds the limit"))
	if buf.Size() != wantSize {
		t.Fatalf("expected size %d, got %d", wantSize, buf.Size())
	}
}

func TestBufferReader(t *testing.T) {
	buf := buffer.NewBounded(1024, 0)
	defer buf.Close()

	data := []byte("test data for reader")
	if _, err := buf.Write(data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r, err := buf.Reader()
	if err != nil {
		t.Fatalf("reader failed: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("data mismatch: got %q want %q", got, data)
	}
}

func TestBufferReaderAfterSpill(t *testing.T) {
	buf := buffer.NewBounded(4, 0)
	defer buf.Close()

	data := []byte("longer than the memory limit")
	if _, err := buf.Write(data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !buf.IsSpilled() {
		t.Fatalf("expected data to spill")
	}

	r, err := buf.Reader()
	if err != nil {
		t.Fatalf("reader failed: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("data mismatch after spill: got %q want %q", got, data)
	}
}

func TestBufferRefusesWritesPastHardCap(t *testing.T) {
	buf := buffer.NewBounded(4, 16)
	defer buf.Close()

	if _, err := buf.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write under the cap failed: %v", err)
	}
	if _, err := buf.Write([]byte("0123456789")); err == nil {
		t.Fatalf("expected the second write to be refused once the hard cap is exceeded")
	}
	// A refused write doesn't partially land; size reflects only what
	// was actually accepted.
	if buf.Size() != 10 {
		t.Fatalf("expected size to stay at the last accepted write (10), got %d", buf.Size())
	}
}

func TestBufferUnboundedNeverRefuses(t *testing.T) {
	buf := buffer.NewBounded(4, 0)
	defer buf.Close()

	for i := 0; i < 100; i++ {
		if _, err := buf.Write([]byte("x")); err != nil {
			t.Fatalf("unbounded buffer refused a write at iteration %d: %v", i, err)
		}
	}
}

func TestBufferCloseRemovesTempFile(t *testing.T) {
	buf := buffer.NewBounded(4, 0)
	if _, err := buf.Write([]byte("spills to disk")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !buf.IsSpilled() {
		t.Fatalf("expected data to spill")
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := buf.Write([]byte("x")); err == nil {
		t.Fatalf("expected writes to a closed buffer to fail")
	}
}
