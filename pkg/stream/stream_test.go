package stream_test

import (
	"io"
	"testing"
	"time"

	"github.com/corvidproto/httpengine/pkg/stream"
)

type recordingHandler struct {
	headersCalled  bool
	body           [][]byte
	trailers       []stream.Header
	endCalled      bool
}

func (h *recordingHandler) OnHeaders(s *stream.Stream)  { h.headersCalled = true }
func (h *recordingHandler) OnBody(s *stream.Stream, b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	h.body = append(h.body, cp)
}
func (h *recordingHandler) OnTrailers(s *stream.Stream, t []stream.Header) { h.trailers = t }
func (h *recordingHandler) OnEndRequest(s *stream.Stream)                 { h.endCalled = true }

func TestStreamHeaderOrdering(t *testing.T) {
	h := &recordingHandler{}
	s := stream.New(1, h, 65535)

	if err := s.AddHeader(":method", "GET"); err != nil {
		t.Fatalf("pseudo-header before regular: %v", err)
	}
	if err := s.AddHeader("host", "example.com"); err != nil {
		t.Fatalf("regular header: %v", err)
	}
	if err := s.AddHeader(":path", "/x"); err == nil {
		t.Fatalf("expected error for pseudo-header after regular header")
	}
}

func TestStreamEndHeadersComputesContentLength(t *testing.T) {
	h := &recordingHandler{}
	s := stream.New(1, h, 65535)
	s.AddHeader("content-length", "5")
	s.EndHeaders()

	if !h.headersCalled {
		t.Fatalf("expected OnHeaders to be called")
	}
	if s.ContentLength != 5 {
		t.Errorf("expected ContentLength=5, got %d", s.ContentLength)
	}
	if s.BodyBytesNeeded() != 5 {
		t.Errorf("expected BodyBytesNeeded=5, got %d", s.BodyBytesNeeded())
	}

	s.AppendRequestBody([]byte("hello"))
	if s.BodyBytesNeeded() != 0 {
		t.Errorf("expected BodyBytesNeeded=0 after full body, got %d", s.BodyBytesNeeded())
	}
	if len(h.body) != 1 || string(h.body[0]) != "hello" {
		t.Errorf("expected body chunk 'hello', got %v", h.body)
	}
}

func TestStreamBodySinkTracksSizeAndSupportsReplay(t *testing.T) {
	h := &recordingHandler{}
	s := stream.New(1, h, 65535)
	s.AddHeader("content-length", "5")
	s.EndHeaders()
	s.AppendRequestBody([]byte("hello"))

	if s.SinkError() != nil {
		t.Fatalf("unexpected sink error: %v", s.SinkError())
	}
	if s.BodySize() != 5 {
		t.Fatalf("expected BodySize 5, got %d", s.BodySize())
	}

	r, err := s.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected replayed body 'hello', got %q", got)
	}
}

func TestStreamTrailersPreserved(t *testing.T) {
	h := &recordingHandler{}
	s := stream.New(1, h, 65535)
	s.AddHeader("transfer-encoding", "chunked")
	s.EndHeaders()
	if !s.Chunked {
		t.Fatalf("expected Chunked=true")
	}

	// Trailers arrive after EndHeaders.
	s.AddHeader("x-checksum", "abc123")
	s.EndRequestWithTrailers()

	if len(h.trailers) != 1 || h.trailers[0].Value != "abc123" {
		t.Fatalf("expected trailer preserved, got %v", h.trailers)
	}
	if !h.endCalled {
		t.Fatalf("expected OnEndRequest called")
	}
}

func TestStreamStateTransitions(t *testing.T) {
	s := stream.New(1, nil, 65535)
	if !s.Transition(stream.StateOpen) {
		t.Fatalf("Idle->Open should be valid")
	}
	if s.Transition(stream.StateReservedLocal) {
		t.Fatalf("Open->ReservedLocal should be invalid")
	}
	if !s.Transition(stream.StateHalfClosedRemote) {
		t.Fatalf("Open->HalfClosedRemote should be valid")
	}
	if !s.Transition(stream.StateClosed) {
		t.Fatalf("any state -> Closed should be valid")
	}
	if !s.Closed() {
		t.Fatalf("expected Closed()==true")
	}
}

func TestManagerConcurrentStreamBound(t *testing.T) {
	m := stream.NewManager(1)
	s1, err := m.Create(1, nil, 65535)
	if err != nil {
		t.Fatalf("first stream should be accepted: %v", err)
	}
	s1.Transition(stream.StateOpen)

	if _, err := m.Create(3, nil, 65535); err == nil {
		t.Fatalf("expected REFUSED_STREAM once at concurrency bound")
	}
}

func TestManagerRetentionSweep(t *testing.T) {
	m := stream.NewManager(10)
	s, _ := m.Create(1, nil, 65535)
	s.Transition(stream.StateOpen)
	m.Close(1)

	if _, ok := m.Get(1); !ok {
		t.Fatalf("expected closed stream still retained immediately after close")
	}

	// Idempotent close.
	m.Close(1)

	future := time.Now().Add(31 * time.Second)
	m.Sweep(future)
	if _, ok := m.Get(1); ok {
		t.Fatalf("expected stream evicted after retention window")
	}
}
