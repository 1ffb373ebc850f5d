// Package stream implements the per-request Stream of spec §3/§4.4:
// header accumulation, content-length/chunked/upgrade/h2cSettings
// computation, trailer delivery, and the RFC 7540 §5.1 lifecycle
// state machine, plus time-based retention of closed streams.
//
// Grounded on the teacher's pkg/http2/stream.go (Stream struct,
// StreamState enum, isValidStateTransition), whose CloseStream comment
// ("keep it for a while to handle late frames") is this package's
// direct precedent for retention — the teacher only swept
// opportunistically; Manager.Sweep adds the time-based eviction the
// teacher's own comment flagged as future work.
package stream

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/corvidproto/httpengine/pkg/buffer"
	"github.com/corvidproto/httpengine/pkg/constants"
	"github.com/corvidproto/httpengine/pkg/protoerr"
)

// State is the RFC 7540 §5.1 stream lifecycle state.
type State int

const (
	StateIdle State = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReservedLocal:
		return "reserved_local"
	case StateReservedRemote:
		return "reserved_remote"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half_closed_local"
	case StateHalfClosedRemote:
		return "half_closed_remote"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions mirrors the teacher's isValidStateTransition,
// which already implements the RFC 7540 §5.1 diagram faithfully.
var validTransitions = map[State]map[State]bool{
	StateIdle: {
		StateReservedLocal:  true,
		StateReservedRemote: true,
		StateOpen:           true,
		StateClosed:         true,
	},
	StateReservedLocal: {
		StateHalfClosedRemote: true,
		StateClosed:           true,
	},
	StateReservedRemote: {
		StateHalfClosedLocal: true,
		StateClosed:          true,
	},
	StateOpen: {
		StateHalfClosedLocal:  true,
		StateHalfClosedRemote: true,
		StateClosed:           true,
	},
	StateHalfClosedLocal: {
		StateClosed: true,
	},
	StateHalfClosedRemote: {
		StateClosed: true,
	},
	StateClosed: {},
}

// Header is a name/value pair. Pseudo-header names begin with ":" and
// must precede all regular headers (spec §3, "Header").
type Header struct {
	Name  string
	Value string
}

// Handler is the application callback surface a Stream dispatches to.
// It is the narrow interface the spec's "HTTPConnectionLike"
// polymorphism collapses into (spec §9).
type Handler interface {
	// OnHeaders is called once headers are frozen (streamEndHeaders).
	OnHeaders(s *Stream)
	// OnBody is called for each request-body chunk received.
	OnBody(s *Stream, chunk []byte)
	// OnTrailers is called when trailer headers complete the request.
	OnTrailers(s *Stream, trailers []Header)
	// OnEndRequest is called once the full request (body included)
	// has been received.
	OnEndRequest(s *Stream)
}

// Stream is one logical request/response (spec §3, "Stream").
type Stream struct {
	ID    uint32
	State State

	CloseConnection bool // HTTP/1.0 "close after response" flag

	TimestampCreated   time.Time
	TimestampCompleted time.Time

	headers     []Header
	headersDone bool
	trailers    []Header

	ContentLength int64 // -1 = unknown
	Chunked       bool
	Upgrade       []string
	H2CSettings   []byte // raw decoded SETTINGS payload, if any

	// FragmentBuf accumulates an HTTP/2 header-block fragment across
	// a HEADERS frame and zero or more CONTINUATION frames.
	FragmentBuf []byte

	PushPromise bool

	// Flow control (send side). PeerWindow starts at the peer's
	// SETTINGS_INITIAL_WINDOW_SIZE and is adjusted by WINDOW_UPDATE;
	// DATA emission must not exceed it (resolved Open Question,
	// SPEC_FULL.md §9).
	PeerWindow int64

	handler         Handler
	bodyBytesNeeded int64 // remaining bytes expected for Content-Length
	bodySink        *buffer.Buffer
	sinkErr         error
}

// New creates an idle stream bound to a handler.
func New(id uint32, handler Handler, peerInitialWindow int64) *Stream {
	return &Stream{
		ID:                id,
		State:             StateIdle,
		ContentLength:     -1,
		TimestampCreated:  time.Now(),
		handler:           handler,
		PeerWindow:        peerInitialWindow,
	}
}

// Transition moves the stream to newState, enforcing the RFC 7540
// §5.1 diagram. Transitioning to StateClosed always succeeds (the
// diagram allows any state to close) and sets TimestampCompleted.
func (s *Stream) Transition(newState State) bool {
	if newState == StateClosed {
		s.State = StateClosed
		s.TimestampCompleted = time.Now()
		return true
	}
	if !validTransitions[s.State][newState] {
		return false
	}
	s.State = newState
	return true
}

// Closed reports whether the stream has reached its terminal state.
// "closed == true is monotonic" (spec §3).
func (s *Stream) Closed() bool { return s.State == StateClosed }

// AddHeader accepts one header, buffering it until EndHeaders is
// called. Pseudo-headers (name starting with ":") must precede
// regular headers; a regular header followed by a pseudo-header is a
// stream error the caller should turn into a 400/PROTOCOL_ERROR.
func (s *Stream) AddHeader(name, value string) error {
	if s.headersDone {
		// Headers already frozen: this is a trailer.
		s.trailers = append(s.trailers, Header{Name: name, Value: value})
		return nil
	}
	if strings.HasPrefix(name, ":") {
		for _, h := range s.headers {
			if !strings.HasPrefix(h.Name, ":") {
				return errPseudoAfterRegular
			}
		}
	}
	s.headers = append(s.headers, Header{Name: name, Value: value})
	return nil
}

var errPseudoAfterRegular = errors.New("pseudo-header after regular header")

// Headers returns the frozen header set (valid only after EndHeaders).
func (s *Stream) Headers() []Header { return s.headers }

// HeadersDone reports whether EndHeaders has already run, so a caller
// assembling HTTP/2 header blocks can tell an initial HEADERS frame
// from a trailer HEADERS frame on the same stream.
func (s *Stream) HeadersDone() bool { return s.headersDone }

// Trailers returns trailer headers accumulated after EndHeaders.
func (s *Stream) Trailers() []Header { return s.trailers }

// Get returns the first value of a header, matching the name
// case-insensitively, or "" if absent. Pseudo-headers are matched too
// (e.g. Get(":method")).
func (s *Stream) Get(name string) string {
	name = strings.ToLower(name)
	for _, h := range s.headers {
		if strings.ToLower(h.Name) == name {
			return h.Value
		}
	}
	return ""
}

// EndHeaders freezes the header set, computes ContentLength/Chunked/
// Upgrade, and dispatches OnHeaders to the handler (spec §4.4,
// streamEndHeaders). H2CSettings is not set here; the caller decodes
// and assigns it.
func (s *Stream) EndHeaders() {
	s.headersDone = true

	if cl := s.Get("content-length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			s.ContentLength = n
			s.bodyBytesNeeded = n
		}
	}
	if te := strings.ToLower(s.Get("transfer-encoding")); strings.Contains(te, "chunked") {
		s.Chunked = true
	}
	if up := s.Get("upgrade"); up != "" {
		for _, tok := range strings.Split(up, ",") {
			s.Upgrade = append(s.Upgrade, strings.TrimSpace(tok))
		}
	}

	if s.handler != nil {
		s.handler.OnHeaders(s)
	}
}

// AppendRequestBody delivers a body chunk to the handler, accumulates
// it into the stream's request-body sink (spec §3, "request body
// sink"; growable in memory, spilling to disk past
// constants.DefaultBodyMemLimit, refused past
// constants.MaxBodySinkSize), and decrements the remaining-bytes count
// when Content-Length is known. The sink's refusal, if any, is sticky
// and surfaced via SinkError so a caller can abort the request (413)
// instead of silently truncating it.
func (s *Stream) AppendRequestBody(b []byte) {
	if s.ContentLength >= 0 {
		s.bodyBytesNeeded -= int64(len(b))
		if s.bodyBytesNeeded < 0 {
			s.bodyBytesNeeded = 0
		}
	}
	if s.bodySink == nil {
		s.bodySink = buffer.NewBounded(constants.DefaultBodyMemLimit, constants.MaxBodySinkSize)
	}
	if s.sinkErr == nil {
		_, s.sinkErr = s.bodySink.Write(b)
	}
	if s.handler != nil {
		s.handler.OnBody(s, b)
	}
}

// SinkError returns the request-body sink's first write error, if any
// (typically the body exceeding constants.MaxBodySinkSize). A
// Connection checks this to abort an oversized request with 413
// instead of letting it run to completion.
func (s *Stream) SinkError() error { return s.sinkErr }

// Body returns a reader over the full accumulated request body, for a
// handler that wants random access instead of (or in addition to) the
// streaming OnBody callback. Valid until the stream is evicted.
func (s *Stream) Body() (io.ReadCloser, error) {
	if s.bodySink == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return s.bodySink.Reader()
}

// BodySize returns the number of request-body bytes accumulated so far.
func (s *Stream) BodySize() int64 {
	if s.bodySink == nil {
		return 0
	}
	return s.bodySink.Size()
}

// closeBody releases the body sink's backing temp file, if any. Called
// by Manager when a closed stream is finally evicted.
func (s *Stream) closeBody() error {
	if s.bodySink == nil {
		return nil
	}
	return s.bodySink.Close()
}

// BodyBytesNeeded returns the remaining expected body bytes for a
// Content-Length request (spec §4.4, getRequestBodyBytesNeeded).
func (s *Stream) BodyBytesNeeded() int64 { return s.bodyBytesNeeded }

// EndRequestWithTrailers delivers trailers (if any) then notifies the
// handler the request is complete. Trailers are preserved and routed
// separately from the main header set (resolved Open Question,
// SPEC_FULL.md §9), rather than discarded as in the source.
func (s *Stream) EndRequestWithTrailers() {
	if len(s.trailers) > 0 && s.handler != nil {
		s.handler.OnTrailers(s, s.trailers)
	}
	if s.handler != nil {
		s.handler.OnEndRequest(s)
	}
}

// ApplyWindowUpdate adjusts the tracked peer send window. A result
// that would exceed 2^31-1 is a flow-control error.
func (s *Stream) ApplyWindowUpdate(increment int32) error {
	s.PeerWindow += int64(increment)
	if s.PeerWindow > constants.MaxWindowSize {
		return protoerr.NewConnectionError("window_update", "stream window exceeds 2^31-1", http2.ErrCodeFlowControl, nil)
	}
	return nil
}
