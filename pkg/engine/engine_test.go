package engine_test

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/net/http2"

	"github.com/corvidproto/httpengine/pkg/engine"
	"github.com/corvidproto/httpengine/pkg/frame"
	"github.com/corvidproto/httpengine/pkg/stream"
)

// fakeTransport records every Send call; nil means "close requested".
type fakeTransport struct {
	sent   [][]byte
	closed bool
}

func (t *fakeTransport) Send(b []byte) {
	if b == nil {
		t.closed = true
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	t.sent = append(t.sent, cp)
}
func (t *fakeTransport) Close() { t.closed = true }

func (t *fakeTransport) all() []byte {
	var buf bytes.Buffer
	for _, s := range t.sent {
		buf.Write(s)
	}
	return buf.Bytes()
}

// recordingHandler drives a trivial "200 OK, no body" response for
// every completed request, matching enough of a real application to
// exercise Connection end-to-end.
type recordingHandler struct {
	t          *testing.T
	conn       *engine.Connection
	gotHeaders []stream.Header
	gotBody    [][]byte
	endCount   int
	status     int
	respBody   []byte // when set, sent as the response body instead of an empty one
}

func (h *recordingHandler) OnHeaders(s *stream.Stream) { h.gotHeaders = s.Headers() }
func (h *recordingHandler) OnBody(s *stream.Stream, chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	h.gotBody = append(h.gotBody, cp)
}
func (h *recordingHandler) OnTrailers(s *stream.Stream, trailers []stream.Header) {}
func (h *recordingHandler) OnEndRequest(s *stream.Stream) {
	h.endCount++
	status := h.status
	if status == 0 {
		status = 200
	}
	h.conn.Headers(s.ID, status, nil)
	if len(h.respBody) > 0 {
		h.conn.ResponseBodyContent(s.ID, h.respBody)
	}
	h.conn.EndResponseBody(s.ID, nil)
	h.conn.Complete(s.ID)
}

func newHandlerConn(opts engine.Options, alpn string) (*recordingHandler, *fakeTransport) {
	h := &recordingHandler{}
	tr := &fakeTransport{}
	conn := engine.New(tr, h, opts, alpn, nil)
	h.conn = conn
	return h, tr
}

func TestHTTP11PlainGET(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn

	conn.Feed([]byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	if h.endCount != 1 {
		t.Fatalf("expected request to complete, endCount=%d", h.endCount)
	}
	resp := string(tr.all())
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected response: %q", resp)
	}
	if tr.closed {
		t.Fatalf("HTTP/1.1 keep-alive connection should not close")
	}
}

func TestHTTP10NoHostCloses(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn

	conn.Feed([]byte("GET / HTTP/1.0\r\n\r\n"))

	if h.endCount != 1 {
		t.Fatalf("expected request to complete without Host, endCount=%d", h.endCount)
	}
	if !tr.closed {
		t.Fatalf("HTTP/1.0 response should close the connection after completion")
	}
}

func TestHTTP11WithoutHostIs400(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn
	conn.Feed([]byte("GET / HTTP/1.1\r\n\r\n"))

	if h.endCount != 0 {
		t.Fatalf("malformed request should never reach the handler")
	}
	if !strings.Contains(string(tr.all()), "400") {
		t.Fatalf("expected a 400 response, got %q", tr.all())
	}
}

func TestChunkedRequestBody(t *testing.T) {
	h, _ := newHandlerConn(engine.DefaultOptions(), "")
	h.status = 204
	conn := h.conn

	req := "POST /upload HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	conn.Feed([]byte(req))

	if h.endCount != 1 {
		t.Fatalf("expected chunked request to complete, endCount=%d", h.endCount)
	}
	if len(h.gotBody) != 1 || string(h.gotBody[0]) != "hello" {
		t.Fatalf("expected body chunk 'hello', got %v", h.gotBody)
	}
}

func TestRequestLineSplitAcrossFeeds(t *testing.T) {
	h, _ := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn

	conn.Feed([]byte("GET / HTTP/1."))
	conn.Feed([]byte("1\r\nHost: example.com\r\n\r\n"))

	if h.endCount != 1 {
		t.Fatalf("expected request split across Feed calls to complete, endCount=%d", h.endCount)
	}
}

func TestH2CUpgradeNoBody(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn

	req := "GET / HTTP/1.1\r\nHost: x\r\nConnection: Upgrade, HTTP2-Settings\r\n" +
		"Upgrade: h2c\r\nHTTP2-Settings: AAMAAABkAAQAAP__\r\n\r\n"
	conn.Feed([]byte(req))

	out := tr.all()
	if !bytes.Contains(out, []byte("101 Switching Protocols")) {
		t.Fatalf("expected a 101 response, got %q", out)
	}

	// Now the connection expects the client's HTTP/2 preface.
	before := len(tr.all())
	conn.Feed([]byte(engine.ClientPreface))
	w := frame.NewWriter()
	_ = w.WriteSettings()
	conn.Feed(w.Bytes())

	if len(tr.all()) <= before {
		t.Fatalf("expected the server to emit its own SETTINGS preface after upgrade")
	}
}

func TestPriorKnowledgeHTTP2GET(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn

	conn.Feed([]byte(engine.ClientPreface))
	settingsW := frame.NewWriter()
	_ = settingsW.WriteSettings()
	conn.Feed(settingsW.Bytes())

	reqW := frame.NewWriter()
	_ = reqW.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: encodeTestHeaders(t),
		EndHeaders:    true,
		EndStream:     true,
	})
	conn.Feed(reqW.Bytes())

	if h.endCount != 1 {
		t.Fatalf("expected HTTP/2 request to complete, endCount=%d", h.endCount)
	}
	if len(tr.all()) == 0 {
		t.Fatalf("expected the server to have written a response")
	}
}

func TestMalformedSettingsLengthGoesAway(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "h2")
	conn := h.conn
	tr.sent = nil // discard the server preface SETTINGS

	// A SETTINGS frame whose length isn't a multiple of 6.
	bad := []byte{0, 0, 7, 4, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7}
	conn.Feed(bad)

	if !tr.closed {
		t.Fatalf("expected connection close after malformed SETTINGS")
	}
	out := tr.all()
	if len(out) == 0 {
		t.Fatalf("expected a GOAWAY frame to be sent")
	}
}

func TestContinuationWrongStreamGoesAway(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "h2")
	conn := h.conn

	settingsW := frame.NewWriter()
	_ = settingsW.WriteSettings()
	conn.Feed(settingsW.Bytes())

	reqW := frame.NewWriter()
	_ = reqW.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: encodeTestHeaders(t)[:1],
		EndHeaders:    false,
		EndStream:     true,
	})
	conn.Feed(reqW.Bytes())

	// CONTINUATION for the wrong stream id.
	contW := frame.NewWriter()
	_ = contW.WriteContinuation(3, true, []byte{0})
	conn.Feed(contW.Bytes())

	if !tr.closed {
		t.Fatalf("expected connection close after CONTINUATION for wrong stream")
	}
}

func TestHTTP11WithoutFramingIs411(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn
	conn.Feed([]byte("POST /upload HTTP/1.1\r\nHost: x\r\n\r\n"))

	if h.endCount != 0 {
		t.Fatalf("request with ambiguous body framing should never reach the handler")
	}
	if !strings.Contains(string(tr.all()), "411") {
		t.Fatalf("expected a 411 response, got %q", tr.all())
	}
}

func TestHTTP11GetWithoutFramingIsBodyless(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn
	conn.Feed([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))

	if h.endCount != 1 {
		t.Fatalf("GET without Content-Length/chunked should be treated as bodyless, not 411")
	}
	if strings.Contains(string(tr.all()), "411") {
		t.Fatalf("GET should not receive 411, got %q", tr.all())
	}
}

func TestOversizedBodyIs413(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn

	req := "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: 200000000\r\n\r\n"
	conn.Feed([]byte(req))
	conn.Feed(bytes.Repeat([]byte("a"), 1024))

	if h.endCount != 0 {
		t.Fatalf("an oversized body must never reach OnEndRequest")
	}
	if !strings.Contains(string(tr.all()), "413") {
		t.Fatalf("expected a 413 response once the declared body exceeds the body sink's hard cap, got %q", tr.all())
	}
}

func TestDecodeHeaderValueExpandsEncodedWord(t *testing.T) {
	h, _ := newHandlerConn(engine.DefaultOptions(), "")
	conn := h.conn

	req := "GET / HTTP/1.1\r\nHost: x\r\nX-Note: =?utf-8?Q?caf=C3=A9?=\r\n\r\n"
	conn.Feed([]byte(req))

	if h.endCount != 1 {
		t.Fatalf("expected request to complete, endCount=%d", h.endCount)
	}
	var got string
	for _, hd := range h.gotHeaders {
		if strings.EqualFold(hd.Name, "X-Note") {
			got = hd.Value
		}
	}
	if got != "caf\xc3\xa9" {
		t.Fatalf("expected the encoded-word decoded, got %q", got)
	}
}

func TestFlowControlQueuesUntilWindowUpdate(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "h2")
	h.respBody = bytes.Repeat([]byte("x"), 100)
	conn := h.conn
	_ = tr.all() // server preface SETTINGS, not part of what we measure below

	settingsW := frame.NewWriter()
	_ = settingsW.WriteSettings(frame.Setting{ID: http2.SettingInitialWindowSize, Value: 16})
	conn.Feed(settingsW.Bytes())

	reqW := frame.NewWriter()
	_ = reqW.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: encodeTestHeaders(t),
		EndHeaders:    true,
		EndStream:     true,
	})
	conn.Feed(reqW.Bytes())

	if got := dataBytesSent(t, tr.all(), 1); got != 16 {
		t.Fatalf("expected only the 16-byte initial window's worth of DATA queued out, got %d", got)
	}

	wuW := frame.NewWriter()
	_ = wuW.WriteWindowUpdate(1, 1000)
	conn.Feed(wuW.Bytes())

	if got := dataBytesSent(t, tr.all(), 1); got != len(h.respBody) {
		t.Fatalf("expected the queued remainder to flush after WINDOW_UPDATE, got %d want %d", got, len(h.respBody))
	}
}

func TestPushPromiseEmitsEvenMonotonicStreamIDs(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "h2")
	conn := h.conn
	_ = tr.all()

	settingsW := frame.NewWriter()
	_ = settingsW.WriteSettings()
	conn.Feed(settingsW.Bytes())

	reqW := frame.NewWriter()
	_ = reqW.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: encodeTestHeaders(t),
		EndHeaders:    true,
		EndStream:     true,
	})
	conn.Feed(reqW.Bytes())

	id1, err := conn.Push(1, []stream.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/style.css"}})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	id2, err := conn.Push(1, []stream.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/app.js"}})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if id1%2 != 0 || id2%2 != 0 {
		t.Fatalf("pushed stream ids must be even, got %d and %d", id1, id2)
	}
	if id2 <= id1 {
		t.Fatalf("pushed stream ids must be strictly increasing, got %d then %d", id1, id2)
	}

	out := tr.all()
	count := 0
	for len(out) > 0 {
		hdr, _, consumed, err := frame.Decode(out)
		if err != nil || consumed == 0 {
			break
		}
		if hdr.Type == http2.FramePushPromise {
			count++
		}
		out = out[consumed:]
	}
	if count != 2 {
		t.Fatalf("expected 2 PUSH_PROMISE frames, got %d", count)
	}
}

func TestPushRefusedWhenPeerDisablesPush(t *testing.T) {
	h, tr := newHandlerConn(engine.DefaultOptions(), "h2")
	conn := h.conn
	_ = tr.all()

	settingsW := frame.NewWriter()
	_ = settingsW.WriteSettings(frame.Setting{ID: http2.SettingEnablePush, Value: 0})
	conn.Feed(settingsW.Bytes())

	reqW := frame.NewWriter()
	_ = reqW.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: encodeTestHeaders(t),
		EndHeaders:    true,
		EndStream:     true,
	})
	conn.Feed(reqW.Bytes())

	if _, err := conn.Push(1, []stream.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/x"}}); err == nil {
		t.Fatalf("expected Push to be refused once the peer sets SETTINGS_ENABLE_PUSH=0")
	}
}

// dataBytesSent decodes every frame in buf and sums DATA payload bytes
// (unpadded) for streamID.
func dataBytesSent(t *testing.T, buf []byte, streamID uint32) int {
	t.Helper()
	total := 0
	for len(buf) > 0 {
		hdr, payload, consumed, err := frame.Decode(buf)
		if err != nil || consumed == 0 {
			break
		}
		if hdr.Type == http2.FrameData && hdr.StreamID == streamID {
			total += len(payload)
		}
		buf = buf[consumed:]
	}
	return total
}

func encodeTestHeaders(t *testing.T) []byte {
	t.Helper()
	// A minimal valid HPACK block encoding :method GET, :path /,
	// :scheme http, :authority x, built via indexed representations
	// from the RFC 7541 static table (all-static, no Huffman) so the
	// test has no dependency on the engine's own encoder.
	var buf bytes.Buffer
	buf.WriteByte(0x82) // :method: GET (static index 2)
	buf.WriteByte(0x84) // :path: / (static index 4)
	buf.WriteByte(0x86) // :scheme: http (static index 6)
	// :authority (static index 1), literal value "x" with incremental
	// indexing, no Huffman.
	buf.WriteByte(0x41)
	buf.WriteByte(0x01)
	buf.WriteByte('x')
	return buf.Bytes()
}
