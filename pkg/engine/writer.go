package engine

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http2"

	"github.com/corvidproto/httpengine/pkg/frame"
	"github.com/corvidproto/httpengine/pkg/hpackcodec"
	"github.com/corvidproto/httpengine/pkg/stream"
)

// Responder is the handler-facing response-emission surface (spec
// §4.4/§4.6): headers, zero or more body chunks, optional trailers,
// then completion or cancellation. A Connection implements it
// directly so a handler never needs to know which wire version is in
// play.
type Responder interface {
	Headers(streamID uint32, status int, headers []stream.Header) error
	ResponseBodyContent(streamID uint32, data []byte) error
	EndResponseBody(streamID uint32, trailers []stream.Header) error
	Complete(streamID uint32)
	Cancel(streamID uint32, reason string)

	// Push initiates an HTTP/2 server push on parentStreamID and
	// returns the id reserved for the pushed response, or an error if
	// push isn't available (HTTP/1, or the peer set
	// SETTINGS_ENABLE_PUSH=0). A handler follows up with Headers/
	// ResponseBodyContent/EndResponseBody on the returned id exactly as
	// for a client-initiated stream.
	Push(parentStreamID uint32, promisedHeaders []stream.Header) (uint32, error)
}

var _ Responder = (*Connection)(nil)

// responseState tracks one stream's in-progress response so
// ResponseBodyContent/EndResponseBody know which wire encoding to use
// without re-deriving it from Connection.version (which may have
// changed mid-connection via h2c upgrade, but never mid-response).
type responseState struct {
	h2      bool
	chunked bool

	// pending holds HTTP/2 response bytes queued because the peer's
	// flow-control window couldn't absorb them yet; pendingEnd remembers
	// that END_STREAM is owed once pending drains, and endSent guards
	// against emitting it twice (resolved Open Question: DATA emission
	// queues past WINDOW_UPDATE rather than erroring, SPEC_FULL.md §9).
	pending    []byte
	pendingEnd bool
	endSent    bool
}

// Headers begins a response: an HTTP/1 status line + header block, or
// an HTTP/2 HEADERS(+CONTINUATION*) frame sequence with :status
// prepended and HPACK-encoded (spec §4.6).
func (c *Connection) Headers(streamID uint32, status int, headers []stream.Header) error {
	c.markFirstByte(streamID)
	if c.version == "h2" {
		return c.headersHTTP2(streamID, status, headers, false)
	}
	return c.headersHTTP1(streamID, status, headers)
}

func (c *Connection) headersHTTP1(streamID uint32, status int, headers []stream.Header) error {
	s, ok := c.streams.Get(streamID)
	if !ok {
		return fmt.Errorf("engine: unknown stream %d", streamID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText(status))

	hasLength, hasTransferEncoding := false, false
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		if name == "content-length" {
			hasLength = true
		}
		if name == "transfer-encoding" {
			hasTransferEncoding = true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, encodeHeaderValue(h.Value))
	}

	chunked := false
	bodyless := status < 200 || status == 204 || status == 304
	if !hasLength && !hasTransferEncoding && !bodyless {
		if s.CloseConnection {
			// HTTP/1.0 peer: no framing left but close-on-complete.
		} else {
			chunked = true
			b.WriteString("Transfer-Encoding: chunked\r\n")
		}
	}
	if s.CloseConnection && !hasTransferEncoding {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")

	c.responses[streamID] = &responseState{chunked: chunked}
	c.transport.Send([]byte(b.String()))
	return nil
}

func (c *Connection) headersHTTP2(streamID uint32, status int, headers []stream.Header, endStream bool) error {
	fields := make([]hpackcodec.Field, 0, len(headers)+1)
	fields = append(fields, hpackcodec.Field{Name: ":status", Value: strconv.Itoa(status)})
	for _, h := range headers {
		fields = append(fields, hpackcodec.Field{Name: h.Name, Value: h.Value})
	}
	block, err := c.hpack.EncodeHeaders(fields)
	if err != nil {
		return err
	}
	if c.responses[streamID] == nil {
		c.responses[streamID] = &responseState{h2: true}
	}
	return c.writeHeaderBlock(streamID, block, endStream)
}

// writeHeaderBlock splits an HPACK block across HEADERS +
// CONTINUATION* frames bounded by the peer's SETTINGS_MAX_FRAME_SIZE
// (spec §4.6).
func (c *Connection) writeHeaderBlock(streamID uint32, block []byte, endStream bool) error {
	maxFrame := int(c.peer.MaxFrameSize)
	if maxFrame < 16384 {
		maxFrame = 16384
	}

	w := frame.NewWriter()
	first := block
	rest := []byte(nil)
	if len(first) > maxFrame {
		rest = first[maxFrame:]
		first = first[:maxFrame]
	}
	if err := w.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndHeaders:    len(rest) == 0,
		EndStream:     endStream,
	}); err != nil {
		return err
	}
	c.transport.Send(w.Bytes())

	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		rest = rest[len(chunk):]
		w := frame.NewWriter()
		if err := w.WriteContinuation(streamID, len(rest) == 0, chunk); err != nil {
			return err
		}
		c.transport.Send(w.Bytes())
	}
	return nil
}

// ResponseBodyContent emits one chunk of response body (spec §4.6).
func (c *Connection) ResponseBodyContent(streamID uint32, data []byte) error {
	rs := c.responses[streamID]
	if rs == nil {
		return fmt.Errorf("engine: no response in progress for stream %d", streamID)
	}
	if len(data) == 0 {
		return nil
	}
	if rs.h2 {
		return c.sendDataRespectingWindows(streamID, data, false)
	}
	if rs.chunked {
		header := []byte(strconv.FormatInt(int64(len(data)), 16) + "\r\n")
		c.transport.Send(header)
		c.transport.Send(data)
		c.transport.Send([]byte("\r\n"))
		return nil
	}
	c.transport.Send(data)
	return nil
}

// sendDataRespectingWindows queues data (and, if endStream, the intent
// to close the stream) onto the response's pending buffer and flushes
// as much as the peer's tracked flow-control windows currently allow
// (resolved Open Question: send-side flow control is enforced by
// queuing rather than erroring, SPEC_FULL.md §9). A WINDOW_UPDATE
// later drains whatever a window exhaustion left queued.
func (c *Connection) sendDataRespectingWindows(streamID uint32, data []byte, endStream bool) error {
	rs := c.responses[streamID]
	if rs == nil {
		return fmt.Errorf("engine: no response in progress for stream %d", streamID)
	}
	if len(data) > 0 {
		rs.pending = append(rs.pending, data...)
	}
	if endStream {
		rs.pendingEnd = true
	}
	return c.flushPendingData(streamID)
}

// flushPendingData drains as much of a stream's queued response body
// as the peer's connection- and stream-level windows currently allow.
// When opts.FramePadding is set, every DATA frame carries that many
// zero pad bytes (spec §3 "framePadding"); the pad length byte and the
// padding itself count against both windows along with the payload
// (RFC 7540 §6.9.1). Called after queuing new data and again whenever
// a WINDOW_UPDATE arrives.
func (c *Connection) flushPendingData(streamID uint32) error {
	rs := c.responses[streamID]
	if rs == nil || rs.endSent {
		return nil
	}
	s, ok := c.streams.Get(streamID)
	if !ok {
		return nil
	}
	maxFrame := int64(c.peer.MaxFrameSize)
	if maxFrame < 16384 {
		maxFrame = 16384
	}
	pad := int64(c.opts.FramePadding)
	overhead := int64(0)
	if pad > 0 {
		overhead = pad + 1 // pad-length byte + padding
	}

	data := rs.pending
	for len(data) > 0 {
		allowed := maxFrame - overhead
		if s.PeerWindow-overhead < allowed {
			allowed = s.PeerWindow - overhead
		}
		if c.connPeerWindow-overhead < allowed {
			allowed = c.connPeerWindow - overhead
		}
		if allowed <= 0 {
			break
		}
		n := int64(len(data))
		last := n <= allowed
		if !last {
			n = allowed
		}
		willEnd := last && rs.pendingEnd && len(data) == int(n)
		if err := c.writeDataFrame(streamID, willEnd, data[:n], pad); err != nil {
			return err
		}
		s.PeerWindow -= n + overhead
		c.connPeerWindow -= n + overhead
		data = data[n:]
		if willEnd {
			rs.endSent = true
		}
	}
	rs.pending = data

	if len(rs.pending) == 0 && rs.pendingEnd && !rs.endSent {
		allowed := maxFrame - overhead
		if s.PeerWindow-overhead < allowed {
			allowed = s.PeerWindow - overhead
		}
		if c.connPeerWindow-overhead < allowed {
			allowed = c.connPeerWindow - overhead
		}
		if allowed < 0 {
			return nil
		}
		if err := c.writeDataFrame(streamID, true, nil, pad); err != nil {
			return err
		}
		s.PeerWindow -= overhead
		c.connPeerWindow -= overhead
		rs.endSent = true
	}
	return nil
}

func (c *Connection) writeDataFrame(streamID uint32, endStream bool, data []byte, pad int64) error {
	w := frame.NewWriter()
	if pad > 0 {
		if err := w.WriteDataPadded(streamID, endStream, data, make([]byte, pad)); err != nil {
			return err
		}
	} else if err := w.WriteData(streamID, endStream, data); err != nil {
		return err
	}
	c.transport.Send(w.Bytes())
	return nil
}

// EndResponseBody terminates the response body, optionally emitting
// trailers, and marks END_STREAM (spec §4.6).
func (c *Connection) EndResponseBody(streamID uint32, trailers []stream.Header) error {
	rs := c.responses[streamID]
	if rs == nil {
		return fmt.Errorf("engine: no response in progress for stream %d", streamID)
	}
	if rs.h2 {
		if len(trailers) > 0 {
			fields := make([]hpackcodec.Field, len(trailers))
			for i, t := range trailers {
				fields[i] = hpackcodec.Field{Name: t.Name, Value: t.Value}
			}
			block, err := c.hpack.EncodeHeaders(fields)
			if err != nil {
				return err
			}
			return c.writeHeaderBlock(streamID, block, true)
		}
		return c.sendDataRespectingWindows(streamID, nil, true)
	}
	if rs.chunked {
		var b strings.Builder
		b.WriteString("0\r\n")
		for _, t := range trailers {
			fmt.Fprintf(&b, "%s: %s\r\n", t.Name, encodeHeaderValue(t.Value))
		}
		b.WriteString("\r\n")
		c.transport.Send([]byte(b.String()))
	}
	return nil
}

// Complete finalizes a response: the stream transitions to Closed and,
// for an HTTP/1.0 (or Connection: close) request, the transport is
// told to close once this is flushed (spec §4.4/§4.6).
func (c *Connection) Complete(streamID uint32) {
	s, ok := c.streams.Get(streamID)
	// An HTTP/2 response whose DATA is still queued behind the peer's
	// flow-control windows keeps its state so a later WINDOW_UPDATE can
	// drain it.
	if rs := c.responses[streamID]; rs == nil || !rs.h2 || rs.endSent {
		delete(c.responses, streamID)
	}
	c.logTimerAndClear(streamID)
	if !ok {
		return
	}
	closeAfter := s.CloseConnection
	c.streams.Close(streamID)
	if closeAfter {
		c.closeAfterFlush()
	}
}

// Cancel aborts a response mid-flight: RST_STREAM for HTTP/2, or a
// connection close for HTTP/1 (there is no per-stream abort signal on
// one shared byte stream).
func (c *Connection) Cancel(streamID uint32, reason string) {
	delete(c.responses, streamID)
	delete(c.timers, streamID)
	if c.version == "h2" {
		w := frame.NewWriter()
		_ = w.WriteRSTStream(streamID, http2.ErrCodeInternal)
		c.transport.Send(w.Bytes())
		c.streams.Close(streamID)
		return
	}
	c.streams.Close(streamID)
	c.closeAfterFlush()
}

// Push reserves a new server-initiated stream and emits PUSH_PROMISE
// for it on parentStreamID (RFC 7540 §8.2, resolved Open Question,
// SPEC_FULL.md §9). Server-initiated stream ids are even and strictly
// increasing; refused outright on HTTP/1 or when the peer has set
// SETTINGS_ENABLE_PUSH=0.
func (c *Connection) Push(parentStreamID uint32, promisedHeaders []stream.Header) (uint32, error) {
	if c.version != "h2" {
		return 0, fmt.Errorf("engine: server push requires HTTP/2")
	}
	if !c.peer.EnablePush {
		return 0, fmt.Errorf("engine: peer disabled server push")
	}
	if _, ok := c.streams.Get(parentStreamID); !ok {
		return 0, fmt.Errorf("engine: unknown stream %d", parentStreamID)
	}

	fields := make([]hpackcodec.Field, len(promisedHeaders))
	for i, h := range promisedHeaders {
		fields[i] = hpackcodec.Field{Name: h.Name, Value: h.Value}
	}
	block, err := c.hpack.EncodeHeaders(fields)
	if err != nil {
		return 0, err
	}

	id := c.serverStreamID
	c.serverStreamID += 2

	w := frame.NewWriter()
	if err := w.WritePushPromise(http2.PushPromiseParam{
		StreamID:      parentStreamID,
		PromiseID:     id,
		BlockFragment: block,
		EndHeaders:    true,
	}); err != nil {
		return 0, err
	}
	c.transport.Send(w.Bytes())
	c.lastPromisedStreamID = id

	s, err := c.streams.Create(id, c.handler, int64(c.peer.InitialWindowSize))
	if err != nil {
		return 0, err
	}
	s.PushPromise = true
	s.Transition(stream.StateReservedLocal)
	return id, nil
}

// encodeHeaderValue re-encodes a non-ASCII header value per RFC 2047
// "encoded-word" syntax (spec §4.6); ASCII values pass through
// unchanged, which covers the overwhelming majority of responses. The
// encoding is chosen by comparing the ASCII/non-ASCII byte count: a
// mostly-ASCII value uses B (base64), since a handful of stray bytes
// would otherwise force every quoted-printable-escaped byte to tag
// along its two hex digits; an otherwise non-ASCII value uses Q, which
// leaves the (majority) escaped bytes no worse off and keeps any
// ASCII runs literal.
func encodeHeaderValue(v string) string {
	nonASCII := 0
	for i := 0; i < len(v); i++ {
		if v[i] > 0x7e || v[i] < 0x20 {
			nonASCII++
		}
	}
	if nonASCII == 0 {
		return v
	}
	if nonASCII*2 <= len(v) {
		return "=?utf-8?B?" + b64encode(v) + "?="
	}
	return "=?utf-8?Q?" + qEncode(v) + "?="
}

// qEncode implements RFC 2047 "Q" encoding: printable ASCII other than
// "=", "?" and "_" passes through, space becomes "_", and every other
// byte is escaped as "=XX" hex.
func qEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			out.WriteByte('_')
		case c == '=' || c == '?' || c == '_' || c <= 0x20 || c >= 0x7f:
			out.WriteByte('=')
			out.WriteByte(hex[c>>4])
			out.WriteByte(hex[c&0xf])
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

func b64encode(s string) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var out strings.Builder
	data := []byte(s)
	for i := 0; i < len(data); i += 3 {
		var n uint32
		rem := len(data) - i
		n = uint32(data[i]) << 16
		if rem > 1 {
			n |= uint32(data[i+1]) << 8
		}
		if rem > 2 {
			n |= uint32(data[i+2])
		}
		out.WriteByte(alphabet[(n>>18)&0x3f])
		out.WriteByte(alphabet[(n>>12)&0x3f])
		if rem > 1 {
			out.WriteByte(alphabet[(n>>6)&0x3f])
		} else {
			out.WriteByte('=')
		}
		if rem > 2 {
			out.WriteByte(alphabet[n&0x3f])
		} else {
			out.WriteByte('=')
		}
	}
	return out.String()
}

func statusText(code int) string {
	if t, ok := statusTexts[code]; ok {
		return t
	}
	return "Unknown Status"
}

var statusTexts = map[int]string{
	200: "OK", 201: "Created", 204: "No Content",
	301: "Moved Permanently", 302: "Found", 304: "Not Modified",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden",
	404: "Not Found", 405: "Method Not Allowed", 408: "Request Timeout",
	411: "Length Required", 413: "Payload Too Large", 414: "Request-URI Too Long",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error", 501: "Not Implemented",
	502: "Bad Gateway", 503: "Service Unavailable", 505: "HTTP Version Not Supported",
}
