package engine

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corvidproto/httpengine/pkg/constants"
	"github.com/corvidproto/httpengine/pkg/frame"
	"github.com/corvidproto/httpengine/pkg/hpackcodec"
	"github.com/corvidproto/httpengine/pkg/lineparser"
	"github.com/corvidproto/httpengine/pkg/stream"
	"github.com/corvidproto/httpengine/pkg/timing"
)

// State is the Connection State Machine's current state (spec §4.5).
type State int

const (
	StateRequestLine State = iota
	StateHeader
	StateBody
	StateBodyChunkedSize
	StateBodyChunkedData
	StateBodyChunkedTrailer
	StateBodyUntilClose
	StatePRI
	StatePRISettings
	StateHTTP2
	StateHTTP2Continuation
	StateWebSocket
)

func (s State) String() string {
	names := [...]string{
		"REQUEST_LINE", "HEADER", "BODY", "BODY_CHUNKED_SIZE",
		"BODY_CHUNKED_DATA", "BODY_CHUNKED_TRAILER", "BODY_UNTIL_CLOSE",
		"PRI", "PRI_SETTINGS", "HTTP2", "HTTP2_CONTINUATION", "WEBSOCKET",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Transport is the out-of-scope socket acceptor / event loop
// collaborator (spec §1, §6): it hands the engine bytes and accepts
// bytes back. Send(nil) requests a graceful close after already-queued
// data drains.
type Transport interface {
	Send(b []byte)
	Close()
}

// Connection is the per-connection protocol state machine (spec §3,
// "Connection"; §4.5). It is driven single-threaded by one I/O worker
// and carries no internal locking (spec §5).
type Connection struct {
	transport Transport
	handler   stream.Handler
	opts      Options
	log       *zap.Logger

	state   State
	version string // "", "http/1.0", "http/1.1", "h2"

	// HTTP/1 text-mode scratch.
	lineScanner        *lineparser.Scanner
	clientStreamID     uint32 // next id to synthesize for an HTTP/1 request
	activeStream       *stream.Stream
	chunkRemaining     int64
	h2cUpgradePending  bool
	pendingH2CSettings []byte
	expectFullPreface  bool

	// HTTP/2 binary-mode state.
	streams               *stream.Manager
	hpack                 *hpackcodec.Codec
	peer                  Settings
	continuationStreamID  uint32
	continuationEndStream bool
	serverStreamID        uint32 // next even id for PUSH_PROMISE
	lastPromisedStreamID  uint32
	connPeerWindow        int64
	binBuf                []byte // append-only buffer for PRI/PRI_SETTINGS/HTTP2 modes
	settingsAcked         bool
	closed                bool

	responses map[uint32]*responseState
	timers    map[uint32]*timing.Timer
}

// New creates a Connection in the appropriate starting state per the
// negotiated ALPN protocol (spec §4.5 "Entry conditions"). alpn is
// "h2", "http/1.1", or "" (no TLS / no ALPN).
func New(transport Transport, handler stream.Handler, opts Options, alpn string, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connection{
		transport:      transport,
		handler:        handler,
		opts:           opts,
		log:            log,
		lineScanner:    lineparser.NewScanner(constants.MaxLineLength),
		clientStreamID: 1,
		streams:        stream.NewManager(0), // bound applied once peer SETTINGS arrive
		peer:           DefaultSettings(),
		serverStreamID: 2,
		connPeerWindow: int64(DefaultSettings().InitialWindowSize),
		responses:      make(map[uint32]*responseState),
		timers:         make(map[uint32]*timing.Timer),
	}

	if alpn == "h2" {
		c.enterHTTP2Directly()
	} else {
		c.state = StateRequestLine
	}
	return c
}

func (c *Connection) enterHTTP2Directly() {
	c.version = "h2"
	c.state = StatePRISettings
	c.hpack = hpackcodec.New(c.opts.Own.HeaderTableSize)
	c.sendServerPreface()
}

// sendServerPreface emits this engine's initial SETTINGS frame (the
// "server preface" of spec Glossary).
func (c *Connection) sendServerPreface() {
	w := frame.NewWriter()
	settings := make([]frame.Setting, 0, 5)
	for _, s := range c.opts.Own.toWire() {
		settings = append(settings, frame.Setting{ID: s.ID, Value: s.Val})
	}
	_ = w.WriteSettings(settings...)
	c.transport.Send(w.Bytes())
}

// Feed delivers newly-arrived bytes from the transport (spec §6,
// receive(buf)). It consumes as many bytes as the current state
// permits and returns; it never blocks.
func (c *Connection) Feed(b []byte) {
	if c.closed {
		return
	}
	switch c.state {
	case StateWebSocket:
		// Sink state: consume all bytes without interpretation.
		return
	case StatePRI, StatePRISettings, StateHTTP2, StateHTTP2Continuation:
		c.binBuf = append(c.binBuf, b...)
		c.drainBinary()
	default:
		c.lineScanner.Feed(b)
		c.drainText()
	}
}

// Disconnected marks the connection closed so later Feed calls are
// ignored (spec §6, disconnected()). It does not close, evict or
// notify the connection's streams.
func (c *Connection) Disconnected() {
	c.closed = true
}

// Sweep evicts closed streams past their retention window. An
// embedder may drive this from a single shared timer instead of
// per-connection (spec §5).
func (c *Connection) Sweep(now time.Time) {
	if c.streams != nil {
		c.streams.Sweep(now)
	}
}

// drainText handles the line-oriented HTTP/1 state family.
func (c *Connection) drainText() {
	for {
		switch c.state {
		case StateRequestLine:
			if !c.stepRequestLine() {
				return
			}
		case StateHeader:
			if !c.stepHeaderLine() {
				return
			}
		case StateBodyChunkedSize:
			if !c.stepChunkSizeLine() {
				return
			}
		case StateBodyChunkedTrailer:
			if !c.stepChunkedTrailerLine() {
				return
			}
		case StateBody:
			if !c.stepBody() {
				return
			}
		case StateBodyChunkedData:
			if !c.stepChunkedData() {
				return
			}
		case StateBodyUntilClose:
			if !c.stepBodyUntilClose() {
				return
			}
		case StatePRI:
			// handled by drainBinary once bytes move there; the
			// REQUEST_LINE step transitions directly into StatePRI
			// and re-dispatches below.
			return
		default:
			return
		}
	}
}

// stepBody consumes Content-Length-bounded request body bytes.
func (c *Connection) stepBody() bool {
	need := c.activeStream.BodyBytesNeeded()
	if need <= 0 {
		c.state = StateRequestLine
		c.finishRequest()
		return true
	}
	if c.lineScanner.Pending() == 0 {
		return false
	}
	chunk := c.lineScanner.TakeN(int(need))
	if len(chunk) == 0 {
		return false
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.activeStream.AppendRequestBody(cp)
	if c.activeStream.SinkError() != nil {
		c.sendStatusOnly(413, "Payload Too Large")
		c.closeAfterFlush()
		return false
	}
	if c.activeStream.BodyBytesNeeded() <= 0 {
		c.state = StateRequestLine
		c.finishRequest()
	}
	return true
}

// stepBodyUntilClose consumes every byte until the transport signals
// Disconnected. endHeaders never selects StateBodyUntilClose: an
// HTTP/1.0 request without Content-Length is treated as bodyless.
func (c *Connection) stepBodyUntilClose() bool {
	if c.lineScanner.Pending() == 0 {
		return false
	}
	chunk := c.lineScanner.TakeN(c.lineScanner.Pending())
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.activeStream.AppendRequestBody(cp)
	return true
}

// stepChunkSizeLine parses one "size[;ext]\r\n" chunk-size line
// (RFC 7230 §4.1).
func (c *Connection) stepChunkSizeLine() bool {
	raw, res := c.lineScanner.Next()
	switch res {
	case lineparser.NeedMore:
		return false
	case lineparser.Overflow:
		c.sendStatusOnly(400, "Bad Request")
		c.closeAfterFlush()
		return false
	}
	line := string(lineparser.TrimCRLF(raw))
	if idx := indexByte([]byte(line), ';'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		c.sendStatusOnly(400, "Bad Request")
		c.closeAfterFlush()
		return false
	}
	if n == 0 {
		c.state = StateBodyChunkedTrailer
		return true
	}
	c.chunkRemaining = n
	c.state = StateBodyChunkedData
	return true
}

// stepChunkedData consumes exactly chunkRemaining bytes plus the
// trailing CRLF, then returns to BODY_CHUNKED_SIZE for the next chunk.
func (c *Connection) stepChunkedData() bool {
	if c.chunkRemaining > 0 {
		if c.lineScanner.Pending() == 0 {
			return false
		}
		chunk := c.lineScanner.TakeN(int(c.chunkRemaining))
		if len(chunk) == 0 {
			return false
		}
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		c.chunkRemaining -= int64(len(chunk))
		c.activeStream.AppendRequestBody(cp)
		if c.activeStream.SinkError() != nil {
			c.sendStatusOnly(413, "Payload Too Large")
			c.closeAfterFlush()
			return false
		}
		if c.chunkRemaining > 0 {
			return false
		}
	}
	// Consume the CRLF terminating this chunk's data.
	raw, res := c.lineScanner.Next()
	if res == lineparser.NeedMore {
		return false
	}
	_ = raw
	c.state = StateBodyChunkedSize
	return true
}

// stepChunkedTrailerLine accumulates trailer header lines following
// the terminal 0-size chunk, until the blank line ends the request.
func (c *Connection) stepChunkedTrailerLine() bool {
	raw, res := c.lineScanner.Next()
	switch res {
	case lineparser.NeedMore:
		return false
	case lineparser.Overflow:
		c.sendStatusOnly(400, "Bad Request")
		c.closeAfterFlush()
		return false
	}
	line := lineparser.TrimCRLF(raw)
	if len(line) == 0 {
		c.state = StateRequestLine
		c.finishRequest()
		return true
	}
	idx := indexByte(line, ':')
	if idx <= 0 {
		return true
	}
	name := string(line[:idx])
	value := decodeHeaderValue(strings.TrimSpace(string(line[idx+1:])))
	c.activeStream.AddHeader(name, value)
	return true
}

func (c *Connection) stepRequestLine() bool {
	raw, res := c.lineScanner.Next()
	switch res {
	case lineparser.NeedMore:
		return false
	case lineparser.Overflow:
		c.sendStatusOnly(414, "Request-URI Too Long")
		c.closeAfterFlush()
		return false
	}
	line := string(lineparser.TrimCRLF(raw))

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		c.sendStatusOnly(400, "Bad Request")
		c.closeAfterFlush()
		return false
	}
	method, target, httpVersion := parts[0], parts[1], parts[2]

	if method == "PRI" && target == "*" && httpVersion == "HTTP/2.0" {
		c.state = StatePRI
		c.binBuf = append(c.binBuf, c.lineScanner.TakeN(c.lineScanner.Pending())...)
		c.drainBinary()
		return false
	}

	if !isToken(method) {
		c.sendStatusOnly(400, "Bad Request")
		c.closeAfterFlush()
		return false
	}
	if !knownMethod(method) {
		c.sendStatusOnly(501, "Not Implemented")
		c.closeAfterFlush()
		return false
	}
	if !validRequestTarget(target) {
		c.sendStatusOnly(400, "Bad Request")
		c.closeAfterFlush()
		return false
	}

	minor, ok := parseHTTPVersion(httpVersion)
	if !ok {
		c.sendStatusOnly(505, "HTTP Version Not Supported")
		c.closeAfterFlush()
		return false
	}

	id := c.clientStreamID
	c.clientStreamID += 2
	s, _ := c.streams.Create(id, c.handler, int64(DefaultSettings().InitialWindowSize))
	s.Transition(stream.StateOpen)
	s.AddHeader(":method", method)
	s.AddHeader(":path", target)
	if minor == 0 {
		s.CloseConnection = true
	}
	c.activeStream = s
	c.version = versionString(minor)
	c.state = StateHeader
	return true
}

func versionString(minor int) string {
	if minor == 0 {
		return "http/1.0"
	}
	return "http/1.1"
}

func parseHTTPVersion(v string) (minor int, ok bool) {
	switch v {
	case "HTTP/1.0":
		return 0, true
	case "HTTP/1.1":
		return 1, true
	default:
		return 0, false
	}
}

func (c *Connection) stepHeaderLine() bool {
	raw, res := c.lineScanner.Next()
	switch res {
	case lineparser.NeedMore:
		return false
	case lineparser.Overflow:
		c.sendStatusOnly(431, "Request Header Fields Too Large")
		c.closeAfterFlush()
		return false
	}

	// Folded continuation: a line beginning with SP/HT extends the
	// previous header (spec §4.5, "Headers").
	if len(raw) > 0 && (raw[0] == ' ' || raw[0] == '\t') {
		c.appendFoldedContinuation(raw)
		return true
	}

	line := lineparser.TrimCRLF(raw)
	if len(line) == 0 {
		c.endHeaders()
		return !c.closed
	}

	idx := indexByte(line, ':')
	if idx <= 0 {
		c.sendStatusOnly(400, "Bad Request")
		c.closeAfterFlush()
		return false
	}
	name := string(line[:idx])
	value := decodeHeaderValue(strings.TrimSpace(string(line[idx+1:])))
	c.activeStream.AddHeader(name, value)
	return true
}

func (c *Connection) appendFoldedContinuation(raw []byte) {
	if c.activeStream == nil {
		return
	}
	headers := c.activeStream.Headers()
	if len(headers) == 0 {
		return
	}
	last := &headers[len(headers)-1]
	folded := strings.TrimLeft(string(lineparser.TrimCRLF(raw)), " \t")
	last.Value = last.Value + " " + decodeHeaderValue(folded)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// decodeHeaderValue expands every RFC 2047 "encoded-word" found in v
// ("=?charset?B?...?=" or "=?charset?Q?...?="), leaving surrounding
// text and any malformed encoded-word untouched (spec §3, §4.5). The
// charset tag is not interpreted; decoded bytes are passed through
// as-is, matching how encodeHeaderValue always tags outbound words
// "utf-8".
func decodeHeaderValue(v string) string {
	if !strings.Contains(v, "=?") {
		return v
	}
	var out strings.Builder
	for {
		start := strings.Index(v, "=?")
		if start < 0 {
			out.WriteString(v)
			break
		}
		out.WriteString(v[:start])
		v = v[start:]

		decoded, rest, ok := parseEncodedWord(v)
		if !ok {
			out.WriteString("=?")
			v = v[2:]
			continue
		}
		out.WriteString(decoded)
		v = rest
	}
	return out.String()
}

// parseEncodedWord parses one leading RFC 2047 "=?charset?enc?data?="
// encoded-word from v, which must begin with "=?". It returns the
// decoded text and the remainder of v following the closing "?=".
func parseEncodedWord(v string) (decoded, rest string, ok bool) {
	body := v[2:]
	i := strings.IndexByte(body, '?')
	if i < 0 || i+2 >= len(body) || body[i+2] != '?' {
		return "", "", false
	}
	enc := body[i+1]
	afterEnc := body[i+3:]
	j := strings.Index(afterEnc, "?=")
	if j < 0 {
		return "", "", false
	}
	data := afterEnc[:j]
	switch enc {
	case 'b', 'B':
		decoded, ok = b64decode(data)
	case 'q', 'Q':
		decoded, ok = qDecode(data)
	default:
		ok = false
	}
	if !ok {
		return "", "", false
	}
	return decoded, afterEnc[j+2:], true
}

func b64decode(s string) (string, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// qDecode reverses qEncode: "_" becomes a space and "=XX" hex escapes
// become their byte; anything else passes through literally.
func qDecode(s string) (string, bool) {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '_':
			out.WriteByte(' ')
		case '=':
			if i+2 >= len(s) {
				return "", false
			}
			hi, ok1 := hexVal(s[i+1])
			lo, ok2 := hexVal(s[i+2])
			if !ok1 || !ok2 {
				return "", false
			}
			out.WriteByte(byte(hi<<4 | lo))
			i += 2
		default:
			out.WriteByte(s[i])
		}
	}
	return out.String(), true
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	default:
		return 0, false
	}
}

// endHeaders is called on the blank line terminating the header
// block; it implements the dispatch of spec §4.5 step "Upon empty
// line". It returns true if the connection state has moved past the
// header phase for this request (always true; stepHeaderLine ignores
// the result and checks c.closed instead).
func (c *Connection) endHeaders() bool {
	s := c.activeStream

	if c.version == "http/1.1" && s.Get("host") == "" {
		c.sendStatusOnly(400, "Bad Request")
		c.closeAfterFlush()
		return true
	}

	s.EndHeaders()
	c.startTimer(s.ID)

	if strings.Contains(strings.ToLower(s.Get("connection")), "close") {
		s.CloseConnection = true
	}
	if s.ContentLength > constants.MaxBodySinkSize {
		// The declared body can never fit the body sink's hard cap.
		c.sendStatusOnly(413, "Payload Too Large")
		c.closeAfterFlush()
		return true
	}

	upgradeToH2C := false
	for _, tok := range s.Upgrade {
		if strings.EqualFold(tok, "h2c") {
			upgradeToH2C = true
		}
	}
	if h2set := s.Get("http2-settings"); upgradeToH2C && h2set != "" {
		if decoded, err := base64.RawURLEncoding.DecodeString(h2set); err == nil {
			s.H2CSettings = decoded
			c.pendingH2CSettings = decoded
			if s.ContentLength <= 0 && !s.Chunked {
				c.send101SwitchingToH2C()
				c.beginHTTP2FromH2C()
				return true
			}
			c.h2cUpgradePending = true
		}
	}

	if s.Chunked {
		c.state = StateBodyChunkedSize
		return true
	}
	if s.ContentLength > 0 {
		c.state = StateBody
		return true
	}
	if c.version == "http/1.1" && s.ContentLength < 0 && !bodylessMethod(s.Get(":method")) {
		// HTTP/1.1, no Transfer-Encoding, no Content-Length, and a
		// method that isn't GET/HEAD-like: the body framing is
		// ambiguous rather than absent (spec §3, §4.5).
		c.sendStatusOnly(411, "Length Required")
		c.closeAfterFlush()
		return true
	}
	// No Transfer-Encoding and either Content-Length: 0, or no framing
	// header at all on a GET/HEAD-like HTTP/1.1 request or on any
	// HTTP/1.0 request: the message has no body (RFC 7230 §3.3.3 rule 6).
	c.state = StateRequestLine
	c.finishRequest()
	return true
}

// bodylessMethod reports whether method is one whose requests are
// conventionally bodyless, so a missing Content-Length/chunked framing
// is treated as "no body" rather than "ambiguous" (spec §3).
func bodylessMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS", "TRACE", "CONNECT":
		return true
	default:
		return false
	}
}

func (c *Connection) send101SwitchingToH2C() {
	resp := "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n"
	c.transport.Send([]byte(resp))
}

func (c *Connection) beginHTTP2FromH2C() {
	c.version = "h2"
	c.hpack = hpackcodec.New(c.opts.Own.HeaderTableSize)
	if len(c.pendingH2CSettings) > 0 {
		c.applySettings(frame.DecodeSettings(c.pendingH2CSettings))
	}
	c.expectFullPreface = true
	c.state = StatePRI
	c.binBuf = append(c.binBuf, c.lineScanner.TakeN(c.lineScanner.Pending())...)
	c.drainBinary()
}

// finishRequest notifies the handler of end-of-request and, if an h2c
// upgrade was deferred until the request body drained, sends the 101
// and switches the connection to HTTP/2. Closing an HTTP/1.0 (or
// Connection: close) connection after its response is left to Complete.
func (c *Connection) finishRequest() {
	c.activeStream.EndRequestWithTrailers()
	if !c.h2cUpgradePending {
		return
	}
	c.h2cUpgradePending = false
	c.send101SwitchingToH2C()
	c.beginHTTP2FromH2C()
}

// startTimer begins per-request latency measurement (spec's ambient
// "how long did this take" observability, adapted from the teacher's
// client-side pkg/timing into the engine's request-processing half).
func (c *Connection) startTimer(streamID uint32) {
	c.timers[streamID] = timing.NewTimer()
}

// markFirstByte records TTFB for streamID, the moment the engine
// writes the first byte of its response.
func (c *Connection) markFirstByte(streamID uint32) {
	if t, ok := c.timers[streamID]; ok {
		t.MarkFirstByte()
	}
}

// logTimerAndClear logs the completed request's TTFB/Total and drops
// its timer.
func (c *Connection) logTimerAndClear(streamID uint32) {
	if t, ok := c.timers[streamID]; ok {
		m := t.Metrics()
		c.log.Debug("request completed",
			zap.Uint32("stream_id", streamID),
			zap.Duration("ttfb", m.TTFB),
			zap.Duration("total", m.Total),
		)
		delete(c.timers, streamID)
	}
}

func (c *Connection) sendStatusOnly(code int, reason string) {
	body := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", code, reason)
	c.transport.Send([]byte(body))
}

func (c *Connection) closeAfterFlush() {
	c.transport.Send(nil)
	c.closed = true
}

// isToken reports whether s consists entirely of RFC 7230 tchar
// characters (spec §4.5, "METHOD is a token").
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !isTChar(r) {
			return false
		}
	}
	return true
}

func isTChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		return true
	}
	return false
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

func knownMethod(m string) bool { return knownMethods[strings.ToUpper(m)] }

// validRequestTarget validates against the RFC 3986 unreserved ∪
// sub-delims ∪ pct-encoded ∪ ":@/?#[]" set (spec §4.5).
func validRequestTarget(target string) bool {
	if target == "" {
		return false
	}
	const extra = "-._~!$&'()*+,;=:@/?#[]%"
	for _, r := range target {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			continue
		}
		if strings.ContainsRune(extra, r) {
			continue
		}
		return false
	}
	return true
}
