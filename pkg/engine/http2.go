package engine

import (
	"encoding/binary"

	"golang.org/x/net/http2"

	"github.com/corvidproto/httpengine/pkg/frame"
	"github.com/corvidproto/httpengine/pkg/hpackcodec"
	"github.com/corvidproto/httpengine/pkg/protoerr"
	"github.com/corvidproto/httpengine/pkg/stream"
)

// drainBinary steps the PRI / PRI_SETTINGS / HTTP2 / HTTP2_CONTINUATION
// state family against c.binBuf (spec §4.5, the HTTP/2 half of the
// Connection State Machine).
func (c *Connection) drainBinary() {
	for {
		switch c.state {
		case StatePRI:
			if !c.stepPRI() {
				return
			}
		case StatePRISettings:
			if !c.stepPRISettings() {
				return
			}
		case StateHTTP2, StateHTTP2Continuation:
			if !c.stepFrame() {
				return
			}
		default:
			return
		}
	}
}

// stepPRI consumes the remaining connection-preface bytes before the
// first SETTINGS frame. Which bytes are expected depends on how this
// connection reached HTTP/2 (resolved Open Question: mandatory over
// cleartext, optional-but-tolerated post-ALPN, SPEC_FULL.md §9):
//   - prior-knowledge: the "PRI * HTTP/2.0\r\n" request line was
//     already consumed by the text parser; only the 8-byte tail
//     ("\r\nSM\r\n\r\n") remains.
//   - h2c upgrade: nothing has been consumed yet; the full 24-byte
//     preface is mandatory.
func (c *Connection) stepPRI() bool {
	want := prefaceTail
	if c.expectFullPreface {
		want = ClientPreface
	}
	if len(c.binBuf) < len(want) {
		return false
	}
	if string(c.binBuf[:len(want)]) != want {
		c.fatalProtocolError("preface", "malformed HTTP/2 connection preface")
		return false
	}
	c.binBuf = c.binBuf[len(want):]
	c.version = "h2"
	if c.hpack == nil {
		c.hpack = hpackcodec.New(c.opts.Own.HeaderTableSize)
	}
	c.streams.SetMaxConcurrent(c.opts.Own.MaxConcurrentStreams)
	c.sendServerPreface()
	c.state = StatePRISettings
	return true
}

func (c *Connection) stepPRISettings() bool {
	// Post-ALPN entry skips stepPRI (the preface is optional there);
	// tolerate it if the client sent it anyway.
	if len(c.binBuf) >= len(ClientPreface) && string(c.binBuf[:len(ClientPreface)]) == ClientPreface {
		c.binBuf = c.binBuf[len(ClientPreface):]
	}

	hdr, payload, consumed, err := frame.Decode(c.binBuf)
	if err == frame.ErrNeedMore {
		return false
	}
	if err != nil {
		c.fatalFrameError(err)
		return false
	}
	c.binBuf = c.binBuf[consumed:]
	if hdr.Type != http2.FrameSettings || hdr.Flags.Has(http2.FlagSettingsAck) {
		c.fatalProtocolError("preface", "expected initial SETTINGS frame")
		return false
	}
	c.applySettings(frame.DecodeSettings(payload))
	c.ackSettings()
	c.state = StateHTTP2
	return true
}

func (c *Connection) stepFrame() bool {
	hdr, payload, consumed, err := frame.Decode(c.binBuf)
	if err == frame.ErrNeedMore {
		return false
	}
	if err != nil {
		c.fatalFrameError(err)
		return false
	}
	c.binBuf = c.binBuf[consumed:]

	if c.state == StateHTTP2Continuation {
		if hdr.Type != http2.FrameContinuation || hdr.StreamID != c.continuationStreamID {
			c.fatalProtocolError("continuation", "expected CONTINUATION for stream in progress")
			return false
		}
	} else if hdr.Type == http2.FrameContinuation {
		c.fatalProtocolError("continuation", "CONTINUATION without a header block in progress")
		return false
	}

	switch hdr.Type {
	case http2.FrameSettings:
		c.handleSettingsFrame(hdr, payload)
	case http2.FrameHeaders:
		c.handleHeadersFrame(hdr, payload)
	case http2.FrameContinuation:
		c.handleContinuationFrame(hdr, payload)
	case http2.FrameData:
		c.handleDataFrame(hdr, payload)
	case http2.FrameWindowUpdate:
		c.handleWindowUpdateFrame(hdr, payload)
	case http2.FramePing:
		c.handlePingFrame(hdr, payload)
	case http2.FrameGoAway:
		c.goawayReceived()
	case http2.FrameRSTStream:
		c.handleRSTStreamFrame(hdr)
	case http2.FramePriority:
		// Validated for length/stream-id by frame.Decode; priority
		// reprioritization itself is out of scope (spec §1).
	case http2.FramePushPromise:
		// This engine runs as a server; a client-sent PUSH_PROMISE is
		// a protocol violation (RFC 7540 §6.6).
		c.fatalProtocolError("push_promise", "client may not send PUSH_PROMISE")
		return false
	default:
		// Unknown frame types are ignored per RFC 7540 §4.1.
	}
	return !c.closed
}

func (c *Connection) goawayReceived() {
	c.closeAfterFlush()
}

func (c *Connection) ackSettings() {
	w := frame.NewWriter()
	_ = w.WriteSettingsAck()
	c.transport.Send(w.Bytes())
}

// applySettings updates peer-advertised values (spec §6) and
// propagates them to the HPACK encoder and stream manager.
func (c *Connection) applySettings(settings []frame.Setting) {
	for _, s := range settings {
		switch s.ID {
		case http2.SettingHeaderTableSize:
			c.peer.HeaderTableSize = s.Value
			c.hpack.SetPeerTableSize(s.Value)
		case http2.SettingEnablePush:
			c.peer.EnablePush = s.Value == 1
		case http2.SettingMaxConcurrentStreams:
			c.peer.MaxConcurrentStreams = s.Value
			c.streams.SetMaxConcurrent(s.Value)
		case http2.SettingInitialWindowSize:
			c.peer.InitialWindowSize = s.Value
		case http2.SettingMaxFrameSize:
			c.peer.MaxFrameSize = s.Value
		case http2.SettingMaxHeaderListSize:
			c.peer.MaxHeaderListSize = s.Value
		}
	}
}

func (c *Connection) handleSettingsFrame(hdr frame.Header, payload []byte) {
	if hdr.Flags.Has(http2.FlagSettingsAck) {
		c.settingsAcked = true
		return
	}
	c.applySettings(frame.DecodeSettings(payload))
	c.ackSettings()
}

func (c *Connection) handlePingFrame(hdr frame.Header, payload []byte) {
	if hdr.Flags.Has(http2.FlagPingAck) {
		return
	}
	var data [8]byte
	copy(data[:], payload)
	w := frame.NewWriter()
	_ = w.WritePing(true, data)
	c.transport.Send(w.Bytes())
}

func (c *Connection) handleWindowUpdateFrame(hdr frame.Header, payload []byte) {
	increment := int32(binary.BigEndian.Uint32(payload) & 0x7fffffff)
	if hdr.StreamID == 0 {
		c.connPeerWindow += int64(increment)
		if c.connPeerWindow > (1<<31 - 1) {
			c.fatalWithCode("window_update", "connection window exceeds 2^31-1", http2.ErrCodeFlowControl)
			return
		}
		// A connection-level increase may unblock more than one
		// stream's queued DATA (spec §9, flow control).
		for streamID := range c.responses {
			_ = c.flushPendingData(streamID)
		}
		return
	}
	s, ok := c.streams.Get(hdr.StreamID)
	if !ok {
		return
	}
	if err := s.ApplyWindowUpdate(increment); err != nil {
		c.fatalFrameError(err)
		return
	}
	_ = c.flushPendingData(hdr.StreamID)
}

func (c *Connection) handleRSTStreamFrame(hdr frame.Header) {
	if s, ok := c.streams.Get(hdr.StreamID); ok {
		s.Transition(stream.StateClosed)
	}
	c.streams.Close(hdr.StreamID)
}

// handleHeadersFrame begins (or continues) assembling one stream's
// header-block fragment (spec §4.5, HEADERS/CONTINUATION assembly).
func (c *Connection) handleHeadersFrame(hdr frame.Header, payload []byte) {
	block, err := stripHeadersFraming(hdr, payload)
	if err != nil {
		c.fatalFrameError(err)
		return
	}

	s, ok := c.streams.Get(hdr.StreamID)
	if !ok {
		if hdr.StreamID%2 == 0 || hdr.StreamID <= c.lastPromisedStreamID {
			c.fatalProtocolError("headers", "invalid client stream id")
			return
		}
		s, err = c.streams.Create(hdr.StreamID, c.handler, int64(c.peer.InitialWindowSize))
		if err != nil {
			c.rejectStream(hdr.StreamID, err)
			return
		}
		s.Transition(stream.StateOpen)
	}

	s.FragmentBuf = append(s.FragmentBuf, block...)

	if !hdr.Flags.Has(http2.FlagHeadersEndHeaders) {
		c.continuationStreamID = hdr.StreamID
		c.continuationEndStream = hdr.Flags.Has(http2.FlagHeadersEndStream)
		c.state = StateHTTP2Continuation
		return
	}

	c.finishHeaderBlock(s, hdr.Flags.Has(http2.FlagHeadersEndStream))
}

func (c *Connection) handleContinuationFrame(hdr frame.Header, payload []byte) {
	s, ok := c.streams.Get(hdr.StreamID)
	if !ok {
		c.fatalProtocolError("continuation", "CONTINUATION for unknown stream")
		return
	}
	s.FragmentBuf = append(s.FragmentBuf, payload...)
	if !hdr.Flags.Has(http2.FlagContinuationEndHeaders) {
		return
	}
	c.state = StateHTTP2
	c.finishHeaderBlock(s, c.continuationEndStream)
}

// finishHeaderBlock decodes a fully-assembled header-block fragment
// and routes the fields to the stream as either its initial headers
// or trailers, per whether EndHeaders has already run (resolved Open
// Question: trailers are preserved, SPEC_FULL.md §9).
func (c *Connection) finishHeaderBlock(s *stream.Stream, endStream bool) {
	block := s.FragmentBuf
	s.FragmentBuf = nil

	fields, err := c.hpack.DecodeHeaders(block)
	if err != nil {
		c.fatalFrameError(err)
		return
	}
	wasInitial := !s.HeadersDone()
	for _, f := range fields {
		_ = s.AddHeader(f.Name, f.Value)
	}
	if wasInitial {
		s.EndHeaders()
		c.startTimer(s.ID)
	}
	if endStream {
		s.Transition(stream.StateHalfClosedRemote)
		s.EndRequestWithTrailers()
	}
}

func (c *Connection) handleDataFrame(hdr frame.Header, payload []byte) {
	data, padLen, err := stripPadding(hdr, payload)
	if err != nil {
		c.fatalFrameError(err)
		return
	}
	_ = padLen

	s, ok := c.streams.Get(hdr.StreamID)
	if !ok {
		c.fatalProtocolError("data", "DATA for unknown stream")
		return
	}
	if len(data) > 0 {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.AppendRequestBody(cp)
		if s.SinkError() != nil {
			s.Transition(stream.StateClosed)
			c.rejectStream(hdr.StreamID, protoerr.NewStreamError(hdr.StreamID, "data", "request body exceeds sink limit", http2.ErrCodeEnhanceYourCalm, s.SinkError()))
			return
		}
	}
	if hdr.Flags.Has(http2.FlagDataEndStream) {
		s.Transition(stream.StateHalfClosedRemote)
		s.EndRequestWithTrailers()
	}
}

func (c *Connection) rejectStream(streamID uint32, cause error) {
	w := frame.NewWriter()
	_ = w.WriteRSTStream(streamID, protoerr.CodeOf(cause))
	c.transport.Send(w.Bytes())
}

// stripHeadersFraming removes HEADERS-frame padding and, if present,
// the priority sub-fields, returning the bare header-block fragment.
func stripHeadersFraming(hdr frame.Header, payload []byte) ([]byte, error) {
	data, _, err := stripPadding(hdr, payload)
	if err != nil {
		return nil, err
	}
	if hdr.Flags.Has(http2.FlagHeadersPriority) {
		if len(data) < 5 {
			return nil, protoerr.NewConnectionError("headers", "payload too short for PRIORITY flag", http2.ErrCodeFrameSize, nil)
		}
		data = data[5:]
	}
	return data, nil
}

// stripPadding removes a PADDED-flag pad-length byte and trailing pad
// bytes from a HEADERS or DATA frame payload (RFC 7540 §6.1/§6.2).
func stripPadding(hdr frame.Header, payload []byte) (data []byte, padLen int, err error) {
	padded := hdr.Type == http2.FrameData && hdr.Flags.Has(http2.FlagDataPadded) ||
		hdr.Type == http2.FrameHeaders && hdr.Flags.Has(http2.FlagHeadersPadded)
	if !padded {
		return payload, 0, nil
	}
	if len(payload) < 1 {
		return nil, 0, protoerr.NewConnectionError("padding", "padded frame missing pad-length byte", http2.ErrCodeFrameSize, nil)
	}
	padLen = int(payload[0])
	rest := payload[1:]
	if padLen > len(rest) {
		return nil, 0, protoerr.NewConnectionError("padding", "pad length exceeds frame payload", http2.ErrCodeFrameSize, nil)
	}
	return rest[:len(rest)-padLen], padLen, nil
}

func (c *Connection) fatalProtocolError(op, msg string) {
	c.fatalWithCode(op, msg, http2.ErrCodeProtocol)
}

func (c *Connection) fatalFrameError(err error) {
	c.fatalWithCode("frame", err.Error(), protoerr.CodeOf(err))
}

func (c *Connection) fatalWithCode(op, msg string, code http2.ErrCode) {
	w := frame.NewWriter()
	_ = w.WriteGoAway(c.lastProcessedStreamID(), code, []byte(msg))
	c.transport.Send(w.Bytes())
	c.closeAfterFlush()
}

func (c *Connection) lastProcessedStreamID() uint32 {
	return c.clientStreamID
}
