// Package frame implements the HTTP/2 Frame Codec of spec §4.2: a
// manual decode over an append-only buffer (so the engine never
// blocks waiting for bytes — spec §5), and an encode side built on
// golang.org/x/net/http2's Framer, which already knows how to
// serialize every frame type correctly and is the teacher's own
// precedent (pkg/http2/frames.go builds a *http2.Framer and drives
// it, albeit only for outbound client requests there).
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/net/http2"

	"github.com/corvidproto/httpengine/pkg/protoerr"
)

// Header is the transient 9-byte frame header descriptor (spec §3,
// "Frame"). It is not retained past the call that produced it.
type Header struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

// ErrNeedMore is returned by Decode when fewer than Length()+9 bytes
// are buffered; the caller should wait for more bytes and retry.
var ErrNeedMore = fmt.Errorf("frame: need more bytes")

const headerSize = 9

// mustBeNonZeroStream lists frame types whose stream id MUST be
// non-zero (spec §4.2).
var mustBeNonZeroStream = map[http2.FrameType]bool{
	http2.FrameData:         true,
	http2.FrameHeaders:      true,
	http2.FramePriority:     true,
	http2.FrameRSTStream:    true,
	http2.FramePushPromise:  true,
	http2.FrameContinuation: true,
}

// mustBeZeroStream lists frame types whose stream id MUST be zero.
var mustBeZeroStream = map[http2.FrameType]bool{
	http2.FrameSettings: true,
	http2.FramePing:     true,
	http2.FrameGoAway:   true,
}

// fixedLength gives the exact required payload length for frame types
// with one, per spec §4.2. Types absent from this map (DATA, HEADERS,
// SETTINGS, GOAWAY, PUSH_PROMISE, CONTINUATION, UNKNOWN) are checked
// separately or accept any length.
var fixedLength = map[http2.FrameType]int{
	http2.FramePriority:     5,
	http2.FrameRSTStream:    4,
	http2.FramePing:         8,
	http2.FrameWindowUpdate: 4,
}

// Decode parses one frame header + payload out of buf. It returns the
// header, the payload slice (aliasing buf — copy it before buf is
// reused), the number of bytes consumed, and an error. ErrNeedMore
// means the caller should retry after more bytes arrive; any other
// error is a PROTOCOL_ERROR, FRAME_SIZE_ERROR or (for an oversized
// SETTINGS_INITIAL_WINDOW_SIZE) FLOW_CONTROL_ERROR and is always
// connection-fatal.
func Decode(buf []byte) (Header, []byte, int, error) {
	if len(buf) < headerSize {
		return Header{}, nil, 0, ErrNeedMore
	}
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	typ := http2.FrameType(buf[3])
	flags := http2.Flags(buf[4])
	streamID := binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff

	total := headerSize + int(length)
	if len(buf) < total {
		return Header{}, nil, 0, ErrNeedMore
	}
	payload := buf[headerSize:total]

	hdr := Header{Length: length, Type: typ, Flags: flags, StreamID: streamID}

	if mustBeNonZeroStream[typ] && streamID == 0 {
		return hdr, payload, total, protoerr.NewConnectionError("decode", "frame type requires non-zero stream id", http2.ErrCodeProtocol, nil)
	}
	if mustBeZeroStream[typ] && streamID != 0 {
		return hdr, payload, total, protoerr.NewConnectionError("decode", "frame type requires stream id 0", http2.ErrCodeProtocol, nil)
	}
	if want, ok := fixedLength[typ]; ok && int(length) != want {
		return hdr, payload, total, protoerr.NewConnectionError("decode", "wrong payload length for frame type", http2.ErrCodeFrameSize, nil)
	}
	switch typ {
	case http2.FrameSettings:
		if length%6 != 0 {
			return hdr, payload, total, protoerr.NewConnectionError("decode", "SETTINGS length not a multiple of 6", http2.ErrCodeFrameSize, nil)
		}
		if err := validateSettingsValues(payload, hdr.Flags.Has(http2.FlagSettingsAck)); err != nil {
			return hdr, payload, total, err
		}
	case http2.FrameGoAway:
		if length < 8 {
			return hdr, payload, total, protoerr.NewConnectionError("decode", "GOAWAY payload too short", http2.ErrCodeFrameSize, nil)
		}
	}

	return hdr, payload, total, nil
}

// validateSettingsValues enforces the per-value checks of spec §6:
// ENABLE_PUSH ∈ {0,1}, 16384 ≤ MAX_FRAME_SIZE ≤ 2^24-1, and
// INITIAL_WINDOW_SIZE ≤ 2^31-1.
func validateSettingsValues(payload []byte, ack bool) error {
	if ack {
		return nil // an ACK frame carries no values
	}
	for i := 0; i+6 <= len(payload); i += 6 {
		id := http2.SettingID(binary.BigEndian.Uint16(payload[i : i+2]))
		val := binary.BigEndian.Uint32(payload[i+2 : i+6])
		switch id {
		case http2.SettingEnablePush:
			if val > 1 {
				return protoerr.NewConnectionError("settings", "ENABLE_PUSH must be 0 or 1", http2.ErrCodeProtocol, nil)
			}
		case http2.SettingMaxFrameSize:
			if val < 16384 || val > 1<<24-1 {
				return protoerr.NewConnectionError("settings", "MAX_FRAME_SIZE out of range", http2.ErrCodeProtocol, nil)
			}
		case http2.SettingInitialWindowSize:
			if val > 1<<31-1 {
				return protoerr.NewConnectionError("settings", "INITIAL_WINDOW_SIZE exceeds 2^31-1", http2.ErrCodeFlowControl, nil)
			}
		}
	}
	return nil
}

// Setting is a decoded SETTINGS key/value pair.
type Setting struct {
	ID    http2.SettingID
	Value uint32
}

// DecodeSettings parses a validated SETTINGS payload into key/value
// pairs, preserving wire order (later duplicates win per RFC 7540
// §6.5.3, left to the caller to apply in order).
func DecodeSettings(payload []byte) []Setting {
	out := make([]Setting, 0, len(payload)/6)
	for i := 0; i+6 <= len(payload); i += 6 {
		out = append(out, Setting{
			ID:    http2.SettingID(binary.BigEndian.Uint16(payload[i : i+2])),
			Value: binary.BigEndian.Uint32(payload[i+2 : i+6]),
		})
	}
	return out
}

// Writer serializes outbound frames. It wraps http2.Framer so that
// every frame type's wire format (including the subtleties of
// padding and priority sub-fields) is the library's own, not
// hand-rolled — the teacher's own pattern in pkg/http2/client.go's
// sendFrame.
type Writer struct {
	buf    bytes.Buffer
	framer *http2.Framer
}

// NewWriter returns a Writer targeting an internal growable buffer;
// call Bytes after each Write* call to retrieve and reset it.
func NewWriter() *Writer {
	w := &Writer{}
	w.framer = http2.NewFramer(&w.buf, nil)
	w.framer.AllowIllegalWrites = true // the engine validates itself
	return w
}

// Bytes returns the accumulated serialized bytes and clears the
// internal buffer for the next frame.
func (w *Writer) Bytes() []byte {
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	w.buf.Reset()
	return out
}

// WriteSettings serializes a SETTINGS frame (ACK=false) with the
// given key/value pairs.
func (w *Writer) WriteSettings(settings ...Setting) error {
	hs := make([]http2.Setting, len(settings))
	for i, s := range settings {
		hs[i] = http2.Setting{ID: s.ID, Val: s.Value}
	}
	return w.framer.WriteSettings(hs...)
}

// WriteSettingsAck serializes an empty SETTINGS frame with ACK=1.
func (w *Writer) WriteSettingsAck() error { return w.framer.WriteSettingsAck() }

// WriteHeaders serializes a HEADERS frame (optionally its first
// CONTINUATION-free fragment) via http2.HeadersFrameParam.
func (w *Writer) WriteHeaders(p http2.HeadersFrameParam) error { return w.framer.WriteHeaders(p) }

// WriteContinuation serializes a CONTINUATION frame.
func (w *Writer) WriteContinuation(streamID uint32, endHeaders bool, block []byte) error {
	return w.framer.WriteContinuation(streamID, endHeaders, block)
}

// WriteData serializes a DATA frame.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteDataPadded serializes a DATA frame with a Pad Length byte and
// trailing zero padding (spec §3 "framePadding", RFC 7540 §6.1).
func (w *Writer) WriteDataPadded(streamID uint32, endStream bool, data, pad []byte) error {
	return w.framer.WriteDataPadded(streamID, endStream, data, pad)
}

// WritePing serializes a PING frame.
func (w *Writer) WritePing(ack bool, data [8]byte) error { return w.framer.WritePing(ack, data) }

// WriteGoAway serializes a GOAWAY frame.
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	return w.framer.WriteGoAway(lastStreamID, code, debug)
}

// WriteRSTStream serializes a RST_STREAM frame.
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteWindowUpdate serializes a WINDOW_UPDATE frame.
func (w *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WritePushPromise serializes a PUSH_PROMISE frame.
func (w *Writer) WritePushPromise(p http2.PushPromiseParam) error {
	return w.framer.WritePushPromise(p)
}
