// Package engine implements the Connection State Machine (spec §4.5)
// and Response Writer (spec §4.6): the component that multiplexes
// HTTP/1 line-oriented text parsing and HTTP/2 binary framing on one
// byte stream, drives Stream lifecycle, and emits responses under the
// negotiated version.
//
// Grounded on the teacher's pkg/http2/client.go (readResponse's
// per-frame-type dispatch loop is this package's direct structural
// ancestor for the HTTP/2 dispatch switch, read here as the receiving
// side instead of the client-response side) and pkg/http2/transport.go
// (ClientPreface, the SETTINGS handshake sequence), generalized to
// also run as the accepting/server side using
// other_examples/2fb3cdc2_dgrr-http2__serverConn.go.go's readLoop /
// checkFrameWithStream shape as supplementary grounding, since the
// teacher itself never receives frames as a server.
package engine

import "golang.org/x/net/http2"

// ClientPreface is the 24-byte connection preface a client sends
// before its first HTTP/2 frame (spec Glossary, "Preface").
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// prefaceTail is the 8 bytes expected right after "PRI * HTTP/2.0\r\n"
// once the request line has already been consumed by the line parser
// (spec §4.5, "Pre-HTTP/2 preface").
const prefaceTail = "\r\n" + "SM" + "\r\n\r\n"

// Settings mirrors the SETTINGS table of spec §6: the values each
// side of a connection advertises to the other.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32 // 0 = unbounded
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32 // 0 = unbounded
}

// DefaultSettings returns this engine's own advertised SETTINGS. They
// match the defaults table of spec §6 except MaxConcurrentStreams,
// which is 100 rather than unbounded.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:      4096,
		EnablePush:           true,
		MaxConcurrentStreams: 100,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    0,
	}
}

func (s Settings) toWire() []http2.Setting {
	return []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: s.HeaderTableSize},
		{ID: http2.SettingEnablePush, Val: boolToUint32(s.EnablePush)},
		{ID: http2.SettingMaxConcurrentStreams, Val: orMax(s.MaxConcurrentStreams)},
		{ID: http2.SettingInitialWindowSize, Val: s.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: s.MaxFrameSize},
	}
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func orMax(v uint32) uint32 {
	if v == 0 {
		return 1<<31 - 1
	}
	return v
}

// Options configures a Connection, following the teacher's
// Options/DefaultOptions() pattern (pkg/http2/types.go). Options are
// used as given; there is no validation pass.
type Options struct {
	Own          Settings
	FramePadding uint8 // 0-255, spec §3 "framePadding"
}

// DefaultOptions returns DefaultSettings as the engine's own SETTINGS
// and no DATA frame padding.
func DefaultOptions() Options {
	return Options{Own: DefaultSettings()}
}
