// Package constants defines protocol limits and default values shared
// across the connection engine.
package constants

import "time"

// Line Parser limits (spec §4.1, §8).
const (
	// MaxLineLength is the longest CRLF-terminated line accepted (request
	// line or a single header line) before the caller responds 414/431.
	MaxLineLength = 8192

	// MaxHeaderBytes bounds the cumulative size of one header block.
	MaxHeaderBytes = 64 * 1024
)

// Stream retention and connection bookkeeping (spec §5).
const (
	StreamRetention     = 30 * time.Second
	CleanupInterval     = 30 * time.Second
	MaxTotalStreams     = 10000
	SettingsAckTimeout  = 10 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP content limits.
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// HTTP/2 SETTINGS defaults (spec §6).
const (
	DefaultHeaderTableSize      = DefaultHpackTableSize
	DefaultEnablePush           = true
	DefaultMaxConcurrentStreams = 100
	DefaultInitialWindowSize    = 65535
	DefaultMaxFrameSize         = 16384
	DefaultMaxHeaderListSize    = 10 * 1024 * 1024

	// MinMaxFrameSize / MaxMaxFrameSize bound SETTINGS_MAX_FRAME_SIZE,
	// RFC 7540 §6.5.2.
	MinMaxFrameSize = 16384
	MaxMaxFrameSize = 1<<24 - 1

	// MaxWindowSize is the largest legal flow-control window (2^31-1).
	MaxWindowSize = 1<<31 - 1
)

// Request body sink limits (spec §3, "request body sink").
const (
	// DefaultBodyMemLimit is the soft threshold past which a body sink
	// spills from memory to a temp file.
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB

	// MaxBodySinkSize is the hard cap on one request body. A body
	// reaching this size is rejected with 413 rather than allowed to
	// grow an unbounded temp file (spec §7, resource exhaustion).
	MaxBodySinkSize = 100 * 1024 * 1024 // 100MB
)
