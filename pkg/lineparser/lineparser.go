// Package lineparser implements the pure CRLF line scanner the
// connection state machine uses in its text-protocol states
// (REQUEST_LINE, HEADER, BODY_CHUNKED_SIZE, BODY_CHUNKED_TRAILER).
//
// It is deliberately a pull-free, buffer-push design: the engine owns
// one append-only byte buffer per connection, appends to it with Feed
// and calls Next whenever new bytes arrive, rather than blocking on a
// bufio.Reader the way the teacher's HTTP/1.1 client body reader does.
// That keeps the single I/O-worker-per-connection discipline of §5:
// Next never blocks and never reads past what the caller already
// appended.
package lineparser

import "bytes"

// Result reports what Next found.
type Result int

const (
	// NeedMore means no complete line is present yet; the caller
	// should wait for more bytes and call Next again.
	NeedMore Result = iota
	// Line means a complete CRLF-terminated line was returned by Next.
	Line
	// Overflow means a line exceeded MaxLen, either with no CRLF yet
	// or as a complete line whose length including the CRLF is over
	// MaxLen; the caller responds 414/431 depending on context.
	Overflow
)

// Scanner scans CRLF-terminated lines out of an append-only buffer.
type Scanner struct {
	MaxLen int
	buf    []byte
}

// NewScanner returns a Scanner whose lines (including the terminator)
// may not exceed maxLen bytes.
func NewScanner(maxLen int) *Scanner {
	return &Scanner{MaxLen: maxLen}
}

// Feed appends newly-arrived bytes to the internal buffer.
func (s *Scanner) Feed(b []byte) {
	s.buf = append(s.buf, b...)
}

// Next extracts the next complete line, if any. The returned slice
// includes the trailing CRLF and is only valid until the next call to
// Feed or Next. Leftover bytes after a delivered line remain buffered
// for the next call, matching the "leftover bytes at the buffer tail
// are preserved" contract of spec §4.1.
func (s *Scanner) Next() (line []byte, res Result) {
	idx := bytes.Index(s.buf, []byte("\r\n"))
	if idx < 0 {
		if len(s.buf) > s.MaxLen {
			return nil, Overflow
		}
		return nil, NeedMore
	}
	end := idx + 2
	if end > s.MaxLen {
		return nil, Overflow
	}
	line = s.buf[:end]
	s.buf = s.buf[end:]
	return line, Line
}

// Pending reports how many unconsumed bytes remain buffered.
func (s *Scanner) Pending() int { return len(s.buf) }

// TakeN consumes and returns up to n raw bytes from the front of the
// buffer, for states that count bytes rather than scan for CRLF (BODY,
// BODY_CHUNKED_DATA, BODY_UNTIL_CLOSE). The returned slice is only
// valid until the next call to Feed, Next, or TakeN.
func (s *Scanner) TakeN(n int) []byte {
	if n > len(s.buf) {
		n = len(s.buf)
	}
	out := s.buf[:n]
	s.buf = s.buf[n:]
	return out
}

// Reset discards any buffered bytes, e.g. when the connection
// transitions out of a text-protocol state family entirely (into
// HTTP2 or WEBSOCKET).
func (s *Scanner) Reset() { s.buf = nil }

// TrimCRLF strips a trailing "\r\n" or bare "\n" from line, matching
// the teacher's readLine helper (pkg/client/client.go) which tolerates
// servers that emit a bare LF.
func TrimCRLF(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\r\n"))
	line = bytes.TrimSuffix(line, []byte("\n"))
	return line
}
