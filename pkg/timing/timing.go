// Package timing measures per-request processing latency inside the
// engine: the time from a request's headers being frozen to the first
// byte of its response, and the time to full completion.
//
// Adapted from the teacher's pkg/timing/timing.go, which measured an
// outbound client request's DNS/TCP/TLS/TTFB/Total lifecycle. DNS, TCP
// connect and TLS handshake timing belong to the out-of-scope socket
// acceptor / TLS-engine collaborator (spec §1) that hands this engine
// an already-established byte stream, so those fields have no
// SPEC_FULL.md component to attach to and are dropped; TTFB and Total
// survive, now measured from request-headers-done instead of
// dial-start, since that is the first instant this engine observes.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures one request's processing latency, as observed by
// the engine rather than by the socket acceptor that preceded it.
type Metrics struct {
	// TTFB is the time from request-headers-done to the first response
	// byte written (server processing time).
	TTFB time.Duration `json:"ttfb"`

	// Total is the time from request-headers-done to response
	// completion.
	Total time.Duration `json:"total"`
}

// Timer measures one request's lifecycle from the moment its headers
// are frozen.
type Timer struct {
	start        time.Time
	firstByte    time.Time
	firstByteSet bool
}

// NewTimer starts a timing measurement session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// MarkFirstByte records the first response byte written for this
// request. Later calls are no-ops: only the first byte matters for
// TTFB.
func (t *Timer) MarkFirstByte() {
	if t.firstByteSet {
		return
	}
	t.firstByte = time.Now()
	t.firstByteSet = true
}

// Metrics returns the timings accumulated so far. Total reflects
// elapsed time up to the call, so it is meaningful once the request
// has actually completed.
func (t *Timer) Metrics() Metrics {
	m := Metrics{Total: time.Since(t.start)}
	if t.firstByteSet {
		m.TTFB = t.firstByte.Sub(t.start)
	}
	return m
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("TTFB: %v, Total: %v", m.TTFB, m.Total)
}
