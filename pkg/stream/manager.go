package stream

import (
	"time"

	"golang.org/x/net/http2"

	"github.com/corvidproto/httpengine/pkg/constants"
	"github.com/corvidproto/httpengine/pkg/protoerr"
)

// Manager owns one connection's stream table: creation, lookup,
// concurrent-streams enforcement, and time-based retention of closed
// streams (spec §3 Stream lifecycle, §5 resource caps).
//
// Manager is not safe for concurrent use; per spec §5 a Connection
// (and everything it owns) is driven single-threaded by one I/O
// worker.
type Manager struct {
	streams           map[uint32]*Stream
	closedAt          map[uint32]time.Time
	maxConcurrent      uint32
	lastSweep          time.Time
}

// NewManager creates a Manager bounded to maxConcurrent active
// streams (SETTINGS_MAX_CONCURRENT_STREAMS).
func NewManager(maxConcurrent uint32) *Manager {
	return &Manager{
		streams:       make(map[uint32]*Stream),
		closedAt:      make(map[uint32]time.Time),
		maxConcurrent: maxConcurrent,
	}
}

// SetMaxConcurrent updates the bound when SETTINGS changes it.
func (m *Manager) SetMaxConcurrent(n uint32) { m.maxConcurrent = n }

// activeCount counts streams in Open/HalfClosedLocal/HalfClosedRemote,
// matching the teacher's NewStream concurrency check.
func (m *Manager) activeCount() int {
	n := 0
	for _, s := range m.streams {
		switch s.State {
		case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
			n++
		}
	}
	return n
}

// Create registers a new stream. It enforces the concurrent-streams
// bound (spec §4.5: REFUSED_STREAM once |activeStreams| ≥
// maxConcurrentStreams) and opportunistically sweeps retained closed
// streams when the table is under pressure.
func (m *Manager) Create(id uint32, handler Handler, peerInitialWindow int64) (*Stream, error) {
	if len(m.streams) >= constants.MaxTotalStreams {
		m.sweepLocked(time.Now())
	}
	if m.maxConcurrent > 0 && uint32(m.activeCount()) >= m.maxConcurrent {
		return nil, protoerr.NewStreamError(id, "create", "concurrent stream limit reached", http2.ErrCodeRefusedStream, nil)
	}
	s := New(id, handler, peerInitialWindow)
	m.streams[id] = s
	return s, nil
}

// Get looks up a stream by id, opportunistically sweeping expired
// closed streams first (spec §5: "triggered opportunistically on
// stream lookup").
func (m *Manager) Get(id uint32) (*Stream, bool) {
	m.maybeSweep(time.Now())
	s, ok := m.streams[id]
	return s, ok
}

// Close transitions a stream to Closed and starts its retention
// timer. A stream already moved to Closed through Stream.Transition
// keeps its TimestampCompleted and is retained from that moment.
// Idempotent: closing a stream whose retention already started is a
// no-op (spec §8, "Idempotence").
func (m *Manager) Close(id uint32) {
	s, ok := m.streams[id]
	if !ok {
		return
	}
	if _, retained := m.closedAt[id]; retained {
		return
	}
	if !s.Closed() {
		s.Transition(StateClosed)
	}
	m.closedAt[id] = s.TimestampCompleted
}

// Sweep evicts streams that closed more than StreamRetention ago. It
// is safe to call on every Get/Create (which already happens
// opportunistically) and may additionally be driven by a caller's
// shared timer — see SPEC_FULL.md §5.
func (m *Manager) Sweep(now time.Time) { m.sweepLocked(now) }

func (m *Manager) maybeSweep(now time.Time) {
	if now.Sub(m.lastSweep) < constants.CleanupInterval {
		return
	}
	m.sweepLocked(now)
}

func (m *Manager) sweepLocked(now time.Time) {
	m.lastSweep = now
	for id, at := range m.closedAt {
		if now.Sub(at) >= constants.StreamRetention {
			if s, ok := m.streams[id]; ok {
				_ = s.closeBody()
			}
			delete(m.streams, id)
			delete(m.closedAt, id)
		}
	}
}

// Count returns the number of streams still tracked (open + retained).
func (m *Manager) Count() int { return len(m.streams) }

// ActiveCount exposes activeCount for the testable property in spec
// §8 ("|activeStreams| ≤ maxConcurrentStreams holds at every
// observation point").
func (m *Manager) ActiveCount() int { return m.activeCount() }
