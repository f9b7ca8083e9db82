// Package session implements the per-connection Viewport Tracker and Delta
// Router target state (components F and part of G): each ClientSession
// owns its viewport, its view of what the client has already seen, and the
// pending per-id operations accumulated between batch flushes. All of this
// state is owned by a single goroutine-safe struct guarded by one mutex,
// mirroring the teacher's network.Client pattern of a struct instance per
// connection with its own send channel and state.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/mmo-game/internal/marker"
)

// PendingOp is one accumulated, already-collapsed operation awaiting the
// next batch flush for a given marker id.
type PendingOp struct {
	Kind   marker.ChangeKind
	Marker marker.Marker // ignored when Kind == Deleted
}

// Session is a single client's server-side state: its websocket identity,
// its current viewport, the set of ids it has been told about, and the
// pending ops the Delta Router has collapsed for it since the last flush.
type Session struct {
	ID         string
	InstanceID string

	mu         sync.Mutex
	viewport   *Viewport
	lastSeen   map[string]struct{}
	pendingOps map[string]PendingOp

	Outbound    chan []byte
	closeOnce   sync.Once
	closeSignal chan struct{}

	lastActivity int64 // unix nano, atomic

	violationsMu sync.Mutex
	violations   []time.Time
}

// New creates a Session with the given outbound queue capacity
// (OUTBOUND_QUEUE_CAP, §6), matching the backpressure policy of §4.E.
func New(id, instanceID string, outboundCap int) *Session {
	s := &Session{
		ID:         id,
		InstanceID: instanceID,
		lastSeen:   make(map[string]struct{}),
		pendingOps:  make(map[string]PendingOp),
		Outbound:    make(chan []byte, outboundCap),
		closeSignal: make(chan struct{}),
	}
	s.Touch()
	return s
}

// Touch records inbound activity (any message, including ping) for the
// idle-timeout watchdog (IDLE_TIMEOUT_SEC, §6).
func (s *Session) Touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// IdleSince reports how long it has been since the last inbound message.
func (s *Session) IdleSince() time.Duration {
	last := atomic.LoadInt64(&s.lastActivity)
	return time.Since(time.Unix(0, last))
}

// RecordViolation appends a protocol-violation timestamp and reports how
// many violations occurred within the trailing window, for the Connection
// Manager's malformed-message threshold policy (§4.E, §7).
func (s *Session) RecordViolation(window time.Duration) int {
	now := time.Now()
	s.violationsMu.Lock()
	defer s.violationsMu.Unlock()
	cutoff := now.Add(-window)
	kept := s.violations[:0]
	for _, t := range s.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.violations = kept
	return len(s.violations)
}

// TrySend enqueues a frame without blocking. It reports false if the
// outbound queue is full, signalling the slow-consumer disconnect policy.
func (s *Session) TrySend(frame []byte) bool {
	select {
	case s.Outbound <- frame:
		return true
	default:
		return false
	}
}

// RequestClose signals the Connection Manager's writePump to terminate the
// socket, used by the slow-consumer disconnect policy (§4.E/§4.H): the
// Batch Coalescer cannot reach the websocket directly, so it asks the
// writer goroutine to close via this channel instead.
func (s *Session) RequestClose() {
	s.closeOnce.Do(func() { close(s.closeSignal) })
}

// CloseSignal is closed once RequestClose has been called.
func (s *Session) CloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Viewport returns the session's current viewport, or nil if the client
// has not yet sent a viewport_update.
func (s *Session) Viewport() *Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// effectiveState returns the merge-state a marker id is currently in for
// this session: an explicit pendingOps entry if one exists, otherwise
// Updated if the id is in lastSeen (seen in a prior, already-flushed
// batch), otherwise the zero value meaning "never seen".
func (s *Session) effectiveState(id string) (kind marker.ChangeKind, known bool) {
	if op, ok := s.pendingOps[id]; ok {
		return op.Kind, true
	}
	if _, ok := s.lastSeen[id]; ok {
		return marker.Updated, true
	}
	return "", false
}

// ApplyChangeEvent folds a normalized ChangeEvent into this session's
// pending-op map, classifying it against the session's viewport and
// collapsing it against any already-pending operation for the same id
// (§4.G). lastSeen is updated eagerly so that a concurrent viewport_update
// (ApplyViewportUpdate) always diffs against the post-flush state, per the
// distilled spec's concurrency note.
func (s *Session) ApplyChangeEvent(ev marker.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.viewport == nil {
		return // no viewport established yet; nothing to classify against
	}

	visible := ev.Kind != marker.Deleted && ev.Next != nil && s.viewport.Contains(ev.Next.Coordinate.Lng, ev.Next.Coordinate.Lat)

	prevKind, known := s.effectiveState(ev.ID)

	var newKind marker.ChangeKind
	remove := false

	switch {
	case !known && !visible:
		return // skip: client never saw it and still can't see it
	case !known && visible:
		newKind = marker.Created
	case known && prevKind == marker.Created && visible:
		newKind = marker.Created
	case known && prevKind == marker.Created && !visible:
		remove = true // created -> deleted collapses to nothing
	case known && prevKind == marker.Updated && visible:
		newKind = marker.Updated
	case known && prevKind == marker.Updated && !visible:
		newKind = marker.Deleted
	case known && prevKind == marker.Deleted && visible:
		newKind = marker.Updated // deleted -> created collapses to updated
	case known && prevKind == marker.Deleted && !visible:
		newKind = marker.Deleted // still gone, no new information
	}

	if remove {
		delete(s.pendingOps, ev.ID)
		delete(s.lastSeen, ev.ID)
		return
	}

	op := PendingOp{Kind: newKind}
	if newKind != marker.Deleted && ev.Next != nil {
		op.Marker = *ev.Next
	}
	s.pendingOps[ev.ID] = op

	if newKind == marker.Deleted {
		delete(s.lastSeen, ev.ID)
	} else {
		s.lastSeen[ev.ID] = struct{}{}
	}
}

// DrainPending atomically swaps out the pending-op map for the Batch
// Coalescer to serialize, leaving a fresh empty map in its place (§4.H
// step 1).
func (s *Session) DrainPending() map[string]PendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingOps) == 0 {
		return nil
	}
	drained := s.pendingOps
	s.pendingOps = make(map[string]PendingOp)
	return drained
}
