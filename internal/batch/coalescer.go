// Package batch implements the Batch Coalescer (component H): a
// BATCH_INTERVAL_MS ticker that drains every session's pending-op map,
// builds a single marker_updates_batch frame, and sends it down the
// session's outbound queue. The ticker-driven flush loop generalizes the
// teacher's sync.BatchManager.loop/flush, minus its delta_compressor stage:
// §6 requires every message to be a UTF-8 JSON object with a type field,
// and the Connection Manager writes every outbound frame as a websocket
// text message, so a batch frame is never compressed.
package batch

import (
	"time"

	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/marker"
	"github.com/annel0/mmo-game/internal/router"
	"github.com/annel0/mmo-game/internal/session"
	"github.com/annel0/mmo-game/internal/wire"
)

// MetricsRecorder is the subset of observability.ServerMetrics the
// Coalescer reports flush counts to. Optional: nil disables recording.
type MetricsRecorder interface {
	RecordBatchFlush()
}

// Coalescer periodically flushes every session's pending ops as a single
// marker_updates_batch frame.
type Coalescer struct {
	router   *router.Router
	interval time.Duration
	log      *logging.Logger
	metrics  MetricsRecorder

	quit chan struct{}
	done chan struct{}
}

func New(r *router.Router, interval time.Duration, log *logging.Logger) *Coalescer {
	return &Coalescer{
		router:   r,
		interval: interval,
		log:      log,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithMetrics attaches a MetricsRecorder for flush-count reporting.
func (c *Coalescer) WithMetrics(m MetricsRecorder) *Coalescer {
	c.metrics = m
	return c
}

// Start runs the flush loop in its own goroutine.
func (c *Coalescer) Start() {
	go c.loop()
}

func (c *Coalescer) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushAll()
		case <-c.quit:
			return
		}
	}
}

// Stop ends the flush loop and performs one final flush so pending state
// is not silently dropped on shutdown (§5 graceful shutdown).
func (c *Coalescer) Stop() {
	close(c.quit)
	<-c.done
	c.flushAll()
}

func (c *Coalescer) flushAll() {
	for _, s := range c.router.Sessions() {
		c.flushOne(s)
	}
}

func (c *Coalescer) flushOne(s *session.Session) {
	pending := s.DrainPending()
	if len(pending) == 0 {
		return
	}

	payload := wire.MarkerUpdatesBatchPayload{Timestamp: time.Now().Unix()}
	for id, op := range pending {
		switch op.Kind {
		case marker.Created:
			payload.Created = append(payload.Created, wire.ToMarkerWire(op.Marker))
		case marker.Updated:
			payload.Updated = append(payload.Updated, wire.ToMarkerWire(op.Marker))
		case marker.Deleted:
			payload.Deleted = append(payload.Deleted, id)
		}
	}

	frame, err := wire.Encode(wire.TypeMarkerUpdatesBatch, payload)
	if err != nil {
		c.log.Error("batch: encode failed for session %s: %v", s.ID, err)
		return
	}

	if !s.TrySend(frame) {
		c.log.Warn("batch: outbound queue full for session %s, dropping connection", s.ID)
		s.RequestClose()
		return
	}
	if c.metrics != nil {
		c.metrics.RecordBatchFlush()
	}
}
