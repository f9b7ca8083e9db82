// Package pubsub implements the Pub/Sub Consumer (component C): a durable
// NATS JetStream subscriber that decodes upstream operation records and
// hands normalized marker.ChangeEvent values to an Applier, generalizing
// the teacher's eventbus.JetStreamBus subscribe path and cache.NATSInvalidator
// reconnect/backoff options to this service's wire format.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/marker"
)

// Operation is the upstream event envelope's discriminator, per §4.C.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// recordLocation is the upstream "location.coordinates:[lng,lat]" shape (§6).
type recordLocation struct {
	Coordinates [2]float64 `json:"coordinates"`
}

// Record is the upstream marker payload embedded in an operation envelope,
// matching §6's "record matches the upstream marker shape": id,
// location.coordinates:[lng,lat], and attribute fields.
type Record struct {
	ID         string                 `json:"id"`
	Location   *recordLocation        `json:"location"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// HasCoordinate reports whether the record carries a usable location,
// per §6/§7's "malformed upstream record: skip the record; log at warn."
func (r Record) HasCoordinate() bool {
	return r.Location != nil
}

func (r Record) Lng() float64 { return r.Location.Coordinates[0] }
func (r Record) Lat() float64 { return r.Location.Coordinates[1] }

// envelope is the raw upstream message shape: {"operation": ..., "record": ...}.
type envelope struct {
	Operation Operation `json:"operation"`
	Record    Record    `json:"record"`
}

// Applier is the write path shared with the Hydrator (component D): it
// applies a change to the Store + spatial index and returns the normalized
// event to fan out to the Delta Router. Version is not an input here: per
// the DATA MODEL, the version is assigned by the write path itself on each
// ingestion, not trusted from the upstream record.
type Applier interface {
	Apply(ctx context.Context, kind marker.ChangeKind, id string, lng, lat float64, attrs map[string]interface{}) (marker.ChangeEvent, error)
}

// Config configures the JetStream connection. URL is built from PUBSUB_HOST
// and PUBSUB_PORT; no credentials are passed to the connection, so
// PUBSUB_PASSWORD is not used.
type Config struct {
	URL           string
	Stream        string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	AckWait       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "MARKER_EVENTS"
	}
	if c.Subject == "" {
		c.Subject = "markers.>"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // retry forever, matching the service's at-least-once delivery goal
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
	return c
}

// Consumer is a durable JetStream subscriber over the upstream change feed.
type Consumer struct {
	cfg     Config
	log     *logging.Logger
	applier Applier

	nc  *nats.Conn
	js  nats.JetStreamContext
	sub *nats.Subscription

	consumed uint64
	dropped  uint64
}

// New connects to NATS and ensures the target stream exists, mirroring
// NewJetStreamBus's connect-then-ensure-stream sequence.
func New(cfg Config, applier Applier, log *logging.Logger) (*Consumer, error) {
	cfg = cfg.withDefaults()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("pubsub: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("pubsub: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("pubsub: connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pubsub: jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("pubsub: ensure stream: %w", err)
		}
	}

	return &Consumer{cfg: cfg, log: log, applier: applier, nc: nc, js: js}, nil
}

// Start subscribes with a durable consumer and begins applying change
// events. Cancelling ctx unsubscribes and drains the connection.
func (c *Consumer) Start(ctx context.Context) error {
	durable := fmt.Sprintf("markerserver_%d", time.Now().UnixNano())

	sub, err := c.js.Subscribe(c.cfg.Subject, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	}, nats.Durable(durable), nats.ManualAck(), nats.AckWait(c.cfg.AckWait))
	if err != nil {
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}
	c.sub = sub

	go func() {
		<-ctx.Done()
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		_ = c.nc.Drain()
	}()

	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	c.handleForTest(ctx, msg.Data)
	_ = msg.Ack()
}

// handleForTest contains the decode/apply logic with no *nats.Msg
// dependency so it can be exercised directly by unit tests.
func (c *Consumer) handleForTest(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("pubsub: malformed message ignored: %v", err)
		atomic.AddUint64(&c.dropped, 1)
		return
	}

	kind, ok := normalizeOperation(env.Operation)
	if !ok {
		c.log.Warn("pubsub: unknown operation %q ignored", env.Operation)
		atomic.AddUint64(&c.dropped, 1)
		return
	}

	if kind != marker.Deleted && !env.Record.HasCoordinate() {
		c.log.Warn("pubsub: record id=%s missing location, skipped", env.Record.ID)
		atomic.AddUint64(&c.dropped, 1)
		return
	}

	var lng, lat float64
	if env.Record.HasCoordinate() {
		lng, lat = env.Record.Lng(), env.Record.Lat()
	}

	_, err := c.applier.Apply(ctx, kind, env.Record.ID, lng, lat, env.Record.Attributes)
	if err != nil {
		c.log.Error("pubsub: apply failed for id=%s: %v", env.Record.ID, err)
		atomic.AddUint64(&c.dropped, 1)
		return
	}

	atomic.AddUint64(&c.consumed, 1)
}

func normalizeOperation(op Operation) (marker.ChangeKind, bool) {
	switch op {
	case OpCreate, OpInsert:
		return marker.Created, true
	case OpUpdate:
		return marker.Updated, true
	case OpDelete:
		return marker.Deleted, true
	default:
		return "", false
	}
}

// Stats reports consumer counters, sampled by observability.ServerMetrics.
type Stats struct {
	Consumed uint64
	Dropped  uint64
}

func (c *Consumer) Metrics() Stats {
	return Stats{
		Consumed: atomic.LoadUint64(&c.consumed),
		Dropped:  atomic.LoadUint64(&c.dropped),
	}
}
