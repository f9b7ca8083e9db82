// Package hydrate implements the Hydrator (component D): a periodic HTTP
// poll of the upstream "events" API that diffs the fetched snapshot against
// the marker Store and emits synthetic CREATE/UPDATE/DELETE change events
// through the same Applier the pubsub Consumer uses. The retry-with-backoff
// request loop generalizes the teacher's
// OutboundWebhookManager.sendWebhook attempt loop.
package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"reflect"
	"time"

	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/marker"
)

// Applier is the write path shared with pubsub.Consumer. Version is not an
// input: per the DATA MODEL, the version is assigned by the write path
// itself on each ingestion.
type Applier interface {
	Apply(ctx context.Context, kind marker.ChangeKind, id string, lng, lat float64, attrs map[string]interface{}) (marker.ChangeEvent, error)
	Snapshot() map[string]marker.Marker
	Delete(ctx context.Context, id string) (marker.ChangeEvent, error)
}

// upstreamLocation is the upstream "location.coordinates:[lng,lat]" shape (§6).
type upstreamLocation struct {
	Coordinates [2]float64 `json:"coordinates"`
}

// upstreamRecord is the shape of one item returned by the events API: id,
// location.coordinates:[lng,lat], and attribute fields (§6). It carries no
// version field — the upstream API is not versioned.
type upstreamRecord struct {
	ID         string                 `json:"id"`
	Location   *upstreamLocation      `json:"location"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// HasCoordinate reports whether the record carries a usable location, per
// §4.D step 2 / §7's "malformed upstream record: skip the record; log at warn."
func (r upstreamRecord) HasCoordinate() bool {
	return r.Location != nil
}

func (r upstreamRecord) Coordinate() marker.Coordinate {
	return marker.Coordinate{Lng: r.Location.Coordinates[0], Lat: r.Location.Coordinates[1]}
}

// Config configures the Hydrator (UPSTREAM_EVENTS_URL, HYDRATE_RETRIES, §6).
type Config struct {
	EventsURL string
	Interval  time.Duration
	Retries   int
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Hydrator periodically reconciles the marker Store against the upstream
// events API, as a fallback/bootstrap path alongside the pubsub Consumer.
type Hydrator struct {
	cfg     Config
	client  *http.Client
	log     *logging.Logger
	applier Applier
}

func New(cfg Config, applier Applier, log *logging.Logger) *Hydrator {
	cfg = cfg.withDefaults()
	return &Hydrator{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log,
		applier: applier,
	}
}

// Run blocks, polling on cfg.Interval until ctx is cancelled. It performs
// one immediate poll before the first tick so a cold start is hydrated
// without waiting a full interval.
func (h *Hydrator) Run(ctx context.Context) {
	if err := h.poll(ctx); err != nil {
		h.log.Error("hydrate: initial poll failed: %v", err)
	}

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.poll(ctx); err != nil {
				h.log.Error("hydrate: poll failed: %v", err)
			}
		}
	}
}

func (h *Hydrator) poll(ctx context.Context) error {
	records, err := h.fetchWithRetry(ctx)
	if err != nil {
		return err
	}

	upstream := make(map[string]upstreamRecord, len(records))
	for _, r := range records {
		if !r.HasCoordinate() {
			h.log.Warn("hydrate: record id=%s missing location, skipped", r.ID)
			continue
		}
		upstream[r.ID] = r
	}

	current := h.applier.Snapshot()

	for id, r := range upstream {
		coord := r.Coordinate()
		existing, exists := current[id]
		switch {
		case !exists:
			if _, err := h.applier.Apply(ctx, marker.Created, id, coord.Lng, coord.Lat, r.Attributes); err != nil {
				h.log.Warn("hydrate: create apply failed for id=%s: %v", id, err)
			}
		case !coord.Equal(existing.Coordinate) || !reflect.DeepEqual(r.Attributes, existing.Attributes):
			if _, err := h.applier.Apply(ctx, marker.Updated, id, coord.Lng, coord.Lat, r.Attributes); err != nil {
				h.log.Warn("hydrate: update apply failed for id=%s: %v", id, err)
			}
		}
	}

	for id := range current {
		if _, stillPresent := upstream[id]; !stillPresent {
			if _, err := h.applier.Delete(ctx, id); err != nil {
				h.log.Warn("hydrate: delete apply failed for id=%s: %v", id, err)
			}
		}
	}

	return nil
}

// fetchWithRetry performs the GET with exponential backoff plus jitter,
// generalizing OutboundWebhookManager.sendWebhook's attempt loop to a
// read path.
func (h *Hydrator) fetchWithRetry(ctx context.Context) ([]upstreamRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= h.cfg.Retries; attempt++ {
		records, err := h.fetchOnce(ctx)
		if err == nil {
			return records, nil
		}
		lastErr = err
		h.log.Warn("hydrate: attempt %d/%d failed: %v", attempt+1, h.cfg.Retries+1, err)
		if attempt < h.cfg.Retries {
			backoff := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return nil, fmt.Errorf("hydrate: fetch failed after %d attempts: %w", h.cfg.Retries+1, lastErr)
}

func (h *Hydrator) fetchOnce(ctx context.Context) ([]upstreamRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.EventsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var records []upstreamRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return records, nil
}
