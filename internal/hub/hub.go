// Package hub is the composition root: it owns the spatial index and
// marker store pair as a single writer-locked unit, applies normalized
// changes from the Pub/Sub Consumer and Hydrator through one shared path
// (§3 "index and store are mutated together under one write lock"), and
// implements the Connection Manager's Handler interface to bridge
// websocket lifecycle events into the Viewport Tracker and Delta Router.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/marker"
	"github.com/annel0/mmo-game/internal/router"
	"github.com/annel0/mmo-game/internal/session"
	"github.com/annel0/mmo-game/internal/spatialindex"
	"github.com/annel0/mmo-game/internal/wire"
)

// Hub is the single mutation point for the spatial index + marker store
// pair, and the fan-out point for applied changes.
type Hub struct {
	mu     sync.Mutex
	index  *spatialindex.Tree
	store  *marker.Store
	router *router.Router
	log    *logging.Logger
}

func New(index *spatialindex.Tree, store *marker.Store, r *router.Router, log *logging.Logger) *Hub {
	return &Hub{index: index, store: store, router: r, log: log}
}

// Apply upserts or deletes a marker under the write lock, keeping the
// index and store consistent (invariant 1), and fans out the resulting
// ChangeEvent to every connected session via the Delta Router. The version
// is never taken from the caller: per the DATA MODEL, it is assigned here,
// on each ingestion, as the next value after the id's current version
// (invariant 4, per-id monotonicity).
func (h *Hub) Apply(ctx context.Context, kind marker.ChangeKind, id string, lng, lat float64, attrs map[string]interface{}) (marker.ChangeEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prevMarker, existed := h.store.Get(id)

	if kind == marker.Deleted {
		if !existed {
			return marker.ChangeEvent{}, nil
		}
		h.index.Remove(id)
		h.store.Delete(id)
		ev := marker.ChangeEvent{Kind: marker.Deleted, ID: id, Prev: &prevMarker, Version: prevMarker.Version + 1}
		h.router.Route(ev)
		return ev, nil
	}

	version := prevMarker.Version + 1

	next := marker.Marker{ID: id, Coordinate: marker.Coordinate{Lng: lng, Lat: lat}, Attributes: attrs, Version: version}
	if !next.Coordinate.Valid() {
		return marker.ChangeEvent{}, fmt.Errorf("hub: invalid coordinate for id=%s: %+v", id, next.Coordinate)
	}

	effectiveKind := kind
	if existed {
		effectiveKind = marker.Updated
		if err := h.index.Replace(id, lng, lat); err != nil {
			return marker.ChangeEvent{}, fmt.Errorf("hub: replace in index: %w", err)
		}
	} else {
		effectiveKind = marker.Created
		if err := h.index.Insert(id, lng, lat); err != nil {
			return marker.ChangeEvent{}, fmt.Errorf("hub: insert into index: %w", err)
		}
	}
	h.store.Put(next)

	ev := marker.ChangeEvent{Kind: effectiveKind, ID: id, Next: &next, Version: version}
	if existed {
		ev.Prev = &prevMarker
	}
	h.router.Route(ev)
	return ev, nil
}

// Delete removes a marker if present, used by the Hydrator's diff pass
// for ids no longer present upstream.
func (h *Hub) Delete(ctx context.Context, id string) (marker.ChangeEvent, error) {
	return h.Apply(ctx, marker.Deleted, id, 0, 0, nil)
}

// Snapshot returns the full current marker set, for the Hydrator's diff.
func (h *Hub) Snapshot() map[string]marker.Marker {
	return h.store.Snapshot()
}

// OnConnect registers a new session with the Delta Router (connmanager.Handler).
func (h *Hub) OnConnect(s *session.Session) {
	h.router.Register(s)
}

// OnDisconnect removes a session from the Delta Router (connmanager.Handler).
func (h *Hub) OnDisconnect(s *session.Session) {
	h.router.Unregister(s)
}

// OnViewportUpdate runs the Viewport Tracker against the current index and
// store, and enqueues an initial_markers frame (or an error frame) for the
// session (connmanager.Handler, §4.F).
func (h *Hub) OnViewportUpdate(s *session.Session, p wire.ViewportPayload) {
	visible, err := s.ApplyViewportUpdate(h.index, h.store, p.Viewport.North, p.Viewport.South, p.Viewport.East, p.Viewport.West)
	if err != nil {
		frame, encErr := wire.Encode(wire.TypeError, wire.ErrorPayload{Message: err.Error()})
		if encErr == nil {
			s.TrySend(frame)
		}
		return
	}

	wireMarkers := make([]wire.MarkerWire, 0, len(visible))
	for _, m := range visible {
		wireMarkers = append(wireMarkers, wire.ToMarkerWire(m))
	}

	frame, err := wire.Encode(wire.TypeInitialMarkers, wire.InitialMarkersPayload{Data: wireMarkers})
	if err != nil {
		h.log.Error("hub: encode initial_markers failed for session %s: %v", s.ID, err)
		return
	}
	s.TrySend(frame)
}
