package session

import (
	"github.com/annel0/mmo-game/internal/marker"
	"github.com/annel0/mmo-game/internal/spatialindex"
)

// Index is the subset of spatialindex.Tree the Viewport Tracker needs,
// narrowed so this package does not otherwise couple to the concrete type.
type Index interface {
	Search(bbox spatialindex.Rect) []spatialindex.Point
}

// Store is the subset of marker.Store the Viewport Tracker needs.
type Store interface {
	Get(id string) (marker.Marker, bool)
}

// ApplyViewportUpdate validates and stores a new viewport, runs it against
// the spatial index, and returns the full set of markers now visible, per
// §4.F:
//
//  1. validate and store the viewport
//  2. search the index for the new bounding box
//  3. no added/removed diff against lastSeen is computed: the caller emits
//     initial_markers unconditionally, carrying the full visible set
//  4. replace lastSeen with the new visible set and clear pendingOps: the
//     initial_markers frame the caller is about to send makes every pending
//     op against the old viewport stale, for ids that fell out of view and
//     for ids that are visible again alike (otherwise a stale pending
//     "deleted" for an id the client was just re-shown as present would
//     survive to the next batch flush)
func (s *Session) ApplyViewportUpdate(idx Index, store Store, north, south, east, west float64) ([]marker.Marker, error) {
	vp, err := NewViewport(north, south, east, west)
	if err != nil {
		return nil, err
	}

	points := idx.Search(vp.Rect())
	visible := make([]marker.Marker, 0, len(points))
	visibleIDs := make(map[string]struct{}, len(points))
	for _, p := range points {
		if m, ok := store.Get(p.ID); ok {
			visible = append(visible, m)
			visibleIDs[p.ID] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = &vp
	s.lastSeen = visibleIDs
	s.pendingOps = make(map[string]PendingOp)

	return visible, nil
}
