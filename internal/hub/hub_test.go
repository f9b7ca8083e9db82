package hub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/marker"
	"github.com/annel0/mmo-game/internal/router"
	"github.com/annel0/mmo-game/internal/session"
	"github.com/annel0/mmo-game/internal/spatialindex"
	"github.com/annel0/mmo-game/internal/wire"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("hub-test")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func newHub(t *testing.T) (*Hub, *spatialindex.Tree, *marker.Store, *router.Router) {
	t.Helper()
	idx := spatialindex.New()
	store := marker.NewStore()
	r := router.New()
	return New(idx, store, r, testLogger(t)), idx, store, r
}

func TestHub_Apply_CreateKeepsIndexAndStoreConsistent(t *testing.T) {
	h, idx, store, _ := newHub(t)

	ev, err := h.Apply(context.Background(), marker.Created, "a", 10, 20, nil)
	require.NoError(t, err)
	assert.Equal(t, marker.Created, ev.Kind)
	assert.Equal(t, uint64(1), ev.Version)

	_, inStore := store.Get("a")
	assert.True(t, inStore)
	points := idx.Search(spatialindex.Rect{MinLng: 9, MinLat: 19, MaxLng: 11, MaxLat: 21})
	require.Len(t, points, 1)
	assert.Equal(t, "a", points[0].ID)
}

func TestHub_Apply_SecondCreateBecomesUpdate(t *testing.T) {
	h, idx, store, _ := newHub(t)

	_, err := h.Apply(context.Background(), marker.Created, "a", 10, 20, nil)
	require.NoError(t, err)
	ev, err := h.Apply(context.Background(), marker.Created, "a", 11, 21, nil)
	require.NoError(t, err)

	assert.Equal(t, marker.Updated, ev.Kind)
	assert.Equal(t, uint64(2), ev.Version)
	m, _ := store.Get("a")
	assert.Equal(t, 11.0, m.Coordinate.Lng)

	assert.Empty(t, idx.Search(spatialindex.Rect{MinLng: 9, MinLat: 19, MaxLng: 10.5, MaxLat: 20.5}))
}

func TestHub_Apply_DeleteRemovesFromBoth(t *testing.T) {
	h, idx, store, _ := newHub(t)

	_, err := h.Apply(context.Background(), marker.Created, "a", 10, 20, nil)
	require.NoError(t, err)

	ev, err := h.Apply(context.Background(), marker.Deleted, "a", 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, marker.Deleted, ev.Kind)

	_, inStore := store.Get("a")
	assert.False(t, inStore)
	assert.Equal(t, 0, idx.Len())
}

func TestHub_Apply_DeleteOfUnknownIDIsNoop(t *testing.T) {
	h, _, _, _ := newHub(t)
	ev, err := h.Apply(context.Background(), marker.Deleted, "missing", 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, marker.ChangeEvent{}, ev)
}

func TestHub_Apply_RejectsInvalidCoordinate(t *testing.T) {
	h, _, _, _ := newHub(t)
	_, err := h.Apply(context.Background(), marker.Created, "a", 1000, 20, nil)
	assert.Error(t, err)
}

func TestHub_OnViewportUpdate_SendsInitialMarkers(t *testing.T) {
	h, _, _, r := newHub(t)

	_, err := h.Apply(context.Background(), marker.Created, "a", 10, 10, nil)
	require.NoError(t, err)

	s := session.New("c1", "inst-1", 16)
	r.Register(s)

	h.OnViewportUpdate(s, wire.ViewportPayload{Viewport: struct {
		North float64 `json:"north"`
		South float64 `json:"south"`
		East  float64 `json:"east"`
		West  float64 `json:"west"`
	}{North: 20, South: 0, East: 20, West: 0}})

	frame := <-s.Outbound
	env, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeInitialMarkers, env.Type)

	var payload wire.InitialMarkersPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "a", payload.Data[0].ID)
}

func TestHub_OnViewportUpdate_SendsErrorOnAntimeridian(t *testing.T) {
	h, _, _, r := newHub(t)
	s := session.New("c1", "inst-1", 16)
	r.Register(s)

	h.OnViewportUpdate(s, wire.ViewportPayload{Viewport: struct {
		North float64 `json:"north"`
		South float64 `json:"south"`
		East  float64 `json:"east"`
		West  float64 `json:"west"`
	}{North: 10, South: -10, East: -170, West: 170}})

	frame := <-s.Outbound
	env, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeError, env.Type)
}

func TestHub_ApplyThenRoute_DeliversToConnectedSession(t *testing.T) {
	h, _, _, r := newHub(t)
	s := session.New("c1", "inst-1", 16)
	r.Register(s)
	_, err := s.ApplyViewportUpdate(h.index, h.store, 90, -90, 180, -180)
	require.NoError(t, err)

	_, err = h.Apply(context.Background(), marker.Created, "a", 1, 2, nil)
	require.NoError(t, err)

	pending := s.DrainPending()
	require.Len(t, pending, 1)
	assert.Equal(t, marker.Created, pending["a"].Kind)
}
