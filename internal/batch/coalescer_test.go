package batch

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

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
	log, err := logging.New("batch-test")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func sessionWithViewport(t *testing.T, outboundCap int) *session.Session {
	t.Helper()
	idx := spatialindex.New()
	store := marker.NewStore()
	s := session.New("c1", "inst-1", outboundCap)
	_, err := s.ApplyViewportUpdate(idx, store, 90, -90, 180, -180)
	require.NoError(t, err)
	return s
}

func TestCoalescer_FlushOne_SendsMarkerUpdatesBatch(t *testing.T) {
	r := router.New()
	s := sessionWithViewport(t, 16)
	r.Register(s)

	m := marker.Marker{ID: "a", Coordinate: marker.Coordinate{Lng: 1, Lat: 2}}
	r.Route(marker.ChangeEvent{Kind: marker.Created, ID: "a", Next: &m})

	c := New(r, time.Hour, testLogger(t))
	c.flushOne(s)

	select {
	case frame := <-s.Outbound:
		env, err := wire.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, wire.TypeMarkerUpdatesBatch, env.Type)

		var payload wire.MarkerUpdatesBatchPayload
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		require.Len(t, payload.Created, 1)
		assert.Equal(t, "a", payload.Created[0].ID)
	default:
		t.Fatal("expected a frame on the outbound channel")
	}
}

func TestCoalescer_FlushOne_NoOpWhenNothingPending(t *testing.T) {
	r := router.New()
	s := sessionWithViewport(t, 16)
	r.Register(s)

	c := New(r, time.Hour, testLogger(t))
	c.flushOne(s)

	assert.Empty(t, s.Outbound)
}

func TestCoalescer_FlushOne_SendsLargePayloadUncompressed(t *testing.T) {
	r := router.New()
	s := sessionWithViewport(t, 16)
	r.Register(s)

	bigAttrs := map[string]interface{}{"blob": string(bytes.Repeat([]byte("x"), 4096))}
	for i := 0; i < 3; i++ {
		m := marker.Marker{ID: string(rune('a' + i)), Coordinate: marker.Coordinate{Lng: 1, Lat: 2}, Attributes: bigAttrs}
		r.Route(marker.ChangeEvent{Kind: marker.Created, ID: m.ID, Next: &m})
	}

	c := New(r, time.Hour, testLogger(t))
	c.flushOne(s)

	frame := <-s.Outbound
	assert.Greater(t, len(frame), 4096)

	env, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeMarkerUpdatesBatch, env.Type)
}

func TestCoalescer_FlushOne_RequestsCloseWhenQueueFull(t *testing.T) {
	r := router.New()
	s := sessionWithViewport(t, 0)
	r.Register(s)

	m := marker.Marker{ID: "a", Coordinate: marker.Coordinate{Lng: 1, Lat: 2}}
	r.Route(marker.ChangeEvent{Kind: marker.Created, ID: "a", Next: &m})

	c := New(r, time.Hour, testLogger(t))
	c.flushOne(s)

	select {
	case <-s.CloseSignal():
	default:
		t.Fatal("expected RequestClose to have been called")
	}
}

func TestCoalescer_StartStop_PerformsFinalFlush(t *testing.T) {
	r := router.New()
	s := sessionWithViewport(t, 16)
	r.Register(s)

	m := marker.Marker{ID: "a", Coordinate: marker.Coordinate{Lng: 1, Lat: 2}}
	r.Route(marker.ChangeEvent{Kind: marker.Created, ID: "a", Next: &m})

	c := New(r, time.Hour, testLogger(t))
	c.Start()
	c.Stop()

	assert.NotEmpty(t, s.Outbound)
}
