package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-game/internal/marker"
)

func TestToMarkerWire_OrdersCoordinateAsLngLat(t *testing.T) {
	m := marker.Marker{ID: "a", Coordinate: marker.Coordinate{Lng: 10, Lat: 20}}
	w := ToMarkerWire(m)
	assert.Equal(t, [2]float64{10, 20}, w.Coordinate)
}

func TestEncodeDecode_RoundTrips(t *testing.T) {
	frame, err := Encode(TypeInitialMarkers, InitialMarkersPayload{
		Data: []MarkerWire{{ID: "a", Coordinate: [2]float64{1, 2}}},
	})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeInitialMarkers, env.Type)

	var payload InitialMarkersPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "a", payload.Data[0].ID)
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestDecodeViewportUpdate_ParsesBounds(t *testing.T) {
	frame, err := Encode(TypeViewportUpdate, map[string]interface{}{
		"viewport": map[string]float64{"north": 10, "south": -10, "east": 20, "west": -20},
	})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)

	p, err := DecodeViewportUpdate(env)
	require.NoError(t, err)
	assert.Equal(t, 10.0, p.Viewport.North)
	assert.Equal(t, -20.0, p.Viewport.West)
}
