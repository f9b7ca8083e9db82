// Package wire implements the client-facing wire protocol (component I):
// UTF-8 JSON frames tagged by "type", generalizing the teacher's
// network.Message/JSON*Request taxonomy into a sum type discriminated on
// a single field, per the distilled spec's design notes.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/annel0/mmo-game/internal/marker"
)

type Type string

const (
	TypeViewportUpdate        Type = "viewport_update"
	TypePing                  Type = "ping"
	TypeConnectionEstablished Type = "connection_established"
	TypeInitialMarkers        Type = "initial_markers"
	TypeMarkerCreated         Type = "marker_created"
	TypeMarkerUpdated         Type = "marker_updated"
	TypeMarkerDeleted         Type = "marker_deleted"
	TypeMarkerUpdatesBatch    Type = "marker_updates_batch"
	TypeDebugEvent            Type = "debug_event"
	TypeError                 Type = "error"
)

// Envelope is the outer frame every wire message is encoded as.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarkerWire is the over-the-wire shape of a Marker: coordinate as [lng, lat].
type MarkerWire struct {
	ID         string                 `json:"id"`
	Coordinate [2]float64             `json:"coordinate"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func ToMarkerWire(m marker.Marker) MarkerWire {
	return MarkerWire{
		ID:         m.ID,
		Coordinate: [2]float64{m.Coordinate.Lng, m.Coordinate.Lat},
		Attributes: m.Attributes,
	}
}

// ViewportPayload is the payload of an inbound viewport_update message.
// Field names follow the distilled spec's external protocol table (§6),
// which names north/south/east/west rather than the internal min/max naming.
type ViewportPayload struct {
	Viewport struct {
		North float64 `json:"north"`
		South float64 `json:"south"`
		East  float64 `json:"east"`
		West  float64 `json:"west"`
	} `json:"viewport"`
}

type ConnectionEstablishedPayload struct {
	ClientID   string `json:"clientId"`
	InstanceID string `json:"instanceId"`
}

type InitialMarkersPayload struct {
	Data []MarkerWire `json:"data"`
}

type MarkerUpdatesBatchPayload struct {
	Created   []MarkerWire `json:"created"`
	Updated   []MarkerWire `json:"updated"`
	Deleted   []string     `json:"deleted"`
	Timestamp int64        `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type DebugEventPayload struct {
	Data map[string]interface{} `json:"data"`
}

// Encode marshals a typed payload into a framed Envelope's bytes.
func Encode(t Type, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode splits a raw frame into its type and raw payload for further
// type-specific unmarshaling. Unknown message types are not an error here;
// callers ignore what they don't recognize per the distilled spec's
// "unknown variants are ignored on ingress" design note.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env, nil
}

func DecodeViewportUpdate(env Envelope) (ViewportPayload, error) {
	var p ViewportPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("wire: decode viewport_update: %w", err)
	}
	return p, nil
}
