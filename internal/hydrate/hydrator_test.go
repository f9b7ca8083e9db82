package hydrate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/marker"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied []marker.ChangeEvent
	deleted []string
	store   map[string]marker.Marker
}

func newFakeApplier(initial map[string]marker.Marker) *fakeApplier {
	return &fakeApplier{store: initial}
}

func (f *fakeApplier) Apply(ctx context.Context, kind marker.ChangeKind, id string, lng, lat float64, attrs map[string]interface{}) (marker.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := marker.ChangeEvent{Kind: kind, ID: id}
	f.applied = append(f.applied, ev)
	prev := f.store[id]
	f.store[id] = marker.Marker{ID: id, Coordinate: marker.Coordinate{Lng: lng, Lat: lat}, Attributes: attrs, Version: prev.Version + 1}
	return ev, nil
}

func (f *fakeApplier) Delete(ctx context.Context, id string) (marker.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.store, id)
	return marker.ChangeEvent{Kind: marker.Deleted, ID: id}, nil
}

func (f *fakeApplier) Snapshot() map[string]marker.Marker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]marker.Marker, len(f.store))
	for k, v := range f.store {
		out[k] = v
	}
	return out
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("hydrate-test")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestHydrator_Poll_CreatesMissingMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]upstreamRecord{{ID: "a", Location: &upstreamLocation{Coordinates: [2]float64{1, 2}}}})
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{})
	h := New(Config{EventsURL: srv.URL}, applier, testLogger(t))

	require.NoError(t, h.poll(context.Background()))

	require.Len(t, applier.applied, 1)
	assert.Equal(t, marker.Created, applier.applied[0].Kind)
}

func TestHydrator_Poll_UpdatesOnChangedCoordinate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]upstreamRecord{{ID: "a", Location: &upstreamLocation{Coordinates: [2]float64{5, 6}}}})
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{
		"a": {ID: "a", Coordinate: marker.Coordinate{Lng: 1, Lat: 2}, Version: 1},
	})
	h := New(Config{EventsURL: srv.URL}, applier, testLogger(t))

	require.NoError(t, h.poll(context.Background()))

	require.Len(t, applier.applied, 1)
	assert.Equal(t, marker.Updated, applier.applied[0].Kind)
}

func TestHydrator_Poll_UpdatesOnChangedAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]upstreamRecord{{
			ID:         "a",
			Location:   &upstreamLocation{Coordinates: [2]float64{1, 2}},
			Attributes: map[string]interface{}{"label": "new"},
		}})
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{
		"a": {ID: "a", Coordinate: marker.Coordinate{Lng: 1, Lat: 2}, Attributes: map[string]interface{}{"label": "old"}, Version: 1},
	})
	h := New(Config{EventsURL: srv.URL}, applier, testLogger(t))

	require.NoError(t, h.poll(context.Background()))

	require.Len(t, applier.applied, 1)
	assert.Equal(t, marker.Updated, applier.applied[0].Kind)
}

func TestHydrator_Poll_SkipsUnchangedRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]upstreamRecord{{ID: "a", Location: &upstreamLocation{Coordinates: [2]float64{1, 2}}}})
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{
		"a": {ID: "a", Coordinate: marker.Coordinate{Lng: 1, Lat: 2}, Version: 1},
	})
	h := New(Config{EventsURL: srv.URL}, applier, testLogger(t))

	require.NoError(t, h.poll(context.Background()))

	assert.Empty(t, applier.applied)
}

func TestHydrator_Poll_SkipsRecordMissingLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]upstreamRecord{{ID: "a"}})
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{})
	h := New(Config{EventsURL: srv.URL}, applier, testLogger(t))

	require.NoError(t, h.poll(context.Background()))

	assert.Empty(t, applier.applied)
}

func TestHydrator_Poll_DeletesMissingFromUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]upstreamRecord{})
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{
		"a": {ID: "a", Coordinate: marker.Coordinate{Lng: 1, Lat: 2}, Version: 1},
	})
	h := New(Config{EventsURL: srv.URL}, applier, testLogger(t))

	require.NoError(t, h.poll(context.Background()))

	assert.Equal(t, []string{"a"}, applier.deleted)
}

func TestHydrator_FetchWithRetry_EventuallySucceeds(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]upstreamRecord{{ID: "a", Location: &upstreamLocation{Coordinates: [2]float64{1, 2}}}})
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{})
	h := New(Config{EventsURL: srv.URL, Retries: 5}, applier, testLogger(t))

	records, err := h.fetchWithRetry(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 3, attempts)
}

func TestHydrator_FetchWithRetry_FailsAfterExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{})
	h := New(Config{EventsURL: srv.URL, Retries: 1}, applier, testLogger(t))

	_, err := h.fetchWithRetry(context.Background())
	assert.Error(t, err)
}

func TestHydrator_Run_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]upstreamRecord{})
	}))
	defer srv.Close()

	applier := newFakeApplier(map[string]marker.Marker{})
	h := New(Config{EventsURL: srv.URL, Interval: 10 * time.Millisecond}, applier, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
