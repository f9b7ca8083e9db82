package router

import (
	"github.com/annel0/mmo-game/internal/marker"
	"github.com/annel0/mmo-game/internal/spatialindex"
)

func newTestIndex() *spatialindex.Tree {
	return spatialindex.New()
}

func newTestStore() *marker.Store {
	return marker.NewStore()
}
