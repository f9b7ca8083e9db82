package spatialindex

import "math"

// Rect is an axis-aligned bounding rectangle in (lng, lat) space.
type Rect struct {
	MinLng, MinLat, MaxLng, MaxLat float64
}

func pointRect(lng, lat float64) Rect {
	return Rect{MinLng: lng, MinLat: lat, MaxLng: lng, MaxLat: lat}
}

func (r Rect) area() float64 {
	return (r.MaxLng - r.MinLng) * (r.MaxLat - r.MinLat)
}

// expand returns the smallest rect containing both r and other.
func (r Rect) expand(other Rect) Rect {
	return Rect{
		MinLng: math.Min(r.MinLng, other.MinLng),
		MinLat: math.Min(r.MinLat, other.MinLat),
		MaxLng: math.Max(r.MaxLng, other.MaxLng),
		MaxLat: math.Max(r.MaxLat, other.MaxLat),
	}
}

// enlargement is the area growth incurred by expanding r to cover other.
func (r Rect) enlargement(other Rect) float64 {
	return r.expand(other).area() - r.area()
}

func (r Rect) intersects(other Rect) bool {
	return r.MinLng <= other.MaxLng && r.MaxLng >= other.MinLng &&
		r.MinLat <= other.MaxLat && r.MaxLat >= other.MinLat
}

func (r Rect) containsPoint(lng, lat float64) bool {
	return lng >= r.MinLng && lng <= r.MaxLng && lat >= r.MinLat && lat <= r.MaxLat
}
