// Package tile provides web mercator tile addressing, source pixel windows
// and bounding box intersection tests.
package tile

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Size is the edge length in pixels of a native tile.
const Size = 256

// MaxZoom is the deepest zoom level addressable by a Tile.
const MaxZoom = 30

// Tile addresses a square in the web mercator tiling scheme.
// Y grows southward within a zoom level.
type Tile struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// New returns the tile z/x/y.
func New(z, x, y int) Tile {
	return Tile{Z: z, X: x, Y: y}
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Valid reports whether t exists in the tiling scheme.
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	n := 1 << t.Z
	return t.X >= 0 && t.Y >= 0 && t.X < n && t.Y < n
}

// BoundingBox is a WGS84 lon/lat rectangle.
type BoundingBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

// Valid reports whether b has west < east and south < north.
func (b BoundingBox) Valid() bool {
	return b.West < b.East && b.South < b.North
}

// Bound returns b as an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// MarshalJSON encodes b as [west, south, east, north].
func (b BoundingBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.West, b.South, b.East, b.North})
}

// UnmarshalJSON decodes [west, south, east, north].
func (b *BoundingBox) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bounds: %w", err)
	}
	if len(v) != 4 {
		return fmt.Errorf("bounds: expected 4 values, got %d", len(v))
	}
	*b = BoundingBox{West: v[0], South: v[1], East: v[2], North: v[3]}
	return nil
}

// Bounds returns the WGS84 bounding box of t.
func Bounds(t Tile) BoundingBox {
	bound := maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z)).Bound()
	return BoundingBox{
		West:  bound.Min.Lon(),
		South: bound.Min.Lat(),
		East:  bound.Max.Lon(),
		North: bound.Max.Lat(),
	}
}

// maxLat is just inside the latitude limit of web mercator.
const maxLat = 85.0511287

// At returns the tile at zoom z containing the point lon/lat. Points past
// the edges of the projection snap to the first or last row or column.
func At(lon, lat float64, z int) Tile {
	lon = math.Max(-180, math.Min(lon, math.Nextafter(180, 0)))
	lat = math.Max(-maxLat, math.Min(lat, maxLat))
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(z))

	last := 1<<uint(z) - 1
	return Tile{Z: z, X: min(int(t.X), last), Y: min(int(t.Y), last)}
}

// Intersects reports whether a and b overlap. Boxes that only share an
// edge do not intersect.
func Intersects(a, b BoundingBox) bool {
	return !(a.West >= b.East || a.East <= b.West || a.North <= b.South || a.South >= b.North)
}

// Range is a half-open interval of pixel offsets.
type Range struct {
	Start float64
	Stop  float64
}

// Len returns the length of r, never negative.
func (r Range) Len() float64 {
	return math.Max(r.Stop-r.Start, 0)
}

// Window is a rectangle of source pixels. Offsets may be fractional when a
// tile is requested past the source's native resolution.
type Window struct {
	Rows Range
	Cols Range
}

// Width returns the window width in source pixels.
func (w Window) Width() float64 { return w.Cols.Len() }

// Height returns the window height in source pixels.
func (w Window) Height() float64 { return w.Rows.Len() }

// Empty reports whether w covers no area.
func (w Window) Empty() bool {
	return w.Width() == 0 || w.Height() == 0
}

func (w Window) String() string {
	return fmt.Sprintf("rows [%g, %g) cols [%g, %g)", w.Rows.Start, w.Rows.Stop, w.Cols.Start, w.Cols.Stop)
}

// WindowFor maps t to the pixel window it covers in a source whose native
// pyramid aligns with the tile grid at sourceZoom. Row 0 is the top of the
// grid, matching raster row order.
func WindowFor(sourceZoom int, t Tile) Window {
	factor := math.Ldexp(1, sourceZoom-t.Z)

	x := factor * float64(t.X)
	y := factor * float64(t.Y)
	span := float64(Size) * factor

	// Tile rows already count down from the north edge, so they map
	// directly onto raster rows without flipping.
	return Window{
		Rows: Range{Start: Size * y, Stop: Size*y + span},
		Cols: Range{Start: Size * x, Stop: Size*x + span},
	}
}
