package tile

import (
	"encoding/json"
	"math"
	"testing"
)

func TestWindowFor_SameZoom(t *testing.T) {
	tl := New(10, 163, 395)
	w := WindowFor(10, tl)

	want := Window{
		Rows: Range{Start: 256 * 395, Stop: 256*395 + 256},
		Cols: Range{Start: 256 * 163, Stop: 256*163 + 256},
	}
	if w != want {
		t.Fatalf("unexpected window: got %v want %v", w, want)
	}
	if w.Width() != 256 || w.Height() != 256 {
		t.Fatalf("expected 256x256 window, got %gx%g", w.Width(), w.Height())
	}
}

func TestWindowFor_ZoomedOut(t *testing.T) {
	// Two zooms above the source: the tile spans 4x4 native tiles.
	w := WindowFor(12, New(10, 3, 5))

	if w.Cols.Start != 256*12 || w.Cols.Stop != 256*16 {
		t.Fatalf("unexpected cols: %v", w)
	}
	if w.Rows.Start != 256*20 || w.Rows.Stop != 256*24 {
		t.Fatalf("unexpected rows: %v", w)
	}
}

func TestWindowFor_ZoomedIn(t *testing.T) {
	// One zoom past the source: the tile covers a quarter of a native tile.
	w := WindowFor(10, New(11, 7, 9))

	if w.Width() != 128 || w.Height() != 128 {
		t.Fatalf("expected 128x128 window, got %gx%g", w.Width(), w.Height())
	}
	if w.Cols.Start != 3.5*256 || w.Rows.Start != 4.5*256 {
		t.Fatalf("unexpected offsets: %v", w)
	}

	// Three zooms past: fractional tile indices.
	w = WindowFor(10, New(13, 1, 1))
	if w.Cols.Start != 32 || w.Cols.Stop != 64 {
		t.Fatalf("unexpected cols: %v", w)
	}
}

func TestWindow_Empty(t *testing.T) {
	if (Window{}).Empty() != true {
		t.Fatal("expected zero window to be empty")
	}
	w := Window{Rows: Range{Start: 10, Stop: 5}, Cols: Range{Start: 0, Stop: 1}}
	if !w.Empty() {
		t.Fatal("expected inverted range to be empty")
	}
}

func TestBounds(t *testing.T) {
	b := Bounds(New(0, 0, 0))
	if b.West != -180 || b.East != 180 {
		t.Fatalf("unexpected longitudes: %+v", b)
	}
	if math.Abs(b.North-85.0511287798) > 1e-6 || math.Abs(b.South+85.0511287798) > 1e-6 {
		t.Fatalf("unexpected latitudes: %+v", b)
	}

	nw := Bounds(New(1, 0, 0))
	if nw.West != -180 || nw.East != 0 || math.Abs(nw.South) > 1e-9 {
		t.Fatalf("unexpected bounds for 1/0/0: %+v", nw)
	}
}

func TestAt_RoundTrip(t *testing.T) {
	tests := []Tile{
		New(0, 0, 0),
		New(5, 10, 12),
		New(12, 654, 1583),
		New(16, 10507, 25322),
	}
	for _, tl := range tests {
		b := Bounds(tl)
		center := At((b.West+b.East)/2, (b.South+b.North)/2, tl.Z)
		if center != tl {
			t.Errorf("At(center of %s) = %s", tl, center)
		}
	}
}

func TestAt_YGrowsSouthward(t *testing.T) {
	north := At(10, 50, 8)
	south := At(10, 40, 8)
	if north.Y >= south.Y {
		t.Fatalf("expected northern tile to have smaller y: north=%s south=%s", north, south)
	}
}

func TestAt_SnapsToProjectionEdges(t *testing.T) {
	if got := At(180, -90, 3); got != New(3, 7, 7) {
		t.Fatalf("At(180, -90) = %s, want 3/7/7", got)
	}
	if got := At(-180, 90, 3); got != New(3, 0, 0) {
		t.Fatalf("At(-180, 90) = %s, want 3/0/0", got)
	}
}

func TestIntersects(t *testing.T) {
	tileBox := BoundingBox{West: 0, South: 0, East: 10, North: 10}

	tests := []struct {
		name string
		box  BoundingBox
		want bool
	}{
		{"inside", BoundingBox{West: 2, South: 2, East: 3, North: 3}, true},
		{"overlapping", BoundingBox{West: -5, South: -5, East: 1, North: 1}, true},
		{"covering", BoundingBox{West: -50, South: -50, East: 50, North: 50}, true},
		{"touchingEast", BoundingBox{West: 10, South: 0, East: 20, North: 10}, false},
		{"touchingSouth", BoundingBox{West: 0, South: -10, East: 10, North: 0}, false},
		{"disjoint", BoundingBox{West: 20, South: 20, East: 30, North: 30}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Intersects(tt.box, tileBox); got != tt.want {
				t.Fatalf("Intersects(%+v) = %v, want %v", tt.box, got, tt.want)
			}
		})
	}
}

func TestBoundingBox_JSON(t *testing.T) {
	var b BoundingBox
	if err := json.Unmarshal([]byte(`[-122.5, 37.7, -122.3, 37.9]`), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.West != -122.5 || b.South != 37.7 || b.East != -122.3 || b.North != 37.9 {
		t.Fatalf("unexpected bounds: %+v", b)
	}
	if !b.Valid() {
		t.Fatal("expected valid bounds")
	}

	if err := json.Unmarshal([]byte(`[1, 2, 3]`), &b); err == nil {
		t.Fatal("expected error for short bounds")
	}
}

func TestTile_Valid(t *testing.T) {
	if !New(2, 3, 3).Valid() {
		t.Fatal("expected 2/3/3 to be valid")
	}
	if New(2, 4, 0).Valid() || New(-1, 0, 0).Valid() || New(3, -1, 0).Valid() {
		t.Fatal("expected out-of-range tiles to be invalid")
	}
}
