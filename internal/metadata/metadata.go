// Package metadata models scene and mosaic descriptions and fetches them
// from object storage.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/scene-tiles/server/internal/tile"
	"github.com/scene-tiles/server/pkg/colorops"
)

var (
	// ErrUnavailable is returned when metadata cannot be fetched.
	ErrUnavailable = errors.New("metadata unavailable")

	// ErrInvalid is returned for documents that violate the schema.
	ErrInvalid = errors.New("invalid metadata")
)

// Key identifies a metadata document.
type Key struct {
	ID      string
	Scene   int
	ImageID string
}

func (k Key) String() string {
	if k.ImageID != "" {
		return k.ID + "/" + strconv.Itoa(k.Scene) + "/" + k.ImageID
	}
	return k.ID + "/" + strconv.Itoa(k.Scene)
}

// Metadata describes a single scene or a mosaic of scenes. It is a
// TileJSON 2.1.0 document extended with a "meta" object.
type Metadata struct {
	TileJSON string           `json:"tilejson,omitempty"`
	Name     string           `json:"name,omitempty"`
	Bounds   tile.BoundingBox `json:"bounds"`
	Center   []float64        `json:"center,omitempty"`
	MinZoom  int              `json:"minzoom"`
	MaxZoom  int              `json:"maxzoom"`
	Meta     Meta             `json:"meta"`
}

// Meta holds the raster-specific part of a metadata document.
type Meta struct {
	ApproximateZoom int        `json:"approximateZoom"`
	Width           int        `json:"width,omitempty"`
	Height          int        `json:"height,omitempty"`
	Source          string     `json:"source,omitempty"`
	Mask            string     `json:"mask,omitempty"`
	Footprint       string     `json:"footprint,omitempty"`
	Sources         []Metadata `json:"sources,omitempty"`
	Operations      Operations `json:"operations,omitempty"`

	// Pipeline is parsed from Operations by Decode.
	Pipeline colorops.Pipeline `json:"-"`
}

// Operations accepts either a list of operation strings or a single string.
type Operations []string

// UnmarshalJSON implements json.Unmarshaler.
func (o *Operations) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*o = nil
		} else {
			*o = Operations{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("operations: %w", err)
	}
	*o = many
	return nil
}

// IsMosaic reports whether m composites several sources.
func (m *Metadata) IsMosaic() bool {
	return m.Meta.Source == ""
}

// Decode parses and validates a metadata document. Malformed color
// operations fail with colorops.ErrUnsupportedOperation.
func Decode(data []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := md.validate(); err != nil {
		return nil, err
	}

	pipeline, err := colorops.Parse(md.Meta.Operations...)
	if err != nil {
		return nil, err
	}
	md.Meta.Pipeline = pipeline
	return &md, nil
}

func (m *Metadata) validate() error {
	if m.MinZoom > m.MaxZoom {
		return fmt.Errorf("%w: minzoom %d greater than maxzoom %d", ErrInvalid, m.MinZoom, m.MaxZoom)
	}
	if !m.Bounds.Valid() {
		return fmt.Errorf("%w: bounds %v are not west < east, south < north", ErrInvalid, m.Bounds)
	}
	if m.IsMosaic() {
		for i := range m.Meta.Sources {
			src := &m.Meta.Sources[i]
			if src.Meta.Source == "" {
				return fmt.Errorf("%w: mosaic source %d has no source URL", ErrInvalid, i)
			}
			if !src.Bounds.Valid() {
				return fmt.Errorf("%w: mosaic source %d bounds %v are not west < east, south < north", ErrInvalid, i, src.Bounds)
			}
		}
	}
	return nil
}

// Select returns the sources whose bounds intersect t, in input order.
func Select(t tile.Tile, sources []Metadata) []Metadata {
	bounds := tile.Bounds(t)
	out := make([]Metadata, 0, len(sources))
	for _, src := range sources {
		if tile.Intersects(src.Bounds, bounds) {
			out = append(out, src)
		}
	}
	return out
}
