// Package service provides business logic for the tile server.
package service

import (
	"context"
	"log"

	"github.com/scene-tiles/server/internal/cache"
	"github.com/scene-tiles/server/internal/metadata"
	"github.com/scene-tiles/server/internal/raster"
	"github.com/scene-tiles/server/internal/render"
	"github.com/scene-tiles/server/internal/tile"
)

// DefaultMaxScale is the largest accepted retina scale factor by default.
const DefaultMaxScale = 4

// MetadataFetcher loads metadata documents. *metadata.Cache implements it.
type MetadataFetcher interface {
	Fetch(ctx context.Context, key metadata.Key) (*metadata.Metadata, error)
}

// Renderer composites tiles. *render.Compositor implements it.
type Renderer interface {
	Render(ctx context.Context, md *metadata.Metadata, t tile.Tile, scale int) (*raster.Buffer, error)
}

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	Metadata MetadataFetcher
	Renderer Renderer
	Encoder  *render.Encoder

	// Cache is optional. Only successfully encoded tiles are cached.
	Cache *cache.Manager

	MaxScale int
}

// TileService validates tile requests and renders them.
type TileService struct {
	metadata MetadataFetcher
	renderer Renderer
	encoder  *render.Encoder
	cache    *cache.Manager
	maxScale int
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) *TileService {
	maxScale := cfg.MaxScale
	if maxScale <= 0 {
		maxScale = DefaultMaxScale
	}
	encoder := cfg.Encoder
	if encoder == nil {
		encoder = render.NewEncoder()
	}

	return &TileService{
		metadata: cfg.Metadata,
		renderer: cfg.Renderer,
		encoder:  encoder,
		cache:    cfg.Cache,
		maxScale: maxScale,
	}
}

// TileRequest identifies one rendered tile.
type TileRequest struct {
	Key   metadata.Key
	Tile  tile.Tile
	Scale int
}

// GetTile returns the PNG encoding of a tile.
func (s *TileService) GetTile(ctx context.Context, req TileRequest) ([]byte, error) {
	cacheKey := cache.TileKey(req.Key.String(), req.Tile.Z, req.Tile.X, req.Tile.Y, req.Scale)
	if s.cache != nil {
		if data, ok := s.cache.GetTile(cacheKey); ok {
			return data, nil
		}
	}

	buf, err := s.RenderBuffer(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err := s.encoder.Encode(buf)
	if err != nil {
		return nil, classify(err, KindUnknown, "failed to encode tile")
	}

	if s.cache != nil {
		if err := s.cache.SetTile(cacheKey, data); err != nil {
			log.Printf("[TileService] failed to cache %s: %v", cacheKey, err)
		}
	}
	return data, nil
}

// RenderBuffer validates req and returns the tile's 4-band buffer after
// color operations, before encoding.
func (s *TileService) RenderBuffer(ctx context.Context, req TileRequest) (*raster.Buffer, error) {
	md, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	buf, err := s.renderer.Render(ctx, md, req.Tile, req.Scale)
	if err != nil {
		return nil, classify(err, KindUnknown, "failed to render tile "+req.Tile.String())
	}

	if len(md.Meta.Pipeline) > 0 {
		buf, err = md.Meta.Pipeline.Apply(buf)
		if err != nil {
			return nil, classify(err, KindUnknown, "failed to apply color operations")
		}
	}
	return buf, nil
}

// validate fetches the metadata of req and checks that the tile lies within
// its zoom range and bounds.
func (s *TileService) validate(ctx context.Context, req TileRequest) (*metadata.Metadata, error) {
	if req.Scale < 1 || req.Scale > s.maxScale {
		return nil, newError(InvalidRequest, "scale must be between 1 and %d", s.maxScale)
	}

	md, err := s.fetch(ctx, req.Key)
	if err != nil {
		return nil, err
	}

	t := req.Tile
	if t.Z < md.MinZoom || t.Z > md.MaxZoom {
		return nil, newError(ZoomOutOfRange, "zoom %d is outside [%d, %d]", t.Z, md.MinZoom, md.MaxZoom)
	}

	sw := tile.At(md.Bounds.West, md.Bounds.South, t.Z)
	ne := tile.At(md.Bounds.East, md.Bounds.North, t.Z)
	if t.X < sw.X || t.X > ne.X || t.Y < ne.Y || t.Y > sw.Y {
		return nil, newError(CoordinateOutOfRange, "tile %s is outside x [%d, %d], y [%d, %d]", t, sw.X, ne.X, ne.Y, sw.Y)
	}
	return md, nil
}

func (s *TileService) fetch(ctx context.Context, key metadata.Key) (*metadata.Metadata, error) {
	md, err := s.metadata.Fetch(ctx, key)
	if err != nil {
		return nil, classify(err, MetadataUnavailable, "could not load metadata for "+key.String())
	}
	return md, nil
}

// Bounds returns the bounding box of a dataset.
func (s *TileService) Bounds(ctx context.Context, key metadata.Key) (tile.BoundingBox, error) {
	md, err := s.fetch(ctx, key)
	if err != nil {
		return tile.BoundingBox{}, err
	}
	return md.Bounds, nil
}

// TileJSON is the TileJSON 2.1.0 description of a dataset.
type TileJSON struct {
	TileJSON string           `json:"tilejson"`
	Name     string           `json:"name,omitempty"`
	Bounds   tile.BoundingBox `json:"bounds"`
	Center   []float64        `json:"center,omitempty"`
	MinZoom  int              `json:"minzoom"`
	MaxZoom  int              `json:"maxzoom"`
	Tiles    []string         `json:"tiles,omitempty"`
}

// TileJSON returns the TileJSON description of a dataset. tileURL, if not
// empty, is listed as the dataset's tile template.
func (s *TileService) TileJSON(ctx context.Context, key metadata.Key, tileURL string) (*TileJSON, error) {
	md, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	version := md.TileJSON
	if version == "" {
		version = "2.1.0"
	}
	tj := &TileJSON{
		TileJSON: version,
		Name:     md.Name,
		Bounds:   md.Bounds,
		Center:   md.Center,
		MinZoom:  md.MinZoom,
		MaxZoom:  md.MaxZoom,
	}
	if tileURL != "" {
		tj.Tiles = []string{tileURL}
	}
	return tj, nil
}
