// Package render composites source windows into tile buffers and encodes
// them as PNG.
package render

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/scene-tiles/server/internal/metadata"
	"github.com/scene-tiles/server/internal/raster"
	"github.com/scene-tiles/server/internal/tile"
)

// Config contains compositor configuration.
type Config struct {
	// TileSize is the edge length of a tile at scale 1.
	TileSize int

	// Workers bounds the number of concurrent source reads across all
	// renders sharing the compositor.
	Workers int

	// ReadTimeout bounds each source read. Zero disables the timeout.
	ReadTimeout time.Duration
}

// DefaultConfig returns the default compositor configuration.
func DefaultConfig() Config {
	return Config{
		TileSize:    tile.Size,
		Workers:     100,
		ReadTimeout: 30 * time.Second,
	}
}

// Compositor renders metadata into 4-band tile buffers.
type Compositor struct {
	config  Config
	opener  raster.Opener
	workers *semaphore.Weighted
}

// NewCompositor creates a compositor reading sources through opener,
// usually a *raster.Registry.
func NewCompositor(opener raster.Opener, cfg Config) *Compositor {
	def := DefaultConfig()
	if cfg.TileSize <= 0 {
		cfg.TileSize = def.TileSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Compositor{
		config:  cfg,
		opener:  opener,
		workers: semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Render returns the 4-band buffer of t at the given scale. Scenes are read
// directly. Mosaics read every intersecting source concurrently and paint
// them in declaration order wherever their alpha is non-zero. A mosaic with
// one intersecting source returns that source's read unchanged.
func (c *Compositor) Render(ctx context.Context, md *metadata.Metadata, t tile.Tile, scale int) (*raster.Buffer, error) {
	if scale < 1 {
		return nil, fmt.Errorf("invalid scale %d", scale)
	}
	size := c.config.TileSize * scale

	if !md.IsMosaic() {
		return c.readScene(ctx, md, t, size)
	}

	candidates := metadata.Select(t, md.Meta.Sources)
	switch len(candidates) {
	case 0:
		return raster.NewBuffer(raster.Uint8, 4, size, size), nil
	case 1:
		return c.readScene(ctx, &candidates[0], t, size)
	}

	results := make([]*raster.Buffer, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i := range candidates {
		i := i
		g.Go(func() error {
			if err := c.workers.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.workers.Release(1)

			buf, err := c.readScene(gctx, &candidates[i], t, size)
			if err != nil {
				return err
			}
			results[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := raster.NewBuffer(raster.Uint8, 4, size, size)
	for _, buf := range results {
		// The mask comes from the source's own alpha; rescaling to 8 bits
		// may truncate small alpha values to zero.
		alpha := buf.Band(3)
		rescaled, err := buf.Rescale(raster.Uint8)
		if err != nil {
			return nil, err
		}
		paint(out, rescaled, alpha)
	}
	return out, nil
}

// paint copies the pixels of src into dst where alpha is non-zero.
func paint(dst, src *raster.Buffer, alpha []float32) {
	for b := 0; b < 4; b++ {
		from, to := src.Band(b), dst.Band(b)
		for p, a := range alpha {
			if a > 0 {
				to[p] = from[p]
			}
		}
	}
}

// readScene reads the window of a single scene as a size x size, 4-band
// buffer in the source's element type.
func (c *Compositor) readScene(ctx context.Context, md *metadata.Metadata, t tile.Tile, size int) (*raster.Buffer, error) {
	if c.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ReadTimeout)
		defer cancel()
	}

	win := tile.WindowFor(md.Meta.ApproximateZoom, t)
	src, err := c.open(ctx, md.Meta.Source)
	if err != nil {
		return nil, err
	}

	if md.Meta.Mask != "" {
		rgb, err := c.read(ctx, src, md.Meta.Source, colorBands(src.Count()), win, size)
		if err != nil {
			return nil, err
		}
		maskSrc, err := c.open(ctx, md.Meta.Mask)
		if err != nil {
			return nil, err
		}
		mask, err := c.read(ctx, maskSrc, md.Meta.Mask, []int{1}, win, size)
		if err != nil {
			return nil, err
		}
		if mask, err = mask.Rescale(rgb.Type); err != nil {
			return nil, err
		}
		return raster.Stack(rgb, mask)
	}

	switch src.Count() {
	case 2:
		return c.read(ctx, src, md.Meta.Source, []int{1, 1, 1, 2}, win, size)
	case 1, 3:
		rgb, err := c.read(ctx, src, md.Meta.Source, colorBands(src.Count()), win, size)
		if err != nil {
			return nil, err
		}
		return opaque(rgb)
	default:
		return c.read(ctx, src, md.Meta.Source, []int{1, 2, 3, 4}, win, size)
	}
}

func (c *Compositor) open(ctx context.Context, url string) (raster.Source, error) {
	src, err := c.opener.Open(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", raster.ErrRead, err)
	}
	return src, nil
}

func (c *Compositor) read(ctx context.Context, src raster.Source, url string, bands []int, win tile.Window, size int) (*raster.Buffer, error) {
	buf, err := src.Read(ctx, bands, win, size, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", raster.ErrRead, url, win, err)
	}
	return buf, nil
}

// colorBands returns the bands read as red, green and blue. Single-band
// sources are replicated to gray.
func colorBands(count int) []int {
	if count < 3 {
		return []int{1, 1, 1}
	}
	return []int{1, 2, 3}
}

// opaque appends an alpha band filled with the maximum value of the
// buffer's element type.
func opaque(rgb *raster.Buffer) (*raster.Buffer, error) {
	max, ok := rgb.Type.MaxValue()
	if !ok {
		return nil, fmt.Errorf("%w: no opaque alpha for %s", raster.ErrRescale, rgb.Type)
	}
	alpha := raster.NewBuffer(rgb.Type, 1, rgb.Height, rgb.Width)
	alpha.Fill(0, float32(max))
	return raster.Stack(rgb, alpha)
}
