package raster

import (
	"context"
	"errors"
	"strings"

	"github.com/scene-tiles/server/internal/tile"
)

// ErrRead marks failures of the underlying raster I/O.
var ErrRead = errors.New("source read failed")

// Source is an opened raster. Implementations must be safe for concurrent
// reads.
type Source interface {
	// Count returns the number of bands.
	Count() int

	// DataType returns the element type of every band.
	DataType() DataType

	// Read reads the 1-based bands from win and resamples them to
	// width x height. Areas of win outside the raster read as zero.
	Read(ctx context.Context, bands []int, win tile.Window, width, height int) (*Buffer, error)

	Close() error
}

// Opener opens sources by URL.
type Opener interface {
	Open(ctx context.Context, url string) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, url string) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, url string) (Source, error) {
	return f(ctx, url)
}

// Mux routes opens to an Opener chosen by URL suffix, falling back to a
// default Opener.
type Mux struct {
	routes   []muxRoute
	fallback Opener
}

type muxRoute struct {
	suffix string
	opener Opener
}

// NewMux returns a Mux sending unmatched URLs to fallback.
func NewMux(fallback Opener) *Mux {
	return &Mux{fallback: fallback}
}

// Handle routes URLs ending in suffix, ignoring a trailing slash, to o.
// Routes are matched in registration order.
func (m *Mux) Handle(suffix string, o Opener) {
	m.routes = append(m.routes, muxRoute{suffix: suffix, opener: o})
}

// Open opens url with the first matching route.
func (m *Mux) Open(ctx context.Context, url string) (Source, error) {
	trimmed := strings.TrimSuffix(url, "/")
	for _, r := range m.routes {
		if strings.HasSuffix(trimmed, r.suffix) {
			return r.opener.Open(ctx, url)
		}
	}
	return m.fallback.Open(ctx, url)
}
