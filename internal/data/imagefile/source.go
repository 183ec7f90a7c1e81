package imagefile

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/scene-tiles/server/internal/raster"
	"github.com/scene-tiles/server/internal/tile"
)

// Source is a decoded image held in memory. It is safe for concurrent reads.
type Source struct {
	img   *image.NRGBA
	count int
}

func newSource(img image.Image) *Source {
	return &Source{
		img:   imaging.Clone(img),
		count: bandCount(img),
	}
}

// bandCount reports 1 for grayscale images, 3 for opaque color images and
// 4 for images with transparency.
func bandCount(img image.Image) int {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return 1
	}
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return 3
	}
	return 4
}

// Count returns the number of bands.
func (s *Source) Count() int { return s.count }

// DataType returns raster.Uint8; images are decoded to 8 bits per channel.
func (s *Source) DataType() raster.DataType { return raster.Uint8 }

// Close is a no-op; the decoded image is reclaimed by the garbage collector.
func (s *Source) Close() error { return nil }

// Read reads bands from win resampled to width x height with nearest
// neighbour sampling.
func (s *Source) Read(ctx context.Context, bands []int, win tile.Window, width, height int) (*raster.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	for _, b := range bands {
		if b < 1 || b > s.count {
			return nil, fmt.Errorf("band %d out of range [1, %d]", b, s.count)
		}
	}

	out := raster.NewBuffer(raster.Uint8, len(bands), height, width)
	if win.Empty() {
		return out, nil
	}

	rows := samples(win.Rows, height, s.img.Rect.Dy())
	cols := samples(win.Cols, width, s.img.Rect.Dx())
	for i, b := range bands {
		channel := b - 1
		if s.count == 1 {
			channel = 0
		}
		band := out.Band(i)
		for y, row := range rows {
			if row < 0 {
				continue
			}
			pix := s.img.Pix[row*s.img.Stride:]
			for x, col := range cols {
				if col < 0 {
					continue
				}
				band[y*width+x] = float32(pix[col*4+channel])
			}
		}
	}
	return out, nil
}

// samples maps n output pixels onto the half-open range r of an axis with
// size pixels, sampling at output pixel centers. Pixels outside the image
// map to -1.
func samples(r tile.Range, n, size int) []int {
	out := make([]int, n)
	step := r.Len() / float64(n)
	for i := range out {
		p := int(math.Floor(r.Start + (float64(i)+0.5)*step))
		if p < 0 || p >= size {
			p = -1
		}
		out[i] = p
	}
	return out
}
