package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/scene-tiles/server/internal/raster"
)

// Encoder encodes 4-band buffers as RGBA PNG. It is safe for concurrent use.
type Encoder struct {
	bufferPool sync.Pool
}

// NewEncoder creates a new encoder.
func NewEncoder() *Encoder {
	return &Encoder{
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Encode rescales buf to 8 bits if needed and encodes it as PNG.
func (e *Encoder) Encode(buf *raster.Buffer) ([]byte, error) {
	img, err := ToNRGBA(buf)
	if err != nil {
		return nil, err
	}

	out := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		out.Reset()
		e.bufferPool.Put(out)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(out, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, out.Len())
	copy(result, out.Bytes())
	return result, nil
}

// ToNRGBA converts a channel-major 4-band buffer to an interleaved image,
// rescaling to 8 bits first.
func ToNRGBA(buf *raster.Buffer) (*image.NRGBA, error) {
	if buf.Bands != 4 {
		return nil, fmt.Errorf("expected 4 bands, got %d", buf.Bands)
	}
	buf, err := buf.Rescale(raster.Uint8)
	if err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	n := buf.Width * buf.Height
	for b := 0; b < 4; b++ {
		band := buf.Band(b)
		for p := 0; p < n; p++ {
			img.Pix[p*4+b] = uint8(band[p])
		}
	}
	return img, nil
}
