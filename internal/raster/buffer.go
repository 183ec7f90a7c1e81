// Package raster defines pixel buffers, the contract of the raster I/O
// engine and a registry of opened sources.
package raster

import (
	"errors"
	"fmt"
	"math"
)

// ErrRescale is returned when a buffer's dynamic range cannot be determined.
var ErrRescale = errors.New("not enough information to rescale")

// DataType is the element type of a buffer.
type DataType int

const (
	Unknown DataType = iota
	Uint8
	Uint16
	Float32
)

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}

// MaxValue returns the largest value representable by d. ok is false for
// types without a fixed dynamic range.
func (d DataType) MaxValue() (max float64, ok bool) {
	switch d {
	case Uint8:
		return math.MaxUint8, true
	case Uint16:
		return math.MaxUint16, true
	default:
		return 0, false
	}
}

// Buffer is a channel-major pixel buffer (bands x height x width). Integer
// element types are stored in float32, which holds every uint16 exactly.
type Buffer struct {
	Type   DataType
	Bands  int
	Height int
	Width  int
	Pix    []float32
}

// NewBuffer returns a zero-filled buffer.
func NewBuffer(t DataType, bands, height, width int) *Buffer {
	return &Buffer{
		Type:   t,
		Bands:  bands,
		Height: height,
		Width:  width,
		Pix:    make([]float32, bands*height*width),
	}
}

// Band returns the pixels of band i (0-based) in row-major order.
func (b *Buffer) Band(i int) []float32 {
	n := b.Height * b.Width
	return b.Pix[i*n : (i+1)*n]
}

// At returns the value of band i at row, col.
func (b *Buffer) At(i, row, col int) float32 {
	return b.Pix[(i*b.Height+row)*b.Width+col]
}

// Fill sets every pixel of band i to v.
func (b *Buffer) Fill(i int, v float32) {
	band := b.Band(i)
	for j := range band {
		band[j] = v
	}
}

// SameShape reports whether b and o have equal dimensions.
func (b *Buffer) SameShape(o *Buffer) bool {
	return b.Bands == o.Bands && b.Height == o.Height && b.Width == o.Width
}

// Rescale converts b to type t by scaling with the ratio of the two types'
// maximum values. Values are truncated toward zero and clamped.
func (b *Buffer) Rescale(t DataType) (*Buffer, error) {
	if b.Type == t {
		return b, nil
	}
	srcMax, ok := b.Type.MaxValue()
	if !ok {
		return nil, fmt.Errorf("%w: source is %q", ErrRescale, b.Type)
	}
	dstMax, ok := t.MaxValue()
	if !ok {
		return nil, fmt.Errorf("%w: target is %q", ErrRescale, t)
	}

	out := NewBuffer(t, b.Bands, b.Height, b.Width)
	for i, v := range b.Pix {
		out.Pix[i] = float32(math.Trunc(clamp(float64(v)*dstMax/srcMax, 0, dstMax)))
	}
	return out, nil
}

// Stack concatenates the bands of bufs in order. All buffers must share
// type, height and width.
func Stack(bufs ...*Buffer) (*Buffer, error) {
	if len(bufs) == 0 {
		return nil, errors.New("stack: no buffers")
	}
	first := bufs[0]
	bands := 0
	for _, b := range bufs {
		if b.Type != first.Type {
			return nil, fmt.Errorf("stack: mixed types %s and %s", first.Type, b.Type)
		}
		if b.Height != first.Height || b.Width != first.Width {
			return nil, fmt.Errorf("stack: mismatched sizes %dx%d and %dx%d", first.Width, first.Height, b.Width, b.Height)
		}
		bands += b.Bands
	}

	out := &Buffer{
		Type:   first.Type,
		Bands:  bands,
		Height: first.Height,
		Width:  first.Width,
		Pix:    make([]float32, 0, bands*first.Height*first.Width),
	}
	for _, b := range bufs {
		out.Pix = append(out.Pix, b.Pix...)
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
