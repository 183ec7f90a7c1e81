package raster

import (
	"errors"
	"testing"
)

func TestDataType_MaxValue(t *testing.T) {
	if v, ok := Uint8.MaxValue(); !ok || v != 255 {
		t.Fatalf("unexpected uint8 max: %v %v", v, ok)
	}
	if v, ok := Uint16.MaxValue(); !ok || v != 65535 {
		t.Fatalf("unexpected uint16 max: %v %v", v, ok)
	}
	if _, ok := Float32.MaxValue(); ok {
		t.Fatal("expected float32 to have no fixed range")
	}
}

func TestBuffer_BandLayout(t *testing.T) {
	b := NewBuffer(Uint8, 4, 2, 3)
	b.Fill(3, 255)
	b.Band(1)[4] = 7 // row 1, col 1

	if got := b.At(1, 1, 1); got != 7 {
		t.Fatalf("At(1,1,1) = %v, want 7", got)
	}
	if got := b.At(3, 0, 2); got != 255 {
		t.Fatalf("At(3,0,2) = %v, want 255", got)
	}
	if got := b.At(0, 0, 0); got != 0 {
		t.Fatalf("At(0,0,0) = %v, want 0", got)
	}
}

func TestBuffer_Rescale(t *testing.T) {
	b := NewBuffer(Uint16, 1, 1, 3)
	copy(b.Pix, []float32{0, 65535, 32768})

	out, err := b.Rescale(Uint8)
	if err != nil {
		t.Fatalf("rescale: %v", err)
	}
	if out.Type != Uint8 {
		t.Fatalf("unexpected type %s", out.Type)
	}
	want := []float32{0, 255, 127}
	for i, v := range want {
		if out.Pix[i] != v {
			t.Errorf("pix[%d] = %v, want %v", i, out.Pix[i], v)
		}
	}

	same, err := out.Rescale(Uint8)
	if err != nil || same != out {
		t.Fatalf("expected no-op rescale, got %v %v", same, err)
	}
}

func TestBuffer_RescaleUnknownRange(t *testing.T) {
	b := NewBuffer(Float32, 1, 1, 1)
	if _, err := b.Rescale(Uint8); !errors.Is(err, ErrRescale) {
		t.Fatalf("expected ErrRescale, got %v", err)
	}
}

func TestStack(t *testing.T) {
	rgb := NewBuffer(Uint8, 3, 2, 2)
	rgb.Fill(0, 1)
	alpha := NewBuffer(Uint8, 1, 2, 2)
	alpha.Fill(0, 255)

	out, err := Stack(rgb, alpha)
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	if out.Bands != 4 || len(out.Pix) != 16 {
		t.Fatalf("unexpected shape: bands=%d len=%d", out.Bands, len(out.Pix))
	}
	if out.At(0, 1, 1) != 1 || out.At(3, 0, 0) != 255 {
		t.Fatalf("unexpected stacked values: %v", out.Pix)
	}

	if _, err := Stack(rgb, NewBuffer(Uint16, 1, 2, 2)); err == nil {
		t.Fatal("expected error for mixed types")
	}
	if _, err := Stack(rgb, NewBuffer(Uint8, 1, 3, 2)); err == nil {
		t.Fatal("expected error for mismatched sizes")
	}
}
