// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PixelType is the numeric type of the samples in a raster band.
type PixelType int

const (
	Unknown PixelType = iota
	Byte
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
)

var pixelTypeNames = [...]string{
	Unknown: "Unknown",
	Byte:    "Byte",
	UInt16:  "UInt16",
	Int16:   "Int16",
	UInt32:  "UInt32",
	Int32:   "Int32",
	Float32: "Float32",
	Float64: "Float64",
}

func (t PixelType) String() string {
	if t < 0 || int(t) >= len(pixelTypeNames) {
		return fmt.Sprintf("PixelType(%d)", int(t))
	}
	return pixelTypeNames[t]
}

// Size returns the number of bytes per sample, or 0 for Unknown.
func (t PixelType) Size() int {
	switch t {
	case Byte:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// IsFloat returns true for the floating-point pixel types.
func (t PixelType) IsFloat() bool {
	return t == Float32 || t == Float64
}

// IsSigned returns true for signed integer and floating-point types.
func (t PixelType) IsSigned() bool {
	return t == Int16 || t == Int32 || t.IsFloat()
}

// DataTypeName returns the lower-case name used in metadata documents,
// such as "uint8" or "float32".
func (t PixelType) DataTypeName() string {
	switch t {
	case Byte:
		return "uint8"
	case UInt16:
		return "uint16"
	case Int16:
		return "int16"
	case UInt32:
		return "uint32"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Range returns the smallest and largest value representable by t.
func (t PixelType) Range() (float64, float64) {
	switch t {
	case Byte:
		return 0, math.MaxUint8
	case UInt16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// ColorInterp tells how a band is meant to be displayed.
type ColorInterp int

const (
	UndefinedColor ColorInterp = iota
	GrayColor
	PaletteColor
	RedColor
	GreenColor
	BlueColor
	AlphaColor
)

func (c ColorInterp) String() string {
	switch c {
	case GrayColor:
		return "Gray"
	case PaletteColor:
		return "Palette"
	case RedColor:
		return "Red"
	case GreenColor:
		return "Green"
	case BlueColor:
		return "Blue"
	case AlphaColor:
		return "Alpha"
	default:
		return "Undefined"
	}
}

// Buffer holds a rectangular block of samples of one band.
// Samples are stored row by row in little-endian byte order.
type Buffer struct {
	Type          PixelType
	Width, Height int
	Pix           []byte
}

func NewBuffer(t PixelType, width, height int) *Buffer {
	return &Buffer{
		Type:   t,
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*t.Size()),
	}
}

// Len returns the number of samples in the buffer.
func (b *Buffer) Len() int {
	return b.Width * b.Height
}

// At returns the i-th sample, converted to float64.
func (b *Buffer) At(i int) float64 {
	switch b.Type {
	case Byte:
		return float64(b.Pix[i])
	case UInt16:
		return float64(binary.LittleEndian.Uint16(b.Pix[i*2:]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b.Pix[i*2:])))
	case UInt32:
		return float64(binary.LittleEndian.Uint32(b.Pix[i*4:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b.Pix[i*4:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b.Pix[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b.Pix[i*8:]))
	default:
		panic(fmt.Sprintf("Buffer.At: unsupported pixel type %v", b.Type))
	}
}

// Set stores v as the i-th sample. Integer types round to the nearest
// value and saturate at the limits of their range.
func (b *Buffer) Set(i int, v float64) {
	if !b.Type.IsFloat() {
		lo, hi := b.Type.Range()
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(lo, math.Min(hi, math.Round(v)))
	}
	switch b.Type {
	case Byte:
		b.Pix[i] = uint8(v)
	case UInt16:
		binary.LittleEndian.PutUint16(b.Pix[i*2:], uint16(v))
	case Int16:
		binary.LittleEndian.PutUint16(b.Pix[i*2:], uint16(int16(v)))
	case UInt32:
		binary.LittleEndian.PutUint32(b.Pix[i*4:], uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(b.Pix[i*4:], uint32(int32(v)))
	case Float32:
		binary.LittleEndian.PutUint32(b.Pix[i*4:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b.Pix[i*8:], math.Float64bits(v))
	default:
		panic(fmt.Sprintf("Buffer.Set: unsupported pixel type %v", b.Type))
	}
}

// IsZero reports whether the i-th sample is zero, without converting
// to float64.
func (b *Buffer) IsZero(i int) bool {
	size := b.Type.Size()
	for _, c := range b.Pix[i*size : (i+1)*size] {
		if c != 0 {
			// Negative zero has its sign bit set but is still zero.
			if b.Type.IsFloat() {
				return b.At(i) == 0
			}
			return false
		}
	}
	return true
}

// Fill sets every sample to v.
func (b *Buffer) Fill(v float64) {
	if v == 0 {
		clear(b.Pix)
		return
	}
	n := b.Len()
	if n == 0 {
		return
	}
	b.Set(0, v)
	size := b.Type.Size()
	for filled := size; filled < len(b.Pix); filled *= 2 {
		copy(b.Pix[filled:], b.Pix[:filled])
	}
}

// CopyRect copies a w×h rectangle from src at (sx, sy) into b at (dx, dy).
// Both buffers must have the same pixel type.
func (b *Buffer) CopyRect(dx, dy int, src *Buffer, sx, sy, w, h int) {
	if b.Type != src.Type {
		panic(fmt.Sprintf("Buffer.CopyRect: type mismatch %v != %v", b.Type, src.Type))
	}
	size := b.Type.Size()
	rowBytes := w * size
	for y := 0; y < h; y++ {
		d := ((dy+y)*b.Width + dx) * size
		s := ((sy+y)*src.Width + sx) * size
		copy(b.Pix[d:d+rowBytes], src.Pix[s:s+rowBytes])
	}
}

// Convert returns a copy of b with samples converted to type t.
func (b *Buffer) Convert(t PixelType) *Buffer {
	if t == b.Type {
		out := &Buffer{Type: t, Width: b.Width, Height: b.Height}
		out.Pix = append([]byte(nil), b.Pix...)
		return out
	}
	out := NewBuffer(t, b.Width, b.Height)
	for i, n := 0, b.Len(); i < n; i++ {
		out.Set(i, b.At(i))
	}
	return out
}
