// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Values of the TIFF Compression tag, TIFF 6.0 specification page 30,
// plus the registered extensions that GDAL writes.
const (
	compressionNone     = 1
	compressionLZW      = 5
	compressionOldJPEG  = 6
	compressionJPEG     = 7
	compressionDeflate  = 8
	compressionPackBits = 32773
	compressionDeflate2 = 32946
	compressionZSTD     = 50000
)

var compressionNames = map[uint16]string{
	compressionLZW:      "LZW",
	compressionOldJPEG:  "JPEG",
	compressionJPEG:     "JPEG",
	compressionDeflate:  "DEFLATE",
	compressionDeflate2: "DEFLATE",
	compressionPackBits: "PACKBITS",
	compressionZSTD:     "ZSTD",
}

// canonicalCodecName upper-cases a codec name, so "ycbcr jpeg" and
// "YCbCr JPEG" compare equal.
func canonicalCodecName(name string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(name))
}

// compressionTag maps a codec name such as "LZW" to its TIFF tag value.
// The second result is false for codecs that this tool cannot write.
func compressionTag(name string) (uint16, bool) {
	switch canonicalCodecName(name) {
	case "NONE", "":
		return compressionNone, true
	case "LZW":
		return compressionLZW, true
	case "DEFLATE", "ZIP":
		return compressionDeflate, true
	case "PACKBITS":
		return compressionPackBits, true
	case "ZSTD":
		return compressionZSTD, true
	default:
		return 0, false
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstdCodecs returns a shared encoder and decoder. EncodeAll and
// DecodeAll may be called from multiple goroutines at once.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compressBlock encodes the raw bytes of one tile or strip.
func compressBlock(compression uint16, data []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		return data, nil

	case compressionLZW:
		return lzwEncode(data), nil

	case compressionDeflate, compressionDeflate2:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case compressionPackBits:
		return packBitsEncode(data), nil

	case compressionZSTD:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("cannot write TIFF compression %d", compression)
	}
}

// decompressBlock decodes one tile or strip into size bytes. Short
// strips at the bottom of an image are padded with zeros.
func decompressBlock(compression uint16, data []byte, size int) ([]byte, error) {
	var out []byte
	switch compression {
	case compressionNone:
		out = data

	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer r.Close()
		b, err := readUpTo(r, size)
		if err != nil {
			return nil, fmt.Errorf("LZW: %w", err)
		}
		out = b

	case compressionDeflate, compressionDeflate2:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		b, err := readUpTo(r, size)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		out = b

	case compressionPackBits:
		b, err := packBitsDecode(data, size)
		if err != nil {
			return nil, err
		}
		out = b

	case compressionZSTD:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		b, err := dec.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		out = b

	default:
		name, ok := compressionNames[compression]
		if !ok {
			name = fmt.Sprintf("%d", compression)
		}
		return nil, fmt.Errorf("unsupported TIFF compression %s", name)
	}

	if len(out) >= size {
		return out[:size], nil
	}
	padded := make([]byte, size)
	copy(padded, out)
	return padded, nil
}

// readUpTo reads at most n bytes. Some encoders pad their output, and
// some write truncated final strips, so neither is treated as an error.
func readUpTo(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:got], nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// lzwEncode compresses data with the LZW variant of TIFF 6.0, section 13.
// The code width grows one code earlier than in compress/lzw, which is
// why that package cannot be used here. x/image/tiff/lzw only decodes.
func lzwEncode(data []byte) []byte {
	const (
		clearCode = 256
		eoiCode   = 257
		firstCode = 258
		maxCode   = 4095
	)

	var out bytes.Buffer
	out.Grow(len(data)/2 + 16)
	var acc uint32
	var nacc uint
	width := uint(9)
	limit := 511

	emit := func(code int) {
		acc = acc<<width | uint32(code)
		nacc += width
		for nacc >= 8 {
			out.WriteByte(byte(acc >> (nacc - 8)))
			nacc -= 8
		}
		acc &= 1<<nacc - 1
	}

	table := make(map[uint32]int, 4096)
	next := firstCode
	grow := func() {
		next++
		if next == maxCode-1 {
			emit(clearCode)
			clear(table)
			next = firstCode
			width, limit = 9, 511
		} else if next > limit {
			width++
			limit = 1<<width - 1
		}
	}

	emit(clearCode)
	if len(data) > 0 {
		prefix := int(data[0])
		for _, c := range data[1:] {
			key := uint32(prefix)<<8 | uint32(c)
			if code, ok := table[key]; ok {
				prefix = code
				continue
			}
			emit(prefix)
			table[key] = next
			grow()
			prefix = int(c)
		}
		emit(prefix)
		grow()
	}
	emit(eoiCode)
	if nacc > 0 {
		out.WriteByte(byte(acc << (8 - nacc)))
	}
	return out.Bytes()
}

// packBitsEncode implements the run-length scheme of TIFF 6.0, section 9.
func packBitsEncode(data []byte) []byte {
	var out bytes.Buffer
	for i := 0; i < len(data); {
		run := 1
		for i+run < len(data) && run < 128 && data[i+run] == data[i] {
			run++
		}
		if run > 1 {
			out.WriteByte(byte(int8(1 - run)))
			out.WriteByte(data[i])
			i += run
			continue
		}

		start := i
		for i < len(data) && i-start < 128 {
			if i+1 < len(data) && data[i+1] == data[i] {
				break
			}
			i++
		}
		if i == start {
			i++
		}
		out.WriteByte(byte(i - start - 1))
		out.Write(data[start:i])
	}
	return out.Bytes()
}

func packBitsDecode(data []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < len(data) && len(out) < size; {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(data) {
				return nil, fmt.Errorf("PackBits: literal run exceeds input")
			}
			out = append(out, data[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(data) {
				return nil, fmt.Errorf("PackBits: truncated repeat run")
			}
			for j := 0; j < 1-n; j++ {
				out = append(out, data[i])
			}
			i++
		}
	}
	return out, nil
}

// undoHorizontalPredictor reverses TIFF predictor 2 on one decoded block.
// Rows hold width pixels of spp samples, each sampleSize bytes wide, in
// the byte order of the file.
func undoHorizontalPredictor(data []byte, width, spp, sampleSize int, order binary.ByteOrder) error {
	rowSize := width * spp * sampleSize
	if rowSize == 0 || len(data)%rowSize != 0 {
		return fmt.Errorf("predictor: block of %d bytes is not a whole number of rows", len(data))
	}
	for row := 0; row < len(data); row += rowSize {
		r := data[row : row+rowSize]
		switch sampleSize {
		case 1:
			for i := spp; i < len(r); i++ {
				r[i] += r[i-spp]
			}
		case 2:
			for i := spp; i < len(r)/2; i++ {
				v := order.Uint16(r[i*2:]) + order.Uint16(r[(i-spp)*2:])
				order.PutUint16(r[i*2:], v)
			}
		case 4:
			for i := spp; i < len(r)/4; i++ {
				v := order.Uint32(r[i*4:]) + order.Uint32(r[(i-spp)*4:])
				order.PutUint32(r[i*4:], v)
			}
		case 8:
			for i := spp; i < len(r)/8; i++ {
				v := order.Uint64(r[i*8:]) + order.Uint64(r[(i-spp)*8:])
				order.PutUint64(r[i*8:], v)
			}
		default:
			return fmt.Errorf("predictor: unsupported sample size %d", sampleSize)
		}
	}
	return nil
}

// undoFloatPredictor reverses TIFF predictor 3 (Adobe TIFF Technical Note 3).
// Each row is byte-differenced with a stride of one pixel, and its bytes
// are stored most significant byte plane first. The result is rewritten
// in the file's byte order.
func undoFloatPredictor(data []byte, width, spp, sampleSize int, order binary.ByteOrder) error {
	rowSize := width * spp * sampleSize
	if rowSize == 0 || len(data)%rowSize != 0 {
		return fmt.Errorf("predictor: block of %d bytes is not a whole number of rows", len(data))
	}
	tmp := make([]byte, rowSize)
	n := width * spp
	for row := 0; row < len(data); row += rowSize {
		r := data[row : row+rowSize]
		for i := spp; i < rowSize; i++ {
			r[i] += r[i-spp]
		}
		copy(tmp, r)
		for i := 0; i < n; i++ {
			for b := 0; b < sampleSize; b++ {
				// Byte plane 0 holds the most significant bytes.
				v := tmp[b*n+i]
				if order == binary.LittleEndian {
					r[i*sampleSize+sampleSize-1-b] = v
				} else {
					r[i*sampleSize+b] = v
				}
			}
		}
	}
	return nil
}

// decodeSample reads one sample of type t from b, in the given byte order.
func decodeSample(b []byte, t PixelType, order binary.ByteOrder) float64 {
	switch t {
	case Byte:
		return float64(b[0])
	case UInt16:
		return float64(order.Uint16(b))
	case Int16:
		return float64(int16(order.Uint16(b)))
	case UInt32:
		return float64(order.Uint32(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}
