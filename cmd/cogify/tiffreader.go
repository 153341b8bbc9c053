// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// TIFF tags, TIFF 6.0 specification and GeoTIFF 1.1.
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagSoftware         = 305
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagExtraSamples     = 338
	tagSampleFormat     = 339
	tagModelPixelScale  = 33550
	tagModelTiepoint    = 33922
	tagModelTransform   = 34264
	tagGeoKeyDirectory  = 34735
	tagGeoDoubleParams  = 34736
	tagGeoAsciiParams   = 34737
	tagGDALMetadata     = 42112
	tagGDALNoData       = 42113
	subfileReducedImage = 1
	subfileMask         = 4
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeIFD       = 13
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

var typeSizes = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4,
	typeSRational: 8, typeFloat: 4, typeDouble: 8, typeIFD: 4,
	typeLong8: 8, typeSLong8: 8, typeIFD8: 8,
}

var errNotTIFF = errors.New("not a TIFF file")

// tiffField is one decoded directory entry. Integer fields fill ints,
// every numeric field fills floats, ASCII fields fill ascii.
type tiffField struct {
	typ    uint16
	count  uint64
	ints   []uint64
	floats []float64
	ascii  string
}

func (f *tiffField) uint(i int) uint64 {
	if f == nil || i >= len(f.ints) {
		return 0
	}
	return f.ints[i]
}

type tiffIFD struct {
	offset int64
	fields map[uint16]*tiffField
}

func (ifd *tiffIFD) uint(tag uint16, def uint64) uint64 {
	if f, ok := ifd.fields[tag]; ok && len(f.ints) > 0 {
		return f.ints[0]
	}
	return def
}

// TiffReader parses the directory structure of a classic or BigTIFF file.
// Pixel data is not touched; see tiffLevel for that.
type TiffReader struct {
	r       io.ReaderAt
	size    int64
	order   binary.ByteOrder
	bigtiff bool
	ifds    []*tiffIFD
}

func NewTiffReader(r io.ReaderAt, size int64) (*TiffReader, error) {
	t := &TiffReader{r: r, size: size}
	first, err := t.readHeader()
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, 8)
	for offset := first; offset != 0; {
		if seen[offset] {
			return nil, fmt.Errorf("loop in TIFF directory chain at offset %d", offset)
		}
		seen[offset] = true
		ifd, next, err := t.readIFD(offset)
		if err != nil {
			return nil, err
		}
		t.ifds = append(t.ifds, ifd)
		offset = next
	}

	if len(t.ifds) == 0 {
		return nil, fmt.Errorf("TIFF file without image directories")
	}
	return t, nil
}

func (t *TiffReader) readHeader() (int64, error) {
	var header [16]byte
	n, err := t.r.ReadAt(header[:], 0)
	if n < 8 {
		if err == nil || err == io.EOF {
			return 0, errNotTIFF
		}
		return 0, err
	}

	if bytes.Equal(header[0:2], []byte("II")) {
		t.order = binary.LittleEndian
	} else if bytes.Equal(header[0:2], []byte("MM")) {
		t.order = binary.BigEndian
	} else {
		return 0, errNotTIFF
	}

	switch t.order.Uint16(header[2:4]) {
	case 42:
		return int64(t.order.Uint32(header[4:8])), nil
	case 43:
		if n < 16 || t.order.Uint16(header[4:6]) != 8 {
			return 0, errNotTIFF
		}
		t.bigtiff = true
		return int64(t.order.Uint64(header[8:16])), nil
	default:
		return 0, errNotTIFF
	}
}

func (t *TiffReader) readIFD(offset int64) (*tiffIFD, int64, error) {
	countSize, entrySize, nextSize := 2, 12, 4
	if t.bigtiff {
		countSize, entrySize, nextSize = 8, 20, 8
	}
	if offset < 0 || offset+int64(countSize) > t.size {
		return nil, 0, fmt.Errorf("TIFF directory offset %d out of range", offset)
	}

	cb := make([]byte, countSize)
	if _, err := t.r.ReadAt(cb, offset); err != nil {
		return nil, 0, err
	}
	var numEntries uint64
	if t.bigtiff {
		numEntries = t.order.Uint64(cb)
	} else {
		numEntries = uint64(t.order.Uint16(cb))
	}
	dirSize := int64(numEntries)*int64(entrySize) + int64(nextSize)
	if numEntries > 65535 || offset+int64(countSize)+dirSize > t.size {
		return nil, 0, fmt.Errorf("TIFF directory at offset %d exceeds file", offset)
	}

	dir := make([]byte, dirSize)
	if _, err := t.r.ReadAt(dir, offset+int64(countSize)); err != nil {
		return nil, 0, err
	}

	ifd := &tiffIFD{offset: offset, fields: make(map[uint16]*tiffField, numEntries)}
	for i := 0; i < int(numEntries); i++ {
		e := dir[i*entrySize : (i+1)*entrySize]
		tag := t.order.Uint16(e[0:2])
		typ := t.order.Uint16(e[2:4])
		var count uint64
		var inline []byte
		if t.bigtiff {
			count, inline = t.order.Uint64(e[4:12]), e[12:20]
		} else {
			count, inline = uint64(t.order.Uint32(e[4:8])), e[8:12]
		}

		size, known := typeSizes[typ]
		if !known {
			continue // unknown types must be ignored, TIFF 6.0 page 16
		}
		total := count * uint64(size)
		if total > uint64(t.size) {
			return nil, 0, fmt.Errorf("TIFF tag %d: %d values exceed file size", tag, count)
		}

		var raw []byte
		if total <= uint64(len(inline)) {
			raw = inline[:total]
		} else {
			var pos uint64
			if t.bigtiff {
				pos = t.order.Uint64(inline)
			} else {
				pos = uint64(t.order.Uint32(inline))
			}
			if pos+total > uint64(t.size) {
				return nil, 0, fmt.Errorf("TIFF tag %d: values at offset %d exceed file", tag, pos)
			}
			raw = make([]byte, total)
			if _, err := t.r.ReadAt(raw, int64(pos)); err != nil {
				return nil, 0, err
			}
		}
		ifd.fields[tag] = t.decodeField(typ, count, raw)
	}

	next := dir[len(dir)-nextSize:]
	if t.bigtiff {
		return ifd, int64(t.order.Uint64(next)), nil
	}
	return ifd, int64(t.order.Uint32(next)), nil
}

func (t *TiffReader) decodeField(typ uint16, count uint64, raw []byte) *tiffField {
	f := &tiffField{typ: typ, count: count}
	if typ == typeASCII {
		f.ascii = strings.TrimRight(string(raw), "\x00")
		return f
	}

	n := int(count)
	f.floats = make([]float64, n)
	switch typ {
	case typeRational, typeSRational, typeFloat, typeDouble:
	default:
		f.ints = make([]uint64, n)
	}

	for i := 0; i < n; i++ {
		switch typ {
		case typeByte, typeUndefined:
			f.ints[i] = uint64(raw[i])
			f.floats[i] = float64(raw[i])
		case typeSByte:
			f.ints[i] = uint64(int8(raw[i]))
			f.floats[i] = float64(int8(raw[i]))
		case typeShort:
			v := t.order.Uint16(raw[i*2:])
			f.ints[i], f.floats[i] = uint64(v), float64(v)
		case typeSShort:
			v := int16(t.order.Uint16(raw[i*2:]))
			f.ints[i], f.floats[i] = uint64(v), float64(v)
		case typeLong, typeIFD:
			v := t.order.Uint32(raw[i*4:])
			f.ints[i], f.floats[i] = uint64(v), float64(v)
		case typeSLong:
			v := int32(t.order.Uint32(raw[i*4:]))
			f.ints[i], f.floats[i] = uint64(v), float64(v)
		case typeLong8, typeIFD8:
			v := t.order.Uint64(raw[i*8:])
			f.ints[i], f.floats[i] = v, float64(v)
		case typeSLong8:
			v := int64(t.order.Uint64(raw[i*8:]))
			f.ints[i], f.floats[i] = uint64(v), float64(v)
		case typeRational:
			num, den := t.order.Uint32(raw[i*8:]), t.order.Uint32(raw[i*8+4:])
			if den != 0 {
				f.floats[i] = float64(num) / float64(den)
			}
		case typeSRational:
			num, den := int32(t.order.Uint32(raw[i*8:])), int32(t.order.Uint32(raw[i*8+4:]))
			if den != 0 {
				f.floats[i] = float64(num) / float64(den)
			}
		case typeFloat:
			f.floats[i] = float64(math.Float32frombits(t.order.Uint32(raw[i*4:])))
		case typeDouble:
			f.floats[i] = math.Float64frombits(t.order.Uint64(raw[i*8:]))
		}
	}
	return f
}

// tiffLevel describes one resolution level of a TIFF file: the main
// image or one of its reduced-resolution overviews.
type tiffLevel struct {
	ifd            *tiffIFD
	width, height  int
	spp            int
	sampleSize     int
	pixelType      PixelType
	compression    uint16
	predictor      uint16
	photometric    uint16
	planar         uint16
	extraSamples   []uint64
	tiled          bool
	blockW, blockH int
	offsets        []uint64
	byteCounts     []uint64
}

func newTiffLevel(ifd *tiffIFD) (*tiffLevel, error) {
	l := &tiffLevel{
		ifd:         ifd,
		width:       int(ifd.uint(tagImageWidth, 0)),
		height:      int(ifd.uint(tagImageLength, 0)),
		spp:         int(ifd.uint(tagSamplesPerPixel, 1)),
		compression: uint16(ifd.uint(tagCompression, compressionNone)),
		predictor:   uint16(ifd.uint(tagPredictor, 1)),
		photometric: uint16(ifd.uint(tagPhotometric, 1)),
		planar:      uint16(ifd.uint(tagPlanarConfig, 1)),
	}
	if l.width <= 0 || l.height <= 0 || l.spp <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d with %d samples", l.width, l.height, l.spp)
	}
	if f, ok := ifd.fields[tagExtraSamples]; ok {
		l.extraSamples = f.ints
	}

	bits := ifd.fields[tagBitsPerSample]
	bps := uint64(1)
	if bits != nil {
		bps = bits.uint(0)
		for _, b := range bits.ints {
			if b != bps {
				return nil, fmt.Errorf("mixed BitsPerSample %v not supported", bits.ints)
			}
		}
	}
	format := ifd.uint(tagSampleFormat, 1)
	l.pixelType = pixelTypeFor(format, bps)
	if l.pixelType == Unknown {
		return nil, fmt.Errorf("unsupported sample layout: %d bits, SampleFormat=%d", bps, format)
	}
	l.sampleSize = l.pixelType.Size()

	if _, ok := ifd.fields[tagTileWidth]; ok {
		l.tiled = true
		l.blockW = int(ifd.uint(tagTileWidth, 0))
		l.blockH = int(ifd.uint(tagTileLength, 0))
		l.offsets = ifd.fields[tagTileOffsets].ints
		l.byteCounts = ifd.fields[tagTileByteCounts].ints
	} else {
		l.blockW = l.width
		l.blockH = int(ifd.uint(tagRowsPerStrip, uint64(l.height)))
		if l.blockH > l.height || l.blockH <= 0 {
			l.blockH = l.height
		}
		if f := ifd.fields[tagStripOffsets]; f != nil {
			l.offsets = f.ints
		}
		if f := ifd.fields[tagStripByteCounts]; f != nil {
			l.byteCounts = f.ints
		}
	}
	if l.blockW <= 0 || l.blockH <= 0 {
		return nil, fmt.Errorf("invalid block size %dx%d", l.blockW, l.blockH)
	}

	want := l.blocksAcross() * l.blocksDown() * l.planes()
	if len(l.offsets) < want || len(l.byteCounts) < want {
		return nil, fmt.Errorf("got %d block offsets and %d byte counts, want %d",
			len(l.offsets), len(l.byteCounts), want)
	}
	return l, nil
}

// pixelTypeFor maps SampleFormat and BitsPerSample to a pixel type.
func pixelTypeFor(sampleFormat, bits uint64) PixelType {
	switch {
	case sampleFormat == 1 && bits == 8:
		return Byte
	case sampleFormat == 1 && bits == 16:
		return UInt16
	case sampleFormat == 1 && bits == 32:
		return UInt32
	case sampleFormat == 2 && bits == 8:
		return Int16 // no signed byte type; widened on read
	case sampleFormat == 2 && bits == 16:
		return Int16
	case sampleFormat == 2 && bits == 32:
		return Int32
	case sampleFormat == 3 && bits == 32:
		return Float32
	case sampleFormat == 3 && bits == 64:
		return Float64
	}
	return Unknown
}

func (l *tiffLevel) subfileType() uint64 {
	return l.ifd.uint(tagNewSubfileType, 0)
}

func (l *tiffLevel) planes() int {
	if l.planar == 2 {
		return l.spp
	}
	return 1
}

func (l *tiffLevel) blocksAcross() int {
	return (l.width + l.blockW - 1) / l.blockW
}

func (l *tiffLevel) blocksDown() int {
	return (l.height + l.blockH - 1) / l.blockH
}

// blockIndex returns the index into offsets for the block at block
// column bx and block row by, holding the samples of band (0-based).
func (l *tiffLevel) blockIndex(bx, by, band int) int {
	idx := by*l.blocksAcross() + bx
	if l.planar == 2 {
		idx += band * l.blocksAcross() * l.blocksDown()
	}
	return idx
}

// fileSampleSize is the on-disk sample size, which differs from
// sampleSize for signed bytes.
func (l *tiffLevel) fileSampleSize() int {
	bits := l.ifd.fields[tagBitsPerSample]
	if bits != nil && bits.uint(0) == 8 {
		return 1
	}
	return l.sampleSize
}

// decodedBlockSize is the size in bytes of one uncompressed block.
func (l *tiffLevel) decodedBlockSize() int {
	spp := l.spp
	if l.planar == 2 {
		spp = 1
	}
	return l.blockW * l.blockH * spp * l.fileSampleSize()
}

// readBlock reads and decompresses one block in the file's byte order.
func (l *tiffLevel) readBlock(r io.ReaderAt, order binary.ByteOrder, index int) ([]byte, error) {
	size := l.decodedBlockSize()
	offset, count := l.offsets[index], l.byteCounts[index]
	if offset == 0 || count == 0 {
		return make([]byte, size), nil // sparse block
	}

	raw := make([]byte, count)
	if _, err := r.ReadAt(raw, int64(offset)); err != nil && err != io.EOF {
		return nil, err
	}

	data, err := decompressBlock(l.compression, raw, size)
	if err != nil {
		return nil, err
	}
	if l.compression == compressionNone {
		data = append([]byte(nil), data...)
	}

	spp := l.spp
	if l.planar == 2 {
		spp = 1
	}
	switch l.predictor {
	case 1:
	case 2:
		if l.pixelType.IsFloat() {
			return nil, fmt.Errorf("horizontal predictor on floating-point samples")
		}
		err = undoHorizontalPredictor(data, l.blockW, spp, l.fileSampleSize(), order)
	case 3:
		err = undoFloatPredictor(data, l.blockW, spp, l.fileSampleSize(), order)
	default:
		err = fmt.Errorf("unsupported predictor %d", l.predictor)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
