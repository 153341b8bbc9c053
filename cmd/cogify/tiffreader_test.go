// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func wantSamples(t *testing.T, band Band, want []float64) {
	t.Helper()
	buf, err := band.Read(0, 0, band.Width(), band.Height())
	if err != nil {
		t.Fatal(err)
	}
	got := make([]float64, buf.Len())
	for i := range got {
		got[i] = buf.At(i)
	}
	if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTiffReader_BigEndianStrip(t *testing.T) {
	data := []byte{0, 1, 0, 2, 0, 3, 0x12, 0x34}
	tiff := buildTIFF(binary.BigEndian, func(start uint32) []testEntry {
		return []testEntry{
			{tagImageWidth, typeShort, []uint32{2}},
			{tagImageLength, typeShort, []uint32{2}},
			{tagBitsPerSample, typeShort, []uint32{16}},
			{tagCompression, typeShort, []uint32{compressionNone}},
			{tagPhotometric, typeShort, []uint32{1}},
			{tagStripOffsets, typeLong, []uint32{start}},
			{tagSamplesPerPixel, typeShort, []uint32{1}},
			{tagRowsPerStrip, typeShort, []uint32{2}},
			{tagStripByteCounts, typeLong, []uint32{8}},
		}
	}, data)

	ds := openTestTIFF(t, writeFile(t, "be.tif", tiff))
	if ds.Width() != 2 || ds.Height() != 2 || ds.BandCount() != 1 {
		t.Fatalf("got %dx%d with %d bands, want 2x2 with 1 band", ds.Width(), ds.Height(), ds.BandCount())
	}
	band := ds.Band(1)
	if band.DataType() != UInt16 {
		t.Errorf("got %v, want UInt16", band.DataType())
	}
	if band.ColorInterp() != GrayColor {
		t.Errorf("got %v, want Gray", band.ColorInterp())
	}
	if ds.GeoTransform() != identityGeoTransform || ds.SpatialRef() != "" {
		t.Errorf("got %v %q, want no georeferencing", ds.GeoTransform(), ds.SpatialRef())
	}
	wantSamples(t, band, []float64{1, 2, 3, 0x1234})
}

func TestTiffReader_PlanarWithPredictor(t *testing.T) {
	data := []byte{
		10, 10, 10, 5, 0, 0, // band 1
		1, 1, 2, 8, 0, 1, // band 2
	}
	tiff := buildTIFF(binary.LittleEndian, func(start uint32) []testEntry {
		return []testEntry{
			{tagImageWidth, typeLong, []uint32{3}},
			{tagImageLength, typeLong, []uint32{2}},
			{tagBitsPerSample, typeShort, []uint32{8, 8}},
			{tagCompression, typeShort, []uint32{compressionNone}},
			{tagPhotometric, typeShort, []uint32{1}},
			{tagStripOffsets, typeLong, []uint32{start, start + 6}},
			{tagSamplesPerPixel, typeShort, []uint32{2}},
			{tagRowsPerStrip, typeLong, []uint32{2}},
			{tagStripByteCounts, typeLong, []uint32{6, 6}},
			{tagPlanarConfig, typeShort, []uint32{2}},
			{tagPredictor, typeShort, []uint32{2}},
			{tagExtraSamples, typeShort, []uint32{0}},
		}
	}, data)

	ds := openTestTIFF(t, writeFile(t, "planar.tif", tiff))
	if got := ds.Metadata(DomainImageStructure)[KeyInterleave]; got != "BAND" {
		t.Errorf("got INTERLEAVE=%q, want BAND", got)
	}
	wantSamples(t, ds.Band(1), []float64{10, 20, 30, 5, 5, 5})
	wantSamples(t, ds.Band(2), []float64{1, 2, 4, 8, 8, 9})
	if got := ds.Band(2).ColorInterp(); got != UndefinedColor {
		t.Errorf("got %v, want Undefined", got)
	}
}

func TestTiffReader_LZWWithShortLastStrip(t *testing.T) {
	rows := [][]byte{{1, 2, 3, 4, 5, 6, 7, 8}, {9, 10, 11, 12}}
	strip1, strip2 := lzwEncode(rows[0]), lzwEncode(rows[1])
	data := append(append([]byte{}, strip1...), strip2...)
	tiff := buildTIFF(binary.LittleEndian, func(start uint32) []testEntry {
		return []testEntry{
			{tagImageWidth, typeShort, []uint32{4}},
			{tagImageLength, typeShort, []uint32{3}},
			{tagBitsPerSample, typeShort, []uint32{8}},
			{tagCompression, typeShort, []uint32{compressionLZW}},
			{tagPhotometric, typeShort, []uint32{1}},
			{tagStripOffsets, typeLong, []uint32{start, start + uint32(len(strip1))}},
			{tagRowsPerStrip, typeShort, []uint32{2}},
			{tagStripByteCounts, typeLong, []uint32{uint32(len(strip1)), uint32(len(strip2))}},
		}
	}, data)

	ds := openTestTIFF(t, writeFile(t, "lzw.tif", tiff))
	if got := ds.Metadata(DomainImageStructure)[KeyCompression]; got != "LZW" {
		t.Errorf("got COMPRESSION=%q, want LZW", got)
	}
	wantSamples(t, ds.Band(1), []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	buf, err := ds.Band(1).Read(1, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprintf("%v %v %v %v", buf.At(0), buf.At(1), buf.At(2), buf.At(3)); got != "6 7 10 11" {
		t.Errorf("got %s, want 6 7 10 11", got)
	}
}

func TestTiffReader_SignedBytes(t *testing.T) {
	tiff := buildTIFF(binary.LittleEndian, func(start uint32) []testEntry {
		return []testEntry{
			{tagImageWidth, typeShort, []uint32{2}},
			{tagImageLength, typeShort, []uint32{1}},
			{tagBitsPerSample, typeShort, []uint32{8}},
			{tagStripOffsets, typeLong, []uint32{start}},
			{tagStripByteCounts, typeLong, []uint32{2}},
			{tagSampleFormat, typeShort, []uint32{2}},
		}
	}, []byte{0xff, 5})

	ds := openTestTIFF(t, writeFile(t, "int8.tif", tiff))
	if got := ds.Band(1).DataType(); got != Int16 {
		t.Errorf("got %v, want Int16", got)
	}
	wantSamples(t, ds.Band(1), []float64{-1, 5})
}

func TestTiffReader_SparseBlocks(t *testing.T) {
	tiff := buildTIFF(binary.LittleEndian, func(start uint32) []testEntry {
		return []testEntry{
			{tagImageWidth, typeShort, []uint32{2}},
			{tagImageLength, typeShort, []uint32{2}},
			{tagBitsPerSample, typeShort, []uint32{8}},
			{tagStripOffsets, typeLong, []uint32{0}},
			{tagStripByteCounts, typeLong, []uint32{0}},
		}
	}, nil)

	ds := openTestTIFF(t, writeFile(t, "sparse.tif", tiff))
	wantSamples(t, ds.Band(1), []float64{0, 0, 0, 0})
	if _, ok := ds.Band(1).MetadataItem(KeyBlockOffset, DomainTIFF); ok {
		t.Error("sparse block should have no BLOCK_OFFSET_0_0")
	}
	if got, ok := ds.Band(1).MetadataItem(KeyIFDOffset, DomainTIFF); !ok || got != "8" {
		t.Errorf("got IFD_OFFSET=%q, want 8", got)
	}
}

func TestNewTiffReader_NotTIFF(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("II*"),
		[]byte("Hello, world!"),
		[]byte("II\x2b\x00\x04\x00\x00\x00\x10\x00\x00\x00\x00\x00\x00\x00"),
	} {
		_, err := NewTiffReader(bytes.NewReader(data), int64(len(data)))
		if !errors.Is(err, errNotTIFF) {
			t.Errorf("%q: got %v, want %v", data, err, errNotTIFF)
		}
	}
}

func TestNewTiffReader_DirectoryLoop(t *testing.T) {
	tiff := buildTIFF(binary.LittleEndian, func(start uint32) []testEntry {
		return []testEntry{
			{tagImageWidth, typeShort, []uint32{1}},
			{tagImageLength, typeShort, []uint32{1}},
		}
	}, nil)
	// Make the next-directory pointer point back to the first directory.
	binary.LittleEndian.PutUint32(tiff[8+2+2*12:], 8)

	_, err := NewTiffReader(bytes.NewReader(tiff), int64(len(tiff)))
	if err == nil || !strings.Contains(err.Error(), "loop") {
		t.Errorf("got %v, want error about loop", err)
	}
}

func TestNewTiffReader_DirectoryOutOfRange(t *testing.T) {
	data := []byte("II\x2a\x00\x00\x10\x00\x00")
	_, err := NewTiffReader(bytes.NewReader(data), int64(len(data)))
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("got %v, want error about range", err)
	}
}

func TestTiffDataset_FileList(t *testing.T) {
	src := newTestDataset(t, 8, 8, []PixelType{Byte}, func(b, x, y int) float64 { return 1 })
	path := writeTestTIFF(t, src, "sidecar.tif", CopyOptions{})
	if err := os.WriteFile(path+".ovr", []byte{}, 0644); err != nil {
		t.Fatal(err)
	}
	ds := openTestTIFF(t, path)
	got := fmt.Sprintf("%v", ds.FileList())
	want := fmt.Sprintf("%v", []string{path, path + ".ovr"})
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestTiffDataset_BuildOverviewsReplacesInternal(t *testing.T) {
	src := newTestDataset(t, 64, 64, []PixelType{Byte}, func(b, x, y int) float64 { return float64(x) })
	if err := src.BuildOverviews(context.Background(), "NEAREST", []int{2}); err != nil {
		t.Fatal(err)
	}
	path := writeTestTIFF(t, src, "ovr.tif", CopyOptions{Tiled: true, BlockWidth: 16, CopySrcOverviews: true})

	ds := openTestTIFF(t, path)
	if got := ds.Band(1).OverviewCount(); got != 1 {
		t.Fatalf("got %d overviews in file, want 1", got)
	}
	if err := ds.BuildOverviews(context.Background(), "AVERAGE", []int{2, 4, 8}); err != nil {
		t.Fatal(err)
	}
	band := ds.Band(1)
	if got := band.OverviewCount(); got != 3 {
		t.Fatalf("got %d overviews, want 3", got)
	}
	if o := band.Overview(2); o.Width() != 8 || o.Height() != 8 {
		t.Errorf("got %dx%d, want 8x8", o.Width(), o.Height())
	}
	if band.Overview(3) != nil {
		t.Error("Overview(3) should be nil")
	}
}
