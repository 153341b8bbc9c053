// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testGeoTransform places test rasters near Zürich, at a resolution
// of 0.001 degrees per pixel.
var testGeoTransform = [6]float64{8.5, 0.001, 0, 47.4, 0, -0.001}

// newTestDataset creates a scratch dataset whose band b (counting from
// zero) has the value fill(b, x, y) at pixel (x, y).
func newTestDataset(t *testing.T, width, height int, types []PixelType, fill func(b, x, y int) float64) *scratchDataset {
	t.Helper()
	ds, err := newScratchDataset(t.TempDir(), width, height)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ds.Close() })
	ds.gt = testGeoTransform
	ds.srs = "EPSG:4326"

	for i, typ := range types {
		band, err := ds.AddBand(typ)
		if err != nil {
			t.Fatal(err)
		}
		for _, blk := range Blocks(width, height, 256, 256) {
			buf := NewBuffer(typ, blk.Width, blk.Height)
			for y := 0; y < blk.Height; y++ {
				for x := 0; x < blk.Width; x++ {
					buf.Set(y*blk.Width+x, fill(i, blk.X+x, blk.Y+y))
				}
			}
			if err := band.Write(blk.X, blk.Y, buf); err != nil {
				t.Fatal(err)
			}
		}
	}
	return ds
}

// newRGBDataset creates a three-band Byte dataset tagged as red, green
// and blue.
func newRGBDataset(t *testing.T, width, height int, fill func(b, x, y int) float64) *scratchDataset {
	t.Helper()
	ds := newTestDataset(t, width, height, []PixelType{Byte, Byte, Byte}, fill)
	for i, c := range []ColorInterp{RedColor, GreenColor, BlueColor} {
		ds.bands[i].SetColorInterp(c)
	}
	return ds
}

// writeTestTIFF stores ds as GeoTIFF file in a temporary directory.
func writeTestTIFF(t *testing.T, ds Dataset, name string, opts CopyOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	engine := &NativeEngine{TempDir: t.TempDir()}
	out, err := engine.CreateCopy(context.Background(), path, ds, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

// openTestTIFF opens a GeoTIFF and closes it when the test is over.
func openTestTIFF(t *testing.T, path string) Dataset {
	t.Helper()
	engine := &NativeEngine{TempDir: t.TempDir()}
	ds, err := engine.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ds.Close() })
	return ds
}

// wantSameBand checks that two bands have the same size and samples.
func wantSameBand(t *testing.T, got, want Band) {
	t.Helper()
	if got.Width() != want.Width() || got.Height() != want.Height() {
		t.Fatalf("got %dx%d band, want %dx%d", got.Width(), got.Height(), want.Width(), want.Height())
	}
	g, err := got.Read(0, 0, got.Width(), got.Height())
	if err != nil {
		t.Fatal(err)
	}
	w, err := want.Read(0, 0, want.Width(), want.Height())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < w.Len(); i++ {
		if g.At(i) != w.At(i) {
			x, y := i%w.Width, i/w.Width
			t.Fatalf("pixel (%d, %d): got %v, want %v", x, y, g.At(i), w.At(i))
		}
	}
}

// testEntry is a directory entry for hand-made TIFF files.
type testEntry struct {
	tag    uint16
	typ    uint16
	values []uint32
}

// buildTIFF assembles a classic TIFF with a single directory. Values
// that do not fit into an entry go between the directory and the pixel
// data. Since strip offsets depend on where the pixel data starts,
// entries is called with that position.
func buildTIFF(order binary.ByteOrder, entries func(dataStart uint32) []testEntry, data []byte) []byte {
	encode := func(e testEntry) []byte {
		var buf bytes.Buffer
		for _, v := range e.values {
			if e.typ == typeShort {
				binary.Write(&buf, order, uint16(v))
			} else {
				binary.Write(&buf, order, v)
			}
		}
		return buf.Bytes()
	}

	probe := entries(0)
	extraSize := 0
	for _, e := range probe {
		if n := len(encode(e)); n > 4 {
			extraSize += n
		}
	}
	ifdSize := 2 + 12*len(probe) + 4
	dataStart := uint32(8 + ifdSize + extraSize)

	var out, extra bytes.Buffer
	if order == binary.BigEndian {
		out.WriteString("MM")
	} else {
		out.WriteString("II")
	}
	binary.Write(&out, order, uint16(42))
	binary.Write(&out, order, uint32(8))

	final := entries(dataStart)
	binary.Write(&out, order, uint16(len(final)))
	for _, e := range final {
		binary.Write(&out, order, e.tag)
		binary.Write(&out, order, e.typ)
		binary.Write(&out, order, uint32(len(e.values)))
		value := encode(e)
		if len(value) <= 4 {
			out.Write(value)
			out.Write(make([]byte, 4-len(value)))
		} else {
			binary.Write(&out, order, uint32(8+ifdSize+extra.Len()))
			extra.Write(value)
		}
	}
	binary.Write(&out, order, uint32(0))
	out.Write(extra.Bytes())
	out.Write(data)
	return out.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// fixedClock always tells the same time.
type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() (time.Time, string) {
	return c.t, "local"
}

// FakeStorage keeps objects in memory.
type FakeStorage struct {
	Buckets      map[string]bool
	Objects      map[string][]byte
	ContentTypes map[string]string
}

func NewFakeStorage(buckets ...string) *FakeStorage {
	s := &FakeStorage{
		Buckets:      make(map[string]bool),
		Objects:      make(map[string][]byte),
		ContentTypes: make(map[string]string),
	}
	for _, b := range buckets {
		s.Buckets[b] = true
	}
	return s
}

func (s *FakeStorage) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return s.Buckets[bucket], nil
}

func (s *FakeStorage) Stat(ctx context.Context, bucket, path string) (ObjectInfo, error) {
	key := bucket + "/" + path
	data, ok := s.Objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("no such object: %s", key)
	}
	return ObjectInfo{Key: path, ContentType: s.ContentTypes[key], Size: int64(len(data))}, nil
}

func (s *FakeStorage) Get(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	key := bucket + "/" + path
	data, ok := s.Objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *FakeStorage) PutFile(ctx context.Context, bucket string, remotepath string, localpath string, contentType string) (ObjectInfo, error) {
	data, err := os.ReadFile(localpath)
	if err != nil {
		return ObjectInfo{}, err
	}
	key := bucket + "/" + remotepath
	s.Objects[key] = data
	s.ContentTypes[key] = contentType
	return ObjectInfo{Key: remotepath, ContentType: contentType, ETag: "etag-" + strings.ReplaceAll(remotepath, "/", "-"), Size: int64(len(data))}, nil
}
