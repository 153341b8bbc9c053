// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Engine opens, warps and writes rasters. The conversion logic only talks
// to rasters through this interface; NativeEngine is the implementation
// shipped with this tool.
type Engine interface {
	// Open opens a raster file for reading.
	Open(path string) (Dataset, error)

	// Warp reprojects src into targetSRS. The result uses the driver
	// named by format, such as "VRT".
	Warp(ctx context.Context, src Dataset, targetSRS string, format string) (Dataset, error)

	// CreateCopy writes src into a new GeoTIFF file at path.
	CreateCopy(ctx context.Context, path string, src Dataset, opts CopyOptions) (Dataset, error)

	// CreateScratchCopy copies src into a writable scratch dataset
	// with extraBands additional bands. Overviews are not copied.
	CreateScratchCopy(ctx context.Context, src Dataset, extraBands int) (Dataset, error)

	// VersionNum tells which layout metadata the engine can report,
	// using the MAJOR*1000000 + MINOR*10000 encoding.
	VersionNum() int
}

type Dataset interface {
	Description() string
	DriverName() string
	Width() int
	Height() int
	BandCount() int

	// Band returns band i, counting from 1.
	Band(i int) Band

	GeoTransform() [6]float64
	SpatialRef() string

	// Metadata returns the items of a metadata domain, such as
	// "IMAGE_STRUCTURE". Unknown domains yield an empty map.
	Metadata(domain string) map[string]string

	// FileList returns the files that make up this dataset.
	FileList() []string

	BuildOverviews(ctx context.Context, method string, factors []int) error
	Flush() error
	Close() error
}

type Band interface {
	Width() int
	Height() int
	DataType() PixelType
	BlockSize() (int, int)

	// Read returns the samples of the w×h window at (x, y).
	Read(x, y, w, h int) (*Buffer, error)

	// Write stores buf at (x, y).
	Write(x, y int, buf *Buffer) error

	NoData() (float64, bool)
	SetNoData(v float64) error
	ColorInterp() ColorInterp
	SetColorInterp(c ColorInterp) error

	OverviewCount() int
	Overview(i int) Band

	// MetadataItem looks up a metadata key in a domain, such as
	// "IFD_OFFSET" in "TIFF".
	MetadataItem(key, domain string) (string, bool)
}

// Driver names.
const (
	DriverGTiff = "GTiff"
	DriverMem   = "MEM"
	DriverVRT   = "VRT"
)

// Metadata domains and keys.
const (
	DomainTIFF           = "TIFF"
	DomainImageStructure = "IMAGE_STRUCTURE"

	KeyIFDOffset   = "IFD_OFFSET"
	KeyBlockOffset = "BLOCK_OFFSET_0_0"
	KeyBlockSize   = "BLOCK_SIZE_0_0"
	KeyCompression = "COMPRESSION"
	KeyInterleave  = "INTERLEAVE"
)

// CopyOptions controls CreateCopy.
type CopyOptions struct {
	// NumThreads is the number of encoder goroutines; 0 means
	// one per CPU, like "ALL_CPUS".
	NumThreads       int
	Compress         string
	BigTIFF          bool
	Tiled            bool
	BlockWidth       int
	BlockHeight      int
	CopySrcOverviews bool
}

// NativeEngine implements Engine in pure Go.
type NativeEngine struct {
	// TempDir holds scratch files. Empty means os.TempDir().
	TempDir string
}

// nativeVersion is reported by VersionNum. The native engine reports
// IFD_OFFSET and BLOCK_OFFSET_0_0 for every TIFF level.
const nativeVersion = 3000000

func (e *NativeEngine) VersionNum() int {
	return nativeVersion
}

func (e *NativeEngine) Open(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ds, err := newTiffDataset(f, path, e.TempDir)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

func (e *NativeEngine) Warp(ctx context.Context, src Dataset, targetSRS string, format string) (Dataset, error) {
	if !strings.EqualFold(format, DriverVRT) && !strings.EqualFold(format, DriverMem) {
		return nil, fmt.Errorf("unsupported intermediate format %q", format)
	}
	w, err := newWarpedDataset(src, targetSRS, e.TempDir)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(format, DriverMem) {
		defer w.Close()
		return e.CreateScratchCopy(ctx, w, 0)
	}
	return w, nil
}

func (e *NativeEngine) CreateScratchCopy(ctx context.Context, src Dataset, extraBands int) (Dataset, error) {
	return newScratchCopy(ctx, src, extraBands, e.TempDir)
}

func (e *NativeEngine) CreateCopy(ctx context.Context, path string, src Dataset, opts CopyOptions) (Dataset, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, err
	}
	out, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w, err := NewTiffWriter(src, opts, e.TempDir)
	if err != nil {
		out.Close()
		os.Remove(path)
		return nil, err
	}
	if err := w.WriteTo(ctx, out); err != nil {
		out.Close()
		os.Remove(path)
		return nil, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	return e.Open(path)
}

// bandsOf returns the bands of ds, counting from 1.
func bandsOf(ds Dataset) []Band {
	bands := make([]Band, ds.BandCount())
	for i := range bands {
		bands[i] = ds.Band(i + 1)
	}
	return bands
}
