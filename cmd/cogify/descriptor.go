// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"
)

// RasterDescriptor is the normalized metadata of a raster, with
// configured defaults already substituted. It is built once by
// NewRasterDescriptor and not changed afterwards.
type RasterDescriptor struct {
	Path             string
	Driver           string
	Width            int
	Height           int
	BandCount        int
	PixelType        PixelType
	NoData           float64
	NoDataFromSource bool
	Compression      string
	GeoTransform     [6]float64
	SpatialRef       string
	OverviewCount    int
	BlockWidth       int
	BlockHeight      int
	ColorInterps     []ColorInterp
}

// NewRasterDescriptor reads the metadata of ds. Rasters without pixels
// or bands are rejected with an InvalidInputError.
func NewRasterDescriptor(ds Dataset, cfg Config) (*RasterDescriptor, error) {
	path := ds.Description()
	if ds.Width() <= 0 || ds.Height() <= 0 {
		return nil, &InvalidInputError{Path: path, Err: fmt.Errorf("raster has size %dx%d", ds.Width(), ds.Height())}
	}
	if ds.BandCount() <= 0 {
		return nil, &InvalidInputError{Path: path, Err: fmt.Errorf("raster has no bands")}
	}

	band := ds.Band(1)
	d := &RasterDescriptor{
		Path:          path,
		Driver:        ds.DriverName(),
		Width:         ds.Width(),
		Height:        ds.Height(),
		BandCount:     ds.BandCount(),
		PixelType:     band.DataType(),
		GeoTransform:  ds.GeoTransform(),
		SpatialRef:    ds.SpatialRef(),
		OverviewCount: band.OverviewCount(),
	}
	d.BlockWidth, d.BlockHeight = band.BlockSize()
	if d.PixelType == Unknown {
		d.PixelType = Float32
	}

	if v, ok := band.NoData(); ok {
		d.NoData, d.NoDataFromSource = v, true
	} else {
		d.NoData = cfg.NoData
	}

	if c, ok := ds.Metadata(DomainImageStructure)[KeyCompression]; ok && strings.TrimSpace(c) != "" {
		d.Compression = normalizeCompression(c)
	} else {
		d.Compression = cfg.Compress
	}

	d.ColorInterps = make([]ColorInterp, d.BandCount)
	for i := range d.ColorInterps {
		d.ColorInterps[i] = ds.Band(i + 1).ColorInterp()
	}
	return d, nil
}

// normalizeCompression maps the label "YCbCr JPEG", which GDAL reports
// for JPEG files in the YCbCr color space, to plain "JPEG".
func normalizeCompression(c string) string {
	c = strings.TrimSpace(c)
	if canonicalCodecName(c) == "YCBCR JPEG" {
		return "JPEG"
	}
	return c
}

// HasAlpha tells whether any band is interpreted as alpha channel.
func (d *RasterDescriptor) HasAlpha() bool {
	for _, c := range d.ColorInterps {
		if c == AlphaColor {
			return true
		}
	}
	return false
}

// NeedsAlpha tells whether a transparency band should be synthesized:
// an RGB-like raster of three byte bands with no alpha channel.
func (d *RasterDescriptor) NeedsAlpha() bool {
	return !d.HasAlpha() && d.BandCount == 3 && d.PixelType == Byte
}
