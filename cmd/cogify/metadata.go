// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/beevik/ntp"
)

// Metadata is the content of the metadata.json file that accompanies
// every converted raster.
type Metadata struct {
	BBox        [4]float64  `json:"bbox"`
	NumBand     int         `json:"numband"`
	EPSGCode    string      `json:"epsgcode"`
	OriginX     float64     `json:"originx"`
	OriginY     float64     `json:"originy"`
	PixelWidth  float64     `json:"pixelwidth"`
	PixelHeight float64     `json:"pixelheight"`
	Size        [2]int      `json:"size"`
	NoData      *float64    `json:"nodata"`
	DataType    string      `json:"datatype"`
	Bands       []BandStats `json:"bands"`
	File        string      `json:"file"`
	Time        string      `json:"time"`
	TimeSource  string      `json:"timesource"`
}

// BandStats are the statistics of one band, ignoring nodata samples.
// A band without valid samples has all statistics set to zero.
type BandStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count int64   `json:"count"`
}

// Clock tells the current time, and where it comes from.
type Clock interface {
	Now() (t time.Time, source string)
}

// NTPClock asks a network time server, and falls back to the local
// clock if the server cannot be reached.
type NTPClock struct {
	Server string
	Logger *log.Logger
}

func (c *NTPClock) Now() (time.Time, string) {
	resp, err := ntp.QueryWithOptions(c.Server, ntp.QueryOptions{Timeout: 5 * time.Second})
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		if c.Logger != nil {
			c.Logger.Printf("could not sync with time server %s, taking local time: %v", c.Server, err)
		}
		return time.Now().UTC(), "local"
	}
	return resp.Time.UTC(), "internet"
}

const metadataTimeFormat = "2006-01-02 15:04:05"

// ExtractMetadata describes the raster at path.
func ExtractMetadata(ctx context.Context, engine Engine, path string, clock Clock) (*Metadata, error) {
	ds, err := engine.Open(path)
	if err != nil {
		return nil, &InvalidInputError{Path: path, Err: err}
	}
	defer ds.Close()
	if ds.BandCount() == 0 {
		return nil, &InvalidInputError{Path: path, Err: os.ErrInvalid}
	}

	gt := ds.GeoTransform()
	w, h := ds.Width(), ds.Height()
	md := &Metadata{
		BBox:        lonLatBounds(gt, w, h, ds.SpatialRef()),
		NumBand:     ds.BandCount(),
		OriginX:     gt[0],
		OriginY:     gt[3],
		PixelWidth:  gt[1],
		PixelHeight: gt[5],
		Size:        [2]int{w, h},
		DataType:    ds.Band(1).DataType().DataTypeName(),
		File:        filepath.Base(path),
	}
	if code, err := epsgCode(ds.SpatialRef()); err == nil {
		md.EPSGCode = strconv.Itoa(code)
	}
	if v, ok := ds.Band(1).NoData(); ok {
		md.NoData = &v
	}

	for i := 1; i <= ds.BandCount(); i++ {
		stats, err := computeBandStats(ctx, ds.Band(i))
		if err != nil {
			return nil, &InvalidInputError{Path: path, Err: err}
		}
		md.Bands = append(md.Bands, stats)
	}

	t, source := clock.Now()
	md.Time = t.Format(metadataTimeFormat)
	md.TimeSource = source
	return md, nil
}

// lonLatBounds returns the bounding box of a raster in WGS84 degrees.
// Rasters in unsupported or missing spatial references report their
// extent in their own coordinates.
func lonLatBounds(gt [6]float64, width, height int, srs string) [4]float64 {
	if r, err := newReprojector(srs, "EPSG:4326"); err == nil {
		if minX, minY, maxX, maxY, ok := outlineBounds(gt, width, height, r); ok {
			return [4]float64{minX, minY, maxX, maxY}
		}
	}

	x0, y0 := applyGeoTransform(gt, 0, 0)
	x1, y1 := applyGeoTransform(gt, float64(width), float64(height))
	return [4]float64{math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)}
}

// computeBandStats reads a band block by block. Mean and standard
// deviation are accumulated with Welford's method.
func computeBandStats(ctx context.Context, band Band) (BandStats, error) {
	nodata, hasNoData := band.NoData()
	var s BandStats
	var mean, m2 float64
	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	for _, b := range Blocks(band.Width(), band.Height(), scratchBlockSize, scratchBlockSize) {
		if err := ctx.Err(); err != nil {
			return BandStats{}, err
		}
		buf, err := band.Read(b.X, b.Y, b.Width, b.Height)
		if err != nil {
			return BandStats{}, err
		}
		for i := 0; i < buf.Len(); i++ {
			v := buf.At(i)
			if math.IsNaN(v) || (hasNoData && v == nodata) {
				continue
			}
			s.Count++
			s.Min, s.Max = math.Min(s.Min, v), math.Max(s.Max, v)
			delta := v - mean
			mean += delta / float64(s.Count)
			m2 += delta * (v - mean)
		}
	}
	if s.Count == 0 {
		return BandStats{}, nil
	}
	s.Mean = mean
	s.Std = math.Sqrt(m2 / float64(s.Count))
	return s, nil
}

// WriteMetadata stores md as indented JSON. The file is replaced
// atomically, so readers never see a partial document.
func WriteMetadata(path string, md *Metadata) error {
	j, err := json.MarshalIndent(md, "", "    ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(j); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
