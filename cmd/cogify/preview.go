// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
)

// WritePreview renders a PNG quicklook of a raster, at most maxSize
// pixels wide and high. It reads the smallest overview that is still at
// least as large as the preview, so it never decodes the full image
// unless the raster has no overviews.
func WritePreview(engine Engine, rasterPath, pngPath string, maxSize int) error {
	ds, err := engine.Open(rasterPath)
	if err != nil {
		return &InvalidInputError{Path: rasterPath, Err: err}
	}
	defer ds.Close()

	img, err := previewImage(ds, maxSize)
	if err != nil {
		return &InvalidInputError{Path: rasterPath, Err: err}
	}

	scale := math.Min(float64(maxSize)/float64(ds.Width()), float64(maxSize)/float64(ds.Height()))
	scale = math.Min(scale, 1)
	width := max(1, int(math.Round(float64(ds.Width())*scale)))
	height := max(1, int(math.Round(float64(ds.Height())*scale)))

	dc := gg.NewContext(width, height)
	dc.Scale(float64(width)/float64(img.Bounds().Dx()), float64(height)/float64(img.Bounds().Dy()))
	dc.DrawImage(img, 0, 0)
	return dc.SavePNG(pngPath)
}

// previewLevel picks the overview index to render, or -1 for the full
// resolution image.
func previewLevel(band Band, maxSize int) int {
	level := -1
	for i := 0; i < band.OverviewCount(); i++ {
		o := band.Overview(i)
		if o.Width() < maxSize && o.Height() < maxSize {
			break
		}
		level = i
	}
	return level
}

func previewImage(ds Dataset, maxSize int) (image.Image, error) {
	level := previewLevel(ds.Band(1), maxSize)
	bands := make([]Band, 0, 4)
	var alpha Band
	for _, b := range bandsOf(ds) {
		if level >= 0 {
			b = b.Overview(level)
		}
		if b.ColorInterp() == AlphaColor {
			alpha = b
		} else if len(bands) < 3 {
			bands = append(bands, b)
		}
	}
	// Gray rasters, and rasters with two color bands, show the first one.
	if len(bands) != 3 {
		bands = bands[:1]
	}

	w, h := bands[0].Width(), bands[0].Height()
	channels := make([][]uint8, len(bands))
	valid := make([]bool, w*h)
	for i := range valid {
		valid[i] = true
	}
	for i, b := range bands {
		buf, err := b.Read(0, 0, w, h)
		if err != nil {
			return nil, err
		}
		nodata, hasNoData := b.NoData()
		channels[i] = stretch(buf, nodata, hasNoData, valid)
	}
	if alpha != nil {
		buf, err := alpha.Read(0, 0, w, h)
		if err != nil {
			return nil, err
		}
		for i := range valid {
			if buf.IsZero(i) {
				valid[i] = false
			}
		}
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range valid {
		x, y := i%w, i/w
		if !valid[i] {
			img.SetNRGBA(x, y, color.NRGBA{})
			continue
		}
		c := color.NRGBA{R: channels[0][i], G: channels[0][i], B: channels[0][i], A: 255}
		if len(channels) == 3 {
			c.G, c.B = channels[1][i], channels[2][i]
		}
		img.SetNRGBA(x, y, c)
	}
	return img, nil
}

// stretch maps samples linearly to 0..255. Byte samples are kept as
// they are; other types get stretched between their minimum and maximum.
// Nodata samples are marked as invalid.
func stretch(buf *Buffer, nodata float64, hasNoData bool, valid []bool) []uint8 {
	n := buf.Len()
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i++ {
		v := buf.At(i)
		if math.IsNaN(v) || (hasNoData && v == nodata) {
			valid[i] = false
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if buf.Type == Byte {
		lo, hi = 0, 255
	}

	out := make([]uint8, n)
	if hi <= lo {
		return out
	}
	for i := 0; i < n; i++ {
		if valid[i] {
			out[i] = uint8(math.Round((buf.At(i) - lo) / (hi - lo) * 255))
		}
	}
	return out
}
