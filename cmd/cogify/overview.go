// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
)

// overviewSize returns the dimensions of an overview that is factor
// times smaller than a width×height raster. No dimension goes below 1.
func overviewSize(width, height, factor int) (int, int) {
	return max(1, width/factor), max(1, height/factor)
}

// buildOverviewBands computes reduced-resolution copies of each band in
// base, one per factor, ordered from the largest to the smallest. Each
// level is resampled from the previous one.
func buildOverviewBands(ctx context.Context, base []Band, method string, factors []int, file *scratchFile) ([][]Band, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method != "NEAREST" && method != "AVERAGE" {
		return nil, fmt.Errorf("unsupported resampling method %q", method)
	}

	sorted := slices.Clone(factors)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, f := range sorted {
		if f < 2 {
			return nil, fmt.Errorf("bad overview factor %d", f)
		}
	}

	result := make([][]Band, len(base))
	for i, band := range base {
		prev := band
		for _, f := range sorted {
			w, h := overviewSize(band.Width(), band.Height(), f)
			ovr, err := newScratchBand(file, band.DataType(), w, h)
			if err != nil {
				return nil, err
			}
			if v, ok := band.NoData(); ok {
				ovr.SetNoData(v)
			}
			ovr.SetColorInterp(band.ColorInterp())
			if err := resampleBand(ctx, ovr, prev, method); err != nil {
				return nil, err
			}
			result[i] = append(result[i], ovr)
			prev = ovr
		}
	}
	return result, nil
}

// resampleBand fills dst by downsampling src, one output tile at a time.
func resampleBand(ctx context.Context, dst, src Band, method string) error {
	dw, dh := dst.Width(), dst.Height()
	sw, sh := src.Width(), src.Height()
	rx, ry := float64(sw)/float64(dw), float64(sh)/float64(dh)
	tile := min(scratchBlockSize, max(1, 2*scratchBlockSize/int(math.Ceil(max(rx, ry)))))
	nodata, hasNoData := src.NoData()

	for ty := 0; ty < dh; ty += tile {
		if err := ctx.Err(); err != nil {
			return err
		}
		for tx := 0; tx < dw; tx += tile {
			tw, th := min(tile, dw-tx), min(tile, dh-ty)

			// Source window covering the tile.
			sx0 := int(math.Floor(float64(tx) * rx))
			sy0 := int(math.Floor(float64(ty) * ry))
			sx1 := min(sw, int(math.Ceil(float64(tx+tw)*rx)))
			sy1 := min(sh, int(math.Ceil(float64(ty+th)*ry)))
			in, err := src.Read(sx0, sy0, sx1-sx0, sy1-sy0)
			if err != nil {
				return err
			}

			out := NewBuffer(dst.DataType(), tw, th)
			for y := 0; y < th; y++ {
				for x := 0; x < tw; x++ {
					var v float64
					if method == "NEAREST" {
						sx := min(sw-1, int((float64(tx+x)+0.5)*rx))
						sy := min(sh-1, int((float64(ty+y)+0.5)*ry))
						v = in.At((sy-sy0)*in.Width + (sx - sx0))
					} else {
						v = averageWindow(in, sx0, sy0,
							int(math.Floor(float64(tx+x)*rx)), int(math.Floor(float64(ty+y)*ry)),
							min(sw, int(math.Ceil(float64(tx+x+1)*rx))), min(sh, int(math.Ceil(float64(ty+y+1)*ry))),
							nodata, hasNoData)
					}
					out.Set(y*tw+x, v)
				}
			}
			if err := dst.Write(tx, ty, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// averageWindow returns the mean of the samples in [x0,x1)×[y0,y1),
// skipping nodata. in starts at (ox, oy) in source coordinates.
func averageWindow(in *Buffer, ox, oy, x0, y0, x1, y1 int, nodata float64, hasNoData bool) float64 {
	var sum float64
	var n int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			v := in.At((y-oy)*in.Width + (x - ox))
			if hasNoData && (v == nodata || (math.IsNaN(v) && math.IsNaN(nodata))) {
				continue
			}
			sum += v
			n++
		}
	}
	if n == 0 {
		if hasNoData {
			return nodata
		}
		return 0
	}
	return sum / float64(n)
}
