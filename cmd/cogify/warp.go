// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"math"
)

// maxWarpWindow limits the number of source pixels fetched for one
// read. Larger requests get split.
const maxWarpWindow = 4096 * 4096

// warpedDataset presents src in another spatial reference. Pixels are
// computed lazily on Read, with nearest-neighbour resampling.
type warpedDataset struct {
	src      Dataset
	tempDir  string
	width    int
	height   int
	gt       [6]float64
	srs      string
	identity bool
	inverse  [6]float64 // world to source pixel
	reproj   *reprojector
	bands    []*warpedBand
	scratch  *scratchFile
}

func newWarpedDataset(src Dataset, targetSRS, tempDir string) (*warpedDataset, error) {
	if src.BandCount() == 0 {
		return nil, fmt.Errorf("cannot warp raster without bands")
	}
	ds := &warpedDataset{
		src:     src,
		tempDir: tempDir,
		width:   src.Width(),
		height:  src.Height(),
		gt:      src.GeoTransform(),
		srs:     canonicalSRS(src.SpatialRef()),
	}

	target := canonicalSRS(targetSRS)
	if ds.srs == "" || target == "" || ds.srs == target {
		ds.identity = true
	} else {
		inv, ok := invertGeoTransform(ds.gt)
		if !ok {
			return nil, fmt.Errorf("cannot invert geotransform %v", ds.gt)
		}
		reproj, err := newReprojector(target, ds.srs)
		if err != nil {
			return nil, err
		}
		forward, err := newReprojector(ds.srs, target)
		if err != nil {
			return nil, err
		}
		ds.inverse, ds.reproj = inv, reproj
		if err := ds.suggestOutput(forward); err != nil {
			return nil, err
		}
		ds.srs = target
	}

	for i := 1; i <= src.BandCount(); i++ {
		sb := src.Band(i)
		b := &warpedBand{ds: ds, src: sb, interp: sb.ColorInterp()}
		b.nodata, b.hasNoData = sb.NoData()
		ds.bands = append(ds.bands, b)
	}
	return ds, nil
}

// suggestOutput picks the extent and resolution of the warped raster.
// The pixel size keeps the number of pixels along the diagonal.
func (ds *warpedDataset) suggestOutput(forward *reprojector) error {
	w, h := float64(ds.src.Width()), float64(ds.src.Height())
	minX, minY, maxX, maxY, ok := outlineBounds(ds.gt, ds.src.Width(), ds.src.Height(), forward)
	if !ok {
		return fmt.Errorf("cannot transform raster outline from %s", ds.src.SpatialRef())
	}

	diag := math.Hypot(maxX-minX, maxY-minY)
	res := diag / math.Hypot(w, h)
	ds.width = max(1, int(math.Ceil((maxX-minX)/res-1e-9)))
	ds.height = max(1, int(math.Ceil((maxY-minY)/res-1e-9)))
	ds.gt = [6]float64{minX, res, 0, maxY, 0, -res}
	return nil
}

// outlineBounds samples the outline of a width×height raster along its
// edges, transforms the samples and returns their bounding box.
func outlineBounds(gt [6]float64, width, height int, forward *reprojector) (minX, minY, maxX, maxY float64, ok bool) {
	const steps = 20
	w, h := float64(width), float64(height)
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	n := 0
	for i := 0; i <= steps; i++ {
		for j := 0; j <= steps; j++ {
			if i != 0 && i != steps && j != 0 && j != steps {
				continue
			}
			px, py := w*float64(i)/steps, h*float64(j)/steps
			x, y, ok := forward.transform(applyGeoTransform(gt, px, py))
			if !ok {
				continue
			}
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
			n++
		}
	}
	return minX, minY, maxX, maxY, n > 0 && maxX > minX && maxY > minY
}

func applyGeoTransform(gt [6]float64, px, py float64) (float64, float64) {
	return gt[0] + px*gt[1] + py*gt[2], gt[3] + px*gt[4] + py*gt[5]
}

func invertGeoTransform(gt [6]float64) ([6]float64, bool) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 || math.IsNaN(det) {
		return [6]float64{}, false
	}
	inv := 1 / det
	return [6]float64{
		(gt[2]*gt[3] - gt[0]*gt[5]) * inv,
		gt[5] * inv,
		-gt[2] * inv,
		(-gt[1]*gt[3] + gt[0]*gt[4]) * inv,
		-gt[4] * inv,
		gt[1] * inv,
	}, true
}

func (ds *warpedDataset) Description() string      { return "" }
func (ds *warpedDataset) DriverName() string       { return DriverVRT }
func (ds *warpedDataset) Width() int               { return ds.width }
func (ds *warpedDataset) Height() int              { return ds.height }
func (ds *warpedDataset) BandCount() int           { return len(ds.bands) }
func (ds *warpedDataset) Band(i int) Band          { return ds.bands[i-1] }
func (ds *warpedDataset) GeoTransform() [6]float64 { return ds.gt }
func (ds *warpedDataset) SpatialRef() string       { return ds.srs }
func (ds *warpedDataset) FileList() []string       { return nil }
func (ds *warpedDataset) Flush() error             { return nil }

// Metadata forwards the compression of the source, so conversions keep
// the codec of their input.
func (ds *warpedDataset) Metadata(domain string) map[string]string {
	md := make(map[string]string, 2)
	if domain != DomainImageStructure {
		return md
	}
	if c, ok := ds.src.Metadata(DomainImageStructure)[KeyCompression]; ok {
		md[KeyCompression] = c
	}
	if len(ds.bands) > 1 {
		md[KeyInterleave] = "PIXEL"
	}
	return md
}

func (ds *warpedDataset) BuildOverviews(ctx context.Context, method string, factors []int) error {
	if ds.scratch == nil {
		s, err := newScratchFile(ds.tempDir)
		if err != nil {
			return err
		}
		ds.scratch = s
	}
	base := make([]Band, len(ds.bands))
	for i, b := range ds.bands {
		base[i] = b
	}
	ovr, err := buildOverviewBands(ctx, base, method, factors, ds.scratch)
	if err != nil {
		return err
	}
	for i, b := range ds.bands {
		b.overviews = ovr[i]
	}
	return nil
}

// Close releases the overviews; the source dataset stays open.
func (ds *warpedDataset) Close() error {
	if ds.scratch == nil {
		return nil
	}
	err := ds.scratch.Close()
	ds.scratch = nil
	return err
}

// sourcePixels maps each pixel of a window to the source pixel it
// samples, or to -1 if it falls outside the source.
func (ds *warpedDataset) sourcePixels(x, y, w, h int) ([]int, []int) {
	sx, sy := make([]int, w*h), make([]int, w*h)
	sw, sh := ds.src.Width(), ds.src.Height()
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			k := j*w + i
			sx[k], sy[k] = -1, -1
			wx, wy := applyGeoTransform(ds.gt, float64(x+i)+0.5, float64(y+j)+0.5)
			ux, uy, ok := ds.reproj.transform(wx, wy)
			if !ok {
				continue
			}
			fx, fy := applyGeoTransform(ds.inverse, ux, uy)
			if fx < 0 || fy < 0 || fx >= float64(sw) || fy >= float64(sh) {
				continue
			}
			sx[k], sy[k] = int(fx), int(fy)
		}
	}
	return sx, sy
}

type warpedBand struct {
	ds        *warpedDataset
	src       Band
	nodata    float64
	hasNoData bool
	interp    ColorInterp
	overviews []Band
}

func (b *warpedBand) Width() int               { return b.ds.width }
func (b *warpedBand) Height() int              { return b.ds.height }
func (b *warpedBand) DataType() PixelType      { return b.src.DataType() }
func (b *warpedBand) NoData() (float64, bool)  { return b.nodata, b.hasNoData }
func (b *warpedBand) ColorInterp() ColorInterp { return b.interp }

func (b *warpedBand) BlockSize() (int, int) {
	if b.ds.identity {
		return b.src.BlockSize()
	}
	return min(b.ds.width, scratchBlockSize), min(b.ds.height, scratchBlockSize)
}

func (b *warpedBand) SetNoData(v float64) error {
	b.nodata, b.hasNoData = v, true
	return nil
}

func (b *warpedBand) SetColorInterp(c ColorInterp) error {
	b.interp = c
	return nil
}

func (b *warpedBand) Write(x, y int, buf *Buffer) error {
	return fmt.Errorf("warped raster is read-only")
}

func (b *warpedBand) MetadataItem(key, domain string) (string, bool) {
	return "", false
}

// OverviewCount reports built overviews. Without any, an unreprojected
// band exposes the overviews of its source.
func (b *warpedBand) OverviewCount() int {
	if b.overviews == nil && b.ds.identity {
		return b.src.OverviewCount()
	}
	return len(b.overviews)
}

func (b *warpedBand) Overview(i int) Band {
	if b.overviews == nil && b.ds.identity {
		return b.src.Overview(i)
	}
	if i < 0 || i >= len(b.overviews) {
		return nil
	}
	return b.overviews[i]
}

func (b *warpedBand) Read(x, y, w, h int) (*Buffer, error) {
	if b.ds.identity {
		return b.src.Read(x, y, w, h)
	}
	if x < 0 || y < 0 || w < 0 || h < 0 || x+w > b.ds.width || y+h > b.ds.height {
		return nil, fmt.Errorf("window %d,%d %dx%d outside %dx%d raster", x, y, w, h, b.ds.width, b.ds.height)
	}

	out := NewBuffer(b.src.DataType(), w, h)
	if b.hasNoData {
		out.Fill(b.nodata)
	}
	if err := b.readInto(out, x, y, w, h, 0, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// readInto resamples the window at (x, y) into out at (ox, oy).
func (b *warpedBand) readInto(out *Buffer, x, y, w, h, ox, oy int) error {
	if w == 0 || h == 0 {
		return nil
	}
	sx, sy := b.ds.sourcePixels(x, y, w, h)
	minX, minY, maxX, maxY := math.MaxInt, math.MaxInt, -1, -1
	for k := range sx {
		if sx[k] < 0 {
			continue
		}
		minX, maxX = min(minX, sx[k]), max(maxX, sx[k])
		minY, maxY = min(minY, sy[k]), max(maxY, sy[k])
	}
	if maxX < 0 {
		return nil
	}

	if (maxX-minX+1)*(maxY-minY+1) > maxWarpWindow && w*h > 1 {
		if w >= h {
			half := w / 2
			if err := b.readInto(out, x, y, half, h, ox, oy); err != nil {
				return err
			}
			return b.readInto(out, x+half, y, w-half, h, ox+half, oy)
		}
		half := h / 2
		if err := b.readInto(out, x, y, w, half, ox, oy); err != nil {
			return err
		}
		return b.readInto(out, x, y+half, w, h-half, ox, oy+half)
	}

	in, err := b.src.Read(minX, minY, maxX-minX+1, maxY-minY+1)
	if err != nil {
		return err
	}
	size := out.Type.Size()
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			k := j*w + i
			if sx[k] < 0 {
				continue
			}
			s := ((sy[k]-minY)*in.Width + (sx[k] - minX)) * size
			d := ((oy+j)*out.Width + (ox + i)) * size
			copy(out.Pix[d:d+size], in.Pix[s:s+size])
		}
	}
	return nil
}
