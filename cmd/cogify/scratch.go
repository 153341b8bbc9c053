// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// scratchBlockSize is the block edge length of scratch bands.
const scratchBlockSize = 256

// scratchFile is a temporary file that holds uncompressed raster blocks.
// Space is handed out with alloc and never reclaimed; the file is
// removed on Close.
type scratchFile struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

func newScratchFile(dir string) (*scratchFile, error) {
	f, err := os.CreateTemp(dir, "cogify-scratch-*.tmp")
	if err != nil {
		return nil, err
	}
	return &scratchFile{f: f}, nil
}

// alloc reserves n zero bytes and returns their offset.
func (s *scratchFile) alloc(n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.size
	if err := s.f.Truncate(pos + n); err != nil {
		return 0, err
	}
	s.size += n
	return pos, nil
}

func (s *scratchFile) Close() error {
	if s.f == nil {
		return nil
	}
	name := s.f.Name()
	err := s.f.Close()
	s.f = nil
	if e := os.Remove(name); err == nil {
		err = e
	}
	return err
}

// scratchBand is a writable band whose blocks live in a scratchFile.
type scratchBand struct {
	mu         sync.RWMutex
	file       *scratchFile
	width      int
	height     int
	typ        PixelType
	base       int64
	blockBytes int64
	nodata     float64
	hasNoData  bool
	interp     ColorInterp
	overviews  []Band
}

func newScratchBand(file *scratchFile, t PixelType, width, height int) (*scratchBand, error) {
	if t.Size() == 0 {
		return nil, fmt.Errorf("cannot create band of type %v", t)
	}
	blockBytes := int64(scratchBlockSize * scratchBlockSize * t.Size())
	across := (width + scratchBlockSize - 1) / scratchBlockSize
	down := (height + scratchBlockSize - 1) / scratchBlockSize
	base, err := file.alloc(blockBytes * int64(across*down))
	if err != nil {
		return nil, err
	}
	return &scratchBand{
		file:       file,
		width:      width,
		height:     height,
		typ:        t,
		base:       base,
		blockBytes: blockBytes,
	}, nil
}

func (b *scratchBand) Width() int               { return b.width }
func (b *scratchBand) Height() int              { return b.height }
func (b *scratchBand) DataType() PixelType      { return b.typ }
func (b *scratchBand) BlockSize() (int, int)    { return scratchBlockSize, scratchBlockSize }
func (b *scratchBand) NoData() (float64, bool)  { return b.nodata, b.hasNoData }
func (b *scratchBand) ColorInterp() ColorInterp { return b.interp }
func (b *scratchBand) OverviewCount() int       { return len(b.overviews) }

func (b *scratchBand) SetColorInterp(c ColorInterp) error {
	b.interp = c
	return nil
}

func (b *scratchBand) SetNoData(v float64) error {
	b.nodata, b.hasNoData = v, true
	return nil
}

func (b *scratchBand) Overview(i int) Band {
	if i < 0 || i >= len(b.overviews) {
		return nil
	}
	return b.overviews[i]
}

func (b *scratchBand) MetadataItem(key, domain string) (string, bool) {
	return "", false
}

func (b *scratchBand) blockOffset(bx, by int) int64 {
	across := (b.width + scratchBlockSize - 1) / scratchBlockSize
	return b.base + int64(by*across+bx)*b.blockBytes
}

func (b *scratchBand) readBlock(bx, by int) (*Buffer, error) {
	buf := NewBuffer(b.typ, scratchBlockSize, scratchBlockSize)
	if _, err := b.file.f.ReadAt(buf.Pix, b.blockOffset(bx, by)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *scratchBand) Read(x, y, w, h int) (*Buffer, error) {
	if x < 0 || y < 0 || w < 0 || h < 0 || x+w > b.width || y+h > b.height {
		return nil, fmt.Errorf("window %d,%d %dx%d outside %dx%d raster", x, y, w, h, b.width, b.height)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := NewBuffer(b.typ, w, h)
	if w == 0 || h == 0 {
		return out, nil
	}
	for by := y / scratchBlockSize; by <= (y+h-1)/scratchBlockSize; by++ {
		for bx := x / scratchBlockSize; bx <= (x+w-1)/scratchBlockSize; bx++ {
			block, err := b.readBlock(bx, by)
			if err != nil {
				return nil, err
			}
			x0, y0 := max(x, bx*scratchBlockSize), max(y, by*scratchBlockSize)
			x1, y1 := min(x+w, (bx+1)*scratchBlockSize), min(y+h, (by+1)*scratchBlockSize)
			out.CopyRect(x0-x, y0-y, block, x0-bx*scratchBlockSize, y0-by*scratchBlockSize, x1-x0, y1-y0)
		}
	}
	return out, nil
}

func (b *scratchBand) Write(x, y int, buf *Buffer) error {
	w, h := buf.Width, buf.Height
	if x < 0 || y < 0 || x+w > b.width || y+h > b.height {
		return fmt.Errorf("window %d,%d %dx%d outside %dx%d raster", x, y, w, h, b.width, b.height)
	}
	if buf.Type != b.typ {
		buf = buf.Convert(b.typ)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if w == 0 || h == 0 {
		return nil
	}
	for by := y / scratchBlockSize; by <= (y+h-1)/scratchBlockSize; by++ {
		for bx := x / scratchBlockSize; bx <= (x+w-1)/scratchBlockSize; bx++ {
			x0, y0 := max(x, bx*scratchBlockSize), max(y, by*scratchBlockSize)
			x1, y1 := min(x+w, (bx+1)*scratchBlockSize), min(y+h, (by+1)*scratchBlockSize)

			var block *Buffer
			if x1-x0 == scratchBlockSize && y1-y0 == scratchBlockSize {
				block = NewBuffer(b.typ, scratchBlockSize, scratchBlockSize)
			} else {
				var err error
				if block, err = b.readBlock(bx, by); err != nil {
					return err
				}
			}
			block.CopyRect(x0-bx*scratchBlockSize, y0-by*scratchBlockSize, buf, x0-x, y0-y, x1-x0, y1-y0)
			if _, err := b.file.f.WriteAt(block.Pix, b.blockOffset(bx, by)); err != nil {
				return err
			}
		}
	}
	return nil
}

// scratchDataset is a writable in-process raster, reported under the
// "MEM" driver name. Its samples are kept in a temporary file so large
// rasters do not have to fit into memory.
type scratchDataset struct {
	file   *scratchFile
	width  int
	height int
	bands  []*scratchBand
	gt     [6]float64
	srs    string
}

func newScratchDataset(tempDir string, width, height int) (*scratchDataset, error) {
	f, err := newScratchFile(tempDir)
	if err != nil {
		return nil, err
	}
	return &scratchDataset{
		file:   f,
		width:  width,
		height: height,
		gt:     identityGeoTransform,
	}, nil
}

// AddBand appends a zero-filled band of type t.
func (ds *scratchDataset) AddBand(t PixelType) (*scratchBand, error) {
	b, err := newScratchBand(ds.file, t, ds.width, ds.height)
	if err != nil {
		return nil, err
	}
	ds.bands = append(ds.bands, b)
	return b, nil
}

func (ds *scratchDataset) Description() string      { return "" }
func (ds *scratchDataset) DriverName() string       { return DriverMem }
func (ds *scratchDataset) Width() int               { return ds.width }
func (ds *scratchDataset) Height() int              { return ds.height }
func (ds *scratchDataset) BandCount() int           { return len(ds.bands) }
func (ds *scratchDataset) Band(i int) Band          { return ds.bands[i-1] }
func (ds *scratchDataset) GeoTransform() [6]float64 { return ds.gt }
func (ds *scratchDataset) SpatialRef() string       { return ds.srs }
func (ds *scratchDataset) FileList() []string       { return nil }
func (ds *scratchDataset) Flush() error             { return nil }

func (ds *scratchDataset) Metadata(domain string) map[string]string {
	md := make(map[string]string, 1)
	if domain == DomainImageStructure && len(ds.bands) > 1 {
		md[KeyInterleave] = "BAND"
	}
	return md
}

func (ds *scratchDataset) BuildOverviews(ctx context.Context, method string, factors []int) error {
	base := make([]Band, len(ds.bands))
	for i, b := range ds.bands {
		base[i] = b
	}
	ovr, err := buildOverviewBands(ctx, base, method, factors, ds.file)
	if err != nil {
		return err
	}
	for i, b := range ds.bands {
		b.overviews = ovr[i]
	}
	return nil
}

func (ds *scratchDataset) Close() error {
	return ds.file.Close()
}

// newScratchCopy copies the pixels of src into a new scratch dataset,
// followed by extraBands zero-filled bands of the same type as band 1.
func newScratchCopy(ctx context.Context, src Dataset, extraBands int, tempDir string) (*scratchDataset, error) {
	if src.BandCount() == 0 {
		return nil, fmt.Errorf("cannot copy raster without bands")
	}
	ds, err := newScratchDataset(tempDir, src.Width(), src.Height())
	if err != nil {
		return nil, err
	}
	ds.gt = src.GeoTransform()
	ds.srs = src.SpatialRef()

	for i := 1; i <= src.BandCount(); i++ {
		sb := src.Band(i)
		b, err := ds.AddBand(sb.DataType())
		if err != nil {
			ds.Close()
			return nil, err
		}
		if v, ok := sb.NoData(); ok {
			b.SetNoData(v)
		}
		b.SetColorInterp(sb.ColorInterp())
		if err := copyBand(ctx, b, sb); err != nil {
			ds.Close()
			return nil, err
		}
	}

	t := src.Band(1).DataType()
	for i := 0; i < extraBands; i++ {
		if _, err := ds.AddBand(t); err != nil {
			ds.Close()
			return nil, err
		}
	}
	return ds, nil
}

// copyBand copies all samples of src into dst, one scratch block at a time.
func copyBand(ctx context.Context, dst, src Band) error {
	w, h := src.Width(), src.Height()
	for y := 0; y < h; y += scratchBlockSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		for x := 0; x < w; x += scratchBlockSize {
			bw, bh := min(scratchBlockSize, w-x), min(scratchBlockSize, h-y)
			buf, err := src.Read(x, y, bw, bh)
			if err != nil {
				return err
			}
			if err := dst.Write(x, y, buf); err != nil {
				return err
			}
		}
	}
	return nil
}
