// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// tiffDataset is a read-only GeoTIFF file. Overviews can still be built
// for it; they are kept in a scratch file, not written into the TIFF.
type tiffDataset struct {
	file    *os.File
	path    string
	tempDir string
	reader  *TiffReader
	levels  []*tiffLevel // main image first, then reduced-resolution images
	bands   []*tiffBand
	gt      [6]float64
	srs     string
	cache   *blockCache
	scratch *scratchFile
}

func newTiffDataset(f *os.File, path, tempDir string) (*tiffDataset, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r, err := NewTiffReader(f, st.Size())
	if err != nil {
		return nil, err
	}

	top, err := newTiffLevel(r.ifds[0])
	if err != nil {
		return nil, err
	}
	ds := &tiffDataset{
		file:    f,
		path:    path,
		tempDir: tempDir,
		reader:  r,
		levels:  []*tiffLevel{top},
		cache:   newBlockCache(64),
	}

	for _, ifd := range r.ifds[1:] {
		sub := ifd.uint(tagNewSubfileType, 0)
		if sub&subfileReducedImage == 0 || sub&subfileMask != 0 {
			continue
		}
		level, err := newTiffLevel(ifd)
		if err != nil {
			return nil, fmt.Errorf("overview at offset %d: %w", ifd.offset, err)
		}
		if level.spp != top.spp || level.pixelType != top.pixelType {
			continue
		}
		ds.levels = append(ds.levels, level)
	}

	ds.gt, _ = geoTransformFromTags(top.ifd)
	ds.srs = srsFromGeoKeys(top.ifd)

	nodata, hasNoData := parseNoData(top.ifd)
	interps := colorInterps(top)
	ds.bands = make([]*tiffBand, top.spp)
	for i := range ds.bands {
		b := &tiffBand{
			ds:        ds,
			level:     0,
			index:     i,
			nodata:    nodata,
			hasNoData: hasNoData,
			interp:    interps[i],
		}
		for lev := 1; lev < len(ds.levels); lev++ {
			b.overviews = append(b.overviews, &tiffBand{
				ds:        ds,
				level:     lev,
				index:     i,
				nodata:    nodata,
				hasNoData: hasNoData,
				interp:    interps[i],
			})
		}
		ds.bands[i] = b
	}
	return ds, nil
}

func parseNoData(ifd *tiffIFD) (float64, bool) {
	f := ifd.fields[tagGDALNoData]
	if f == nil {
		return 0, false
	}
	s := strings.TrimSpace(f.ascii)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	return 0, false
}

// colorInterps derives the color interpretation of each sample from
// the Photometric and ExtraSamples tags.
func colorInterps(l *tiffLevel) []ColorInterp {
	result := make([]ColorInterp, l.spp)
	base := 0
	switch l.photometric {
	case 0, 1:
		result[0], base = GrayColor, 1
	case 3:
		result[0], base = PaletteColor, 1
	case 2, 6:
		if l.spp >= 3 {
			result[0], result[1], result[2] = RedColor, GreenColor, BlueColor
			base = 3
		}
	}
	for i := base; i < l.spp; i++ {
		if j := i - base; j < len(l.extraSamples) {
			if e := l.extraSamples[j]; e == 1 || e == 2 {
				result[i] = AlphaColor
			}
		}
	}
	return result
}

func (ds *tiffDataset) Description() string { return ds.path }
func (ds *tiffDataset) DriverName() string  { return DriverGTiff }
func (ds *tiffDataset) Width() int          { return ds.levels[0].width }
func (ds *tiffDataset) Height() int         { return ds.levels[0].height }
func (ds *tiffDataset) BandCount() int      { return len(ds.bands) }

func (ds *tiffDataset) Band(i int) Band {
	return ds.bands[i-1]
}

func (ds *tiffDataset) GeoTransform() [6]float64 { return ds.gt }
func (ds *tiffDataset) SpatialRef() string       { return ds.srs }

func (ds *tiffDataset) Metadata(domain string) map[string]string {
	md := make(map[string]string, 2)
	if domain != DomainImageStructure {
		return md
	}
	top := ds.levels[0]
	if name, ok := compressionNames[top.compression]; ok {
		if top.compression == compressionJPEG && top.photometric == 6 {
			name = "YCbCr JPEG"
		}
		md[KeyCompression] = name
	}
	if top.spp > 1 {
		if top.planar == 2 {
			md[KeyInterleave] = "BAND"
		} else {
			md[KeyInterleave] = "PIXEL"
		}
	}
	return md
}

// FileList returns the TIFF file plus any sidecar files next to it.
func (ds *tiffDataset) FileList() []string {
	files := []string{ds.path}
	for _, ext := range []string{".ovr", ".aux.xml"} {
		if _, err := os.Stat(ds.path + ext); err == nil {
			files = append(files, ds.path+ext)
		}
	}
	return files
}

// BuildOverviews computes overviews from the full-resolution image.
// They replace any overviews stored inside the file.
func (ds *tiffDataset) BuildOverviews(ctx context.Context, method string, factors []int) error {
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

func (ds *tiffDataset) Flush() error { return nil }

func (ds *tiffDataset) Close() error {
	var err error
	if ds.scratch != nil {
		err = ds.scratch.Close()
		ds.scratch = nil
	}
	if ds.file != nil {
		if e := ds.file.Close(); err == nil {
			err = e
		}
		ds.file = nil
	}
	return err
}

// block returns the decoded samples of one block, in the file's byte order.
func (ds *tiffDataset) block(level, index int) ([]byte, error) {
	key := blockKey{level: level, index: index}
	if data, ok := ds.cache.get(key); ok {
		return data, nil
	}
	data, err := ds.levels[level].readBlock(ds.file, ds.reader.order, index)
	if err != nil {
		return nil, fmt.Errorf("%s: block %d of level %d: %w", ds.path, index, level, err)
	}
	ds.cache.put(key, data)
	return data, nil
}

type tiffBand struct {
	ds        *tiffDataset
	level     int
	index     int
	nodata    float64
	hasNoData bool
	interp    ColorInterp
	overviews []Band
}

func (b *tiffBand) lev() *tiffLevel          { return b.ds.levels[b.level] }
func (b *tiffBand) Width() int               { return b.lev().width }
func (b *tiffBand) Height() int              { return b.lev().height }
func (b *tiffBand) DataType() PixelType      { return b.lev().pixelType }
func (b *tiffBand) BlockSize() (int, int)    { return b.lev().blockW, b.lev().blockH }
func (b *tiffBand) NoData() (float64, bool)  { return b.nodata, b.hasNoData }
func (b *tiffBand) ColorInterp() ColorInterp { return b.interp }
func (b *tiffBand) OverviewCount() int       { return len(b.overviews) }

func (b *tiffBand) Overview(i int) Band {
	if i < 0 || i >= len(b.overviews) {
		return nil
	}
	return b.overviews[i]
}

func (b *tiffBand) SetNoData(v float64) error {
	b.nodata, b.hasNoData = v, true
	return nil
}

func (b *tiffBand) SetColorInterp(c ColorInterp) error {
	b.interp = c
	return nil
}

func (b *tiffBand) Write(x, y int, buf *Buffer) error {
	return fmt.Errorf("%s: GeoTIFF opened read-only", b.ds.path)
}

func (b *tiffBand) Read(x, y, w, h int) (*Buffer, error) {
	l := b.lev()
	if x < 0 || y < 0 || w < 0 || h < 0 || x+w > l.width || y+h > l.height {
		return nil, fmt.Errorf("window %d,%d %dx%d outside %dx%d raster", x, y, w, h, l.width, l.height)
	}

	out := NewBuffer(l.pixelType, w, h)
	order := b.ds.reader.order
	fss := l.fileSampleSize()
	stride := fss
	sampleOffset := b.index * fss
	if l.planar != 2 {
		stride = l.spp * fss
	} else {
		sampleOffset = 0
	}

	for by := y / l.blockH; by <= (y+h-1)/l.blockH && h > 0; by++ {
		for bx := x / l.blockW; bx <= (x+w-1)/l.blockW && w > 0; bx++ {
			data, err := b.ds.block(b.level, l.blockIndex(bx, by, b.index))
			if err != nil {
				return nil, err
			}

			x0, y0 := max(x, bx*l.blockW), max(y, by*l.blockH)
			x1, y1 := min(x+w, (bx+1)*l.blockW), min(y+h, (by+1)*l.blockH)
			for py := y0; py < y1; py++ {
				row := (py - by*l.blockH) * l.blockW
				for px := x0; px < x1; px++ {
					src := (row+px-bx*l.blockW)*stride + sampleOffset
					dst := (py-y)*w + (px - x)
					copySample(out, dst, data[src:src+fss], l.pixelType, order)
				}
			}
		}
	}
	return out, nil
}

// copySample stores one on-disk sample into a little-endian buffer.
func copySample(out *Buffer, i int, sample []byte, t PixelType, order binary.ByteOrder) {
	size := t.Size()
	if len(sample) != size {
		// Signed bytes, widened to Int16.
		out.Set(i, float64(int8(sample[0])))
		return
	}
	dst := out.Pix[i*size : (i+1)*size]
	if order == binary.LittleEndian {
		copy(dst, sample)
		return
	}
	for j := 0; j < size; j++ {
		dst[j] = sample[size-1-j]
	}
}

// MetadataItem reports the layout of the TIFF directory behind this band.
func (b *tiffBand) MetadataItem(key, domain string) (string, bool) {
	if domain != DomainTIFF {
		return "", false
	}
	l := b.lev()
	switch key {
	case KeyIFDOffset:
		return strconv.FormatInt(l.ifd.offset, 10), true
	case KeyBlockOffset, KeyBlockSize:
		idx := l.blockIndex(0, 0, b.index)
		if l.offsets[idx] == 0 {
			return "", false
		}
		if key == KeyBlockOffset {
			return strconv.FormatUint(l.offsets[idx], 10), true
		}
		return strconv.FormatUint(l.byteCounts[idx], 10), true
	}
	return "", false
}

type blockKey struct {
	level, index int
}

// blockCache keeps recently decoded blocks. Blocks are evicted in
// insertion order once the cache is full.
type blockCache struct {
	mu       sync.Mutex
	capacity int
	blocks   map[blockKey][]byte
	order    []blockKey
}

func newBlockCache(capacity int) *blockCache {
	return &blockCache{
		capacity: capacity,
		blocks:   make(map[blockKey][]byte, capacity),
	}
}

func (c *blockCache) get(key blockKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blocks[key]
	return data, ok
}

func (c *blockCache) put(key blockKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blocks[key]; ok {
		return
	}
	if len(c.order) >= c.capacity {
		delete(c.blocks, c.order[0])
		c.order = c.order[1:]
	}
	c.blocks[key] = data
	c.order = append(c.order, key)
}
