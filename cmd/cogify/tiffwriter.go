// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// TiffWriter produces a cloud-optimized GeoTIFF from a dataset. The
// main image directory comes right after the header, followed by the
// directories of the overviews from largest to smallest. Then comes
// the pixel data, starting with the smallest overview and ending with
// the full-resolution image, so readers can fetch a preview from the
// start of the file.
type TiffWriter struct {
	src          Dataset
	levels       []*writerLevel // main image first
	compression  uint16
	bigtiff      bool
	numThreads   int
	pixelType    PixelType
	photometric  uint16
	extraSamples []uint16
	tempDir      string
	tempFile     *os.File
	tempFileSize int64
}

type writerLevel struct {
	bands          []Band
	width, height  int
	tiled          bool
	blockW, blockH int

	// Position of each block's compressed data in the temporary file,
	// and its size. The final output groups the blocks of each level.
	tempOffsets []int64
	byteCounts  []uint64

	// Positions within the output file, filled in while writing.
	ifdPos     int64
	nextIFDPos int64
	offsetsPos int64
}

func (l *writerLevel) blocks() []Block {
	return Blocks(l.width, l.height, l.blockW, l.blockH)
}

// NewTiffWriter plans the output. Codecs that cannot be written fall
// back to Deflate.
func NewTiffWriter(src Dataset, opts CopyOptions, tempDir string) (*TiffWriter, error) {
	if src.BandCount() == 0 {
		return nil, fmt.Errorf("cannot write raster without bands")
	}
	compression, ok := compressionTag(opts.Compress)
	if !ok {
		compression = compressionDeflate
	}

	w := &TiffWriter{
		src:         src,
		compression: compression,
		bigtiff:     opts.BigTIFF,
		numThreads:  workerCount(opts.NumThreads),
		pixelType:   src.Band(1).DataType(),
		tempDir:     tempDir,
	}
	if w.pixelType.Size() == 0 {
		return nil, fmt.Errorf("cannot write pixel type %v", w.pixelType)
	}

	bands := bandsOf(src)
	w.photometric, w.extraSamples = photometricFor(bands)

	blockW, blockH := opts.BlockWidth, opts.BlockHeight
	if opts.Tiled {
		if blockW <= 0 {
			blockW = 256
		}
		if blockH <= 0 {
			blockH = blockW
		}
		if blockW%16 != 0 || blockH%16 != 0 {
			return nil, fmt.Errorf("tile size %dx%d is not a multiple of 16", blockW, blockH)
		}
	}

	w.levels = append(w.levels, w.newLevel(bands, opts.Tiled, blockW, blockH))
	if opts.CopySrcOverviews {
		n := bands[0].OverviewCount()
		for _, b := range bands {
			n = min(n, b.OverviewCount())
		}
		for i := 0; i < n; i++ {
			ovr := make([]Band, len(bands))
			for j, b := range bands {
				ovr[j] = b.Overview(i)
			}
			w.levels = append(w.levels, w.newLevel(ovr, opts.Tiled, blockW, blockH))
		}
	}
	return w, nil
}

func (w *TiffWriter) newLevel(bands []Band, tiled bool, blockW, blockH int) *writerLevel {
	l := &writerLevel{
		bands:  bands,
		width:  bands[0].Width(),
		height: bands[0].Height(),
		tiled:  tiled,
		blockW: blockW,
		blockH: blockH,
	}
	if !tiled {
		// Strips of about 8 KiB, as recommended by TIFF 6.0, page 27.
		l.blockW = l.width
		if l.blockH <= 0 {
			rowSize := l.width * len(bands) * w.pixelType.Size()
			l.blockH = max(1, 8192/rowSize)
		}
		l.blockH = min(l.blockH, l.height)
	}
	return l
}

// photometricFor picks the Photometric tag and the ExtraSamples
// of the output from the color interpretation of its bands.
func photometricFor(bands []Band) (uint16, []uint16) {
	photometric, base := uint16(1), 1 // BlackIsZero
	if len(bands) >= 3 && bands[0].ColorInterp() == RedColor &&
		bands[1].ColorInterp() == GreenColor && bands[2].ColorInterp() == BlueColor {
		photometric, base = 2, 3 // RGB
	}

	var extra []uint16
	for _, b := range bands[base:] {
		if b.ColorInterp() == AlphaColor {
			extra = append(extra, 2) // unassociated alpha
		} else {
			extra = append(extra, 0)
		}
	}
	return photometric, extra
}

// WriteTo writes the complete TIFF file to out.
func (w *TiffWriter) WriteTo(ctx context.Context, out io.WriteSeeker) error {
	tempFile, err := os.CreateTemp(w.tempDir, "cogify-tiles-*.tmp")
	if err != nil {
		return err
	}
	w.tempFile, w.tempFileSize = tempFile, 0
	defer func() {
		name := tempFile.Name()
		tempFile.Close()
		os.Remove(name)
	}()

	for i := len(w.levels) - 1; i >= 0; i-- {
		if err := w.compressLevel(ctx, w.levels[i]); err != nil {
			return err
		}
	}

	// Classic TIFF cannot address data beyond 4 GiB.
	if !w.bigtiff && w.tempFileSize+w.directorySizeEstimate() > math.MaxUint32 {
		w.bigtiff = true
	}

	if err := w.writeHeader(out); err != nil {
		return err
	}
	for i, level := range w.levels {
		if err := w.writeIFD(level, i == 0, out); err != nil {
			return err
		}
	}
	if err := w.writeIFDList(out); err != nil {
		return err
	}
	for i := len(w.levels) - 1; i >= 0; i-- {
		if err := w.writeBlocks(w.levels[i], out); err != nil {
			return err
		}
	}
	return nil
}

// compressLevel encodes all blocks of a level into the temporary file.
// Blocks are compressed in parallel, in batches, and appended in order.
func (w *TiffWriter) compressLevel(ctx context.Context, level *writerLevel) error {
	blocks := level.blocks()
	level.tempOffsets = make([]int64, len(blocks))
	level.byteCounts = make([]uint64, len(blocks))

	batchSize := w.numThreads * 4
	for start := 0; start < len(blocks); start += batchSize {
		end := min(start+batchSize, len(blocks))
		results := make([][]byte, end-start)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.numThreads)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				data, err := w.encodeBlock(level, blocks[i])
				if err != nil {
					return err
				}
				results[i-start] = data
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, data := range results {
			n, err := w.tempFile.Write(data)
			if err != nil {
				return err
			}
			level.tempOffsets[start+i] = w.tempFileSize
			level.byteCounts[start+i] = uint64(n)
			w.tempFileSize += int64(n)
		}
	}
	return nil
}

// encodeBlock reads one block from every band, interleaves the samples
// and compresses the result. Tiles at the right and bottom edges are
// padded to the full tile size, as the TIFF specification requires.
func (w *TiffWriter) encodeBlock(level *writerLevel, blk Block) ([]byte, error) {
	bw, bh := level.blockW, level.blockH
	if !level.tiled {
		bh = blk.Height
	}
	size := w.pixelType.Size()
	spp := len(level.bands)
	pix := make([]byte, bw*bh*spp*size)

	for s, band := range level.bands {
		buf, err := band.Read(blk.X, blk.Y, blk.Width, blk.Height)
		if err != nil {
			return nil, err
		}
		if buf.Type != w.pixelType {
			buf = buf.Convert(w.pixelType)
		}
		for y := 0; y < blk.Height; y++ {
			for x := 0; x < blk.Width; x++ {
				src := (y*blk.Width + x) * size
				dst := ((y*bw+x)*spp + s) * size
				copy(pix[dst:dst+size], buf.Pix[src:src+size])
			}
		}
	}
	return compressBlock(w.compression, pix)
}

func (w *TiffWriter) offsetSize() int {
	if w.bigtiff {
		return 8
	}
	return 4
}

// directorySizeEstimate is an upper bound for the bytes taken by all
// image file directories, including their out-of-line values.
func (w *TiffWriter) directorySizeEstimate() int64 {
	var n int64
	for _, l := range w.levels {
		n += 4096 + int64(len(l.byteCounts))*16
	}
	return n
}

func (w *TiffWriter) writeHeader(out io.Writer) error {
	var header []byte
	if w.bigtiff {
		// Byte size of offsets, always zero, then the offset of the
		// first directory. BigTIFF specification, section 3.
		header = []byte{'I', 'I', 43, 0, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	} else {
		header = []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	}
	_, err := out.Write(header)
	return err
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

func shortEntry(tag uint16, vals ...uint16) ifdEntry {
	data := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	return ifdEntry{tag: tag, typ: typeShort, count: uint64(len(vals)), data: data}
}

func longEntry(tag uint16, vals ...uint32) ifdEntry {
	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	return ifdEntry{tag: tag, typ: typeLong, count: uint64(len(vals)), data: data}
}

func doubleEntry(tag uint16, vals ...float64) ifdEntry {
	data := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return ifdEntry{tag: tag, typ: typeDouble, count: uint64(len(vals)), data: data}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	data := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint64(len(data)), data: data}
}

// entries returns the directory entries of a level, sorted by tag.
// The block offsets are zero and get patched by writeBlocks.
func (w *TiffWriter) entries(level *writerLevel, isMain bool) ([]ifdEntry, error) {
	spp := len(level.bands)
	bits := make([]uint16, spp)
	formats := make([]uint16, spp)
	format := uint16(1)
	if w.pixelType.IsFloat() {
		format = 3
	} else if w.pixelType.IsSigned() {
		format = 2
	}
	for i := range bits {
		bits[i] = uint16(w.pixelType.Size() * 8)
		formats[i] = format
	}

	n := len(level.byteCounts)
	counts := make([]uint32, n)
	for i, c := range level.byteCounts {
		if c > math.MaxUint32 {
			return nil, fmt.Errorf("compressed block of %d bytes is too large", c)
		}
		counts[i] = uint32(c)
	}
	offsets := ifdEntry{typ: typeLong, count: uint64(n), data: make([]byte, n*w.offsetSize())}
	if w.bigtiff {
		offsets.typ = typeLong8
	}

	e := []ifdEntry{
		longEntry(tagImageWidth, uint32(level.width)),
		longEntry(tagImageLength, uint32(level.height)),
		shortEntry(tagBitsPerSample, bits...),
		shortEntry(tagCompression, w.compression),
		shortEntry(tagPhotometric, w.photometric),
		shortEntry(tagSamplesPerPixel, uint16(spp)),
		shortEntry(tagPlanarConfig, 1),
		shortEntry(tagSampleFormat, formats...),
	}
	if level.tiled {
		offsets.tag = tagTileOffsets
		e = append(e,
			longEntry(tagTileWidth, uint32(level.blockW)),
			longEntry(tagTileLength, uint32(level.blockH)),
			offsets,
			longEntry(tagTileByteCounts, counts...))
	} else {
		offsets.tag = tagStripOffsets
		e = append(e,
			offsets,
			longEntry(tagRowsPerStrip, uint32(level.blockH)),
			longEntry(tagStripByteCounts, counts...))
	}
	if len(w.extraSamples) > 0 {
		e = append(e, shortEntry(tagExtraSamples, w.extraSamples...))
	}
	if v, ok := level.bands[0].NoData(); ok {
		e = append(e, asciiEntry(tagGDALNoData, strconv.FormatFloat(v, 'g', -1, 64)))
	}

	// Some TIFF tags are only used on the main (highest resolution) image.
	if isMain {
		e = append(e, asciiEntry(tagSoftware, "cogify"))
		gt, srs := w.src.GeoTransform(), w.src.SpatialRef()
		if gt != identityGeoTransform || srs != "" {
			for tag, vals := range geoTransformTags(gt) {
				e = append(e, doubleEntry(tag, vals...))
			}
		}
		if srs != "" {
			keys, err := geoKeyDirectory(srs)
			if err != nil {
				return nil, err
			}
			e = append(e, shortEntry(tagGeoKeyDirectory, keys...))
		}
	} else {
		// 1 = subsampled low-resolution version of main image
		// TIFF 6.0 specification, page 36
		e = append(e, longEntry(tagNewSubfileType, subfileReducedImage))
	}

	sort.Slice(e, func(i, j int) bool { return e[i].tag < e[j].tag })
	return e, nil
}

func (w *TiffWriter) writeIFD(level *writerLevel, isMain bool, f io.WriteSeeker) error {
	entries, err := w.entries(level, isMain)
	if err != nil {
		return err
	}

	fileSize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	level.ifdPos = fileSize

	countSize, entrySize, inlineSize := 2, 12, 4
	if w.bigtiff {
		countSize, entrySize, inlineSize = 8, 20, 8
	}

	// Position of extra data that does not fit inline in Image File Directory,
	// relative to start of TIFF file.
	extraPos := fileSize + int64(countSize+len(entries)*entrySize+inlineSize)

	var buf, extraBuf bytes.Buffer
	if w.bigtiff {
		binary.Write(&buf, binary.LittleEndian, uint64(len(entries)))
	} else {
		binary.Write(&buf, binary.LittleEndian, uint16(len(entries)))
	}

	lastTag := uint16(0)
	for i, e := range entries {
		ifdEntryPos := fileSize + int64(countSize+i*entrySize)

		// Sanity check that our tags appear in the Image File Directory
		// in increasing order, as required by the TIFF specification.
		if e.tag <= lastTag {
			panic("TIFF tags must be in increasing order")
		}
		lastTag = e.tag

		binary.Write(&buf, binary.LittleEndian, e.tag)
		binary.Write(&buf, binary.LittleEndian, e.typ)
		if w.bigtiff {
			binary.Write(&buf, binary.LittleEndian, e.count)
		} else {
			binary.Write(&buf, binary.LittleEndian, uint32(e.count))
		}

		value := make([]byte, inlineSize)
		valuePos := ifdEntryPos + int64(4+inlineSize)
		if len(e.data) <= inlineSize {
			copy(value, e.data)
		} else {
			if err := addPadding(&extraBuf); err != nil {
				return err
			}
			valuePos = extraPos + int64(extraBuf.Len())
			if w.bigtiff {
				binary.LittleEndian.PutUint64(value, uint64(valuePos))
			} else {
				binary.LittleEndian.PutUint32(value, uint32(valuePos))
			}
			extraBuf.Write(e.data)
		}
		if e.tag == tagTileOffsets || e.tag == tagStripOffsets {
			level.offsetsPos = valuePos
		}
		buf.Write(value)
	}

	level.nextIFDPos = fileSize + int64(buf.Len())
	buf.Write(make([]byte, inlineSize))
	if err := addPadding(&extraBuf); err != nil {
		return err
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	if _, err := extraBuf.WriteTo(f); err != nil {
		return err
	}
	return nil
}

// writeIFDList sets up a linked list of TIFF Image File Directories,
// ranging from the main image to the smallest overview.
func (w *TiffWriter) writeIFDList(f io.WriteSeeker) error {
	pos := int64(4)
	if w.bigtiff {
		pos = 8
	}
	for _, level := range w.levels {
		if err := w.patchOffset(f, pos, level.ifdPos); err != nil {
			return err
		}
		pos = level.nextIFDPos
	}
	return w.patchOffset(f, pos, 0)
}

// writeBlocks appends the compressed blocks of a level to the output
// and patches the block offsets in its directory.
func (w *TiffWriter) writeBlocks(level *writerLevel, f io.WriteSeeker) error {
	fileSize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	offsets := make([]uint64, len(level.tempOffsets))
	for i, tempOffset := range level.tempOffsets {
		size := int64(level.byteCounts[i])
		section := io.NewSectionReader(w.tempFile, tempOffset, size)
		if _, err := io.Copy(f, section); err != nil {
			return err
		}
		offsets[i] = uint64(fileSize)
		fileSize += size
	}

	if !w.bigtiff && fileSize > math.MaxUint32 {
		panic("offset value out of range")
	}
	array := make([]byte, len(offsets)*w.offsetSize())
	for i, off := range offsets {
		if w.bigtiff {
			binary.LittleEndian.PutUint64(array[i*8:], off)
		} else {
			binary.LittleEndian.PutUint32(array[i*4:], uint32(off))
		}
	}
	if _, err := f.Seek(level.offsetsPos, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(array); err != nil {
		return err
	}
	_, err = f.Seek(0, io.SeekEnd)
	return err
}

func (w *TiffWriter) patchOffset(f io.WriteSeeker, pos int64, value int64) error {
	if value < 0 || (!w.bigtiff && value > math.MaxUint32) {
		// If this triggers, the size estimate that decides about
		// BigTIFF in WriteTo is wrong.
		panic("offset value out of range")
	}

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return err
	}

	if w.bigtiff {
		return binary.Write(f, binary.LittleEndian, uint64(value))
	}
	return binary.Write(f, binary.LittleEndian, uint32(value))
}

// addPadding writes zero bytes to buf to make its length a multiple of two.
func addPadding(buf *bytes.Buffer) error {
	if buf.Len()&1 != 0 {
		if err := buf.WriteByte(0); err != nil {
			return err
		}
	}
	return nil
}
