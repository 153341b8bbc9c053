// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strconv"
)

// minEngineVersion is the first GDAL release, 2.2, whose GeoTIFF driver
// reports IFD_OFFSET and BLOCK_OFFSET_0_0.
const minEngineVersion = 2020000

// OverviewLevel describes the physical layout of one resolution level.
type OverviewLevel struct {
	Width, Height           int
	BlockWidth, BlockHeight int
	IFDOffset               int64
	DataOffset              int64
	HasDataOffset           bool
}

// Layout is the physical layout of a TIFF file, as needed for checking
// whether it is cloud-optimized.
type Layout struct {
	Name      string
	FileList  []string
	Main      OverviewLevel
	Overviews []OverviewLevel // largest first
}

// ComplianceReport lists the problems found by Validate. Warnings and
// errors are both reasons to convert a file again.
type ComplianceReport struct {
	Warnings []string      `json:"warnings"`
	Errors   []string      `json:"errors"`
	Details  ReportDetails `json:"details"`
}

type ReportDetails struct {
	IFDOffsets  map[string]int64 `json:"ifd_offsets"`
	DataOffsets map[string]int64 `json:"data_offsets"`
}

// Compliant tells whether the report has neither warnings nor errors.
func (r *ComplianceReport) Compliant() bool {
	return len(r.Warnings) == 0 && len(r.Errors) == 0
}

func (r *ComplianceReport) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func overviewLabel(i int) string {
	return fmt.Sprintf("overview_%d", i)
}

// Validate checks whether a layout is cloud-optimized: a tiled image
// with internal overviews, whose directories come first, ordered from
// the main image to the smallest overview, followed by the pixel data
// starting with the smallest overview and ending with the main image.
// Layout defects are reported, never returned as error.
func Validate(desc *RasterDescriptor, layout *Layout, checkTiled bool) *ComplianceReport {
	r := &ComplianceReport{
		Warnings: []string{},
		Errors:   []string{},
		Details: ReportDetails{
			IFDOffsets:  make(map[string]int64, len(layout.Overviews)+1),
			DataOffsets: make(map[string]int64, len(layout.Overviews)+1),
		},
	}
	base := layout.Main
	ovr := layout.Overviews

	for _, f := range layout.FileList {
		if f == layout.Name+".ovr" {
			r.errorf("Overviews found in external .ovr file. They should be internal")
			break
		}
	}

	if desc.Width >= 512 || desc.Height >= 512 {
		if checkTiled && base.BlockWidth == base.Width && base.BlockWidth > 1024 {
			r.errorf("The file is greater than 512xH or Wx512, but is not tiled")
		}
		if len(ovr) == 0 {
			r.Warnings = append(r.Warnings, "The file is greater than 512xH or Wx512, "+
				"it is recommended to include internal overviews")
		}
	}

	if base.IFDOffset != 8 && base.IFDOffset != 16 {
		r.errorf("The offset of the main IFD should be 8 for ClassicTIFF "+
			"or 16 for BigTIFF. It is %d instead", base.IFDOffset)
	}
	r.Details.IFDOffsets["main"] = base.IFDOffset

	prevIFD := base.IFDOffset
	for i, o := range ovr {
		if i == 0 {
			if o.Width > base.Width || o.Height > base.Height {
				r.errorf("First overview has larger dimension than main band")
			}
		} else if o.Width > ovr[i-1].Width || o.Height > ovr[i-1].Height {
			r.errorf("Overview of index %d has larger dimension than "+
				"overview of index %d", i, i-1)
		}

		if checkTiled && o.BlockWidth == o.Width && o.BlockWidth > 1024 {
			r.errorf("Overview of index %d is not tiled", i)
		}

		r.Details.IFDOffsets[overviewLabel(i)] = o.IFDOffset
		if o.IFDOffset < prevIFD {
			if i == 0 {
				r.errorf("The offset of the IFD for overview of index %d is %d, "+
					"whereas it should be greater than the one of the main "+
					"image, which is at byte %d", i, o.IFDOffset, prevIFD)
			} else {
				r.errorf("The offset of the IFD for overview of index %d is %d, "+
					"whereas it should be greater than the one of index %d, "+
					"which is at byte %d", i, o.IFDOffset, i-1, prevIFD)
			}
		}
		prevIFD = o.IFDOffset
	}

	validateDataOffsets(r, layout)
	return r
}

// validateDataOffsets checks that the pixel data starts with the
// smallest overview and ends with the main image.
func validateDataOffsets(r *ComplianceReport, layout *Layout) {
	base, ovr := layout.Main, layout.Overviews
	if base.HasDataOffset {
		r.Details.DataOffsets["main"] = base.DataOffset
	} else {
		r.errorf("Missing BLOCK_OFFSET_0_0 of the main image")
	}
	for i, o := range ovr {
		if o.HasDataOffset {
			r.Details.DataOffsets[overviewLabel(i)] = o.DataOffset
		} else {
			r.errorf("Missing BLOCK_OFFSET_0_0 of overview of index %d", i)
		}
	}

	smallest := base
	if len(ovr) > 0 {
		smallest = ovr[len(ovr)-1]
	}
	if smallest.HasDataOffset && smallest.DataOffset < smallest.IFDOffset {
		if len(ovr) > 0 {
			r.errorf("The offset of the first block of the smallest overview " +
				"should be after its IFD")
		} else {
			r.errorf("The offset of the first block of the image should " +
				"be after its IFD")
		}
	}

	for i := len(ovr) - 1; i >= 1; i-- {
		larger, smaller := ovr[i-1], ovr[i]
		if larger.HasDataOffset && smaller.HasDataOffset && larger.DataOffset < smaller.DataOffset {
			r.errorf("The offset of the first block of overview of index %d should "+
				"be after the one of the overview of index %d", i-1, i)
		}
	}

	if len(ovr) > 0 && base.HasDataOffset && smallest.HasDataOffset && base.DataOffset < smallest.DataOffset {
		r.errorf("The offset of the first block of the main resolution image "+
			"should be after the one of the overview of index %d", len(ovr)-1)
	}
}

// ValidateDataset gathers the layout of an open GeoTIFF and validates it.
func ValidateDataset(engine Engine, ds Dataset, checkTiled bool) (*ComplianceReport, error) {
	name := ds.Description()
	if v := engine.VersionNum(); v < minEngineVersion {
		return nil, &InvalidInputError{Path: name, Err: fmt.Errorf("raster engine version %d is below %d", v, minEngineVersion)}
	}
	if ds.DriverName() != DriverGTiff {
		return nil, &InvalidInputError{Path: name, Err: fmt.Errorf("the file is not a GeoTIFF")}
	}

	desc, err := NewRasterDescriptor(ds, DefaultConfig())
	if err != nil {
		return nil, err
	}
	layout, err := readLayout(ds)
	if err != nil {
		return nil, &InvalidInputError{Path: name, Err: err}
	}
	return Validate(desc, layout, checkTiled), nil
}

// ValidateFile opens path and validates it.
func ValidateFile(engine Engine, path string, checkTiled bool) (*ComplianceReport, error) {
	ds, err := engine.Open(path)
	if err != nil {
		return nil, &InvalidInputError{Path: path, Err: err}
	}
	defer ds.Close()
	return ValidateDataset(engine, ds, checkTiled)
}

func readLayout(ds Dataset) (*Layout, error) {
	band := ds.Band(1)
	base, err := readLevel(band)
	if err != nil {
		return nil, err
	}
	layout := &Layout{
		Name:     ds.Description(),
		FileList: ds.FileList(),
		Main:     base,
	}
	for i := 0; i < band.OverviewCount(); i++ {
		o, err := readLevel(band.Overview(i))
		if err != nil {
			return nil, fmt.Errorf("overview %d: %w", i, err)
		}
		layout.Overviews = append(layout.Overviews, o)
	}
	return layout, nil
}

func readLevel(b Band) (OverviewLevel, error) {
	level := OverviewLevel{Width: b.Width(), Height: b.Height()}
	level.BlockWidth, level.BlockHeight = b.BlockSize()

	s, ok := b.MetadataItem(KeyIFDOffset, DomainTIFF)
	if !ok {
		return level, fmt.Errorf("missing %s", KeyIFDOffset)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return level, fmt.Errorf("bad %s %q: %w", KeyIFDOffset, s, err)
	}
	level.IFDOffset = v

	if s, ok := b.MetadataItem(KeyBlockOffset, DomainTIFF); ok && s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return level, fmt.Errorf("bad %s %q: %w", KeyBlockOffset, s, err)
		}
		level.DataOffset, level.HasDataOffset = v, true
	}
	return level, nil
}
