// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Result describes a finished conversion.
type Result struct {
	Path             string
	Descriptor       *RasterDescriptor
	AlphaSynthesized bool
}

// DefaultOutputPath is where Convert writes its output if the caller
// does not name a path: "index.tif" beside the input.
func DefaultOutputPath(inputPath string) string {
	return filepath.Join(filepath.Dir(inputPath), "index.tif")
}

// NeedsConversion tells whether a file has to be converted. Only a
// GeoTIFF in the target spatial reference whose layout validates
// without any warning or error can be used as it is.
func NeedsConversion(engine Engine, path string, cfg Config) (bool, *ComplianceReport, error) {
	ds, err := engine.Open(path)
	if err != nil {
		return false, nil, &InvalidInputError{Path: path, Err: err}
	}
	defer ds.Close()

	if ds.DriverName() != DriverGTiff {
		return true, nil, nil
	}
	if canonicalSRS(ds.SpatialRef()) != canonicalSRS(cfg.TargetSRS) {
		return true, nil, nil
	}
	report, err := ValidateDataset(engine, ds, true)
	if err != nil {
		var invalid *InvalidInputError
		if errors.As(err, &invalid) {
			return true, nil, nil
		}
		return false, nil, err
	}
	return !report.Compliant(), report, nil
}

// Convert turns the raster at inputPath into a Cloud-Optimized GeoTIFF
// at outputPath. The output is first written to a temporary file next
// to its final location, and renamed once complete.
func Convert(ctx context.Context, job *Job, engine Engine, inputPath, outputPath string, cfg Config) (result *Result, err error) {
	defer func() {
		if err != nil {
			job.Metrics.Conversions.WithLabelValues("failure").Inc()
			job.Logger.Printf("%s: conversion of %s failed: %v", job.ID, inputPath, err)
		} else {
			job.Metrics.Conversions.WithLabelValues("success").Inc()
		}
	}()

	if strings.TrimSpace(inputPath) == "" {
		return nil, &ConfigurationError{Err: errors.New("no input path given")}
	}
	if outputPath == "" {
		outputPath = DefaultOutputPath(inputPath)
	}
	threads, err := cfg.Threads()
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	src, err := engine.Open(inputPath)
	if err != nil {
		return nil, &ConfigurationError{Path: inputPath, Err: err}
	}
	defer src.Close()
	job.Logger.Printf("%s: converting %s to %s", job.ID, inputPath, outputPath)

	start := time.Now()
	warped, err := engine.Warp(ctx, src, cfg.TargetSRS, cfg.IntermediateFormat)
	if err != nil {
		return nil, &EngineWriteError{Path: inputPath, Op: "warp", Err: err}
	}
	defer warped.Close()
	job.Metrics.ObserveStage("warp", start)

	desc, err := NewRasterDescriptor(warped, cfg)
	if err != nil {
		return nil, err
	}
	desc.Path = inputPath
	if strings.TrimSpace(src.SpatialRef()) == "" {
		job.Logger.Printf("%s: %v, converting without reprojection", job.ID, &GeoreferenceError{Path: inputPath})
	}
	if _, ok := compressionTag(desc.Compression); !ok {
		job.Logger.Printf("%s: cannot write %s compression, using DEFLATE instead", job.ID, desc.Compression)
	}
	job.Logger.Printf("%s: %dx%d, %d bands of %s, nodata %g, %s compression",
		job.ID, desc.Width, desc.Height, desc.BandCount, desc.PixelType, desc.NoData, desc.Compression)

	if desc.OverviewCount == 0 {
		start := time.Now()
		if err := warped.BuildOverviews(ctx, cfg.Resampling, overviewFactors); err != nil {
			return nil, &EngineWriteError{Path: inputPath, Op: "overviews", Err: err}
		}
		job.Metrics.ObserveStage("overviews", start)
		job.Logger.Printf("%s: built %d overviews", job.ID, len(overviewFactors))
	} else {
		job.Logger.Printf("%s: found %d overviews, not building any", job.ID, desc.OverviewCount)
	}

	result = &Result{Path: outputPath, Descriptor: desc}
	writeSrc := warped
	if desc.NeedsAlpha() {
		path, err := SynthesizeAlpha(ctx, job, engine, warped, inputPath, cfg)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)

		alpha, err := engine.Open(path)
		if err != nil {
			return nil, &EngineWriteError{Path: path, Op: "open", Err: err}
		}
		defer alpha.Close()
		writeSrc = alpha
		result.AlphaSynthesized = true
	}

	if err := writeOutput(ctx, job, engine, writeSrc, outputPath, CopyOptions{
		NumThreads:       threads,
		Compress:         desc.Compression,
		BigTIFF:          true,
		Tiled:            true,
		BlockWidth:       cfg.BlockSize,
		BlockHeight:      cfg.BlockSize,
		CopySrcOverviews: true,
	}); err != nil {
		return nil, err
	}
	job.Logger.Printf("%s: wrote %s", job.ID, outputPath)
	return result, nil
}

// writeOutput copies src into a temporary file and renames it to path.
// Overviews are copied from src, never built on the output.
func writeOutput(ctx context.Context, job *Job, engine Engine, src Dataset, path string, opts CopyOptions) error {
	start := time.Now()
	defer job.Metrics.ObserveStage("write", start)

	tmp := path + ".tmp"
	out, err := engine.CreateCopy(ctx, tmp, src, opts)
	if err != nil {
		os.Remove(tmp)
		return &EngineWriteError{Path: path, Op: "write", Err: err}
	}
	if err := out.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return &EngineWriteError{Path: path, Op: "flush", Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return &EngineWriteError{Path: path, Op: "close", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &EngineWriteError{Path: path, Op: "rename", Err: fmt.Errorf("%s: %w", tmp, err)}
	}
	return nil
}
