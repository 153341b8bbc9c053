// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const alphaBlockSize = 256

// alphaPath returns where the alpha-augmented copy of an input gets
// stored: beside the input, as "<name>.alpha.tif".
func alphaPath(inputPath string) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(inputPath), base+".alpha.tif")
}

// SynthesizeAlpha adds a transparency band to a raster of three byte
// bands. A pixel becomes opaque (255) only if all three bands are
// non-zero there; every other pixel is transparent (0). The result is
// written as a tiled GeoTIFF with overviews, and its path returned.
// The caller is responsible for removing that file.
func SynthesizeAlpha(ctx context.Context, job *Job, engine Engine, src Dataset, inputPath string, cfg Config) (string, error) {
	start := time.Now()
	defer job.Metrics.ObserveStage("alpha", start)

	desc, err := NewRasterDescriptor(src, cfg)
	if err != nil {
		return "", err
	}
	if !desc.NeedsAlpha() {
		return "", &InvalidInputError{
			Path: inputPath,
			Err: fmt.Errorf("alpha needs 3 bands of type Byte without alpha, got %d bands of type %s",
				desc.BandCount, desc.PixelType),
		}
	}

	threads, err := cfg.Threads()
	if err != nil {
		return "", &ConfigurationError{Err: err}
	}

	job.Logger.Printf("%s: synthesizing alpha band for %dx%d raster", job.ID, desc.Width, desc.Height)
	scratch, err := engine.CreateScratchCopy(ctx, src, 1)
	if err != nil {
		return "", &EngineWriteError{Path: inputPath, Op: "copy", Err: err}
	}
	defer scratch.Close()

	alpha := scratch.Band(4)
	if err := alpha.SetColorInterp(AlphaColor); err != nil {
		return "", &EngineWriteError{Path: inputPath, Op: "alpha", Err: err}
	}
	if err := fillAlpha(ctx, job, scratch, alpha, threads); err != nil {
		return "", &EngineWriteError{Path: inputPath, Op: "alpha", Err: err}
	}

	if scratch.Band(1).OverviewCount() == 0 {
		if err := scratch.BuildOverviews(ctx, "NEAREST", overviewFactors); err != nil {
			return "", &EngineWriteError{Path: inputPath, Op: "overviews", Err: err}
		}
	} else {
		job.Logger.Printf("%s: alpha copy already has overviews, skipping", job.ID)
	}

	path := alphaPath(inputPath)
	out, err := engine.CreateCopy(ctx, path, scratch, CopyOptions{
		NumThreads:       threads,
		Compress:         desc.Compression,
		BigTIFF:          true,
		Tiled:            true,
		BlockWidth:       alphaBlockSize,
		BlockHeight:      alphaBlockSize,
		CopySrcOverviews: true,
	})
	if err != nil {
		return "", &EngineWriteError{Path: path, Op: "write", Err: err}
	}
	if err := out.Flush(); err != nil {
		out.Close()
		return "", &EngineWriteError{Path: path, Op: "flush", Err: err}
	}
	if err := out.Close(); err != nil {
		return "", &EngineWriteError{Path: path, Op: "close", Err: err}
	}
	job.Logger.Printf("%s: wrote %s", job.ID, path)
	return path, nil
}

// fillAlpha computes the alpha band of ds block by block. Blocks are
// independent, so they get processed in parallel; writes into the
// alpha band happen one at a time.
func fillAlpha(ctx context.Context, job *Job, ds Dataset, alpha Band, threads int) error {
	blocks := Blocks(ds.Width(), ds.Height(), alphaBlockSize, alphaBlockSize)
	var mu sync.Mutex
	done := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount(threads))
	for _, b := range blocks {
		b := b
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			mask, err := alphaMask(ds, b)
			if err != nil {
				return fmt.Errorf("block %s: %w", b, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err := alpha.Write(b.X, b.Y, mask); err != nil {
				return fmt.Errorf("block %s: %w", b, err)
			}
			done++
			job.reportBlock("alpha", done, len(blocks))
			return nil
		})
	}
	return g.Wait()
}

// alphaMask computes the alpha samples for one block of a raster whose
// first three bands hold the color.
func alphaMask(ds Dataset, b Block) (*Buffer, error) {
	mask := NewBuffer(Byte, b.Width, b.Height)
	mask.Fill(255)
	for i := 1; i <= 3; i++ {
		buf, err := ds.Band(i).Read(b.X, b.Y, b.Width, b.Height)
		if err != nil {
			return nil, err
		}
		for j := 0; j < buf.Len(); j++ {
			if buf.IsZero(j) {
				mask.Pix[j] = 0
			}
		}
	}
	return mask, nil
}
