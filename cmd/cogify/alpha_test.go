// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAlphaPath(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"/data/in.tif", "/data/in.alpha.tif"},
		{"/data/scan.2024.jp2", "/data/scan.2024.alpha.tif"},
		{"relief", "relief.alpha.tif"},
	} {
		if got := alphaPath(tc.in); got != tc.want {
			t.Errorf("alphaPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSynthesizeAlpha(t *testing.T) {
	// Band b is zero at pixel (b, 0); everything else is colored.
	src := newRGBDataset(t, 300, 300, func(b, x, y int) float64 {
		if y == 0 && x == b {
			return 0
		}
		return 100
	})
	dir := t.TempDir()
	input := filepath.Join(dir, "photo.tif")
	job := NewJob("test", nil, nil)
	engine := &NativeEngine{TempDir: t.TempDir()}

	path, err := SynthesizeAlpha(context.Background(), job, engine, src, input, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "photo.alpha.tif"); path != want {
		t.Errorf("got path %q, want %q", path, want)
	}

	ds := openTestTIFF(t, path)
	if ds.BandCount() != 4 {
		t.Fatalf("got %d bands, want 4", ds.BandCount())
	}
	alpha := ds.Band(4)
	if alpha.ColorInterp() != AlphaColor {
		t.Errorf("band 4: got %v, want Alpha", alpha.ColorInterp())
	}
	buf, err := alpha.Read(0, 0, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	for x, want := range []float64{0, 0, 0, 255} {
		if got := buf.At(x); got != want {
			t.Errorf("alpha at (%d, 0): got %v, want %v", x, got, want)
		}
	}
	for i := 1; i <= 3; i++ {
		wantSameBand(t, ds.Band(i), src.Band(i))
	}
	if bw, bh := alpha.BlockSize(); bw != 256 || bh != 256 {
		t.Errorf("got %dx%d blocks, want 256x256", bw, bh)
	}
	if got := alpha.OverviewCount(); got != len(overviewFactors) {
		t.Errorf("got %d overviews, want %d", got, len(overviewFactors))
	}
	if got := testutil.ToFloat64(job.Metrics.Blocks.WithLabelValues("alpha")); got != 4 {
		t.Errorf("got %v alpha blocks, want 4", got)
	}
}

func TestSynthesizeAlpha_NotRGB(t *testing.T) {
	src := newTestDataset(t, 8, 8, []PixelType{Byte}, func(b, x, y int) float64 { return 1 })
	job := NewJob("test", nil, nil)
	engine := &NativeEngine{TempDir: t.TempDir()}
	_, err := SynthesizeAlpha(context.Background(), job, engine, src, filepath.Join(t.TempDir(), "gray.tif"), DefaultConfig())
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Errorf("got %v, want InvalidInputError", err)
	}
}

func TestAlphaMask(t *testing.T) {
	src := newTestDataset(t, 3, 1, []PixelType{Float32, Float32, Float32}, func(b, x, y int) float64 {
		if x == 1 && b == 2 {
			return 0
		}
		return 0.5
	})
	mask, err := alphaMask(src, Block{X: 0, Y: 0, Width: 3, Height: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(mask.Pix); got != "[255 0 255]" {
		t.Errorf("got %s, want [255 0 255]", got)
	}
}
