// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConvert_RGB(t *testing.T) {
	src := newRGBDataset(t, 1024, 1024, func(b, x, y int) float64 {
		if x < 100 {
			return 0
		}
		return float64(50 + b*50)
	})
	input := writeTestTIFF(t, src, "in.tif", CopyOptions{Tiled: true, BlockWidth: 256, BlockHeight: 256})
	engine := &NativeEngine{TempDir: t.TempDir()}
	cfg := DefaultConfig()

	needs, _, err := NeedsConversion(engine, input, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Error("input without overviews should need conversion")
	}

	job := NewJob("rgb", nil, nil)
	result, err := Convert(context.Background(), job, engine, input, "", cfg)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Dir(input)
	if want := filepath.Join(dir, "index.tif"); result.Path != want {
		t.Errorf("got output %q, want %q", result.Path, want)
	}
	if !result.AlphaSynthesized {
		t.Error("want alpha band to be synthesized")
	}
	for _, name := range []string{"in.alpha.tif", "index.tif.tmp"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed, got %v", name, err)
		}
	}

	out := openTestTIFF(t, result.Path)
	if out.BandCount() != 4 {
		t.Fatalf("got %d bands, want 4", out.BandCount())
	}
	if out.SpatialRef() != "EPSG:4326" || out.GeoTransform() != testGeoTransform {
		t.Errorf("got %q %v", out.SpatialRef(), out.GeoTransform())
	}
	alpha := out.Band(4)
	if alpha.ColorInterp() != AlphaColor {
		t.Errorf("got %v, want Alpha", alpha.ColorInterp())
	}
	if bw, bh := alpha.BlockSize(); bw != 256 || bh != 256 {
		t.Errorf("got %dx%d blocks, want 256x256", bw, bh)
	}
	if got := alpha.OverviewCount(); got != 6 {
		t.Errorf("got %d overviews, want 6", got)
	}
	buf, err := alpha.Read(98, 500, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := []float64{buf.At(0), buf.At(1), buf.At(2), buf.At(3)}; got[0] != 0 || got[1] != 0 || got[2] != 255 || got[3] != 255 {
		t.Errorf("alpha around x=100: got %v, want [0 0 255 255]", got)
	}
	wantSameBand(t, out.Band(2), src.Band(2))

	report, err := ValidateFile(engine, result.Path, true)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Compliant() {
		t.Errorf("output is not compliant: %v %v", report.Errors, report.Warnings)
	}
	needs, _, err = NeedsConversion(engine, result.Path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Error("converted output should not need conversion")
	}
	if got := testutil.ToFloat64(job.Metrics.Conversions.WithLabelValues("success")); got != 1 {
		t.Errorf("got %v successful conversions, want 1", got)
	}
}

func TestConvert_WithoutSpatialReference(t *testing.T) {
	src := newTestDataset(t, 300, 200, []PixelType{Int16}, func(b, x, y int) float64 { return float64(x - y) })
	src.srs = ""
	input := writeTestTIFF(t, src, "plain.tif", CopyOptions{})

	var logged bytes.Buffer
	job := NewJob("plain", log.New(&logged, "", 0), nil)
	output := filepath.Join(t.TempDir(), "out.tif")
	result, err := Convert(context.Background(), job, &NativeEngine{TempDir: t.TempDir()}, input, output, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if result.AlphaSynthesized || result.Path != output {
		t.Errorf("got %+v", result)
	}
	if result.Descriptor.NoData != -9999 || result.Descriptor.Compression != "LZW" {
		t.Errorf("got nodata %v, compression %q", result.Descriptor.NoData, result.Descriptor.Compression)
	}
	if !strings.Contains(logged.String(), "spatial reference is not defined") {
		t.Errorf("missing georeference warning in log:\n%s", logged.String())
	}

	out := openTestTIFF(t, output)
	if out.BandCount() != 1 || out.SpatialRef() != "" {
		t.Errorf("got %d bands in %q, want 1 band without spatial reference", out.BandCount(), out.SpatialRef())
	}
	if got := out.Metadata(DomainImageStructure)[KeyCompression]; got != "LZW" {
		t.Errorf("got COMPRESSION=%q, want LZW", got)
	}
	if got := out.Band(1).OverviewCount(); got != 6 {
		t.Errorf("got %d overviews, want 6", got)
	}
	wantSameBand(t, out.Band(1), src.Band(1))
}

func TestConvert_Reprojects(t *testing.T) {
	src := newTestDataset(t, 64, 64, []PixelType{Float32}, func(b, x, y int) float64 { return 1.5 })
	src.srs = "EPSG:3857"
	src.gt = [6]float64{950000, 100, 0, 6000000, 0, -100}
	input := writeTestTIFF(t, src, "mercator.tif", CopyOptions{Compress: "DEFLATE"})

	output := filepath.Join(t.TempDir(), "out.tif")
	result, err := Convert(context.Background(), NewJob("", nil, nil), &NativeEngine{TempDir: t.TempDir()}, input, output, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if result.Descriptor.SpatialRef != "EPSG:4326" || result.Descriptor.Compression != "DEFLATE" {
		t.Errorf("got %q %q, want EPSG:4326 DEFLATE", result.Descriptor.SpatialRef, result.Descriptor.Compression)
	}
	out := openTestTIFF(t, output)
	if out.SpatialRef() != "EPSG:4326" {
		t.Errorf("got %q, want EPSG:4326", out.SpatialRef())
	}
}

func TestConvert_BadInput(t *testing.T) {
	engine := &NativeEngine{TempDir: t.TempDir()}
	job := NewJob("bad", nil, nil)
	for _, input := range []string{"", filepath.Join(t.TempDir(), "missing.tif")} {
		_, err := Convert(context.Background(), job, engine, input, "", DefaultConfig())
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%q: got %v, want ConfigurationError", input, err)
		}
	}
	if got := testutil.ToFloat64(job.Metrics.Conversions.WithLabelValues("failure")); got != 2 {
		t.Errorf("got %v failed conversions, want 2", got)
	}
}

func TestNeedsConversion_OtherSpatialReference(t *testing.T) {
	src := newTestDataset(t, 16, 16, []PixelType{Byte}, func(b, x, y int) float64 { return 1 })
	src.srs = "EPSG:3857"
	src.gt = [6]float64{950000, 100, 0, 6000000, 0, -100}
	path := writeTestTIFF(t, src, "mercator.tif", CopyOptions{})
	needs, report, err := NeedsConversion(&NativeEngine{}, path, DefaultConfig())
	if err != nil || !needs || report != nil {
		t.Errorf("got %v %v %v, want true nil nil", needs, report, err)
	}
}

func TestDefaultOutputPath(t *testing.T) {
	if got := DefaultOutputPath("/work/raw/dem.asc"); got != "/work/raw/index.tif" {
		t.Errorf("got %q", got)
	}
}
