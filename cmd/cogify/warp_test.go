// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"testing"
)

func TestWarp_WebMercatorToLonLat(t *testing.T) {
	src := newTestDataset(t, 50, 40, []PixelType{Byte}, func(b, x, y int) float64 { return 42 })
	src.srs = "EPSG:3857"
	src.gt = [6]float64{950000, 100, 0, 6000000, 0, -100}
	src.bands[0].SetNoData(255)

	ds, err := newWarpedDataset(src, "epsg:4326", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()

	if ds.SpatialRef() != "EPSG:4326" || ds.DriverName() != DriverVRT {
		t.Errorf("got %q %q, want EPSG:4326 VRT", ds.SpatialRef(), ds.DriverName())
	}
	gt := ds.GeoTransform()
	if !near(gt[0], 8.534, 0.001) || gt[1] <= 0 || gt[5] >= 0 || gt[2] != 0 || gt[4] != 0 {
		t.Errorf("got geotransform %v", gt)
	}

	band := ds.Band(1)
	buf, err := band.Read(0, 0, band.Width(), band.Height())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < buf.Len(); i++ {
		if v := buf.At(i); v != 42 && v != 255 {
			t.Fatalf("pixel %d: got %v, want 42 or nodata", i, v)
		}
	}
	center := (band.Height()/2)*band.Width() + band.Width()/2
	if got := buf.At(center); got != 42 {
		t.Errorf("center: got %v, want 42", got)
	}
	if err := band.Write(0, 0, buf); err == nil {
		t.Error("warped band should be read-only")
	}
}

func TestWarp_Identity(t *testing.T) {
	src := newTestDataset(t, 64, 32, []PixelType{UInt16}, func(b, x, y int) float64 { return float64(x * y) })
	src.srs = ""
	if err := src.BuildOverviews(context.Background(), "NEAREST", []int{2, 4}); err != nil {
		t.Fatal(err)
	}

	ds, err := newWarpedDataset(src, "EPSG:4326", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()
	if ds.Width() != 64 || ds.Height() != 32 || ds.GeoTransform() != testGeoTransform {
		t.Errorf("identity warp changed the raster: %dx%d %v", ds.Width(), ds.Height(), ds.GeoTransform())
	}
	wantSameBand(t, ds.Band(1), src.Band(1))
	if got := ds.Band(1).OverviewCount(); got != 2 {
		t.Errorf("got %d overviews, want those 2 of the source", got)
	}

	if err := ds.BuildOverviews(context.Background(), "NEAREST", []int{2}); err != nil {
		t.Fatal(err)
	}
	if got := ds.Band(1).OverviewCount(); got != 1 {
		t.Errorf("got %d overviews after building, want 1", got)
	}
}

func TestWarp_ForwardsCompression(t *testing.T) {
	src := newTestDataset(t, 4, 4, []PixelType{Byte, Byte}, func(b, x, y int) float64 { return 0 })
	ds, err := newWarpedDataset(&relabeledDataset{scratchDataset: src, compression: "DEFLATE", typ: Byte}, "EPSG:4326", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()
	md := ds.Metadata(DomainImageStructure)
	if md[KeyCompression] != "DEFLATE" || md[KeyInterleave] != "PIXEL" {
		t.Errorf("got %v", md)
	}
}

func TestInvertGeoTransform(t *testing.T) {
	gt := [6]float64{1000, 2, 0.5, 5000, 0.25, -3}
	inv, ok := invertGeoTransform(gt)
	if !ok {
		t.Fatal("want invertible geotransform")
	}
	x, y := applyGeoTransform(gt, 17, 23)
	px, py := applyGeoTransform(inv, x, y)
	if !near(px, 17, 1e-9) || !near(py, 23, 1e-9) {
		t.Errorf("got %v, %v; want 17, 23", px, py)
	}

	if _, ok := invertGeoTransform([6]float64{0, 1, 2, 0, 2, 4}); ok {
		t.Error("singular geotransform should not be invertible")
	}
}
