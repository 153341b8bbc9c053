// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

func compressWith(t *testing.T, ext string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch ext {
	case ".gz":
		w = gzip.NewWriter(&buf)
	case ".bz2":
		w, err = bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	case ".xz":
		w, err = xz.NewWriter(&buf)
	case ".br":
		w = brotli.NewWriter(&buf)
	case ".zst":
		w, err = zstd.NewWriter(&buf)
	default:
		t.Fatalf("unknown extension %q", ext)
	}
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStageInput_Decompress(t *testing.T) {
	data := bytes.Repeat([]byte("II*\x00 raster "), 1000)
	for _, ext := range []string{".gz", ".bz2", ".xz", ".br", ".zst"} {
		t.Run(ext, func(t *testing.T) {
			input := writeFile(t, "dem.tif"+ext, compressWith(t, ext, data))
			workdir := t.TempDir()
			path, cleanup, err := StageInput(context.Background(), nil, input, workdir)
			if err != nil {
				t.Fatal(err)
			}
			if want := filepath.Join(workdir, "dem.tif"); path != want {
				t.Errorf("got %q, want %q", path, want)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("decompressed data differs, got %d bytes", len(got))
			}
			cleanup()
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Errorf("cleanup should remove %s, got %v", path, err)
			}
		})
	}
}

func TestStageInput_Plain(t *testing.T) {
	input := writeFile(t, "dem.tif", []byte("II*\x00"))
	path, cleanup, err := StageInput(context.Background(), nil, input, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cleanup()
	if path != input {
		t.Errorf("got %q, want %q", path, input)
	}
	if _, err := os.Stat(input); err != nil {
		t.Errorf("cleanup must not remove the input: %v", err)
	}
}

func TestStageInput_Corrupt(t *testing.T) {
	input := writeFile(t, "dem.tif.gz", []byte("not gzip"))
	workdir := t.TempDir()
	_, cleanup, err := StageInput(context.Background(), nil, input, workdir)
	cleanup()
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Errorf("got %v, want InvalidInputError", err)
	}
	if files, _ := filepath.Glob(filepath.Join(workdir, "*")); len(files) != 0 {
		t.Errorf("got %v, want no files left behind", files)
	}
}

func TestStageInput_Missing(t *testing.T) {
	_, _, err := StageInput(context.Background(), nil, filepath.Join(t.TempDir(), "nope.tif"), t.TempDir())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("got %v, want ConfigurationError", err)
	}
}

func TestStageInput_S3(t *testing.T) {
	data := []byte("elevation model")
	storage := NewFakeStorage("rasters")
	storage.Objects["rasters/2024/dem.tif.zst"] = compressWith(t, ".zst", data)
	workdir := t.TempDir()

	path, cleanup, err := StageInput(context.Background(), storage, "s3://rasters/2024/dem.tif.zst", workdir)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(workdir, "dem.tif"); path != want {
		t.Errorf("got %q, want %q", path, want)
	}
	if got, _ := os.ReadFile(path); !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}
	cleanup()
	if files, _ := filepath.Glob(filepath.Join(workdir, "*")); len(files) != 0 {
		t.Errorf("got %v, want cleanup to remove download and decompressed file", files)
	}

	if _, _, err := StageInput(context.Background(), storage, "s3://rasters/missing.tif", workdir); err == nil {
		t.Error("want error for missing object")
	}
	var cfgErr *ConfigurationError
	if _, _, err := StageInput(context.Background(), nil, "s3://rasters/2024/dem.tif.zst", workdir); !errors.As(err, &cfgErr) {
		t.Errorf("without storage: got %v, want ConfigurationError", err)
	}
}
