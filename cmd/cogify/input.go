// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// decompressors maps file name suffixes of compression containers to a
// function that unwraps them.
var decompressors = map[string]func(io.Reader) (io.ReadCloser, error){
	".gz": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	".bz2": func(r io.Reader) (io.ReadCloser, error) {
		return bzip2.NewReader(r, &bzip2.ReaderConfig{})
	},
	".xz": func(r io.Reader) (io.ReadCloser, error) {
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	},
	".br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	".zst": func(r io.Reader) (io.ReadCloser, error) {
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	},
}

// StageInput makes an input available as a local, uncompressed file.
// Inputs on S3-compatible storage ("s3://bucket/key") get downloaded,
// compressed inputs (.gz, .bz2, .xz, .br, .zst) get decompressed into
// workdir. Other paths are returned as they are. The returned cleanup
// function removes any temporary files; it is never nil.
func StageInput(ctx context.Context, storage Storage, inputPath, workdir string) (string, func(), error) {
	var temps []string
	cleanup := func() {
		for _, p := range temps {
			os.Remove(p)
		}
	}

	local := inputPath
	if bucket, key, ok := parseS3URL(inputPath); ok {
		if storage == nil {
			return "", cleanup, &ConfigurationError{Path: inputPath, Err: errors.New("no storage configured, use -storage-key")}
		}
		p, err := download(ctx, storage, bucket, key, workdir)
		if err != nil {
			return "", cleanup, &InvalidInputError{Path: inputPath, Err: err}
		}
		temps = append(temps, p)
		local = p
	} else if _, err := os.Stat(inputPath); err != nil {
		return "", cleanup, &ConfigurationError{Path: inputPath, Err: err}
	}

	ext := strings.ToLower(filepath.Ext(local))
	decompress, ok := decompressors[ext]
	if !ok {
		return local, cleanup, nil
	}
	out := filepath.Join(workdir, strings.TrimSuffix(filepath.Base(local), filepath.Ext(local)))
	if err := decompressFile(local, out, decompress); err != nil {
		cleanup()
		return "", func() {}, &InvalidInputError{Path: inputPath, Err: err}
	}
	temps = append(temps, out)
	return out, cleanup, nil
}

func download(ctx context.Context, storage Storage, bucket, key, workdir string) (string, error) {
	r, err := storage.Get(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	defer r.Close()

	if err := os.MkdirAll(workdir, os.ModePerm); err != nil {
		return "", err
	}
	p := filepath.Join(workdir, path.Base(key))
	f, err := os.Create(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(p)
		return "", fmt.Errorf("downloading s3://%s/%s: %w", bucket, key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return "", err
	}
	return p, nil
}

func decompressFile(in, out string, decompress func(io.Reader) (io.ReadCloser, error)) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := decompress(f)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(out), os.ModePerm); err != nil {
		return err
	}
	tmp := out + ".tmp"
	w, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer w.Close()
	if _, err := io.Copy(w, r); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, out)
}
