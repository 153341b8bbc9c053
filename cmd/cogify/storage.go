// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectInfo struct {
	Key         string
	ContentType string
	ETag        string
	Size        int64
}

type Storage interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	Stat(ctx context.Context, bucket, path string) (ObjectInfo, error)
	Get(ctx context.Context, bucket, path string) (io.ReadCloser, error)
	PutFile(ctx context.Context, bucket string, remotepath string, localpath string, contentType string) (ObjectInfo, error)
}

// remoteStorage is an implementation of interface Storage that talks
// to a remote S3-compatible server. Tests use an in-memory fake.
type remoteStorage struct {
	client *minio.Client
}

func (s *remoteStorage) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return s.client.BucketExists(ctx, bucket)
}

func (s *remoteStorage) Stat(ctx context.Context, bucket, path string) (ObjectInfo, error) {
	st, err := s.client.StatObject(ctx, bucket, path, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}
	info := ObjectInfo{Key: st.Key, ContentType: st.ContentType, ETag: st.ETag, Size: st.Size}
	return info, nil
}

func (s *remoteStorage) Get(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucket, path, minio.GetObjectOptions{})
}

func (s *remoteStorage) PutFile(ctx context.Context, bucket string, remotepath string, localpath string, contentType string) (ObjectInfo, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	info, err := s.client.FPutObject(ctx, bucket, remotepath, localpath, opts)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: info.Key, ContentType: contentType, ETag: info.ETag, Size: info.Size}, nil
}

// NewStorage sets up a client for accessing S3-compatible object storage.
// The key file is JSON with the fields Endpoint, Key and Secret.
func NewStorage(keypath string) (Storage, error) {
	data, err := os.ReadFile(keypath)
	if err != nil {
		return nil, &ConfigurationError{Path: keypath, Err: err}
	}

	var config struct{ Endpoint, Key, Secret string }
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &ConfigurationError{Path: keypath, Err: err}
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Key, config.Secret, ""),
		Secure: true,
	})
	if err != nil {
		return nil, &ConfigurationError{Path: keypath, Err: err}
	}

	client.SetAppInfo("Cogify", "0.1")
	return &remoteStorage{client: client}, nil
}

// parseS3URL splits "s3://bucket/some/key" into bucket and key.
func parseS3URL(url string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(url, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Upload puts a converted raster and its metadata into storage, as
// "<prefix>/<name>.tif" and "<prefix>/metadata.json". An empty
// metadataPath uploads only the raster.
func Upload(ctx context.Context, s Storage, bucket, prefix, name, cogPath, metadataPath string, logger *log.Logger) error {
	exists, err := s.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return &ConfigurationError{Err: fmt.Errorf("storage bucket %q does not exist", bucket)}
	}

	uploads := []struct{ remote, local, contentType string }{
		{path.Join(prefix, name+".tif"), cogPath, "image/tiff"},
	}
	if metadataPath != "" {
		uploads = append(uploads, struct{ remote, local, contentType string }{
			path.Join(prefix, "metadata.json"), metadataPath, "application/json",
		})
	}
	for _, u := range uploads {
		info, err := s.PutFile(ctx, bucket, u.remote, u.local, u.contentType)
		if err != nil {
			return fmt.Errorf("uploading %s to %s/%s: %w", u.local, bucket, u.remote, err)
		}
		msg := fmt.Sprintf("Uploaded to storage: %s/%s, ETag: %s", bucket, u.remote, info.ETag)
		fmt.Println(msg)
		if logger != nil {
			logger.Println(msg)
		}
	}
	return nil
}
