// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type options struct {
	input       string
	output      string
	configPath  string
	validate    bool
	checkTiled  bool
	metadata    bool
	preview     string
	previewSize int
	storageKey  string
	bucket      string
	prefix      string
	jobID       string
	pushgateway string
	listen      string
	logdir      string
	workdir     string
}

func main() {
	var opts options
	flag.StringVar(&opts.output, "output", "", "path to output file; default is index.tif beside the input")
	flag.StringVar(&opts.configPath, "config", "", "path to YAML file with conversion options")
	flag.BoolVar(&opts.validate, "validate", false, "only check whether the input is a Cloud-Optimized GeoTIFF")
	flag.BoolVar(&opts.checkTiled, "check-tiled", true, "report large untiled images when validating")
	flag.BoolVar(&opts.metadata, "metadata", true, "write metadata.json beside the output")
	flag.StringVar(&opts.preview, "preview", "", "path to PNG preview file; empty for no preview")
	flag.IntVar(&opts.previewSize, "preview-size", 512, "maximal width and height of the preview")
	flag.StringVar(&opts.storageKey, "storage-key", "", "path to key with storage access credentials")
	flag.StringVar(&opts.bucket, "bucket", "", "storage bucket for uploading the output")
	flag.StringVar(&opts.prefix, "prefix", "", "path prefix of uploaded objects")
	flag.StringVar(&opts.jobID, "job", "", "job identifier for logs and metrics; random if empty")
	flag.StringVar(&opts.pushgateway, "pushgateway", "", "URL of Prometheus Pushgateway for job metrics")
	flag.StringVar(&opts.listen, "listen", "", "address for serving /metrics while running, such as :8080")
	flag.StringVar(&opts.logdir, "logdir", "logs", "path to directory for log files")
	flag.StringVar(&opts.workdir, "workdir", "", "path to directory for temporary files")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <input>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	opts.input = flag.Arg(0)

	logfile, err := createLogFile(opts.logdir)
	if err != nil {
		log.Fatal(err)
	}
	defer logfile.Close()
	logger := log.New(logfile, "", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

	ctx := context.Background()
	if opts.validate {
		ok, err := validate(opts, os.Stdout)
		if err != nil {
			logger.Print(err)
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, opts, logger); err != nil {
		logger.Print(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// validate prints the compliance report of the input as JSON. The
// result is false if the report lists any errors; warnings alone do
// not make a file unusable.
func validate(opts options, out io.Writer) (bool, error) {
	engine := &NativeEngine{TempDir: opts.workdir}
	report, err := ValidateFile(engine, opts.input, opts.checkTiled)
	if err != nil {
		return false, err
	}
	j, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return false, err
	}
	fmt.Fprintln(out, string(j))
	return len(report.Errors) == 0, nil
}

func run(ctx context.Context, opts options, logger *log.Logger) error {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	job := NewJob(opts.jobID, logger, NewMetrics())
	if opts.listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", job.Metrics.Handler())
		server := &http.Server{Addr: opts.listen, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("%s: metrics server: %v", job.ID, err)
			}
		}()
		defer server.Close()
	}
	if opts.pushgateway != "" {
		defer func() {
			if err := job.Metrics.Push(ctx, opts.pushgateway, job.ID); err != nil {
				logger.Printf("%s: pushing metrics to %s: %v", job.ID, opts.pushgateway, err)
			}
		}()
	}

	var storage Storage
	if opts.storageKey != "" {
		storage, err = NewStorage(opts.storageKey)
		if err != nil {
			return err
		}
	}

	output, err := outputPath(opts, storage != nil)
	if err != nil {
		return err
	}

	workdir := opts.workdir
	if workdir == "" {
		workdir, err = os.MkdirTemp("", "cogify-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workdir)
	}

	local, cleanup, err := StageInput(ctx, storage, opts.input, workdir)
	defer cleanup()
	if err != nil {
		return err
	}

	engine := &NativeEngine{TempDir: workdir}
	if output == "" {
		output = DefaultOutputPath(local)
	}

	needed, report, err := NeedsConversion(engine, local, cfg)
	if err != nil {
		return err
	}
	if needed {
		if report != nil {
			logger.Printf("%s: %s is not cloud-optimized: %d errors, %d warnings",
				job.ID, local, len(report.Errors), len(report.Warnings))
		}
		if _, err := Convert(ctx, job, engine, local, output, cfg); err != nil {
			return err
		}
	} else {
		logger.Printf("%s: %s already is a Cloud-Optimized GeoTIFF", job.ID, local)
		if err := copyFile(local, output); err != nil {
			return err
		}
	}

	var metadataPath string
	if opts.metadata {
		clock := &NTPClock{Server: cfg.NTPServer, Logger: logger}
		md, err := ExtractMetadata(ctx, engine, output, clock)
		if err != nil {
			return err
		}
		metadataPath = filepath.Join(filepath.Dir(output), "metadata.json")
		if err := WriteMetadata(metadataPath, md); err != nil {
			return err
		}
		logger.Printf("%s: wrote %s", job.ID, metadataPath)
	}

	if opts.preview != "" {
		if err := WritePreview(engine, output, opts.preview, opts.previewSize); err != nil {
			return err
		}
		logger.Printf("%s: wrote %s", job.ID, opts.preview)
	}

	if storage != nil && opts.bucket != "" {
		name := filepath.Base(local)
		name = strings.TrimSuffix(name, filepath.Ext(name))
		if err := Upload(ctx, storage, opts.bucket, opts.prefix, name, output, metadataPath, logger); err != nil {
			return err
		}
	}
	return nil
}

// outputPath tells where run writes its result; empty means the
// workdir. Local inputs, compressed ones too, default to index.tif
// beside the input. Downloaded inputs need -output, a kept workdir or
// an upload.
func outputPath(opts options, hasStorage bool) (string, error) {
	if opts.output != "" {
		return opts.output, nil
	}
	if _, _, ok := parseS3URL(opts.input); !ok {
		return DefaultOutputPath(opts.input), nil
	}
	if opts.workdir != "" || (hasStorage && opts.bucket != "") {
		return "", nil
	}
	return "", &ConfigurationError{
		Path: opts.input,
		Err:  errors.New("output would be lost with the temporary workdir, use -output, -workdir or -bucket"),
	}
}

// copyFile copies src to dst, unless both name the same file.
func copyFile(src, dst string) error {
	if a, b := filepath.Clean(src), filepath.Clean(dst); a == b {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Create a file for keeping logs. If the file already exists, its
// present content is preserved, and new log entries will get appended
// after the existing ones.
func createLogFile(logdir string) (*os.File, error) {
	if err := os.MkdirAll(logdir, os.ModePerm); err != nil {
		return nil, err
	}
	logpath := filepath.Join(logdir, "cogify.log")
	return os.OpenFile(logpath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}
