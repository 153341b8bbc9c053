// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config holds the conversion options. Keys missing from a
// configuration file keep their value from DefaultConfig.
type Config struct {
	NoData             float64 `yaml:"NO_DATA"`
	Compress           string  `yaml:"COMPRESS"`
	Resampling         string  `yaml:"RESAMPLING"`
	BlockSize          int     `yaml:"BLOCKSIZE"`
	IntermediateFormat string  `yaml:"INTERMEDIATE_FORMAT"`
	TargetSRS          string  `yaml:"TARGET_SRS"`
	NTPServer          string  `yaml:"NTP_SERVER"`
	NumThreads         string  `yaml:"NUM_THREADS"`
}

func DefaultConfig() Config {
	return Config{
		NoData:             -9999,
		Compress:           "LZW",
		Resampling:         "NEAREST",
		BlockSize:          256,
		IntermediateFormat: DriverVRT,
		TargetSRS:          "EPSG:4326",
		NTPServer:          "europe.pool.ntp.org",
		NumThreads:         "ALL_CPUS",
	}
}

// overviewFactors are the decimation factors of generated overviews.
var overviewFactors = []int{2, 4, 8, 16, 32, 64}

// LoadConfig reads a YAML configuration file. An empty path yields
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &ConfigurationError{Path: path, Err: err}
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, &ConfigurationError{Path: path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, &ConfigurationError{Path: path, Err: err}
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize%16 != 0 {
		return fmt.Errorf("BLOCKSIZE must be a positive multiple of 16, got %d", c.BlockSize)
	}
	switch strings.ToUpper(c.Resampling) {
	case "NEAREST", "AVERAGE":
	default:
		return fmt.Errorf("unsupported RESAMPLING %q", c.Resampling)
	}
	switch strings.ToUpper(c.IntermediateFormat) {
	case DriverVRT, DriverMem:
	default:
		return fmt.Errorf("unsupported INTERMEDIATE_FORMAT %q", c.IntermediateFormat)
	}
	if strings.TrimSpace(c.Compress) == "" {
		return fmt.Errorf("COMPRESS must not be empty")
	}
	if _, err := epsgCode(c.TargetSRS); err != nil {
		return fmt.Errorf("TARGET_SRS: %w", err)
	}
	if _, err := c.Threads(); err != nil {
		return err
	}
	return nil
}

// Threads returns the number of encoder threads, where 0 means one
// per CPU.
func (c Config) Threads() (int, error) {
	if s := strings.ToUpper(strings.TrimSpace(c.NumThreads)); s == "" || s == "ALL_CPUS" {
		return 0, nil
	}
	n, err := strconv.Atoi(c.NumThreads)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("NUM_THREADS must be ALL_CPUS or a number, got %q", c.NumThreads)
	}
	return n, nil
}

// workerCount turns a thread setting, where 0 means one per CPU, into
// a number of goroutines.
func workerCount(threads int) int {
	if threads <= 0 {
		return runtime.NumCPU()
	}
	return threads
}
