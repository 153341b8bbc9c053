// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"strings"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("got %+v, want defaults", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadConfig_Override(t *testing.T) {
	path := writeFile(t, "config.yaml", []byte(
		"NO_DATA: 0\nCOMPRESS: DEFLATE\nBLOCKSIZE: 512\nNUM_THREADS: \"4\"\n"))
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NoData != 0 || cfg.Compress != "DEFLATE" || cfg.BlockSize != 512 {
		t.Errorf("got %+v", cfg)
	}
	if cfg.Resampling != "NEAREST" || cfg.TargetSRS != "EPSG:4326" {
		t.Errorf("keys missing from file should keep defaults, got %+v", cfg)
	}
	if n, err := cfg.Threads(); n != 4 || err != nil {
		t.Errorf("got %d threads, %v; want 4", n, err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	for _, tc := range []struct {
		yaml string
		want string
	}{
		{"COMPRES: LZW\n", "COMPRES"},
		{"BLOCKSIZE: 100\n", "BLOCKSIZE"},
		{"RESAMPLING: CUBIC\n", "RESAMPLING"},
		{"INTERMEDIATE_FORMAT: PNG\n", "INTERMEDIATE_FORMAT"},
		{"TARGET_SRS: WGS84\n", "TARGET_SRS"},
		{"NUM_THREADS: many\n", "NUM_THREADS"},
		{"COMPRESS: \"\"\n", "COMPRESS"},
	} {
		path := writeFile(t, "config.yaml", []byte(tc.yaml))
		_, err := LoadConfig(path)
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%q: got %v, want ConfigurationError about %s", tc.yaml, err, tc.want)
		}
	}

	_, err := LoadConfig("does-not-exist.yaml")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("got %v, want ConfigurationError", err)
	}
}

func TestConfig_Threads(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int
		ok   bool
	}{
		{"ALL_CPUS", 0, true},
		{"all_cpus", 0, true},
		{"", 0, true},
		{"3", 3, true},
		{"-1", 0, false},
		{"two", 0, false},
	} {
		cfg := DefaultConfig()
		cfg.NumThreads = tc.in
		got, err := cfg.Threads()
		if got != tc.want || (err == nil) != tc.ok {
			t.Errorf("Threads(%q) = %d, %v; want %d, ok=%v", tc.in, got, err, tc.want, tc.ok)
		}
	}
	if workerCount(5) != 5 || workerCount(0) < 1 {
		t.Error("workerCount")
	}
}
