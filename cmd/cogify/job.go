// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"io"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ProgressReporter receives progress updates of a running job.
type ProgressReporter interface {
	Report(stage string, done, total int)
}

// Job carries the identity, logging sink and telemetry of one
// conversion. It is passed explicitly to every stage.
type Job struct {
	ID       string
	Logger   *log.Logger
	Progress ProgressReporter
	Metrics  *Metrics
}

// NewJob creates a job. An empty id gets replaced by a random one, a
// nil logger by one that discards its output.
func NewJob(id string, logger *log.Logger, metrics *Metrics) *Job {
	if id == "" {
		id = uuid.NewString()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Job{
		ID:       id,
		Logger:   logger,
		Progress: &gaugeProgress{metrics: metrics, logger: logger},
		Metrics:  metrics,
	}
}

// reportBlock counts one processed block of a stage.
func (j *Job) reportBlock(stage string, done, total int) {
	j.Metrics.Blocks.WithLabelValues(stage).Inc()
	if j.Progress != nil {
		j.Progress.Report(stage, done, total)
	}
}

// gaugeProgress exports progress as a Prometheus gauge, and logs it
// every ten percent.
type gaugeProgress struct {
	mu       sync.Mutex
	metrics  *Metrics
	logger   *log.Logger
	stage    string
	lastTens int
}

func (p *gaugeProgress) Report(stage string, done, total int) {
	if total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if stage != p.stage {
		p.stage, p.lastTens = stage, 0
	}
	ratio := float64(done) / float64(total)
	p.metrics.Progress.Set(ratio)
	if tens := done * 10 / total; tens > p.lastTens {
		p.lastTens = tens
		p.logger.Printf("%s: %d%% done", stage, tens*10)
	}
}
