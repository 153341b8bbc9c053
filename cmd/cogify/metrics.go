// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics are the Prometheus metrics of one conversion job. They live
// in their own registry, so they can be pushed at the end of a job.
type Metrics struct {
	Registry     *prometheus.Registry
	Conversions  *prometheus.CounterVec
	Blocks       *prometheus.CounterVec
	StageSeconds *prometheus.HistogramVec
	Progress     prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogify",
			Name:      "conversions_total",
			Help:      "Number of finished conversions, by result.",
		}, []string{"result"}),
		Blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogify",
			Name:      "blocks_total",
			Help:      "Number of processed raster blocks, by stage.",
		}, []string{"stage"}),
		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cogify",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each stage of a conversion.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		Progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cogify",
			Name:      "progress_ratio",
			Help:      "Progress of the current stage, from 0 to 1.",
		}),
	}
	m.Registry.MustRegister(m.Conversions, m.Blocks, m.StageSeconds, m.Progress)
	return m
}

// ObserveStage records the time since start for a stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Handler serves the metrics of this job over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Push sends the metrics to a Prometheus Pushgateway, grouped by job.
func (m *Metrics) Push(ctx context.Context, url, jobID string) error {
	return push.New(url, "cogify").
		Gatherer(m.Registry).
		Grouping("instance", jobID).
		PushContext(ctx)
}
