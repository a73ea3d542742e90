// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type processorMetrics struct {
	operationsAdmitted prometheus.Counter
	operationsFailed   *prometheus.CounterVec
	frameCommits       prometheus.Counter
	frameFailures      prometheus.Counter
	frameBytesWritten  prometheus.Counter
	checkpointsFired   prometheus.Counter
	queueDepth         prometheus.Gauge
	commitLatency      prometheus.Histogram
}

func newProcessorMetrics(reg prometheus.Registerer) *processorMetrics {
	m := &processorMetrics{
		operationsAdmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opstore_operations_admitted_total",
			Help: "operations_admitted_total counts operations accepted into the intake queue.",
		}),
		operationsFailed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "opstore_operations_failed_total",
				Help: "operations_failed_total counts operations the processor loop failed itself (rejected, dropped, or cancelled on a fatal error), by whether the cause was fatal; operations failed by a frame write or commit failure are not counted.",
			},
			[]string{"fatal"},
		),
		frameCommits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opstore_frame_commits_total",
			Help: "frame_commits_total counts data frames durably acknowledged by the durable log.",
		}),
		frameFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opstore_frame_failures_total",
			Help: "frame_failures_total counts data frame writes that failed.",
		}),
		frameBytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opstore_frame_bytes_written_total",
			Help: "frame_bytes_written_total counts bytes in durably acknowledged frames.",
		}),
		checkpointsFired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opstore_checkpoints_fired_total",
			Help: "checkpoints_fired_total counts metadata checkpoint operations synthesized by the checkpoint policy.",
		}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "opstore_intake_queue_depth",
			Help: "intake_queue_depth is the number of operations waiting to be picked up by the processor loop.",
		}),
		commitLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "opstore_operation_commit_latency_seconds",
			Help:    "operation_commit_latency_seconds measures time from admission to future resolution for serializable operations.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	// Create both label values up front so the failed-operations family is
	// exported (at zero) from the moment the metrics are registered.
	m.operationsFailed.WithLabelValues("false")
	m.operationsFailed.WithLabelValues("true")
	return m
}
