// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewProcessorMetricsRegistersExpectedNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newProcessorMetrics(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "opstore_operations_admitted_total")
	require.Contains(t, names, "opstore_operations_failed_total")
	require.Contains(t, names, "opstore_frame_commits_total")
	require.Contains(t, names, "opstore_frame_failures_total")
	require.Contains(t, names, "opstore_frame_bytes_written_total")
	require.Contains(t, names, "opstore_checkpoints_fired_total")
	require.Contains(t, names, "opstore_intake_queue_depth")
	require.Contains(t, names, "opstore_operation_commit_latency_seconds")
}

func TestNewProcessorMetricsCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newProcessorMetrics(reg)

	m.operationsAdmitted.Inc()
	m.operationsFailed.WithLabelValues("true").Inc()
	m.frameCommits.Inc()
	m.frameBytesWritten.Add(42)

	require.Equal(t, float64(1), testutil.ToFloat64(m.operationsAdmitted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.frameCommits))
	require.Equal(t, float64(42), testutil.ToFloat64(m.frameBytesWritten))
	require.Equal(t, float64(1), testutil.ToFloat64(m.operationsFailed.WithLabelValues("true")))
}
