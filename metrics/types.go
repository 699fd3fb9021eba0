// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

// MetricID identifies one counter.
type MetricID uint16

// MetricValue holds a counter value or increment.
type MetricValue int64

// Metric pairs a counter ID with a value.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// Summary maps metric IDs to accumulated values.
type Summary map[MetricID]MetricValue
