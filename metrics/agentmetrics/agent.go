// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics reports the profiler's own resource usage. A
// ptrace based profiler stops target threads while it samples, so its
// overhead deserves the same visibility as the sampling results.
package agentmetrics // import "go.stackwalk.dev/ptrace-profiler/metrics/agentmetrics"

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"go.stackwalk.dev/ptrace-profiler/metrics"
	"go.stackwalk.dev/ptrace-profiler/periodiccaller"
)

// rusageSelf requests the rusage of the calling process itself.
const rusageSelf = 0

// collector tracks the previous rusage values so the CPU times can be
// reported as deltas.
type collector struct {
	utime, stime unix.Timeval
}

// timeDelta returns the difference between two rusage time values in
// milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (now.Sec - prev.Sec) * 1000
	usecDelta := (now.Usec - prev.Usec) / 1000
	return secDelta + usecDelta
}

// report feeds the current resource usage into the metrics package.
func (c *collector) report() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	var rusage unix.Rusage
	if err := unix.Getrusage(rusageSelf, &rusage); err != nil {
		return
	}
	deltaUtime := timeDelta(rusage.Utime, c.utime)
	deltaStime := timeDelta(rusage.Stime, c.stime)
	c.utime = rusage.Utime
	c.stime = rusage.Stime

	metrics.AddSlice([]metrics.Metric{
		{
			ID:    metrics.IDAgentGoRoutines,
			Value: metrics.MetricValue(runtime.NumGoroutine()),
		},
		{
			ID:    metrics.IDAgentHeapAlloc,
			Value: metrics.MetricValue(stats.HeapAlloc),
		},
		{
			ID:    metrics.IDAgentUTime,
			Value: metrics.MetricValue(deltaUtime),
		},
		{
			ID:    metrics.IDAgentSTime,
			Value: metrics.MetricValue(deltaStime),
		},
	})
}

// Start begins periodic collection of the profiler's own resource usage
// until ctx is canceled. The returned function stops the collection.
func Start(ctx context.Context, interval time.Duration) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(rusageSelf, &rusage); err != nil {
		return nil, fmt.Errorf("failed to fetch rusage: %w", err)
	}
	c := collector{utime: rusage.Utime, stime: rusage.Stime}
	return periodiccaller.Start(ctx, interval, c.report), nil
}
