// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics buffers the profiler's operational counters and reports
them through the log.

The package is a process wide singleton so that any component can drop a
counter increment without carrying a handle around. Add and AddSlice are
cheap, safe for concurrent use and never block on I/O; the buffered sums
are only rendered when the main command's reporting loop calls Report.

Metric IDs and their reporting names live in ids.go. IDs are stable:
appending is fine, renumbering is not, so that logged series stay
comparable across versions.

The agentmetrics sub package feeds the profiler's own resource usage
(goroutines, heap, CPU time) into this package, keeping the profiler's
overhead on the target host visible in the same report.
*/
package metrics
