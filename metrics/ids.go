// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import "fmt"

// The metric IDs the profiler reports. IDs are stable identifiers: only
// append new ones, never renumber existing ones.
const (
	// Leave out the 0 value. It's an indication of not explicitly
	// initialized variables.
	IDInvalid MetricID = 0

	// Sampling rounds executed.
	IDSamplerTicks MetricID = 1

	// Sampling rounds that failed before any thread could be walked.
	IDSamplerTickErrors MetricID = 2

	// Threads whose stack was walked.
	IDSamplerThreadsSampled MetricID = 3

	// Threads that could not be walked (register read or stack bounds
	// failures).
	IDSamplerThreadErrors MetricID = 4

	// Stack walks attempted since the previous report.
	IDUnwindAttempts MetricID = 5

	// Stack walks that reached a recognized end of the stack.
	IDUnwindCompleted MetricID = 6

	// Stack walks cut short by a safety violation.
	IDUnwindAborted MetricID = 7

	// Stack walks stopped at code without usable unwind data.
	IDUnwindUnrecognized MetricID = 8

	// Frames produced by all stack walks.
	IDUnwindFramesTotal MetricID = 9

	// Executable files whose unwind data was extracted.
	IDModuleExtractions MetricID = 10

	// Executable files whose unwind data extraction failed.
	IDModuleExtractionErrors MetricID = 11

	// Absolute number of goroutines when the metric was collected.
	IDAgentGoRoutines MetricID = 12

	// Absolute number in bytes of allocated heap objects of the profiler.
	IDAgentHeapAlloc MetricID = 13

	// Difference to previous user CPU time of the profiler in milliseconds.
	IDAgentUTime MetricID = 14

	// Difference to previous system CPU time of the profiler in milliseconds.
	IDAgentSTime MetricID = 15

	// IDMax bounds the valid ID range.
	IDMax MetricID = 16
)

// MetricDefinition describes one metric for reporting purposes.
type MetricDefinition struct {
	ID          MetricID
	Name        string
	Description string
}

var definitions = []MetricDefinition{
	{IDSamplerTicks, "sampler_ticks", "sampling rounds executed"},
	{IDSamplerTickErrors, "sampler_tick_errors", "sampling rounds failed early"},
	{IDSamplerThreadsSampled, "threads_sampled", "threads walked"},
	{IDSamplerThreadErrors, "thread_errors", "threads that could not be walked"},
	{IDUnwindAttempts, "unwind_attempts", "stack walks attempted"},
	{IDUnwindCompleted, "unwind_completed", "stack walks completed"},
	{IDUnwindAborted, "unwind_aborted", "stack walks aborted"},
	{IDUnwindUnrecognized, "unwind_unrecognized", "stack walks stopped at unknown code"},
	{IDUnwindFramesTotal, "frames_total", "frames produced"},
	{IDModuleExtractions, "module_extractions", "unwind data extractions"},
	{IDModuleExtractionErrors, "module_extraction_errors", "unwind data extraction failures"},
	{IDAgentGoRoutines, "agent_goroutines", "profiler goroutine count"},
	{IDAgentHeapAlloc, "agent_heap_alloc", "profiler heap bytes allocated"},
	{IDAgentUTime, "agent_utime_ms", "profiler user CPU time delta"},
	{IDAgentSTime, "agent_stime_ms", "profiler system CPU time delta"},
}

var metricNames = func() map[MetricID]string {
	names := make(map[MetricID]string, len(definitions))
	for _, md := range definitions {
		names[md.ID] = md.Name
	}
	return names
}()

// GetDefinitions returns the definitions of all reportable metrics.
func GetDefinitions() []MetricDefinition {
	return definitions
}

// Name returns the short reporting name for a metric ID.
func Name(id MetricID) string {
	if name, ok := metricNames[id]; ok {
		return name
	}
	return fmt.Sprintf("metric_%d", id)
}
