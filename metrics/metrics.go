// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.stackwalk.dev/ptrace-profiler/metrics"

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	// mutex serializes the concurrent calls to AddSlice().
	mutex sync.Mutex

	// summary accumulates the buffered counter deltas by metric ID.
	summary = make(Summary, IDMax)
)

// AddSlice buffers a batch of counter increments. The values are added to
// the running sums of their IDs and published with the next Report.
func AddSlice(newMetrics []Metric) {
	mutex.Lock()
	defer mutex.Unlock()

	for _, metric := range newMetrics {
		if metric.ID <= IDInvalid || metric.ID >= IDMax {
			log.Warnf("Metric ID %d out of range [%d,%d], skipping",
				metric.ID, IDInvalid+1, IDMax-1)
			continue
		}
		if metric.Value == 0 {
			// Zero increments would only clutter the report.
			continue
		}
		summary[metric.ID] += metric.Value
	}
}

// Add buffers a single counter increment.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Snapshot returns a copy of the currently buffered sums.
func Snapshot() Summary {
	mutex.Lock()
	defer mutex.Unlock()

	snapshot := make(Summary, len(summary))
	for id, value := range summary {
		snapshot[id] = value
	}
	return snapshot
}

// Report writes all buffered counters to the log in ID order and resets
// them. The main command drives it through a periodiccaller loop; tests
// may call it directly.
func Report() {
	mutex.Lock()
	ids := make([]MetricID, 0, len(summary))
	for id := range summary {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pairs := make([]string, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, fmt.Sprintf("%s=%d", Name(id), summary[id]))
	}
	clear(summary)
	mutex.Unlock()

	if len(pairs) == 0 {
		return
	}
	log.Infof("Metrics: %s", strings.Join(pairs, " "))
}
