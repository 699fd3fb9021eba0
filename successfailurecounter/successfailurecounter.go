// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter provides a wrapper to increment exactly
// one of a success/failure counter pair per tracked operation.
//
// A SuccessFailureCounter is meant to be used by a single goroutine for
// one operation; the underlying atomics may be shared across goroutines.
package successfailurecounter // import "go.stackwalk.dev/ptrace-profiler/successfailurecounter"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// SuccessFailureCounter tracks one operation's outcome so that exactly
// one of the two counters is incremented.
type SuccessFailureCounter struct {
	success, fail *atomic.Uint64
	recorded      bool
}

// New returns a SuccessFailureCounter updating the given counters.
func New(success, fail *atomic.Uint64) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

// ReportSuccess increments the success counter unless an outcome was
// already recorded.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	if sfc.recorded {
		log.Error("Outcome reported more than once")
		return
	}
	sfc.success.Add(1)
	sfc.recorded = true
}

// ReportFailure increments the failure counter unless an outcome was
// already recorded.
func (sfc *SuccessFailureCounter) ReportFailure() {
	if sfc.recorded {
		log.Error("Outcome reported more than once")
		return
	}
	sfc.fail.Add(1)
	sfc.recorded = true
}

// DefaultToSuccess increments the success counter if no outcome was
// recorded. Meant to be deferred at the start of the operation.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.recorded {
		sfc.success.Add(1)
	}
}

// DefaultToFailure increments the failure counter if no outcome was
// recorded. Meant to be deferred at the start of the operation.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.recorded {
		sfc.fail.Add(1)
	}
}
