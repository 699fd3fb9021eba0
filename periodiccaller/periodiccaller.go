// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller runs callbacks on timer driven goroutines tied
// to a context.
package periodiccaller // import "go.stackwalk.dev/ptrace-profiler/periodiccaller"

import (
	"context"
	"time"

	"go.stackwalk.dev/ptrace-profiler/libsw"
)

// Start calls callback every interval until ctx is canceled or the
// returned stop function is called. Stopping terminates the timer
// goroutine; it does not wait for a callback already running.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				callback()
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}

// StartWithManualTrigger behaves like Start, but sending on trigger
// additionally invokes the callback right away. The callback argument
// tells the two cases apart.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger chan bool,
	callback func(manualTrigger bool)) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}

// StartWithJitter behaves like Start with the delay re-randomized to
// baseDuration +/- jitter (a fraction in [0..1]) after every call, so
// the cadence cannot phase lock with periodic activity in the observed
// process.
func StartWithJitter(ctx context.Context, baseDuration time.Duration, jitter float64,
	callback func()) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(libsw.AddJitter(baseDuration, jitter))
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				callback()
			case <-ctx.Done():
				return
			}
			ticker.Reset(libsw.AddJitter(baseDuration, jitter))
		}
	}()
	return cancel
}
