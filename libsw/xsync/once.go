// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.stackwalk.dev/ptrace-profiler/libsw/xsync"

import (
	"sync"
	"sync/atomic"
)

// Once guards a value that is initialized at most once. Unlike sync.Once,
// a failed initialization leaves the data uninitialized and the next
// GetOrInit call retries.
//
// The zero value Once[MyType]{} is ready to use.
type Once[T any] struct {
	done atomic.Bool
	mu   sync.Mutex
	data T
}

// GetOrInit returns the data protected by this lock, initializing it via init
// if that has not yet happened. Only one caller at a time ever runs init.
func (l *Once[T]) GetOrInit(init func() (T, error)) (*T, error) {
	if !l.done.Load() {
		// Outlined slow-path to allow inlining of the fast-path.
		return l.initSlow(init)
	}
	return &l.data, nil
}

func (l *Once[T]) initSlow(init func() (T, error)) (*T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A contending call might have initialized while we waited for the lock.
	if l.done.Load() {
		return &l.data, nil
	}

	var err error
	l.data, err = init()
	if err != nil {
		return nil, err
	}

	l.done.Store(true)
	return &l.data, nil
}

// Get returns the previously initialized value, or nil if initialization has
// not succeeded yet.
func (l *Once[T]) Get() *T {
	if !l.done.Load() {
		return nil
	}
	return &l.data
}
