// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides thin wrappers around locking primitives in an effort
// towards better documenting the relationship between locks and the data they
// protect.
package xsync // import "go.stackwalk.dev/ptrace-profiler/libsw/xsync"

import "sync"

// RWMutex is a thin wrapper around sync.RWMutex that hides away the data it
// protects to ensure it's not accidentally accessed without actually holding
// the lock.
//
// There is no direct pointer to the protected data: all access goes through
// RLock/WLock, and the unlock functions invalidate the borrowed pointer so
// that use-after-unlock crashes immediately in tests instead of racing
// silently. Go's type system cannot make this fully safe, but it makes the
// lock-to-data relationship explicit at every access site.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex protecting the given data.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
	}
}

// RLock locks the mutex for reading, returning a pointer to the protected
// data.
//
// The caller must not write through the returned pointer, and must not let it
// escape the scope it was created in other than temporarily borrowing it to
// callees that do not retain it.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock releases a read lock taken with RLock.
//
// Pass a reference to the pointer returned from RLock here to ensure it is
// invalidated.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the protected
// data. The same escape rules as for RLock apply.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock releases a write lock taken with WLock.
//
// Pass a reference to the pointer returned from WLock here to ensure it is
// invalidated.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
