// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.stackwalk.dev/ptrace-profiler/libsw/xsync"
)

func TestRWMutexInvalidatesPointer(t *testing.T) {
	mtx := xsync.NewRWMutex(map[string]int{"hits": 1})

	r := mtx.RLock()
	assert.Equal(t, 1, (*r)["hits"])
	mtx.RUnlock(&r)
	assert.Nil(t, r)

	w := mtx.WLock()
	(*w)["hits"] = 2
	mtx.WUnlock(&w)
	assert.Nil(t, w)

	r = mtx.RLock()
	defer mtx.RUnlock(&r)
	assert.Equal(t, 2, (*r)["hits"])
}

func TestRWMutexConcurrentReaders(t *testing.T) {
	mtx := xsync.NewRWMutex(42)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := mtx.RLock()
			defer mtx.RUnlock(&v)
			assert.Equal(t, 42, *v)
		}()
	}
	wg.Wait()
}
