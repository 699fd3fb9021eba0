// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elffile // import "go.stackwalk.dev/ptrace-profiler/elffile"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
)

// mmapReaderAt reads a memory-mapped file.
//
// Parallel ReadAt calls are fine, the usual io.ReaderAt contract, but
// Close must not run concurrently with them.
type mmapReaderAt struct {
	data []byte
}

// newMmapReaderAt memory-maps the given file for reading. The mapping stays
// valid after the file descriptor is closed.
func newMmapReaderAt(f *os.File) (*mmapReaderAt, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		// Zero length mappings are rejected by the kernel. No syscall means
		// no finalizer needed either.
		return &mmapReaderAt{data: make([]byte, 0)}, nil
	}
	if size < 0 {
		return nil, fmt.Errorf("mmap: file %q has negative size", f.Name())
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("mmap: file %q is too large", f.Name())
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size),
		syscall.PROT_READ, syscall.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	r := &mmapReaderAt{data}

	runtime.SetFinalizer(r, (*mmapReaderAt).Close)
	return r, nil
}

// Close unmaps the file.
func (r *mmapReaderAt) Close() error {
	if r.data == nil {
		return nil
	} else if len(r.data) == 0 {
		r.data = nil
		return nil
	}
	data := r.data
	r.data = nil
	runtime.SetFinalizer(r, nil)
	return syscall.Munmap(data)
}

// Len returns the size of the mapped file.
func (r *mmapReaderAt) Len() int {
	return len(r.data)
}

// ReadAt copies from the mapping, implementing io.ReaderAt.
func (r *mmapReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if r.data == nil {
		return 0, errors.New("mmap: closed")
	}
	if off < 0 || int64(len(r.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
