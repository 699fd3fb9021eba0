// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.stackwalk.dev/ptrace-profiler/process"

import (
	"bufio"
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/remotememory"
	"go.stackwalk.dev/ptrace-profiler/stringutil"
	"go.stackwalk.dev/ptrace-profiler/util"
)

// ErrNoMappings is returned by GetMappings when no mappings can be
// extracted from any thread of the target.
var ErrNoMappings = errors.New("no mappings")

// liveProcess implements Process for a process running on this machine,
// backed by /proc and process_vm_readv.
type liveProcess struct {
	pid libsw.PID
	tid libsw.PID

	// mainExited is set when /proc/pid/maps reads empty: the main
	// thread is gone and further /proc access must go through a live
	// task of the process.
	mainExited   bool
	remoteMemory remotememory.RemoteMemory

	pathToMapping map[string]*Mapping
}

var _ Process = &liveProcess{}

// mapsLineBufSize is the initial scanner buffer for /proc/PID/maps
// lines. Long path names grow it up to the scanner maximum.
const mapsLineBufSize = 256

var mapsBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, mapsLineBufSize)
		return &buf
	},
}

// New returns a Process accessing the given target. tid selects the
// thread whose /proc entries serve as fallback when the main thread has
// exited.
func New(pid, tid libsw.PID) Process {
	return &liveProcess{
		pid:          pid,
		tid:          tid,
		remoteMemory: remotememory.NewProcessVirtualMemory(pid),
	}
}

func (lp *liveProcess) PID() libsw.PID {
	return lp.pid
}

func (lp *liveProcess) GetMachineData() MachineData {
	return MachineData{Machine: currentMachine}
}

// Comm returns the command name of the target, or the empty string if
// the process is gone.
func Comm(pid libsw.PID) string {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(comm))
}

// cleanMappingPath normalizes the path column of a maps line. The
// kernel suffixes unlinked files with " (deleted)" (path_with_deleted
// in fs/d_path.c); some JIT engines map code from /dev/zero, which is
// anonymous memory in all but name.
func cleanMappingPath(path string) string {
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		return ""
	}
	return path
}

// parseMapsFile reads mappings in /proc/PID/maps format. Unparsable
// lines are counted and skipped rather than failing the whole read: one
// corrupt line must not hide the rest of the address space.
func parseMapsFile(r io.Reader) ([]Mapping, uint32, error) {
	parseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(r)
	scanBuf := mapsBufPool.Get().(*[]byte)
	defer mapsBufPool.Put(scanBuf)

	scanner.Buffer(*scanBuf, 8192)
	for scanner.Scan() {
		var fields [6]string

		line := stringutil.ByteSlice2String(scanner.Bytes())
		if stringutil.FieldsN(line, fields[:]) < 5 {
			parseErrors++
			continue
		}
		startStr, endStr, ok := strings.Cut(fields[0], "-")
		if !ok {
			parseErrors++
			continue
		}

		perms := fields[1]
		if len(perms) < 3 {
			parseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if perms[0] == 'r' {
			flags |= elf.PF_R
		}
		if perms[1] == 'w' {
			flags |= elf.PF_W
		}
		if perms[2] == 'x' {
			flags |= elf.PF_X
		}
		// Only mappings that can hold code or readable data matter.
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}

		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("maps: bad inode %q: %v", fields[4], err)
			parseErrors++
			continue
		}

		majStr, minStr, ok := strings.Cut(fields[3], ":")
		if !ok {
			log.Debugf("maps: bad device %q", fields[3])
			parseErrors++
			continue
		}
		// The device only feeds the on-disk cache key, so a garbled field
		// is not worth dropping the mapping over.
		device := util.HexToUint64(majStr)<<8 + util.HexToUint64(minStr)

		var path string
		if inode == 0 {
			switch fields[5] {
			case "[vdso]":
				// Give the vdso a file looking name and a synthetic
				// inode so it can be cached like a real executable.
				path = VdsoPathName
				device = 0
				inode = vdsoInode
			case "":
				// Plain anonymous memory, kept for stack bounds.
			default:
				// [vvar], [vsyscall] and other pseudo files are of no
				// use for unwinding.
				continue
			}
		} else {
			// fields aliases the scanner buffer, so the path must be
			// copied before it is retained.
			path = strings.Clone(cleanMappingPath(fields[5]))
		}

		vaddr, err := strconv.ParseUint(startStr, 16, 64)
		if err != nil {
			log.Debugf("maps: bad start address %q: %v", startStr, err)
			parseErrors++
			continue
		}
		vend, err := strconv.ParseUint(endStr, 16, 64)
		if err != nil {
			log.Debugf("maps: bad end address %q: %v", endStr, err)
			parseErrors++
			continue
		}

		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			log.Debugf("maps: bad file offset %q: %v", fields[2], err)
			parseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      vaddr,
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     device,
			Inode:      inode,
			Path:       path,
		})
	}
	return mappings, parseErrors, scanner.Err()
}

// GetMappings parses the target's maps file and rebuilds the path to
// mapping index that OpenELF resolves file names through. It must not
// run concurrently with itself or with OpenELF.
func (lp *liveProcess) GetMappings() ([]Mapping, uint32, error) {
	mapsFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", lp.pid))
	if err != nil {
		return nil, 0, err
	}
	defer mapsFile.Close()

	mappings, parseErrors, err := parseMapsFile(mapsFile)
	if err != nil {
		return mappings, parseErrors, err
	}

	if len(mappings) == 0 {
		// An empty maps file means the main thread exited while other
		// threads keep the process alive. The per task maps file of a
		// live thread still has the content.
		log.Debugf("PID %v: main thread has exited", lp.pid)
		lp.mainExited = true

		if lp.pid == lp.tid {
			return mappings, parseErrors, ErrNoMappings
		}

		log.Debugf("PID %v: reading mappings via TID %v", lp.pid, lp.tid)
		taskMaps, err := os.Open(fmt.Sprintf("/proc/%d/task/%d/maps", lp.pid, lp.tid))
		// Collapse all failures here into ErrNoMappings: thread exit
		// races should not tear down the process state while the
		// process itself is alive, and a later round can retry.
		if err != nil {
			return mappings, parseErrors, ErrNoMappings
		}
		defer taskMaps.Close()
		mappings, parseErrors, err = parseMapsFile(taskMaps)
		if err != nil || len(mappings) == 0 {
			return mappings, parseErrors, ErrNoMappings
		}
	}

	pathToMapping := make(map[string]*Mapping)
	for idx := range mappings {
		m := &mappings[idx]
		if m.Path != "" {
			pathToMapping[m.Path] = m
		}
	}
	lp.pathToMapping = pathToMapping
	return mappings, parseErrors, nil
}

// FindMapping returns the entry containing the given address, or nil.
// The mappings must be sorted by start address, the order GetMappings
// returns them in.
func FindMapping(mappings []Mapping, addr uint64) *Mapping {
	i := sort.Search(len(mappings), func(i int) bool {
		return addr < mappings[i].End()
	})
	if i < len(mappings) && addr >= mappings[i].Vaddr {
		return &mappings[i]
	}
	return nil
}

// GetThreads is implemented by the ptrace variant only: reading thread
// registers requires the target to be stopped.
func (lp *liveProcess) GetThreads() ([]ThreadInfo, error) {
	return nil, errors.New("not implemented")
}

func (lp *liveProcess) Close() error {
	return nil
}

func (lp *liveProcess) GetRemoteMemory() remotememory.RemoteMemory {
	return lp.remoteMemory
}

// readMapping copies the full content of a mapping out of the target's
// address space.
func (lp *liveProcess) readMapping(m *Mapping) (*bytes.Reader, error) {
	data := make([]byte, m.Length)
	if _, err := lp.remoteMemory.ReadAt(data, int64(m.Vaddr)); err != nil {
		return nil, fmt.Errorf("reading mapping %#x of PID %d: %v",
			m.Vaddr, lp.pid, err)
	}
	return bytes.NewReader(data), nil
}

// mappingFilePath returns the path through which the mapping's backing
// file can be opened, or the empty string for anonymous and vdso
// mappings.
func (lp *liveProcess) mappingFilePath(m *Mapping) string {
	if m.IsAnonymous() || m.IsVDSO() {
		return ""
	}
	if lp.mainExited {
		// Once the main thread is gone neither the map_files entries
		// nor /proc/pid/root resolve anymore, but the root of a live
		// task still does.
		taskRoot := fmt.Sprintf("/proc/%v/task/%v/root", lp.pid, lp.tid)
		return path.Join(taskRoot, m.Path)
	}
	return fmt.Sprintf("/proc/%v/map_files/%x-%x", lp.pid, m.Vaddr, m.End())
}

func (lp *liveProcess) OpenMappingFile(m *Mapping) (ReadAtCloser, error) {
	filename := lp.mappingFilePath(m)
	if filename == "" {
		return nil, errors.New("mapping has no backing file")
	}
	return os.Open(filename)
}

// vdsoFileID caches the FileID of the vdso image. There is one vdso per
// boot, so a single cache entry serves every process.
var vdsoFileID libsw.FileID

func (lp *liveProcess) CalculateMappingFileID(m *Mapping) (libsw.FileID, error) {
	if m.IsVDSO() {
		if !vdsoFileID.IsZero() {
			return vdsoFileID, nil
		}
		vdso, err := lp.readMapping(m)
		if err != nil {
			return libsw.FileID{}, fmt.Errorf("failed to read vdso: %v", err)
		}
		vdsoFileID, err = libsw.FileIDFromExecutableReader(vdso)
		return vdsoFileID, err
	}
	return libsw.FileIDFromExecutableFile(lp.mappingFilePath(m))
}

func (lp *liveProcess) OpenELF(file string) (*elffile.File, error) {
	// Prefer the map_files link: it opens deleted files, and falling
	// back on error would not help. A dead target takes the /proc
	// fallback with it, corrupt ELF content fails either way, and a
	// file the target unmapped is no longer of interest.
	if m, ok := lp.pathToMapping[file]; ok {
		if m.IsVDSO() {
			vdso, err := lp.readMapping(m)
			if err != nil {
				return nil, fmt.Errorf("failed to read vdso: %v", err)
			}
			return elffile.NewFile(vdso, 0)
		}
		return elffile.Open(lp.mappingFilePath(m))
	}

	// The file is not mapped (yet); resolve it relative to the target's
	// root to honor its mount namespace.
	return elffile.Open(path.Join("/proc", strconv.Itoa(int(lp.pid)), "root", file))
}
