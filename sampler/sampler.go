// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler drives a profiling session against one target process.
// On a jittered interval it attaches via ptrace, refreshes the module
// cache, walks the stack of every thread and folds the resulting traces
// into an in-memory aggregation. Periodically, and on demand, the top
// stacks are reported to the log; when the session ends the aggregation
// can be dumped to a file for offline inspection.
//
// Everything that touches the suspended target runs on the single
// sampling goroutine, satisfying the ptrace requirement that all requests
// for one tracee come from one thread.
package sampler // import "go.stackwalk.dev/ptrace-profiler/sampler"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/libsw/xsync"
	"go.stackwalk.dev/ptrace-profiler/metrics"
	"go.stackwalk.dev/ptrace-profiler/modulecache"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind"
	"go.stackwalk.dev/ptrace-profiler/periodiccaller"
	"go.stackwalk.dev/ptrace-profiler/process"
	"go.stackwalk.dev/ptrace-profiler/successfailurecounter"
)

const (
	// defaultTopN bounds the number of stacks printed per report.
	defaultTopN = 10

	// sampleJitter desynchronizes the sampling cadence from periodic
	// activity in the target.
	sampleJitter = 0.2
)

// Config carries the parameters of one sampling session.
type Config struct {
	// PID is the target process.
	PID libsw.PID
	// SampleInterval is the base time between sampling rounds. The
	// actual interval is jittered.
	SampleInterval time.Duration
	// ReportInterval is the time between top stack reports to the log.
	ReportInterval time.Duration
	// Duration bounds the whole session. Zero samples until the context
	// is canceled or the target exits.
	Duration time.Duration
	// MaxSteps caps the frames walked per thread. Zero uses the
	// unwinder default.
	MaxSteps int
	// TopN is the number of stacks per report. Zero uses a default.
	TopN int
	// DumpFile, when set, receives the aggregated traces when the
	// session ends.
	DumpFile string
}

// Sampler owns one sampling session.
type Sampler struct {
	cfg      Config
	topN     int
	modules  *modulecache.Cache
	provider modulecache.StackDeltaProvider

	// attach opens the ptrace session for one sampling round. Tests
	// replace it to sample synthetic processes.
	attach func(libsw.PID) (process.Process, error)

	trigger chan bool
	cancel  context.CancelFunc

	// tickMu serializes sampling rounds with the final drain in Run.
	tickMu sync.Mutex
	// frames is the per-thread walk scratch buffer. Only the sampling
	// goroutine touches it.
	frames []nativeunwind.Frame

	agg xsync.RWMutex[aggregation]
}

// New validates cfg and creates a Sampler resolving code addresses
// through modules. provider must be the stack delta provider backing
// modules; its extraction counters are folded into the metrics.
func New(cfg Config, modules *modulecache.Cache,
	provider modulecache.StackDeltaProvider) (*Sampler, error) {
	if cfg.PID <= 0 {
		return nil, fmt.Errorf("invalid target PID %d", cfg.PID)
	}
	if cfg.SampleInterval <= 0 {
		return nil, errors.New("sample interval must be positive")
	}
	if cfg.ReportInterval <= 0 {
		return nil, errors.New("report interval must be positive")
	}
	if modules == nil {
		return nil, errors.New("module cache must not be nil")
	}
	if provider == nil {
		return nil, errors.New("stack delta provider must not be nil")
	}
	topN := cfg.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	return &Sampler{
		cfg:      cfg,
		topN:     topN,
		modules:  modules,
		provider: provider,
		attach:   process.NewPtrace,
		trigger:  make(chan bool, 1),
		agg: xsync.NewRWMutex(aggregation{
			traces: make(map[uint64]*traceStats,
				traceMapCapacity(cfg.SampleInterval, cfg.ReportInterval)),
			start: time.Now(),
		}),
	}, nil
}

// Run samples the target until ctx is canceled, the configured duration
// elapses or the target exits, then logs a final report and writes the
// dump file if one was configured. It blocks for the whole session and
// must be called at most once.
func (s *Sampler) Run(ctx context.Context) error {
	if s.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Duration)
		defer cancel()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if comm := process.Comm(s.cfg.PID); comm != "" {
		log.Infof("Profiling PID %d (%s): sampling every %v, reporting every %v",
			s.cfg.PID, comm, s.cfg.SampleInterval, s.cfg.ReportInterval)
	} else {
		log.Infof("Profiling PID %d: sampling every %v, reporting every %v",
			s.cfg.PID, s.cfg.SampleInterval, s.cfg.ReportInterval)
	}

	stopTicks := periodiccaller.StartWithJitter(ctx, s.cfg.SampleInterval,
		sampleJitter, s.sample)
	defer stopTicks()
	stopReports := periodiccaller.StartWithManualTrigger(ctx, s.cfg.ReportInterval,
		s.trigger, func(bool) { s.logReport() })
	defer stopReports()

	<-ctx.Done()

	// Let an in-flight sampling round finish before reading final state.
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.logReport()
	return s.writeDump()
}

// TriggerReport requests an immediate report outside the regular cadence.
// It never blocks; a request arriving while one is already pending is
// dropped.
func (s *Sampler) TriggerReport() {
	select {
	case s.trigger <- true:
	default:
	}
}

// sample executes one sampling round. The attach, the walks and the
// detach all happen within this one call, on the periodic caller's
// goroutine.
func (s *Sampler) sample() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	metrics.Add(metrics.IDSamplerTicks, 1)
	err := s.sampleOnce()
	if err == nil {
		return
	}
	metrics.Add(metrics.IDSamplerTickErrors, 1)
	if errors.Is(err, unix.ESRCH) {
		log.Infof("Target PID %d exited, stopping the session", s.cfg.PID)
		if s.cancel != nil {
			s.cancel()
		}
		return
	}
	log.Warnf("Sampling round failed: %v", err)
}

func (s *Sampler) sampleOnce() error {
	pr, err := s.attach(s.cfg.PID)
	if err != nil {
		return fmt.Errorf("failed to attach to PID %d: %w", s.cfg.PID, err)
	}
	defer pr.Close()

	// Refresh the module table first so the walks resolve against the
	// target's current mappings. Unwinding can proceed with a stale
	// table if the refresh fails.
	if err = s.modules.Sync(pr); err != nil {
		log.Debugf("Module synchronization: %v", err)
	}
	mappings, _, err := pr.GetMappings()
	if err != nil {
		return fmt.Errorf("failed to read mappings: %w", err)
	}
	threads, err := pr.GetThreads()
	if err != nil {
		return fmt.Errorf("failed to read threads: %w", err)
	}

	unwinder, err := nativeunwind.New(nativeunwind.Config{MaxSteps: s.cfg.MaxSteps},
		s.modules, pr.GetRemoteMemory())
	if err != nil {
		return err
	}

	var sampled, failed atomic.Uint64
	md := pr.GetMachineData()
	for i := range threads {
		s.sampleThread(unwinder, md, mappings, &threads[i], &sampled, &failed)
	}

	stats := s.provider.GetAndResetStatistics()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDSamplerThreadsSampled, Value: metrics.MetricValue(sampled.Load())},
		{ID: metrics.IDSamplerThreadErrors, Value: metrics.MetricValue(failed.Load())},
		{ID: metrics.IDModuleExtractions, Value: metrics.MetricValue(stats.Success)},
		{ID: metrics.IDModuleExtractionErrors,
			Value: metrics.MetricValue(stats.ExtractionErrors)},
	})
	return nil
}

// sampleThread walks one suspended thread and records the outcome. Thread
// level failures are counted, not propagated: one thread in a weird state
// must not end the round for its siblings.
func (s *Sampler) sampleThread(unwinder *nativeunwind.Unwinder,
	md process.MachineData, mappings []process.Mapping, ti *process.ThreadInfo,
	sampled, failed *atomic.Uint64) {
	sfc := successfailurecounter.New(sampled, failed)
	defer sfc.DefaultToFailure()

	regs, err := nativeunwind.NewRegisters(md, ti.GPRegs)
	if err != nil {
		log.Debugf("Thread %d: %v", ti.LWP, err)
		return
	}
	stackTop, ok := stackTopFor(mappings, regs.SP)
	if !ok {
		log.Debugf("Thread %d: SP 0x%x is outside all mappings", ti.LWP, regs.SP)
		return
	}

	s.frames = s.frames[:0]
	mod, _ := s.modules.GetModuleForAddress(uint64(regs.PC))
	leaf := nativeunwind.Frame{IP: regs.PC, Module: mod}

	metrics.Add(metrics.IDUnwindAttempts, 1)
	var result nativeunwind.UnwindResult
	if unwinder.CanUnwindFrom(&leaf) {
		result = unwinder.TryUnwind(&regs, stackTop, &s.frames)
	} else {
		// Keep the PC visible in the reports even when the thread sits
		// in code without unwind data.
		s.frames = append(s.frames, leaf)
		result = nativeunwind.UnwindUnrecognizedFrame
	}

	switch result {
	case nativeunwind.UnwindCompleted:
		metrics.Add(metrics.IDUnwindCompleted, 1)
	case nativeunwind.UnwindAborted:
		metrics.Add(metrics.IDUnwindAborted, 1)
	case nativeunwind.UnwindUnrecognizedFrame:
		metrics.Add(metrics.IDUnwindUnrecognized, 1)
	}
	metrics.Add(metrics.IDUnwindFramesTotal, metrics.MetricValue(len(s.frames)))

	s.record(s.frames)
	sfc.ReportSuccess()
}

// stackTopFor locates the mapping holding the stack pointer and returns
// the first address past it, bounding one thread's walk. mappings must be
// sorted by address, the order /proc delivers them in. SP can be garbage
// for threads in exotic states, so a miss is reported instead of guessed
// around.
func stackTopFor(mappings []process.Mapping, sp libsw.Address) (libsw.Address, bool) {
	m := process.FindMapping(mappings, uint64(sp))
	if m == nil {
		return 0, false
	}
	return libsw.Address(m.End()), true
}
