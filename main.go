// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// ptrace-profiler is a sampling stack profiler for a single native Linux
// process. On a jittered interval it suspends the target with ptrace,
// walks the stack of every thread using unwind data extracted from the
// target's executables, and reports the hottest stacks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	//nolint:gosec
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/metrics"
	"go.stackwalk.dev/ptrace-profiler/metrics/agentmetrics"
	"go.stackwalk.dev/ptrace-profiler/modulecache"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/elfunwindinfo"
	"go.stackwalk.dev/ptrace-profiler/periodiccaller"
	"go.stackwalk.dev/ptrace-profiler/sampler"
	"go.stackwalk.dev/ptrace-profiler/vc"
)

// Short copyright / license text
var copyright = `Copyright The Stackwalk Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0
`

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

const (
	// agentMetricInterval is the cadence of the profiler's self-observation.
	agentMetricInterval = 1 * time.Second
	// metricReportInterval is the cadence of the counter flush to the log.
	metricReportInterval = 60 * time.Second
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.copyright {
		fmt.Print(copyright)
		return exitSuccess
	}

	if args.version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
	}

	if code := sanityCheck(args); code != exitSuccess {
		return code
	}

	// Context to drive the main goroutine and all timers.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer mainCancel()

	if args.pprofAddr != "" {
		go func() {
			//nolint:gosec
			if err = http.ListenAndServe(args.pprofAddr, nil); err != nil {
				log.Errorf("Serving pprof on %s failed: %s", args.pprofAddr, err)
			}
		}()
	}

	log.Infof("Starting ptrace profiler %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	provider := elfunwindinfo.NewStackDeltaProvider()
	modules, err := modulecache.New(provider)
	if err != nil {
		return failure("Failed to create module cache: %v", err)
	}

	smp, err := sampler.New(sampler.Config{
		PID:            libsw.PID(args.pid),
		SampleInterval: time.Second / time.Duration(args.samplesPerSecond),
		ReportInterval: args.reportInterval,
		Duration:       args.duration,
		MaxSteps:       args.maxSteps,
		TopN:           args.topN,
		DumpFile:       args.dumpFile,
	}, modules, provider)
	if err != nil {
		return failure("Failed to create sampler: %v", err)
	}

	// SIGUSR1 requests an immediate report.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, unix.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for range usr1 {
			smp.TriggerReport()
		}
	}()

	// Start the profiler's self-observation metrics.
	agentMetricCancel, err := agentmetrics.Start(mainCtx, agentMetricInterval)
	if err != nil {
		return failure("Error starting agent metric collection: %v", err)
	}
	defer agentMetricCancel()

	// Flush the metric counters to the log periodically.
	defer periodiccaller.Start(mainCtx, metricReportInterval, metrics.Report)()

	if err = smp.Run(mainCtx); err != nil {
		return failure("Profiling failed: %v", err)
	}

	metrics.Report()
	log.Info("Exiting ...")
	return exitSuccess
}

func sanityCheck(args *arguments) exitCode {
	if args.pid <= 0 {
		return parseError("A target process must be given with -pid")
	}

	// Probe for existence and permission before setting anything up.
	if err := unix.Kill(args.pid, 0); err != nil {
		return failure("Cannot profile PID %d: %v", args.pid, err)
	}

	if args.samplesPerSecond < 1 || args.samplesPerSecond > maxArgSamplesPerSecond {
		return parseError("Invalid sampling frequency %d Hz (valid: 1..%d)",
			args.samplesPerSecond, maxArgSamplesPerSecond)
	}

	if args.reportInterval < time.Second {
		return parseError("Invalid report interval %v (min: 1s)", args.reportInterval)
	}

	if args.maxSteps < 1 || args.maxSteps > maxArgMaxSteps {
		return parseError("Invalid max-steps %d (valid: 1..%d)",
			args.maxSteps, maxArgMaxSteps)
	}

	if args.topN < 1 || args.topN > maxArgTopN {
		return parseError("Invalid top %d (valid: 1..%d)", args.topN, maxArgTopN)
	}

	if args.duration < 0 {
		return parseError("Invalid duration %v", args.duration)
	}

	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
