// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"go.stackwalk.dev/ptrace-profiler/nativeunwind"
)

const (
	// Default values for CLI flags
	defaultArgSamplesPerSecond = 20
	defaultArgReportInterval   = 5 * time.Second
	defaultArgTopN             = 10

	// Each sampling round stops the whole target; past a few hundred Hz
	// the profiler dominates the profile.
	maxArgSamplesPerSecond = 500
	maxArgMaxSteps         = 1 << 20
	maxArgTopN             = 1000
)

// Help texts for the command line flags
var (
	copyrightHelp = "Show copyright and short license text."
	dumpFileHelp  = "Write the aggregated stack traces to this file " +
		"(zstd compressed) when the session ends."
	durationHelp = "Stop sampling after this long. Zero profiles until interrupted."
	maxStepsHelp = fmt.Sprintf("Maximum number of frames walked per stack. "+
		"Default is %d.", nativeunwind.DefaultMaxSteps)
	pidHelp              = "Process ID of the target to profile."
	pprofHelp            = "Listening address (e.g. localhost:6060) to serve pprof information."
	reportIntervalHelp   = "Set the interval between top stack reports."
	samplesPerSecondHelp = "Set the frequency (in Hz) of stack sampling."
	topHelp              = "Number of stacks shown per report."
	verboseModeHelp      = "Enable verbose logging and debugging capabilities."
	versionHelp          = "Show version."
)

type arguments struct {
	copyright        bool
	dumpFile         string
	duration         time.Duration
	maxSteps         int
	pid              int
	pprofAddr        string
	reportInterval   time.Duration
	samplesPerSecond int
	topN             int
	verboseMode      bool
	version          bool

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("ptrace-profiler", flag.ExitOnError)

	// Keep the flags alphabetical.
	fs.BoolVar(&args.copyright, "copyright", false, copyrightHelp)

	fs.StringVar(&args.dumpFile, "dump-file", "", dumpFileHelp)
	fs.DurationVar(&args.duration, "duration", 0, durationHelp)

	fs.IntVar(&args.maxSteps, "max-steps", nativeunwind.DefaultMaxSteps, maxStepsHelp)

	fs.IntVar(&args.pid, "pid", 0, pidHelp)
	fs.StringVar(&args.pprofAddr, "pprof", "", pprofHelp)

	fs.DurationVar(&args.reportInterval, "report-interval", defaultArgReportInterval,
		reportIntervalHelp)

	fs.IntVar(&args.samplesPerSecond, "samples-per-second", defaultArgSamplesPerSecond,
		samplesPerSecondHelp)

	fs.IntVar(&args.topN, "top", defaultArgTopN, topHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PTRACE_PROFILER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// Ignore configuration file (only) options that this version does
		// not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}

// dump logs the effective configuration in verbose mode.
func (args *arguments) dump() {
	log.Debug("Config:")
	args.fs.VisitAll(func(f *flag.Flag) {
		log.Debugf("%s: %v", f.Name, f.Value)
	})
}
