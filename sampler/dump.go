// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// A dump file is a zstd stream holding one gob-encoded DumpHeader
// followed by one DumpTrace per distinct stack, ordered by descending
// sample count. gob carries field names on the wire, so readers tolerate
// the format growing new fields.

// DumpHeader identifies one sampling session in a dump file.
type DumpHeader struct {
	// SessionID is a fresh UUID per profiling run.
	SessionID string
	Hostname  string
	PID       int32
	StartTime time.Time
	EndTime   time.Time
	// SampleInterval is the configured base interval, before jitter.
	SampleInterval time.Duration
	// Samples is the number of thread stacks folded into the dump.
	Samples uint64
}

// DumpFrame is one frame of a dumped stack. FileID is the hexadecimal
// form of the executable's content hash and is empty for frames without
// a known module. Addr is relative to the module's ELF virtual address
// space when FileID is set and a raw target address otherwise.
type DumpFrame struct {
	FileID string
	Path   string
	Addr   uint64
	Kind   uint8
}

// DumpTrace is one distinct stack and its observation count.
type DumpTrace struct {
	Count  uint64
	Frames []DumpFrame
}

// writeDump serializes the aggregation to the configured dump file. It is
// a no-op when no dump file was requested.
func (s *Sampler) writeDump() error {
	if s.cfg.DumpFile == "" {
		return nil
	}
	out, err := os.Create(s.cfg.DumpFile)
	if err != nil {
		return fmt.Errorf("failed to create dump: %w", err)
	}
	err = s.encodeDump(out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	log.Infof("Wrote trace dump to %s", s.cfg.DumpFile)
	return nil
}

func (s *Sampler) encodeDump(out io.Writer) error {
	snap := s.snapshot()
	sort.Slice(snap.entries, func(i, j int) bool {
		return snap.entries[i].count > snap.entries[j].count
	})

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	header := DumpHeader{
		SessionID:      uuid.New().String(),
		Hostname:       hostname,
		PID:            int32(s.cfg.PID),
		StartTime:      snap.start,
		EndTime:        time.Now(),
		SampleInterval: s.cfg.SampleInterval,
		Samples:        snap.samples,
	}

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	enc := gob.NewEncoder(zw)
	if err = enc.Encode(&header); err != nil {
		zw.Close()
		return err
	}
	for i := range snap.entries {
		e := &snap.entries[i]
		dt := DumpTrace{Count: e.count, Frames: make([]DumpFrame, len(e.frames))}
		for j := range e.frames {
			fr := &e.frames[j]
			df := DumpFrame{
				Path: fr.path,
				Addr: uint64(fr.addr),
				Kind: uint8(fr.kind),
			}
			if !fr.fileID.IsZero() {
				df.FileID = fr.fileID.String()
			}
			dt.Frames[j] = df
		}
		if err = enc.Encode(&dt); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// ReadDump loads a dump file written by a sampling session. It exists for
// offline inspection tooling.
func ReadDump(path string) (DumpHeader, []DumpTrace, error) {
	var header DumpHeader
	in, err := os.Open(path)
	if err != nil {
		return header, nil, err
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return header, nil, err
	}
	defer zr.Close()

	dec := gob.NewDecoder(zr)
	if err = dec.Decode(&header); err != nil {
		return header, nil, fmt.Errorf("failed to decode dump header: %w", err)
	}
	var traces []DumpTrace
	for {
		var dt DumpTrace
		if err = dec.Decode(&dt); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return header, nil, fmt.Errorf("failed to decode trace: %w", err)
		}
		traces = append(traces, dt)
	}
	return header, traces, nil
}
