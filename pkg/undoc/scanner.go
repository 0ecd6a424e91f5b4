// Package undoc implements the undocumented-instruction scanner: a
// sequential walk of the full 32-bit encoding space looking for words
// that disassemble to nothing in the instruction database but still
// execute without raising SIGILL/ILL_ILLOPC on every client. The
// "resumable accumulated state" shape is adapted from an in-memory gob
// checkpoint into the plain-text append-only progress file the scan
// resumes from.
package undoc

import (
	"fmt"

	"github.com/oisee/riscover/pkg/diffengine"
	"github.com/oisee/riscover/pkg/fuzzsched"
	"github.com/oisee/riscover/pkg/generate"
	"github.com/oisee/riscover/pkg/instdb"
	"github.com/oisee/riscover/pkg/wire"
)

// Scanner walks the encoding space at a fixed byte stride.
//
// ByteSize is the distance, in bytes, between successive encodings
// tried: 4 on AArch64 (every word is a candidate instruction), 1 on
// RISC-V to also land on compressed 16-bit encodings and every
// misaligned 4-byte window, rather than only the 4-byte-aligned ones. A
// contiguous encoding space walked at stride 1 naturally visits every
// 4-byte-aligned word too, so this single field covers both ISAs without
// a separate "also scan unaligned" flag.
type Scanner struct {
	DB       *instdb.DB
	ByteSize int
	Flags    wire.Flags
	Signals  diffengine.SignalNumbers
	IllIllopc uint32 // si_code value identifying ILL_ILLOPC

	Clients []fuzzsched.Client

	Progress *ProgressLog
	ClientLogs *ClientLogs
	Repro      *diffengine.Writer

	// CheckpointPath, if set, receives a gob-encoded snapshot of scan
	// totals after each unknown word whose scan position is a multiple
	// of CheckpointEvery, and once more when Run finishes, so a
	// monitoring process can report progress without replaying the
	// plain-text progress log.
	CheckpointPath  string
	CheckpointEvery uint64

	Log func(format string, args ...any)

	findingsCount   int
	reproducerCount int
}

// Finding is one word worth recording: it didn't disassemble to a known
// mnemonic, but at least one client's result wasn't a clean
// SIGILL/ILL_ILLOPC rejection.
type Finding struct {
	Word    uint32
	Results []diffengine.ClientResult
}

// Run walks words from start to (exclusive) until, at the configured
// stride, calling onFinding for every logged encounter. until is
// exclusive so a caller can resume exactly where a prior run left off
// without re-scanning the last completed word.
func (s *Scanner) Run(start, until uint64, onFinding func(Finding)) error {
	if s.Log == nil {
		s.Log = func(string, ...any) {}
	}
	stride := uint64(s.ByteSize)
	if stride == 0 {
		stride = 4
	}

	for pos := start; pos < until; pos += stride {
		word := uint32(pos)
		if _, known := s.DB.Disassemble(word); known {
			if s.Progress != nil {
				if err := s.Progress.Append(uint64(word)); err != nil {
					return fmt.Errorf("undoc: append progress: %w", err)
				}
			}
			continue
		}

		results, err := s.execute(word)
		if err != nil {
			return fmt.Errorf("undoc: execute 0x%x: %w", word, err)
		}

		if s.isLoggable(results) {
			finding := Finding{Word: word, Results: results}
			s.findingsCount++
			if onFinding != nil {
				onFinding(finding)
			}
			if err := s.record(finding); err != nil {
				return err
			}
		}

		if s.Progress != nil {
			if err := s.Progress.Append(uint64(word)); err != nil {
				return fmt.Errorf("undoc: append progress: %w", err)
			}
		}

		if s.CheckpointPath != "" && s.CheckpointEvery > 0 && pos%s.CheckpointEvery == 0 {
			ckpt := &Checkpoint{LastWord: uint64(word), FindingsCount: s.findingsCount, ReproducerCount: s.reproducerCount}
			if err := SaveCheckpoint(s.CheckpointPath, ckpt); err != nil {
				return err
			}
		}
	}
	if s.CheckpointPath != "" {
		ckpt := &Checkpoint{LastWord: until - stride, FindingsCount: s.findingsCount, ReproducerCount: s.reproducerCount}
		if err := SaveCheckpoint(s.CheckpointPath, ckpt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) execute(word uint32) ([]diffengine.ClientResult, error) {
	input := wordInput(word, s.Flags)
	payload := input.Pack(s.Flags)
	nResults := input.NResults()

	var out []diffengine.ClientResult
	for _, c := range s.Clients {
		ticket, err := c.Target.Schedule(payload, nResults, false)
		if err != nil {
			s.Log("undoc: client %s lost scheduling 0x%x: %v", c.Meta.Hostname, word, err)
			continue
		}
		mr, err := c.Target.GetResults(ticket)
		if err != nil {
			s.Log("undoc: client %s lost collecting 0x%x: %v", c.Meta.Hostname, word, err)
			continue
		}
		out = append(out, diffengine.ClientResult{Meta: c.Meta, MR: mr})
	}
	return out, nil
}

// isLoggable reports whether at least one client's result was not a
// clean SIGILL/ILL_ILLOPC rejection, meaning the encoding is either a
// genuinely undocumented instruction or behaves inconsistently across
// clients.
func (s *Scanner) isLoggable(results []diffengine.ClientResult) bool {
	for _, r := range results {
		if len(r.MR.Steps) == 0 {
			continue
		}
		last := r.MR.Steps[len(r.MR.Steps)-1]
		if last.Signum != s.Signals.SIGILL || last.SiCode != s.IllIllopc {
			return true
		}
	}
	return false
}

func (s *Scanner) record(f Finding) error {
	if s.ClientLogs != nil {
		for _, r := range f.Results {
			if err := s.ClientLogs.Append(r.Meta.Hostname, r.Meta.Microarch, uint64(f.Word)); err != nil {
				return fmt.Errorf("undoc: append client log: %w", err)
			}
		}
	}
	if s.Repro != nil {
		clusters := diffengine.Cluster(f.Results, diffengine.StrictEqual)
		doc := diffengine.BuildDocument(s.DB, wordInput(f.Word, s.Flags), s.Flags, uint64(f.Word), clusters, nil)
		_, wrote, err := s.Repro.Write(doc)
		if err != nil {
			return fmt.Errorf("undoc: write reproducer: %w", err)
		}
		if wrote {
			s.reproducerCount++
		}
	}
	return nil
}

func wordInput(word uint32, flags wire.Flags) generate.Input {
	gp := make([]uint8, flags.NumGP)
	return generate.Input{
		Kind:   wire.KindRegSelect,
		SeqLen: 1,
		RegSelect: &wire.RegSelect{
			GPSelect: gp,
			InstrSeq: []uint32{word},
			SeqLen:   1,
		},
	}
}
