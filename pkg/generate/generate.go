// Package generate implements the deterministic counter→input generators
// described in: a pure function of (counter, seed) that
// yields a sequence of Inputs, plus the build-flag contribution every
// generator owes the transport layer.
package generate

import (
	"github.com/oisee/riscover/pkg/wire"
)

// Generator is the contract every fuzzing strategy implements. Generate
// must be pure: the same (counter, n) on the same Generator value always
// yields the same bytes.
type Generator interface {
	// Generate yields n Inputs starting at counter, in order.
	Generate(counter uint64, n int) []Input
	// BuildFlags returns (repro_flags, non_repro_flags) this generator
	// contributes to the session's wire.Flags build-flag set.
	BuildFlags() (repro []string, nonRepro []string)
}

// EarlyIniter is an optional Generator capability: emit any headers the
// runner build needs before compilation. Detected via
// type assertion, not a required method — most generators don't need it.
type EarlyIniter interface {
	EarlyInit(flags wire.Flags) error
}

// LateIniter is an optional Generator capability: build an auxiliary
// binary after the runner itself is built, e.g. an
// offline expansion tool for JustSeqNum inputs.
type LateIniter interface {
	LateInit(flags wire.Flags) error
}

// Input is one generated instruction sequence plus its initial register
// state, in whichever wire representation the generator chose. Exactly
// one of the payload fields is populated; Kind says which.
type Input struct {
	Kind    wire.InputKind
	SeqLen  uint8
	FullSeq bool

	JustSeqNum *wire.JustSeqNum
	RegSelect  *wire.RegSelect
}

// Pack encodes the Input using its own variant's wire packer.
func (in Input) Pack(flags wire.Flags) []byte {
	switch in.Kind {
	case wire.KindJustSeqNum:
		return wire.PackJustSeqNum(*in.JustSeqNum)
	case wire.KindRegSelect:
		return wire.PackRegSelect(*in.RegSelect, flags)
	default:
		panic("generate: Input: unknown kind")
	}
}

// NResults is how many Result entries the runner will return for this
// input: seq_len if full_seq, else 1 (used to size session.Schedule's
// in-flight accounting).
func (in Input) NResults() int {
	if in.FullSeq {
		return int(in.SeqLen)
	}
	return 1
}

// Truncated returns a copy of in limited to its first seqLen
// instructions, for the diff engine's minimal-diff prefix search.
// seqLen is clamped to in.SeqLen.
func (in Input) Truncated(seqLen uint8) Input {
	if seqLen > in.SeqLen {
		seqLen = in.SeqLen
	}
	out := in
	out.SeqLen = seqLen
	switch in.Kind {
	case wire.KindRegSelect:
		rs := *in.RegSelect
		rs.InstrSeq = append([]uint32(nil), in.RegSelect.InstrSeq[:seqLen]...)
		rs.SeqLen = seqLen
		out.RegSelect = &rs
	case wire.KindJustSeqNum:
		jsn := *in.JustSeqNum
		jsn.SeqLen = seqLen
		out.JustSeqNum = &jsn
	}
	return out
}
