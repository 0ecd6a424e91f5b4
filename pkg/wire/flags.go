// Package wire implements the transport-level codec: length-prefixed
// framing, zlib streaming compression, and the binary packing/unpacking
// of Input and Result variants exchanged with a runner.
package wire

import "github.com/oisee/riscover/pkg/instdb"

// Flags mirrors the build-flag contract (external interfaces, "Build-flag
// contract"): a set of tags that select wire layout and runner behavior.
// Built once at startup and passed by value into every packer/unpacker —
// there is no package-level mutable config.
type Flags struct {
	ISA instdb.ISA

	Meta         bool // emit cycle_delta/instret_delta in Result
	CheckMem     bool // emit mem_diffs in Result
	AutoMapMem   bool // runner auto-maps touched pages (repro-relevant, no wire effect)
	Vector       bool // vec registers present in ValuesFull / RegSelect
	Floats       bool // fp registers present in ValuesFull / RegSelect
	WithRegs     bool // Result carries regs_changed
	WithFullRegs bool // regs_changed covers the full register file, not a diff
	JustSeqNum   bool // generator emits JustSeqNum instead of RegSelect
	CompressRecv bool // server compresses its own sends (optional direction)
	SingleThread bool // scheduler runs a single worker (non-repro, perf only)
	MaxSeqLen    int  // longest instruction sequence the generator emits

	NumGP  int // architectural GP register count (31 AArch64 Xn + zr handling is caller's job, 32 RISC-V)
	NumFP  int // architectural FP/SIMD scalar register count
	NumVec int // architectural vector register count
}

// reprotag is one (name, repro-relevant) build-flag entry.
type reprotag struct {
	name   string
	value  bool
	repro  bool // true: recorded in the reproducer; false: transport/perf only
	intVal bool // true: render as "-DNAME=N" using MaxSeqLen rather than a bare switch
}

// BuildTags returns (repro_flags, non_repro_flags) as preprocessor-style
// tag strings, per the Generator Interface contract -> (repro_flags, non_repro_flags)").
func (f Flags) BuildTags() (repro []string, nonRepro []string) {
	tags := []reprotag{
		{"META", f.Meta, true, false},
		{"CHECK_MEM", f.CheckMem, true, false},
		{"AUTO_MAP_MEM", f.AutoMapMem, true, false},
		{"VECTOR", f.Vector, true, false},
		{"FLOATS", f.Floats, true, false},
		{"WITH_REGS", f.WithRegs, true, false},
		{"WITH_FULL_REGS", f.WithFullRegs, true, false},
		{"JUST_SEQ_NUM", f.JustSeqNum, true, false},
		{"COMPRESS_RECV", f.CompressRecv, false, false},
		{"SINGLE_THREAD", f.SingleThread, false, false},
	}
	for _, t := range tags {
		if !t.value {
			continue
		}
		tag := "-D" + t.name
		if t.repro {
			repro = append(repro, tag)
		} else {
			nonRepro = append(nonRepro, tag)
		}
	}
	if f.MaxSeqLen > 0 {
		repro = append(repro, maxSeqLenTag(f.MaxSeqLen))
	}
	return repro, nonRepro
}

func maxSeqLenTag(n int) string {
	return "-DMAX_SEQ_LEN=" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// VecChunksPerReg is the number of u64 value-table lookups needed to fill
// one vector register; the RegSelect vec_select preamble carries this
// many index bytes per vector register.
func VecChunksPerReg() int {
	return instdb.VecRegSize / 8
}
