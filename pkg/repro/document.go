// Package repro implements the reproducer file model: the YAML document
// diffengine writes for every confirmed disagreement, with a
// human-readable comment block prefixed above the machine-readable body.
// The "serialize a snapshot of accumulated work" shape generalizes a
// gob-encoded binary checkpoint into a commented YAML
// artifact meant for a human to read first and a tool to reparse second.
package repro

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MemDiffCutAt is the longest value prefix a wire mem_diffs entry
// carries. A reproducer embeds none of those bytes: each differing
// memory region is written as its start, length and CRC32.
const MemDiffCutAt = 16

// Mapping is one memory region the input established before execution
// (an mmap'd page or register-file initial value region).
type Mapping struct {
	Start uint64 `yaml:"start"`
	N     uint64 `yaml:"n"`
	Prot  string `yaml:"prot"`
	Val   string `yaml:"val"`
}

// Input is the instruction sequence and initial register state the
// reproducer replays, carried in three disassembly flavors so a human
// reading the file doesn't need any of the three disassemblers on hand.
type Input struct {
	InstrSeq    []string          `yaml:"instr_seq"`    // hex-rendered u32 encodings
	DisOpcodes  []string          `yaml:"dis_opcodes"`  // this repo's own instdb disassembly
	DisCapstone []string          `yaml:"dis_capstone,omitempty"`
	DisMRA      []string          `yaml:"dis_mra,omitempty"`
	RegsGP      map[string]string `yaml:"gp"`
	RegsFP      map[string]string `yaml:"fp,omitempty"`
	RegsVec     map[string]string `yaml:"vec,omitempty"`
}

// Client identifies one worker that produced a given result.
type Client struct {
	Hostname      string            `yaml:"hostname"`
	NumCPUs       uint32            `yaml:"num_cpus"`
	CoreIndex     uint32            `yaml:"n_core"`
	Microarch     map[string]string `yaml:"microarchitecture,omitempty"`
	Tags          map[string]string `yaml:"tags,omitempty"`
}

// ResultBlock is the observable outcome one cluster of clients produced.
type ResultBlock struct {
	Signum      int               `yaml:"signum"`
	SiAddr      string            `yaml:"si_addr,omitempty"`
	SiPC        string            `yaml:"si_pc,omitempty"`
	SiCode      int               `yaml:"si_code,omitempty"`
	RegsAfter   map[string]string `yaml:"regs_after,omitempty"`
	MemDiffs    []string          `yaml:"mem_diffs,omitempty"`
	CycleDelta  *int              `yaml:"cycle_diff,omitempty"`
	InstretDelta *int             `yaml:"instret_diff,omitempty"`
}

// ResultEntry is one cluster: the result every listed client produced.
type ResultEntry struct {
	Result  ResultBlock `yaml:"result"`
	Clients []Client    `yaml:"clients"`
}

// Document is the full reproducer: the input that was run, every
// cluster of results it produced, and the memory mappings the input
// established.
type Document struct {
	Input    Input         `yaml:"input"`
	Results  []ResultEntry `yaml:"results"`
	Mappings []Mapping     `yaml:"mappings,omitempty"`
	Counter  uint64        `yaml:"counter"`
	Arch     string        `yaml:"arch"`
	Flags    []string      `yaml:"flags"`
}

// MarshalYAMLWithComments renders d as plain YAML with a human summary
// prepended, every summary line prefixed with "# " so the file is valid
// YAML (a comment block) and also readable at a glance before the
// machine-parseable body.
func (d Document) MarshalYAMLWithComments() ([]byte, error) {
	summary := d.summaryLines()
	body, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("repro: marshal document: %w", err)
	}

	var out strings.Builder
	for _, line := range summary {
		out.WriteString("# ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.Write(body)
	return []byte(out.String()), nil
}

func (d Document) summaryLines() []string {
	lines := []string{
		fmt.Sprintf("counter=%d arch=%s", d.Counter, d.Arch),
		fmt.Sprintf("instructions: %s", strings.Join(d.Input.DisOpcodes, "; ")),
	}
	for _, r := range d.Results {
		hostnames := make([]string, len(r.Clients))
		for i, c := range r.Clients {
			hostnames[i] = c.Hostname
		}
		sort.Strings(hostnames)
		regNames := make([]string, 0, len(r.Result.RegsAfter))
		for name := range r.Result.RegsAfter {
			regNames = append(regNames, name)
		}
		sort.Strings(regNames)
		line := fmt.Sprintf("signum=%d regs=[%s] clients=[%s]", r.Result.Signum, strings.Join(regNames, ","), strings.Join(hostnames, ","))
		if len(r.Result.MemDiffs) > 0 {
			line += fmt.Sprintf(" mem_diffs=%d", len(r.Result.MemDiffs))
		}
		lines = append(lines, line)
	}
	return lines
}

// diffFieldSet reduces a ResultEntry to the set of field names that
// distinguish it, ignoring concrete register values: the signal number
// plus the sorted set of register names that changed.
func (r ResultEntry) diffFieldSet() string {
	names := make([]string, 0, len(r.Result.RegsAfter))
	for name := range r.Result.RegsAfter {
		names = append(names, name)
	}
	sort.Strings(names)
	memMarker := ""
	if len(r.Result.MemDiffs) > 0 {
		memMarker = "+mem"
	}
	return fmt.Sprintf("%d|%s%s", r.Result.Signum, strings.Join(names, ","), memMarker)
}

// Similar reports whether d and other represent the same class of
// disagreement: same instruction sequence and the same multiset of
// diff-field-sets across result clusters, ignoring concrete register
// values and which specific clients saw which cluster. Used to dedupe
// reproducers that differ only in which core hit them.
func (d Document) Similar(other Document) bool {
	if strings.Join(d.Input.DisOpcodes, ";") != strings.Join(other.Input.DisOpcodes, ";") {
		return false
	}
	if len(d.Results) != len(other.Results) {
		return false
	}
	a := make([]string, len(d.Results))
	b := make([]string, len(other.Results))
	for i, r := range d.Results {
		a[i] = r.diffFieldSet()
	}
	for i, r := range other.Results {
		b[i] = r.diffFieldSet()
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Diff computes the registers that changed between before and after,
// mirroring the source model's reg_diffs: only entries present in after
// with a value differing from before are reported.
func Diff(regNames func(idx uint8) string, before, after map[uint8][16]byte) map[string]string {
	out := make(map[string]string)
	indices := make([]int, 0, len(after))
	for idx := range after {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	for _, i := range indices {
		idx := uint8(i)
		av := after[idx]
		bv := before[idx]
		if av != bv {
			out[regNames(idx)] = HexValue(av)
		}
	}
	return out
}

// HexValue renders a 16-byte register value as 0x-prefixed hex, dropping
// the upper 8 bytes when they are all zero (a scalar GP/FP register).
func HexValue(v [16]byte) string {
	allZero := true
	for _, b := range v[8:] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		var lo uint64
		for i := 7; i >= 0; i-- {
			lo = lo<<8 | uint64(v[i])
		}
		return fmt.Sprintf("0x%016x", lo)
	}
	return fmt.Sprintf("0x%x", v)
}

// HexU64 renders a 64-bit value as 0x-prefixed hex.
func HexU64(v uint64) string { return fmt.Sprintf("0x%x", v) }
