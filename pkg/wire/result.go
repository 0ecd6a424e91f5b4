package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// RegValue is one changed register's index and value. Width is 8 bytes
// for GP/FP indices and 16 for vector indices, per regWidth.
type RegValue struct {
	Index uint8
	Value [16]byte // only the low regWidth(flags, Index) bytes are meaningful
}

// MemDiff is one memory-region difference: (start, n, a ≤16-byte value
// prefix, crc32 of the full region) per.
type MemDiff struct {
	Start     uint64
	N         uint32
	ValPrefix []byte // len = min(N, 16)
	CRC32     uint32
}

// Result is one step's observed outcome on a client. Two
// Results are equal iff every field matches exactly; register-map
// equality is strict (order-independent, by content).
type Result struct {
	Signum       uint8
	CycleDelta   uint16 // valid iff Meta
	InstretDelta uint16 // valid iff Meta
	RegsAfter    []RegValue
	SiAddr       uint64 // valid iff Signum != 0
	SiPC         uint64 // valid iff Signum != 0
	SiCode       uint32 // valid iff Signum != 0
	MemDiffs     []MemDiff
}

// regWidth returns the byte width of a register value at index idx,
// given the register layout described by flags: GP and FP registers are
// 8 bytes, vector registers are 16.
func regWidth(flags Flags, idx uint8) int {
	if flags.Vector && int(idx) >= flags.NumGP+flags.NumFP {
		return 16
	}
	return 8
}

// PackResult encodes one Result per Result layout.
func PackResult(res Result, flags Flags) []byte {
	var buf bytes.Buffer
	buf.WriteByte(res.Signum)
	if flags.Meta {
		var b [4]byte
		binary.LittleEndian.PutUint16(b[0:2], res.CycleDelta)
		binary.LittleEndian.PutUint16(b[2:4], res.InstretDelta)
		buf.Write(b[:])
	}
	buf.WriteByte(uint8(len(res.RegsAfter)))
	for _, rv := range res.RegsAfter {
		buf.WriteByte(rv.Index)
		w := regWidth(flags, rv.Index)
		buf.Write(rv.Value[:w])
	}
	if res.Signum != 0 {
		var b [20]byte
		binary.LittleEndian.PutUint64(b[0:8], res.SiAddr)
		binary.LittleEndian.PutUint64(b[8:16], res.SiPC)
		binary.LittleEndian.PutUint32(b[16:20], res.SiCode)
		buf.Write(b[:])
	}
	if flags.CheckMem {
		buf.WriteByte(uint8(len(res.MemDiffs)))
		for _, md := range res.MemDiffs {
			var hdr [12]byte
			binary.LittleEndian.PutUint64(hdr[0:8], md.Start)
			binary.LittleEndian.PutUint32(hdr[8:12], md.N)
			buf.Write(hdr[:])
			buf.Write(md.ValPrefix)
			var crc [4]byte
			binary.LittleEndian.PutUint32(crc[:], md.CRC32)
			buf.Write(crc[:])
		}
	}
	return buf.Bytes()
}

// UnpackResult decodes one Result from r.
func UnpackResult(r io.Reader, flags Flags) (Result, error) {
	var res Result
	sig := make([]byte, 1)
	if _, err := io.ReadFull(r, sig); err != nil {
		return res, fmt.Errorf("wire: Result signum: %w", err)
	}
	res.Signum = sig[0]

	if flags.Meta {
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return res, fmt.Errorf("wire: Result meta: %w", err)
		}
		res.CycleDelta = binary.LittleEndian.Uint16(b[0:2])
		res.InstretDelta = binary.LittleEndian.Uint16(b[2:4])
	}

	countB := make([]byte, 1)
	if _, err := io.ReadFull(r, countB); err != nil {
		return res, fmt.Errorf("wire: Result regs_changed_count: %w", err)
	}
	res.RegsAfter = make([]RegValue, countB[0])
	for i := range res.RegsAfter {
		idxB := make([]byte, 1)
		if _, err := io.ReadFull(r, idxB); err != nil {
			return res, fmt.Errorf("wire: Result reg[%d] index: %w", i, err)
		}
		rv := RegValue{Index: idxB[0]}
		w := regWidth(flags, rv.Index)
		if _, err := io.ReadFull(r, rv.Value[:w]); err != nil {
			return res, fmt.Errorf("wire: Result reg[%d] value: %w", i, err)
		}
		res.RegsAfter[i] = rv
	}

	if res.Signum != 0 {
		b := make([]byte, 20)
		if _, err := io.ReadFull(r, b); err != nil {
			return res, fmt.Errorf("wire: Result siginfo: %w", err)
		}
		res.SiAddr = binary.LittleEndian.Uint64(b[0:8])
		res.SiPC = binary.LittleEndian.Uint64(b[8:16])
		res.SiCode = binary.LittleEndian.Uint32(b[16:20])
	}

	if flags.CheckMem {
		nB := make([]byte, 1)
		if _, err := io.ReadFull(r, nB); err != nil {
			return res, fmt.Errorf("wire: Result n_mem_diffs: %w", err)
		}
		res.MemDiffs = make([]MemDiff, nB[0])
		for i := range res.MemDiffs {
			hdr := make([]byte, 12)
			if _, err := io.ReadFull(r, hdr); err != nil {
				return res, fmt.Errorf("wire: Result mem_diff[%d] header: %w", i, err)
			}
			md := MemDiff{
				Start: binary.LittleEndian.Uint64(hdr[0:8]),
				N:     binary.LittleEndian.Uint32(hdr[8:12]),
			}
			prefixLen := md.N
			if prefixLen > 16 {
				prefixLen = 16
			}
			md.ValPrefix = make([]byte, prefixLen)
			if _, err := io.ReadFull(r, md.ValPrefix); err != nil {
				return res, fmt.Errorf("wire: Result mem_diff[%d] val_prefix: %w", i, err)
			}
			crcB := make([]byte, 4)
			if _, err := io.ReadFull(r, crcB); err != nil {
				return res, fmt.Errorf("wire: Result mem_diff[%d] crc32: %w", i, err)
			}
			md.CRC32 = binary.LittleEndian.Uint32(crcB)
			res.MemDiffs[i] = md
		}
	}

	return res, nil
}

// Equal reports strict field-by-field equality, per: register
// map equality is strict (order-independent by content, not position).
func (r Result) Equal(o Result) bool {
	if r.Signum != o.Signum || r.CycleDelta != o.CycleDelta || r.InstretDelta != o.InstretDelta {
		return false
	}
	if r.SiAddr != o.SiAddr || r.SiPC != o.SiPC || r.SiCode != o.SiCode {
		return false
	}
	if !regsEqual(r.RegsAfter, o.RegsAfter) {
		return false
	}
	if len(r.MemDiffs) != len(o.MemDiffs) {
		return false
	}
	for i := range r.MemDiffs {
		a, b := r.MemDiffs[i], o.MemDiffs[i]
		if a.Start != b.Start || a.N != b.N || a.CRC32 != b.CRC32 || !bytes.Equal(a.ValPrefix, b.ValPrefix) {
			return false
		}
	}
	return true
}

func regsEqual(a, b []RegValue) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[uint8][16]byte, len(a))
	for _, rv := range a {
		am[rv.Index] = rv.Value
	}
	for _, rv := range b {
		v, ok := am[rv.Index]
		if !ok || v != rv.Value {
			return false
		}
	}
	return true
}

// CanonicalKey returns a deterministic byte string usable as a map key
// for clustering equal Results. Register entries are sorted by index so two Results that
// differ only in RegsAfter ordering hash identically.
func (r Result) CanonicalKey() string {
	sorted := append([]RegValue(nil), r.RegsAfter...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d|%d|%d|%d|%d|%d", r.Signum, r.CycleDelta, r.InstretDelta, r.SiAddr, r.SiPC, r.SiCode)
	for _, rv := range sorted {
		fmt.Fprintf(&buf, "|r%d:%x", rv.Index, rv.Value)
	}
	for _, md := range r.MemDiffs {
		fmt.Fprintf(&buf, "|m%d:%d:%x:%08x", md.Start, md.N, md.ValPrefix, md.CRC32)
	}
	return buf.String()
}

// Lenient canonicalizes a Result per "LenientResult": SIGBUS
// folds to SIGSEGV; SIGALRM collapses regs and mem_diffs to empty. The
// caller supplies the platform's numeric signal values since instdb/wire
// stay OS-agnostic.
func (r Result) Lenient(sigbus, sigsegv, sigalrm uint8) Result {
	out := r
	if out.Signum == sigbus {
		out.Signum = sigsegv
	}
	if out.Signum == sigalrm {
		out.RegsAfter = nil
		out.MemDiffs = nil
	}
	return out
}

// MultiResult is the ordered per-step Results for one input, length at
// most seq_len.
type MultiResult struct {
	Steps []Result
}

// PackReplyBatch encodes one ticket's reply per: u8 full_seq
// header, then if set u8 seq_len, followed by seq_len single-step
// Results, each preceded by a u16 length.
func PackReplyBatch(mr MultiResult, fullSeq bool, flags Flags) []byte {
	var buf bytes.Buffer
	buf.WriteByte(boolByte(fullSeq))
	if fullSeq {
		buf.WriteByte(uint8(len(mr.Steps)))
	}
	for _, step := range mr.Steps {
		encoded := PackResult(step, flags)
		var lenB [2]byte
		binary.LittleEndian.PutUint16(lenB[:], uint16(len(encoded)))
		buf.Write(lenB[:])
		buf.Write(encoded)
	}
	return buf.Bytes()
}

// UnpackReplyBatch decodes one ticket's reply, reading each length-prefixed
// Result from r in turn. The session demultiplexes tickets by reading
// one reply batch per in-flight ticket, in send order.
func UnpackReplyBatch(r *bufio.Reader, flags Flags) (MultiResult, error) {
	var mr MultiResult
	hdr := make([]byte, 1)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return mr, fmt.Errorf("wire: reply full_seq header: %w", err)
	}
	fullSeq := hdr[0] != 0

	n := 1
	if fullSeq {
		seqLenB := make([]byte, 1)
		if _, err := io.ReadFull(r, seqLenB); err != nil {
			return mr, fmt.Errorf("wire: reply seq_len: %w", err)
		}
		n = int(seqLenB[0])
	}

	mr.Steps = make([]Result, n)
	for i := 0; i < n; i++ {
		lenB := make([]byte, 2)
		if _, err := io.ReadFull(r, lenB); err != nil {
			return mr, fmt.Errorf("wire: reply result[%d] length: %w", i, err)
		}
		resultLen := binary.LittleEndian.Uint16(lenB)
		body := make([]byte, resultLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return mr, fmt.Errorf("wire: reply result[%d] body: %w", i, err)
		}
		step, err := UnpackResult(bytes.NewReader(body), flags)
		if err != nil {
			return mr, fmt.Errorf("wire: reply result[%d]: %w", i, err)
		}
		mr.Steps[i] = step
	}
	return mr, nil
}

// CRC32ForMemRegion is the checksum algorithm mem_diffs uses, exposed so the runner-facing test doubles and the diff
// engine agree on one implementation.
func CRC32ForMemRegion(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
