package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// InputKind discriminates the Input wire variants.
type InputKind uint8

const (
	KindJustSeqNum InputKind = iota
	KindRegSelect
	KindValuesFull
	KindValuesSparse
)

// JustSeqNum asks the runner to expand the sequence itself from
// (seq_num, batch_count) using its own copy of the generator.
type JustSeqNum struct {
	SeqNum     uint64
	BatchCount uint16
	SeqLen     uint8
	FullSeq    bool
}

// PackJustSeqNum encodes: u64 seq_num | u16 batch_count | u8 seq_len | u8 full_seq.
func PackJustSeqNum(v JustSeqNum) []byte {
	buf := make([]byte, 0, 1+8+2+1+1)
	buf = append(buf, byte(KindJustSeqNum))
	buf = appendU64(buf, v.SeqNum)
	buf = appendU16(buf, v.BatchCount)
	buf = append(buf, v.SeqLen, boolByte(v.FullSeq))
	return buf
}

// UnpackJustSeqNum decodes a JustSeqNum payload (discriminant already consumed).
func UnpackJustSeqNum(r io.Reader) (JustSeqNum, error) {
	var v JustSeqNum
	var err error
	if v.SeqNum, err = readU64(r); err != nil {
		return v, err
	}
	if v.BatchCount, err = readU16(r); err != nil {
		return v, err
	}
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return v, fmt.Errorf("wire: JustSeqNum tail: %w", err)
	}
	v.SeqLen = b[0]
	v.FullSeq = b[1] != 0
	return v, nil
}

// RegSelect indexes a fixed value table per register instead of carrying
// explicit values.
type RegSelect struct {
	GPSelect  []uint8
	FPSelect  []uint8  // nil unless Flags.Floats
	VecSelect []uint8  // nil unless Flags.Vector; length NumVec * VecChunksPerReg()
	InstrSeq  []uint32
	SeqLen    uint8
	FullSeq   bool
}

// PackRegSelect encodes the RegSelect preamble and instruction sequence
// per: gp bytes | [fp bytes] | [vec index bytes] | u8 seq_len
// | u8 full_seq | seq_len x u32 instr.
func PackRegSelect(v RegSelect, flags Flags) []byte {
	buf := make([]byte, 0, 1+len(v.GPSelect)+len(v.FPSelect)+len(v.VecSelect)+2+4*len(v.InstrSeq))
	buf = append(buf, byte(KindRegSelect))
	buf = append(buf, v.GPSelect...)
	if flags.Floats {
		buf = append(buf, v.FPSelect...)
	}
	if flags.Vector {
		buf = append(buf, v.VecSelect...)
	}
	buf = append(buf, v.SeqLen, boolByte(v.FullSeq))
	for _, inst := range v.InstrSeq {
		buf = appendU32(buf, inst)
	}
	return buf
}

// UnpackRegSelect decodes a RegSelect payload (discriminant already
// consumed). flags supplies NumGP/NumFP/NumVec, needed since the
// preamble carries no explicit lengths for the select arrays.
func UnpackRegSelect(r io.Reader, flags Flags) (RegSelect, error) {
	var v RegSelect
	v.GPSelect = make([]byte, flags.NumGP)
	if _, err := io.ReadFull(r, v.GPSelect); err != nil {
		return v, fmt.Errorf("wire: RegSelect gp_select: %w", err)
	}
	if flags.Floats {
		v.FPSelect = make([]byte, flags.NumFP)
		if _, err := io.ReadFull(r, v.FPSelect); err != nil {
			return v, fmt.Errorf("wire: RegSelect fp_select: %w", err)
		}
	}
	if flags.Vector {
		v.VecSelect = make([]byte, flags.NumVec*VecChunksPerReg())
		if _, err := io.ReadFull(r, v.VecSelect); err != nil {
			return v, fmt.Errorf("wire: RegSelect vec_select: %w", err)
		}
	}
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return v, fmt.Errorf("wire: RegSelect seq header: %w", err)
	}
	v.SeqLen = hdr[0]
	v.FullSeq = hdr[1] != 0
	v.InstrSeq = make([]uint32, v.SeqLen)
	for i := range v.InstrSeq {
		w, err := readU32(r)
		if err != nil {
			return v, fmt.Errorf("wire: RegSelect instr[%d]: %w", i, err)
		}
		v.InstrSeq[i] = w
	}
	return v, nil
}

// ValuesFull carries explicit initial register values for every
// architectural register; the one variant every Input expands to before
// becoming part of a Reproducer.
type ValuesFull struct {
	GP       []uint64
	FP       []uint64 // present iff flags.Floats
	Vec      [][2]uint64 // present iff flags.Vector; each register is VecRegSize/8 u64 chunks, LE-concatenated
	InstrSeq []uint32
	SeqLen   uint8
	FullSeq  bool
}

// PackValuesFull encodes the ISA-specific preamble described in // §4.2: gp registers as u64, then optional alignment padding (two u64
// slots between the gp block and fp/vec on AArch64; one u64 slot after
// fp for fcsr on RISC-V), then fp/vec registers, then the generic tail.
func PackValuesFull(v ValuesFull, flags Flags) []byte {
	buf := make([]byte, 0, 64+8*len(v.GP)+4*len(v.InstrSeq))
	buf = append(buf, byte(KindValuesFull))
	for _, g := range v.GP {
		buf = appendU64(buf, g)
	}
	buf = appendAlignmentPadding(buf, flags, beforeFPVec)
	if flags.Floats {
		for _, f := range v.FP {
			buf = appendU64(buf, f)
		}
		buf = appendAlignmentPadding(buf, flags, afterFP)
	}
	if flags.Vector {
		for _, vec := range v.Vec {
			buf = appendU64(buf, vec[0])
			buf = appendU64(buf, vec[1])
		}
	}
	buf = append(buf, v.SeqLen, boolByte(v.FullSeq))
	for _, inst := range v.InstrSeq {
		buf = appendU32(buf, inst)
	}
	return buf
}

type paddingSite int

const (
	beforeFPVec paddingSite = iota
	afterFP
)

// appendAlignmentPadding writes the ISA-specific padding u64 slots
// described in. AArch64 pads two u64 slots between the gp
// block and fp/vec; RISC-V pads one u64 slot after fp, for fcsr.
func appendAlignmentPadding(buf []byte, flags Flags, site paddingSite) []byte {
	switch site {
	case beforeFPVec:
		if flags.ISA.String() == "aarch64" {
			buf = appendU64(buf, 0)
			buf = appendU64(buf, 0)
		}
	case afterFP:
		if flags.ISA.String() == "riscv64" && flags.Floats {
			buf = appendU64(buf, 0) // fcsr slot
		}
	}
	return buf
}

// UnpackValuesFull decodes a ValuesFull payload (discriminant already consumed).
func UnpackValuesFull(r io.Reader, flags Flags) (ValuesFull, error) {
	var v ValuesFull
	v.GP = make([]uint64, flags.NumGP)
	for i := range v.GP {
		val, err := readU64(r)
		if err != nil {
			return v, fmt.Errorf("wire: ValuesFull gp[%d]: %w", i, err)
		}
		v.GP[i] = val
	}
	if err := skipPadding(r, flags, beforeFPVec); err != nil {
		return v, err
	}
	if flags.Floats {
		v.FP = make([]uint64, flags.NumFP)
		for i := range v.FP {
			val, err := readU64(r)
			if err != nil {
				return v, fmt.Errorf("wire: ValuesFull fp[%d]: %w", i, err)
			}
			v.FP[i] = val
		}
		if err := skipPadding(r, flags, afterFP); err != nil {
			return v, err
		}
	}
	if flags.Vector {
		v.Vec = make([][2]uint64, flags.NumVec)
		for i := range v.Vec {
			lo, err := readU64(r)
			if err != nil {
				return v, fmt.Errorf("wire: ValuesFull vec[%d].lo: %w", i, err)
			}
			hi, err := readU64(r)
			if err != nil {
				return v, fmt.Errorf("wire: ValuesFull vec[%d].hi: %w", i, err)
			}
			v.Vec[i] = [2]uint64{lo, hi}
		}
	}
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return v, fmt.Errorf("wire: ValuesFull seq header: %w", err)
	}
	v.SeqLen = hdr[0]
	v.FullSeq = hdr[1] != 0
	v.InstrSeq = make([]uint32, v.SeqLen)
	for i := range v.InstrSeq {
		w, err := readU32(r)
		if err != nil {
			return v, fmt.Errorf("wire: ValuesFull instr[%d]: %w", i, err)
		}
		v.InstrSeq[i] = w
	}
	return v, nil
}

func skipPadding(r io.Reader, flags Flags, site paddingSite) error {
	n := 0
	switch site {
	case beforeFPVec:
		if flags.ISA.String() == "aarch64" {
			n = 2
		}
	case afterFP:
		if flags.ISA.String() == "riscv64" && flags.Floats {
			n = 1
		}
	}
	for i := 0; i < n; i++ {
		if _, err := readU64(r); err != nil {
			return fmt.Errorf("wire: padding slot %d: %w", i, err)
		}
	}
	return nil
}

// ValuesSparse specifies only named registers; every unnamed register
// gets FillerValue once expanded to ValuesFull.
type ValuesSparse struct {
	GP       map[uint8]uint64
	FP       map[uint8]uint64
	Vec      map[uint8][2]uint64
	InstrSeq []uint32
	SeqLen   uint8
	FullSeq  bool
}

// PackValuesSparse encodes each named map as a count-prefixed
// (index, value) list, consistent with the DB/handshake's tag_count
// convention rather than inventing a new style.
func PackValuesSparse(v ValuesSparse, flags Flags) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindValuesSparse))
	writeSparseMap(&buf, v.GP)
	if flags.Floats {
		writeSparseMap(&buf, v.FP)
	}
	if flags.Vector {
		writeSparseVecMap(&buf, v.Vec)
	}
	buf.WriteByte(v.SeqLen)
	buf.WriteByte(boolByte(v.FullSeq))
	for _, inst := range v.InstrSeq {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], inst)
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func writeSparseMap(buf *bytes.Buffer, m map[uint8]uint64) {
	var countB [2]byte
	binary.LittleEndian.PutUint16(countB[:], uint16(len(m)))
	buf.Write(countB[:])
	for _, idx := range sortedKeys(m) {
		buf.WriteByte(idx)
		var vb [8]byte
		binary.LittleEndian.PutUint64(vb[:], m[idx])
		buf.Write(vb[:])
	}
}

func writeSparseVecMap(buf *bytes.Buffer, m map[uint8][2]uint64) {
	var countB [2]byte
	binary.LittleEndian.PutUint16(countB[:], uint16(len(m)))
	buf.Write(countB[:])
	keys := make([]uint8, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortUint8s(keys)
	for _, idx := range keys {
		buf.WriteByte(idx)
		v := m[idx]
		var vb [16]byte
		binary.LittleEndian.PutUint64(vb[0:8], v[0])
		binary.LittleEndian.PutUint64(vb[8:16], v[1])
		buf.Write(vb[:])
	}
}

func sortedKeys(m map[uint8]uint64) []uint8 {
	keys := make([]uint8, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortUint8s(keys)
	return keys
}

func sortUint8s(s []uint8) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// UnpackValuesSparse decodes a ValuesSparse payload (discriminant already consumed).
func UnpackValuesSparse(r *bufio.Reader, flags Flags) (ValuesSparse, error) {
	var v ValuesSparse
	var err error
	if v.GP, err = readSparseMap(r); err != nil {
		return v, fmt.Errorf("wire: ValuesSparse gp: %w", err)
	}
	if flags.Floats {
		if v.FP, err = readSparseMap(r); err != nil {
			return v, fmt.Errorf("wire: ValuesSparse fp: %w", err)
		}
	}
	if flags.Vector {
		if v.Vec, err = readSparseVecMap(r); err != nil {
			return v, fmt.Errorf("wire: ValuesSparse vec: %w", err)
		}
	}
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return v, fmt.Errorf("wire: ValuesSparse seq header: %w", err)
	}
	v.SeqLen = hdr[0]
	v.FullSeq = hdr[1] != 0
	v.InstrSeq = make([]uint32, v.SeqLen)
	for i := range v.InstrSeq {
		w, err := readU32(r)
		if err != nil {
			return v, fmt.Errorf("wire: ValuesSparse instr[%d]: %w", i, err)
		}
		v.InstrSeq[i] = w
	}
	return v, nil
}

func readSparseMap(r io.Reader) (map[uint8]uint64, error) {
	count, err := readU16(r)
	if err != nil {
		return nil, err
	}
	m := make(map[uint8]uint64, count)
	for i := uint16(0); i < count; i++ {
		entry := make([]byte, 9)
		if _, err := io.ReadFull(r, entry); err != nil {
			return nil, err
		}
		m[entry[0]] = binary.LittleEndian.Uint64(entry[1:9])
	}
	return m, nil
}

func readSparseVecMap(r io.Reader) (map[uint8][2]uint64, error) {
	count, err := readU16(r)
	if err != nil {
		return nil, err
	}
	m := make(map[uint8][2]uint64, count)
	for i := uint16(0); i < count; i++ {
		entry := make([]byte, 17)
		if _, err := io.ReadFull(r, entry); err != nil {
			return nil, err
		}
		m[entry[0]] = [2]uint64{
			binary.LittleEndian.Uint64(entry[1:9]),
			binary.LittleEndian.Uint64(entry[9:17]),
		}
	}
	return m, nil
}

// ExpandToValuesFull fills every architectural register, applying
// FillerValue (instdb.FillerValue) to any register ValuesSparse left
// unspecified.
func (v ValuesSparse) ExpandToValuesFull(flags Flags, filler uint64) ValuesFull {
	full := ValuesFull{
		GP:       fillFromSparse(v.GP, flags.NumGP, filler),
		InstrSeq: v.InstrSeq,
		SeqLen:   v.SeqLen,
		FullSeq:  v.FullSeq,
	}
	if flags.Floats {
		full.FP = fillFromSparse(v.FP, flags.NumFP, filler)
	}
	if flags.Vector {
		full.Vec = make([][2]uint64, flags.NumVec)
		for i := range full.Vec {
			if val, ok := v.Vec[uint8(i)]; ok {
				full.Vec[i] = val
			} else {
				full.Vec[i] = [2]uint64{filler, filler}
			}
		}
	}
	return full
}

func fillFromSparse(m map[uint8]uint64, n int, filler uint64) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		if val, ok := m[uint8(i)]; ok {
			out[i] = val
		} else {
			out[i] = filler
		}
	}
	return out
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
