package wire

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/oisee/riscover/pkg/instdb"
)

func testFlags() Flags {
	return Flags{
		ISA:      instdb.AArch64,
		Meta:     true,
		CheckMem: true,
		Vector:   true,
		Floats:   true,
		NumGP:    31,
		NumFP:    32,
		NumVec:   32,
	}
}

func TestValuesFullRoundTrip(t *testing.T) {
	flags := testFlags()
	v := ValuesFull{
		GP:       make([]uint64, flags.NumGP),
		FP:       make([]uint64, flags.NumFP),
		Vec:      make([][2]uint64, flags.NumVec),
		InstrSeq: []uint32{0x91000420, 0xD503201F, 0x14000000},
		SeqLen:   3,
		FullSeq:  true,
	}
	for i := range v.GP {
		v.GP[i] = uint64(i) * 0x1111111111
	}
	for i := range v.FP {
		v.FP[i] = uint64(i) + 1
	}
	for i := range v.Vec {
		v.Vec[i] = [2]uint64{uint64(i), uint64(i) * 2}
	}

	packed := PackValuesFull(v, flags)
	// Strip discriminant before unpacking, matching how a dispatcher would.
	got, err := UnpackValuesFull(bytes.NewReader(packed[1:]), flags)
	if err != nil {
		t.Fatalf("UnpackValuesFull: %v", err)
	}

	if len(got.GP) != len(v.GP) {
		t.Fatalf("GP length mismatch: got %d want %d", len(got.GP), len(v.GP))
	}
	for i := range v.GP {
		if got.GP[i] != v.GP[i] {
			t.Errorf("GP[%d] = %#x, want %#x", i, got.GP[i], v.GP[i])
		}
	}
	for i := range v.FP {
		if got.FP[i] != v.FP[i] {
			t.Errorf("FP[%d] = %#x, want %#x", i, got.FP[i], v.FP[i])
		}
	}
	for i := range v.Vec {
		if got.Vec[i] != v.Vec[i] {
			t.Errorf("Vec[%d] = %v, want %v", i, got.Vec[i], v.Vec[i])
		}
	}
	if len(got.InstrSeq) != len(v.InstrSeq) {
		t.Fatalf("InstrSeq length mismatch")
	}
	for i := range v.InstrSeq {
		if got.InstrSeq[i] != v.InstrSeq[i] {
			t.Errorf("InstrSeq[%d] = %#x, want %#x", i, got.InstrSeq[i], v.InstrSeq[i])
		}
	}
	if got.SeqLen != v.SeqLen || got.FullSeq != v.FullSeq {
		t.Errorf("seq header mismatch: got %+v", got)
	}
}

func TestRegSelectRoundTrip(t *testing.T) {
	flags := testFlags()
	v := RegSelect{
		GPSelect:  []uint8{1, 2, 3, 4, 5},
		FPSelect:  []uint8{6, 7},
		VecSelect: []uint8{8, 9, 10, 11},
		InstrSeq:  []uint32{0xAAAA0000, 0xBBBB1111},
		SeqLen:    2,
		FullSeq:   false,
	}
	flags.NumGP = len(v.GPSelect)
	flags.NumFP = len(v.FPSelect)
	flags.NumVec = len(v.VecSelect) / VecChunksPerReg()

	packed := PackRegSelect(v, flags)
	got, err := UnpackRegSelect(bytes.NewReader(packed[1:]), flags)
	if err != nil {
		t.Fatalf("UnpackRegSelect: %v", err)
	}
	if !bytes.Equal(got.GPSelect, v.GPSelect) {
		t.Errorf("GPSelect = %v, want %v", got.GPSelect, v.GPSelect)
	}
	if !bytes.Equal(got.FPSelect, v.FPSelect) {
		t.Errorf("FPSelect = %v, want %v", got.FPSelect, v.FPSelect)
	}
	if !bytes.Equal(got.VecSelect, v.VecSelect) {
		t.Errorf("VecSelect = %v, want %v", got.VecSelect, v.VecSelect)
	}
	for i := range v.InstrSeq {
		if got.InstrSeq[i] != v.InstrSeq[i] {
			t.Errorf("InstrSeq[%d] mismatch", i)
		}
	}
}

func TestJustSeqNumRoundTrip(t *testing.T) {
	v := JustSeqNum{SeqNum: 123456789, BatchCount: 50, SeqLen: 8, FullSeq: true}
	packed := PackJustSeqNum(v)
	got, err := UnpackJustSeqNum(bytes.NewReader(packed[1:]))
	if err != nil {
		t.Fatalf("UnpackJustSeqNum: %v", err)
	}
	if got != v {
		t.Errorf("got %+v, want %+v", got, v)
	}
}

func TestValuesSparseExpandsWithFiller(t *testing.T) {
	flags := Flags{ISA: instdb.AArch64, NumGP: 4, NumFP: 0, NumVec: 0}
	sparse := ValuesSparse{
		GP:       map[uint8]uint64{0: 0xAAAA, 2: 0xBBBB},
		InstrSeq: []uint32{0x11},
		SeqLen:   1,
	}
	full := sparse.ExpandToValuesFull(flags, 0x4141414141414141)
	want := []uint64{0xAAAA, 0x4141414141414141, 0xBBBB, 0x4141414141414141}
	for i, w := range want {
		if full.GP[i] != w {
			t.Errorf("GP[%d] = %#x, want %#x", i, full.GP[i], w)
		}
	}
}

func TestResultRoundTrip(t *testing.T) {
	flags := testFlags()
	res := Result{
		Signum:       11,
		CycleDelta:   42,
		InstretDelta: 43,
		RegsAfter: []RegValue{
			{Index: 0, Value: u64Val(1)},
			{Index: 5, Value: u64Val(0xDEAD)},
		},
		SiAddr: 0x1000,
		SiPC:   0x2000,
		SiCode: 1,
		MemDiffs: []MemDiff{
			{Start: 0x3000, N: 8, ValPrefix: []byte{1, 2, 3, 4, 5, 6, 7, 8}, CRC32: CRC32ForMemRegion([]byte{1, 2, 3, 4, 5, 6, 7, 8})},
		},
	}
	packed := PackResult(res, flags)
	got, err := UnpackResult(bytes.NewReader(packed), flags)
	if err != nil {
		t.Fatalf("UnpackResult: %v", err)
	}
	if !got.Equal(res) {
		t.Errorf("round-tripped Result not equal: got %+v want %+v", got, res)
	}
	if got.CanonicalKey() != res.CanonicalKey() {
		t.Errorf("CanonicalKey mismatch after round-trip")
	}
}

func u64Val(v uint64) [16]byte {
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func TestReplyBatchRoundTrip(t *testing.T) {
	flags := testFlags()
	mr := MultiResult{Steps: []Result{
		{Signum: 0, RegsAfter: []RegValue{{Index: 1, Value: u64Val(7)}}},
		{Signum: 0, RegsAfter: []RegValue{{Index: 2, Value: u64Val(8)}}},
	}}
	packed := PackReplyBatch(mr, true, flags)
	got, err := UnpackReplyBatch(bufio.NewReader(bytes.NewReader(packed)), flags)
	if err != nil {
		t.Fatalf("UnpackReplyBatch: %v", err)
	}
	if len(got.Steps) != len(mr.Steps) {
		t.Fatalf("step count = %d, want %d", len(got.Steps), len(mr.Steps))
	}
	for i := range mr.Steps {
		if !got.Steps[i].Equal(mr.Steps[i]) {
			t.Errorf("step %d mismatch", i)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewFrameConn(server)
	cc := NewFrameConn(client)

	msg := []byte("hello framed world")
	errCh := make(chan error, 1)
	go func() { errCh <- sc.WriteFrame(msg) }()

	got, err := cc.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestStreamCompressDecompressRoundTrip(t *testing.T) {
	comp := NewStreamCompressor()
	decomp := NewStreamDecompressor()

	messages := [][]byte{
		[]byte("first message"),
		[]byte("second, a bit longer message to compress"),
		[]byte("third"),
	}

	for _, msg := range messages {
		chunk, err := comp.CompressMessage(msg)
		if err != nil {
			t.Fatalf("CompressMessage: %v", err)
		}
		chunkCopy := append([]byte(nil), chunk...)
		if err := decomp.Feed(chunkCopy); err != nil {
			t.Fatalf("Feed: %v", err)
		}
		got := make([]byte, len(msg))
		if _, err := io.ReadFull(decomp.Reader(), got); err != nil {
			t.Fatalf("read decompressed: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("got %q, want %q", got, msg)
		}
	}
}

func TestBuildTagsSplitsReproVsNonRepro(t *testing.T) {
	flags := Flags{Meta: true, CheckMem: true, CompressRecv: true, SingleThread: true, MaxSeqLen: 16}
	repro, nonRepro := flags.BuildTags()
	if !containsStr(repro, "-DMETA") || !containsStr(repro, "-DCHECK_MEM") || !containsStr(repro, "-DMAX_SEQ_LEN=16") {
		t.Errorf("repro flags missing expected tags: %v", repro)
	}
	if !containsStr(nonRepro, "-DCOMPRESS_RECV") || !containsStr(nonRepro, "-DSINGLE_THREAD") {
		t.Errorf("non-repro flags missing expected tags: %v", nonRepro)
	}
	if containsStr(repro, "-DCOMPRESS_RECV") {
		t.Errorf("COMPRESS_RECV leaked into repro flags: %v", repro)
	}
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
