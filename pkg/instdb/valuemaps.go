package instdb

// Fuzzing value tables: fixed, ISA-specific 256-entry arrays of "interesting"
// register values that RegSelect inputs index into by byte.
// Built once in init() from a handful of seed values repeated and
// perturbed to fill out the 256 slots deterministically, rather than
// hand-enumerated.
var (
	FuzzingValueMapGP [256]uint64
	FuzzingValueMapFP [256]uint64
)

// FillerValue is the value unspecified registers take once an Input is
// expanded to ValuesFull: four repeats of
// 'A' (0x41), the classic "no data touched this" canary.
const FillerValue uint64 = 0x4141414141414141

func init() {
	seedsGP := []uint64{
		0x0000000000000000,
		0x0000000000000001,
		0xFFFFFFFFFFFFFFFF,
		0x8000000000000000,
		0x7FFFFFFFFFFFFFFF,
		0x00000000FFFFFFFF,
		0xFFFFFFFF00000000,
		0x0000000080000000,
		0x0000000000001000, // page-ish
		0x0000000000000010,
		0x5555555555555555,
		0xAAAAAAAAAAAAAAAA,
		FillerValue,
		0x0000000100000000,
		0x0000000000000400,
		0x00000000DEADBEEF,
	}
	for i := 0; i < 256; i++ {
		base := seedsGP[i%len(seedsGP)]
		// Perturb with the slot index so repeats of the same seed still
		// differ, giving 256 distinct-ish entries while keeping the
		// "interesting" bit patterns dominant.
		FuzzingValueMapGP[i] = base ^ (uint64(i/len(seedsGP)) << 4)
	}

	seedsFP := []uint64{
		0x0000000000000000, // +0.0
		0x8000000000000000, // -0.0
		0x3FF0000000000000, // 1.0
		0xBFF0000000000000, // -1.0
		0x7FF0000000000000, // +Inf
		0xFFF0000000000000, // -Inf
		0x7FF8000000000000, // qNaN
		0x7FF0000000000001, // sNaN-ish
		0x0010000000000000, // smallest normal
		0x000FFFFFFFFFFFFF, // largest subnormal
		0x7FEFFFFFFFFFFFFF, // largest finite
		0x4000000000000000, // 2.0
	}
	for i := 0; i < 256; i++ {
		base := seedsFP[i%len(seedsFP)]
		FuzzingValueMapFP[i] = base ^ (uint64(i/len(seedsFP)) << 8)
	}
}
