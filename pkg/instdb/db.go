package instdb

import (
	"fmt"
	"sort"

	"github.com/oisee/riscover/pkg/rng"
)

// absMaskBits is N, the number of encoding bits the mask-map index is
// built on.
const absMaskBits = 11

type maskMapEntry struct {
	mask, value uint32
	mnemonic    string
}

// DB is an immutable-after-build instruction database supporting O(K)
// disassembly and randomized instantiation. Safe for
// concurrent reads from multiple goroutines once NewDB/Remove returns;
// never mutated in place.
type DB struct {
	ISA     ISA
	records []Record
	byName  map[string]int

	absMask uint32
	buckets map[uint32][]maskMapEntry

	warnings []string
}

// NewDB compiles specs into a DB and builds its mask-map disassembly
// index. Loading specs from vendor YAML/JSON is out of scope; callers construct []RecordSpec however they obtain instruction
// definitions.
func NewDB(isa ISA, specs []RecordSpec) (*DB, error) {
	db := &DB{ISA: isa, byName: make(map[string]int)}
	for _, spec := range specs {
		rec, err := compile(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := db.byName[rec.Mnemonic]; dup {
			return nil, fmt.Errorf("instdb: duplicate mnemonic %q", rec.Mnemonic)
		}
		db.byName[rec.Mnemonic] = len(db.records)
		db.records = append(db.records, rec)
	}
	db.rebuildMaskMap(nil)
	return db, nil
}

// Len returns the number of instructions in the DB.
func (db *DB) Len() int { return len(db.records) }

// Warnings returns one message per encoding collision that rebuildMaskMap
// found outside CollisionAllowList. Load never fails on a collision;
// callers decide whether to surface these (riscoverd logs them via zap).
func (db *DB) Warnings() []string { return db.warnings }

// Mnemonics returns all mnemonics in declaration order.
func (db *DB) Mnemonics() []string {
	out := make([]string, len(db.records))
	for i, r := range db.records {
		out[i] = r.Mnemonic
	}
	return out
}

// Record returns the compiled record for mnemonic.
func (db *DB) Record(mnemonic string) (Record, bool) {
	idx, ok := db.byName[mnemonic]
	if !ok {
		return Record{}, false
	}
	return db.records[idx], true
}

// Disassemble looks up the mnemonic matching a raw 32-bit encoding, or
// ("", false) if none matches.
func (db *DB) Disassemble(word uint32) (string, bool) {
	key := word & db.absMask
	for _, e := range db.buckets[key] {
		if word&e.mask == e.value {
			return e.mnemonic, true
		}
	}
	return "", false
}

// Init returns the canonical encoding of mnemonic: all variable fields
// zeroed, all fixed fields at their combined_mask.value. Panics (a
// programmer error, per) if mnemonic is unknown.
func (db *DB) Init(mnemonic string) uint32 {
	rec, ok := db.Record(mnemonic)
	if !ok {
		panic(fmt.Sprintf("instdb: Init: unknown mnemonic %q", mnemonic))
	}
	return rec.CombinedValue
}

// SetField validates width and replaces field name's bits on encoding in
// place. Panics on an unknown mnemonic/field or an out-of-width value —
// these are programmer errors, never reported as data.
func (db *DB) SetField(mnemonic string, encoding uint32, name string, value uint64) uint32 {
	rec, ok := db.Record(mnemonic)
	if !ok {
		panic(fmt.Sprintf("instdb: SetField: unknown mnemonic %q", mnemonic))
	}
	f, ok := rec.FieldByName(name)
	if !ok {
		panic(fmt.Sprintf("instdb: SetField: %s has no field %q", mnemonic, name))
	}
	if value > f.FieldMask() {
		panic(fmt.Sprintf("instdb: SetField: value %#x exceeds width of field %q (%d bits)", value, name, f.Bits()))
	}
	return uint32(f.WithValue(uint64(encoding), value))
}

// GetField reads field name's current value out of encoding.
func (db *DB) GetField(mnemonic string, encoding uint32, name string) uint64 {
	rec, ok := db.Record(mnemonic)
	if !ok {
		panic(fmt.Sprintf("instdb: GetField: unknown mnemonic %q", mnemonic))
	}
	f, ok := rec.FieldByName(name)
	if !ok {
		panic(fmt.Sprintf("instdb: GetField: %s has no field %q", mnemonic, name))
	}
	return f.Extract(uint64(encoding))
}

// Remove drops the given mnemonics from the DB and rebuilds the mask-map.
// Returns a new *DB; the receiver is left untouched (instructions and DB
// are immutable after load Lifecycle).
func (db *DB) Remove(mnemonics []string) *DB {
	drop := make(map[string]bool, len(mnemonics))
	for _, m := range mnemonics {
		drop[m] = true
	}
	out := &DB{ISA: db.ISA, byName: make(map[string]int)}
	for _, rec := range db.records {
		if drop[rec.Mnemonic] {
			continue
		}
		out.byName[rec.Mnemonic] = len(out.records)
		out.records = append(out.records, rec)
	}
	out.rebuildMaskMap(nil)
	return out
}

// rebuildMaskMap picks abs_mask (unless forced via forceAbsMask, used by
// tests) and rebuilds the two-level disassembly index.
func (db *DB) rebuildMaskMap(forceAbsMask *uint32) {
	if forceAbsMask != nil {
		db.absMask = *forceAbsMask
	} else {
		db.absMask = chooseAbsMask(db.records)
	}

	buckets := make(map[uint32][]maskMapEntry)
	seen := make(map[uint32]maskMapEntry)
	warned := make(map[string]bool)
	db.warnings = nil
	for _, rec := range db.records {
		fixedWithinAbs := rec.CombinedMask & db.absMask
		freeWithinAbs := db.absMask &^ fixedWithinAbs
		base := rec.CombinedValue & db.absMask

		for _, v := range enumerateFreeBits(freeWithinAbs) {
			key := base | v
			entry := maskMapEntry{mask: rec.CombinedMask, value: rec.CombinedValue, mnemonic: rec.Mnemonic}
			if prior, ok := seen[key]; ok {
				db.checkCollision(prior, entry, warned)
			}
			seen[key] = entry
			buckets[key] = append(buckets[key], entry)
		}
	}

	// Sort each bucket by descending popcount(instr_mask) so more
	// specific encodings shadow less specific ones on conflict
	//.
	for key, entries := range buckets {
		sort.SliceStable(entries, func(i, j int) bool {
			return popcount32(entries[i].mask) > popcount32(entries[j].mask)
		})
		buckets[key] = entries
	}
	db.buckets = buckets
}

// checkCollision records a warning when two distinct mnemonics land in
// the same mask-map bucket under an abs_mask_value neither mnemonic's own
// fixed bits distinguish. Pairs on CollisionAllowList (e.g. c.ld/c.flw,
// whose RISC-V compressed encodings genuinely share bits the mask-map
// can't separate) are silently accepted; anything else is recorded once
// per mnemonic pair, not once per colliding abs_mask_value, so a single
// real collision doesn't flood Warnings with duplicates.
func (db *DB) checkCollision(prior, entry maskMapEntry, warned map[string]bool) {
	if prior.mnemonic == entry.mnemonic {
		return
	}
	key := collisionKey(prior.mnemonic, entry.mnemonic)
	if CollisionAllowList[key] || warned[key] {
		return
	}
	warned[key] = true
	db.warnings = append(db.warnings, fmt.Sprintf(
		"instdb: %s and %s collide under abs_mask (%d bits); disassembly will prefer the more specific encoding",
		prior.mnemonic, entry.mnemonic, popcount32(db.absMask)))
}

// enumerateFreeBits returns every value obtainable by setting freeBits to
// all 2^popcount(freeBits) combinations, each still confined to freeBits'
// positions (i.e. each returned value is a subset of freeBits). Used to
// register an instruction under every abs_mask_value its own fixed bits
// are compatible with.
func enumerateFreeBits(freeBits uint32) []uint32 {
	if freeBits == 0 {
		return []uint32{0}
	}
	// Collect the individual set-bit positions of freeBits.
	var positions []uint32
	for b := freeBits; b != 0; b &= b - 1 {
		positions = append(positions, b&-b)
	}
	total := 1 << uint(len(positions))
	out := make([]uint32, 0, total)
	for mask := 0; mask < total; mask++ {
		var v uint32
		for i, p := range positions {
			if mask&(1<<uint(i)) != 0 {
				v |= p
			}
		}
		out = append(out, v)
	}
	return out
}

// chooseAbsMask picks the absMaskBits bit positions that are fixed
// (constrained) across the largest number of instructions (see
// DESIGN.md for why "most constrained" rather than "least constrained"):
// the goal (a selective index with small per-bucket candidate lists) is
// only achievable by indexing on bits that most instructions actually
// fix, so each instruction needs few mask-map entries.
func chooseAbsMask(records []Record) uint32 {
	var fixedCount [32]int
	for _, r := range records {
		for bit := 0; bit < 32; bit++ {
			if r.CombinedMask&(1<<uint(bit)) != 0 {
				fixedCount[bit]++
			}
		}
	}
	type bitCount struct {
		bit, count int
	}
	bits := make([]bitCount, 32)
	for i := range bits {
		bits[i] = bitCount{bit: i, count: fixedCount[i]}
	}
	sort.SliceStable(bits, func(i, j int) bool {
		if bits[i].count != bits[j].count {
			return bits[i].count > bits[j].count
		}
		return bits[i].bit < bits[j].bit // deterministic tie-break
	})

	n := absMaskBits
	if n > len(bits) {
		n = len(bits)
	}
	var mask uint32
	for i := 0; i < n; i++ {
		mask |= 1 << uint(bits[i].bit)
	}
	return mask
}

// AbsMask exposes the chosen index mask, mainly for tests and diagnostics.
func (db *DB) AbsMask() uint32 { return db.absMask }

// RandomlyInit draws a fully-instantiated encoding for mnemonic: fixed
// bits come from CombinedValue; each variable field is filled per
// biased strategy using fieldRNG, which the caller must
// seed deterministically (seed XOR counter, per).
func (db *DB) RandomlyInit(mnemonic string, numRegs int, fieldRNG *rng.MT19937) uint32 {
	rec, ok := db.Record(mnemonic)
	if !ok {
		panic(fmt.Sprintf("instdb: RandomlyInit: unknown mnemonic %q", mnemonic))
	}
	word := rec.CombinedValue
	for _, f := range rec.Fields {
		if f.IsFixed() {
			continue
		}
		value := db.drawFieldValue(f, numRegs, fieldRNG)
		word = uint32(f.WithValue(uint64(word), value))
	}
	return word
}

func (db *DB) drawFieldValue(f Field, numRegs int, r *rng.MT19937) uint64 {
	switch {
	case IsRegisterField(db.ISA, f.Name):
		return drawRegisterField(f, numRegs, r)
	default:
		if spec, ok := ImmField(db.ISA, f.Name); ok {
			return drawImmField(f, spec, r)
		}
		return uint64(r.Uint32()) & f.FieldMask()
	}
}

// drawRegisterField implements: with probability
// 1/(numRegs+1) draw from the full field width, otherwise from
// [0, numRegs), biasing toward a small working set of registers.
func drawRegisterField(f Field, numRegs int, r *rng.MT19937) uint64 {
	if numRegs <= 0 {
		return uint64(r.Uint32()) & f.FieldMask()
	}
	if r.Chance(1.0 / float64(numRegs+1)) {
		return uint64(r.Uint32()) & f.FieldMask()
	}
	return uint64(r.Intn(numRegs))
}

// drawImmField implements: 90% of the time pick from a small
// "interesting" set — {0, -1, max, min} in two's complement of the field
// width for signed fields, {0, max, 1, max-1} for unsigned fields — and
// 10% of the time a uniform random bit pattern.
func drawImmField(f Field, spec ImmSpec, r *rng.MT19937) uint64 {
	widthMask := f.FieldMask()
	if !r.Chance(0.10) {
		choices := interestingValues(spec, widthMask)
		return choices[r.Intn(len(choices))]
	}
	return uint64(r.Uint32()) & widthMask
}

func interestingValues(spec ImmSpec, widthMask uint64) []uint64 {
	if !spec.Signed {
		return []uint64{0, widthMask, 1, widthMask - 1}
	}
	// Two's complement of the field width: max positive, min negative (-1
	// represented as all-ones, matching the field's own width), 0, and
	// the most negative representable value.
	signBit := uint64(1) << uint(spec.Bits-1)
	maxPositive := signBit - 1
	minNegative := signBit // two's complement min, e.g. 0b1000...0
	return []uint64{0, widthMask /* -1 */, maxPositive, minNegative}
}
