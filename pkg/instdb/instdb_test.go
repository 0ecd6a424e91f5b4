package instdb

import (
	"testing"

	"github.com/oisee/riscover/pkg/rng"
)

func addSpec(mnemonic string, value, mask uint32) RecordSpec {
	fields := []Field{
		{MSB: 31, LSB: 0, Name: "", Value: uint64(value), Mask: uint64(mask)},
	}
	// When mask leaves any bit free, add a single variable field named
	// imm16 spanning the whole word, so Record has something to
	// randomly_init.
	if mask != 0xFFFFFFFF {
		fields = append(fields, Field{MSB: 31, LSB: 0, Name: "imm16", Value: 0, Mask: 0})
	}
	return RecordSpec{Mnemonic: mnemonic, Fields: fields}
}

func simpleDB(t *testing.T) *DB {
	t.Helper()
	specs := []RecordSpec{
		{
			Mnemonic: "add",
			Fields: []Field{
				{MSB: 31, LSB: 24, Name: "", Value: 0x11, Mask: 0xFF << 24},
				{MSB: 23, LSB: 20, Name: "Rd", Value: 0, Mask: 0},
				{MSB: 19, LSB: 16, Name: "Rn", Value: 0, Mask: 0},
				{MSB: 15, LSB: 0, Name: "imm16", Value: 0, Mask: 0},
			},
		},
		{
			Mnemonic: "sub",
			Fields: []Field{
				{MSB: 31, LSB: 24, Name: "", Value: 0x12, Mask: 0xFF << 24},
				{MSB: 23, LSB: 20, Name: "Rd", Value: 0, Mask: 0},
				{MSB: 19, LSB: 16, Name: "Rn", Value: 0, Mask: 0},
				{MSB: 15, LSB: 0, Name: "imm16", Value: 0, Mask: 0},
			},
		},
		{
			Mnemonic: "nop",
			Fields: []Field{
				{MSB: 31, LSB: 0, Name: "", Value: 0xD503201F, Mask: 0xFFFFFFFF},
			},
		},
	}
	db, err := NewDB(AArch64, specs)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	return db
}

func TestCombinedMaskInvariant(t *testing.T) {
	db := simpleDB(t)
	for _, m := range db.Mnemonics() {
		rec, _ := db.Record(m)
		if rec.CombinedMask&rec.CombinedValue != rec.CombinedValue {
			t.Errorf("%s: combined_mask invariant violated", m)
		}
	}
}

func TestCompileRejectsViolatedInvariant(t *testing.T) {
	// Value has bits set outside mask -> invariant violation.
	_, err := compile(RecordSpec{
		Mnemonic: "bad",
		Fields: []Field{
			{MSB: 7, LSB: 0, Name: "", Value: 0xFF, Mask: 0x0F},
		},
	})
	if err == nil {
		t.Fatal("expected compile error for violated combined_mask invariant")
	}
}

func TestDisassembleAfterInit(t *testing.T) {
	db := simpleDB(t)
	for _, m := range db.Mnemonics() {
		word := db.Init(m)
		got, ok := db.Disassemble(word)
		if !ok {
			t.Errorf("Init(%s)=%#x did not disassemble", m, word)
			continue
		}
		if got != m {
			t.Errorf("Init(%s)=%#x disassembled as %s", m, word, got)
		}
	}
}

func TestDisassembleUnknownEncoding(t *testing.T) {
	db := simpleDB(t)
	if _, ok := db.Disassemble(0xFFFFFFFF); ok {
		t.Error("expected unknown encoding to fail disassembly")
	}
}

func TestRemoveThenRebuild(t *testing.T) {
	db := simpleDB(t)
	addWord := db.Init("add")

	reduced := db.Remove([]string{"add"})
	if reduced.Len() != db.Len()-1 {
		t.Fatalf("Remove: got %d instructions, want %d", reduced.Len(), db.Len()-1)
	}
	if _, ok := reduced.Record("add"); ok {
		t.Error("removed mnemonic still present")
	}
	if _, ok := reduced.Disassemble(addWord); ok {
		t.Error("removed instruction's encoding still disassembles")
	}
	// Original DB must be unaffected (immutability).
	if _, ok := db.Record("add"); !ok {
		t.Error("Remove mutated the original DB")
	}
	if got, ok := db.Disassemble(addWord); !ok || got != "add" {
		t.Error("Remove mutated the original DB's disassembly index")
	}
}

func TestSetFieldAndGetField(t *testing.T) {
	db := simpleDB(t)
	word := db.Init("add")
	word = db.SetField("add", word, "Rd", 5)
	if got := db.GetField("add", word, "Rd"); got != 5 {
		t.Errorf("GetField(Rd) = %d, want 5", got)
	}
	// Setting Rd must not disturb Rn or the fixed opcode bits.
	if got, ok := db.Disassemble(word); !ok || got != "add" {
		t.Errorf("after SetField, Disassemble = %q,%v, want add,true", got, ok)
	}
}

func TestSetFieldPanicsOnOverflow(t *testing.T) {
	db := simpleDB(t)
	word := db.Init("add")
	defer func() {
		if recover() == nil {
			t.Error("expected panic for out-of-width value")
		}
	}()
	db.SetField("add", word, "Rd", 1<<40)
}

func TestRandomlyInitRespectsFixedBits(t *testing.T) {
	db := simpleDB(t)
	r := rng.New(12345)
	for i := 0; i < 200; i++ {
		word := db.RandomlyInit("add", 4, r)
		rec, _ := db.Record("add")
		if word&rec.CombinedMask != rec.CombinedValue {
			t.Fatalf("RandomlyInit produced word %#x violating fixed bits (mask=%#x value=%#x)", word, rec.CombinedMask, rec.CombinedValue)
		}
		if got, ok := db.Disassemble(word); !ok || got != "add" {
			t.Fatalf("RandomlyInit word %#x did not disassemble back to add (got %q,%v)", word, got, ok)
		}
	}
}

func TestRandomlyInitDeterministicForSameSeed(t *testing.T) {
	r1 := rng.New(999)
	r2 := rng.New(999)
	db := simpleDB(t)
	for i := 0; i < 50; i++ {
		a := db.RandomlyInit("add", 4, r1)
		b := db.RandomlyInit("add", 4, r2)
		if a != b {
			t.Fatalf("draw %d: same-seed generators diverged: %#x vs %#x", i, a, b)
		}
	}
}

func TestWeightedChoiceUnseenGetsMinimum(t *testing.T) {
	db := simpleDB(t)
	counts := map[string]int{"add": 100, "sub": 50} // "nop" unseen
	w := NewWeights(db.Mnemonics(), counts)

	idxOf := func(m string) int {
		for i, mm := range w.mnemonics {
			if mm == m {
				return i
			}
		}
		t.Fatalf("mnemonic %s not found", m)
		return -1
	}
	weightOf := func(i int) float64 {
		if i == 0 {
			return w.cumulative[0]
		}
		return w.cumulative[i] - w.cumulative[i-1]
	}

	nopW := weightOf(idxOf("nop"))
	for _, m := range []string{"add", "sub"} {
		if weightOf(idxOf(m)) < nopW {
			t.Errorf("%s weight %f below unseen nop weight %f", m, weightOf(idxOf(m)), nopW)
		}
	}
}

func TestWeightedChoiceDrawsWithinRange(t *testing.T) {
	db := simpleDB(t)
	r := rng.New(7)
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		m := db.WeightedChoice(counts, r)
		if _, ok := db.Record(m); !ok {
			t.Fatalf("WeightedChoice returned unknown mnemonic %q", m)
		}
		counts[m]++
	}
}

func TestChooseAbsMaskPrefersMostConstrainedBits(t *testing.T) {
	db := simpleDB(t)
	// All three test instructions fix bits 24-31 (the top byte); those bits
	// should dominate the chosen abs_mask ahead of the Rd/Rn/imm bits,
	// which only nop fixes.
	if db.AbsMask()&(0xFF<<24) == 0 {
		t.Errorf("abs_mask %#x does not include any of the commonly-fixed top byte", db.AbsMask())
	}
}
