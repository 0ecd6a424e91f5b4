package instdb

import "fmt"

// RecordSpec is the caller-supplied, not-yet-compiled description of one
// instruction: a mnemonic, its bit fields, and the extension tags it
// belongs to. Loading a DB from vendor XML/YAML/JSON is out of scope (that
// is the external parser's job) — callers build []RecordSpec
// themselves and pass it to NewDB.
type RecordSpec struct {
	Mnemonic   string
	Fields     []Field
	Extensions []string
}

// Record is a compiled instruction: RecordSpec plus derived combined
// mask/value, ready for disassembly and random instantiation.
type Record struct {
	Mnemonic   string
	Fields     []Field
	Extensions []string

	// CombinedMask/CombinedValue satisfy, by construction:
	//   CombinedMask & CombinedValue == CombinedValue
	CombinedMask  uint32
	CombinedValue uint32

	fieldByName map[string]int // Name -> index into Fields, for named fields only
}

func compile(spec RecordSpec) (Record, error) {
	r := Record{
		Mnemonic:    spec.Mnemonic,
		Fields:      append([]Field(nil), spec.Fields...),
		Extensions:  append([]string(nil), spec.Extensions...),
		fieldByName: make(map[string]int),
	}

	var mask, value uint64
	for i, f := range r.Fields {
		if f.MSB < f.LSB || f.MSB > 31 || f.LSB < 0 {
			return Record{}, fmt.Errorf("instdb: %s: field %q has invalid range [%d:%d]", spec.Mnemonic, f.Name, f.MSB, f.LSB)
		}
		if f.IsFixed() {
			mask |= f.Mask
			value |= f.Value << uint(f.LSB)
		}
		if f.Name != "" {
			if _, dup := r.fieldByName[f.Name]; dup {
				return Record{}, fmt.Errorf("instdb: %s: duplicate field name %q", spec.Mnemonic, f.Name)
			}
			r.fieldByName[f.Name] = i
		}
	}

	r.CombinedMask = uint32(mask)
	r.CombinedValue = uint32(value)

	if r.CombinedMask&r.CombinedValue != r.CombinedValue {
		return Record{}, fmt.Errorf("instdb: %s: combined_mask invariant violated (mask=%#x value=%#x)", spec.Mnemonic, r.CombinedMask, r.CombinedValue)
	}

	return r, nil
}

// FieldByName returns the named field and true, or the zero Field and
// false if the instruction has no such field.
func (r Record) FieldByName(name string) (Field, bool) {
	idx, ok := r.fieldByName[name]
	if !ok {
		return Field{}, false
	}
	return r.Fields[idx], true
}

// VariableFields returns the fields that are not part of the fixed
// encoding, in declaration order.
func (r Record) VariableFields() []Field {
	var out []Field
	for _, f := range r.Fields {
		if !f.IsFixed() {
			out = append(out, f)
		}
	}
	return out
}

// popcount32 returns the number of set bits in a 32-bit word.
func popcount32(v uint32) int {
	c := 0
	for v != 0 {
		v &= v - 1
		c++
	}
	return c
}
