package instdb

// ISA identifies the target instruction set architecture. The server is
// ISA-agnostic at the protocol layer; instdb is the one
// place that needs per-ISA tables for field classification and
// interesting-immediate selection.
type ISA int

const (
	AArch64 ISA = iota
	RISCV64
)

func (a ISA) String() string {
	switch a {
	case AArch64:
		return "aarch64"
	case RISCV64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// VecRegSize is the vector register width in bytes used by the fuzzing
// value tables and wire packing when VECTOR is enabled.
// SVE/SME report their own max sizes separately in the handshake; this is
// the fixed working width the generator instantiates against.
const VecRegSize = 16

// registerFieldNames lists the field names that select an architectural
// register (as opposed to an immediate or other operand) for each ISA.
// randomly_init biases these toward a small working set.
var registerFieldNames = map[ISA]map[string]bool{
	AArch64: {
		"Rd": true, "Rn": true, "Rm": true, "Ra": true,
		"Rt": true, "Rt2": true, "Rs": true,
		"Vd": true, "Vn": true, "Vm": true, "Va": true,
		"Sd": true, "Sn": true, "Sm": true,
		"Dd": true, "Dn": true, "Dm": true,
	},
	RISCV64: {
		"rd": true, "rs1": true, "rs2": true, "rs3": true,
		"frd": true, "frs1": true, "frs2": true, "frs3": true,
	},
}

// IsRegisterField reports whether name selects an architectural register
// on the given ISA.
func IsRegisterField(isa ISA, name string) bool {
	return registerFieldNames[isa][name]
}

// ImmSpec describes one named immediate field's width and signedness for
// the "interesting value" generation strategy: per-ISA
// table imm2..imm26, signed or unsigned, represented in two's complement
// of the field width when signed.
type ImmSpec struct {
	Bits   int
	Signed bool
}

// immFieldTables maps ISA -> field name -> ImmSpec for the named immediate
// fields per-field randomization treats specially. Names follow the
// imm<N> convention (per-ISA table imm2..imm26); field names outside
// this table fall back to uniform
// random selection over the field width (the "other variable fields"
// case).
var immFieldTables = map[ISA]map[string]ImmSpec{
	AArch64: {
		"imm2":  {Bits: 2, Signed: false},
		"imm3":  {Bits: 3, Signed: false},
		"imm4":  {Bits: 4, Signed: false},
		"imm5":  {Bits: 5, Signed: false},
		"imm6":  {Bits: 6, Signed: false},
		"imm7":  {Bits: 7, Signed: true},
		"imm8":  {Bits: 8, Signed: true},
		"imm9":  {Bits: 9, Signed: true},
		"imm12": {Bits: 12, Signed: false},
		"imm14": {Bits: 14, Signed: true},
		"imm16": {Bits: 16, Signed: false},
		"imm19": {Bits: 19, Signed: true},
		"imm21": {Bits: 21, Signed: true},
		"imm26": {Bits: 26, Signed: true},
	},
	RISCV64: {
		"imm12": {Bits: 12, Signed: true},
		"imm20": {Bits: 20, Signed: true},
		"shamt": {Bits: 6, Signed: false},
	},
}

// ImmField returns the named-immediate spec for name on isa, if any.
func ImmField(isa ISA, name string) (ImmSpec, bool) {
	spec, ok := immFieldTables[isa][name]
	return spec, ok
}

// CollisionAllowList records encoding collisions that are known and
// accepted rather than load errors, per open question 3
// ("the c.ld/c.flw shared-encoding assertion ... is silenced in source").
// Key is an unordered pair "mnemonicA|mnemonicB" with the lexicographically
// smaller mnemonic first.
var CollisionAllowList = map[string]bool{
	"c.flw|c.ld": true,
}

func collisionKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
