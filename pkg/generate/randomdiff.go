package generate

import (
	"github.com/oisee/riscover/pkg/instdb"
	"github.com/oisee/riscover/pkg/rng"
	"github.com/oisee/riscover/pkg/wire"
)

// RandomDiffGenerator is the inline random-diff strategy: for each
// counter, seed two independent MT19937 streams from the same seed XOR
// counter value — one for instruction choice, one for field/register
// choice — choose seq_len instruction encodings from the DB and
// instantiate each, then choose fixed-value-table indices for every
// architectural register, producing a RegSelect input.
type RandomDiffGenerator struct {
	DB      *instdb.DB
	Flags   wire.Flags
	Seed    uint64
	SeqLen  uint8
	FullSeq bool
	NumRegs int // working-set size randomly_init biases register fields toward

	// Weights, if non-nil, makes instruction choice weighted
	// instead of uniform. Callers rebuild
	// this periodically from fresh hit-counts; RandomDiffGenerator never
	// mutates it.
	Weights *instdb.Weights
}

// Generate implements Generator.
func (g *RandomDiffGenerator) Generate(counter uint64, n int) []Input {
	mnemonics := g.DB.Mnemonics()
	out := make([]Input, n)
	for i := 0; i < n; i++ {
		c := counter + uint64(i)
		seed32 := rng.SeedForCounter(g.Seed, c)
		instrR := rng.New(seed32)
		fieldR := rng.New(seed32)

		instrs := make([]uint32, g.SeqLen)
		for j := range instrs {
			mnemonic := g.chooseMnemonic(mnemonics, instrR)
			instrs[j] = g.DB.RandomlyInit(mnemonic, g.NumRegs, fieldR)
		}

		gpSelect := randomBytes(fieldR, g.Flags.NumGP)
		var fpSelect []byte
		if g.Flags.Floats {
			fpSelect = randomBytes(fieldR, g.Flags.NumFP)
		}
		var vecSelect []byte
		if g.Flags.Vector {
			vecSelect = randomBytes(fieldR, g.Flags.NumVec*wire.VecChunksPerReg())
		}

		out[i] = Input{
			Kind:    wire.KindRegSelect,
			SeqLen:  g.SeqLen,
			FullSeq: g.FullSeq,
			RegSelect: &wire.RegSelect{
				GPSelect:  gpSelect,
				FPSelect:  fpSelect,
				VecSelect: vecSelect,
				InstrSeq:  instrs,
				SeqLen:    g.SeqLen,
				FullSeq:   g.FullSeq,
			},
		}
	}
	return out
}

func (g *RandomDiffGenerator) chooseMnemonic(mnemonics []string, r *rng.MT19937) string {
	if g.Weights != nil {
		return g.Weights.Choose(r)
	}
	return mnemonics[r.Intn(len(mnemonics))]
}

func randomBytes(r *rng.MT19937, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.Uint32())
	}
	return out
}

// BuildFlags implements Generator: the random-diff generator needs
// WITH_REGS (it reports register changes) and, when configured for
// per-step results, JUST nothing extra beyond what Flags already encode
// — seq-length limits are transport concerns the caller owns.
func (g *RandomDiffGenerator) BuildFlags() (repro, nonRepro []string) {
	repro = append(repro, "-DWITH_REGS")
	if g.Flags.Vector {
		repro = append(repro, "-DVECTOR")
	}
	if g.Flags.Floats {
		repro = append(repro, "-DFLOATS")
	}
	return repro, nonRepro
}
