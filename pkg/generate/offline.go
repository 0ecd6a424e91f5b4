package generate

import "github.com/oisee/riscover/pkg/wire"

// OfflineSeqGenerator packs a tiny JustSeqNum message per counter instead
// of shipping the expanded sequence; every message carries the same
// BatchCount set at construction, and a batch of counters is not merged
// into one message. The runner (or a co-located expansion binary) must
// compute the identical PRNG sequence; Inner does that same computation
// server-side, used only when a result needs to become a full
// reproducer — this trades network bytes for re-computation on log
// events.
type OfflineSeqGenerator struct {
	Inner      *RandomDiffGenerator
	BatchCount uint16
}

// Generate implements Generator: emits one JustSeqNum Input per counter,
// batch_count fixed at construction.
func (g *OfflineSeqGenerator) Generate(counter uint64, n int) []Input {
	out := make([]Input, n)
	for i := 0; i < n; i++ {
		c := counter + uint64(i)
		out[i] = Input{
			Kind:    wire.KindJustSeqNum,
			SeqLen:  g.Inner.SeqLen,
			FullSeq: g.Inner.FullSeq,
			JustSeqNum: &wire.JustSeqNum{
				SeqNum:     c,
				BatchCount: g.BatchCount,
				SeqLen:     g.Inner.SeqLen,
				FullSeq:    g.Inner.FullSeq,
			},
		}
	}
	return out
}

// BuildFlags implements Generator.
func (g *OfflineSeqGenerator) BuildFlags() (repro, nonRepro []string) {
	repro, nonRepro = g.Inner.BuildFlags()
	repro = append(repro, "-DJUST_SEQ_NUM")
	return repro, nonRepro
}

// Expand recomputes the full RegSelect input for counter exactly as the
// runner would, for reproducer synthesis.
func (g *OfflineSeqGenerator) Expand(counter uint64) Input {
	return g.Inner.Generate(counter, 1)[0]
}
