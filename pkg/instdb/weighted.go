package instdb

import (
	"sort"

	"github.com/oisee/riscover/pkg/rng"
)

// Weights is a precomputed weighted-choice table over a DB's mnemonics,
// biased to favor mnemonics the fuzz scheduler has exercised least
//. Rebuild it periodically
// from fresh hit-counts; it is immutable once built.
type Weights struct {
	mnemonics  []string
	cumulative []float64 // cumulative[i] is the upper bound of mnemonics[i]'s slot
	total      float64
}

// NewWeights builds a Weights table from per-mnemonic hit counts. Any
// mnemonic in db.Mnemonics() absent from counts (or present with count 0)
// is treated as unseen and assigned the minimum weight in the table,
// rather than the maximum a naive inverse-frequency weighting would give
// it — this keeps a freshly-added or as-yet-unexercised mnemonic from
// dominating the very next batch.
func NewWeights(mnemonics []string, counts map[string]int) *Weights {
	n := len(mnemonics)
	if n == 0 {
		return &Weights{}
	}

	// Winsorize: cap each count at the median count, so a handful of
	// very-frequently-chosen mnemonics don't flatten every other
	// mnemonic's relative weight to near zero.
	sorted := make([]int, n)
	for i, m := range mnemonics {
		sorted[i] = counts[m]
	}
	sort.Ints(sorted)
	median := sorted[n/2]

	raw := make([]float64, n)
	seen := make([]bool, n)
	for i, m := range mnemonics {
		c := counts[m]
		seen[i] = c > 0
		if c > median {
			c = median
		}
		raw[i] = float64(c)
	}

	// Invert: fewer hits -> higher weight. +1 avoids division by zero for
	// a never-exercised mnemonic's winsorized count of 0.
	inv := make([]float64, n)
	minInv, maxInv := -1.0, -1.0
	for i, c := range raw {
		v := 1.0 / (c + 1.0)
		inv[i] = v
		if minInv < 0 || v < minInv {
			minInv = v
		}
		if maxInv < 0 || v > maxInv {
			maxInv = v
		}
	}

	// Rescale so the ratio of the largest to the smallest weight is 10.
	const targetRatio = 10.0
	weights := make([]float64, n)
	span := maxInv - minInv
	for i, v := range inv {
		var scaled float64
		if span == 0 {
			scaled = 1.0
		} else {
			frac := (v - minInv) / span // 0..1
			scaled = 1.0 + frac*(targetRatio-1.0)
		}
		weights[i] = scaled
	}

	// Unseen mnemonics are pinned to the table's minimum weight rather
	// than left at whatever the inversion produced (which, for a count
	// of 0, would usually be the maximum).
	minWeight := weights[0]
	for _, w := range weights {
		if w < minWeight {
			minWeight = w
		}
	}
	for i := range weights {
		if !seen[i] {
			weights[i] = minWeight
		}
	}

	w := &Weights{mnemonics: append([]string(nil), mnemonics...)}
	cum := make([]float64, n)
	var running float64
	for i, v := range weights {
		running += v
		cum[i] = running
	}
	w.cumulative = cum
	w.total = running
	return w
}

// Choose draws one mnemonic proportional to its weight.
func (w *Weights) Choose(r *rng.MT19937) string {
	if len(w.mnemonics) == 0 {
		return ""
	}
	target := r.Float64() * w.total
	idx := sort.Search(len(w.cumulative), func(i int) bool {
		return w.cumulative[i] >= target
	})
	if idx >= len(w.mnemonics) {
		idx = len(w.mnemonics) - 1
	}
	return w.mnemonics[idx]
}

// WeightedChoice draws one mnemonic from db's full mnemonic set, weighted
// by counts per NewWeights' strategy. Convenience wrapper for callers
// that don't need to reuse a Weights table across many draws.
func (db *DB) WeightedChoice(counts map[string]int, r *rng.MT19937) string {
	return NewWeights(db.Mnemonics(), counts).Choose(r)
}
