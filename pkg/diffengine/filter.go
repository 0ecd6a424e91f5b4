package diffengine

import "github.com/oisee/riscover/pkg/wire"

// SignalNumbers carries the platform signal values the filter needs to
// recognize, since they differ across test environments and are not
// baked into package wire.
type SignalNumbers struct {
	OK     uint8 // 0 on every platform, kept explicit for readability
	SIGBUS uint8
	SIGILL uint8
}

// FilterConfig configures the noise-cancellation pass applied before
// clustering two results are treated as "the same". Every field defaults
// to off; callers opt into each rule explicitly.
type FilterConfig struct {
	Signals SignalNumbers

	IgnoreRegIndices map[uint8]bool // e.g. the flags/pstate register
	IgnoreSiAddr     bool
	IgnoreSiPC       bool
	IgnoreSiCode     bool

	// PageBoundaryStoreNoise ignores a mem_diffs-only disagreement whose
	// delta is confined to the last PageTailBytes bytes of a PageSize
	// page (speculative-store / guard-page artifacts near an unmapped
	// next page).
	PageBoundaryStoreNoise bool
	PageSize               uint64
	PageTailBytes          uint64

	// SigbusOkEquivalence treats OK and SIGBUS as the same outcome in
	// either direction, for architectures where an unaligned access
	// sometimes traps and sometimes doesn't depending on microarch.
	SigbusOkEquivalence bool
}

// DefaultPageFilter returns the common 4KiB-page / 32-byte-tail
// configuration.
func DefaultPageFilter() (pageSize, tailBytes uint64) { return 4096, 32 }

// Canonicalize rewrites r to drop fields the configuration says not to
// compare, and applies the OK/SIGBUS equivalence. The output is only
// ever used for comparison and clustering output, never sent back over
// the wire.
func (cfg FilterConfig) Canonicalize(r wire.Result) wire.Result {
	out := r
	out.RegsAfter = append([]wire.RegValue(nil), r.RegsAfter...)
	out.MemDiffs = append([]wire.MemDiff(nil), r.MemDiffs...)

	if cfg.IgnoreSiAddr {
		out.SiAddr = 0
	}
	if cfg.IgnoreSiPC {
		out.SiPC = 0
	}
	if cfg.IgnoreSiCode {
		out.SiCode = 0
	}
	if len(cfg.IgnoreRegIndices) > 0 {
		filtered := out.RegsAfter[:0]
		for _, rv := range out.RegsAfter {
			if !cfg.IgnoreRegIndices[rv.Index] {
				filtered = append(filtered, rv)
			}
		}
		out.RegsAfter = filtered
	}
	if cfg.SigbusOkEquivalence {
		if out.Signum == cfg.Signals.SIGBUS {
			out.Signum = cfg.Signals.OK
		}
	}
	return out
}

// Equal is the filtered equality used for clustering: canonicalize both
// sides, then compare, then apply the page-boundary store-noise rule to
// any remaining mem_diffs-only disagreement.
func (cfg FilterConfig) Equal(a, b wire.Result) bool {
	ca := cfg.Canonicalize(a)
	cb := cfg.Canonicalize(b)
	if ca.Equal(cb) {
		return true
	}
	if !cfg.PageBoundaryStoreNoise {
		return false
	}
	return cfg.onlyPageTailMemDiffers(ca, cb)
}

// onlyPageTailMemDiffers reports whether ca and cb are identical apart
// from mem_diffs, and every mem_diffs entry that differs (or exists on
// only one side) falls within the last PageTailBytes of a PageSize page.
func (cfg FilterConfig) onlyPageTailMemDiffers(ca, cb wire.Result) bool {
	sameExceptMem := ca.Signum == cb.Signum &&
		ca.CycleDelta == cb.CycleDelta &&
		ca.InstretDelta == cb.InstretDelta &&
		ca.SiAddr == cb.SiAddr && ca.SiPC == cb.SiPC && ca.SiCode == cb.SiCode &&
		regsEqualUnordered(ca.RegsAfter, cb.RegsAfter)
	if !sameExceptMem {
		return false
	}

	pageSize := cfg.PageSize
	tail := cfg.PageTailBytes
	if pageSize == 0 {
		pageSize, tail = DefaultPageFilter()
	}

	diffs := diffMemRegions(ca.MemDiffs, cb.MemDiffs)
	for _, d := range diffs {
		if !inPageTail(d.Start, pageSize, tail) {
			return false
		}
	}
	return true
}

type memRegion struct{ Start uint64 }

// diffMemRegions returns the regions present in one side only, or
// present in both with a different CRC32/prefix.
func diffMemRegions(a, b []wire.MemDiff) []memRegion {
	byStart := make(map[uint64]wire.MemDiff, len(b))
	for _, d := range b {
		byStart[d.Start] = d
	}
	var out []memRegion
	seen := make(map[uint64]bool, len(a))
	for _, d := range a {
		seen[d.Start] = true
		other, ok := byStart[d.Start]
		if !ok || other.CRC32 != d.CRC32 || string(other.ValPrefix) != string(d.ValPrefix) {
			out = append(out, memRegion{Start: d.Start})
		}
	}
	for _, d := range b {
		if !seen[d.Start] {
			out = append(out, memRegion{Start: d.Start})
		}
	}
	return out
}

func inPageTail(start, pageSize, tail uint64) bool {
	offsetInPage := start % pageSize
	return offsetInPage >= pageSize-tail
}

func regsEqualUnordered(a, b []wire.RegValue) bool {
	if len(a) != len(b) {
		return false
	}
	byIdx := make(map[uint8][16]byte, len(b))
	for _, rv := range b {
		byIdx[rv.Index] = rv.Value
	}
	for _, rv := range a {
		v, ok := byIdx[rv.Index]
		if !ok || v != rv.Value {
			return false
		}
	}
	return true
}

// PruneSigillSoloClusters drops any single-client cluster whose result
// is SIGILL when every other client landed in one shared cluster — an
// instruction one core's kernel doesn't implement is not an instruction
// worth a reproducer for.
func PruneSigillSoloClusters(clusters []ClusterEntry, signals SignalNumbers) []ClusterEntry {
	if len(clusters) < 2 {
		return clusters
	}
	var out []ClusterEntry
	for _, c := range clusters {
		if len(c.Clients) == 1 && c.Result.Signum == signals.SIGILL && len(clusters) == 2 {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return clusters
	}
	return out
}
