package diffengine

import "github.com/oisee/riscover/pkg/wire"

// ReExecFunc re-executes the same randomly-chosen instruction sequence
// truncated to seqLen instructions on every still-relevant client, and
// returns each client's result for that truncated run. Supplied by the
// caller (the scheduler glue in cmd/riscoverd), since only it has live
// sessions to schedule against.
type ReExecFunc func(seqLen uint8) ([]ClientResult, error)

// MinimalDiffResult is the outcome of narrowing a full-length
// disagreement down to the shortest instruction prefix that still
// reproduces it.
type MinimalDiffResult struct {
	SeqLen   uint8
	Clusters []ClusterEntry
}

// MinimalDiff searches seqLen = 1..maxSeqLen for the first prefix length
// that still splits clients into more than one cluster under eq,
// shrinking a multi-instruction disagreement down to the smallest
// reproducer before it's written to disk. Once every live client has
// signaled (non-OK signum), growing the prefix further cannot change any
// outcome, so the search stops early rather than walking to maxSeqLen.
func MinimalDiff(maxSeqLen uint8, eq func(a, b wire.Result) bool, signals SignalNumbers, reexec ReExecFunc) (MinimalDiffResult, error) {
	var last MinimalDiffResult
	for seqLen := uint8(1); seqLen <= maxSeqLen; seqLen++ {
		results, err := reexec(seqLen)
		if err != nil {
			return MinimalDiffResult{}, err
		}
		clusters := Cluster(results, eq)
		last = MinimalDiffResult{SeqLen: seqLen, Clusters: clusters}

		if len(clusters) > 1 {
			return last, nil
		}
		if allSignaled(results, signals) {
			break
		}
	}
	return last, nil
}

// allSignaled reports whether every client's last step already raised a
// non-OK signal, meaning a longer prefix cannot add new information: the
// instructions after the fault never execute.
func allSignaled(results []ClientResult, signals SignalNumbers) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		res := singleResult(r.MR)
		if res.Signum == signals.OK {
			return false
		}
	}
	return true
}
