// Package diffengine implements result clustering, the filter layer,
// the minimal-diff tree search, and the reproducer writer. The writer's
// bookkeeping style (a mutex-guarded accumulator) generalizes a flat
// table of rules into one reproducer file per real disagreement.
package diffengine

import (
	"github.com/oisee/riscover/pkg/session"
	"github.com/oisee/riscover/pkg/wire"
)

// ClientResult pairs one client's result for one input with its identity.
// Same shape as fuzzsched.ClientResult so scheduler output feeds straight
// into Cluster without conversion.
type ClientResult struct {
	Meta session.ClientMeta
	MR   wire.MultiResult
}

// ClusterEntry is one equivalence class of clients that saw the same
// Result, in first-seen order.
type ClusterEntry struct {
	Result  wire.Result
	Clients []session.ClientMeta
}

// Cluster groups clientResults by Result equality. eq lets callers plug
// in either strict equality or a filtered/lenient equality.
func Cluster(results []ClientResult, eq func(a, b wire.Result) bool) []ClusterEntry {
	var clusters []ClusterEntry
	for _, cr := range results {
		res := singleResult(cr.MR)
		placed := false
		for i := range clusters {
			if eq(clusters[i].Result, res) {
				clusters[i].Clients = append(clusters[i].Clients, cr.Meta)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, ClusterEntry{Result: res, Clients: []session.ClientMeta{cr.Meta}})
		}
	}
	return clusters
}

// singleResult collapses a MultiResult to the Result that matters for
// whole-input clustering: the last step's outcome. Per-step results in a
// full sequence are for diagnosis only; the cluster key is the
// sequence's final state.
func singleResult(mr wire.MultiResult) wire.Result {
	if len(mr.Steps) == 0 {
		return wire.Result{}
	}
	return mr.Steps[len(mr.Steps)-1]
}

// StrictEqual is the unfiltered equality: every field must match exactly.
func StrictEqual(a, b wire.Result) bool {
	return a.Equal(b)
}

// NonTrivialClusterCount counts clusters with more than one member, or
// any cluster that disagrees with the majority (size-1 clusters still
// count if there is more than one cluster overall — a single dissenting
// client among many agreeing ones is exactly what the fuzzer is looking
// for).
func NonTrivialClusterCount(clusters []ClusterEntry) int {
	if len(clusters) <= 1 {
		return len(clusters)
	}
	return len(clusters)
}

// SortClusters orders clusters by descending size (majority vote
// first). Ties are broken by ascending lexicographic minimum client
// hostname in the cluster, since equal-size ordering is otherwise
// unspecified.
func SortClusters(clusters []ClusterEntry) []ClusterEntry {
	out := append([]ClusterEntry(nil), clusters...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && lessCluster(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func lessCluster(a, b ClusterEntry) bool {
	if len(a.Clients) != len(b.Clients) {
		return len(a.Clients) > len(b.Clients)
	}
	return minHostname(a.Clients) < minHostname(b.Clients)
}

func minHostname(clients []session.ClientMeta) string {
	if len(clients) == 0 {
		return ""
	}
	min := clients[0].Hostname
	for _, c := range clients[1:] {
		if c.Hostname < min {
			min = c.Hostname
		}
	}
	return min
}
