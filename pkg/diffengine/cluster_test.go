package diffengine

import (
	"testing"

	"github.com/oisee/riscover/pkg/session"
	"github.com/oisee/riscover/pkg/wire"
)

func mr(signum uint8, regs ...wire.RegValue) wire.MultiResult {
	return wire.MultiResult{Steps: []wire.Result{{Signum: signum, RegsAfter: regs}}}
}

func reg(idx uint8, lo uint64) wire.RegValue {
	var v [16]byte
	for i := 0; i < 8; i++ {
		v[i] = byte(lo >> (8 * i))
	}
	return wire.RegValue{Index: idx, Value: v}
}

func TestClusterGroupsByStrictEquality(t *testing.T) {
	results := []ClientResult{
		{Meta: session.ClientMeta{Hostname: "a"}, MR: mr(0, reg(0, 1))},
		{Meta: session.ClientMeta{Hostname: "b"}, MR: mr(0, reg(0, 1))},
		{Meta: session.ClientMeta{Hostname: "c"}, MR: mr(0, reg(0, 2))},
	}
	clusters := Cluster(results, StrictEqual)
	if len(clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(clusters))
	}
	if len(clusters[0].Clients) != 2 || len(clusters[1].Clients) != 1 {
		t.Errorf("unexpected cluster sizes: %d, %d", len(clusters[0].Clients), len(clusters[1].Clients))
	}
}

func TestSortClustersOrdersByDescendingSizeThenHostname(t *testing.T) {
	clusters := []ClusterEntry{
		{Result: wire.Result{Signum: 1}, Clients: []session.ClientMeta{{Hostname: "z"}}},
		{Result: wire.Result{Signum: 0}, Clients: []session.ClientMeta{{Hostname: "b"}, {Hostname: "a"}}},
		{Result: wire.Result{Signum: 2}, Clients: []session.ClientMeta{{Hostname: "y"}}},
	}
	sorted := SortClusters(clusters)
	if len(sorted[0].Clients) != 2 {
		t.Fatalf("expected the 2-member cluster first, got %d members", len(sorted[0].Clients))
	}
	if sorted[1].Clients[0].Hostname != "y" || sorted[2].Clients[0].Hostname != "z" {
		t.Errorf("single-member clusters not tie-broken by hostname: got %s, %s",
			sorted[1].Clients[0].Hostname, sorted[2].Clients[0].Hostname)
	}
}

func TestFilterConfigIgnoresConfiguredRegisterAndSiFields(t *testing.T) {
	cfg := FilterConfig{
		IgnoreRegIndices: map[uint8]bool{31: true},
		IgnoreSiAddr:     true,
	}
	a := wire.Result{Signum: 11, SiAddr: 0x1000, RegsAfter: []wire.RegValue{reg(0, 5), reg(31, 0xAAAA)}}
	b := wire.Result{Signum: 11, SiAddr: 0x2000, RegsAfter: []wire.RegValue{reg(0, 5), reg(31, 0xBBBB)}}
	if !cfg.Equal(a, b) {
		t.Error("expected results to be equal once the flags register and si_addr are ignored")
	}
}

func TestFilterConfigSigbusOkEquivalence(t *testing.T) {
	cfg := FilterConfig{SigbusOkEquivalence: true, Signals: SignalNumbers{OK: 0, SIGBUS: 7}}
	a := wire.Result{Signum: 0}
	b := wire.Result{Signum: 7}
	if !cfg.Equal(a, b) {
		t.Error("expected OK and SIGBUS to be treated as equivalent")
	}
}

func TestFilterConfigPageBoundaryStoreNoise(t *testing.T) {
	cfg := FilterConfig{PageBoundaryStoreNoise: true, PageSize: 4096, PageTailBytes: 32}
	a := wire.Result{Signum: 0, MemDiffs: []wire.MemDiff{{Start: 4096*3 - 16, CRC32: 1}}}
	b := wire.Result{Signum: 0, MemDiffs: []wire.MemDiff{{Start: 4096*3 - 16, CRC32: 2}}}
	if !cfg.Equal(a, b) {
		t.Error("expected page-tail-only mem_diffs delta to be filtered as noise")
	}

	c := wire.Result{Signum: 0, MemDiffs: []wire.MemDiff{{Start: 4096 * 3 / 2, CRC32: 1}}}
	d := wire.Result{Signum: 0, MemDiffs: []wire.MemDiff{{Start: 4096 * 3 / 2, CRC32: 2}}}
	if cfg.Equal(c, d) {
		t.Error("expected a mid-page mem_diffs delta to NOT be filtered")
	}
}

func TestPruneSigillSoloClusters(t *testing.T) {
	signals := SignalNumbers{SIGILL: 4}
	clusters := []ClusterEntry{
		{Result: wire.Result{Signum: 0}, Clients: []session.ClientMeta{{Hostname: "a"}, {Hostname: "b"}}},
		{Result: wire.Result{Signum: 4}, Clients: []session.ClientMeta{{Hostname: "c"}}},
	}
	pruned := PruneSigillSoloClusters(clusters, signals)
	if len(pruned) != 1 {
		t.Fatalf("expected the solo SIGILL cluster to be pruned, got %d clusters", len(pruned))
	}
}

func TestMinimalDiffStopsAtFirstReproducingLength(t *testing.T) {
	calls := 0
	reexec := func(seqLen uint8) ([]ClientResult, error) {
		calls++
		signum := uint8(0)
		if seqLen >= 3 {
			signum = 11
		}
		return []ClientResult{
			{Meta: session.ClientMeta{Hostname: "a"}, MR: mr(0)},
			{Meta: session.ClientMeta{Hostname: "b"}, MR: mr(signum)},
		}, nil
	}
	result, err := MinimalDiff(8, StrictEqual, SignalNumbers{}, reexec)
	if err != nil {
		t.Fatalf("MinimalDiff: %v", err)
	}
	if result.SeqLen != 3 {
		t.Errorf("SeqLen = %d, want 3", result.SeqLen)
	}
	if calls != 3 {
		t.Errorf("reexec called %d times, want 3", calls)
	}
}
