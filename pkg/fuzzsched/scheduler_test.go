package fuzzsched

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/oisee/riscover/pkg/diffengine"
	"github.com/oisee/riscover/pkg/generate"
	"github.com/oisee/riscover/pkg/session"
	"github.com/oisee/riscover/pkg/wire"
)

// fakeTarget answers with empty successful results, or fails every call
// with a LostClient once dead is set.
type fakeTarget struct {
	nextTicket atomic.Uint64
	mu         sync.Mutex
	pending    map[uint64]int
	dead       bool
}

func newFakeTarget() *fakeTarget { return &fakeTarget{pending: make(map[uint64]int)} }

func (f *fakeTarget) Schedule(payload []byte, nResults int, priority bool) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return 0, &session.LostClient{Unrelated: true}
	}
	t := f.nextTicket.Add(1)
	f.pending[t] = nResults
	return t, nil
}

func (f *fakeTarget) GetResults(ticket uint64) (wire.MultiResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return wire.MultiResult{}, &session.LostClient{Ticket: ticket}
	}
	n := f.pending[ticket]
	steps := make([]wire.Result, n)
	return wire.MultiResult{Steps: steps}, nil
}

func testGen() generate.Generator {
	return &constGenerator{}
}

type constGenerator struct{}

func (constGenerator) Generate(counter uint64, n int) []generate.Input {
	out := make([]generate.Input, n)
	for i := range out {
		out[i] = generate.Input{
			Kind:    wire.KindRegSelect,
			SeqLen:  1,
			FullSeq: false,
			RegSelect: &wire.RegSelect{
				GPSelect: []byte{0},
				InstrSeq: []uint32{0x11111111},
				SeqLen:   1,
			},
		}
	}
	return out
}
func (constGenerator) BuildFlags() ([]string, []string) { return nil, nil }

func TestSchedulerRunsAllClients(t *testing.T) {
	a := newFakeTarget()
	b := newFakeTarget()
	var onBatchCalls int
	var mu sync.Mutex

	cfg := Config{
		BatchSize: 4,
		Until:     20,
		Gen:       testGen(),
		Clients: []Client{
			{Target: a, Meta: session.ClientMeta{Hostname: "a"}},
			{Target: b, Meta: session.ClientMeta{Hostname: "b"}},
		},
		OnBatch: func(counter uint64, input generate.Input, results []ClientResult, reexec diffengine.ReExecFunc) int {
			mu.Lock()
			onBatchCalls++
			mu.Unlock()
			if len(results) != 2 {
				t.Errorf("counter %d: got %d client results, want 2", counter, len(results))
			}
			return 0
		},
	}
	sched := New(cfg)
	sched.Run()

	if sched.Executed() != 20 {
		t.Errorf("Executed() = %d, want 20", sched.Executed())
	}
	mu.Lock()
	defer mu.Unlock()
	if onBatchCalls != 20 {
		t.Errorf("onBatchCalls = %d, want 20", onBatchCalls)
	}
}

func TestSchedulerDegradesBelowTwoClients(t *testing.T) {
	a := newFakeTarget()
	b := newFakeTarget()
	b.dead = true // dies on first contact

	cfg := Config{
		BatchSize: 1,
		Until:     1000000, // effectively unbounded; degradation should stop it early
		NumWorkers: 1,
		Gen:     testGen(),
		Clients: []Client{
			{Target: a, Meta: session.ClientMeta{Hostname: "a"}},
			{Target: b, Meta: session.ClientMeta{Hostname: "b"}},
		},
		OnBatch: func(uint64, generate.Input, []ClientResult, diffengine.ReExecFunc) int { return 0 },
	}
	sched := New(cfg)
	sched.Run()

	if sched.Executed() >= 1000000 {
		t.Errorf("expected early exit from degradation, but ran to completion")
	}
}
