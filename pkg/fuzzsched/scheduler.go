// Package fuzzsched drives the fuzz loop: a pool of workers that each
// deterministically claim a counter range, generate inputs, fan them out
// to clients, and hand per-input results to the diff engine. Uses a
// worker pool shape of atomic counters, a mutex-guarded shared counter,
// and a ticker-driven progress reporter.
package fuzzsched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oisee/riscover/pkg/diffengine"
	"github.com/oisee/riscover/pkg/generate"
	"github.com/oisee/riscover/pkg/session"
	"github.com/oisee/riscover/pkg/wire"
)

// ClientTarget is the minimal surface a worker needs: either a
// *session.Session or a *session.MultiClient satisfies it.
type ClientTarget interface {
	Schedule(payload []byte, nResults int, priority bool) (uint64, error)
	GetResults(ticket uint64) (wire.MultiResult, error)
}

// Client pairs a schedulable target with the identity metadata the diff
// engine and reproducer writer need.
type Client struct {
	Target ClientTarget
	Meta   session.ClientMeta
}

// ClientResult is one client's outcome for one input.
type ClientResult struct {
	Meta session.ClientMeta
	MR   wire.MultiResult
}

// BatchHandler is invoked once per generated input with every client's
// result for it, plus a reexec hook the handler can use to narrow a
// disagreement down to its shortest reproducing prefix before writing
// it. Return the number of reproducers written so the scheduler can
// track the hard cap.
type BatchHandler func(counter uint64, input generate.Input, results []ClientResult, reexec diffengine.ReExecFunc) (reproducersWritten int)

// Config configures one scheduler run.
type Config struct {
	NumWorkers int // default 50; 1 if SingleThread
	BatchSize  int
	Until      uint64 // 0 = unbounded
	ReproCap   int    // hard cap: 300,000

	Gen     generate.Generator
	Clients []Client
	OnBatch BatchHandler

	Flags wire.Flags
}

// Stats is updated under a single mutex.
type Stats struct {
	mu           sync.Mutex
	executed     uint64
	lostClients  int
	reproducers  int64
	startedAt    time.Time
}

func (s *Stats) print(w func(format string, args ...any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.startedAt)
	rate := float64(s.executed) / elapsed.Seconds()
	w("fuzzsched: executed=%d rate=%.1f/s lost_clients=%d reproducers=%d elapsed=%s",
		s.executed, rate, s.lostClients, s.reproducers, elapsed.Round(time.Second))
}

// Scheduler owns the shared counters and coordinates the worker pool
//.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex // guards counter
	counter uint64

	executedCounter   atomic.Uint64
	reproducerCounter atomic.Int64

	stats Stats
	Log   func(format string, args ...any)

	stopped atomic.Bool
}

// New builds a Scheduler from cfg, applying the default worker count
//").
func New(cfg Config) *Scheduler {
	if cfg.NumWorkers == 0 {
		if cfg.Flags.SingleThread {
			cfg.NumWorkers = 1
		} else {
			cfg.NumWorkers = 50
		}
	}
	if cfg.ReproCap == 0 {
		cfg.ReproCap = 300000
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	s := &Scheduler{cfg: cfg, Log: func(string, ...any) {}}
	s.stats.startedAt = time.Now()
	return s
}

// nextRange atomically claims the next contiguous counter range for one
// worker.
func (s *Scheduler) nextRange() (start uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return 0, false
	}
	if s.cfg.Until > 0 && s.counter >= s.cfg.Until {
		return 0, false
	}
	start = s.counter
	s.counter += uint64(s.cfg.BatchSize)
	return start, true
}

// Run starts the worker pool and blocks until every worker exits, either
// because the counter exhausted Until, all workers degraded below 2
// live clients, or the reproducer cap was hit.
func (s *Scheduler) Run() {
	var wg sync.WaitGroup
	stopTicker := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.stats.print(s.Log)
			case <-stopTicker:
				return
			}
		}
	}()

	var workers sync.WaitGroup
	for w := 0; w < s.cfg.NumWorkers; w++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			s.workerLoop(id)
		}(w)
	}
	workers.Wait()

	close(stopTicker)
	wg.Wait()
	s.stats.print(s.Log)
}

func (s *Scheduler) workerLoop(id int) {
	live := append([]Client(nil), s.cfg.Clients...)

	for {
		if s.reproducerCounter.Load() >= int64(s.cfg.ReproCap) {
			s.Log("fuzzsched: worker %d exiting, reproducer cap reached", id)
			s.stopped.Store(true)
			return
		}
		if len(live) < 2 {
			s.Log("fuzzsched: worker %d exiting, fewer than 2 live clients remain", id)
			return
		}

		start, ok := s.nextRange()
		if !ok {
			return
		}

		inputs := s.cfg.Gen.Generate(start, s.cfg.BatchSize)
		perInput, lost := s.executeInputsOnClients(inputs, live)
		for _, hostname := range lost {
			live = removeByHostname(live, hostname)
			s.stats.mu.Lock()
			s.stats.lostClients++
			s.stats.mu.Unlock()
		}

		if s.cfg.OnBatch != nil {
			for i, input := range inputs {
				reexec := s.makeReExec(input, live)
				n := s.cfg.OnBatch(start+uint64(i), input, perInput[i], reexec)
				if n > 0 {
					s.reproducerCounter.Add(int64(n))
				}
			}
		}

		s.executedCounter.Add(uint64(len(inputs)))
		s.stats.mu.Lock()
		s.stats.executed += uint64(len(inputs))
		s.stats.reproducers = s.reproducerCounter.Load()
		s.stats.mu.Unlock()
	}
}

// executeInputsOnClients packs once per input, schedules once per
// client, and collects via all tickets. Every input is scheduled on every
// client up front, so on a client death mid-batch it reports the loss,
// skips that client's remaining tickets, and still collects every input's
// results from the surviving clients; nothing is rescheduled.
func (s *Scheduler) executeInputsOnClients(inputs []generate.Input, clients []Client) (perInput [][]ClientResult, lostHostnames []string) {
	perInput = make([][]ClientResult, len(inputs))

	type ticketEntry struct {
		client Client
		ticket uint64
	}
	tickets := make([][]ticketEntry, len(inputs))

	liveSet := make(map[string]bool, len(clients))
	for _, c := range clients {
		liveSet[c.Meta.Hostname] = true
	}

	for i, input := range inputs {
		payload := input.Pack(s.cfg.Flags)
		nResults := input.NResults()
		for _, c := range clients {
			if !liveSet[c.Meta.Hostname] {
				continue
			}
			ticket, err := c.Target.Schedule(payload, nResults, false)
			if err != nil {
				liveSet[c.Meta.Hostname] = false
				lostHostnames = append(lostHostnames, c.Meta.Hostname)
				continue
			}
			tickets[i] = append(tickets[i], ticketEntry{client: c, ticket: ticket})
		}
	}

	for i, entries := range tickets {
		for _, e := range entries {
			if !liveSet[e.client.Meta.Hostname] {
				continue
			}
			mr, err := e.client.Target.GetResults(e.ticket)
			if err != nil {
				liveSet[e.client.Meta.Hostname] = false
				lostHostnames = append(lostHostnames, e.client.Meta.Hostname)
				continue
			}
			perInput[i] = append(perInput[i], ClientResult{Meta: e.client.Meta, MR: mr})
		}
	}

	return perInput, dedupe(lostHostnames)
}

// makeReExec builds a diffengine.ReExecFunc bound to input and the
// clients still live for this batch: each call truncates input to
// seqLen, schedules it with priority on every live client, and collects
// results, feeding the minimal-diff prefix search without it needing to
// know anything about sessions.
func (s *Scheduler) makeReExec(input generate.Input, live []Client) diffengine.ReExecFunc {
	return func(seqLen uint8) ([]diffengine.ClientResult, error) {
		truncated := input.Truncated(seqLen)
		payload := truncated.Pack(s.cfg.Flags)
		nResults := truncated.NResults()

		out := make([]diffengine.ClientResult, 0, len(live))
		for _, c := range live {
			ticket, err := c.Target.Schedule(payload, nResults, true)
			if err != nil {
				continue
			}
			mr, err := c.Target.GetResults(ticket)
			if err != nil {
				continue
			}
			out = append(out, diffengine.ClientResult{Meta: c.Meta, MR: mr})
		}
		return out, nil
	}
}

func removeByHostname(clients []Client, hostname string) []Client {
	out := clients[:0]
	for _, c := range clients {
		if c.Meta.Hostname != hostname {
			out = append(out, c)
		}
	}
	return out
}

func dedupe(hostnames []string) []string {
	seen := make(map[string]bool, len(hostnames))
	var out []string
	for _, h := range hostnames {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// Executed returns the total number of inputs processed so far.
func (s *Scheduler) Executed() uint64 { return s.executedCounter.Load() }

// Reproducers returns the running reproducer count.
func (s *Scheduler) Reproducers() int64 { return s.reproducerCounter.Load() }

// ErrReproducerCapReached is returned by StopReason when Run exited
// because the hard reproducer cap was hit, as opposed to exhausting
// Until or every worker losing enough clients to continue.
var ErrReproducerCapReached = fmt.Errorf("fuzzsched: reproducer cap reached")

// StopReason reports why Run returned, once it has. Returns nil if the
// run exhausted Until (or stopped for any other reason the scheduler
// doesn't distinguish) rather than the reproducer cap.
func (s *Scheduler) StopReason() error {
	if s.stopped.Load() && s.reproducerCounter.Load() >= int64(s.cfg.ReproCap) {
		return ErrReproducerCapReached
	}
	return nil
}
