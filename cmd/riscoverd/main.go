// Command riscoverd is the fuzz server: it accepts runner connections,
// groups them into logical clients, drives the fuzz scheduler against a
// generator, clusters and filters results through the diff engine, and
// writes reproducers for anything that disagrees.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/oisee/riscover/pkg/clihelp"
	"github.com/oisee/riscover/pkg/diffengine"
	"github.com/oisee/riscover/pkg/fuzzsched"
	"github.com/oisee/riscover/pkg/generate"
	"github.com/oisee/riscover/pkg/instdb"
	"github.com/oisee/riscover/pkg/rtconfig"
	"github.com/oisee/riscover/pkg/session"
	"github.com/oisee/riscover/pkg/wire"
)

func main() {
	var (
		listenAddr    string
		archStr       string
		instdbPath    string
		numClients    int
		numWorkers    int
		seqLen        uint8
		seed          uint64
		reproDir      string
		reproCap      int
		groupByStr    string
		until         uint64
		vector        bool
		floats        bool
		checkMem      bool
		verbose       bool
	)

	rootCmd := &cobra.Command{
		Use:   "riscoverd",
		Short: "riscoverd — distributed differential instruction fuzzer server",
	}

	fuzzCmd := &cobra.Command{
		Use:   "fuzz",
		Short: "accept runner connections and fuzz until interrupted or --until is reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			isa, err := clihelp.ParseISA(archStr)
			if err != nil {
				return err
			}
			groupBy, err := clihelp.ParseGroupBy(groupByStr)
			if err != nil {
				return err
			}

			log, err := rtconfig.NewLogger(verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			raiseFileLimit(log)

			specs, err := loadRecordSpecs(instdbPath)
			if err != nil {
				return fmt.Errorf("riscoverd: %w", err)
			}
			db, err := instdb.NewDB(isa, specs)
			if err != nil {
				return fmt.Errorf("riscoverd: build instruction db: %w", err)
			}
			log.Infow("instruction database loaded", "isa", isa.String(), "mnemonics", db.Len())
			for _, w := range db.Warnings() {
				log.Warnw(w)
			}

			flags := wire.Flags{
				ISA:       isa,
				Vector:    vector,
				Floats:    floats,
				CheckMem:  checkMem,
				WithRegs:  true,
				MaxSeqLen: int(seqLen),
				NumGP:     numGPFor(isa),
				NumFP:     numFPFor(isa, floats),
				NumVec:    numVecFor(isa, vector),
			}

			rc := rtconfig.New(isa, flags, log)

			writer := diffengine.NewWriter(reproDir, reproCap)

			sessions, err := acceptClients(listenAddr, numClients, rc)
			if err != nil {
				return err
			}
			log.Infow("clients connected", "count", len(sessions))

			clients := groupClients(sessions, groupBy)

			gen := &generate.RandomDiffGenerator{
				DB:      db,
				Flags:   flags,
				Seed:    seed,
				SeqLen:  seqLen,
				FullSeq: false,
				NumRegs: 8,
			}

			filterCfg := diffengine.FilterConfig{
				Signals: diffengine.SignalNumbers{OK: 0, SIGBUS: 7, SIGILL: 4},
			}

			sched := fuzzsched.New(fuzzsched.Config{
				NumWorkers: numWorkers,
				Until:      until,
				ReproCap:   reproCap,
				Gen:        gen,
				Clients:    clients,
				Flags:      flags,
				OnBatch:    onBatch(db, flags, writer, filterCfg, log),
			})
			sched.Log = func(format string, args ...any) { log.Infof(format, args...) }

			sched.Run()
			if err := sched.StopReason(); err != nil {
				log.Infow("fuzz run stopped", "reason", err)
			}
			log.Infow("fuzz run complete", "reproducers_written", writer.Count())
			return nil
		},
	}
	fuzzCmd.Flags().StringVar(&listenAddr, "listen", ":9000", "TCP address to accept runner connections on")
	fuzzCmd.Flags().StringVar(&archStr, "arch", "aarch64", "target ISA: aarch64 or riscv64")
	fuzzCmd.Flags().StringVar(&instdbPath, "instdb", "", "path to a YAML/JSON instruction record spec file")
	fuzzCmd.Flags().IntVar(&numClients, "clients", 2, "number of runner connections to accept before starting")
	fuzzCmd.Flags().IntVar(&numWorkers, "workers", 0, "worker goroutines (0 = default: 50)")
	fuzzCmd.Flags().Uint8Var(&seqLen, "seq-len", 1, "instructions generated per input")
	fuzzCmd.Flags().Uint64Var(&seed, "seed", 1, "PRNG seed")
	fuzzCmd.Flags().StringVar(&reproDir, "repro-dir", "./reproducers", "directory to write reproducer YAML files to")
	fuzzCmd.Flags().IntVar(&reproCap, "repro-cap", 300000, "stop once this many reproducers have been written")
	fuzzCmd.Flags().StringVar(&groupByStr, "group-by", "none", "client grouping: none, midr, one-per-midr, hostname, hostname-microarch")
	fuzzCmd.Flags().Uint64Var(&until, "until", 0, "stop after this many counter values (0 = unbounded)")
	fuzzCmd.Flags().BoolVar(&vector, "vector", false, "include vector registers in generated inputs")
	fuzzCmd.Flags().BoolVar(&floats, "floats", false, "include FP registers in generated inputs")
	fuzzCmd.Flags().BoolVar(&checkMem, "check-mem", false, "request memory-diff reporting from runners")
	fuzzCmd.Flags().BoolVar(&verbose, "verbose", false, "enable development-mode (human readable) logging")

	rootCmd.AddCommand(fuzzCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// raiseFileLimit bumps RLIMIT_NOFILE to its hard ceiling so accepting
// hundreds of runner connections doesn't hit "too many open files".
func raiseFileLimit(log interface{ Warnw(string, ...any) }) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		log.Warnw("getrlimit failed", "error", err)
		return
	}
	rlim.Cur = rlim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		log.Warnw("raising RLIMIT_NOFILE failed", "error", err, "attempted", rlim.Max)
	}
}

// loadRecordSpecs parses a YAML or JSON file of instdb.RecordSpec
// values. This parsing step, not instdb itself, owns the vendor-format
// decision — instdb only ever consumes an in-memory []RecordSpec.
func loadRecordSpecs(path string) ([]instdb.RecordSpec, error) {
	if path == "" {
		return nil, fmt.Errorf("loadRecordSpecs: --instdb is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loadRecordSpecs: %w", err)
	}
	var specs []instdb.RecordSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		if jsonErr := json.Unmarshal(data, &specs); jsonErr != nil {
			return nil, fmt.Errorf("loadRecordSpecs: parse %s as YAML or JSON: %w", path, err)
		}
	}
	return specs, nil
}

func numGPFor(isa instdb.ISA) int {
	if isa == instdb.RISCV64 {
		return 32
	}
	return 31
}

func numFPFor(isa instdb.ISA, floats bool) int {
	if !floats {
		return 0
	}
	return 32
}

func numVecFor(isa instdb.ISA, vector bool) int {
	if !vector {
		return 0
	}
	return 32 // Zn0-Zn31 (RISC-V V) and Zn0-Zn31 (AArch64 SVE) are both 32 registers
}

// acceptClients blocks on listenAddr until n connections have been
// accepted and their handshakes have finished. A connection whose
// handshake fails is logged and closed, so fewer than n sessions may be
// returned.
func acceptClients(addr string, n int, rc *rtconfig.RuntimeConfig) ([]*session.Session, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acceptClients: listen %s: %w", addr, err)
	}
	defer ln.Close()

	stats := &logStats{log: rc.Log}

	var (
		mu       sync.Mutex
		sessions []*session.Session
		wg       sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("acceptClients: accept: %w", err)
		}
		wg.Add(1)
		go func(conn net.Conn, seed uint64) {
			defer wg.Done()
			s, err := session.Accept(conn, rc.ISA == instdb.AArch64, rc.Flags, 256, seed, stats)
			if err != nil {
				rc.Log.Errorw("handshake failed", "error", err)
				conn.Close()
				return
			}
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
		}(conn, uint64(i)+1)
	}
	wg.Wait()
	return sessions, nil
}

// logStats implements session.StatsSink by forwarding to the process
// logger.
type logStats struct {
	log interface {
		Infof(string, ...any)
		Errorw(string, ...any)
	}
}

func (s *logStats) Printf(format string, args ...any) { s.log.Infof(format, args...) }
func (s *logStats) SessionLost(hostname string, err error) {
	s.log.Errorw("session lost", "hostname", hostname, "error", err)
}

// groupClients applies the configured grouping predicate to turn raw
// sessions into fuzzsched.Client targets, collapsing each group into a
// session.MultiClient when the predicate groups more than one session
// together.
func groupClients(sessions []*session.Session, by session.GroupBy) []fuzzsched.Client {
	groups := make(map[string][]*session.Session)
	var order []string
	for _, s := range sessions {
		key := session.GroupKey(by, s)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}

	var out []fuzzsched.Client
	for _, key := range order {
		members := groups[key]
		meta := members[0].Meta()
		if len(members) == 1 {
			out = append(out, fuzzsched.Client{Target: members[0], Meta: meta})
			continue
		}
		out = append(out, fuzzsched.Client{Target: session.NewMultiClient(members), Meta: meta})
	}
	return out
}

// onBatch wires the scheduler's per-input callback to clustering,
// filtering, and reproducer writing.
func onBatch(db *instdb.DB, flags wire.Flags, writer *diffengine.Writer, filterCfg diffengine.FilterConfig, log interface {
	Infow(string, ...any)
	Errorw(string, ...any)
}) fuzzsched.BatchHandler {
	eq := func(a, b wire.Result) bool { return filterCfg.Equal(a, b) }
	started := time.Now()
	var executed uint64

	return func(counter uint64, input generate.Input, results []fuzzsched.ClientResult, reexec diffengine.ReExecFunc) int {
		executed++
		cr := make([]diffengine.ClientResult, len(results))
		for i, r := range results {
			cr[i] = diffengine.ClientResult{Meta: r.Meta, MR: r.MR}
		}
		clusters := diffengine.Cluster(cr, eq)
		if diffengine.NonTrivialClusterCount(clusters) <= 1 {
			return 0
		}
		clusters = diffengine.PruneSigillSoloClusters(clusters, filterCfg.Signals)
		if len(clusters) <= 1 {
			return 0
		}
		clusters = diffengine.SortClusters(clusters)

		finalInput := input
		if input.SeqLen > 1 && reexec != nil {
			minimal, err := diffengine.MinimalDiff(input.SeqLen, eq, filterCfg.Signals, reexec)
			if err != nil {
				log.Errorw("minimal-diff re-exec failed, writing full-length reproducer", "error", err, "counter", counter)
			} else if pruned := diffengine.PruneSigillSoloClusters(minimal.Clusters, filterCfg.Signals); len(pruned) > 1 {
				clusters = diffengine.SortClusters(pruned)
				finalInput = input.Truncated(minimal.SeqLen)
			}
		}

		doc := diffengine.BuildDocument(db, finalInput, flags, counter, clusters, nil)
		path, wrote, err := writer.Write(doc)
		if err != nil {
			log.Errorw("failed to write reproducer", "error", err, "counter", counter)
			return 0
		}
		if !wrote {
			return 0
		}
		log.Infow("reproducer written", "path", path, "counter", counter, "elapsed", time.Since(started))
		return 1
	}
}
