// Command undocscan walks an ISA's encoding space looking for words that
// disassemble to nothing in the instruction database but still execute,
// logging and reproducing anything interesting. A single cobra root
// command covers the whole CLI surface since there's only one scan mode.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oisee/riscover/pkg/clihelp"
	"github.com/oisee/riscover/pkg/diffengine"
	"github.com/oisee/riscover/pkg/fuzzsched"
	"github.com/oisee/riscover/pkg/instdb"
	"github.com/oisee/riscover/pkg/rtconfig"
	"github.com/oisee/riscover/pkg/session"
	"github.com/oisee/riscover/pkg/undoc"
	"github.com/oisee/riscover/pkg/wire"
)

func main() {
	var (
		listenAddr     string
		archStr        string
		instdbPath     string
		numClients     int
		startStr       string
		untilStr       string
		progressPath   string
		clientLogDir   string
		reproDir       string
		reproCap       int
		checkpointPath string
		checkpointEvery uint64
		illIllopc      uint32
		verbose        bool
	)

	rootCmd := &cobra.Command{
		Use:   "undocscan",
		Short: "undocscan — scan for undocumented instruction encodings",
		RunE: func(cmd *cobra.Command, args []string) error {
			isa, err := clihelp.ParseISA(archStr)
			if err != nil {
				return err
			}

			log, err := rtconfig.NewLogger(verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			specs, err := loadRecordSpecs(instdbPath)
			if err != nil {
				return fmt.Errorf("undocscan: %w", err)
			}
			db, err := instdb.NewDB(isa, specs)
			if err != nil {
				return fmt.Errorf("undocscan: build instruction db: %w", err)
			}
			for _, w := range db.Warnings() {
				log.Warnw(w)
			}

			byteSize := 4
			if isa == instdb.RISCV64 {
				byteSize = 1
			}

			flags := wire.Flags{ISA: isa, WithRegs: true}

			start := uint64(0)
			if startStr != "" {
				start, err = clihelp.ParseHexOrDecimalU64(startStr)
				if err != nil {
					return err
				}
			} else if progressPath != "" {
				start, err = undoc.ResumePoint(progressPath, uint64(byteSize))
				if err != nil {
					return fmt.Errorf("undocscan: %w", err)
				}
			}

			until := uint64(1) << 32
			if untilStr != "" {
				until, err = clihelp.ParseHexOrDecimalU64(untilStr)
				if err != nil {
					return err
				}
			}

			progress, err := undoc.OpenProgressLog(progressPath)
			if err != nil {
				return fmt.Errorf("undocscan: %w", err)
			}
			defer progress.Close()

			clientLogs := undoc.NewClientLogs(clientLogDir)
			defer clientLogs.Close()

			writer := diffengine.NewWriter(reproDir, reproCap)

			sessions, err := acceptClients(listenAddr, numClients, isa == instdb.AArch64, flags, log)
			if err != nil {
				return err
			}
			log.Infow("clients connected", "count", len(sessions))

			var clients []fuzzsched.Client
			for i, s := range sessions {
				clients = append(clients, fuzzsched.Client{Target: s, Meta: session.ClientMeta{
					Hostname:  s.Hostname(),
					Microarch: s.Meta().Microarch,
					MIDR:      s.Meta().MIDR,
					CoreIndex: uint32(i),
				}})
			}

			scanner := &undoc.Scanner{
				DB:         db,
				ByteSize:   byteSize,
				Flags:      flags,
				Signals:    diffengine.SignalNumbers{OK: 0, SIGBUS: 7, SIGILL: 4},
				IllIllopc:  illIllopc,
				Clients:    clients,
				Progress:   progress,
				ClientLogs: clientLogs,
				Repro:      writer,
				CheckpointPath:  checkpointPath,
				CheckpointEvery: checkpointEvery,
				Log:             func(format string, args ...any) { log.Infof(format, args...) },
			}

			log.Infow("scan starting", "start", fmt.Sprintf("0x%x", start), "until", fmt.Sprintf("0x%x", until))
			err = scanner.Run(start, until, func(f undoc.Finding) {
				log.Infow("undocumented encoding found", "word", fmt.Sprintf("0x%08x", f.Word))
			})
			if err != nil {
				return fmt.Errorf("undocscan: %w", err)
			}
			log.Infow("scan complete", "reproducers_written", writer.Count())
			return nil
		},
	}

	rootCmd.Flags().StringVar(&listenAddr, "listen", ":9001", "TCP address to accept runner connections on")
	rootCmd.Flags().StringVar(&archStr, "arch", "aarch64", "target ISA: aarch64 or riscv64")
	rootCmd.Flags().StringVar(&instdbPath, "instdb", "", "path to a YAML/JSON instruction record spec file")
	rootCmd.Flags().IntVar(&numClients, "clients", 2, "number of runner connections to accept before starting")
	rootCmd.Flags().StringVar(&startStr, "start", "", "starting encoding (hex or decimal); default resumes from --progress-file")
	rootCmd.Flags().StringVar(&untilStr, "until", "", "ending encoding, exclusive (hex or decimal); default the full 32-bit space")
	rootCmd.Flags().StringVar(&progressPath, "progress-file", "./undocscan.progress", "append-only plain-text scan-position log")
	rootCmd.Flags().StringVar(&clientLogDir, "client-log-dir", "./undocscan-logs", "directory for per-client-per-microarch finding logs")
	rootCmd.Flags().StringVar(&reproDir, "repro-dir", "./reproducers", "directory to write reproducer YAML files to")
	rootCmd.Flags().IntVar(&reproCap, "repro-cap", 300000, "stop once this many reproducers have been written")
	rootCmd.Flags().StringVar(&checkpointPath, "checkpoint-file", "./undocscan.checkpoint", "periodic gob-encoded progress snapshot")
	rootCmd.Flags().Uint64Var(&checkpointEvery, "checkpoint-every", 1<<16, "checkpoint after unknown words whose scan position is a multiple of this")
	rootCmd.Flags().Uint32Var(&illIllopc, "ill-illopc", 1, "si_code value identifying a clean ILL_ILLOPC rejection")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable development-mode (human readable) logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

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

func acceptClients(addr string, n int, isAArch64 bool, flags wire.Flags, log interface {
	Infof(string, ...any)
	Errorw(string, ...any)
}) ([]*session.Session, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acceptClients: listen %s: %w", addr, err)
	}
	defer ln.Close()

	stats := &logStats{log: log}

	var sessions []*session.Session
	for i := 0; i < n; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("acceptClients: accept: %w", err)
		}
		s, err := session.Accept(conn, isAArch64, flags, 256, uint64(i)+1, stats)
		if err != nil {
			log.Errorw("handshake failed", "error", err)
			conn.Close()
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

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
