// Package rtconfig bundles the runtime configuration every other
// package needs constructed once at startup and threaded explicitly
// through construction — no package-level config globals. Generalizes a
// flag-to-struct wiring pattern (a Config struct built from cobra flags
// and passed into construction) from one flat struct per subcommand to
// one RuntimeConfig shared by both binaries.
package rtconfig

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/oisee/riscover/pkg/instdb"
	"github.com/oisee/riscover/pkg/wire"
)

// RuntimeConfig is built once per process from CLI flags and passed by
// value or pointer into constructors; nothing in this repository reads
// it from a package variable.
type RuntimeConfig struct {
	ISA   instdb.ISA
	Flags wire.Flags
	Log   *zap.SugaredLogger
}

// NewLogger builds the process-wide zap logger: development mode (human
// readable, debug level) when verbose, otherwise production mode
// (JSON, info level and above).
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("rtconfig: build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// New builds a RuntimeConfig from already-parsed flags and a logger.
func New(isa instdb.ISA, flags wire.Flags, log *zap.SugaredLogger) *RuntimeConfig {
	return &RuntimeConfig{ISA: isa, Flags: flags, Log: log}
}

// Sync flushes the logger on shutdown.
func (c *RuntimeConfig) Sync() {
	if c.Log != nil {
		_ = c.Log.Sync()
	}
}
