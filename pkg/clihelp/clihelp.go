// Package clihelp holds the small flag/env parsing helpers shared by
// cmd/riscoverd and cmd/undocscan: a tolerant string-to-value parser per
// flag, returning a wrapped error on failure instead of panicking.
package clihelp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oisee/riscover/pkg/instdb"
	"github.com/oisee/riscover/pkg/session"
)

// ParseISA turns "aarch64"/"riscv64" (case-insensitive) into an
// instdb.ISA.
func ParseISA(s string) (instdb.ISA, error) {
	switch strings.ToLower(s) {
	case "aarch64", "arm64":
		return instdb.AArch64, nil
	case "riscv64", "riscv", "rv64":
		return instdb.RISCV64, nil
	default:
		return 0, fmt.Errorf("clihelp: unknown --arch %q: use aarch64 or riscv64", s)
	}
}

// ParseGroupBy turns a --group-by flag value into a session.GroupBy.
func ParseGroupBy(s string) (session.GroupBy, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return session.GroupNone, nil
	case "midr":
		return session.GroupByMIDR, nil
	case "one-per-midr":
		return session.GroupOnePerMIDR, nil
	case "hostname":
		return session.GroupByHostname, nil
	case "hostname-microarch":
		return session.GroupByHostnameMicroarch, nil
	default:
		return 0, fmt.Errorf("clihelp: unknown --group-by %q", s)
	}
}

// ParseHexOrDecimalU64 accepts both "0x..." and plain decimal.
func ParseHexOrDecimalU64(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("clihelp: empty integer value")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("clihelp: invalid hex value %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("clihelp: invalid integer value %q: %w", s, err)
	}
	return v, nil
}

// SplitCommaList splits a comma-separated flag value, trimming
// whitespace and dropping empty entries.
func SplitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
