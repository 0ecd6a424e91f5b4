package undoc

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProgressLog is the append-only scan-position checkpoint: one
// "0x<hex>" line per word the scanner has finished processing. Resuming
// means reading the last line and restarting one stride past it.
type ProgressLog struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenProgressLog opens (creating if absent) the progress file at path
// for append.
func OpenProgressLog(path string) (*ProgressLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("undoc: open progress log %s: %w", path, err)
	}
	return &ProgressLog{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append records word as the last completed position and flushes, so a
// crash between words never loses more than the in-flight one.
func (p *ProgressLog) Append(word uint64) error {
	if _, err := fmt.Fprintf(p.w, "0x%08x\n", word); err != nil {
		return err
	}
	return p.w.Flush()
}

// Close flushes and closes the underlying file.
func (p *ProgressLog) Close() error {
	if err := p.w.Flush(); err != nil {
		return err
	}
	return p.f.Close()
}

// ResumePoint reads path's last hex line and returns the word one
// stride past it to resume from. A missing or empty file resumes from
// 0.
func ResumePoint(path string, stride uint64) (uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("undoc: open progress log %s: %w", path, err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("undoc: read progress log %s: %w", path, err)
	}
	if last == "" {
		return 0, nil
	}

	v, err := strconv.ParseUint(strings.TrimPrefix(last, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("undoc: parse progress log last line %q: %w", last, err)
	}
	return v + stride, nil
}
