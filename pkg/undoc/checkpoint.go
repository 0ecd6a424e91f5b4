package undoc

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Checkpoint is a gob-encoded snapshot of the scanner's in-memory
// totals, separate from the plain-text append-only progress log (the
// authoritative resume source). LoadCheckpoint reads one back; Scanner
// itself never does, so the totals it writes count only the findings
// and reproducers of the current Run.
type Checkpoint struct {
	LastWord        uint64
	FindingsCount   int
	ReproducerCount int
}

// SaveCheckpoint gob-encodes ckpt to path, overwriting any prior
// checkpoint.
func SaveCheckpoint(path string, ckpt *Checkpoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("undoc: create checkpoint %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(ckpt); err != nil {
		return fmt.Errorf("undoc: encode checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint decodes a checkpoint previously written by
// SaveCheckpoint. A missing file returns a zero Checkpoint, not an
// error, since the very first run never wrote one.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Checkpoint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("undoc: open checkpoint %s: %w", path, err)
	}
	defer f.Close()
	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("undoc: decode checkpoint: %w", err)
	}
	return &ckpt, nil
}
