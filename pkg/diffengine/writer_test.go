package diffengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oisee/riscover/pkg/repro"
)

func TestWriterNamesFilesByIndexAndCounter(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 0)

	doc := repro.Document{Counter: 123, Arch: "aarch64", Results: []repro.ResultEntry{{Result: repro.ResultBlock{Signum: 0}, Clients: []repro.Client{{Hostname: "a"}}}}}
	path, wrote, err := w.Write(doc)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !wrote {
		t.Fatal("expected wrote=true")
	}
	want := filepath.Join(dir, "reproducer-00000000-000000000123.yaml")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file to exist: %v", err)
	}
}

func TestWriterRespectsCap(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 1)
	doc := repro.Document{Counter: 1, Results: []repro.ResultEntry{{Result: repro.ResultBlock{Signum: 0}, Clients: []repro.Client{{Hostname: "a"}}}}}

	if _, wrote, err := w.Write(doc); err != nil || !wrote {
		t.Fatalf("first write: wrote=%v err=%v", wrote, err)
	}
	if _, wrote, err := w.Write(doc); err != nil || wrote {
		t.Fatalf("second write should be skipped by the cap: wrote=%v err=%v", wrote, err)
	}
	if w.Count() != 1 {
		t.Errorf("Count() = %d, want 1", w.Count())
	}
}
