package diffengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oisee/riscover/pkg/repro"
)

// Writer serializes reproducer documents to disk under a hard cap,
// naming files reproducer-<index:08>-<counter:012>.yaml so they sort by
// discovery order within a directory listing. One lock protects the
// running index, the same mutex-guarded-accumulator shape a results
// table uses to protect a growing slice.
type Writer struct {
	Dir string
	Cap int

	mu        sync.Mutex
	nextIndex int
}

// NewWriter builds a Writer rooted at dir. A zero cap means unbounded.
func NewWriter(dir string, cap int) *Writer {
	return &Writer{Dir: dir, Cap: cap}
}

// Write renders doc and writes it to the next reproducer file, unless
// the cap has already been reached, in which case it returns wrote=false
// with no error. The returned path is empty when wrote is false.
func (w *Writer) Write(doc repro.Document) (path string, wrote bool, err error) {
	w.mu.Lock()
	if w.Cap > 0 && w.nextIndex >= w.Cap {
		w.mu.Unlock()
		return "", false, nil
	}
	idx := w.nextIndex
	w.nextIndex++
	w.mu.Unlock()

	name := fmt.Sprintf("reproducer-%08d-%012d.yaml", idx, doc.Counter)
	full := filepath.Join(w.Dir, name)

	data, err := doc.MarshalYAMLWithComments()
	if err != nil {
		return "", false, fmt.Errorf("diffengine: render reproducer: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", false, fmt.Errorf("diffengine: write reproducer %s: %w", full, err)
	}
	return full, true, nil
}

// Count returns the number of reproducers written so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextIndex
}
