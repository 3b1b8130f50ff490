package store

import (
	"fmt"
	"os"
	"sync"

	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/logger"
)

// Writer is a scoped handle to an artifact being produced. Bytes go to a
// hidden temporary file next to the destination; Commit renames it into place
// and Close without Commit removes it, so readers never observe a partial
// artifact.
type Writer struct {
	name string
	dest string
	tmp  string
	file *os.File

	mu        sync.Mutex
	written   int64
	committed bool
	closed    bool
}

// Name returns the artifact name the writer commits to.
func (w *Writer) Name() string { return w.name }

// TempPath returns the temporary file path. External processes may write it
// directly before Commit.
func (w *Writer) TempPath() string { return w.tmp }

// Written returns the number of bytes written through Write.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Write appends p to the temporary file.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("%w: write after close", errs.ErrWrite)
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: %v", errs.ErrWrite, err)
	}
	return n, nil
}

// Commit flushes the temporary file and atomically renames it to the
// destination, replacing any previous artifact of the same name.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("%w: commit after close", errs.ErrWrite)
	}
	w.closed = true

	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	if err := firstErr(syncErr, closeErr); err != nil {
		w.discard()
		return fmt.Errorf("%w: flush %s: %v", errs.ErrWrite, w.name, err)
	}
	if err := os.Rename(w.tmp, w.dest); err != nil {
		w.discard()
		return fmt.Errorf("%w: commit %s: %v", errs.ErrWrite, w.name, err)
	}
	w.committed = true
	storeLog().Debug("Artifact committed", map[string]interface{}{
		"name":  w.name,
		"bytes": w.written,
	})
	return nil
}

// Close releases the handle. Without a prior Commit the temporary file is
// removed. Close is safe to call more than once and after Commit.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.file.Close()
	w.discard()
	return nil
}

func (w *Writer) discard() {
	if err := os.Remove(w.tmp); err != nil && !os.IsNotExist(err) {
		storeLog().Warn("Failed to remove temporary file", map[string]interface{}{
			"path":  w.tmp,
			"error": err.Error(),
		})
	}
}

func firstErr(candidates ...error) error {
	for _, err := range candidates {
		if err != nil {
			return err
		}
	}
	return nil
}

func storeLog() *logger.ComponentLogger {
	return logger.WithComponent(logger.ComponentStore)
}
