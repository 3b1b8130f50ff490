// Package store keeps finalized media artifacts in a scratch directory and
// expires them after a retention period.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/metrics"
)

const (
	// DefaultRetention is how long an artifact lives after it is finalized.
	DefaultRetention = 15 * time.Minute

	tempPrefix = "."
	tempSuffix = ".part"

	// PartMarker tags intermediate inputs of a merge or transcode. Parts
	// are stored like artifacts but are never delivered.
	PartMarker = ".part-"
)

// IsPart reports whether name is an intermediate part rather than a
// deliverable artifact.
func IsPart(name string) bool {
	return strings.Contains(name, PartMarker)
}

// Info describes a stored artifact.
type Info struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

type deletion struct {
	timer Timer
	at    time.Time
}

// Store manages artifacts under a single root directory.
type Store struct {
	dir       string
	retention time.Duration
	clock     Clock

	mu      sync.Mutex
	pending map[string]*deletion
}

// New creates the root directory if needed and returns a Store over it.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("store: directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", abs, err)
	}
	return &Store{
		dir:       abs,
		retention: DefaultRetention,
		clock:     systemClock{},
		pending:   make(map[string]*deletion),
	}, nil
}

// WithRetention sets the delay between finalization and deletion.
func (s *Store) WithRetention(d time.Duration) *Store {
	if d > 0 {
		s.retention = d
	}
	return s
}

// WithClock replaces the time source used for retention.
func (s *Store) WithClock(c Clock) *Store {
	if c != nil {
		s.clock = c
	}
	return s
}

// Dir returns the absolute root directory.
func (s *Store) Dir() string { return s.dir }

// Retention returns the configured retention.
func (s *Store) Retention() time.Duration { return s.retention }

// Path resolves an artifact name to its absolute path. Names must be a single
// path element and must not start with a dot, which is reserved for
// temporary files.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) ||
		strings.HasPrefix(name, tempPrefix) {
		return "", fmt.Errorf("%w: invalid artifact name %q", errs.ErrNotFound, name)
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether a finalized, non-empty artifact is stored under name.
func (s *Store) Exists(name string) bool {
	info, err := s.Stat(name)
	return err == nil && info.Size > 0
}

// Stat returns artifact details or an error wrapping errs.ErrNotFound.
func (s *Store) Stat(name string) (Info, error) {
	path, err := s.Path(name)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%w: %s", errs.ErrNotFound, name)
		}
		return Info{}, err
	}
	if !fi.Mode().IsRegular() {
		return Info{}, fmt.Errorf("%w: %s", errs.ErrNotFound, name)
	}
	return Info{Name: name, Path: path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Write opens a scoped writer for name. The caller must Commit or Close it.
func (s *Store) Write(name string) (*Writer, error) {
	dest, err := s.Path(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrWrite, err)
	}
	tmp := filepath.Join(s.dir, tempPrefix+uuid.NewString()+"."+name+tempSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create temp for %s: %v", errs.ErrWrite, name, err)
	}
	return &Writer{name: name, dest: dest, tmp: tmp, file: f}, nil
}

type rangeReader struct {
	io.Reader
	io.Closer
}

// RangeRead opens the bytes of r within name. It returns a reader limited to
// the range and the artifact's total size.
func (s *Store) RangeRead(name string, r Range) (io.ReadCloser, int64, error) {
	info, err := s.Stat(name)
	if err != nil {
		return nil, 0, err
	}
	r, err = r.clamp(info.Size)
	if err != nil {
		return nil, info.Size, err
	}
	f, err := os.Open(info.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", errs.ErrNotFound, name)
		}
		return nil, 0, err
	}
	if _, err := f.Seek(r.Start, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return rangeReader{Reader: io.LimitReader(f, r.Length(info.Size)), Closer: f}, info.Size, nil
}

// Open returns the whole artifact for reading.
func (s *Store) Open(name string) (*os.File, Info, error) {
	info, err := s.Stat(name)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(info.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Info{}, fmt.Errorf("%w: %s", errs.ErrNotFound, name)
		}
		return nil, Info{}, err
	}
	return f, info, nil
}

// ScheduleDeletion arms removal of name after the retention period. Arming an
// already armed name is a no-op and keeps the original deadline.
func (s *Store) ScheduleDeletion(name string) time.Time {
	return s.scheduleAt(name, s.clock.Now().Add(s.retention))
}

func (s *Store) scheduleAt(name string, at time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.pending[name]; ok {
		return d.at
	}
	d := &deletion{at: at}
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	d.timer = s.clock.AfterFunc(delay, func() { s.expire(name, d) })
	s.pending[name] = d
	storeLog().Debug("Deletion scheduled", map[string]interface{}{
		"name": name,
		"at":   at.Format(time.RFC3339),
	})
	return at
}

func (s *Store) expire(name string, d *deletion) {
	s.mu.Lock()
	if s.pending[name] != d {
		s.mu.Unlock()
		return
	}
	delete(s.pending, name)
	s.mu.Unlock()

	if err := s.remove(name); err != nil {
		storeLog().Warn("Retention delete failed", map[string]interface{}{
			"name":  name,
			"error": err.Error(),
		})
		return
	}
	storeLog().Info("Artifact expired", map[string]interface{}{"name": name})
}

// ExpiresAt returns the armed deletion deadline for name.
func (s *Store) ExpiresAt(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.pending[name]
	if !ok {
		return time.Time{}, false
	}
	return d.at, true
}

// Pending lists names with an armed deletion, sorted.
func (s *Store) Pending() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.pending))
	for name := range s.pending {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// Delete removes name now and disarms its pending deletion. Deleting a
// missing artifact is not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	if d, ok := s.pending[name]; ok {
		d.timer.Stop()
		delete(s.pending, name)
	}
	s.mu.Unlock()
	return s.remove(name)
}

func (s *Store) remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: delete %s: %v", errs.ErrWrite, name, err)
	}
	metrics.ArtifactsDeleted.Inc()
	return nil
}

// Sweep reconciles the directory with the retention policy after a restart:
// stale temporary files are removed and every artifact gets a deletion armed
// at its modification time plus retention. It returns the number of
// temporary files removed and artifacts armed.
func (s *Store) Sweep() (removed, armed int, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("store: sweep %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, tempPrefix) {
			if strings.HasSuffix(name, tempSuffix) {
				if rerr := os.Remove(filepath.Join(s.dir, name)); rerr == nil {
					removed++
				}
			}
			continue
		}
		fi, ierr := e.Info()
		if ierr != nil {
			continue
		}
		s.scheduleAt(name, fi.ModTime().Add(s.retention))
		armed++
	}
	storeLog().Info("Scratch directory swept", map[string]interface{}{
		"dir":     s.dir,
		"removed": removed,
		"armed":   armed,
	})
	return removed, armed, nil
}

// Close disarms every pending deletion. Files stay on disk and are picked up
// by the next Sweep.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, d := range s.pending {
		d.timer.Stop()
		delete(s.pending, name)
	}
}
