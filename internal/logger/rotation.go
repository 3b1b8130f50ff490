package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeLayout = "20060102T150405.000000000"

// RotatingWriter is an io.Writer over a log file that moves the file aside
// once it grows past maxSize or has been open longer than maxAge. Rotated
// files are named "<file>.<timestamp>", optionally gzipped, and only the
// newest maxBackups are kept.
type RotatingWriter struct {
	filename   string
	maxSize    int64
	maxAge     time.Duration
	maxBackups int
	compress   bool

	now     func() time.Time
	onError func(error)

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
}

// NewRotatingWriter opens filename for appending, creating its directory.
func NewRotatingWriter(filename string, maxSize int64, maxAge time.Duration, maxBackups int, compress bool) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		filename:   filename,
		maxSize:    maxSize,
		maxAge:     maxAge,
		maxBackups: maxBackups,
		compress:   compress,
		now:        time.Now,
		onError: func(err error) {
			fmt.Fprintf(os.Stderr, "log rotation: %v\n", err)
		},
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file, rw.size, rw.opened = f, fi.Size(), rw.now()
	return nil
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.due(int64(len(p))) {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Rotate forces a rotation.
func (rw *RotatingWriter) Rotate() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return os.ErrClosed
	}
	return rw.rotate()
}

func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// due reports whether writing n more bytes needs a fresh file. An empty
// file is never rotated.
func (rw *RotatingWriter) due(n int64) bool {
	if rw.size == 0 {
		return false
	}
	if rw.maxSize > 0 && rw.size+n > rw.maxSize {
		return true
	}
	return rw.maxAge > 0 && rw.now().Sub(rw.opened) >= rw.maxAge
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	backup := rw.filename + "." + rw.now().Format(backupTimeLayout)
	if err := os.Rename(rw.filename, backup); err != nil {
		// Reopen the current file so writes continue.
		if oerr := rw.open(); oerr != nil {
			return oerr
		}
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := rw.open(); err != nil {
		return err
	}

	if rw.compress {
		if err := gzipFile(backup); err != nil {
			rw.onError(err)
		}
	}
	if err := rw.prune(); err != nil {
		rw.onError(err)
	}
	return nil
}

// backups lists rotated files, newest first.
func (rw *RotatingWriter) backups() ([]string, error) {
	matches, err := filepath.Glob(rw.filename + ".*")
	if err != nil {
		return nil, err
	}
	type backup struct {
		path string
		mod  time.Time
	}
	list := make([]backup, 0, len(matches))
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") {
			continue
		}
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		list = append(list, backup{path: m, mod: fi.ModTime()})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].mod.Equal(list[j].mod) {
			return list[i].path > list[j].path
		}
		return list[i].mod.After(list[j].mod)
	})
	out := make([]string, len(list))
	for i, b := range list {
		out[i] = b.path
	}
	return out, nil
}

func (rw *RotatingWriter) prune() error {
	if rw.maxBackups <= 0 {
		return nil
	}
	list, err := rw.backups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	var errs []string
	for _, old := range list[min(len(list), rw.maxBackups):] {
		if err := os.Remove(old); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove backups: %s", strings.Join(errs, "; "))
	}
	return nil
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	defer src.Close()

	tmp := path + ".gz.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	zw := gzip.NewWriter(dst)
	if _, err = io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err = zw.Close(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err = dst.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err = os.Rename(tmp, path+".gz"); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	return os.Remove(path)
}

// CreateRotatingWriterFromConfig creates a rotating writer for a "file:" output.
func CreateRotatingWriterFromConfig(config *LogConfig) (*RotatingWriter, error) {
	filename, ok := strings.CutPrefix(config.Output, "file:")
	if !ok || filename == "" {
		return nil, fmt.Errorf("rotation requires a file: output, got %q", config.Output)
	}

	var (
		maxSize    int64
		maxAge     time.Duration
		maxBackups int
		compress   bool
	)
	if config.Rotation != nil {
		size, err := parseSize(config.Rotation.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("parse max size: %w", err)
		}
		age, err := parseDuration(config.Rotation.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("parse max age: %w", err)
		}
		maxSize, maxAge = size, age
		maxBackups, compress = config.Rotation.MaxBackups, config.Rotation.Compress
	}

	return NewRotatingWriter(filename, maxSize, maxAge, maxBackups, compress)
}

// CreateLoggerWithRotation creates a logger from config. File outputs go
// through a RotatingWriter; other outputs are used as they are.
func CreateLoggerWithRotation(config *LogConfig) (*Logger, error) {
	if err := config.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	converted := *config
	var output io.Writer
	if config.Rotation != nil && strings.HasPrefix(config.Output, "file:") {
		w, err := CreateRotatingWriterFromConfig(config)
		if err != nil {
			return nil, fmt.Errorf("create rotating writer: %w", err)
		}
		output = w
		converted.Output = "null"
	}

	loggerConfig, err := converted.ToLoggerConfig()
	if err != nil {
		return nil, fmt.Errorf("convert config: %w", err)
	}
	if output != nil {
		loggerConfig.Output = output
	}

	return New(loggerConfig), nil
}
