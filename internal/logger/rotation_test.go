package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestWriter(t *testing.T, maxSize int64, maxAge time.Duration, backups int, compress bool) (*RotatingWriter, string, *time.Time) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ytmux.log")
	rw, err := NewRotatingWriter(path, maxSize, maxAge, backups, compress)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rw.now = func() time.Time { return now }
	rw.opened = now
	rw.onError = func(err error) { t.Errorf("rotation error: %v", err) }
	t.Cleanup(func() { _ = rw.Close() })
	return rw, path, &now
}

func write(t *testing.T, rw *RotatingWriter, s string) {
	t.Helper()
	if _, err := rw.Write([]byte(s)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestRotateBySize(t *testing.T) {
	rw, path, now := newTestWriter(t, 10, 0, 5, false)

	write(t, rw, "aaaaaa\n")
	*now = now.Add(time.Second)
	write(t, rw, "bbbbbb\n") // 14 bytes would exceed 10
	*now = now.Add(time.Second)
	write(t, rw, "cc\n")

	data, _ := os.ReadFile(path)
	if string(data) != "bbbbbb\ncc\n" {
		t.Fatalf("current = %q", data)
	}
	backups, err := rw.backups()
	if err != nil || len(backups) != 1 {
		t.Fatalf("backups = %v, %v", backups, err)
	}
	old, _ := os.ReadFile(backups[0])
	if string(old) != "aaaaaa\n" {
		t.Fatalf("backup = %q", old)
	}
}

func TestOversizedWriteOnEmptyFile(t *testing.T) {
	rw, path, _ := newTestWriter(t, 4, 0, 5, false)
	write(t, rw, "longer than four\n")
	data, _ := os.ReadFile(path)
	if string(data) != "longer than four\n" {
		t.Fatalf("current = %q", data)
	}
	if b, _ := rw.backups(); len(b) != 0 {
		t.Fatalf("empty file was rotated: %v", b)
	}
}

func TestRotateByAge(t *testing.T) {
	rw, path, now := newTestWriter(t, 0, time.Hour, 5, false)
	write(t, rw, "first\n")
	*now = now.Add(59 * time.Minute)
	write(t, rw, "second\n")
	*now = now.Add(time.Minute)
	write(t, rw, "third\n")

	data, _ := os.ReadFile(path)
	if string(data) != "third\n" {
		t.Fatalf("current = %q", data)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	rw, _, now := newTestWriter(t, 0, 0, 2, false)
	for i := 0; i < 4; i++ {
		write(t, rw, strings.Repeat("x", i+1)+"\n")
		*now = now.Add(time.Second)
		if err := rw.Rotate(); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
	}
	backups, _ := rw.backups()
	if len(backups) != 2 {
		t.Fatalf("backups = %v", backups)
	}
	newest, _ := os.ReadFile(backups[0])
	if string(newest) != "xxxx\n" {
		t.Fatalf("newest backup = %q", newest)
	}
}

func TestCompressBackup(t *testing.T) {
	rw, path, now := newTestWriter(t, 0, 0, 3, true)
	write(t, rw, "compress me\n")
	*now = now.Add(time.Second)
	if err := rw.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	matches, _ := filepath.Glob(path + ".*.gz")
	if len(matches) != 1 {
		t.Fatalf("gz backups = %v", matches)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(zr)
	if string(data) != "compress me\n" {
		t.Fatalf("decompressed = %q", data)
	}
	if plain, _ := filepath.Glob(path + ".*[0-9]"); len(plain) != 0 {
		t.Fatalf("uncompressed backup left behind: %v", plain)
	}
}

func TestWriteAfterClose(t *testing.T) {
	rw, _, _ := newTestWriter(t, 0, 0, 0, false)
	if err := rw.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := rw.Write([]byte("x")); err == nil {
		t.Fatal("write after close should fail")
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
