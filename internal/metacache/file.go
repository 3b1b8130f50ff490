package metacache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/types"
)

// FileCache stores metadata on disk, one file per key.
// Expired entries are treated as missing and removed on access.
type FileCache struct {
	rootDir string
	ttl     time.Duration
	mu      sync.Mutex
}

// NewFileCache creates a file-backed cache under rootDir.
// The directory will be created if it does not exist.
func NewFileCache(rootDir string, ttl time.Duration) (*FileCache, error) {
	if rootDir == "" {
		return nil, errors.New("rootDir is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileCache{rootDir: rootDir, ttl: ttl}, nil
}

func (c *FileCache) filenameForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.rootDir, fmt.Sprintf("%x.json", sum[:]))
}

func (c *FileCache) Get(_ context.Context, key string) (*types.MediaInfo, bool) {
	fn := c.filenameForKey(key)
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(b, &e); err != nil || e.Info == nil {
		_ = os.Remove(fn)
		return nil, false
	}
	if e.expired(time.Now()) {
		_ = os.Remove(fn)
		return nil, false
	}
	return e.Info, true
}

func (c *FileCache) Set(_ context.Context, key string, info *types.MediaInfo) {
	b, err := json.Marshal(entry{Info: info, ExpiresAt: time.Now().Add(c.ttl)})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn := c.filenameForKey(key)
	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		logger.WithComponent(logger.ComponentCache).Warn("Cache write failed", map[string]interface{}{
			"path":  tmp,
			"error": err.Error(),
		})
		return
	}
	_ = os.Rename(tmp, fn)
}
