// Package metacache caches resolved media metadata keyed by video id.
//
// Entries carry their own expiry; expired entries are treated as missing.
// Three backends share the Cache interface: in-process memory, one JSON file
// per key on disk, and Redis.
package metacache

import (
	"context"
	"time"

	"github.com/ytget/ytmux/types"
)

// DefaultTTL bounds how long resolved metadata is reused. Stream URLs signed
// by the origin stay valid for several hours, so an hour is conservative.
const DefaultTTL = time.Hour

// Cache stores resolved metadata.
type Cache interface {
	Get(ctx context.Context, key string) (*types.MediaInfo, bool)
	Set(ctx context.Context, key string, info *types.MediaInfo)
}

type entry struct {
	Info      *types.MediaInfo `json:"info"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Key derives the cache key for a video id.
func Key(videoID string) string {
	return "ytmux:meta:" + videoID
}
