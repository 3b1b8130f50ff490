package ytmux

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ytget/ytmux/internal/sanitize"
	"github.com/ytget/ytmux/store"
	"github.com/ytget/ytmux/types"
)

// tierSuffix is the name component identifying a quality tier.
func tierSuffix(q types.Quality) string {
	switch q {
	case types.QualityLow:
		return "low"
	case types.QualityMedium:
		return "medium"
	case types.QualityHigh:
		return "mixed"
	case types.QualityAudioOnly:
		return "audio"
	}
	return string(q)
}

// ArtifactName derives the deterministic artifact name for a title, tier and
// container: sanitized title, tier suffix, extension. Equal inputs always
// produce the same name, which makes the name the idempotency key.
func ArtifactName(title string, q types.Quality, container string) string {
	ext := strings.TrimPrefix(strings.ToLower(container), ".")
	if ext == "" {
		ext = sanitize.DefaultExt
	}
	return sanitize.Title(title) + "_" + tierSuffix(q) + "." + ext
}

// partName derives a unique intermediate name for one input stream of name.
func partName(name string, kind types.MediaKind, container string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if container == "" {
		container = "bin"
	}
	return base + store.PartMarker + uuid.NewString()[:8] + "." + string(kind) + "." + container
}
