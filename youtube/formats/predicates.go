// Package formats parses YouTube stream formats and maps quality tiers onto them.
package formats

import (
	"strings"

	"github.com/ytget/ytmux/types"
)

// hasDirectURL returns true when the format already contains a resolvable URL.
// Formats without direct URLs need signature deciphering.
func hasDirectURL(format types.Format) bool {
	return strings.TrimSpace(format.URL) != ""
}

// mimeSubtypeEquals checks that MIME subtype (e.g., mp4, webm) equals desiredExt.
// The desiredExt is case-insensitive and may start with a dot.
// If desiredExt is empty, the function returns true (no filtering).
func mimeSubtypeEquals(format types.Format, desiredExt string) bool {
	desired := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(desiredExt)), ".")
	if desired == "" {
		return true
	}
	return getSubtype(format.MimeType) == desired
}

// height returns the frame height, falling back to the quality label.
func height(format types.Format) int {
	if format.Height > 0 {
		return format.Height
	}
	return parseHeight(format.Quality)
}

// betterByHeightThenBitrate compares two formats and returns true when candidate is better than current
// using height as primary criterion and bitrate as a tiebreaker.
func betterByHeightThenBitrate(candidate types.Format, current types.Format) bool {
	candidateHeight := height(candidate)
	currentHeight := height(current)
	if candidateHeight != currentHeight {
		return candidateHeight > currentHeight
	}
	if candidate.Bitrate != current.Bitrate {
		return candidate.Bitrate > current.Bitrate
	}
	return candidate.Size > current.Size
}

// betterAudio prefers higher bitrate, then larger size.
func betterAudio(candidate types.Format, current types.Format) bool {
	if candidate.Bitrate != current.Bitrate {
		return candidate.Bitrate > current.Bitrate
	}
	return candidate.Size > current.Size
}
