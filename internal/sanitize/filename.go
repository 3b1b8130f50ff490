package sanitize

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// MaxFilenameLength is the maximum allowed length for the filename base.
	MaxFilenameLength = 120
	// DefaultExt is the default extension used when none is provided.
	DefaultExt = "mp4"
	// DefaultName is the replacement name when the title is empty.
	DefaultName = "video"
)

var (
	unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]+`)
	nonAlnum    = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// Title returns the canonical form of a media title used for artifact names.
// Every rune outside [A-Za-z0-9] becomes '_' and the result is capped at
// MaxFilenameLength bytes. Title is idempotent: Title(Title(s)) == Title(s).
func Title(title string) string {
	name := nonAlnum.ReplaceAllString(strings.TrimSpace(title), "_")
	if name == "" {
		return DefaultName
	}
	if len(name) > MaxFilenameLength {
		name = name[:MaxFilenameLength]
	}
	return name
}

// ToSafeFilename builds a cross-platform safe filename from title and extension (without dot in ext).
// Unlike Title it keeps spaces and non-ASCII letters, so it suits download names shown to users.
func ToSafeFilename(title, ext string) string {
	name := strings.TrimSpace(title)
	if name == "" {
		name = DefaultName
	}
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if len(name) > MaxFilenameLength {
		name = truncateRunes(name, MaxFilenameLength)
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = DefaultExt
	}
	return filepath.Clean(name + "." + ext)
}

// EncodeSegment percent-encodes name so it fits in a single URL path segment.
func EncodeSegment(name string) string {
	return url.PathEscape(name)
}

// DecodeSegment reverses EncodeSegment.
func DecodeSegment(segment string) (string, error) {
	return url.PathUnescape(segment)
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
