package mimeext

import (
	"strings"
)

const (
	// DefaultExt is the extension used when MIME is unknown or empty.
	DefaultExt = "mp4"

	// ExtMP4 is the file extension for MP4 video.
	ExtMP4 = "mp4"
	// ExtM4A is the file extension for MP4 audio.
	ExtM4A = "m4a"
	// ExtWebM is the file extension for WebM media.
	ExtWebM = "webm"
	// ExtMP3 is the file extension for MPEG layer 3 audio.
	ExtMP3 = "mp3"
	// ExtOGG is the file extension for Ogg media.
	ExtOGG = "ogg"

	// MimeVideoMP4 is the MIME type for MP4 video.
	MimeVideoMP4 = "video/mp4"
	// MimeAudioMP4 is the MIME type for MP4 audio.
	MimeAudioMP4 = "audio/mp4"
	// MimeVideoWebM is the MIME type for WebM video.
	MimeVideoWebM = "video/webm"
	// MimeAudioWebM is the MIME type for WebM audio.
	MimeAudioWebM = "audio/webm"
	// MimeAudioMPEG is the MIME type for MP3 audio.
	MimeAudioMPEG = "audio/mpeg"
	// MimeAudioOGG is the MIME type for Ogg audio.
	MimeAudioOGG = "audio/ogg"
	// MimeOctetStream is served for unknown extensions.
	MimeOctetStream = "application/octet-stream"
)

// ExtFromMime returns file extension (without dot) for given mime type.
// Falls back to subtype or mp4 if unknown.
func ExtFromMime(mime string) string {
	base := baseType(mime)
	if base == "" {
		return DefaultExt
	}
	switch base {
	case MimeVideoMP4:
		return ExtMP4
	case MimeAudioMP4:
		return ExtM4A
	case MimeVideoWebM, MimeAudioWebM:
		return ExtWebM
	case MimeAudioMPEG:
		return ExtMP3
	}
	parts := strings.Split(base, "/")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}
	return DefaultExt
}

// Codecs returns the codecs listed in a MIME type's codecs parameter,
// e.g. `video/mp4; codecs="avc1.4d401e, mp4a.40.2"` yields both entries.
func Codecs(mime string) []string {
	i := strings.Index(mime, "codecs=")
	if i < 0 {
		return nil
	}
	raw := strings.Trim(strings.TrimSpace(mime[i+len("codecs="):]), `"`)
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// IsAudioMime reports whether the MIME type's top-level type is audio.
func IsAudioMime(mime string) bool {
	return strings.HasPrefix(baseType(mime), "audio/")
}

// ContentType returns the MIME type served for a file extension.
func ContentType(ext string) string {
	switch normalize(ext) {
	case ExtMP4:
		return MimeVideoMP4
	case ExtM4A:
		return MimeAudioMP4
	case ExtWebM:
		return MimeVideoWebM
	case ExtMP3:
		return MimeAudioMPEG
	case ExtOGG:
		return MimeAudioOGG
	}
	return MimeOctetStream
}

// Muxer returns the ffmpeg muxer name for a container extension.
func Muxer(ext string) string {
	switch e := normalize(ext); e {
	case ExtM4A:
		return "ipod"
	case "":
		return DefaultExt
	default:
		return e
	}
}

func normalize(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}

func baseType(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}
