package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ytget/ytmux/errs"
)

// codecNone marks an absent elementary stream in a codec field.
const codecNone = "none"

// Format describes one stream offered by the source (a format descriptor).
type Format struct {
	ID              string
	Itag            int
	URL             string
	SignatureCipher string
	MimeType        string
	Container       string
	VideoCodec      string
	AudioCodec      string
	Quality         string
	Width           int
	Height          int
	Bitrate         int
	Size            int64
	Note            string
}

// HasVideo reports whether the format carries a video stream.
func (f Format) HasVideo() bool {
	return f.VideoCodec != "" && f.VideoCodec != codecNone
}

// HasAudio reports whether the format carries an audio stream.
func (f Format) HasAudio() bool {
	return f.AudioCodec != "" && f.AudioCodec != codecNone
}

// Kind classifies the format by the streams it carries.
func (f Format) Kind() MediaKind {
	switch {
	case f.HasVideo() && f.HasAudio():
		return KindCombined
	case f.HasVideo():
		return KindVideo
	case f.HasAudio():
		return KindAudio
	}
	return KindUnknown
}

// Resolution renders the frame size, or "audio only" for audio formats.
func (f Format) Resolution() string {
	if !f.HasVideo() {
		return "audio only"
	}
	if f.Width > 0 && f.Height > 0 {
		return strconv.Itoa(f.Width) + "x" + strconv.Itoa(f.Height)
	}
	if f.Height > 0 {
		return strconv.Itoa(f.Height) + "p"
	}
	return f.Quality
}

// MediaKind tells which elementary streams a format contains.
type MediaKind string

const (
	KindUnknown  MediaKind = "unknown"
	KindCombined MediaKind = "video+audio"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
)

// Thumbnail is a preview image offered by the source.
type Thumbnail struct {
	URL    string
	Width  int
	Height int
}

// MediaInfo is the resolved metadata for a source URL.
type MediaInfo struct {
	ID             string
	Title          string
	CanonicalTitle string
	Author         string
	Duration       time.Duration
	Thumbnails     []Thumbnail
	Formats        []Format
}

// Quality is the closed set of requested quality tiers.
type Quality string

const (
	QualityLow       Quality = "low"
	QualityMedium    Quality = "medium"
	QualityHigh      Quality = "high"
	QualityAudioOnly Quality = "audio_only"
)

// Qualities lists every supported tier.
var Qualities = []Quality{QualityLow, QualityMedium, QualityHigh, QualityAudioOnly}

// Valid reports whether q is one of the supported tiers.
func (q Quality) Valid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh, QualityAudioOnly:
		return true
	}
	return false
}

// ParseQuality maps a user supplied tier name onto Quality. Matching is
// case-insensitive and accepts "audio" and "audio-only" as aliases.
func ParseQuality(s string) (Quality, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "audio", "audio-only", "audioonly":
		v = string(QualityAudioOnly)
	}
	q := Quality(v)
	if !q.Valid() {
		return "", fmt.Errorf("%w: %q", errs.ErrUnsupportedQuality, s)
	}
	return q, nil
}

// MediaRequest is one inbound request to produce an artifact.
type MediaRequest struct {
	URL     string
	Quality Quality
}

// FetchState tracks a single stream transfer.
type FetchState string

const (
	FetchPending   FetchState = "pending"
	FetchActive    FetchState = "active"
	FetchCompleted FetchState = "completed"
	FetchFailed    FetchState = "failed"
)

// FetchJob is the transfer of one format to one artifact name in the store.
type FetchJob struct {
	ID     string
	Format Format
	Dest   string
	State  FetchState
	Bytes  int64
	Total  int64
}

// MergePlan pairs a video-only and an audio-only artifact into one output.
type MergePlan struct {
	Video     string
	Audio     string
	Output    string
	Container string
}

// Artifact is a finalized file in the artifact store.
type Artifact struct {
	Name      string
	Path      string
	Title     string
	Quality   Quality
	Kind      MediaKind // KindVideo or KindAudio
	Container string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
	Reused    bool
}
