package errs

import (
	"errors"
)

// Taxonomy classes. Every error returned by the orchestrator wraps exactly one
// of these so callers can classify failures with errors.Is.
var (
	// ErrInvalidSource indicates that the URL does not match an accepted shape.
	ErrInvalidSource = errors.New("invalid source")
	// ErrSourceUnavailable indicates that metadata or format resolution failed.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrUnsupportedQuality indicates that no format satisfies the quality policy.
	ErrUnsupportedQuality = errors.New("unsupported quality")
	// ErrOrigin indicates a network or protocol failure against the media origin.
	ErrOrigin = errors.New("origin error")
	// ErrWrite indicates a local storage failure while writing an artifact.
	ErrWrite = errors.New("write error")
	// ErrFetchFailed wraps an ErrOrigin or ErrWrite raised while fetching a stream.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrMergeFailed indicates that muxing video and audio failed.
	ErrMergeFailed = errors.New("merge failed")
	// ErrTranscodeFailed indicates that re-encoding a stream failed.
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrNotFound indicates that an artifact does not exist in the store.
	ErrNotFound = errors.New("not found")
)

// Origin-specific causes, joined under ErrSourceUnavailable by the resolver.
var (
	// ErrVideoUnavailable indicates that the requested video cannot be accessed.
	ErrVideoUnavailable = errors.New("video unavailable")
	// ErrPrivate indicates that the video is private and cannot be downloaded.
	ErrPrivate = errors.New("video is private")
	// ErrAgeRestricted indicates that the video has an age restriction.
	ErrAgeRestricted = errors.New("age restricted")
	// ErrCipherFailed indicates failure during signature deciphering.
	ErrCipherFailed = errors.New("cipher failed")
	// ErrGeoBlocked indicates the video is not available in the current region.
	ErrGeoBlocked = errors.New("geo blocked")
	// ErrRateLimited indicates throttling or rate limiting by the remote service.
	ErrRateLimited = errors.New("rate limited")
)

var classes = []error{
	ErrInvalidSource,
	ErrSourceUnavailable,
	ErrUnsupportedQuality,
	ErrMergeFailed,
	ErrTranscodeFailed,
	ErrFetchFailed,
	ErrOrigin,
	ErrWrite,
	ErrNotFound,
}

// Class returns the taxonomy class wrapped by err, or nil when err carries none.
func Class(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range classes {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}

// Name returns a short stable label for err's class, suitable for metrics.
func Name(err error) string {
	switch Class(err) {
	case ErrInvalidSource:
		return "invalid_source"
	case ErrSourceUnavailable:
		return "source_unavailable"
	case ErrUnsupportedQuality:
		return "unsupported_quality"
	case ErrMergeFailed:
		return "merge_failed"
	case ErrTranscodeFailed:
		return "transcode_failed"
	case ErrFetchFailed, ErrOrigin, ErrWrite:
		return "fetch_failed"
	case ErrNotFound:
		return "not_found"
	}
	if err == nil {
		return "ok"
	}
	return "internal"
}
