// Package youtube resolves YouTube URLs into media metadata and downloadable
// format descriptors.
package youtube

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ytget/ytmux/client"
	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/internal/sanitize"
	"github.com/ytget/ytmux/types"
	"github.com/ytget/ytmux/youtube/cipher"
	"github.com/ytget/ytmux/youtube/formats"
	"github.com/ytget/ytmux/youtube/innertube"
)

const (
	// DefaultClientName is the InnerTube client used for /player. The Android
	// client returns direct URLs for most formats, which avoids player.js.
	DefaultClientName = "ANDROID"
	// DefaultClientVersion pairs with DefaultClientName.
	DefaultClientVersion = "20.10.38"
)

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)

var watchHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
}

// Resolver turns watch URLs into types.MediaInfo.
type Resolver struct {
	it     *innertube.Client
	cipher *cipher.Solver
}

// New creates a resolver that talks to the public origin. If hc is nil,
// client.New is used.
func New(hc *client.Client) *Resolver {
	if hc == nil {
		hc = client.New()
	}
	return &Resolver{
		it:     innertube.New(hc).WithClient(DefaultClientName, DefaultClientVersion),
		cipher: cipher.New(hc),
	}
}

// WithClient overrides the InnerTube client name and version.
func (r *Resolver) WithClient(name, version string) *Resolver {
	r.it.WithClient(name, version)
	return r
}

// WithBaseURL points metadata and watch page requests at another origin.
func (r *Resolver) WithBaseURL(base string) *Resolver {
	r.it.WithBaseURL(base)
	return r
}

// WithPlayerTTL sets how long a downloaded player.js is reused.
func (r *Resolver) WithPlayerTTL(ttl time.Duration) *Resolver {
	r.cipher.WithTTL(ttl)
	return r
}

// VideoID extracts the video id from the accepted URL shapes:
// /watch?v=, youtu.be/<id> and /shorts/<id> on the www, m and music hosts.
// Any other input fails with errs.ErrInvalidSource.
func VideoID(videoURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(videoURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: %q is not an http(s) url", errs.ErrInvalidSource, videoURL)
	}
	host := strings.ToLower(u.Hostname())

	var id string
	switch {
	case host == "youtu.be":
		id = strings.Trim(u.Path, "/")
	case watchHosts[host] && u.Path == "/watch":
		id = u.Query().Get("v")
	case watchHosts[host] && strings.HasPrefix(u.Path, "/shorts/"):
		id = strings.Trim(strings.TrimPrefix(u.Path, "/shorts/"), "/")
	default:
		return "", fmt.Errorf("%w: unsupported url %q", errs.ErrInvalidSource, videoURL)
	}
	if !videoIDRe.MatchString(id) {
		return "", fmt.Errorf("%w: no video id in %q", errs.ErrInvalidSource, videoURL)
	}
	return id, nil
}

// Validate reports whether videoURL has an accepted shape and returns its id.
func (r *Resolver) Validate(videoURL string) (string, error) {
	return VideoID(videoURL)
}

func log() *logger.ComponentLogger {
	return logger.WithComponent(logger.ComponentResolver)
}

// Resolve fetches metadata and formats for videoURL. Every format in the
// result carries a downloadable URL. Failures other than a malformed URL wrap
// errs.ErrSourceUnavailable together with the specific cause.
func (r *Resolver) Resolve(ctx context.Context, videoURL string) (*types.MediaInfo, error) {
	videoID, err := VideoID(videoURL)
	if err != nil {
		return nil, err
	}
	log().Debug("Resolving", map[string]interface{}{"video_id": videoID})

	pr, err := r.it.Player(ctx, videoID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrSourceUnavailable, err)
	}
	if err := playability(pr.PlayabilityStatus); err != nil {
		return nil, fmt.Errorf("%w: %w: %s", errs.ErrSourceUnavailable, err, pr.PlayabilityStatus.Reason)
	}

	list := formats.ParseFormats(pr)
	if formats.NeedsPlayer(list) {
		watch := r.it.BaseURL() + "/watch?v=" + url.QueryEscape(videoID)
		playerURL, perr := r.cipher.PlayerURL(ctx, watch)
		if perr != nil {
			log().Warn("Player script unavailable", map[string]interface{}{
				"video_id": videoID,
				"error":    perr.Error(),
			})
		}
		// Without a player URL signed formats are dropped and direct ones kept.
		var d formats.Decipherer
		if perr == nil {
			d = r.cipher
		}
		list = formats.ResolveURLs(ctx, d, list, playerURL)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no downloadable formats for %s", errs.ErrSourceUnavailable, videoID)
	}
	formats.SortBySize(list)

	vd := pr.VideoDetails
	info := &types.MediaInfo{
		ID:             videoID,
		Title:          vd.Title,
		CanonicalTitle: sanitize.Title(vd.Title),
		Author:         vd.Author,
		Formats:        list,
	}
	if secs, err := strconv.Atoi(vd.LengthSeconds); err == nil {
		info.Duration = time.Duration(secs) * time.Second
	}
	for _, t := range vd.Thumbnail.Thumbnails {
		info.Thumbnails = append(info.Thumbnails, types.Thumbnail{URL: t.URL, Width: t.Width, Height: t.Height})
	}
	log().Info("Resolved", map[string]interface{}{
		"video_id": videoID,
		"title":    vd.Title,
		"formats":  len(list),
	})
	return info, nil
}

// playability maps a non-OK status onto an origin-specific cause.
func playability(st innertube.PlayabilityStatus) error {
	reason := strings.ToLower(st.Reason)
	switch strings.ToUpper(st.Status) {
	case "", "OK":
		return nil
	case "ERROR":
		if strings.Contains(reason, "geograph") || strings.Contains(reason, "available in your country") {
			return errs.ErrGeoBlocked
		}
		if strings.Contains(reason, "rate limit") || strings.Contains(reason, "quota") {
			return errs.ErrRateLimited
		}
		return errs.ErrVideoUnavailable
	case "LOGIN_REQUIRED":
		if strings.Contains(reason, "private") {
			return errs.ErrPrivate
		}
		return errs.ErrAgeRestricted
	case "UNPLAYABLE":
		if strings.Contains(reason, "private") {
			return errs.ErrPrivate
		}
		return errs.ErrVideoUnavailable
	}
	return errs.ErrVideoUnavailable
}
