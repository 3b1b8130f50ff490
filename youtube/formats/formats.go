package formats

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/internal/mimeext"
	"github.com/ytget/ytmux/types"
	"github.com/ytget/ytmux/youtube/innertube"
)

const codecNone = "none"

var heightRe = regexp.MustCompile(`([0-9]{3,4})p`)

// Decipherer undoes the signature and throttling transforms of stream URLs.
type Decipherer interface {
	Decipher(ctx context.Context, playerURL, signature string) (string, error)
	DecipherN(ctx context.Context, playerURL, nval string) (string, error)
}

func getSubtype(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	parts := strings.Split(mime, "/")
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

func parseHeight(label string) int {
	m := heightRe.FindStringSubmatch(label)
	if len(m) >= 2 {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return v
		}
	}
	return 0
}

// ParseFormats converts the muxed and adaptive formats of a player response
// into format descriptors.
func ParseFormats(pr *innertube.PlayerResponse) []types.Format {
	raw := pr.AllFormats()
	out := make([]types.Format, 0, len(raw))
	for _, rf := range raw {
		out = append(out, parseFormat(rf))
	}
	return out
}

func parseFormat(rf innertube.RawFormat) types.Format {
	f := types.Format{
		ID:              strconv.Itoa(rf.Itag),
		Itag:            rf.Itag,
		URL:             rf.URL,
		SignatureCipher: rf.SignatureCipher,
		MimeType:        rf.MimeType,
		Container:       mimeext.ExtFromMime(rf.MimeType),
		Quality:         rf.QualityLabel,
		Width:           rf.Width,
		Height:          rf.Height,
		Bitrate:         rf.Bitrate,
	}
	if f.SignatureCipher == "" {
		f.SignatureCipher = rf.Cipher
	}
	if f.Bitrate == 0 {
		f.Bitrate = rf.AverageBitrate
	}
	if v, err := strconv.ParseInt(rf.ContentLength, 10, 64); err == nil && v > 0 {
		f.Size = v
	}

	codecs := mimeext.Codecs(rf.MimeType)
	if mimeext.IsAudioMime(rf.MimeType) {
		f.VideoCodec = codecNone
		f.AudioCodec = firstOr(codecs, 0, getSubtype(rf.MimeType))
		f.Quality = strings.ToLower(strings.TrimPrefix(rf.AudioQuality, "AUDIO_QUALITY_"))
		if rf.AudioSampleRate != "" {
			f.Note = rf.AudioSampleRate + "Hz"
		}
	} else {
		f.VideoCodec = firstOr(codecs, 0, getSubtype(rf.MimeType))
		f.AudioCodec = firstOr(codecs, 1, codecNone)
		if f.Height == 0 {
			f.Height = parseHeight(rf.QualityLabel)
		}
		if rf.FPS > 0 {
			f.Note = strconv.Itoa(rf.FPS) + "fps"
		}
	}
	if f.Quality == "" {
		f.Quality = rf.Quality
	}
	return f
}

func firstOr(list []string, i int, def string) string {
	if i < len(list) && list[i] != "" {
		return list[i]
	}
	return def
}

// NeedsPlayer reports whether any format requires player.js to become usable.
func NeedsPlayer(formats []types.Format) bool {
	for i := range formats {
		if !hasDirectURL(formats[i]) && formats[i].SignatureCipher != "" {
			return true
		}
		if u, err := url.Parse(formats[i].URL); err == nil && u.Query().Get("n") != "" {
			return true
		}
	}
	return false
}

// ResolveURLs deciphers every format in place and returns those that ended up
// with a usable URL. d may be nil when NeedsPlayer is false.
func ResolveURLs(ctx context.Context, d Decipherer, formats []types.Format, playerURL string) []types.Format {
	log := logger.WithComponent(logger.ComponentResolver)
	out := formats[:0]
	skipped := 0
	for i := range formats {
		f := formats[i]
		if err := ResolveFormatURL(ctx, d, &f, playerURL); err != nil {
			log.Debug("Skipping format", map[string]interface{}{"itag": f.Itag, "error": err.Error()})
			skipped++
			continue
		}
		out = append(out, f)
	}
	if skipped > 0 {
		log.Info("Signature decryption incomplete", map[string]interface{}{
			"resolved": len(out),
			"skipped":  skipped,
		})
	}
	return out
}

// ResolveFormatURL builds the final downloadable URL for f. A direct URL only
// has its n parameter decoded; a signatureCipher is deciphered first.
func ResolveFormatURL(ctx context.Context, d Decipherer, f *types.Format, playerURL string) error {
	var (
		u   *url.URL
		err error
	)
	if hasDirectURL(*f) {
		u, err = url.Parse(f.URL)
		if err != nil {
			return fmt.Errorf("parse direct url failed: %v", err)
		}
	} else {
		if strings.TrimSpace(f.SignatureCipher) == "" {
			return fmt.Errorf("no url or signatureCipher for format %d", f.Itag)
		}
		parsed, perr := url.ParseQuery(f.SignatureCipher)
		if perr != nil {
			return fmt.Errorf("parse signatureCipher failed: %v", perr)
		}
		sig := parsed.Get("s")
		sp := parsed.Get("sp")
		if sp == "" {
			sp = "signature"
		}
		cipherURL := parsed.Get("url")
		if cipherURL == "" || sig == "" {
			return fmt.Errorf("signatureCipher missing signature or url")
		}
		if d == nil {
			return fmt.Errorf("%w: no decipherer for signed format", errs.ErrCipherFailed)
		}
		decoded, derr := d.Decipher(ctx, playerURL, sig)
		if derr != nil {
			return fmt.Errorf("decipher signature failed: %w", derr)
		}
		u, err = url.Parse(cipherURL)
		if err != nil {
			return fmt.Errorf("parse cipher url failed: %v", err)
		}
		q := u.Query()
		q.Set(sp, decoded)
		u.RawQuery = q.Encode()
	}

	q := u.Query()
	if nval := q.Get("n"); nval != "" && d != nil {
		if nout, err := d.DecipherN(ctx, playerURL, nval); err == nil && nout != "" {
			q.Set("n", nout)
		}
	}
	// Ensure ratebypass for ranged requests
	if q.Get("ratebypass") == "" {
		q.Set("ratebypass", "yes")
	}
	// Encourage redirect behavior to non-alt hosts
	if q.Get("alr") == "" {
		q.Set("alr", "yes")
	}
	u.RawQuery = q.Encode()
	f.URL = u.String()
	f.SignatureCipher = ""
	return nil
}
