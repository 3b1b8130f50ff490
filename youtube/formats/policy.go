package formats

import (
	"fmt"
	"sort"

	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/mimeext"
	"github.com/ytget/ytmux/types"
)

// Selection is the outcome of applying a quality tier to a format list.
type Selection struct {
	Quality types.Quality
	// Primary is the only stream, or the video stream when Audio is set.
	Primary types.Format
	// Audio is the separate audio stream to merge with Primary.
	Audio *types.Format
	// Container is the extension of the deliverable.
	Container string
}

// NeedsMerge reports whether two streams must be muxed.
func (s Selection) NeedsMerge() bool { return s.Audio != nil }

// NeedsTranscode reports whether the single stream must be re-encoded.
func (s Selection) NeedsTranscode() bool {
	return s.Quality == types.QualityAudioOnly && s.Primary.Container != mimeext.ExtMP3
}

// Select maps q onto concrete formats. Only formats with a resolved URL are
// considered. It fails with errs.ErrUnsupportedQuality for an unknown tier
// and errs.ErrSourceUnavailable when no format satisfies the tier.
func Select(q types.Quality, formats []types.Format) (Selection, error) {
	var (
		combined, video, audio []types.Format
	)
	for _, f := range formats {
		if !hasDirectURL(f) {
			continue
		}
		switch f.Kind() {
		case types.KindCombined:
			combined = append(combined, f)
		case types.KindVideo:
			video = append(video, f)
		case types.KindAudio:
			audio = append(audio, f)
		}
	}

	sel := Selection{Quality: q}
	switch q {
	case types.QualityLow:
		pool := combined
		if len(pool) == 0 {
			pool = video
		}
		f, ok := smallest(pool)
		if !ok {
			return sel, noMatch(q, "no video formats")
		}
		sel.Primary = f
		sel.Container = f.Container

	case types.QualityMedium:
		f, ok := best(preferSubtype(combined, mimeext.ExtMP4), betterByHeightThenBitrate)
		if !ok {
			f, ok = best(preferSubtype(video, mimeext.ExtMP4), betterByHeightThenBitrate)
		}
		if !ok {
			return sel, noMatch(q, "no video formats")
		}
		sel.Primary = f
		sel.Container = f.Container

	case types.QualityHigh:
		v, vok := best(preferSubtype(video, mimeext.ExtMP4), betterByHeightThenBitrate)
		a, aok := best(preferSubtype(audio, mimeext.ExtMP4), betterAudio)
		if vok && aok {
			sel.Primary = v
			sel.Audio = &a
			sel.Container = mimeext.ExtMP4
			break
		}
		// No separate streams: the best muxed stream needs no merge.
		f, ok := best(combined, betterByHeightThenBitrate)
		if !ok {
			return sel, noMatch(q, "no separate video and audio streams")
		}
		sel.Primary = f
		sel.Container = f.Container

	case types.QualityAudioOnly:
		f, ok := best(audio, betterAudio)
		if !ok {
			f, ok = best(combined, betterAudio)
		}
		if !ok {
			return sel, noMatch(q, "no audio formats")
		}
		sel.Primary = f
		sel.Container = mimeext.ExtMP3

	default:
		return sel, fmt.Errorf("%w: %q", errs.ErrUnsupportedQuality, string(q))
	}
	return sel, nil
}

func noMatch(q types.Quality, reason string) error {
	return fmt.Errorf("%w: quality %s: %s", errs.ErrSourceUnavailable, q, reason)
}

// preferSubtype narrows list to formats of the given MIME subtype when any exist.
func preferSubtype(list []types.Format, subtype string) []types.Format {
	var out []types.Format
	for _, f := range list {
		if mimeSubtypeEquals(f, subtype) {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return list
	}
	return out
}

func best(list []types.Format, better func(candidate, current types.Format) bool) (types.Format, bool) {
	if len(list) == 0 {
		return types.Format{}, false
	}
	b := list[0]
	for _, f := range list[1:] {
		if better(f, b) {
			b = f
		}
	}
	return b, true
}

// smallest picks the lowest resolution, then the lowest bitrate.
func smallest(list []types.Format) (types.Format, bool) {
	if len(list) == 0 {
		return types.Format{}, false
	}
	s := list[0]
	for _, f := range list[1:] {
		if betterByHeightThenBitrate(s, f) {
			s = f
		}
	}
	return s, true
}

// SortBySize orders formats by size descending; formats of unknown size
// keep their relative order after all sized ones.
func SortBySize(formats []types.Format) {
	sort.SliceStable(formats, func(i, j int) bool {
		si, sj := formats[i].Size, formats[j].Size
		if si <= 0 || sj <= 0 {
			return si > 0 && sj <= 0
		}
		return si > sj
	})
}
