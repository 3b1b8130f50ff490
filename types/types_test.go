package types

import (
	"errors"
	"testing"

	"github.com/ytget/ytmux/errs"
)

func TestFormatKind(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		kind   MediaKind
		res    string
	}{
		{
			name:   "progressive",
			format: Format{VideoCodec: "avc1.42001E", AudioCodec: "mp4a.40.2", Width: 640, Height: 360},
			kind:   KindCombined,
			res:    "640x360",
		},
		{
			name:   "video only",
			format: Format{VideoCodec: "vp9", AudioCodec: "none", Height: 1080},
			kind:   KindVideo,
			res:    "1080p",
		},
		{
			name:   "audio only",
			format: Format{VideoCodec: "none", AudioCodec: "opus"},
			kind:   KindAudio,
			res:    "audio only",
		},
		{
			name:   "unknown",
			format: Format{},
			kind:   KindUnknown,
			res:    "audio only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.Kind(); got != tt.kind {
				t.Errorf("Kind() = %q, want %q", got, tt.kind)
			}
			if got := tt.format.Resolution(); got != tt.res {
				t.Errorf("Resolution() = %q, want %q", got, tt.res)
			}
		})
	}
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		in      string
		want    Quality
		wantErr bool
	}{
		{"low", QualityLow, false},
		{"MEDIUM", QualityMedium, false},
		{" high ", QualityHigh, false},
		{"audio_only", QualityAudioOnly, false},
		{"audio", QualityAudioOnly, false},
		{"audio-only", QualityAudioOnly, false},
		{"ultra", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuality(tt.in)
			if tt.wantErr {
				if !errors.Is(err, errs.ErrUnsupportedQuality) {
					t.Fatalf("expected ErrUnsupportedQuality, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQualitiesAreValid(t *testing.T) {
	for _, q := range Qualities {
		if !q.Valid() {
			t.Errorf("%q should be valid", q)
		}
	}
	if Quality("best").Valid() {
		t.Error("unexpected valid quality")
	}
}
