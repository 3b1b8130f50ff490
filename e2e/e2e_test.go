//go:build e2e

package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ytget/ytmux"
	"github.com/ytget/ytmux/client"
	"github.com/ytget/ytmux/downloader"
	"github.com/ytget/ytmux/store"
	"github.com/ytget/ytmux/transcode"
	"github.com/ytget/ytmux/types"
	"github.com/ytget/ytmux/youtube"
)

func TestE2E_Execute(t *testing.T) {
	if os.Getenv("YTMUX_E2E") == "" {
		t.Skip("YTMUX_E2E not set")
	}
	url := os.Getenv("YTMUX_E2E_URL")
	if url == "" {
		url = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
	}

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	hc := client.New()
	orch := ytmux.New(youtube.New(hc), downloader.New(hc.Streaming(), st), transcode.New("ffmpeg"), st)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, q := range []types.Quality{types.QualityLow, types.QualityAudioOnly} {
		art, err := orch.Execute(ctx, url, q)
		if err != nil {
			t.Fatalf("execute %s: %v", q, err)
		}
		if art.Size == 0 || !st.Exists(art.Name) {
			t.Fatalf("execute %s: empty artifact %+v", q, art)
		}
		t.Logf("%s: %s (%d bytes)", q, art.Name, art.Size)
	}
}
