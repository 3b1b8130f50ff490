package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ytget/ytmux"
	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/store"
	"github.com/ytget/ytmux/types"
)

type fakeService struct {
	info     *types.MediaInfo
	artifact *types.Artifact
	err      error
	gotURL   string
	gotQ     types.Quality
	executeN int
	jobs     []ytmux.JobStatus
}

func (f *fakeService) Resolve(_ context.Context, u string) (*types.MediaInfo, error) {
	f.gotURL = u
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func (f *fakeService) Execute(_ context.Context, u string, q types.Quality, _ ...ytmux.ExecuteOption) (*types.Artifact, error) {
	f.gotURL, f.gotQ = u, q
	f.executeN++
	if f.err != nil {
		return nil, f.err
	}
	return f.artifact, nil
}

func (f *fakeService) Active() []ytmux.JobStatus { return f.jobs }

type denyLimiter struct{ calls int }

func (d *denyLimiter) Allow(context.Context, string) (bool, int) {
	d.calls++
	return false, 0
}

func newTestServer(t *testing.T, svc *fakeService) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(st.Close)
	return New(svc, st), st
}

func putArtifact(t *testing.T, st *store.Store, name string, data []byte) {
	t.Helper()
	w, err := st.Write(name)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	defer w.Close()
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeService{jobs: []ytmux.JobStatus{{ID: "a"}}})
	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["active"].(float64) != 1 {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("missing request id")
	}
}

func TestArtifactFull(t *testing.T) {
	srv, st := newTestServer(t, &fakeService{})
	data := payload(1000)
	putArtifact(t, st, "Clip_low.mp4", data)
	st.ScheduleDeletion("Clip_low.mp4")

	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/artifact/Clip_low.mp4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatal("body mismatch")
	}
	h := rec.Header()
	if h.Get("Content-Type") != "video/mp4" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if h.Get("Content-Length") != "1000" {
		t.Errorf("Content-Length = %q", h.Get("Content-Length"))
	}
	if h.Get("Accept-Ranges") != "bytes" {
		t.Errorf("Accept-Ranges = %q", h.Get("Accept-Ranges"))
	}
	if h.Get("Content-Range") != "" {
		t.Errorf("unexpected Content-Range %q", h.Get("Content-Range"))
	}
	if !strings.Contains(h.Get("Content-Disposition"), `filename="Clip_low.mp4"`) {
		t.Errorf("Content-Disposition = %q", h.Get("Content-Disposition"))
	}
	if h.Get("Expires") == "" {
		t.Error("missing Expires")
	}
}

func TestArtifactRanges(t *testing.T) {
	srv, st := newTestServer(t, &fakeService{})
	data := payload(1000)
	putArtifact(t, st, "Song_audio.mp3", data)

	tests := []struct {
		name         string
		header       string
		status       int
		contentRange string
		want         []byte
	}{
		{"bounded", "bytes=100-199", http.StatusPartialContent, "bytes 100-199/1000", data[100:200]},
		{"open ended", "bytes=900-", http.StatusPartialContent, "bytes 900-999/1000", data[900:]},
		{"suffix", "bytes=-10", http.StatusPartialContent, "bytes 990-999/1000", data[990:]},
		{"end past size", "bytes=990-5000", http.StatusPartialContent, "bytes 990-999/1000", data[990:]},
		{"start past size", "bytes=1000-", http.StatusRequestedRangeNotSatisfiable, "bytes */1000", nil},
		{"inverted", "bytes=200-100", http.StatusRequestedRangeNotSatisfiable, "bytes */1000", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/artifact/Song_audio.mp3", nil)
			req.Header.Set("Range", tt.header)
			rec := do(t, srv.Handler(), req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("Content-Range"); got != tt.contentRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.contentRange)
			}
			if tt.want != nil {
				if !bytes.Equal(rec.Body.Bytes(), tt.want) {
					t.Errorf("body len %d, want %d", rec.Body.Len(), len(tt.want))
				}
				if rec.Header().Get("Content-Type") != "audio/mpeg" {
					t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
				}
			}
		})
	}
}

func TestArtifactHead(t *testing.T) {
	srv, st := newTestServer(t, &fakeService{})
	putArtifact(t, st, "Clip_mixed.mp4", payload(64))

	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodHead, "/artifact/Clip_mixed.mp4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD body len = %d", rec.Body.Len())
	}
	if rec.Header().Get("Content-Length") != "64" {
		t.Fatalf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}
}

func TestArtifactNotFound(t *testing.T) {
	srv, st := newTestServer(t, &fakeService{})
	putArtifact(t, st, "Clip_low.mp4", payload(10))
	putArtifact(t, st, "Clip_mixed.part-1a2b3c4d.video.mp4", payload(10))

	for _, path := range []string{
		"/artifact/missing.mp4",
		"/artifact/.Clip_low.mp4.part",
		"/artifact/Clip_mixed.part-1a2b3c4d.video.mp4",
		"/artifact/%2E%2E%2Fetc",
	} {
		rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestArtifactExpired(t *testing.T) {
	srv, st := newTestServer(t, &fakeService{})
	putArtifact(t, st, "Clip_low.mp4", payload(10))
	if err := st.Delete("Clip_low.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/artifact/Clip_low.mp4", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestResolve(t *testing.T) {
	svc := &fakeService{info: &types.MediaInfo{
		ID:             "abc123xyz",
		Title:          "My Video",
		CanonicalTitle: "My_Video",
		Duration:       90 * time.Second,
		Thumbnails:     []types.Thumbnail{{URL: "https://i/1.jpg", Width: 120, Height: 90}},
		Formats: []types.Format{
			{ID: "137", Container: "mp4", VideoCodec: "avc1", AudioCodec: "none", Width: 1920, Height: 1080, Size: 300},
			{ID: "140", Container: "m4a", AudioCodec: "mp4a", Size: 50},
		},
	}}
	srv, _ := newTestServer(t, svc)

	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/resolve?url=https%3A%2F%2Fyoutu.be%2Fabc123xyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if svc.gotURL != "https://youtu.be/abc123xyz" {
		t.Fatalf("url = %q", svc.gotURL)
	}
	var body resolveBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.CanonicalTitle != "My_Video" || body.Duration != 90 {
		t.Fatalf("body = %+v", body)
	}
	if len(body.Formats) != 2 || body.Formats[0].Resolution != "1920x1080" || body.Formats[1].Resolution != "audio only" {
		t.Fatalf("formats = %+v", body.Formats)
	}
	if len(body.Thumbnails) != 1 {
		t.Fatalf("thumbnails = %+v", body.Thumbnails)
	}
}

func TestResolveMissingURL(t *testing.T) {
	srv, _ := newTestServer(t, &fakeService{})
	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/resolve", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		class  string
	}{
		{fmt.Errorf("%w: bad", errs.ErrInvalidSource), http.StatusBadRequest, "invalid_source"},
		{fmt.Errorf("%w: none", errs.ErrUnsupportedQuality), http.StatusBadRequest, "unsupported_quality"},
		{fmt.Errorf("%w: %w", errs.ErrSourceUnavailable, errs.ErrPrivate), http.StatusBadGateway, "source_unavailable"},
		{fmt.Errorf("%w: %w", errs.ErrFetchFailed, errs.ErrOrigin), http.StatusInternalServerError, "fetch_failed"},
		{fmt.Errorf("%w: ffmpeg", errs.ErrMergeFailed), http.StatusInternalServerError, "merge_failed"},
		{fmt.Errorf("%w: ffmpeg", errs.ErrTranscodeFailed), http.StatusInternalServerError, "transcode_failed"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "canceled"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeService{err: tt.err})
			rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/resolve?url=x", nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Class != tt.class {
				t.Fatalf("class = %q, want %q", body.Class, tt.class)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &fakeService{artifact: &types.Artifact{
		Name:      "My_Video_mixed.mp4",
		Title:     "My Video",
		Quality:   types.QualityHigh,
		Kind:      types.KindVideo,
		Size:      4096,
		ExpiresAt: exp,
		Reused:    true,
	}}
	srv, _ := newTestServer(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"url":"https://youtu.be/abc123xyz","quality":"HIGH"}`))
	rec := do(t, srv.Handler(), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if svc.gotQ != types.QualityHigh {
		t.Fatalf("quality = %q", svc.gotQ)
	}
	var body executeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ArtifactRef != "My_Video_mixed.mp4" || body.Size != 4096 || !body.Reused || !body.ExpiresAt.Equal(exp) {
		t.Fatalf("body = %+v", body)
	}
	if body.Kind != "video" {
		t.Fatalf("kind = %q", body.Kind)
	}
}

func TestExecuteBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"url":`},
		{"missing url", `{"quality":"low"}`},
		{"unknown quality", `{"url":"https://youtu.be/abc123xyz","quality":"4k"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			srv, _ := newTestServer(t, svc)
			rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if svc.executeN != 0 {
				t.Fatal("Execute called for bad input")
			}
		})
	}
}

func TestExecuteBodyTooLarge(t *testing.T) {
	svc := &fakeService{}
	srv, _ := newTestServer(t, svc)
	big := `{"url":"` + strings.Repeat("a", maxBodyBytes) + `","quality":"low"}`
	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(big)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	svc := &fakeService{}
	lim := &denyLimiter{}
	srv, st := newTestServer(t, svc)
	srv.WithLimiter(lim)
	putArtifact(t, st, "Clip_low.mp4", payload(10))
	h := srv.Handler()

	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"url":"u","quality":"low"}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("execute status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if svc.executeN != 0 {
		t.Fatal("Execute called while limited")
	}

	// Delivery is not limited.
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/artifact/Clip_low.mp4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("artifact status = %d", rec.Code)
	}
	if lim.calls != 1 {
		t.Fatalf("limiter calls = %d", lim.calls)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, &fakeService{})
	srv.WithAllowedOrigins([]string{"https://app.example"})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/execute", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := do(t, h, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = do(t, h, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin was granted")
	}
}

func TestJobs(t *testing.T) {
	started := time.Now()
	svc := &fakeService{jobs: []ytmux.JobStatus{
		{ID: "j1", URL: "u", Quality: types.QualityLow, State: ytmux.StateFetching, Started: started, Bytes: 10, Total: 100},
	}}
	srv, _ := newTestServer(t, svc)
	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/jobs", nil))
	var body []jobBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 1 || body[0].State != string(ytmux.StateFetching) || body[0].Total != 100 {
		t.Fatalf("jobs = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeService{})
	h := srv.Handler()
	do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `route="/health"`) {
		t.Fatalf("metrics missing health route:\n%s", body)
	}
}

func TestServeShutdown(t *testing.T) {
	srv, _ := newTestServer(t, &fakeService{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
