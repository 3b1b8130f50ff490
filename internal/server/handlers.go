package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/mimeext"
	"github.com/ytget/ytmux/internal/sanitize"
	"github.com/ytget/ytmux/store"
	"github.com/ytget/ytmux/types"
)

type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

type thumbnailBody struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type formatBody struct {
	ID         string `json:"id"`
	Container  string `json:"container"`
	VideoCodec string `json:"videoCodec,omitempty"`
	AudioCodec string `json:"audioCodec,omitempty"`
	Resolution string `json:"resolution"`
	SizeBytes  int64  `json:"sizeBytes,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
	Note       string `json:"note,omitempty"`
}

type resolveBody struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	CanonicalTitle string          `json:"canonicalTitle"`
	Author         string          `json:"author,omitempty"`
	Duration       float64         `json:"duration"`
	Thumbnails     []thumbnailBody `json:"thumbnails"`
	Formats        []formatBody    `json:"formats"`
}

type executeRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
}

type executeBody struct {
	Name        string    `json:"name"`
	ArtifactRef string    `json:"artifactRef"`
	Title       string    `json:"title"`
	Quality     string    `json:"quality"`
	Kind        string    `json:"kind"`
	Size        int64     `json:"size"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Reused      bool      `json:"reused"`
}

type jobBody struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Quality string    `json:"quality"`
	Key     string    `json:"key,omitempty"`
	State   string    `json:"state"`
	Started time.Time `json:"started"`
	Updated time.Time `json:"updated"`
	Bytes   int64     `json:"bytes"`
	Total   int64     `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an orchestrator error onto an HTTP status code.
func statusFor(err error) int {
	switch errs.Class(err) {
	case errs.ErrInvalidSource, errs.ErrUnsupportedQuality:
		return http.StatusBadRequest
	case errs.ErrSourceUnavailable:
		return http.StatusBadGateway
	case errs.ErrNotFound:
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	class := errs.Name(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		class = "canceled"
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", map[string]interface{}{"error": err.Error(), "class": class})
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Class: class})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"active": len(s.svc.Active()),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	src := strings.TrimSpace(r.URL.Query().Get("url"))
	if src == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "url is required", Class: "invalid_source"})
		return
	}
	info, err := s.svc.Resolve(r.Context(), src)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body := resolveBody{
		ID:             info.ID,
		Title:          info.Title,
		CanonicalTitle: info.CanonicalTitle,
		Author:         info.Author,
		Duration:       info.Duration.Seconds(),
		Thumbnails:     make([]thumbnailBody, 0, len(info.Thumbnails)),
		Formats:        make([]formatBody, 0, len(info.Formats)),
	}
	for _, t := range info.Thumbnails {
		body.Thumbnails = append(body.Thumbnails, thumbnailBody{URL: t.URL, Width: t.Width, Height: t.Height})
	}
	for _, f := range info.Formats {
		body.Formats = append(body.Formats, formatBody{
			ID:         f.ID,
			Container:  f.Container,
			VideoCodec: f.VideoCodec,
			AudioCodec: f.AudioCodec,
			Resolution: f.Resolution(),
			SizeBytes:  f.Size,
			Bitrate:    f.Bitrate,
			Note:       f.Note,
		})
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Class: "invalid_source"})
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "url is required", Class: "invalid_source"})
		return
	}
	q, err := types.ParseQuality(req.Quality)
	if err != nil {
		s.writeError(w, err)
		return
	}

	a, err := s.svc.Execute(r.Context(), req.URL, q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeBody{
		Name:        a.Name,
		ArtifactRef: sanitize.EncodeSegment(a.Name),
		Title:       a.Title,
		Quality:     string(a.Quality),
		Kind:        string(a.Kind),
		Size:        a.Size,
		ExpiresAt:   a.ExpiresAt,
		Reused:      a.Reused,
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	active := s.svc.Active()
	out := make([]jobBody, 0, len(active))
	for _, j := range active {
		out = append(out, jobBody{
			ID:      j.ID,
			URL:     j.URL,
			Quality: string(j.Quality),
			Key:     j.Key,
			State:   string(j.State),
			Started: j.Started,
			Updated: j.Updated,
			Bytes:   j.Bytes,
			Total:   j.Total,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleArtifact streams a stored artifact, honouring single byte ranges.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name, err := sanitize.DecodeSegment(chi.URLParam(r, "ref"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: bad artifact reference", errs.ErrNotFound))
		return
	}
	if store.IsPart(name) {
		s.writeError(w, fmt.Errorf("%w: %q is not ready", errs.ErrNotFound, name))
		return
	}
	info, err := s.store.Stat(name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rng, partial, err := store.ParseRange(r.Header.Get("Range"), info.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		writeJSON(w, http.StatusRequestedRangeNotSatisfiable, errorBody{Error: err.Error(), Class: "range"})
		return
	}
	if !partial {
		rng = store.Full
	}

	// Every range of an empty file is unsatisfiable.
	if info.Size == 0 {
		s.setArtifactHeaders(w, name, 0)
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, total, err := s.store.RangeRead(name, rng)
	if err != nil {
		if errors.Is(err, store.ErrRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			writeJSON(w, http.StatusRequestedRangeNotSatisfiable, errorBody{Error: err.Error(), Class: "range"})
			return
		}
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	s.setArtifactHeaders(w, name, rng.Length(total))
	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", rng.ContentRange(total))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug("Artifact stream interrupted", map[string]interface{}{
			"name":  name,
			"error": err.Error(),
		})
	}
}

func (s *Server) setArtifactHeaders(w http.ResponseWriter, name string, length int64) {
	ext := filepath.Ext(name)
	download := sanitize.ToSafeFilename(strings.TrimSuffix(name, ext), ext)
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", mimeext.ContentType(ext))
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		download, url.PathEscape(download)))
	if exp, ok := s.store.ExpiresAt(name); ok {
		h.Set("Expires", exp.UTC().Format(http.TimeFormat))
	}
}
