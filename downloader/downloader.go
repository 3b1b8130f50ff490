// Package downloader transfers media streams from the origin into the
// artifact store using chunked ranged requests.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/internal/metrics"
	"github.com/ytget/ytmux/store"
	"github.com/ytget/ytmux/types"
)

const (
	defaultChunkSizeBytes  = 1 << 20 // 1MB
	defaultMaxRetries      = 3       // attempts per chunk
	initialBackoffDuration = 200 * time.Millisecond
	maxBackoffDuration     = 3 * time.Second
	copyBufferSizeBytes    = 32 * 1024 // 32KB
	defaultProgressEvery   = 250 * time.Millisecond

	headerRange          = "Range"
	headerContentRange   = "Content-Range"
	headerContentLength  = "Content-Length"
	headerUserAgent      = "User-Agent"
	headerAccept         = "Accept"
	headerAcceptLanguage = "Accept-Language"
	headerAcceptEncoding = "Accept-Encoding"
	headerConnection     = "Connection"
	headerCacheControl   = "Cache-Control"

	userAgentValue = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36"
)

// Progress is a snapshot of one transfer.
type Progress struct {
	Bytes   int64
	Total   int64
	Elapsed time.Duration
}

// Percent returns completion in [0,100], or 0 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Bytes) / float64(p.Total) * 100
}

// Downloader is responsible for downloading media files with chunked HTTP
// requests, retry/backoff, and optional rate limiting.
type Downloader struct {
	Client *http.Client
	store  *store.Store

	chunkSize     int64
	maxRetries    int
	limiter       *rate.Limiter
	progressEvery time.Duration
}

// New creates a downloader writing into st. If client is nil, a default
// http.Client is used.
func New(client *http.Client, st *store.Store) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	return &Downloader{
		Client:        client,
		store:         st,
		chunkSize:     defaultChunkSizeBytes,
		maxRetries:    defaultMaxRetries,
		progressEvery: defaultProgressEvery,
	}
}

// WithRateLimit caps throughput in bytes per second. Zero disables limiting.
func (d *Downloader) WithRateLimit(bytesPerSecond int64) *Downloader {
	if bytesPerSecond <= 0 {
		d.limiter = nil
		return d
	}
	burst := int(bytesPerSecond)
	if burst < copyBufferSizeBytes {
		burst = copyBufferSizeBytes
	}
	d.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	return d
}

// WithChunkSize sets the size of each ranged request.
func (d *Downloader) WithChunkSize(n int64) *Downloader {
	if n > 0 {
		d.chunkSize = n
	}
	return d
}

// WithRetries sets the number of attempts per chunk.
func (d *Downloader) WithRetries(n int) *Downloader {
	if n > 0 {
		d.maxRetries = n
	}
	return d
}

// WithProgressInterval sets the minimum delay between progress reports.
func (d *Downloader) WithProgressInterval(every time.Duration) *Downloader {
	if every > 0 {
		d.progressEvery = every
	}
	return d
}

func log() *logger.ComponentLogger {
	return logger.WithComponent(logger.ComponentDownloader)
}

// Fetch transfers job.Format into the store under job.Dest. The artifact is
// committed only after every byte has arrived; on any failure or cancellation
// the partial file is removed. Progress reports are sent without blocking and
// are dropped when progress is full or nil.
func (d *Downloader) Fetch(ctx context.Context, job *types.FetchJob, progress chan<- Progress) error {
	src := strings.TrimSpace(job.Format.URL)
	if src == "" {
		job.State = types.FetchFailed
		return fmt.Errorf("%w: format %s has no resolved url", errs.ErrOrigin, job.Format.ID)
	}
	w, err := d.store.Write(job.Dest)
	if err != nil {
		job.State = types.FetchFailed
		return err
	}
	defer w.Close()

	job.State = types.FetchActive
	start := time.Now()
	rep := &reporter{ch: progress, every: d.progressEvery, start: start}

	n, err := d.download(ctx, src, job.Format.Size, w, func(written, total int64) {
		job.Bytes, job.Total = written, total
		rep.report(written, total, false)
	})
	metrics.FetchedBytes.WithLabelValues(string(job.Format.Kind())).Add(float64(n))
	if err != nil {
		job.State = types.FetchFailed
		return err
	}
	if n == 0 {
		job.State = types.FetchFailed
		return fmt.Errorf("%w: empty download: 0 bytes written", errs.ErrOrigin)
	}
	if err := w.Commit(); err != nil {
		job.State = types.FetchFailed
		return err
	}
	job.State = types.FetchCompleted
	rep.report(n, job.Total, true)
	log().Info("Fetch completed", map[string]interface{}{
		"dest":    job.Dest,
		"bytes":   n,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	})
	return nil
}

type reporter struct {
	ch    chan<- Progress
	every time.Duration
	start time.Time
	last  time.Time
}

func (r *reporter) report(written, total int64, final bool) {
	if r.ch == nil {
		return
	}
	now := time.Now()
	if !final && now.Sub(r.last) < r.every {
		return
	}
	r.last = now
	select {
	case r.ch <- Progress{Bytes: written, Total: total, Elapsed: now.Sub(r.start)}:
	default:
	}
}

func isGoogleVideoHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	h := strings.ToLower(u.Host)
	return strings.HasSuffix(h, ".googlevideo.com") || h == "googlevideo.com"
}

func (d *Downloader) newRequest(ctx context.Context, method, urlStr string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrOrigin, err)
	}
	req.Header.Set(headerUserAgent, userAgentValue)
	req.Header.Set(headerAccept, "*/*")
	req.Header.Set(headerAcceptEncoding, "identity")
	req.Header.Set(headerConnection, "keep-alive")
	req.Header.Set(headerCacheControl, "no-cache")
	if !isGoogleVideoHost(urlStr) {
		req.Header.Set(headerAcceptLanguage, "en-US,en;q=0.9")
	}
	return req, nil
}

// sizeFromHeaders reads the total size from Content-Range, then Content-Length.
func sizeFromHeaders(h http.Header) (int64, bool) {
	if cr := h.Get(headerContentRange); cr != "" {
		parts := strings.Split(cr, "/")
		if len(parts) == 2 {
			if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				return v, true
			}
		}
		return 0, false
	}
	if cl := h.Get(headerContentLength); cl != "" {
		if v, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// detectTotalSize tries HEAD first, then GET range 0-1 to infer total size.
// HEAD is skipped for googlevideo hosts, which reject it.
func (d *Downloader) detectTotalSize(ctx context.Context, urlStr string) (int64, error) {
	if !isGoogleVideoHost(urlStr) {
		if req, err := d.newRequest(ctx, http.MethodHead, urlStr); err == nil {
			req.Header.Set(headerRange, "bytes=0-1")
			if resp, err := d.Client.Do(req); err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < http.StatusBadRequest {
					if v, ok := sizeFromHeaders(resp.Header); ok {
						return v, nil
					}
				}
			}
		}
	}

	req, err := d.newRequest(ctx, http.MethodGet, urlStr)
	if err != nil {
		return 0, err
	}
	req.Header.Set(headerRange, "bytes=0-1")
	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	if v, ok := sizeFromHeaders(resp.Header); ok {
		return v, nil
	}
	return 0, errors.New("cannot determine total size")
}

// statusError marks a response that should not be retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP status %d", e.code) }

func permanent(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// download copies urlStr into w and returns the bytes written. Known sizes
// are fetched in ranged chunks; each chunk is retried with exponential
// backoff and resumes from the last byte received.
func (d *Downloader) download(ctx context.Context, urlStr string, knownSize int64, w io.Writer, onWrite func(written, total int64)) (int64, error) {
	total := knownSize
	if total <= 0 {
		size, err := d.detectTotalSize(ctx, urlStr)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if err != nil {
			log().Debug("Total size unknown, streaming whole body", map[string]interface{}{"error": err.Error()})
		} else {
			total = size
		}
	}

	var written int64
	for total <= 0 || written < total {
		start := written
		end := int64(-1)
		if total > 0 {
			end = start + d.chunkSize - 1
			if end >= total {
				end = total - 1
			}
		}

		backoff := initialBackoffDuration
		var lastErr error
		for attempt := 0; attempt < d.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return written, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoffDuration {
					backoff = maxBackoffDuration
				}
			}

			n, done, err := d.fetchRange(ctx, urlStr, written, end, total, w, func(chunkWritten int64) {
				onWrite(written+chunkWritten, total)
			})
			written += n
			if err == nil {
				lastErr = nil
				if done {
					return written, nil
				}
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			if errors.Is(err, errs.ErrWrite) {
				return written, err
			}
			lastErr = err
			var se *statusError
			if errors.As(err, &se) && permanent(se.code) {
				break
			}
			log().Debug("Chunk attempt failed", map[string]interface{}{
				"attempt": attempt + 1,
				"offset":  written,
				"error":   err.Error(),
			})
			// Resume the remainder of this chunk on the next attempt.
			if end >= 0 && written > end {
				lastErr = nil
				break
			}
		}
		if lastErr != nil {
			return written, fmt.Errorf("%w: download chunk at %d failed: %v", errs.ErrOrigin, written, lastErr)
		}
		if total <= 0 {
			return written, nil
		}
	}
	return written, nil
}

// fetchRange requests [start,end] (end < 0 for the whole body) and copies it
// into w. done is true when the response carried the remainder of the file.
func (d *Downloader) fetchRange(ctx context.Context, urlStr string, start, end, total int64, w io.Writer, onWrite func(int64)) (int64, bool, error) {
	req, err := d.newRequest(ctx, http.MethodGet, urlStr)
	if err != nil {
		return 0, false, err
	}
	if end >= 0 {
		req.Header.Set(headerRange, fmt.Sprintf("bytes=%d-%d", start, end))
	} else if start > 0 {
		req.Header.Set(headerRange, fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, false, &statusError{code: resp.StatusCode}
	}
	done := end < 0 || (total > 0 && end == total-1)
	if resp.StatusCode == http.StatusOK && req.Header.Get(headerRange) != "" {
		// Range ignored: the body is the whole file.
		if start > 0 {
			return 0, false, &statusError{code: http.StatusRequestedRangeNotSatisfiable}
		}
		done = true
	}

	n, err := d.copyBody(ctx, w, resp.Body, onWrite)
	if err == nil && resp.StatusCode == http.StatusPartialContent && end >= 0 && n < end-start+1 {
		err = io.ErrUnexpectedEOF
	}
	return n, done, err
}

func (d *Downloader) copyBody(ctx context.Context, w io.Writer, body io.Reader, onWrite func(int64)) (int64, error) {
	buf := make([]byte, copyBufferSizeBytes)
	var n int64
	for {
		r, rerr := body.Read(buf)
		if r > 0 {
			if d.limiter != nil {
				if err := d.limiter.WaitN(ctx, r); err != nil {
					return n, err
				}
			}
			if _, werr := w.Write(buf[:r]); werr != nil {
				return n, werr
			}
			n += int64(r)
			onWrite(n)
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}
