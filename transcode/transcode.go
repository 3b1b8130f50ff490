// Package transcode drives ffmpeg to mux separate video and audio streams
// into one container and to convert audio streams between formats.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/internal/metrics"
	"github.com/ytget/ytmux/internal/mimeext"
	"github.com/ytget/ytmux/types"
)

const (
	// DefaultFFmpegPath is resolved through PATH.
	DefaultFFmpegPath = "ffmpeg"

	progressTimePrefix = "out_time_us="
	progressEndLine    = "progress=end"
	stderrTailBytes    = 4 * 1024
	waitDelay          = 5 * time.Second

	opMerge     = "merge"
	opTranscode = "transcode"
)

var baseArgs = []string{"-y", "-hide_banner", "-nostats", "-loglevel", "error", "-progress", "pipe:1"}

// Progress reports how much media time ffmpeg has written.
type Progress struct {
	OutTime time.Duration
	Done    bool
}

// CommandFunc builds the process for one ffmpeg run.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Engine runs ffmpeg.
type Engine struct {
	path    string
	command CommandFunc
}

// New returns an engine invoking the ffmpeg binary at path.
func New(path string) *Engine {
	if strings.TrimSpace(path) == "" {
		path = DefaultFFmpegPath
	}
	return &Engine{path: path, command: exec.CommandContext}
}

// WithCommand replaces how processes are spawned.
func (e *Engine) WithCommand(fn CommandFunc) *Engine {
	if fn != nil {
		e.command = fn
	}
	return e
}

// Path returns the configured ffmpeg binary.
func (e *Engine) Path() string { return e.path }

// Available reports whether the ffmpeg binary can be found.
func (e *Engine) Available() error {
	if _, err := exec.LookPath(e.path); err != nil {
		return fmt.Errorf("ffmpeg not found at %q: %w", e.path, err)
	}
	return nil
}

// MergeArgs builds the arguments that copy the video stream of plan.Video and
// the audio stream of plan.Audio into plan.Output without re-encoding.
func MergeArgs(plan types.MergePlan) []string {
	args := append([]string{}, baseArgs...)
	args = append(args,
		"-i", plan.Video,
		"-i", plan.Audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c", "copy",
	)
	muxer := mimeext.Muxer(plan.Container)
	if muxer == mimeext.ExtMP4 || muxer == "ipod" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-f", muxer, plan.Output)
}

// TranscodeArgs builds the arguments that read audio from stdin and encode it
// into container at out.
func TranscodeArgs(container, out string) []string {
	args := append([]string{}, baseArgs...)
	args = append(args, "-i", "pipe:0", "-vn")
	switch ext := mimeext.Muxer(container); ext {
	case mimeext.ExtMP3:
		args = append(args, "-c:a", "libmp3lame", "-q:a", "2")
	case "ipod":
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	case mimeext.ExtOGG:
		args = append(args, "-c:a", "libvorbis", "-q:a", "5")
	default:
		args = append(args, "-c:a", "copy")
	}
	return append(args, "-f", mimeext.Muxer(container), out)
}

// Merge muxes plan.Video and plan.Audio into plan.Output. On failure or
// cancellation the partial output is removed.
func (e *Engine) Merge(ctx context.Context, plan types.MergePlan, progress chan<- Progress) error {
	if plan.Video == "" || plan.Audio == "" || plan.Output == "" {
		return fmt.Errorf("%w: incomplete merge plan", errs.ErrMergeFailed)
	}
	for _, in := range []string{plan.Video, plan.Audio} {
		if _, err := os.Stat(in); err != nil {
			return fmt.Errorf("%w: input: %v", errs.ErrMergeFailed, err)
		}
	}
	return e.run(ctx, opMerge, MergeArgs(plan), nil, plan.Output, progress, errs.ErrMergeFailed)
}

// Transcode encodes the audio read from in into container at out. On failure
// or cancellation the partial output is removed.
func (e *Engine) Transcode(ctx context.Context, in io.Reader, out, container string, progress chan<- Progress) error {
	if in == nil || out == "" {
		return fmt.Errorf("%w: missing input or output", errs.ErrTranscodeFailed)
	}
	return e.run(ctx, opTranscode, TranscodeArgs(container, out), in, out, progress, errs.ErrTranscodeFailed)
}

func (e *Engine) run(ctx context.Context, op string, args []string, stdin io.Reader, out string, progress chan<- Progress, class error) (err error) {
	log := logger.WithComponent(logger.ComponentTranscode)
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if rmErr := os.Remove(out); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("Failed to remove partial output", map[string]interface{}{"path": out, "error": rmErr.Error()})
			}
		}
		metrics.Merges.WithLabelValues(op, outcome).Inc()
	}()

	cmd := e.command(ctx, e.path, args...)
	cmd.Stdin = stdin
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", class, err)
	}

	log.Debug("Starting ffmpeg", map[string]interface{}{"op": op, "args": strings.Join(args, " ")})
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", class, err)
	}

	// stdout must be drained before Wait closes it.
	monitorProgress(stdout, progress)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if waitErr != nil {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("%w: ffmpeg %s: %v: %s", class, op, waitErr, tail)
		}
		return fmt.Errorf("%w: ffmpeg %s: %v", class, op, waitErr)
	}
	if fi, statErr := os.Stat(out); statErr != nil || fi.Size() == 0 {
		return fmt.Errorf("%w: ffmpeg %s produced no output", class, op)
	}

	log.Info("ffmpeg finished", map[string]interface{}{
		"op":      op,
		"output":  out,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	})
	return nil
}

// monitorProgress parses ffmpeg -progress output until the stream closes.
func monitorProgress(r io.Reader, progress chan<- Progress) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var p Progress
		switch {
		case strings.HasPrefix(line, progressTimePrefix):
			us, err := strconv.ParseInt(strings.TrimPrefix(line, progressTimePrefix), 10, 64)
			if err != nil || us < 0 {
				continue
			}
			p.OutTime = time.Duration(us) * time.Microsecond
		case line == progressEndLine:
			p.Done = true
		default:
			continue
		}
		if progress == nil {
			continue
		}
		select {
		case progress <- p:
		default:
		}
	}
	// An overlong line or read error ends the scan; keep draining so the
	// process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
