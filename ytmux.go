package ytmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ytget/ytmux/downloader"
	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/internal/metacache"
	"github.com/ytget/ytmux/internal/metrics"
	"github.com/ytget/ytmux/internal/sanitize"
	"github.com/ytget/ytmux/store"
	"github.com/ytget/ytmux/transcode"
	"github.com/ytget/ytmux/types"
	"github.com/ytget/ytmux/youtube/formats"
)

// Resolver turns a source URL into metadata and downloadable formats.
type Resolver interface {
	// Validate checks the URL shape without any I/O and returns the
	// source's stable id.
	Validate(sourceURL string) (string, error)
	Resolve(ctx context.Context, sourceURL string) (*types.MediaInfo, error)
}

// Fetcher transfers one format into the artifact store.
type Fetcher interface {
	Fetch(ctx context.Context, job *types.FetchJob, progress chan<- downloader.Progress) error
}

// Muxer drives the external transcoder.
type Muxer interface {
	Merge(ctx context.Context, plan types.MergePlan, progress chan<- transcode.Progress) error
	Transcode(ctx context.Context, in io.Reader, out, container string, progress chan<- transcode.Progress) error
}

// Orchestrator coordinates resolution, fetching, muxing and the artifact
// lifecycle for download requests.
type Orchestrator struct {
	resolver Resolver
	fetcher  Fetcher
	muxer    Muxer
	store    *store.Store
	cache    metacache.Cache
	log      *logger.ComponentLogger

	flight   singleflight.Group
	flightMu sync.Mutex
	waiting  map[string]*waiters

	mu   sync.Mutex
	jobs map[string]*execution
}

// New creates an orchestrator over the given collaborators.
func New(resolver Resolver, fetcher Fetcher, muxer Muxer, st *store.Store) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		fetcher:  fetcher,
		muxer:    muxer,
		store:    st,
		log:      logger.WithComponent(logger.ComponentOrchestrator),
		jobs:     make(map[string]*execution),
		waiting:  make(map[string]*waiters),
	}
}

// WithRetention sets how long finalized artifacts are kept.
func (o *Orchestrator) WithRetention(d time.Duration) *Orchestrator {
	o.store.WithRetention(d)
	return o
}

// WithCache enables caching of resolved metadata.
func (o *Orchestrator) WithCache(c metacache.Cache) *Orchestrator {
	o.cache = c
	return o
}

// WithLogger logs through l instead of the global logger.
func (o *Orchestrator) WithLogger(l *logger.Logger) *Orchestrator {
	if l != nil {
		o.log = l.WithComponent(logger.ComponentOrchestrator)
	}
	return o
}

// Store returns the artifact store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// ExecuteOption customizes a single Execute call.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	feed *Feed
}

// WithEvents publishes state changes and progress of the call to feed.
func WithEvents(feed *Feed) ExecuteOption {
	return func(c *executeConfig) { c.feed = feed }
}

// classify makes sure err wraps class.
func classify(class, err error) error {
	if errors.Is(err, class) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}

// Resolve validates sourceURL and returns its metadata. The canonical title
// is the sanitized source title; formats with a known size come first,
// largest first.
func (o *Orchestrator) Resolve(ctx context.Context, sourceURL string) (*types.MediaInfo, error) {
	id, err := o.resolver.Validate(sourceURL)
	if err != nil {
		return nil, classify(errs.ErrInvalidSource, err)
	}
	return o.resolve(ctx, id, sourceURL)
}

func (o *Orchestrator) resolve(ctx context.Context, id, sourceURL string) (*types.MediaInfo, error) {
	key := metacache.Key(id)
	if o.cache != nil {
		if info, ok := o.cache.Get(ctx, key); ok {
			o.log.Debug("Metadata cache hit", map[string]interface{}{"id": id})
			return info, nil
		}
	}
	info, err := o.resolver.Resolve(ctx, sourceURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errs.ErrInvalidSource) {
			return nil, err
		}
		return nil, classify(errs.ErrSourceUnavailable, err)
	}
	if info == nil || len(info.Formats) == 0 {
		return nil, fmt.Errorf("%w: no formats for %s", errs.ErrSourceUnavailable, sourceURL)
	}
	info.CanonicalTitle = sanitize.Title(info.Title)
	formats.SortBySize(info.Formats)
	if o.cache != nil {
		o.cache.Set(ctx, key, info)
	}
	return info, nil
}

// Execute produces the artifact for sourceURL at quality q. An existing
// artifact with the same deterministic name is returned without fetching.
// Concurrent calls resolving to the same name share one pipeline.
func (o *Orchestrator) Execute(ctx context.Context, sourceURL string, q types.Quality, opts ...ExecuteOption) (art *types.Artifact, err error) {
	var cfg executeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ex := o.begin(sourceURL, q, cfg.feed)
	defer func() { o.finish(ex, err) }()

	if !q.Valid() {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnsupportedQuality, q)
	}
	id, err := o.resolver.Validate(sourceURL)
	if err != nil {
		return nil, classify(errs.ErrInvalidSource, err)
	}

	ex.transition(StateResolving)
	info, err := o.resolve(ctx, id, sourceURL)
	if err != nil {
		return nil, err
	}
	sel, err := formats.Select(q, info.Formats)
	if err != nil {
		return nil, err
	}
	name := ArtifactName(info.CanonicalTitle, q, sel.Container)
	ex.setKey(name)

	shared, err := o.share(ctx, name, func(pctx context.Context) (*types.Artifact, error) {
		return o.produce(pctx, ex, info, sel, name)
	})
	if err != nil {
		return nil, err
	}
	a := *shared.art
	if shared.joined {
		o.log.Debug("Shared in-flight execution", map[string]interface{}{"name": name})
	}
	return &a, nil
}

// waiters counts the callers blocked on one shared pipeline. The pipeline
// runs detached from any single caller and is cancelled when the last
// waiter gives up.
type waiters struct {
	ctx    context.Context
	cancel context.CancelFunc
	n      int
}

type sharedResult struct {
	art    *types.Artifact
	joined bool
}

func (o *Orchestrator) join(ctx context.Context, name string) *waiters {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	w, ok := o.waiting[name]
	if !ok {
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w = &waiters{ctx: pctx, cancel: cancel}
		o.waiting[name] = w
	}
	w.n++
	return w
}

// leave reports whether the caller was the last waiter, in which case the
// pipeline has been cancelled.
func (o *Orchestrator) leave(name string, w *waiters) bool {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	w.n--
	if w.n > 0 {
		return false
	}
	w.cancel()
	if o.waiting[name] == w {
		delete(o.waiting, name)
	}
	return true
}

// share runs fn once per name for all concurrent callers. Each caller
// stops waiting when its own ctx is done; the last one to leave cancels
// the pipeline and waits for its cleanup. A caller whose ctx is still live
// retries when the pipeline it joined was cancelled by others leaving.
func (o *Orchestrator) share(ctx context.Context, name string, fn func(context.Context) (*types.Artifact, error)) (sharedResult, error) {
	for {
		w := o.join(ctx, name)
		ch := o.flight.DoChan(name, func() (interface{}, error) {
			return fn(w.ctx)
		})
		select {
		case <-ctx.Done():
			if o.leave(name, w) {
				<-ch
			}
			return sharedResult{}, ctx.Err()
		case r := <-ch:
			o.leave(name, w)
			if r.Err != nil {
				if errors.Is(r.Err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return sharedResult{}, r.Err
			}
			return sharedResult{art: r.Val.(*types.Artifact), joined: r.Shared}, nil
		}
	}
}

// produce runs the pipeline for one artifact name.
func (o *Orchestrator) produce(ctx context.Context, ex *execution, info *types.MediaInfo, sel formats.Selection, name string) (*types.Artifact, error) {
	if o.store.Exists(name) {
		metrics.IdempotentHits.Inc()
		o.log.Info("Artifact already present", map[string]interface{}{"name": name})
		return o.finalize(ex, info, sel, name, true)
	}

	ex.transition(StateFetching)
	var err error
	switch {
	case sel.NeedsMerge():
		err = o.fetchAndMerge(ctx, ex, sel, name)
	case sel.NeedsTranscode():
		err = o.fetchAndTranscode(ctx, ex, sel, name)
	default:
		err = o.fetch(ctx, ex, o.newJob(sel.Primary, name))
	}
	if err != nil {
		return nil, err
	}
	return o.finalize(ex, info, sel, name, false)
}

// finalize arms deletion for a committed artifact and describes it.
func (o *Orchestrator) finalize(ex *execution, info *types.MediaInfo, sel formats.Selection, name string, reused bool) (*types.Artifact, error) {
	ex.transition(StateFinalizing)
	st, err := o.store.Stat(name)
	if err != nil {
		return nil, classify(errs.ErrWrite, err)
	}
	expires := o.store.ScheduleDeletion(name)
	kind := types.KindVideo
	if sel.Quality == types.QualityAudioOnly {
		kind = types.KindAudio
	}
	return &types.Artifact{
		Name:      name,
		Path:      st.Path,
		Title:     info.Title,
		Quality:   sel.Quality,
		Kind:      kind,
		Container: sel.Container,
		Size:      st.Size,
		CreatedAt: st.ModTime,
		ExpiresAt: expires,
		Reused:    reused,
	}, nil
}

func (o *Orchestrator) newJob(f types.Format, dest string) *types.FetchJob {
	return &types.FetchJob{
		ID:     uuid.NewString(),
		Format: f,
		Dest:   dest,
		State:  types.FetchPending,
		Total:  f.Size,
	}
}

// fetch runs one FetchJob, forwarding its progress to ex.
func (o *Orchestrator) fetch(ctx context.Context, ex *execution, job *types.FetchJob) error {
	kind := job.Format.Kind()
	ch := make(chan downloader.Progress, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			ex.progress(kind, p)
		}
	}()
	err := o.fetcher.Fetch(ctx, job, ch)
	close(ch)
	<-done

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s stream: %w", errs.ErrFetchFailed, kind, err)
	}
	return nil
}

// fetchAndMerge fetches video and audio concurrently into intermediate parts
// and muxes them into name. Parts are removed on every exit path.
func (o *Orchestrator) fetchAndMerge(ctx context.Context, ex *execution, sel formats.Selection, name string) error {
	vPart := partName(name, types.KindVideo, sel.Primary.Container)
	aPart := partName(name, types.KindAudio, sel.Audio.Container)
	defer o.discard(vPart, aPart)

	g, gctx := errgroup.WithContext(ctx)
	vJob, aJob := o.newJob(sel.Primary, vPart), o.newJob(*sel.Audio, aPart)
	g.Go(func() error { return o.fetch(gctx, ex, vJob) })
	g.Go(func() error { return o.fetch(gctx, ex, aJob) })
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	ex.transition(StateMerging)
	vPath, err := o.store.Path(vPart)
	if err != nil {
		return classify(errs.ErrMergeFailed, err)
	}
	aPath, err := o.store.Path(aPart)
	if err != nil {
		return classify(errs.ErrMergeFailed, err)
	}
	w, err := o.store.Write(name)
	if err != nil {
		return classify(errs.ErrMergeFailed, err)
	}
	defer w.Close()

	plan := types.MergePlan{Video: vPath, Audio: aPath, Output: w.TempPath(), Container: sel.Container}
	if err := o.runMuxer(ctx, ex, func(ch chan<- transcode.Progress) error {
		return o.muxer.Merge(ctx, plan, ch)
	}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(errs.ErrMergeFailed, err)
	}
	o.discard(vPart, aPart)
	if err := w.Commit(); err != nil {
		return classify(errs.ErrMergeFailed, err)
	}
	return nil
}

// fetchAndTranscode fetches one audio stream into a part and re-encodes it
// into name.
func (o *Orchestrator) fetchAndTranscode(ctx context.Context, ex *execution, sel formats.Selection, name string) error {
	part := partName(name, types.KindAudio, sel.Primary.Container)
	defer o.discard(part)

	if err := o.fetch(ctx, ex, o.newJob(sel.Primary, part)); err != nil {
		return err
	}

	ex.transition(StateFinalizing)
	src, _, err := o.store.Open(part)
	if err != nil {
		return classify(errs.ErrTranscodeFailed, err)
	}
	defer func() { _ = src.Close() }()
	w, err := o.store.Write(name)
	if err != nil {
		return classify(errs.ErrTranscodeFailed, err)
	}
	defer w.Close()

	if err := o.runMuxer(ctx, ex, func(ch chan<- transcode.Progress) error {
		return o.muxer.Transcode(ctx, src, w.TempPath(), sel.Container, ch)
	}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(errs.ErrTranscodeFailed, err)
	}
	if err := w.Commit(); err != nil {
		return classify(errs.ErrTranscodeFailed, err)
	}
	return nil
}

// runMuxer runs fn with a progress channel forwarded to ex.
func (o *Orchestrator) runMuxer(ctx context.Context, ex *execution, fn func(chan<- transcode.Progress) error) error {
	ch := make(chan transcode.Progress, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			ex.position(p.OutTime)
		}
	}()
	err := fn(ch)
	close(ch)
	<-done
	return err
}

// discard removes intermediate parts. Failures are logged only, so they never
// mask the error that triggered the cleanup.
func (o *Orchestrator) discard(names ...string) {
	for _, n := range names {
		if err := o.store.Delete(n); err != nil {
			o.log.Warn("Failed to remove intermediate part", map[string]interface{}{
				"name":  n,
				"error": err.Error(),
			})
		}
	}
}

// Active returns a snapshot of executions in flight, oldest first.
func (o *Orchestrator) Active() []JobStatus {
	o.mu.Lock()
	out := make([]JobStatus, 0, len(o.jobs))
	for _, ex := range o.jobs {
		out = append(out, ex.snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (o *Orchestrator) begin(sourceURL string, q types.Quality, feed *Feed) *execution {
	now := time.Now()
	id := uuid.NewString()
	ex := &execution{
		log:  o.log.With(map[string]interface{}{"job": id}),
		feed: feed,
		status: JobStatus{
			ID:      id,
			URL:     sourceURL,
			Quality: q,
			State:   StateValidating,
			Started: now,
			Updated: now,
		},
		streams: make(map[types.MediaKind]downloader.Progress),
	}
	o.mu.Lock()
	o.jobs[ex.status.ID] = ex
	o.mu.Unlock()
	metrics.ActiveJobs.Inc()
	metrics.Transitions.WithLabelValues(string(StateValidating)).Inc()
	ex.emit(Event{State: StateValidating})
	return ex
}

func (o *Orchestrator) finish(ex *execution, err error) {
	o.mu.Lock()
	delete(o.jobs, ex.status.ID)
	o.mu.Unlock()
	metrics.ActiveJobs.Dec()

	elapsed := time.Since(ex.status.Started)
	outcome := errs.Name(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = "canceled"
	}
	metrics.ObserveExecution(string(ex.status.Quality), outcome, elapsed)

	fields := map[string]interface{}{
		"quality": string(ex.status.Quality),
		"key":     ex.key(),
		"elapsed": elapsed.Round(time.Millisecond).String(),
	}
	if err != nil {
		ex.fail(err)
		fields["error"] = err.Error()
		fields["class"] = outcome
		ex.log.Warn("Execution failed", fields)
		return
	}
	ex.transition(StateDone)
	ex.log.Info("Execution completed", fields)
}

// execution is the mutable record of one Execute call.
type execution struct {
	log  *logger.ComponentLogger
	feed *Feed

	mu      sync.Mutex
	status  JobStatus
	streams map[types.MediaKind]downloader.Progress
}

func (ex *execution) key() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.status.Key
}

func (ex *execution) setKey(name string) {
	ex.mu.Lock()
	ex.status.Key = name
	ex.mu.Unlock()
}

func (ex *execution) snapshot() JobStatus {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.status
}

// transition moves to s. Moving to the current state is a no-op, as is any
// move once the execution has ended (a shared pipeline can outlive the
// caller that started it); other illegal moves are logged and ignored.
func (ex *execution) transition(s State) {
	ex.mu.Lock()
	from := ex.status.State
	if from == s || from.Terminal() {
		ex.mu.Unlock()
		return
	}
	if !canTransition(from, s) {
		ex.mu.Unlock()
		ex.log.Error("Illegal state transition", map[string]interface{}{
			"from": string(from),
			"to":   string(s),
		})
		return
	}
	ex.status.State = s
	ex.status.Updated = time.Now()
	ex.mu.Unlock()

	metrics.Transitions.WithLabelValues(string(s)).Inc()
	ex.log.Debug("State changed", map[string]interface{}{
		"from": string(from),
		"to":   string(s),
	})
	ex.emit(Event{State: s})
}

func (ex *execution) fail(err error) {
	ex.mu.Lock()
	from := ex.status.State
	ok := canTransition(from, StateFailed)
	if ok {
		ex.status.State = StateFailed
		ex.status.Updated = time.Now()
	}
	ex.mu.Unlock()
	if !ok {
		return
	}
	metrics.Transitions.WithLabelValues(string(StateFailed)).Inc()
	ex.emit(Event{State: StateFailed, Err: err})
}

func (ex *execution) progress(kind types.MediaKind, p downloader.Progress) {
	ex.mu.Lock()
	ex.streams[kind] = p
	var bytes, total int64
	for _, sp := range ex.streams {
		bytes += sp.Bytes
		total += sp.Total
	}
	ex.status.Bytes, ex.status.Total = bytes, total
	ex.status.Updated = time.Now()
	ex.mu.Unlock()
	ex.emit(Event{Stream: kind, Bytes: p.Bytes, Total: p.Total, Elapsed: p.Elapsed})
}

func (ex *execution) position(pos time.Duration) {
	ex.mu.Lock()
	ex.status.Updated = time.Now()
	ex.mu.Unlock()
	ex.emit(Event{Position: pos})
}

// emit fills the identity fields of e and publishes it.
func (ex *execution) emit(e Event) {
	if ex.feed == nil {
		return
	}
	ex.mu.Lock()
	e.JobID = ex.status.ID
	e.Key = ex.status.Key
	if e.State == "" {
		e.State = ex.status.State
	}
	ex.mu.Unlock()
	e.Time = time.Now()
	ex.feed.publish(e)
}
