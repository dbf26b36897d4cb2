// Package download runs one download request end to end: admission, a
// fresh workspace, the content fetch, packaging and deferred cleanup.
//
// Every request walks the same state machine
//
//	admitted -> workspace_ready -> populated -> packaged -> scheduled -> responding
//
// with failed reachable from any non-terminal state. A workspace that does
// not reach scheduled is deleted before Run returns.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"feedpack/internal/admission"
	"feedpack/internal/cleanup"
	"feedpack/internal/fetcher"
	"feedpack/internal/observability/logging"
	"feedpack/internal/packager"
	"feedpack/internal/workspace"
)

const (
	defaultMaxConcurrent = 3
	defaultTimeout       = 300 * time.Second
	maxItemsLimit        = 1000
)

// RequestKind selects what a download retrieves.
type RequestKind string

const (
	KindProfile        RequestKind = "profile"
	KindPosts          RequestKind = "posts"
	KindProfilePicture RequestKind = "profile_picture"
	KindPost           RequestKind = "post"
)

// State is a step of the request lifecycle.
type State string

const (
	StateAdmitted       State = "admitted"
	StateWorkspaceReady State = "workspace_ready"
	StatePopulated      State = "populated"
	StatePackaged       State = "packaged"
	StateScheduled      State = "scheduled"
	StateResponding     State = "responding"
	StateFailed         State = "failed"
)

// Request describes one download.
type Request struct {
	ClientKey string
	Kind      RequestKind
	// Target is a username, or a post link/shortcode for KindPost.
	Target          string
	MaxItems        int
	IncludeMetadata bool
}

// Download describes a finished, packaged request. The artefact stays on
// disk until the cleanup scheduler removes the workspace.
type Download struct {
	WorkspaceID string
	Result      packager.Result
	Filename    string
	Stats       fetcher.Stats
	Elapsed     time.Duration
}

// Admitter decides whether a client may start a request.
type Admitter interface {
	Check(ctx context.Context, clientKey string) (admission.Decision, error)
}

// Workspaces creates per-request workspaces.
type Workspaces interface {
	Create(hint string) (*workspace.Workspace, error)
}

// Cleaner deletes workspaces now or later.
type Cleaner interface {
	Schedule(target cleanup.Target, delay time.Duration)
	Cancel(target cleanup.Target)
}

// MediaDownloader saves a single URL into a sink.
type MediaDownloader interface {
	Download(ctx context.Context, rawURL string, sink fetcher.Sink, baseName string) (workspace.Entry, error)
}

// Observer receives outcome metrics.
type Observer interface {
	ObserveAdmission(allowed bool)
	FetchCompleted(kind, outcome string, duration time.Duration)
	Packaged(kind string, size int64)
	DownloadCompleted(kind, code string, duration time.Duration)
}

// Config wires an Orchestrator.
type Config struct {
	Admission     Admitter
	Workspaces    Workspaces
	Fetcher       fetcher.ContentFetcher
	Downloader    MediaDownloader
	Cleanup       Cleaner
	Observer      Observer
	Logger        *slog.Logger
	MaxConcurrent int
	Timeout       time.Duration
	CleanupDelay  time.Duration
	Now           func() time.Time
}

// Orchestrator runs download requests.
type Orchestrator struct {
	admission    Admitter
	workspaces   Workspaces
	fetcher      fetcher.ContentFetcher
	downloader   MediaDownloader
	cleanup      Cleaner
	observer     Observer
	logger       *slog.Logger
	slots        *semaphore.Weighted
	timeout      time.Duration
	cleanupDelay time.Duration
	now          func() time.Time
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Admission == nil:
		return nil, errors.New("download: admission controller is required")
	case cfg.Workspaces == nil:
		return nil, errors.New("download: workspace manager is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("download: content fetcher is required")
	case cfg.Cleanup == nil:
		return nil, errors.New("download: cleanup scheduler is required")
	}
	o := &Orchestrator{
		admission:    cfg.Admission,
		workspaces:   cfg.Workspaces,
		fetcher:      cfg.Fetcher,
		downloader:   cfg.Downloader,
		cleanup:      cfg.Cleanup,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		timeout:      cfg.Timeout,
		cleanupDelay: cfg.CleanupDelay,
		now:          cfg.Now,
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	o.slots = semaphore.NewWeighted(int64(maxConcurrent))
	if o.downloader == nil {
		o.downloader = fetcher.NewDownloader(nil)
	}
	if o.observer == nil {
		o.observer = noopObserver{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.timeout <= 0 {
		o.timeout = defaultTimeout
	}
	if o.cleanupDelay < 0 {
		o.cleanupDelay = 0
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Run executes req. Any returned error is a *Error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Download, error) {
	start := o.now()
	logger := logging.WithContext(ctx, o.logger).With("kind", string(req.Kind), "target", req.Target)

	dl, err := o.run(ctx, req, start, logger)
	elapsed := o.now().Sub(start)

	code := "OK"
	if err != nil {
		de := AsError(err)
		code = de.Code()
		level := slog.LevelInfo
		if de.Kind == KindInternal || de.Kind == KindPackaging || de.Kind == KindResource {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "download failed", "state", StateFailed, "error_code", code, "error", err, "elapsed", elapsed)
		o.observer.DownloadCompleted(string(req.Kind), code, elapsed)
		return nil, de
	}
	dl.Elapsed = elapsed
	o.observer.DownloadCompleted(string(req.Kind), code, elapsed)
	logger.Info("download ready",
		"workspace_id", dl.WorkspaceID,
		"artefact", dl.Result.Kind,
		"files", dl.Stats.Files,
		"bytes", dl.Stats.Bytes,
		"elapsed", elapsed,
	)
	return dl, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, start time.Time, logger *slog.Logger) (*Download, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	if err := o.admit(ctx, req.ClientKey); err != nil {
		return nil, err
	}
	logger.Debug("download state", "state", StateAdmitted)

	fetchCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.slots.Acquire(fetchCtx, 1); err != nil {
		return nil, classifyAbort(fetchCtx, "timed out waiting for a download slot", err)
	}
	slotHeld := true
	defer func() {
		if slotHeld {
			o.slots.Release(1)
		}
	}()

	ws, err := o.workspaces.Create(req.Target)
	if err != nil {
		return nil, newError(KindResource, "could not allocate a workspace", err)
	}
	logger = logger.With("workspace_id", ws.ID())
	logger.Debug("download state", "state", StateWorkspaceReady)

	// The fetch owns the slot from here on: an abandoned fetch keeps it
	// until it actually returns.
	slotHeld = false
	done := make(chan fetchOutcome, 1)
	fetchStart := o.now()
	go func() {
		defer o.slots.Release(1)
		stats, err := o.fetch(fetchCtx, req, ws)
		done <- fetchOutcome{stats: stats, err: err}
	}()

	var out fetchOutcome
	select {
	case out = <-done:
	case <-fetchCtx.Done():
		abort := classifyAbort(fetchCtx, "download timed out", fetchCtx.Err())
		cancel()
		ws.Seal()
		o.cleanup.Cancel(ws)
		o.observer.FetchCompleted(string(req.Kind), abortOutcome(abort), o.now().Sub(fetchStart))
		go o.awaitAbandoned(done, logger)
		return nil, abort
	}

	if out.err != nil {
		o.cleanup.Cancel(ws)
		if fetchCtx.Err() != nil {
			abort := classifyAbort(fetchCtx, "download timed out", out.err)
			o.observer.FetchCompleted(string(req.Kind), abortOutcome(abort), o.now().Sub(fetchStart))
			return nil, abort
		}
		o.observer.FetchCompleted(string(req.Kind), "error", o.now().Sub(fetchStart))
		return nil, classifyFetch(out.err, describeTarget(req))
	}
	o.observer.FetchCompleted(string(req.Kind), "ok", o.now().Sub(fetchStart))
	for _, msg := range out.stats.Errors {
		logger.Warn("partial download", "detail", msg)
	}
	logger.Debug("download state", "state", StatePopulated)

	result, err := packager.Build(ws, packager.Options{
		IncludeMetadata: req.IncludeMetadata,
		ArchiveName:     archiveName(req),
	})
	if err != nil {
		o.cleanup.Cancel(ws)
		return nil, classifyPackaging(err)
	}
	o.observer.Packaged(string(result.Kind), result.Size)
	logger.Debug("download state", "state", StatePackaged, "artefact", result.Kind, "entries", result.EntryCount)

	o.cleanup.Schedule(ws, o.cleanupDelay)
	logger.Debug("download state", "state", StateScheduled, "delay", o.cleanupDelay)

	stats := out.stats
	stats.Files = result.EntryCount
	stats.Bytes = result.Size

	logger.Debug("download state", "state", StateResponding)
	return &Download{
		WorkspaceID: ws.ID(),
		Result:      result,
		Filename:    result.Name,
		Stats:       stats,
		Elapsed:     o.now().Sub(start),
	}, nil
}

type fetchOutcome struct {
	stats fetcher.Stats
	err   error
}

func abortOutcome(e *Error) string {
	if e.Kind == KindTimeout {
		return "timeout"
	}
	return "cancelled"
}

func (o *Orchestrator) awaitAbandoned(done <-chan fetchOutcome, logger *slog.Logger) {
	out := <-done
	logger.Info("abandoned fetch returned", "error", out.err, "files", out.stats.Files)
}

func (o *Orchestrator) fetch(ctx context.Context, req Request, ws *workspace.Workspace) (fetcher.Stats, error) {
	switch req.Kind {
	case KindProfile, KindPosts:
		return o.fetcher.FetchProfile(ctx, fetcher.ProfileRequest{
			Username:              req.Target,
			MaxItems:              req.MaxItems,
			WantMetadata:          req.IncludeMetadata,
			IncludeProfilePicture: req.Kind == KindProfile,
		}, ws)
	case KindProfilePicture:
		url, err := o.fetcher.FetchProfilePicture(ctx, req.Target)
		if err != nil {
			return fetcher.Stats{}, err
		}
		entry, err := o.downloader.Download(ctx, url, ws, req.Target+"_profile_pic")
		if err != nil {
			return fetcher.Stats{}, err
		}
		stats := fetcher.Stats{ProfilePicture: true}
		stats.Record(entry)
		return stats, nil
	case KindPost:
		return o.fetcher.FetchSinglePost(ctx, req.Target, req.IncludeMetadata, ws)
	default:
		return fetcher.Stats{}, fmt.Errorf("unsupported download kind %q", req.Kind)
	}
}

// ProfileMeta returns profile information without creating a workspace.
func (o *Orchestrator) ProfileMeta(ctx context.Context, clientKey, username string) (fetcher.ProfileMeta, error) {
	var meta fetcher.ProfileMeta
	err := o.lookup(ctx, clientKey, username, func(ctx context.Context) error {
		var err error
		meta, err = o.fetcher.FetchProfileMeta(ctx, username)
		return err
	})
	return meta, err
}

// ProfilePictureURL resolves the profile picture's URL without
// downloading it.
func (o *Orchestrator) ProfilePictureURL(ctx context.Context, clientKey, username string) (string, error) {
	var url string
	err := o.lookup(ctx, clientKey, username, func(ctx context.Context) error {
		var err error
		url, err = o.fetcher.FetchProfilePicture(ctx, username)
		return err
	})
	return url, err
}

func (o *Orchestrator) lookup(ctx context.Context, clientKey, username string, call func(context.Context) error) error {
	if !fetcher.ValidUsername(username) {
		return newError(KindInvalidRequest, "username must be 1-30 letters, digits, dots or underscores", nil)
	}
	if err := o.admit(ctx, clientKey); err != nil {
		return err
	}
	lookupCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := call(lookupCtx); err != nil {
		if lookupCtx.Err() != nil {
			return classifyAbort(lookupCtx, "lookup timed out", err)
		}
		return classifyFetch(err, "profile "+username)
	}
	return nil
}

func (o *Orchestrator) admit(ctx context.Context, clientKey string) error {
	decision, err := o.admission.Check(ctx, clientKey)
	if err != nil {
		return newError(KindResource, "rate limiter unavailable", err)
	}
	o.observer.ObserveAdmission(decision.Allowed)
	if !decision.Allowed {
		e := newError(KindRateLimited, fmt.Sprintf("rate limit exceeded, retry in %d seconds", decision.RetryAfterSeconds()), nil)
		e.RetryAfter = decision.RetryAfter
		return e
	}
	return nil
}

func validate(req *Request) error {
	req.Target = strings.TrimSpace(req.Target)
	switch req.Kind {
	case KindProfile, KindPosts, KindProfilePicture:
		if !fetcher.ValidUsername(req.Target) {
			return newError(KindInvalidRequest, "username must be 1-30 letters, digits, dots or underscores", nil)
		}
	case KindPost:
		code, err := fetcher.ParseShortcode(req.Target)
		if err != nil {
			return newError(KindInvalidRequest, "provide a valid post link or shortcode", err)
		}
		req.Target = code
	default:
		return newError(KindInvalidRequest, fmt.Sprintf("unknown download kind %q", req.Kind), nil)
	}
	if req.MaxItems < 0 || req.MaxItems > maxItemsLimit {
		return newError(KindInvalidRequest, fmt.Sprintf("max_posts must be between 1 and %d", maxItemsLimit), nil)
	}
	return nil
}

func archiveName(req Request) string {
	switch req.Kind {
	case KindPosts:
		return req.Target + "_posts"
	case KindProfilePicture:
		return req.Target + "_profile_pic"
	default:
		return req.Target
	}
}

func describeTarget(req Request) string {
	if req.Kind == KindPost {
		return "post " + req.Target
	}
	return "profile " + req.Target
}

type noopObserver struct{}

func (noopObserver) ObserveAdmission(bool)                           {}
func (noopObserver) FetchCompleted(string, string, time.Duration)    {}
func (noopObserver) Packaged(string, int64)                          {}
func (noopObserver) DownloadCompleted(string, string, time.Duration) {}
