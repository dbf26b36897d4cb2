package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"feedpack/internal/fetcher"
)

const (
	defaultTimeout          = 60 * time.Second
	defaultMediaConcurrency = 4
	defaultMaxAttempts      = 3
	defaultRetryInterval    = 500 * time.Millisecond
)

// Config configures a Client.
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MediaConcurrency int
	MaxAttempts      int
	RetryInterval    time.Duration
	UserAgent        string
	HTTPClient       *http.Client
	Logger           *slog.Logger
	Now              func() time.Time
}

// Client implements fetcher.ContentFetcher against the fetch gateway.
type Client struct {
	baseURL          string
	token            string
	client           *http.Client
	downloader       *fetcher.Downloader
	logger           *slog.Logger
	mediaConcurrency int
	maxAttempts      int
	retryInterval    time.Duration
	now              func() time.Time
}

var _ fetcher.ContentFetcher = (*Client)(nil)

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("upstream base URL is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream base URL must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("upstream base URL has no host")
	}

	c := &Client{
		baseURL:          base,
		token:            strings.TrimSpace(cfg.Token),
		client:           cfg.HTTPClient,
		logger:           cfg.Logger,
		mediaConcurrency: cfg.MediaConcurrency,
		maxAttempts:      cfg.MaxAttempts,
		retryInterval:    cfg.RetryInterval,
		now:              cfg.Now,
	}
	if c.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.client = &http.Client{Timeout: timeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.mediaConcurrency <= 0 {
		c.mediaConcurrency = defaultMediaConcurrency
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.retryInterval <= 0 {
		c.retryInterval = defaultRetryInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.downloader = &fetcher.Downloader{Client: c.client, UserAgent: cfg.UserAgent, Now: c.now}
	return c, nil
}

// FetchProfileMeta returns the public description of username.
func (c *Client) FetchProfileMeta(ctx context.Context, username string) (fetcher.ProfileMeta, error) {
	var meta fetcher.ProfileMeta
	if err := c.getJSON(ctx, "/profiles/"+url.PathEscape(username), nil, &meta); err != nil {
		return fetcher.ProfileMeta{}, err
	}
	if meta.Username == "" {
		meta.Username = username
	}
	return meta, nil
}

// FetchProfilePicture returns the URL of username's profile picture.
func (c *Client) FetchProfilePicture(ctx context.Context, username string) (string, error) {
	meta, err := c.FetchProfileMeta(ctx, username)
	if err != nil {
		return "", err
	}
	if meta.ProfilePicURL == "" {
		return "", fmt.Errorf("%w: %s has no profile picture", fetcher.ErrNotFound, username)
	}
	return meta.ProfilePicURL, nil
}

// FetchProfile saves the requested parts of a profile into sink. Failures
// of individual posts are recorded in Stats.Errors; the fetch only fails
// outright when nothing could be saved.
func (c *Client) FetchProfile(ctx context.Context, req fetcher.ProfileRequest, sink fetcher.Sink) (fetcher.Stats, error) {
	var stats fetcher.Stats
	meta, err := c.FetchProfileMeta(ctx, req.Username)
	if err != nil {
		return stats, err
	}

	if req.IncludeProfilePicture {
		if err := c.saveProfilePicture(ctx, meta, sink, &stats); err != nil {
			return stats, err
		}
	}

	if meta.IsPrivate {
		if stats.Files > 0 {
			stats.Errors = append(stats.Errors, "posts: profile is private")
			return stats, nil
		}
		return stats, fetcher.ErrPrivate
	}

	posts, err := c.listPosts(ctx, req.Username, req.MaxItems)
	if err != nil {
		if stats.Files > 0 && ctx.Err() == nil {
			stats.Errors = append(stats.Errors, "posts: "+err.Error())
			return stats, nil
		}
		return stats, err
	}

	for _, post := range posts {
		postStats, err := c.savePost(ctx, post, req.WantMetadata, sink)
		stats.Merge(postStats)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		var throttled *fetcher.ThrottledError
		if errors.As(err, &throttled) {
			if stats.Files == 0 {
				return stats, err
			}
			stats.Errors = append(stats.Errors, "posts: "+err.Error())
			break
		}
		c.logger.Warn("post download failed", "shortcode", post.Shortcode, "error", err)
		stats.Errors = append(stats.Errors, fmt.Sprintf("post %s: %v", post.Shortcode, err))
	}
	return stats, nil
}

// FetchSinglePost saves one post identified by link or shortcode.
func (c *Client) FetchSinglePost(ctx context.Context, urlOrCode string, wantMetadata bool, sink fetcher.Sink) (fetcher.Stats, error) {
	code, err := fetcher.ParseShortcode(urlOrCode)
	if err != nil {
		return fetcher.Stats{}, err
	}
	var post fetcher.Post
	if err := c.getJSON(ctx, "/posts/"+url.PathEscape(code), nil, &post); err != nil {
		return fetcher.Stats{}, err
	}
	if post.OwnerIsPrivate {
		return fetcher.Stats{}, fetcher.ErrPrivate
	}
	if post.Shortcode == "" {
		post.Shortcode = code
	}
	return c.savePost(ctx, post, wantMetadata, sink)
}

func (c *Client) saveProfilePicture(ctx context.Context, meta fetcher.ProfileMeta, sink fetcher.Sink, stats *fetcher.Stats) error {
	if meta.ProfilePicURL == "" {
		stats.Errors = append(stats.Errors, "profile picture: not available")
		return nil
	}
	entry, err := c.downloader.Download(ctx, meta.ProfilePicURL, sink, meta.Username+"_profile_pic")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("profile picture download failed", "username", meta.Username, "error", err)
		stats.Errors = append(stats.Errors, "profile picture: "+err.Error())
		return nil
	}
	stats.ProfilePicture = true
	stats.Record(entry)
	return nil
}

type postsResponse struct {
	Posts []fetcher.Post `json:"posts"`
}

func (c *Client) listPosts(ctx context.Context, username string, limit int) ([]fetcher.Post, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp postsResponse
	if err := c.getJSON(ctx, "/profiles/"+url.PathEscape(username)+"/posts", query, &resp); err != nil {
		return nil, err
	}
	posts := resp.Posts
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

// savePost downloads a post's media concurrently into its own folder and
// writes the metadata sidecar when asked to.
func (c *Client) savePost(ctx context.Context, post fetcher.Post, wantMetadata bool, sink fetcher.Sink) (fetcher.Stats, error) {
	var stats fetcher.Stats
	if len(post.Media) == 0 {
		return stats, fmt.Errorf("post %s has no media", post.Shortcode)
	}
	folder := post.Folder()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.mediaConcurrency)
	for i, item := range post.Media {
		i, item := i, item
		g.Go(func() error {
			entry, err := c.downloader.Download(gctx, item.URL, sink, folder+"/"+post.MediaName(i))
			if err != nil {
				return fmt.Errorf("media %d: %w", i+1, err)
			}
			mu.Lock()
			stats.Record(entry)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	if wantMetadata {
		entry, err := sink.AddMetadata(folder+"/metadata.txt", fetcher.RenderMetadata(post))
		if err != nil {
			return stats, fmt.Errorf("write metadata: %w", err)
		}
		stats.Record(entry)
	}
	stats.Posts = 1
	return stats, nil
}

// transientError marks failures worth another attempt.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.doJSON(ctx, target, dest)
		var transient *transientError
		if lastErr == nil || !errors.As(lastErr, &transient) {
			return lastErr
		}
		lastErr = transient.err
		if attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("gateway request failed", "url", target, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
	return lastErr
}

func (c *Client) doJSON(ctx context.Context, target string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transientError{err: fmt.Errorf("gateway request: %w", err)}
	}
	defer resp.Body.Close()

	if err := fetcher.ErrorForStatus(resp, c.now()); err != nil {
		if resp.StatusCode >= 500 {
			return &transientError{err: err}
		}
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(dest); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
