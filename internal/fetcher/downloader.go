package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"feedpack/internal/workspace"
)

const maxErrorBody = 4 << 10

// Downloader saves remote media into a Sink.
type Downloader struct {
	Client    *http.Client
	UserAgent string
	// Now is used to interpret HTTP-date Retry-After values.
	Now func() time.Time
}

// NewDownloader returns a Downloader with a bounded default client.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{Client: client, Now: time.Now}
}

// Download fetches rawURL and stores it as baseName plus an extension
// derived from the response.
func (d *Downloader) Download(ctx context.Context, rawURL string, sink Sink, baseName string) (workspace.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return workspace.Entry{}, fmt.Errorf("build media request: %w", err)
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return workspace.Entry{}, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if err := ErrorForStatus(resp, d.now()); err != nil {
		return workspace.Entry{}, err
	}
	name := baseName + ExtensionFor(resp.Header.Get("Content-Type"), rawURL)
	entry, err := sink.AddFileFrom(name, resp.Body)
	if err != nil {
		return workspace.Entry{}, fmt.Errorf("save %s: %w", name, err)
	}
	return entry, nil
}

func (d *Downloader) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ErrorForStatus maps a non-2xx response onto the package's error values.
// It returns nil for success responses and does not close the body.
func ErrorForStatus(resp *http.Response, now time.Time) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrLoginRequired
	case http.StatusForbidden:
		return ErrPrivate
	case http.StatusGone:
		return ErrSuspended
	case http.StatusTooManyRequests:
		return &ThrottledError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), now)}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("upstream returned %s", resp.Status)
	}
	return fmt.Errorf("upstream returned %s: %s", resp.Status, msg)
}

// ParseRetryAfter accepts delta-seconds or an HTTP date. Unknown values
// yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

var extByType = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
}

// ExtensionFor picks a file extension from the content type, falling back
// to the URL path and finally ".jpg".
func ExtensionFor(contentType, rawURL string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extByType[strings.ToLower(mt)]; ok {
			return ext
		}
	}
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	ext := strings.ToLower(path.Ext(rawURL))
	for _, known := range extByType {
		if ext == known {
			return ext
		}
	}
	return ".jpg"
}
