// Package fetcher defines the contract between the download pipeline and
// whatever actually retrieves content from the remote platform.
//
// Implementations write every retrieved file into a Sink (in practice the
// request's workspace) and report what they saved through Stats. Failures
// are expressed with the sentinel errors below so callers can classify them
// with errors.Is / errors.As without knowing the implementation.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"feedpack/internal/workspace"
)

var (
	// ErrNotFound means the profile or post does not exist.
	ErrNotFound = errors.New("content not found")
	// ErrPrivate means the profile exists but its content is not visible.
	ErrPrivate = errors.New("profile is private")
	// ErrLoginRequired means the platform refused anonymous access.
	ErrLoginRequired = errors.New("login required")
	// ErrSuspended means the profile was suspended or removed.
	ErrSuspended = errors.New("profile suspended")
	// ErrInvalidTarget means the username, URL or shortcode is malformed.
	ErrInvalidTarget = errors.New("invalid target")
)

// ThrottledError reports that the platform asked us to slow down.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream throttled, retry after %s", e.RetryAfter)
	}
	return "upstream throttled"
}

// Sink receives retrieved files. *workspace.Workspace satisfies it.
type Sink interface {
	AddFileFrom(name string, r io.Reader) (workspace.Entry, error)
	AddMetadata(name, text string) (workspace.Entry, error)
}

// ProfileRequest selects what FetchProfile retrieves.
type ProfileRequest struct {
	Username              string
	MaxItems              int
	WantMetadata          bool
	IncludeProfilePicture bool
}

// Stats summarises one fetch.
type Stats struct {
	Posts          int
	ProfilePicture bool
	Files          int
	Bytes          int64
	Errors         []string
}

// Record accounts for a saved entry.
func (s *Stats) Record(entry workspace.Entry) {
	s.Files++
	s.Bytes += entry.Size
}

// Merge folds other into s.
func (s *Stats) Merge(other Stats) {
	s.Posts += other.Posts
	s.ProfilePicture = s.ProfilePicture || other.ProfilePicture
	s.Files += other.Files
	s.Bytes += other.Bytes
	s.Errors = append(s.Errors, other.Errors...)
}

// ProfileMeta is the public description of a profile.
type ProfileMeta struct {
	Username      string `json:"username"`
	FullName      string `json:"full_name,omitempty"`
	Biography     string `json:"biography,omitempty"`
	Followers     int64  `json:"followers"`
	Following     int64  `json:"following"`
	PostCount     int64  `json:"post_count"`
	IsPrivate     bool   `json:"is_private"`
	IsVerified    bool   `json:"is_verified"`
	ProfilePicURL string `json:"profile_pic_url,omitempty"`
	ExternalURL   string `json:"external_url,omitempty"`
}

// ContentFetcher retrieves content from the remote platform.
type ContentFetcher interface {
	FetchProfile(ctx context.Context, req ProfileRequest, sink Sink) (Stats, error)
	FetchProfilePicture(ctx context.Context, username string) (string, error)
	FetchSinglePost(ctx context.Context, urlOrCode string, wantMetadata bool, sink Sink) (Stats, error)
	FetchProfileMeta(ctx context.Context, username string) (ProfileMeta, error)
}
