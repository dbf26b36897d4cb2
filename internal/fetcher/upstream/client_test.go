package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedpack/internal/fetcher"
	"feedpack/internal/testsupport/gatewaystub"
	"feedpack/internal/workspace"
)

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	m, err := workspace.NewManager(workspace.Options{
		BaseDir: t.TempDir(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ws, err := m.Create("upstream")
	require.NoError(t, err)
	return ws
}

func newClient(t *testing.T, gw *gatewaystub.Gateway, token string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:       gw.BaseURL() + "/",
		Token:         token,
		HTTPClient:    gw.Client(),
		RetryInterval: time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func seedProfile(gw *gatewaystub.Gateway, private bool) {
	gw.AddMedia("pic.jpg", "image/jpeg", []byte("avatar"))
	gw.AddMedia("p1.jpg", "image/jpeg", []byte("photo-1"))
	gw.AddMedia("p2a.jpg", "image/jpeg", []byte("photo-2a"))
	gw.AddMedia("p2b.mp4", "video/mp4", []byte("video-2b"))
	gw.AddProfile(fetcher.ProfileMeta{
		Username:      "someone",
		FullName:      "Some One",
		Followers:     12,
		IsPrivate:     private,
		ProfilePicURL: gw.MediaURL("pic.jpg"),
	},
		fetcher.Post{
			Shortcode: "Post2code",
			TakenAt:   time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC),
			Caption:   "second",
			Media: []fetcher.Media{
				{URL: gw.MediaURL("p2a.jpg")},
				{URL: gw.MediaURL("p2b.mp4"), IsVideo: true},
			},
		},
		fetcher.Post{
			Shortcode: "Post1code",
			TakenAt:   time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			Caption:   "first",
			Media:     []fetcher.Media{{URL: gw.MediaURL("p1.jpg")}},
		},
	)
}

func names(entries []workspace.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://gateway", "http://", "::bad"} {
		_, err := New(Config{BaseURL: raw})
		assert.Error(t, err, raw)
	}
}

func TestFetchProfileMeta(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{Token: "secret"})
	defer gw.Close()
	seedProfile(gw, false)

	meta, err := newClient(t, gw, "secret").FetchProfileMeta(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, "Some One", meta.FullName)
	assert.Equal(t, int64(12), meta.Followers)
}

func TestFetchProfileMetaMapsStatuses(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{})
	defer gw.Close()
	gw.Fail("/profiles/gone", http.StatusGone, "")
	gw.Fail("/profiles/locked", http.StatusUnauthorized, "")
	gw.Fail("/profiles/busy", http.StatusTooManyRequests, "30")
	c := newClient(t, gw, "")

	_, err := c.FetchProfileMeta(context.Background(), "missing")
	assert.ErrorIs(t, err, fetcher.ErrNotFound)
	_, err = c.FetchProfileMeta(context.Background(), "gone")
	assert.ErrorIs(t, err, fetcher.ErrSuspended)
	_, err = c.FetchProfileMeta(context.Background(), "locked")
	assert.ErrorIs(t, err, fetcher.ErrLoginRequired)

	_, err = c.FetchProfileMeta(context.Background(), "busy")
	var throttled *fetcher.ThrottledError
	require.True(t, errors.As(err, &throttled))
	assert.Equal(t, 30*time.Second, throttled.RetryAfter)
	assert.Equal(t, 1, gw.Count("/profiles/busy"), "429 must not be retried")
}

func TestGatewayErrorsAreRetried(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{FailFirst: 2})
	defer gw.Close()
	seedProfile(gw, false)

	meta, err := newClient(t, gw, "").FetchProfileMeta(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, "someone", meta.Username)
	assert.Equal(t, 3, gw.Count("/profiles/someone"))
}

func TestGatewayRetriesGiveUp(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{FailFirst: 10})
	defer gw.Close()
	seedProfile(gw, false)

	_, err := newClient(t, gw, "").FetchProfileMeta(context.Background(), "someone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, defaultMaxAttempts, gw.Count("/profiles/someone"))
}

func TestFetchProfileSavesPictureAndPosts(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{})
	defer gw.Close()
	seedProfile(gw, false)
	ws := newWorkspace(t)

	stats, err := newClient(t, gw, "").FetchProfile(context.Background(), fetcher.ProfileRequest{
		Username:              "someone",
		WantMetadata:          true,
		IncludeProfilePicture: true,
	}, ws)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Posts)
	assert.True(t, stats.ProfilePicture)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, 6, stats.Files)

	manifest := names(ws.Manifest())
	assert.Equal(t, "someone_profile_pic.jpg", manifest[0])
	assert.ElementsMatch(t, []string{
		"someone_profile_pic.jpg",
		"2024-02-02-Post2code/Post2code_1.jpg",
		"2024-02-02-Post2code/Post2code_2.mp4",
		"2024-02-02-Post2code/metadata.txt",
		"2024-01-01-Post1code/Post1code.jpg",
		"2024-01-01-Post1code/metadata.txt",
	}, manifest)

	data, err := os.ReadFile(ws.Manifest()[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "avatar", string(data))
}

func TestFetchProfileHonoursLimitAndMetadataFlag(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{})
	defer gw.Close()
	seedProfile(gw, false)
	ws := newWorkspace(t)

	stats, err := newClient(t, gw, "").FetchProfile(context.Background(), fetcher.ProfileRequest{
		Username: "someone",
		MaxItems: 1,
	}, ws)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Posts)
	assert.False(t, stats.ProfilePicture)
	assert.ElementsMatch(t, []string{
		"2024-02-02-Post2code/Post2code_1.jpg",
		"2024-02-02-Post2code/Post2code_2.mp4",
	}, names(ws.Manifest()))

	var sawLimit bool
	for _, req := range gw.Requests() {
		if req.Path == "/profiles/someone/posts" {
			sawLimit = req.Query == "limit=1"
		}
	}
	assert.True(t, sawLimit)
}

func TestFetchPrivateProfile(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{})
	defer gw.Close()
	seedProfile(gw, true)
	c := newClient(t, gw, "")

	_, err := c.FetchProfile(context.Background(), fetcher.ProfileRequest{Username: "someone"}, newWorkspace(t))
	assert.ErrorIs(t, err, fetcher.ErrPrivate)

	ws := newWorkspace(t)
	stats, err := c.FetchProfile(context.Background(), fetcher.ProfileRequest{Username: "someone", IncludeProfilePicture: true}, ws)
	require.NoError(t, err)
	assert.True(t, stats.ProfilePicture)
	assert.Equal(t, 0, stats.Posts)
	assert.Equal(t, []string{"posts: profile is private"}, stats.Errors)
	assert.Equal(t, []string{"someone_profile_pic.jpg"}, names(ws.Manifest()))
}

func TestFetchProfileRecordsBrokenPost(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{})
	defer gw.Close()
	seedProfile(gw, false)
	gw.Fail("/media/p1.jpg", http.StatusInternalServerError, "")
	ws := newWorkspace(t)

	stats, err := newClient(t, gw, "").FetchProfile(context.Background(), fetcher.ProfileRequest{Username: "someone"}, ws)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Posts)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "post Post1code")
}

func TestFetchSinglePost(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{})
	defer gw.Close()
	seedProfile(gw, false)
	ws := newWorkspace(t)

	stats, err := newClient(t, gw, "").FetchSinglePost(context.Background(), "https://www.instagram.com/p/Post1code/", true, ws)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Posts)
	assert.Equal(t, []string{"2024-01-01-Post1code/Post1code.jpg", "2024-01-01-Post1code/metadata.txt"}, names(ws.Manifest()))
	meta, err := os.ReadFile(ws.Manifest()[1].Path)
	require.NoError(t, err)
	assert.Contains(t, string(meta), "Shortcode: Post1code")
}

func TestFetchSinglePostErrors(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{})
	defer gw.Close()
	gw.AddPost(fetcher.Post{Shortcode: "Hidden1", OwnerIsPrivate: true, Media: []fetcher.Media{{URL: "x"}}})
	c := newClient(t, gw, "")

	_, err := c.FetchSinglePost(context.Background(), "nope", false, newWorkspace(t))
	assert.ErrorIs(t, err, fetcher.ErrInvalidTarget)
	_, err = c.FetchSinglePost(context.Background(), "Missing1", false, newWorkspace(t))
	assert.ErrorIs(t, err, fetcher.ErrNotFound)
	_, err = c.FetchSinglePost(context.Background(), "Hidden1", false, newWorkspace(t))
	assert.ErrorIs(t, err, fetcher.ErrPrivate)
}

func TestFetchProfilePicture(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{})
	defer gw.Close()
	seedProfile(gw, false)
	gw.AddProfile(fetcher.ProfileMeta{Username: "faceless"})
	c := newClient(t, gw, "")

	url, err := c.FetchProfilePicture(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, gw.MediaURL("pic.jpg"), url)

	_, err = c.FetchProfilePicture(context.Background(), "faceless")
	assert.ErrorIs(t, err, fetcher.ErrNotFound)
}

func TestFetchStopsOnCancelledContext(t *testing.T) {
	gw := gatewaystub.Start(gatewaystub.Options{Latency: time.Second})
	defer gw.Close()
	seedProfile(gw, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newClient(t, gw, "").FetchProfile(ctx, fetcher.ProfileRequest{Username: "someone"}, newWorkspace(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
