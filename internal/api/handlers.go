package api

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"feedpack/internal/download"
	"feedpack/internal/fetcher"
	"feedpack/internal/observability/logging"
)

const maxPostsLimit = 1000

// DownloadService runs downloads and lookups on behalf of a client key.
type DownloadService interface {
	Run(ctx context.Context, req download.Request) (*download.Download, error)
	ProfileMeta(ctx context.Context, clientKey, username string) (fetcher.ProfileMeta, error)
	ProfilePictureURL(ctx context.Context, clientKey, username string) (string, error)
}

// ContextPinger reports the health of a dependency that needs a context.
type ContextPinger interface {
	Ping(ctx context.Context) error
}

// Pinger reports the health of a local dependency.
type Pinger interface {
	Ping() error
}

type Handler struct {
	Downloads  DownloadService
	Admission  ContextPinger
	Workspaces Pinger
	Version    string
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewHandler(downloads DownloadService) *Handler {
	return &Handler{Downloads: downloads}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Routes registers the service endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/profile/{username}", h.Profile)
	r.Route("/download", func(r chi.Router) {
		r.Get("/all/{username}", h.DownloadAll)
		r.Get("/posts/{username}", h.DownloadPosts)
		r.Get("/profile-pic/{username}", h.DownloadProfilePicture)
		r.Get("/post", h.DownloadPost)
	})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Timestamp  string            `json:"timestamp"`
	Components []componentStatus `json:"components"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{
		Status:     status,
		Version:    h.Version,
		Timestamp:  h.now().UTC().Format(time.RFC3339),
		Components: components,
	})
}

// Profile returns profile information as JSON.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	meta, err := h.Downloads.ProfileMeta(r.Context(), clientKey(r), username)
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// DownloadAll packages the profile picture and posts of a user.
func (h *Handler) DownloadAll(w http.ResponseWriter, r *http.Request) {
	h.serveProfileDownload(w, r, download.KindProfile)
}

// DownloadPosts packages only the posts of a user.
func (h *Handler) DownloadPosts(w http.ResponseWriter, r *http.Request) {
	h.serveProfileDownload(w, r, download.KindPosts)
}

func (h *Handler) serveProfileDownload(w http.ResponseWriter, r *http.Request, kind download.RequestKind) {
	query := r.URL.Query()
	maxPosts, err := parseMaxPosts(query.Get("max_posts"))
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	includeMetadata, err := parseBool(query, "include_metadata", true)
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	h.runDownload(w, r, download.Request{
		ClientKey:       clientKey(r),
		Kind:            kind,
		Target:          chi.URLParam(r, "username"),
		MaxItems:        maxPosts,
		IncludeMetadata: includeMetadata,
	})
}

type profilePictureURLResponse struct {
	Username      string `json:"username"`
	ProfilePicURL string `json:"profile_pic_url"`
}

// DownloadProfilePicture streams the profile picture, or returns its URL
// when url_only is set.
func (h *Handler) DownloadProfilePicture(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	urlOnly, err := parseBool(r.URL.Query(), "url_only", false)
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	if urlOnly {
		pictureURL, err := h.Downloads.ProfilePictureURL(r.Context(), clientKey(r), username)
		if err != nil {
			writeDownloadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profilePictureURLResponse{Username: username, ProfilePicURL: pictureURL})
		return
	}
	h.runDownload(w, r, download.Request{
		ClientKey: clientKey(r),
		Kind:      download.KindProfilePicture,
		Target:    username,
	})
}

// DownloadPost packages a single post named by link or shortcode.
func (h *Handler) DownloadPost(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := strings.TrimSpace(query.Get("url"))
	if target == "" {
		writeDownloadError(w, invalidRequest("the url query parameter is required"))
		return
	}
	includeMetadata, err := parseBool(query, "include_metadata", true)
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	h.runDownload(w, r, download.Request{
		ClientKey:       clientKey(r),
		Kind:            download.KindPost,
		Target:          target,
		IncludeMetadata: includeMetadata,
	})
}

func (h *Handler) runDownload(w http.ResponseWriter, r *http.Request, req download.Request) {
	dl, err := h.Downloads.Run(r.Context(), req)
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	h.streamDownload(w, r, dl)
}

func (h *Handler) streamDownload(w http.ResponseWriter, r *http.Request, dl *download.Download) {
	file, err := os.Open(dl.Result.Path)
	if err != nil {
		logging.WithContext(r.Context(), h.logger()).Error("open packaged result", "workspace_id", dl.WorkspaceID, "error", err)
		writeDownloadError(w, &download.Error{Kind: download.KindResource, Message: "the packaged result is no longer available", Err: err})
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		writeDownloadError(w, &download.Error{Kind: download.KindResource, Message: "the packaged result is no longer available", Err: err})
		return
	}

	header := w.Header()
	header.Set("Content-Type", dl.Result.MediaType)
	header.Set("Content-Disposition", contentDisposition(dl.Filename))
	header.Set("X-Download-Stats-Posts", strconv.Itoa(dl.Stats.Posts))
	header.Set("X-Download-Stats-ProfilePic", strconv.FormatBool(dl.Stats.ProfilePicture))
	header.Set("X-Download-Stats-Files", strconv.Itoa(dl.Stats.Files))
	header.Set("X-Download-Stats-Bytes", strconv.FormatInt(dl.Stats.Bytes, 10))
	header.Set("X-Download-Time-Seconds", fmt.Sprintf("%.2f", dl.Elapsed.Seconds()))
	header.Set("X-Workspace-Id", dl.WorkspaceID)

	http.ServeContent(w, r, dl.Filename, info.ModTime(), file)
}

func contentDisposition(filename string) string {
	if value := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); value != "" {
		return value
	}
	return "attachment"
}

// NotFound answers unmatched routes with the error envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no route for %s", r.URL.Path))
}

// MethodNotAllowed answers known routes requested with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", fmt.Sprintf("method %s not allowed", r.Method))
}

func parseMaxPosts(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 || value > maxPostsLimit {
		return 0, invalidRequest(fmt.Sprintf("max_posts must be an integer between 1 and %d", maxPostsLimit))
	}
	return value, nil
}

func parseBool(query map[string][]string, key string, fallback bool) (bool, error) {
	values, ok := query[key]
	if !ok || len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(values[0]))
	if err != nil {
		return false, invalidRequest(fmt.Sprintf("%s must be true or false", key))
	}
	return value, nil
}

// clientKey returns the key the server middleware attached, falling back
// to the peer host.
func clientKey(r *http.Request) string {
	if key, ok := logging.ClientKeyFromContext(r.Context()); ok {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
