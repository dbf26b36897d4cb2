package fetcher

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	shortcodeInURL = regexp.MustCompile(`(?i)(?:instagram\.com/(?:p|reel|tv)/|/p/|/reel/|/tv/)([A-Za-z0-9_-]{5,})`)
	bareShortcode  = regexp.MustCompile(`^[A-Za-z0-9_-]{5,}$`)
	usernamePat    = regexp.MustCompile(`^[A-Za-z0-9._]{1,30}$`)
)

// ParseShortcode extracts a post shortcode from a post link or returns the
// input unchanged when it already is one.
func ParseShortcode(urlOrCode string) (string, error) {
	s := strings.TrimSpace(urlOrCode)
	if m := shortcodeInURL.FindStringSubmatch(s); m != nil {
		return m[1], nil
	}
	if bareShortcode.MatchString(s) {
		return s, nil
	}
	return "", fmt.Errorf("%w: provide a post link or shortcode", ErrInvalidTarget)
}

// ValidUsername reports whether name looks like a platform username.
func ValidUsername(name string) bool {
	return usernamePat.MatchString(name)
}

// Post describes one post and where its media lives.
type Post struct {
	Shortcode      string    `json:"shortcode"`
	TakenAt        time.Time `json:"taken_at"`
	Caption        string    `json:"caption,omitempty"`
	Hashtags       []string  `json:"hashtags,omitempty"`
	Likes          int64     `json:"likes"`
	Comments       int64     `json:"comments"`
	IsVideo        bool      `json:"is_video"`
	VideoViews     int64     `json:"video_view_count,omitempty"`
	Location       string    `json:"location,omitempty"`
	Owner          string    `json:"owner_username,omitempty"`
	OwnerIsPrivate bool      `json:"owner_is_private,omitempty"`
	Media          []Media   `json:"media"`
}

// Media is a single downloadable item of a post.
type Media struct {
	URL     string `json:"url"`
	IsVideo bool   `json:"is_video"`
}

// Folder is the per-post directory inside a workspace, e.g.
// "2024-01-02-Cx1AbCdEf".
func (p Post) Folder() string {
	return p.TakenAt.UTC().Format("2006-01-02") + "-" + p.Shortcode
}

// MediaName is the base file name (without extension) for media index i.
func (p Post) MediaName(i int) string {
	if len(p.Media) <= 1 {
		return p.Shortcode
	}
	return fmt.Sprintf("%s_%d", p.Shortcode, i+1)
}

// RenderMetadata produces the metadata.txt sidecar for a post.
func RenderMetadata(p Post) string {
	var b strings.Builder
	b.WriteString("Post Information\n")
	b.WriteString("==================\n\n")
	fmt.Fprintf(&b, "Shortcode: %s\n", p.Shortcode)
	fmt.Fprintf(&b, "Post Date: %s\n", p.TakenAt.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Likes: %d\n", p.Likes)
	fmt.Fprintf(&b, "Comments: %d\n", p.Comments)
	if p.IsVideo {
		b.WriteString("Video: Yes\n")
		if p.VideoViews > 0 {
			fmt.Fprintf(&b, "Video Views: %d\n", p.VideoViews)
		}
	} else {
		b.WriteString("Video: No\n")
	}
	if p.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", p.Location)
	}

	hashtags := "None"
	if len(p.Hashtags) > 0 {
		hashtags = strings.Join(p.Hashtags, ", ")
	}
	fmt.Fprintf(&b, "\nHashtags: %s\n", hashtags)

	caption := p.Caption
	if caption == "" {
		caption = "(No caption)"
	}
	fmt.Fprintf(&b, "\nCaption:\n%s\n%s\n", strings.Repeat("-", 40), caption)
	return b.String()
}
