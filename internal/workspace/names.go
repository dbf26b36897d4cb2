package workspace

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	maxSegments     = 2
	maxSegmentBytes = 200
	maxHintRunes    = 32
)

var (
	invalidChars   = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f]`)
	repeatedSpaces = regexp.MustCompile(`\s+`)
)

// SanitizeSegment makes a single path element safe to use on disk. The
// result may be empty when nothing usable remains.
func SanitizeSegment(name string) string {
	name = norm.NFC.String(name)
	name = invalidChars.ReplaceAllString(name, "_")
	name = repeatedSpaces.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	name = strings.TrimRight(name, ". ")
	return truncateBytes(name, maxSegmentBytes)
}

// cleanName validates an untrusted relative name and returns its
// slash-separated, sanitised form.
func cleanName(name string) (string, error) {
	raw := strings.ReplaceAll(norm.NFC.String(name), `\`, "/")
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if strings.HasPrefix(raw, "/") || (len(raw) >= 2 && raw[1] == ':') {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidName, name)
	}
	parts := strings.Split(raw, "/")
	if len(parts) > maxSegments {
		return "", fmt.Errorf("%w: %q is nested too deeply", ErrInvalidName, name)
	}
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" || trimmed == "." || trimmed == ".." {
			return "", fmt.Errorf("%w: %q contains an empty or relative segment", ErrInvalidName, name)
		}
		segment := SanitizeSegment(part)
		if segment == "" {
			return "", fmt.Errorf("%w: %q has no usable characters", ErrInvalidName, name)
		}
		cleaned = append(cleaned, segment)
	}
	return strings.Join(cleaned, "/"), nil
}

// hintPrefix derives the human-readable directory prefix. It carries no
// meaning beyond debugging.
func hintPrefix(hint string) string {
	prefix := SanitizeSegment(hint)
	prefix = strings.ReplaceAll(prefix, " ", "_")
	prefix = strings.Trim(prefix, ".")
	if utf8.RuneCountInString(prefix) > maxHintRunes {
		prefix = string([]rune(prefix)[:maxHintRunes])
	}
	if prefix == "" {
		return "ws"
	}
	return prefix
}

func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], ". ")
}
