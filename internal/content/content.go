package content

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"chatline/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 20
)

var (
	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	markdown      = goldmark.New(goldmark.WithExtensions(extension.GFM))
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from user supplied message text.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// PlainText strips all markup. Used for names, descriptions and other
// fields that are never rendered as HTML.
func PlainText(input string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(input))
}

// Render converts markdown message text to sanitized HTML.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// Length counts characters, not bytes.
func Length(s string) int {
	return utf8.RuneCountInString(s)
}

// ValidateUsername checks the handle length and that it contains only
// alphanumerics, dot, dash and underscore.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username cannot be empty", models.ErrInvalidArgument)
	}
	if n := Length(username); n < MinUsernameLength || n > MaxUsernameLength {
		return fmt.Errorf("%w: username must be %d to %d characters", models.ErrInvalidArgument, MinUsernameLength, MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("%w: username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)", models.ErrInvalidArgument)
	}
	return nil
}
