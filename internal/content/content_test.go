package content

import (
	"strings"
	"testing"

	"chatline/internal/models"

	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Team chat", "Team chat"},
		{"Markup", "<b>Team</b> chat", "Team chat"},
		{"Surrounding space", "  Team  ", "Team"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.input); got != tt.expected {
				t.Errorf("PlainText() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	html, err := Render("**bold** and `code`")
	require.NoError(t, err)
	require.Contains(t, html, "<strong>bold</strong>")
	require.Contains(t, html, "<code>code</code>")

	html, err = Render("[x](javascript:alert(1)) <script>alert(1)</script>")
	require.NoError(t, err)
	require.NotContains(t, html, "javascript:")
	require.NotContains(t, html, "<script>")
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "user123", false},
		{"Valid with dot", "user.name", false},
		{"Valid with dash", "user-name", false},
		{"Valid with underscore", "user_name", false},
		{"Invalid space", "user name", true},
		{"Invalid symbol", "user@name", true},
		{"Empty", "", true},
		{"Too short", "ab", true},
		{"Too long", strings.Repeat("a", 21), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, models.ErrInvalidArgument)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
