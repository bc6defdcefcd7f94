package lms

import (
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare host", "canvas.example.edu", "https://canvas.example.edu/api/v1"},
		{"trailing slash", "https://canvas.example.edu/", "https://canvas.example.edu/api/v1"},
		{"already normalized", "https://canvas.example.edu/api/v1", "https://canvas.example.edu/api/v1"},
		{"api root with slash", "https://canvas.example.edu/api/v1/", "https://canvas.example.edu/api/v1"},
		{"keeps http for local", "http://127.0.0.1:8080", "http://127.0.0.1:8080/api/v1"},
		{"drops query", "https://canvas.example.edu/?login=1", "https://canvas.example.edu/api/v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBaseURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeBaseURL("   ")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestNewClientRejectsEmptyKey(t *testing.T) {
	_, err := NewClient(models.Credentials{BaseURL: "canvas.example.edu"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 2*time.Second, parseRetryAfter("2", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, maxRetryAfter, parseRetryAfter("3600", now), "long waits are capped")

	date := now.Add(5 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 5*time.Second, parseRetryAfter(date, now))
}

func TestRetryBackOff(t *testing.T) {
	b := newRetryBackOff(500*time.Millisecond, 3)

	assert.Equal(t, 500*time.Millisecond, b.NextBackOff())
	b.hint = 3 * time.Second
	assert.Equal(t, 3*time.Second, b.NextBackOff(), "Retry-After overrides the exponential delay")
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "retries are capped")

	b.Reset()
	assert.Equal(t, 500*time.Millisecond, b.NextBackOff())
}

func TestNextLinkStaysOnHost(t *testing.T) {
	c, err := NewClient(models.Credentials{APIKey: "k", BaseURL: "https://canvas.example.edu"})
	require.NoError(t, err)

	h := http.Header{}
	h.Add("Link", `<https://canvas.example.edu/api/v1/users/self/courses?page=2>; rel="next", <https://canvas.example.edu/api/v1/users/self/courses?page=1>; rel="first"`)
	assert.Equal(t, "https://canvas.example.edu/api/v1/users/self/courses?page=2", c.nextLink(h))

	other := http.Header{}
	other.Add("Link", `<https://evil.example.com/api/v1/x?page=2>; rel="next"`)
	assert.Empty(t, c.nextLink(other), "bearer token must not follow links to another host")

	assert.Empty(t, c.nextLink(http.Header{}))
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"plain text collapsed", "  hello \n\n world ", 0, "hello world"},
		{"tags stripped", "<p>Read <b>chapter</b> 3</p><p>then quiz</p>", 0, "Read chapter 3 then quiz"},
		{"entities decoded", "<p>Q&amp;A &lt;today&gt;</p>", 0, "Q&A <today>"},
		{"script dropped", "<p>keep</p><script>alert('x')</script><style>p{}</style><p>this</p>", 0, "keep this"},
		{"line breaks separate words", "one<br>two<br/>three", 0, "one two three"},
		{"clipped by runes", "<p>ééééé</p>", 3, "ééé"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.in, tt.limit))
		})
	}
}

func TestStatusErrorUnwrap(t *testing.T) {
	assert.ErrorIs(t, &StatusError{StatusCode: http.StatusUnauthorized}, ErrUnauthorized)
	assert.ErrorIs(t, &StatusError{StatusCode: http.StatusForbidden}, ErrUnauthorized)
	assert.ErrorIs(t, &StatusError{StatusCode: http.StatusNotFound}, ErrNotFound)
	assert.NotErrorIs(t, &StatusError{StatusCode: http.StatusBadGateway}, ErrNotFound)
}
