package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapProfiles struct {
	rows  map[string]profile
	calls atomic.Int32
}

func (m *mapProfiles) profile(_ context.Context, userID string) (profile, error) {
	m.calls.Add(1)
	p, ok := m.rows[userID]
	if !ok {
		return profile{}, ErrNotFound
	}
	return p, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStaticResolver(t *testing.T) {
	creds, err := NewStaticResolver("https://canvas.example.edu", "tok").Resolve(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, "tok", creds.APIKey)
	assert.Equal(t, "https://canvas.example.edu", creds.BaseURL)

	_, err = NewStaticResolver("", "").Resolve(context.Background(), "anyone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseResolver(t *testing.T) {
	src := &mapProfiles{rows: map[string]profile{
		"u1":      {APIKeyEncrypted: knownEnvelope, APIURL: "https://swinburne.instructure.com"},
		"u2":      {APIKeyEncrypted: "PLAIN:dG9rZW4="},
		"blank":   {APIURL: "https://canvas.example.edu"},
		"garbage": {APIKeyEncrypted: "AES:zz:zz", APIURL: "https://canvas.example.edu"},
	}}
	r := newSupabaseResolver(src, SupabaseConfig{
		EncryptionKey:  string(testKey),
		DefaultBaseURL: "https://canvas.example.edu",
		CacheTTL:       time.Minute,
	}, quietLogger())
	ctx := context.Background()

	creds, err := r.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "canvas-token-123", creds.APIKey)
	assert.Equal(t, "https://swinburne.instructure.com", creds.BaseURL)

	_, err = r.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "second lookup should hit the cache")

	r.Forget("u1")
	_, err = r.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())

	creds, err = r.Resolve(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "token", creds.APIKey)
	assert.Equal(t, "https://canvas.example.edu", creds.BaseURL)

	_, err = r.Resolve(ctx, "blank")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestSupabaseResolverOverREST(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotKey = r.URL.Path, r.URL.RawQuery, r.Header.Get("apikey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"canvas_api_key_encrypted":"PLAIN:dG9rZW4=","canvas_api_url":"https://canvas.example.edu"}]`)
	}))
	defer srv.Close()

	r, err := NewSupabaseResolver(SupabaseConfig{URL: srv.URL, ServiceKey: "service"}, quietLogger())
	require.NoError(t, err)

	creds, err := r.Resolve(context.Background(), "user-42")
	require.NoError(t, err)
	assert.Equal(t, "token", creds.APIKey)
	assert.Equal(t, "/rest/v1/profiles", gotPath)
	assert.Contains(t, gotQuery, "id=eq.user-42")
	assert.Equal(t, "service", gotKey)
}

func TestNewSupabaseResolverValidation(t *testing.T) {
	_, err := NewSupabaseResolver(SupabaseConfig{ServiceKey: "k"}, nil)
	assert.Error(t, err)
	_, err = NewSupabaseResolver(SupabaseConfig{URL: "http://localhost"}, nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
