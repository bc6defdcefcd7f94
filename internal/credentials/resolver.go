// Package credentials resolves a user's LMS API key and base URL.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/supabase-community/supabase-go"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// ErrNotFound is returned when a user has no LMS credentials on file.
var ErrNotFound = errors.New("credentials not found")

// Resolver supplies decrypted LMS credentials per user.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (models.Credentials, error)
}

// StaticResolver hands every user the same credentials. It backs the CLI and
// single-user deployments configured with CANVAS_API_URL and CANVAS_API_KEY.
type StaticResolver struct {
	creds models.Credentials
}

// NewStaticResolver creates a resolver for one credential pair.
func NewStaticResolver(baseURL, apiKey string) *StaticResolver {
	return &StaticResolver{creds: models.Credentials{APIKey: apiKey, BaseURL: baseURL}}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, _ string) (models.Credentials, error) {
	if r.creds.APIKey == "" || r.creds.BaseURL == "" {
		return models.Credentials{}, fmt.Errorf("%w: CANVAS_API_URL and CANVAS_API_KEY are not set", ErrNotFound)
	}
	return r.creds, nil
}

// profile is the subset of the profiles table holding LMS settings.
type profile struct {
	APIKeyEncrypted string `json:"canvas_api_key_encrypted"`
	APIURL          string `json:"canvas_api_url"`
}

// profileSource loads one profile row. The supabase client satisfies it
// through supabaseProfiles; tests substitute a map.
type profileSource interface {
	profile(ctx context.Context, userID string) (profile, error)
}

type supabaseProfiles struct {
	client *supabase.Client
}

func (s supabaseProfiles) profile(_ context.Context, userID string) (profile, error) {
	var rows []profile
	_, err := s.client.From("profiles").
		Select("canvas_api_key_encrypted,canvas_api_url", "", false).
		Eq("id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return profile{}, fmt.Errorf("query profile: %w", err)
	}
	if len(rows) == 0 {
		return profile{}, fmt.Errorf("%w: no profile for user %s", ErrNotFound, userID)
	}
	return rows[0], nil
}

// SupabaseConfig configures a SupabaseResolver.
type SupabaseConfig struct {
	URL           string
	ServiceKey    string
	EncryptionKey string
	// DefaultBaseURL is used when a profile has a key but no LMS URL.
	DefaultBaseURL string
	CacheTTL       time.Duration
	CacheSize      int
}

// SupabaseResolver reads encrypted Canvas keys from the profiles table and
// caches the opened credentials briefly.
type SupabaseResolver struct {
	source         profileSource
	key            []byte
	defaultBaseURL string
	cache          *expirable.LRU[string, models.Credentials]
	logger         *slog.Logger
}

// NewSupabaseResolver creates a resolver backed by Supabase.
func NewSupabaseResolver(cfg SupabaseConfig, logger *slog.Logger) (*SupabaseResolver, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("supabase service key is required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return newSupabaseResolver(supabaseProfiles{client: client}, cfg, logger), nil
}

func newSupabaseResolver(src profileSource, cfg SupabaseConfig, logger *slog.Logger) *SupabaseResolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SupabaseResolver{
		source:         src,
		key:            []byte(cfg.EncryptionKey),
		defaultBaseURL: cfg.DefaultBaseURL,
		cache:          expirable.NewLRU[string, models.Credentials](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:         logger,
	}
}

// Resolve implements Resolver.
func (r *SupabaseResolver) Resolve(ctx context.Context, userID string) (models.Credentials, error) {
	if userID == "" {
		return models.Credentials{}, fmt.Errorf("%w: empty user id", ErrNotFound)
	}
	if creds, ok := r.cache.Get(userID); ok {
		return creds, nil
	}

	p, err := r.source.profile(ctx, userID)
	if err != nil {
		return models.Credentials{}, err
	}
	if strings.TrimSpace(p.APIKeyEncrypted) == "" {
		return models.Credentials{}, fmt.Errorf("%w: user %s has not connected Canvas", ErrNotFound, userID)
	}

	apiKey, err := Open(p.APIKeyEncrypted, r.key)
	if err != nil {
		r.logger.Warn("cannot open stored canvas key", "user_id", userID, "error", err)
		return models.Credentials{}, err
	}

	baseURL := p.APIURL
	if baseURL == "" {
		baseURL = r.defaultBaseURL
	}
	if baseURL == "" {
		return models.Credentials{}, fmt.Errorf("%w: user %s has no Canvas URL", ErrNotFound, userID)
	}

	creds := models.Credentials{APIKey: apiKey, BaseURL: baseURL}
	r.cache.Add(userID, creds)
	return creds, nil
}

// Forget drops a cached entry, for example after the user rotates their key.
func (r *SupabaseResolver) Forget(userID string) {
	r.cache.Remove(userID)
}
