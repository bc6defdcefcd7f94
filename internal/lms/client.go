// Package lms talks to the Canvas LMS REST API and turns a user's courses,
// modules, assignments and pages into entities.
package lms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tomnomnom/linkheader"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultPageTimeout    = 15 * time.Second
	defaultMaxRetries     = 3
	defaultBaseDelay      = 500 * time.Millisecond

	// maxRetryAfter bounds how long a Retry-After header can stall a fetch.
	maxRetryAfter = 30 * time.Second
	// maxResponseBytes bounds a single response body.
	maxResponseBytes = 8 << 20
	// maxErrorBody bounds how much of an error body is kept in StatusError.
	maxErrorBody = 200
)

// Client is a Canvas REST client bound to one user's credentials.
type Client struct {
	baseURL        *url.URL
	apiKey         string
	httpClient     *http.Client
	requestTimeout time.Duration
	pageTimeout    time.Duration
	maxRetries     int
	baseDelay      time.Duration
	logger         *slog.Logger
	metrics        *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts sets the per-request timeout and the longer page-body timeout.
func WithTimeouts(request, page time.Duration) Option {
	return func(c *Client) {
		if request > 0 {
			c.requestTimeout = request
		}
		if page > 0 {
			c.pageTimeout = page
		}
	}
}

// WithRetries sets the retry count and the first retry delay (doubled per attempt).
func WithRetries(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records every HTTP attempt in the collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the given credentials.
func NewClient(creds models.Credentials, opts ...Option) (*Client, error) {
	if strings.TrimSpace(creds.APIKey) == "" {
		return nil, fmt.Errorf("%w: empty api key", ErrInvalidCredentials)
	}
	base, err := NormalizeBaseURL(creds.BaseURL)
	if err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	c := &Client{
		baseURL:        baseURL,
		apiKey:         strings.TrimSpace(creds.APIKey),
		httpClient:     http.DefaultClient,
		requestTimeout: defaultRequestTimeout,
		pageTimeout:    defaultPageTimeout,
		maxRetries:     defaultMaxRetries,
		baseDelay:      defaultBaseDelay,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NormalizeBaseURL turns a Canvas host or URL into its REST root, "<scheme>://<host>/api/v1".
// A missing scheme defaults to https.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty base url", ErrInvalidCredentials)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: bad base url %q", ErrInvalidCredentials, raw)
	}
	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, "/api/v1")
	u.Path = path + "/api/v1"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// BaseURL returns the normalized REST root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Self returns the authenticated user. It doubles as the credential check.
func (c *Client) Self(ctx context.Context) (*User, error) {
	var u User
	if err := c.getJSON(ctx, "/users/self", nil, c.requestTimeout, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Courses lists the user's actively enrolled courses.
func (c *Client) Courses(ctx context.Context) ([]Course, error) {
	q := url.Values{"enrollment_state": {"active"}, "per_page": {"100"}}
	return getPaged[Course](ctx, c, "/users/self/courses", q)
}

// Modules lists a course's modules with their items.
func (c *Client) Modules(ctx context.Context, courseID int64) ([]Module, error) {
	q := url.Values{"include[]": {"items"}, "per_page": {"50"}}
	return getPaged[Module](ctx, c, fmt.Sprintf("/courses/%d/modules", courseID), q)
}

// Assignments lists a course's assignments.
func (c *Client) Assignments(ctx context.Context, courseID int64) ([]Assignment, error) {
	q := url.Values{"per_page": {"50"}}
	return getPaged[Assignment](ctx, c, fmt.Sprintf("/courses/%d/assignments", courseID), q)
}

// Page fetches a wiki page with its body.
func (c *Client) Page(ctx context.Context, courseID int64, pageURL string) (*Page, error) {
	var p Page
	path := fmt.Sprintf("/courses/%d/pages/%s", courseID, strings.Trim(pageURL, "/"))
	if err := c.getJSON(ctx, path, nil, c.pageTimeout, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, timeout time.Duration, out any) error {
	body, _, err := c.get(ctx, c.endpoint(path, q), timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// getPaged follows rel="next" Link headers until the listing is exhausted.
func getPaged[T any](ctx context.Context, c *Client, path string, q url.Values) ([]T, error) {
	var out []T
	next := c.endpoint(path, q)
	for next != "" {
		body, header, err := c.get(ctx, next, c.requestTimeout)
		if err != nil {
			return out, err
		}
		var page []T
		if err := json.Unmarshal(body, &page); err != nil {
			return out, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, page...)
		next = c.nextLink(header)
	}
	return out, nil
}

// nextLink returns the rel="next" URL, or "" when there is none or it leaves the LMS host.
func (c *Client) nextLink(header http.Header) string {
	links := linkheader.ParseMultiple(header.Values("Link")).FilterByRel("next")
	if len(links) == 0 {
		return ""
	}
	u, err := url.Parse(links[0].URL)
	if err != nil {
		return ""
	}
	if u.Host != "" && u.Host != c.baseURL.Host {
		c.logger.Warn("ignoring cross-host pagination link", "host", u.Host)
		return ""
	}
	return c.baseURL.ResolveReference(u).String()
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// get performs a GET with per-attempt timeout and retries on 429, 5xx and
// transport errors. A Retry-After header overrides the exponential delay.
func (c *Client) get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, http.Header, error) {
	var (
		body   []byte
		header http.Header
	)
	path := c.logPath(rawURL)

	b := newRetryBackOff(c.baseDelay, c.maxRetries)

	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.RecordTiming(metrics.OpLMSRequest, time.Since(start), err)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("GET %s: %w", path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			c.metrics.RecordTiming(metrics.OpLMSRequest, time.Since(start), err)
			return fmt.Errorf("read %s: %w", path, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.metrics.RecordTiming(metrics.OpLMSRequest, time.Since(start), nil)
			body, header = data, resp.Header
			return nil
		}

		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			Path:       path,
			Body:       clip(strings.TrimSpace(string(data)), maxErrorBody),
		}
		c.metrics.RecordTiming(metrics.OpLMSRequest, time.Since(start), statusErr)
		if !retryable(resp.StatusCode) {
			return backoff.Permanent(statusErr)
		}
		b.hint = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return statusErr
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("retrying LMS request", "path", path, "wait_ms", wait.Milliseconds(), "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, nil, err
	}
	return body, header, nil
}

// logPath strips the host and the REST root so logs never carry absolute URLs.
func (c *Client) logPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.TrimPrefix(u.Path, strings.TrimRight(c.baseURL.Path, "/"))
}

// retryBackOff is a deterministic exponential backoff capped at a retry count,
// with a one-shot override taken from a Retry-After header.
type retryBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func newRetryBackOff(baseDelay time.Duration, maxRetries int) *retryBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = baseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = maxRetryAfter
	expo.MaxElapsedTime = 0
	expo.Reset()

	return &retryBackOff{BackOff: backoff.WithMaxRetries(expo, uint64(maxRetries))}
}

// NextBackOff implements backoff.BackOff.
func (b *retryBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > 0 {
		next = b.hint
		b.hint = 0
	}
	return next
}

// Reset implements backoff.BackOff.
func (b *retryBackOff) Reset() {
	b.hint = 0
	b.BackOff.Reset()
}

// parseRetryAfter reads delta-seconds or an HTTP date. It returns 0 when absent or invalid.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
