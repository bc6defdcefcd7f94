package lms

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

const (
	// DefaultMaxItems is the entity ceiling used by prefetch when none is given.
	DefaultMaxItems = 30
	// DefaultConcurrency keeps fan-out polite towards the LMS rate limits.
	DefaultConcurrency = 4
)

// API is the subset of the Canvas API the fetcher needs.
type API interface {
	Self(ctx context.Context) (*User, error)
	Courses(ctx context.Context) ([]Course, error)
	Modules(ctx context.Context, courseID int64) ([]Module, error)
	Assignments(ctx context.Context, courseID int64) ([]Assignment, error)
	Page(ctx context.Context, courseID int64, pageURL string) (*Page, error)
}

// ClientFactory builds an API client for a user's credentials.
type ClientFactory func(creds models.Credentials) (API, error)

// NewClientFactory returns a factory producing *Client with the given options.
func NewClientFactory(opts ...Option) ClientFactory {
	return func(creds models.Credentials) (API, error) {
		return NewClient(creds, opts...)
	}
}

// SubtreeResult records the outcome of one sub-request of a fetch.
type SubtreeResult struct {
	Path     string `json:"path"`
	Entities int    `json:"entities"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the sub-request succeeded.
func (s SubtreeResult) OK() bool {
	return s.Err == nil
}

// FetchResult is the outcome of a fetch: the entities retrieved plus one
// result per sub-request so callers can see what was left out.
type FetchResult struct {
	Entities []models.Entity `json:"entities"`
	Subtrees []SubtreeResult `json:"subtrees"`
	// Warnings counts failed sub-requests whose subtrees were omitted.
	Warnings int `json:"warnings"`
	// Capped is set when maxItems cut the entity list short.
	Capped bool `json:"capped"`
}

// Coverage is the fraction of sub-requests that succeeded, 1 when there were none.
func (r *FetchResult) Coverage() float64 {
	if len(r.Subtrees) == 0 {
		return 1
	}
	ok := lo.CountBy(r.Subtrees, func(s SubtreeResult) bool { return s.OK() })
	return float64(ok) / float64(len(r.Subtrees))
}

// Failed returns the sub-requests that failed.
func (r *FetchResult) Failed() []SubtreeResult {
	return lo.Filter(r.Subtrees, func(s SubtreeResult, _ int) bool { return !s.OK() })
}

// ProgressFunc receives the number of entities gathered so far and the ceiling.
type ProgressFunc func(done, total int)

// FetchOption configures one FetchEntities call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	progress ProgressFunc
}

// WithProgress reports progress while the fetch runs.
func WithProgress(fn ProgressFunc) FetchOption {
	return func(o *fetchOptions) { o.progress = fn }
}

// ProgressOf returns the progress callback set by opts, or nil.
func ProgressOf(opts ...FetchOption) ProgressFunc {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.progress
}

// Fetcher retrieves a user's LMS entities with bounded concurrency.
type Fetcher struct {
	newClient   ClientFactory
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithConcurrency sets the maximum number of in-flight sub-requests.
func WithConcurrency(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithFetcherLogger sets the fetcher logger.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = logger }
}

// WithFetcherMetrics sets the metrics collector.
func WithFetcherMetrics(m *metrics.Collector) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher creates a fetcher.
func NewFetcher(newClient ClientFactory, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		newClient:   newClient,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// courseTree is what the fan-out gathered for one course.
type courseTree struct {
	modules        []Module
	modulesErr     error
	assignments    []Assignment
	assignmentsErr error
}

// FetchEntities retrieves up to maxItems entities. Courses come first; the
// remaining budget is spent depth-first per course in listing order: each
// module, its page and assignment items, then the course's other assignments.
//
// A failed sub-request omits its subtree and is recorded in the result. The
// call fails with ErrFetch only when authentication or the course listing
// fails, the context is cancelled, or nothing at all was retrieved.
func (f *Fetcher) FetchEntities(ctx context.Context, creds models.Credentials, maxItems int, opts ...FetchOption) (*FetchResult, error) {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	start := time.Now()

	client, err := f.newClient(creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	if _, err := client.Self(ctx); err != nil {
		return nil, fmt.Errorf("%w: authenticate: %w", ErrFetch, err)
	}

	courses, err := client.Courses(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list courses: %w", ErrFetch, err)
	}

	b := newEntityBuilder(maxItems)
	for _, c := range courses {
		if !b.add(courseEntity(c)) {
			break
		}
	}
	included := courses[:min(len(courses), maxItems)]
	report(o.progress, b.len(), maxItems)

	result := &FetchResult{}

	if !b.full() && len(included) > 0 {
		trees := f.expandCourses(ctx, client, included)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
		}

		for i, c := range included {
			tree := trees[i]
			result.Subtrees = append(result.Subtrees,
				subtree(fmt.Sprintf("course:%d/modules", c.ID), len(tree.modules), tree.modulesErr),
				subtree(fmt.Sprintf("course:%d/assignments", c.ID), len(tree.assignments), tree.assignmentsErr),
			)
			b.addCourseTree(c, tree)
		}
		report(o.progress, b.len(), maxItems)

		result.Subtrees = append(result.Subtrees, f.fillPageBodies(ctx, client, b)...)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
		}
		report(o.progress, b.len(), maxItems)
	}

	result.Entities = b.entities
	result.Capped = b.capped
	for _, s := range result.Subtrees {
		if !s.OK() {
			result.Warnings++
			f.logger.Warn("LMS subtree omitted", "path", s.Path, "error", s.Err)
		}
	}
	f.metrics.Add(metrics.CounterFetchWarnings, int64(result.Warnings))

	if len(result.Entities) == 0 {
		return nil, fmt.Errorf("%w: no entities retrieved", ErrFetch)
	}

	f.logger.Info("LMS fetch complete",
		"entities", len(result.Entities),
		"courses", len(included),
		"warnings", result.Warnings,
		"coverage", fmt.Sprintf("%.2f", result.Coverage()),
		"capped", result.Capped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// expandCourses fetches modules and assignments for every course through a
// bounded pool. Results land in per-course slots so ordering stays deterministic.
func (f *Fetcher) expandCourses(ctx context.Context, client API, courses []Course) []courseTree {
	trees := make([]courseTree, len(courses))

	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for i, c := range courses {
		g.Go(func() error {
			if ctx.Err() != nil {
				trees[i].modulesErr = ctx.Err()
				return nil
			}
			trees[i].modules, trees[i].modulesErr = client.Modules(ctx, c.ID)
			return nil
		})
		g.Go(func() error {
			if ctx.Err() != nil {
				trees[i].assignmentsErr = ctx.Err()
				return nil
			}
			trees[i].assignments, trees[i].assignmentsErr = client.Assignments(ctx, c.ID)
			return nil
		})
	}

	// Sub-requests never return errors; failures are kept per subtree.
	_ = g.Wait()
	return trees
}

// fillPageBodies loads bodies for the page entities that made the cut. A page
// whose body fails to load keeps its title from the module listing.
func (f *Fetcher) fillPageBodies(ctx context.Context, client API, b *entityBuilder) []SubtreeResult {
	var (
		mu      sync.Mutex
		results []SubtreeResult
		g       errgroup.Group
	)
	g.SetLimit(f.concurrency)

	for _, ref := range b.pages {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			path := fmt.Sprintf("course:%d/pages/%s", ref.courseID, ref.pageURL)
			page, err := client.Page(ctx, ref.courseID, ref.pageURL)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results = append(results, subtree(path, 0, err))
				return nil
			}
			b.setPageBody(ref.index, page)
			results = append(results, subtree(path, 1, nil))
			return nil
		})
	}
	_ = g.Wait()

	// Completion order varies; keep the report stable.
	slices.SortFunc(results, func(x, y SubtreeResult) int { return strings.Compare(x.Path, y.Path) })
	return results
}

func subtree(path string, n int, err error) SubtreeResult {
	s := SubtreeResult{Path: path, Entities: n, Err: err}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func report(fn ProgressFunc, done, total int) {
	if fn != nil {
		fn(min(done, total), total)
	}
}

// pageRef points at a page entity whose body is still to be loaded.
type pageRef struct {
	index    int
	courseID int64
	pageURL  string
}

// entityBuilder accumulates entities in insertion order up to a ceiling,
// ignoring duplicate ids.
type entityBuilder struct {
	limit    int
	entities []models.Entity
	index    map[string]int
	pages    []pageRef
	capped   bool
}

func newEntityBuilder(limit int) *entityBuilder {
	return &entityBuilder{limit: limit, index: make(map[string]int)}
}

func (b *entityBuilder) len() int   { return len(b.entities) }
func (b *entityBuilder) full() bool { return len(b.entities) >= b.limit }

// add appends e unless it is a duplicate. It returns false once the ceiling is hit.
func (b *entityBuilder) add(e models.Entity) bool {
	if _, dup := b.index[e.ID]; dup {
		return true
	}
	if b.full() {
		b.capped = true
		return false
	}
	b.index[e.ID] = len(b.entities)
	b.entities = append(b.entities, e)
	return true
}

func (b *entityBuilder) addCourseTree(c Course, tree courseTree) {
	courseID := models.EntityID(models.KindCourse, c.ID)

	for _, m := range tree.modules {
		moduleID := models.EntityID(models.KindModule, m.ID)
		if !b.add(models.Entity{
			ID:        moduleID,
			Kind:      models.KindModule,
			Title:     strings.TrimSpace(m.Name),
			ParentID:  courseID,
			UpdatedAt: timeOrZero(m.UpdatedAt),
		}) {
			return
		}

		for _, item := range m.Items {
			switch item.Type {
			case ItemTypePage:
				if item.PageURL == "" {
					continue
				}
				e := models.Entity{
					ID:       models.EntityID(models.KindPage, c.ID, item.PageURL),
					Kind:     models.KindPage,
					Title:    strings.TrimSpace(item.Title),
					ParentID: moduleID,
					URL:      item.HTMLURL,
				}
				_, seen := b.index[e.ID]
				if !b.add(e) {
					return
				}
				if !seen {
					b.pages = append(b.pages, pageRef{index: b.index[e.ID], courseID: c.ID, pageURL: item.PageURL})
				}
			case ItemTypeAssignment:
				if item.ContentID == 0 {
					continue
				}
				if !b.add(models.Entity{
					ID:       models.EntityID(models.KindAssignment, item.ContentID),
					Kind:     models.KindAssignment,
					Title:    strings.TrimSpace(item.Title),
					ParentID: moduleID,
					URL:      item.HTMLURL,
				}) {
					return
				}
			}
		}
	}

	for _, a := range tree.assignments {
		e := assignmentEntity(a, courseID)
		if i, ok := b.index[e.ID]; ok {
			// Already placed under a module: keep the placement, take the details.
			existing := &b.entities[i]
			existing.Body = e.Body
			existing.UpdatedAt = e.UpdatedAt
			if existing.URL == "" {
				existing.URL = e.URL
			}
			continue
		}
		if !b.add(e) {
			return
		}
	}
}

func (b *entityBuilder) setPageBody(i int, p *Page) {
	e := &b.entities[i]
	e.Body = CleanText(p.Body, MaxBodyChars)
	e.UpdatedAt = timeOrZero(p.UpdatedAt)
	if p.Title != "" {
		e.Title = strings.TrimSpace(p.Title)
	}
	if e.URL == "" {
		e.URL = p.HTMLURL
	}
}

func courseEntity(c Course) models.Entity {
	title := strings.TrimSpace(c.Name)
	if c.CourseCode != "" && !strings.Contains(title, c.CourseCode) {
		title = c.CourseCode + " " + title
	}
	return models.Entity{
		ID:        models.EntityID(models.KindCourse, c.ID),
		Kind:      models.KindCourse,
		Title:     title,
		Body:      CleanText(c.PublicDescription, MaxBodyChars),
		UpdatedAt: timeOrZero(c.UpdatedAt),
	}
}

func assignmentEntity(a Assignment, parentID string) models.Entity {
	body := CleanText(a.Description, MaxBodyChars)
	if a.DueAt != nil {
		due := "Due " + a.DueAt.UTC().Format(time.RFC3339)
		if body == "" {
			body = due
		} else {
			body = due + ". " + body
		}
	}
	return models.Entity{
		ID:        models.EntityID(models.KindAssignment, a.ID),
		Kind:      models.KindAssignment,
		Title:     strings.TrimSpace(a.Name),
		Body:      clip(body, MaxBodyChars),
		ParentID:  parentID,
		URL:       a.HTMLURL,
		UpdatedAt: timeOrZero(a.UpdatedAt),
	}
}
