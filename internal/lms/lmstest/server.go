// Package lmstest provides an in-process fake of the Canvas REST API for tests.
package lmstest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/lms"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

const apiRoot = "/api/v1"

// Server is a fake Canvas instance. Listings are paginated when PageSize > 0.
type Server struct {
	*httptest.Server

	Token    string
	PageSize int
	// Delay is applied to every request before it is answered.
	Delay time.Duration

	mu          sync.Mutex
	courses     []lms.Course
	modules     map[int64][]lms.Module
	assignments map[int64][]lms.Assignment
	pages       map[string]lms.Page
	failures    map[string][]int
	calls       map[string]int
}

// NewServer starts a fake Canvas that accepts the given bearer token.
func NewServer(token string) *Server {
	s := &Server{
		Token:       token,
		modules:     make(map[int64][]lms.Module),
		assignments: make(map[int64][]lms.Assignment),
		pages:       make(map[string]lms.Page),
		failures:    make(map[string][]int),
		calls:       make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+apiRoot+"/users/self", s.handleSelf)
	mux.HandleFunc("GET "+apiRoot+"/users/self/courses", s.handleCourses)
	mux.HandleFunc("GET "+apiRoot+"/courses/{id}/modules", s.handleModules)
	mux.HandleFunc("GET "+apiRoot+"/courses/{id}/assignments", s.handleAssignments)
	mux.HandleFunc("GET "+apiRoot+"/courses/{id}/pages/{url}", s.handlePage)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// Credentials returns credentials pointing at the fake.
func (s *Server) Credentials() models.Credentials {
	return models.Credentials{APIKey: s.Token, BaseURL: s.URL}
}

// AddCourse registers a course.
func (s *Server) AddCourse(c lms.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses = append(s.courses, c)
}

// AddModule registers a module under a course.
func (s *Server) AddModule(courseID int64, m lms.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[courseID] = append(s.modules[courseID], m)
}

// AddAssignment registers an assignment under a course.
func (s *Server) AddAssignment(courseID int64, a lms.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[courseID] = append(s.assignments[courseID], a)
}

// AddPage registers a page body under a course.
func (s *Server) AddPage(courseID int64, p lms.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pageKey(courseID, p.URL)] = p
}

// Fail makes requests to path (relative to /api/v1) answer with the given
// statuses in order; once exhausted the last status repeats.
func (s *Server) Fail(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = statuses
}

// Calls returns how many requests hit path (relative to /api/v1).
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// TotalCalls returns the number of requests served.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Generate registers courses × modulesPerCourse modules, each module holding one page item.
func (s *Server) Generate(courses, modulesPerCourse int) {
	for c := 1; c <= courses; c++ {
		courseID := int64(100 + c)
		s.AddCourse(lms.Course{ID: courseID, Name: fmt.Sprintf("Course %d", c), CourseCode: fmt.Sprintf("C%d", c)})
		for m := 1; m <= modulesPerCourse; m++ {
			moduleID := courseID*100 + int64(m)
			slug := fmt.Sprintf("week-%d", m)
			s.AddModule(courseID, lms.Module{
				ID:       moduleID,
				Name:     fmt.Sprintf("Week %d", m),
				Position: m,
				Items: []lms.ModuleItem{
					{ID: moduleID*10 + 1, Title: fmt.Sprintf("Week %d notes", m), Type: lms.ItemTypePage, PageURL: slug},
				},
			})
			s.AddPage(courseID, lms.Page{URL: slug, Title: fmt.Sprintf("Week %d notes", m), Body: fmt.Sprintf("<p>Notes for week %d</p>", m)})
		}
	}
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, apiRoot)

		s.mu.Lock()
		s.calls[path]++
		status := 0
		if statuses, ok := s.failures[path]; ok && len(statuses) > 0 {
			status = statuses[0]
			if len(statuses) > 1 {
				s.failures[path] = statuses[1:]
			}
		}
		delay := s.Delay
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"errors": []map[string]string{{"message": "Invalid access token."}}})
			return
		}
		if status >= 300 {
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "0")
			}
			writeJSON(w, status, map[string]any{"errors": []map[string]string{{"message": http.StatusText(status)}}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lms.User{ID: 1, Name: "Test Student"})
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	courses := append([]lms.Course(nil), s.courses...)
	s.mu.Unlock()
	writePage(w, r, courses, s.PageSize)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	id, ok := courseID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	mods := append([]lms.Module(nil), s.modules[id]...)
	s.mu.Unlock()
	if r.URL.Query().Get("include[]") != "items" {
		for i := range mods {
			mods[i].Items = nil
		}
	}
	writePage(w, r, mods, s.PageSize)
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	id, ok := courseID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	as := append([]lms.Assignment(nil), s.assignments[id]...)
	s.mu.Unlock()
	writePage(w, r, as, s.PageSize)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	id, ok := courseID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	p, found := s.pages[pageKey(id, r.PathValue("url"))]
	s.mu.Unlock()
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "page not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// writePage serves one page of items and links the next one Canvas-style.
func writePage[T any](w http.ResponseWriter, r *http.Request, items []T, pageSize int) {
	if items == nil {
		items = []T{}
	}
	if pageSize <= 0 {
		writeJSON(w, http.StatusOK, items)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	start := min((page-1)*pageSize, len(items))
	end := min(start+pageSize, len(items))

	if end < len(items) {
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(page+1))
		next := fmt.Sprintf("http://%s%s?%s", r.Host, r.URL.Path, q.Encode())
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
	}
	writeJSON(w, http.StatusOK, items[start:end])
}

func courseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "course not found"})
		return 0, false
	}
	return id, true
}

func pageKey(courseID int64, url string) string {
	return fmt.Sprintf("%d/%s", courseID, url)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
