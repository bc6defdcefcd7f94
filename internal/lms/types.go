package lms

import "time"

// User is the authenticated Canvas user.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Course is a Canvas course from the active enrollment listing.
type Course struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	CourseCode        string     `json:"course_code,omitempty"`
	PublicDescription string     `json:"public_description,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// Module is a Canvas module with its items inlined.
type Module struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Position  int          `json:"position"`
	Items     []ModuleItem `json:"items,omitempty"`
	UpdatedAt *time.Time   `json:"updated_at,omitempty"`
}

// Module item types that map onto entities.
const (
	ItemTypePage       = "Page"
	ItemTypeAssignment = "Assignment"
)

// ModuleItem is one entry of a module.
type ModuleItem struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	ContentID int64  `json:"content_id,omitempty"`
	PageURL   string `json:"page_url,omitempty"`
	HTMLURL   string `json:"html_url,omitempty"`
}

// Assignment is a Canvas assignment.
type Assignment struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	HTMLURL     string     `json:"html_url,omitempty"`
}

// Page is a Canvas wiki page including its body.
type Page struct {
	URL       string     `json:"url"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	HTMLURL   string     `json:"html_url,omitempty"`
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
