package domain

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Status is the kanban column a task belongs to.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every column in board order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusReview, StatusCompleted, StatusCancelled}

var statusTitles = map[Status]string{
	StatusTodo:       "To Do",
	StatusInProgress: "In Progress",
	StatusReview:     "Review",
	StatusCompleted:  "Completed",
	StatusCancelled:  "Cancelled",
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusTitles[s]
	return ok
}

// Title is the human readable column name.
func (s Status) Title() string {
	if t, ok := statusTitles[s]; ok {
		return t
	}
	return string(s)
}

// ParseStatus normalizes raw input into a Status.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Priority ranks tasks; it has no effect on ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task represents a single board item.
type Task struct {
	ID             string     `json:"id" db:"id"`
	OrganizationID string     `json:"organizationId" db:"organization_id"`
	ProjectID      string     `json:"projectId,omitempty" db:"project_id"`
	Title          string     `json:"title" db:"title"`
	Description    string     `json:"description,omitempty" db:"description"`
	Priority       Priority   `json:"priority" db:"priority"`
	Status         Status     `json:"status" db:"status"`
	Position       int        `json:"position" db:"position"`
	CompletedAt    *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	DueDate        *time.Time `json:"dueDate,omitempty" db:"due_date"`
	Tags           Tags       `json:"tags,omitempty" db:"tags"`
	AssignedTo     string     `json:"assignedTo,omitempty" db:"assigned_to"`
	CreatedBy      string     `json:"createdBy" db:"created_by"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`

	// Version is bumped by SQL backends on every write.
	Version int64 `json:"-" db:"version"`
	// ETag is carried by the table backend instead of Version.
	ETag string `json:"-" db:"-"`
}

// Tags labels a task. SQL backends keep them as a JSON array in one column.
type Tags []string

// ParseTags splits a comma separated list, dropping blanks and duplicates.
func ParseTags(raw string) Tags {
	return normalizeTags(strings.Split(raw, ","))
}

func normalizeTags(in []string) Tags {
	var out Tags
	seen := make(map[string]bool, len(in))
	for _, tag := range in {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// Value implements driver.Valuer.
func (t Tags) Value() (driver.Value, error) {
	if len(t) == 0 {
		return "[]", nil
	}
	return sonic.MarshalString([]string(t))
}

// Scan implements sql.Scanner.
func (t *Tags) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("scan tags: unsupported type %T", src)
	}
	var out []string
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("scan tags: %w", err)
		}
	}
	if len(out) == 0 {
		*t = nil
		return nil
	}
	*t = out
	return nil
}

// NewTask carries the fields a caller supplies when creating a task.
type NewTask struct {
	ProjectID   string
	Title       string
	Description string
	Priority    Priority
	Status      Status
	DueDate     *time.Time
	Tags        []string
	AssignedTo  string
}

// TaskUpdate edits a task. Nil fields are left unchanged; a set DueDate replaces
// the due date and ClearDueDate removes it.
type TaskUpdate struct {
	Title        *string
	Description  *string
	Priority     *Priority
	Status       *Status
	DueDate      *time.Time
	ClearDueDate bool
	Tags         *[]string
	AssignedTo   *string
}

// Project is the subset of a project the board needs.
type Project struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organizationId" db:"organization_id"`
	Name           string `json:"name" db:"name"`
}

// Role is a member's role within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)
