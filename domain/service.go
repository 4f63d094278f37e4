package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxTitleLength = 500

// Store is everything the task service needs from persistence.
type Store interface {
	MoveStore
	// InsertTask stores t and assigns its position at the end of its column.
	InsertTask(ctx context.Context, t *Task) error
	// UpdateTask writes every field of t if the stored row still carries t's
	// version. With appendToColumn the task is placed at the end of t.Status's
	// column and t.Position is assigned.
	UpdateTask(ctx context.Context, t *Task, appendToColumn bool) error
	DeleteTask(ctx context.Context, orgID, taskID string) error
	ListTasks(ctx context.Context, orgID string, scope Scope) ([]Task, error)
	// GetProject returns ErrProjectNotFound unless the project belongs to orgID.
	GetProject(ctx context.Context, orgID, projectID string) (*Project, error)
	// MemberRole returns ErrAccessDenied unless userID is a member of orgID.
	MemberRole(ctx context.Context, orgID, userID string) (Role, error)
}

// TaskService processes board operations for one tenant at a time.
type TaskService struct {
	st         Store
	reconciler *Reconciler
	now        func() time.Time
}

// NewTaskService creates a TaskService over st.
func NewTaskService(st Store) *TaskService {
	return &TaskService{st: st, reconciler: NewReconciler(st), now: time.Now}
}

// Authorize checks that the tenant's user belongs to the active organization.
func (s *TaskService) Authorize(ctx context.Context, tenant TenantContext) (Role, error) {
	if err := tenant.validate(); err != nil {
		return "", err
	}
	return s.st.MemberRole(ctx, tenant.OrganizationID, tenant.UserID)
}

// Board returns the tasks of scope grouped into columns.
func (s *TaskService) Board(ctx context.Context, tenant TenantContext, scope Scope) (*Board, error) {
	if err := tenant.validate(); err != nil {
		return nil, err
	}
	if err := s.checkScope(ctx, tenant, scope); err != nil {
		return nil, err
	}
	tasks, err := s.st.ListTasks(ctx, tenant.OrganizationID, scope)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return NewBoard(scope, tasks), nil
}

// Create adds a task at the end of its initial column.
func (s *TaskService) Create(ctx context.Context, tenant TenantContext, in NewTask) (*Task, error) {
	if err := tenant.validate(); err != nil {
		return nil, err
	}
	title, err := cleanTitle(in.Title)
	if err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, invalid("priority", fmt.Sprintf("unknown priority %q", in.Priority))
	}
	if in.Status == "" {
		in.Status = StatusTodo
	}
	if !in.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", in.Status))
	}
	if in.ProjectID != "" {
		if err := s.checkScope(ctx, tenant, ProjectScope(in.ProjectID)); err != nil {
			return nil, err
		}
	}
	if err := s.checkAssignee(ctx, tenant, in.AssignedTo); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &Task{
		ID:             uuid.NewString(),
		OrganizationID: tenant.OrganizationID,
		ProjectID:      in.ProjectID,
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		Priority:       in.Priority,
		Status:         in.Status,
		DueDate:        in.DueDate,
		Tags:           normalizeTags(in.Tags),
		AssignedTo:     in.AssignedTo,
		CreatedBy:      tenant.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Status == StatusCompleted {
		t.CompletedAt = &now
	}
	if err := s.st.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// Update edits a task of the active organization. A status change appends the
// task to the end of its new column and maintains CompletedAt the way a move does.
func (s *TaskService) Update(ctx context.Context, tenant TenantContext, taskID string, in TaskUpdate) (*Task, error) {
	if err := tenant.validate(); err != nil {
		return nil, err
	}
	if taskID == "" {
		return nil, ErrTaskNotFound
	}
	if in.Title != nil {
		title, err := cleanTitle(*in.Title)
		if err != nil {
			return nil, err
		}
		in.Title = &title
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return nil, invalid("priority", fmt.Sprintf("unknown priority %q", *in.Priority))
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", *in.Status))
	}
	if in.AssignedTo != nil {
		if err := s.checkAssignee(ctx, tenant, *in.AssignedTo); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < defaultMoveAttempts; attempt++ {
		t, err := s.update(ctx, tenant, taskID, in)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return t, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update task %s: %w", taskID, lastErr)
}

func (s *TaskService) update(ctx context.Context, tenant TenantContext, taskID string, in TaskUpdate) (*Task, error) {
	current, err := s.st.GetTask(ctx, tenant.OrganizationID, taskID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.OrganizationID != tenant.OrganizationID {
		return nil, ErrTaskNotFound
	}

	next := *current
	if in.Title != nil {
		next.Title = *in.Title
	}
	if in.Description != nil {
		next.Description = strings.TrimSpace(*in.Description)
	}
	if in.Priority != nil {
		next.Priority = *in.Priority
	}
	switch {
	case in.ClearDueDate:
		next.DueDate = nil
	case in.DueDate != nil:
		due := in.DueDate.UTC()
		next.DueDate = &due
	}
	if in.Tags != nil {
		next.Tags = normalizeTags(*in.Tags)
	}
	if in.AssignedTo != nil {
		next.AssignedTo = *in.AssignedTo
	}

	now := s.now()
	moved := in.Status != nil && *in.Status != current.Status
	if moved {
		next.Status = *in.Status
		trackCompletion(&next, current.Status, now)
	}
	next.UpdatedAt = now.UTC()
	if err := s.st.UpdateTask(ctx, &next, moved); err != nil {
		return nil, err
	}
	return &next, nil
}

// Delete removes a task of the active organization.
func (s *TaskService) Delete(ctx context.Context, tenant TenantContext, taskID string) error {
	if err := tenant.validate(); err != nil {
		return err
	}
	if taskID == "" {
		return ErrTaskNotFound
	}
	return s.st.DeleteTask(ctx, tenant.OrganizationID, taskID)
}

// Move reconciles a drag-and-drop move.
func (s *TaskService) Move(ctx context.Context, tenant TenantContext, req MoveRequest) (MoveOutcome, error) {
	if err := tenant.validate(); err != nil {
		return MoveOutcome{}, err
	}
	if err := s.checkScope(ctx, tenant, req.Scope); err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return MoveOutcome{}, ErrTaskNotFound
		}
		return MoveOutcome{}, err
	}
	return s.reconciler.Reconcile(ctx, tenant, req)
}

func cleanTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", invalid("title", "is required")
	}
	if len(title) > maxTitleLength {
		return "", invalid("title", "is too long")
	}
	return title, nil
}

// checkAssignee requires a non-empty assignee to be a member of the organization.
func (s *TaskService) checkAssignee(ctx context.Context, tenant TenantContext, userID string) error {
	if userID == "" {
		return nil
	}
	if _, err := s.st.MemberRole(ctx, tenant.OrganizationID, userID); err != nil {
		if errors.Is(err, ErrAccessDenied) {
			return invalid("assignedTo", "is not a member of the organization")
		}
		return err
	}
	return nil
}

func (s *TaskService) checkScope(ctx context.Context, tenant TenantContext, scope Scope) error {
	if scope.OrganizationWide() {
		return nil
	}
	if _, err := s.st.GetProject(ctx, tenant.OrganizationID, scope.ProjectID); err != nil {
		return err
	}
	return nil
}
