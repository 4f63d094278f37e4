package api

import "taskboard/domain"

const requestMaxSize = 64 * 1024 // 64 KiB

const headerIdempotencyKey = "Idempotency-Key"

// result of every mutating call
type actionResult struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Task    *domain.Task `json:"task,omitempty"`
}

// GET /api/tasks response body
type boardResponse struct {
	ProjectID string          `json:"projectId,omitempty"`
	Columns   []domain.Column `json:"columns"`
}

// POST /api/tasks request body
type createTaskRequest struct {
	ProjectID   string          `json:"projectId"`
	Title       string          `json:"title" validate:"required,max=500"`
	Description string          `json:"description" validate:"max=10000"`
	Priority    domain.Priority `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	Status      domain.Status   `json:"status" validate:"omitempty,oneof=todo in_progress review completed cancelled"`
	DueDate     string          `json:"dueDate"`
	Tags        []string        `json:"tags" validate:"max=50"`
	AssignedTo  string          `json:"assignedTo" validate:"max=200"`
}

// PATCH /api/tasks/:id request body. Absent fields are left unchanged; an empty
// dueDate clears it.
type updateTaskRequest struct {
	Title       *string          `json:"title" validate:"omitempty,max=500"`
	Description *string          `json:"description" validate:"omitempty,max=10000"`
	Priority    *domain.Priority `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	Status      *domain.Status   `json:"status" validate:"omitempty,oneof=todo in_progress review completed cancelled"`
	DueDate     *string          `json:"dueDate"`
	Tags        *[]string        `json:"tags" validate:"omitempty,max=50"`
	AssignedTo  *string          `json:"assignedTo" validate:"omitempty,max=200"`
}

// POST /api/tasks/:id/move request body. Either Status and Position or Drop is set.
type moveTaskRequest struct {
	Status    domain.Status      `json:"status" validate:"omitempty,oneof=todo in_progress review completed cancelled"`
	Position  *int               `json:"position" validate:"omitempty,min=0"`
	ProjectID string             `json:"projectId"`
	Drop      *domain.DropTarget `json:"drop"`
}
