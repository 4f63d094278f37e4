package api

import (
	"context"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/events"
)

// TaskService is the board logic the handlers drive.
type TaskService interface {
	Authorize(ctx context.Context, tenant domain.TenantContext) (domain.Role, error)
	Board(ctx context.Context, tenant domain.TenantContext, scope domain.Scope) (*domain.Board, error)
	Create(ctx context.Context, tenant domain.TenantContext, in domain.NewTask) (*domain.Task, error)
	Update(ctx context.Context, tenant domain.TenantContext, taskID string, in domain.TaskUpdate) (*domain.Task, error)
	Delete(ctx context.Context, tenant domain.TenantContext, taskID string) error
	Move(ctx context.Context, tenant domain.TenantContext, req domain.MoveRequest) (domain.MoveOutcome, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate move requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, owner, key string) (bool, error)
	// Remove deletes a previously added key, used when the move fails.
	Remove(ctx context.Context, owner, key string) error
}

// EventSink receives board events once a mutation has been committed.
type EventSink interface {
	Dispatch(ev events.BoardEvent)
}

// Subscriber hands out live board event feeds per organization.
type Subscriber interface {
	Subscribe(orgID string) (<-chan []byte, func())
}

// Deps are the collaborators of the HTTP API. Deduper, Events, Stream and
// Health are optional.
type Deps struct {
	Service TaskService
	Auth    Authenticator
	Deduper Deduper
	Events  EventSink
	Stream  Subscriber
	Health  func(ctx context.Context) error
	Logger  *log.Logger
}
