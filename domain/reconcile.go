package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultMoveAttempts = 3

// MoveRequest describes a drag-and-drop move of one task.
type MoveRequest struct {
	TaskID   string
	Status   Status
	Position int
	Scope    Scope
}

func (r MoveRequest) validate() error {
	if r.TaskID == "" {
		return invalid("taskId", "is required")
	}
	if !r.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", r.Status))
	}
	if r.Position < 0 {
		return invalid("position", "must not be negative")
	}
	return nil
}

// RowVersion pins the version of a row a plan was computed from.
type RowVersion struct {
	ID      string
	Version int64
	ETag    string
}

// PositionShift moves one sibling down to make room for the moved task.
type PositionShift struct {
	RowVersion
	From int
	To   int
}

// MovePlan is the complete set of writes for one move. Stores apply it all or nothing.
type MovePlan struct {
	// Task is the moved task as it must be persisted. Its Version/ETag are the ones read.
	Task         Task
	FromStatus   Status
	FromPosition int
	Scope        Scope
	// Siblings is every other row of the target column as read, in position order.
	Siblings []RowVersion
	Shifts   []PositionShift
}

// Writes is the number of rows the plan touches.
func (p MovePlan) Writes() int { return 1 + len(p.Shifts) }

// MoveOutcome reports what a reconcile did.
type MoveOutcome struct {
	Task    Task
	Moved   bool
	Shifted int
}

// MoveStore is the persistence the reconciler depends on.
type MoveStore interface {
	// GetTask returns the task if it belongs to orgID, otherwise ErrTaskNotFound.
	GetTask(ctx context.Context, orgID, taskID string) (*Task, error)
	// ListColumn returns the tasks of (scope, status) ordered by position, without excludeID.
	ListColumn(ctx context.Context, orgID string, scope Scope, status Status, excludeID string) ([]Task, error)
	// ApplyMove persists the plan atomically or returns ErrConcurrencyConflict when
	// any row in the plan changed since it was read.
	ApplyMove(ctx context.Context, orgID string, plan MovePlan) error
}

// SortColumn orders tasks by position, breaking ties by id.
func SortColumn(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// PlanMove computes the writes needed to place current at req.Position in req.Status.
// siblings are the other tasks of the target column. It reports false when the
// task already sits at the requested status and position.
func PlanMove(current Task, siblings []Task, req MoveRequest, now time.Time) (MovePlan, bool) {
	if current.Status == req.Status && current.Position == req.Position {
		return MovePlan{}, false
	}

	moved := current
	moved.Status = req.Status
	moved.Position = req.Position
	trackCompletion(&moved, current.Status, now)
	moved.UpdatedAt = now.UTC()

	ordered := make([]Task, 0, len(siblings))
	for _, s := range siblings {
		if s.ID == current.ID {
			continue
		}
		ordered = append(ordered, s)
	}
	SortColumn(ordered)

	plan := MovePlan{
		Task:         moved,
		FromStatus:   current.Status,
		FromPosition: current.Position,
		Scope:        req.Scope,
		Siblings:     make([]RowVersion, 0, len(ordered)),
	}
	rank := 0
	for _, s := range ordered {
		rv := RowVersion{ID: s.ID, Version: s.Version, ETag: s.ETag}
		plan.Siblings = append(plan.Siblings, rv)
		if s.Position < req.Position {
			continue
		}
		to := req.Position + rank + 1
		rank++
		if to == s.Position {
			// Already in place; still pinned through Siblings.
			continue
		}
		plan.Shifts = append(plan.Shifts, PositionShift{RowVersion: rv, From: s.Position, To: to})
	}
	return plan, true
}

// trackCompletion stamps CompletedAt when t enters the completed column from
// another status and clears it when t leaves.
func trackCompletion(t *Task, from Status, now time.Time) {
	switch {
	case t.Status == StatusCompleted && from != StatusCompleted:
		ts := now.UTC()
		t.CompletedAt = &ts
	case t.Status != StatusCompleted && from == StatusCompleted:
		t.CompletedAt = nil
	}
}

// Reconciler keeps kanban columns ordered as tasks are dragged between them.
type Reconciler struct {
	store       MoveStore
	now         func() time.Time
	maxAttempts int
}

// NewReconciler creates a Reconciler over store.
func NewReconciler(store MoveStore) *Reconciler {
	if store == nil {
		panic("domain.NewReconciler: store is nil")
	}
	return &Reconciler{store: store, now: time.Now, maxAttempts: defaultMoveAttempts}
}

// Reconcile moves a task to req.Status at req.Position and shifts the siblings below it.
// Concurrent modifications of the column are retried from a fresh read.
func (r *Reconciler) Reconcile(ctx context.Context, tenant TenantContext, req MoveRequest) (MoveOutcome, error) {
	if err := tenant.validate(); err != nil {
		return MoveOutcome{}, err
	}
	if err := req.validate(); err != nil {
		return MoveOutcome{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		outcome, err := r.attempt(ctx, tenant, req)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return MoveOutcome{}, err
		}
		lastErr = err
		log.WithFields(log.Fields{
			"task":    req.TaskID,
			"org":     tenant.OrganizationID,
			"status":  req.Status,
			"attempt": attempt,
		}).Warn("column changed during move, retrying")
		if ctx.Err() != nil {
			return MoveOutcome{}, ctx.Err()
		}
	}
	return MoveOutcome{}, fmt.Errorf("move task %s: %w", req.TaskID, lastErr)
}

func (r *Reconciler) attempt(ctx context.Context, tenant TenantContext, req MoveRequest) (MoveOutcome, error) {
	current, err := r.store.GetTask(ctx, tenant.OrganizationID, req.TaskID)
	if err != nil {
		return MoveOutcome{}, err
	}
	if current == nil || current.OrganizationID != tenant.OrganizationID || !req.Scope.Contains(*current) {
		return MoveOutcome{}, ErrTaskNotFound
	}
	if current.Status == req.Status && current.Position == req.Position {
		return MoveOutcome{Task: *current}, nil
	}

	siblings, err := r.store.ListColumn(ctx, tenant.OrganizationID, req.Scope, req.Status, current.ID)
	if err != nil {
		return MoveOutcome{}, fmt.Errorf("list column %s: %w", req.Status, err)
	}
	plan, moved := PlanMove(*current, siblings, req, r.now())
	if !moved {
		return MoveOutcome{Task: *current}, nil
	}
	if err := r.store.ApplyMove(ctx, tenant.OrganizationID, plan); err != nil {
		return MoveOutcome{}, err
	}
	return MoveOutcome{Task: plan.Task, Moved: true, Shifted: len(plan.Shifts)}, nil
}
