package events

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// Type names a board change.
type Type string

const (
	TaskCreated Type = "task-created"
	TaskMoved   Type = "task-moved"
	TaskUpdated Type = "task-updated"
	TaskDeleted Type = "task-deleted"
)

// BoardEvent is published after a board mutation has been committed.
type BoardEvent struct {
	Type           Type          `json:"type"`
	OrganizationID string        `json:"organizationId"`
	ProjectID      string        `json:"projectId,omitempty"`
	TaskID         string        `json:"taskId"`
	Status         domain.Status `json:"status,omitempty"`
	Position       int           `json:"position"`
	Shifted        int           `json:"shifted,omitempty"`
	Time           time.Time     `json:"time"`
}

// Created describes a newly created task.
func Created(t domain.Task) BoardEvent {
	return BoardEvent{Type: TaskCreated, OrganizationID: t.OrganizationID, ProjectID: t.ProjectID, TaskID: t.ID, Status: t.Status, Position: t.Position, Time: t.CreatedAt}
}

// Moved describes a reconciled move.
func Moved(out domain.MoveOutcome) BoardEvent {
	t := out.Task
	return BoardEvent{Type: TaskMoved, OrganizationID: t.OrganizationID, ProjectID: t.ProjectID, TaskID: t.ID, Status: t.Status, Position: t.Position, Shifted: out.Shifted, Time: t.UpdatedAt}
}

// Updated describes an edited task.
func Updated(t domain.Task) BoardEvent {
	return BoardEvent{Type: TaskUpdated, OrganizationID: t.OrganizationID, ProjectID: t.ProjectID, TaskID: t.ID, Status: t.Status, Position: t.Position, Time: t.UpdatedAt}
}

// Deleted describes a removed task.
func Deleted(orgID, taskID string, at time.Time) BoardEvent {
	return BoardEvent{Type: TaskDeleted, OrganizationID: orgID, TaskID: taskID, Time: at}
}

func (e BoardEvent) encode() ([]byte, error) { return sonic.Marshal(e) }

// Decode parses a published event.
func Decode(data []byte) (BoardEvent, error) {
	var ev BoardEvent
	err := sonic.Unmarshal(data, &ev)
	return ev, err
}

// Publisher delivers board events to one destination.
type Publisher interface {
	Publish(ctx context.Context, ev BoardEvent) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev BoardEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
