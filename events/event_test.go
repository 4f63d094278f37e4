package events

import (
	"testing"
	"time"

	"taskboard/domain"
)

func TestMovedEventCarriesOutcome(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := domain.MoveOutcome{
		Task:    domain.Task{ID: "t1", OrganizationID: "org-1", ProjectID: "p1", Status: domain.StatusReview, Position: 2, UpdatedAt: now},
		Moved:   true,
		Shifted: 3,
	}

	ev := Moved(out)
	data, err := ev.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TaskMoved || got.TaskID != "t1" || got.Status != domain.StatusReview || got.Position != 2 || got.Shifted != 3 {
		t.Fatalf("unexpected event %#v", got)
	}
	if !got.Time.Equal(now) {
		t.Fatalf("unexpected time %v", got.Time)
	}
}

func TestDeletedEventOmitsStatus(t *testing.T) {
	data, err := Deleted("org-1", "t1", time.Now()).encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TaskDeleted || got.Status != "" || got.ProjectID != "" {
		t.Fatalf("unexpected event %#v", got)
	}
}

func TestNewQueuePublisherRejectsMalformedConnectionString(t *testing.T) {
	if _, err := NewQueuePublisher("not-a-connection-string", "events"); err == nil {
		t.Fatalf("expected error")
	}
}
