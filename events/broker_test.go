package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

func TestBrokerBroadcastPerOrganization(t *testing.T) {
	b := NewBroker()
	ch1, cancel1 := b.Subscribe("org-1")
	ch2, cancel2 := b.Subscribe("org-2")
	defer cancel2()

	b.Broadcast("org-1", []byte("hello"))
	select {
	case msg := <-ch1:
		if string(msg) != "hello" {
			t.Fatalf("expected hello got %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	select {
	case <-ch2:
		t.Fatal("other organization received the message")
	default:
	}

	cancel1()
	if b.Subscribers("org-1") != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
	b.Broadcast("org-1", []byte("world"))
	select {
	case <-ch1:
		t.Fatal("received message after removal")
	default:
	}
}

func TestBrokerRelaysRedisEvents(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	b := NewBroker()
	ch, cancel := b.Subscribe("org-1")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, rc, "board")
		close(done)
	}()
	// wait for subscription to start
	time.Sleep(50 * time.Millisecond)

	pub := NewRedisPublisher(rc, "board")
	if err := pub.Publish(context.Background(), BoardEvent{Type: TaskMoved, OrganizationID: "org-1", TaskID: "t1", Status: domain.StatusReview, Position: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := rc.Publish(context.Background(), "board", "not-json").Err(); err != nil {
		t.Fatalf("publish raw: %v", err)
	}

	select {
	case msg := <-ch:
		ev, err := Decode(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.TaskID != "t1" || ev.Status != domain.StatusReview || ev.Position != 2 {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event relayed")
	}

	stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit")
	}
}

func TestBrokerRunStopsWhileWaitingToReconnect(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})

	prev := reconnectDelay
	reconnectDelay = time.Hour
	defer func() { reconnectDelay = prev }()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewBroker().Run(ctx, rc, "board")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	// closing the client closes the pubsub channel
	_ = rc.Close()
	time.Sleep(200 * time.Millisecond)

	stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
}

func TestWaitReconnect(t *testing.T) {
	prev := reconnectDelay
	defer func() { reconnectDelay = prev }()

	reconnectDelay = time.Millisecond
	if !waitReconnect(context.Background()) {
		t.Fatalf("expected resubscribe after delay")
	}

	reconnectDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if waitReconnect(ctx) {
		t.Fatalf("expected no resubscribe once cancelled")
	}
}

func TestBrokerAsPublisher(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("org-1")
	defer cancel()

	out := domain.MoveOutcome{Task: domain.Task{ID: "t1", OrganizationID: "org-1", Status: domain.StatusTodo}, Moved: true, Shifted: 3}
	if err := b.Publish(context.Background(), Moved(out)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev, err := Decode(<-ch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != TaskMoved || ev.Shifted != 3 {
		t.Fatalf("unexpected event: %#v", ev)
	}
}
