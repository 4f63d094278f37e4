package events

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// reconnectDelay is the pause before resubscribing after the pubsub channel closes.
var reconnectDelay = time.Second

// Broker fans board events out to live subscribers of an organization.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a subscriber for orgID. The returned func removes it.
func (b *Broker) Subscribe(orgID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[orgID] == nil {
		b.subs[orgID] = make(map[chan []byte]struct{})
	}
	b.subs[orgID][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs[orgID], ch)
		if len(b.subs[orgID]) == 0 {
			delete(b.subs, orgID)
		}
		b.mu.Unlock()
	}
}

// Broadcast delivers data to every subscriber of orgID. Slow subscribers miss messages.
func (b *Broker) Broadcast(orgID string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[orgID] {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribers is the number of live subscribers of orgID.
func (b *Broker) Subscribers(orgID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[orgID])
}

// Publish lets a Broker act as an in-process Publisher when Redis is not configured.
func (b *Broker) Publish(_ context.Context, ev BoardEvent) error {
	data, err := ev.encode()
	if err != nil {
		return err
	}
	b.Broadcast(ev.OrganizationID, data)
	return nil
}

// Run relays events published on channel to the broker until ctx is done.
func (b *Broker) Run(ctx context.Context, rc *redis.Client, channel string) {
	if channel == "" {
		channel = DefaultChannel
	}
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil || ev.OrganizationID == "" {
					log.WithField("channel", channel).Warnf("unable to parse board event: %v", err)
					continue
				}
				b.Broadcast(ev.OrganizationID, []byte(msg.Payload))
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		if !waitReconnect(ctx) {
			return
		}
	}
}

// waitReconnect reports whether the caller should resubscribe.
func waitReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(reconnectDelay):
		return true
	}
}
