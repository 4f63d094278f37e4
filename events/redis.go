package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel board events are published on.
const DefaultChannel = "board-updates"

// RedisPublisher publishes board events on a Redis pub/sub channel.
type RedisPublisher struct {
	rc      *redis.Client
	channel string
}

func NewRedisPublisher(rc *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rc: rc, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev BoardEvent) error {
	data, err := ev.encode()
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, p.channel, data).Err()
}
