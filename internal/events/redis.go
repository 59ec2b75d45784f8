package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressChannel = "submission:progress"

// RedisBus publishes progress events over Redis pub/sub so updates fan
// out across processes serving websocket clients.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to Redis at redisURL and verifies the connection.
func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBus{client: client}, nil
}

// Client exposes the underlying Redis client for health checks.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

// Publish sends the event to the progress channel as JSON.
func (b *RedisBus) Publish(ctx context.Context, ev ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	return b.client.Publish(ctx, progressChannel, data).Err()
}

// Subscribe returns a channel fed by the Redis subscription. Malformed
// payloads are skipped.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan ProgressEvent, error) {
	pubsub := b.client.Subscribe(ctx, progressChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to progress channel: %w", err)
	}

	out := make(chan ProgressEvent, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var ev ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
