package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/basecamp/crmsync/internal/storage"
	"github.com/basecamp/crmsync/internal/token"
)

// RedisChannel broadcasts credential events over Redis pub/sub so processes
// on different hosts stay in agreement.
type RedisChannel struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	origin  string
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(token.Event)
	nextID int
	done   chan struct{}
}

// NewRedisChannel subscribes to the shared channel and starts delivering.
// The caller owns client.
func NewRedisChannel(ctx context.Context, client *redis.Client, logger *slog.Logger) (*RedisChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	channel := storage.Namespace + ChannelName

	ps := client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r := &RedisChannel{
		client:  client,
		pubsub:  ps,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		subs:    make(map[int]func(token.Event)),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *RedisChannel) loop() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		var ev token.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.logger.Warn("dropping malformed credential event", "channel", msg.Channel, "error", err)
			continue
		}
		if ev.Origin == r.origin {
			continue
		}
		for _, fn := range snapshot(&r.mu, r.subs) {
			fn(ev)
		}
	}
}

// Publish sends ev to every other subscriber.
func (r *RedisChannel) Publish(ctx context.Context, ev token.Event) error {
	ev.Origin = r.origin
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe registers fn for events published by other processes.
func (r *RedisChannel) Subscribe(fn func(token.Event)) func() {
	return subscribe(&r.mu, r.subs, &r.nextID, fn)
}

// Close unsubscribes and waits for the delivery loop to finish.
func (r *RedisChannel) Close() error {
	err := r.pubsub.Close()
	<-r.done
	return err
}
