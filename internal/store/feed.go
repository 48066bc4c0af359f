package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Feed relays committed changes across processes over Redis pub/sub, so a
// worker can observe mutations made by the API process. It is a bridge,
// not a source of truth: every change is recomputable from the store.
type Feed struct {
	client  *redis.Client
	channel string
}

// NewFeed connects to Redis with short timeouts, matching a request-path
// dependency that must fail fast.
func NewFeed(addr, channel string) *Feed {
	if channel == "" {
		channel = "presence:changes"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Feed{client: client, channel: channel}
}

// Healthy verifies Redis connectivity.
func (f *Feed) Healthy(ctx context.Context) bool {
	if f == nil || f.client == nil {
		return false
	}
	return f.client.Ping(ctx).Err() == nil
}

// Client exposes the underlying connection for other Redis-backed parts.
func (f *Feed) Client() *redis.Client { return f.client }

// Attach republishes every change committed through src onto the Redis
// channel. Returns the subscription cancel func.
func (f *Feed) Attach(ctx context.Context, src Store, collections ...string) func() {
	cancels := make([]func(), 0, len(collections))
	for _, col := range collections {
		cancels = append(cancels, src.Subscribe(col, func(ch Change) {
			payload, err := json.Marshal(ch)
			if err != nil {
				return
			}
			if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
				log.Printf("change feed publish failed: %v", err)
			}
		}))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Consume streams remote changes until ctx is done.
func (f *Feed) Consume(ctx context.Context) (<-chan Change, error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}
	out := make(chan Change)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ch Change
				if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
					continue
				}
				out <- ch
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
