// Package realtime carries change notifications between sessions over
// Redis pub/sub. Writers publish the name of the table they touched; the
// synchronization core reacts to any event with a full collection re-fetch.
package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tables whose changes invalidate the in-memory collection.
var WatchedTables = []string{"cards", "punches", "collaborators", "comments"}

type Feed struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and returns a change feed.
func New(redisURL string) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient creates a feed from an existing Redis client.
func NewWithClient(client *redis.Client) *Feed {
	return &Feed{
		client: client,
		prefix: "punchtime:changes:",
	}
}

func (f *Feed) channel(table string) string {
	return f.prefix + table
}

// Publish announces a change on the given table. Best-effort: a failed
// publish only costs other sessions a refresh, so errors are returned for
// logging but never block a mutation.
func (f *Feed) Publish(ctx context.Context, table string) error {
	if err := f.client.Publish(ctx, f.channel(table), "change").Err(); err != nil {
		return fmt.Errorf("publish %s change: %w", table, err)
	}
	return nil
}

// Subscribe listens for changes on the watched tables and invokes fn with
// the table name for each event. The returned stop function tears the
// subscription down; it is safe to call more than once.
func (f *Feed) Subscribe(ctx context.Context, fn func(table string)) func() {
	channels := make([]string, len(WatchedTables))
	for i, table := range WatchedTables {
		channels[i] = f.channel(table)
	}

	sub := f.client.Subscribe(ctx, channels...)

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Channel[len(f.prefix):])
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		if err := sub.Close(); err != nil {
			log.Printf("realtime: close subscription: %v", err)
		}
	}
}

// Close closes the Redis connection.
func (f *Feed) Close() error {
	return f.client.Close()
}

// Ping checks if Redis is reachable.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}
