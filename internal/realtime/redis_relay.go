package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Ensure RedisRelay implements Publisher
var _ Publisher = (*RedisRelay)(nil)

// DefaultRelayChannel is the Redis channel events travel on.
const DefaultRelayChannel = "groupchat:events"

// RedisRelay publishes events to a Redis channel and delivers events
// received on it to the local hub. Every instance, including the one that
// published, delivers through Run.
type RedisRelay struct {
	pool    *redis.Pool
	hub     *Hub
	channel string
}

// NewRedisRelay creates a relay on DefaultRelayChannel.
func NewRedisRelay(pool *redis.Pool, hub *Hub) *RedisRelay {
	return &RedisRelay{pool: pool, hub: hub, channel: DefaultRelayChannel}
}

// NewRedisPool creates a connection pool for addr.
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 240 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Publish sends the event to every instance listening on the channel.
func (r *RedisRelay) Publish(ctx context.Context, groupID int64, event string, payload any) error {
	env, err := NewEnvelope(groupID, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("PUBLISH", r.channel, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers events to the hub until ctx
// is done. Lost connections are retried with a growing delay.
func (r *RedisRelay) Run(ctx context.Context) error {
	return r.run(ctx, nil)
}

// run is Run with ready closed once the first subscription is confirmed.
func (r *RedisRelay) run(ctx context.Context, ready chan<- struct{}) error {
	backoff := 100 * time.Millisecond
	for {
		err := r.listen(ctx, ready)
		ready = nil
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Redis relay disconnected, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

func (r *RedisRelay) listen(ctx context.Context, ready chan<- struct{}) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	psc := redis.PubSubConn{Conn: conn}
	defer psc.Close()

	if err := psc.Subscribe(r.channel); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		psc.Unsubscribe()
	})
	defer stop()

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			var env Envelope
			if err := json.Unmarshal(v.Data, &env); err != nil {
				slog.Warn("Dropping malformed relay message", "error", err)
				continue
			}
			r.hub.Deliver(env)

		case redis.Subscription:
			switch {
			case v.Kind == "subscribe" && ready != nil:
				close(ready)
				ready = nil
			case v.Count == 0:
				return nil
			}

		case error:
			return v
		}
	}
}
