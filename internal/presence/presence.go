// Package presence tracks user online status in Redis. Each online user has
// a single expiring key mapping their user ID to the owning connection ID.
// A reconnect overwrites the prior record (last-writer-wins), so under the
// single-connection-per-user assumption at most one record is live per user.
//
// Presence is an enrichment, not a correctness requirement: callers treat
// every operation as best-effort and must not let a Redis outage block
// message delivery.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence records.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys. A crashed process leaves
	// the key to expire on its own; a clean disconnect deletes it.
	TTL = 1 * time.Hour
)

// Registry stores presence records in Redis.
type Registry struct {
	client *redis.Client
}

// NewRegistry creates a Registry connected to Redis at the given address.
func NewRegistry(redisAddr string) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Registry{client: client}, nil
}

// NewRegistryWithClient creates a Registry on an existing Redis client,
// sharing the connection pool with other Redis-backed components.
func NewRegistryWithClient(client *redis.Client) *Registry {
	return &Registry{client: client}
}

// SetOnline stores userID -> connID with the presence TTL. Idempotent; a new
// connection for the same user overwrites the prior record.
func (r *Registry) SetOnline(ctx context.Context, userID, connID string) error {
	if err := r.client.Set(ctx, KeyPrefix+userID, connID, TTL).Err(); err != nil {
		return fmt.Errorf("presence: set online %s: %w", userID, err)
	}
	return nil
}

// SetOffline removes the presence record for userID.
func (r *Registry) SetOffline(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, KeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("presence: set offline %s: %w", userID, err)
	}
	return nil
}

// IsOnline reports whether a presence record exists for userID. The result
// is advisory — it may race with a concurrent connect or disconnect.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.Exists(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online %s: %w", userID, err)
	}
	return n > 0, nil
}

// ConnectionID returns the connection ID recorded for userID, or "" if the
// user has no presence record.
func (r *Registry) ConnectionID(ctx context.Context, userID string) (string, error) {
	connID, err := r.client.Get(ctx, KeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: connection id %s: %w", userID, err)
	}
	return connID, nil
}

// Refresh extends the TTL of an existing presence record. Called from the
// heartbeat path so long-lived connections don't expire.
func (r *Registry) Refresh(ctx context.Context, userID string) error {
	if err := r.client.Expire(ctx, KeyPrefix+userID, TTL).Err(); err != nil {
		return fmt.Errorf("presence: refresh %s: %w", userID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (e.g. the rate limiter).
func (r *Registry) Client() *redis.Client {
	return r.client
}
