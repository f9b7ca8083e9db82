// Package instance implements the multi-replica instance registry: a
// Redis-backed heartbeat plus a SETNX-based leader lock that decides which
// replica runs the Hydrator, so a horizontally scaled deployment doesn't
// poll the upstream events API from every instance at once. Grounded on
// the teacher's cache.RedisCache connection setup (internal/cache/redis_cache.go)
// generalized from a read-through cache to a presence/lock registry.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/mmo-game/internal/logging"
)

const (
	heartbeatKeyPrefix = "markerserver:instance:"
	hydrateLeaderKey   = "markerserver:hydrate-leader"
)

// Config configures the Redis connection (REDIS_ADDR/REDIS_PASSWORD/REDIS_DB, §6).
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Registry tracks this instance's presence and contends for the
// hydrate-leader lock.
type Registry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	log        *logging.Logger
}

func New(cfg Config, instanceID string, log *logging.Logger) *Registry {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &Registry{client: client, instanceID: instanceID, ttl: 15 * time.Second, log: log}
}

// Ping verifies connectivity at startup.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("instance: redis ping: %w", err)
	}
	return nil
}

// RunHeartbeat periodically refreshes this instance's presence key until
// ctx is cancelled.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	r.heartbeatOnce(ctx)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatOnce(ctx)
		}
	}
}

func (r *Registry) heartbeatOnce(ctx context.Context) {
	key := heartbeatKeyPrefix + r.instanceID
	if err := r.client.Set(ctx, key, time.Now().Unix(), r.ttl).Err(); err != nil {
		r.log.Warn("instance: heartbeat failed: %v", err)
	}
}

// TryAcquireHydrateLeader attempts to become the hydrate leader via SETNX.
// An instance that is already the leader simply refreshes its TTL.
func (r *Registry) TryAcquireHydrateLeader(ctx context.Context) (bool, error) {
	ok, err := r.client.SetNX(ctx, hydrateLeaderKey, r.instanceID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("instance: acquire leader lock: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := r.client.Get(ctx, hydrateLeaderKey).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("instance: read leader lock: %w", err)
	}
	if current == r.instanceID {
		r.client.Expire(ctx, hydrateLeaderKey, r.ttl)
		return true, nil
	}
	return false, nil
}

// RunLeaderElection periodically contends for hydrate leadership and calls
// onAcquire/onLose as the outcome changes, so the caller can start/stop
// the Hydrator accordingly.
func (r *Registry) RunLeaderElection(ctx context.Context, onAcquire, onLose func()) {
	wasLeader := false
	check := func() {
		isLeader, err := r.TryAcquireHydrateLeader(ctx)
		if err != nil {
			r.log.Warn("instance: leader election error: %v", err)
			return
		}
		if isLeader && !wasLeader {
			r.log.Info("instance: %s acquired hydrate leadership", r.instanceID)
			onAcquire()
		} else if !isLeader && wasLeader {
			r.log.Info("instance: %s lost hydrate leadership", r.instanceID)
			onLose()
		}
		wasLeader = isLeader
	}

	check()
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Close releases the underlying Redis connection.
func (r *Registry) Close() error {
	return r.client.Close()
}
