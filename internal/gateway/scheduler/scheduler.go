// Package scheduler selects the least-loaded worker for new sessions.
package scheduler

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/browsergrid/browsergrid/internal/registry"
)

// pickScript reads the minimum-score member of the load set, applies
// the optional cap, and increments the winner — all server-side, so a
// concurrent pick cannot observe the pre-increment score (a naive
// read-then-write here would be a TOCTOU bug under contention).
var pickScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local c = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if not c[1] then return nil end
local w, load = c[1], tonumber(c[2])
if max and load >= max then return nil end
redis.call('ZINCRBY', KEYS[1], 1, w)
return w
`)

// Scheduler picks workers from the shared load-ranked set.
type Scheduler struct {
	rdb     *redis.Client
	maxLoad int // 0 means uncapped
}

// New creates a Scheduler. maxLoad caps per-worker concurrent sessions;
// zero disables the cap.
func New(reg *registry.Registry, maxLoad int) *Scheduler {
	return &Scheduler{rdb: reg.Client(), maxLoad: maxLoad}
}

// Pick atomically selects the lowest-loaded worker and increments its
// load score. ok is false when no worker is registered or every worker
// is at the load cap; in that case no score is mutated.
func (s *Scheduler) Pick(ctx context.Context) (host string, ok bool, err error) {
	max := ""
	if s.maxLoad > 0 {
		max = fmt.Sprintf("%d", s.maxLoad)
	}
	res, err := pickScript.Run(ctx, s.rdb, []string{registry.WorkersLoadKey}, max).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pick worker: %w", err)
	}
	w, _ := res.(string)
	return w, w != "", nil
}

// Release is the compensating decrement for a successful Pick whose
// session never materialized (worker RPC or relational insert failed).
// It must only be called on paths that incremented.
func (s *Scheduler) Release(ctx context.Context, host string) error {
	if err := s.rdb.ZIncrBy(ctx, registry.WorkersLoadKey, -1, host).Err(); err != nil {
		return fmt.Errorf("release worker %s: %w", host, err)
	}
	return nil
}
