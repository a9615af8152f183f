// Package registry holds the volatile session state shared between the
// gateway and the workers: the worker load set, the session→worker
// routing map, the per-session browser details and the activity set.
//
// Key layout:
//
//	workers_load         zset  member=workerHost  score=load
//	session_map          hash  field=sessionID    value=workerHost
//	session:{id}         hash  fields browserId, port
//	session_last_active  zset  member=sessionID   score=epoch seconds
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// WorkersLoadKey is the load-ranked worker set, shared with the scheduler.
	WorkersLoadKey = "workers_load"
	sessionMapKey  = "session_map"
	lastActiveKey  = "session_last_active"
)

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// takeRoutingScript reads and deletes the routing entry in one step so
// that concurrent closes observe exactly one winner.
var takeRoutingScript = redis.NewScript(`
local w = redis.call('HGET', KEYS[1], ARGV[1])
if not w then return false end
redis.call('HDEL', KEYS[1], ARGV[1])
return w
`)

// Detail locates a session's browser endpoint on its worker.
type Detail struct {
	BrowserID string
	Port      int
}

// Registry wraps the redis client with typed operations on the shared
// session state.
type Registry struct {
	rdb *redis.Client
}

// New creates a Registry on top of an existing redis client.
func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// Client exposes the underlying redis client (for the scheduler, which
// shares the workers_load key).
func (r *Registry) Client() *redis.Client {
	return r.rdb
}

// Open connects to redis using a REDIS_URL style DSN and verifies the
// connection with a ping.
func Open(ctx context.Context, url string) (*Registry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb), nil
}

// Close releases the underlying redis client.
func (r *Registry) Close() error {
	return r.rdb.Close()
}

// Ping verifies the redis connection.
func (r *Registry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// RegisterWorker adds a worker to the load set with score 0, keeping an
// existing score if the worker is already present (a restarted worker
// must not reset load accounting for sessions it still hosts).
func (r *Registry) RegisterWorker(ctx context.Context, host string) error {
	return r.rdb.ZAddNX(ctx, WorkersLoadKey, redis.Z{Score: 0, Member: host}).Err()
}

// DeregisterWorker removes a worker from the load set so the scheduler
// stops routing new sessions to it.
func (r *Registry) DeregisterWorker(ctx context.Context, host string) error {
	return r.rdb.ZRem(ctx, WorkersLoadKey, host).Err()
}

// DecrementLoad applies the compensating decrement to a worker's load
// score.
func (r *Registry) DecrementLoad(ctx context.Context, host string) error {
	return r.rdb.ZIncrBy(ctx, WorkersLoadKey, -1, host).Err()
}

// WorkerLoad returns a worker's current load score.
func (r *Registry) WorkerLoad(ctx context.Context, host string) (float64, error) {
	return r.rdb.ZScore(ctx, WorkersLoadKey, host).Result()
}

// PutSession writes the routing, detail and activity entries for a newly
// created session in a single pipeline. It is called only after the
// relational row exists, so any observer of the routing entry is
// guaranteed a matching row.
func (r *Registry) PutSession(ctx context.Context, sessionID, workerHost string, d Detail) error {
	now := time.Now().Unix()
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionMapKey, sessionID, workerHost)
		pipe.HSet(ctx, sessionKey(sessionID), "browserId", d.BrowserID, "port", d.Port)
		pipe.ZAdd(ctx, lastActiveKey, redis.Z{Score: float64(now), Member: sessionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put session entries: %w", err)
	}
	return nil
}

// TakeRouting atomically removes and returns the worker host routing
// entry for a session. ok is false when the entry is absent, which the
// close protocol treats as "already closed".
func (r *Registry) TakeRouting(ctx context.Context, sessionID string) (host string, ok bool, err error) {
	res, err := takeRoutingScript.Run(ctx, r.rdb, []string{sessionMapKey}, sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take routing entry: %w", err)
	}
	s, _ := res.(string)
	return s, s != "", nil
}

// WorkerFor returns the worker host a session is routed to without
// consuming the entry. ok is false for unknown sessions.
func (r *Registry) WorkerFor(ctx context.Context, sessionID string) (string, bool, error) {
	host, err := r.rdb.HGet(ctx, sessionMapKey, sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read routing entry: %w", err)
	}
	return host, true, nil
}

// SessionDetail returns the browser endpoint details for a session. ok
// is false when the detail entry is missing.
func (r *Registry) SessionDetail(ctx context.Context, sessionID string) (Detail, bool, error) {
	vals, err := r.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return Detail{}, false, fmt.Errorf("read detail entry: %w", err)
	}
	if len(vals) == 0 {
		return Detail{}, false, nil
	}
	port, err := strconv.Atoi(vals["port"])
	if err != nil {
		return Detail{}, false, fmt.Errorf("detail entry port %q: %w", vals["port"], err)
	}
	return Detail{BrowserID: vals["browserId"], Port: port}, true, nil
}

// DeleteSession removes the detail and activity entries in a single
// pipeline. The routing entry is removed separately by TakeRouting,
// which acts as the close protocol's idempotency guard.
func (r *Registry) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		pipe.ZRem(ctx, lastActiveKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session entries: %w", err)
	}
	return nil
}

// Touch records session activity at the current wall clock.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	now := time.Now().Unix()
	return r.rdb.ZAdd(ctx, lastActiveKey, redis.Z{Score: float64(now), Member: sessionID}).Err()
}

// LastActive returns a session's activity timestamp as epoch seconds.
// ok is false when the session has no activity entry.
func (r *Registry) LastActive(ctx context.Context, sessionID string) (int64, bool, error) {
	score, err := r.rdb.ZScore(ctx, lastActiveKey, sessionID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read activity entry: %w", err)
	}
	return int64(score), true, nil
}

// IdleSessions returns the ids of all sessions whose last activity is at
// or before cutoff.
func (r *Registry) IdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, lastActiveKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan idle sessions: %w", err)
	}
	return ids, nil
}
