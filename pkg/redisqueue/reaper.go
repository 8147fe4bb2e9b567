package redisqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Reaper maintains the job registries of all known queues:
// it fails started jobs whose deadline passed or whose worker disappeared,
// drops expired entries of the finished and failed registries,
// and moves due scheduled jobs onto their queue.
// It is safe to run multiple instances on the same keys.
type Reaper struct {
	// Required components
	Manager *Manager
	Log     *zap.Logger
	// Required config
	Interval  time.Duration // time between maintenance passes
	BatchSize uint          // max started/scheduled jobs to inspect per queue and pass
}

// ReapResult counts what a maintenance pass did.
type ReapResult struct {
	Abandoned int64 // started jobs moved to failed
	Expired   int64 // registry entries dropped
	Scheduled int64 // scheduled jobs queued
}

// Script: Maintain the registries of one queue.
// Argument 1: Current unix time (s)
// Argument 2: Current unix time (ms)
// Argument 3: Batch size
// Argument 4: Key prefix
// Key 1: Started registry
// Key 2: Failed registry
// Key 3: Finished registry
// Key 4: Scheduled registry
// Key 5: Queue list
// Returns {abandoned, expired, scheduled}.
var reapScript = redis.NewScript(retainLua + `
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[3])
local prefix = ARGV[4]
local abandoned = 0
local started = redis.call("ZRANGE", KEYS[1], 0, batch - 1, "WITHSCORES")
for i = 1, #started, 2 do
	local id = started[i]
	local job_key = prefix .. "job:" .. id
	local reason = nil
	local deadline = tonumber(started[i + 1])
	if deadline and deadline <= now then
		reason = "job exceeded its deadline"
	else
		local worker = redis.call("HGET", job_key, "worker_name")
		if not worker then
			reason = "job has no worker"
		elseif redis.call("EXISTS", prefix .. "worker:" .. worker) == 0 then
			reason = "worker " .. worker .. " is gone"
		end
	end
	if reason then
		redis.call("ZREM", KEYS[1], id)
		if redis.call("EXISTS", job_key) == 1 then
			local ttl = tonumber(redis.call("HGET", job_key, "failure_ttl")) or 86400
			redis.call("HSET", job_key, "status", "failed", "ended_at", ARGV[2], "exc_info", "abandoned: " .. reason)
			retain(job_key, KEYS[2], id, ttl, now)
		end
		abandoned = abandoned + 1
	end
end
local expired = redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", now)
expired = expired + redis.call("ZREMRANGEBYSCORE", KEYS[3], "-inf", now)
local due = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", now, "LIMIT", 0, batch)
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[4], id)
	local job_key = prefix .. "job:" .. id
	if redis.call("EXISTS", job_key) == 1 then
		redis.call("HSET", job_key, "status", "queued", "enqueued_at", ARGV[2])
		redis.call("RPUSH", KEYS[5], id)
	end
end
return {abandoned, expired, #due}
`)

// Run runs maintenance passes until the context is canceled.
// Errors of single passes are logged and do not stop the loop.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Clean(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Log.Error("Registry maintenance failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Clean runs one maintenance pass over all known queues.
func (r *Reaper) Clean(ctx context.Context) (*ReapResult, error) {
	names, err := r.Manager.Queues(ctx)
	if err != nil {
		return nil, err
	}
	total := new(ReapResult)
	for _, name := range names {
		res, err := r.CleanQueue(ctx, name)
		if err != nil {
			return total, err
		}
		total.Abandoned += res.Abandoned
		total.Expired += res.Expired
		total.Scheduled += res.Scheduled
	}
	if total.Abandoned > 0 || total.Scheduled > 0 {
		r.Log.Info("Maintained registries",
			zap.Int64("reaper.abandoned", total.Abandoned),
			zap.Int64("reaper.expired", total.Expired),
			zap.Int64("reaper.scheduled", total.Scheduled))
	}
	return total, nil
}

// CleanQueue runs one maintenance pass over the named queue.
func (r *Reaper) CleanQueue(ctx context.Context, name string) (*ReapResult, error) {
	keys := KeysForQueue(name)
	now := time.Now()
	res, err := reapScript.Run(ctx, r.Manager.Conn.Binary(),
		[]string{keys.Started, keys.Failed, keys.Finished, keys.Scheduled, keys.Queue},
		now.Unix(), now.UnixNano()/int64(time.Millisecond), r.batchSize(), KeyPrefix,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to maintain queue %s via Lua: %w", name, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, fmt.Errorf("failed to maintain queue %s via Lua: invalid return %#v", name, res)
	}
	var counts [3]int64
	for i, part := range parts {
		n, ok := part.(int64)
		if !ok {
			return nil, fmt.Errorf("invalid count in maintenance result: %#v", part)
		}
		counts[i] = n
	}
	return &ReapResult{
		Abandoned: counts[0],
		Expired:   counts[1],
		Scheduled: counts[2],
	}, nil
}

func (r *Reaper) batchSize() uint {
	if r.BatchSize == 0 {
		return 1000
	}
	return r.BatchSize
}
