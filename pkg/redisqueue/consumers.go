package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/fleet/pkg/broker"
	"go.od2.network/fleet/pkg/jobs"
	"go.uber.org/zap"
)

// StartedMargin is added to a job's timeout to compute its deadline in the started registry.
const StartedMargin = time.Minute

// Consumers register workers and move jobs through their lifecycle.
// All methods are safe to call from multiple processes.
type Consumers struct {
	Conn *broker.Conn
	Log  *zap.Logger
}

// WorkerInfo describes a registered worker.
type WorkerInfo struct {
	Name       string
	Hostname   string
	Pid        int
	Queues     []string
	Birth      time.Time
	State      string
	CurrentJob string
}

// Worker states as stored in the registration.
const (
	WorkerIdle = "idle"
	WorkerBusy = "busy"
)

// ErrNameTaken gets raised when a worker registers under a name that is in use.
var ErrNameTaken = errors.New("worker name already registered")

// ErrRegistrationLost gets raised when a worker's registration expired.
var ErrRegistrationLost = errors.New("worker registration lost")

// Script: Register a worker if the name is free.
// Argument 1: TTL in seconds
// Argument 2: Worker name
// Argument 3+: Field/value pairs
// Key 1: Worker hash
// Key 2: Workers set
// Returns 1 on success, 0 if the name is taken.
var registerScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("EXPIRE", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
return 1
`)

// Register claims the worker name.
// Returns ErrNameTaken if another live worker holds the name.
func (c *Consumers) Register(ctx context.Context, info *WorkerInfo, ttl time.Duration) error {
	res, err := registerScript.Run(ctx, c.Conn.Text(),
		[]string{WorkerKey(info.Name), WorkersSet},
		ttlSeconds(ttl), info.Name,
		"name", info.Name,
		"hostname", info.Hostname,
		"pid", info.Pid,
		"queues", strings.Join(info.Queues, ","),
		"birth", jobs.FormatTime(info.Birth),
		"state", WorkerIdle,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to register worker via Lua: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrNameTaken, info.Name)
	}
	return nil
}

// Heartbeat extends the registration of a worker.
func (c *Consumers) Heartbeat(ctx context.Context, name string, ttl time.Duration) error {
	ok, err := c.Conn.Text().Expire(ctx, WorkerKey(name), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh worker %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRegistrationLost, name)
	}
	return nil
}

// Unregister releases the worker name.
func (c *Consumers) Unregister(ctx context.Context, name string) error {
	_, err := c.Conn.Text().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, WorkerKey(name))
		pipe.SRem(ctx, WorkersSet, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unregister worker %s: %w", name, err)
	}
	return nil
}

// ListWorkers returns all live registered workers.
// Expired registrations are pruned from the workers set.
func (c *Consumers) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	rd := c.Conn.Text()
	names, err := rd.SMembers(ctx, WorkersSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	infos := make([]*WorkerInfo, 0, len(names))
	for _, name := range names {
		h, err := rd.HGetAll(ctx, WorkerKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get worker %s: %w", name, err)
		}
		if len(h) == 0 {
			if err := rd.SRem(ctx, WorkersSet, name).Err(); err != nil {
				return nil, fmt.Errorf("failed to prune worker %s: %w", name, err)
			}
			continue
		}
		info := &WorkerInfo{
			Name:       name,
			Hostname:   h["hostname"],
			State:      h["state"],
			CurrentJob: h["current_job"],
		}
		info.Pid, _ = strconv.Atoi(h["pid"])
		info.Birth, _ = jobs.ParseTime(h["birth"])
		if h["queues"] != "" {
			info.Queues = strings.Split(h["queues"], ",")
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Script: Mark a popped job as started.
// Argument 1: Job ID
// Argument 2: Worker name
// Argument 3: Current unix time (ms)
// Argument 4: Current unix time (s)
// Argument 5: Default timeout (s)
// Argument 6: Deadline margin (s)
// Key 1: Job hash
// Key 2: Started registry
// Key 3: Worker hash
// Returns 0 if the job no longer exists.
var startScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
local timeout = tonumber(redis.call("HGET", KEYS[1], "timeout")) or 0
if timeout == 0 then
	timeout = tonumber(ARGV[5])
end
local deadline = "+inf"
if timeout > 0 then
	deadline = tonumber(ARGV[4]) + timeout + tonumber(ARGV[6])
end
redis.call("HSET", KEYS[1], "status", "started", "started_at", ARGV[3], "worker_name", ARGV[2])
redis.call("ZADD", KEYS[2], deadline, ARGV[1])
if redis.call("EXISTS", KEYS[3]) == 1 then
	redis.call("HSET", KEYS[3], "state", "busy", "current_job", ARGV[1])
end
return 1
`)

// Dequeue blocks up to wait for a job from the first non-empty queue, in the given order,
// and marks it as started by the worker.
// Returns nil without error if no job arrived or the popped job was unusable.
func (c *Consumers) Dequeue(
	ctx context.Context,
	worker string,
	queues []string,
	wait time.Duration,
	defaultTimeout time.Duration,
) (*jobs.Job, error) {
	rd := c.Conn.Binary()
	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = KeysForQueue(name).Queue
	}
	popped, err := rd.BLPop(ctx, wait, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}
	queueName := strings.TrimPrefix(popped[0], KeyPrefix+"queue:")
	id := popped[1]
	now := time.Now()
	ok, err := startScript.Run(ctx, rd,
		[]string{JobKey(id), KeysForQueue(queueName).Started, WorkerKey(worker)},
		id, worker, jobs.FormatTime(now), now.Unix(),
		int64(defaultTimeout/time.Second), int64(StartedMargin/time.Second),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to start job %s via Lua: %w", id, err)
	}
	if ok == 0 {
		c.Log.Warn("Popped job without data, skipping",
			zap.String("job.id", id),
			zap.String("queue", queueName))
		return nil, nil
	}
	h, err := rd.HGetAll(ctx, JobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	job, err := jobs.Decode(h)
	if err != nil {
		// Undecodable jobs are failed right away, or they would sit in the started registry.
		if failErr := c.failByID(ctx, id, queueName, worker, h[jobs.FieldFailureTTL], err.Error()); failErr != nil {
			return nil, failErr
		}
		c.Log.Error("Failed undecodable job",
			zap.String("job.id", id),
			zap.String("queue", queueName),
			zap.Error(err))
		return nil, nil
	}
	return job, nil
}

// Script: Finish a job and release its dependents.
// Argument 1: Job ID
// Argument 2: Current unix time (ms)
// Argument 3: Current unix time (s)
// Argument 4: Result TTL (s)
// Argument 5: Encoded result
// Argument 6: Key prefix
// Key 1: Job hash
// Key 2: Started registry
// Key 3: Finished registry
// Key 4: Dependents set
// Key 5: Worker hash
// Returns the number of released dependents.
var finishScript = redis.NewScript(retainLua + `
local id = ARGV[1]
redis.call("ZREM", KEYS[2], id)
if redis.call("EXISTS", KEYS[5]) == 1 then
	redis.call("HSET", KEYS[5], "state", "idle")
	redis.call("HDEL", KEYS[5], "current_job")
end
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "status", "finished", "ended_at", ARGV[2], "result", ARGV[5])
retain(KEYS[1], KEYS[3], id, tonumber(ARGV[4]), tonumber(ARGV[3]))
local released = 0
for _, dep in ipairs(redis.call("SMEMBERS", KEYS[4])) do
	local dep_key = ARGV[6] .. "job:" .. dep
	local origin = redis.call("HGET", dep_key, "origin")
	if origin and redis.call("HGET", dep_key, "status") == "deferred" then
		redis.call("ZREM", ARGV[6] .. "deferred:" .. origin, dep)
		redis.call("HSET", dep_key, "status", "queued", "enqueued_at", ARGV[2])
		redis.call("RPUSH", ARGV[6] .. "queue:" .. origin, dep)
		released = released + 1
	end
end
redis.call("DEL", KEYS[4])
return released
`)

// Finish records a job's result and queues the jobs depending on it.
func (c *Consumers) Finish(ctx context.Context, job *jobs.Job, result interface{}) (released int64, err error) {
	data, err := jobs.EncodeResult(result)
	if err != nil {
		return 0, err
	}
	keys := KeysForQueue(job.Origin)
	now := time.Now()
	released, err = finishScript.Run(ctx, c.Conn.Binary(),
		[]string{JobKey(job.ID), keys.Started, keys.Finished, DependentsKey(job.ID), WorkerKey(job.WorkerName)},
		job.ID, jobs.FormatTime(now), now.Unix(), jobs.TTLSeconds(job.ResultTTL), data, KeyPrefix,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to finish job %s via Lua: %w", job.ID, err)
	}
	job.Status = jobs.StatusFinished
	job.EndedAt = now
	job.Result = result
	return released, nil
}

// Script: Fail a job.
// Argument 1: Job ID
// Argument 2: Current unix time (ms)
// Argument 3: Current unix time (s)
// Argument 4: Failure TTL (s)
// Argument 5: Exception info
// Key 1: Job hash
// Key 2: Started registry
// Key 3: Failed registry
// Key 4: Worker hash
var failScript = redis.NewScript(retainLua + `
local id = ARGV[1]
redis.call("ZREM", KEYS[2], id)
if redis.call("EXISTS", KEYS[4]) == 1 then
	redis.call("HSET", KEYS[4], "state", "idle")
	redis.call("HDEL", KEYS[4], "current_job")
end
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "status", "failed", "ended_at", ARGV[2], "exc_info", ARGV[5])
retain(KEYS[1], KEYS[3], id, tonumber(ARGV[4]), tonumber(ARGV[3]))
return 1
`)

// Fail records a job failure.
func (c *Consumers) Fail(ctx context.Context, job *jobs.Job, excInfo string) error {
	if err := c.fail(ctx, job.ID, job.Origin, job.WorkerName, jobs.TTLSeconds(job.FailureTTL), excInfo); err != nil {
		return err
	}
	job.Status = jobs.StatusFailed
	job.EndedAt = time.Now()
	job.ExcInfo = excInfo
	return nil
}

func (c *Consumers) failByID(ctx context.Context, id, queue, worker, ttlField, excInfo string) error {
	ttl, err := strconv.ParseInt(ttlField, 10, 64)
	if err != nil {
		ttl = jobs.TTLSeconds(jobs.DefaultFailureTTL)
	}
	return c.fail(ctx, id, queue, worker, ttl, excInfo)
}

func (c *Consumers) fail(ctx context.Context, id, queue, worker string, ttl int64, excInfo string) error {
	keys := KeysForQueue(queue)
	now := time.Now()
	err := failScript.Run(ctx, c.Conn.Binary(),
		[]string{JobKey(id), keys.Started, keys.Failed, WorkerKey(worker)},
		id, jobs.FormatTime(now), now.Unix(), ttl, excInfo,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to fail job %s via Lua: %w", id, err)
	}
	return nil
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
