package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.od2.network/fleet/pkg/jobs"
	"go.uber.org/zap"
)

// EnqueueOptions describes a job to enqueue.
// Zero durations select the defaults.
type EnqueueOptions struct {
	Func   string // registered function name
	Args   []interface{}
	Kwargs map[string]interface{}
	JobID  string // optional, generated if empty

	Timeout    time.Duration // execution timeout, negative for unlimited
	ResultTTL  time.Duration // defaults to jobs.DefaultResultTTL
	FailureTTL time.Duration // defaults to jobs.DefaultFailureTTL

	AtFront   bool      // push to the head of the queue
	DependsOn string    // defer until this job finished
	EnqueueAt time.Time // schedule for later
	EnqueueIn time.Duration
}

// ErrEmptyFunc is returned when enqueueing a job without a function name.
var ErrEmptyFunc = errors.New("job function name is empty")

// ErrJobExists is returned when enqueueing a job under an ID that is in use.
var ErrJobExists = errors.New("job already exists")

// Script: Store a job and queue, defer or schedule it.
// Argument 1: Job ID
// Argument 2: Queue name
// Argument 3: "1" to push to the queue head
// Argument 4: Unix time the job is scheduled for, 0 if not scheduled
// Argument 5: Dependency job ID, or empty
// Argument 6: Current unix time (ms)
// Argument 7+: Job hash field/value pairs
// Key 1: Job hash
// Key 2: Queue list
// Key 3: Queues set
// Key 4: Deferred registry
// Key 5: Scheduled registry
// Key 6: Dependency job hash
// Key 7: Dependency dependents set
// Returns the initial job status, or "exists" if the job ID is taken.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return "exists"
end
local status = "queued"
if ARGV[5] ~= "" then
	local dep = redis.call("HGET", KEYS[6], "status")
	if dep and dep ~= "finished" then
		status = "deferred"
	end
end
if status == "queued" and tonumber(ARGV[4]) > 0 then
	status = "scheduled"
end
redis.call("HSET", KEYS[1], unpack(ARGV, 7))
redis.call("HSET", KEYS[1], "status", status)
redis.call("SADD", KEYS[3], ARGV[2])
if status == "deferred" then
	redis.call("ZADD", KEYS[4], "+inf", ARGV[1])
	redis.call("SADD", KEYS[7], ARGV[1])
elseif status == "scheduled" then
	redis.call("ZADD", KEYS[5], ARGV[4], ARGV[1])
else
	redis.call("HSET", KEYS[1], "enqueued_at", ARGV[6])
	if ARGV[3] == "1" then
		redis.call("LPUSH", KEYS[2], ARGV[1])
	else
		redis.call("RPUSH", KEYS[2], ARGV[1])
	end
end
return status
`)

// Enqueue serializes and pushes a job.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (*jobs.Job, error) {
	if opts.Func == "" {
		return nil, ErrEmptyFunc
	}
	now := time.Now()
	job := &jobs.Job{
		ID:         opts.JobID,
		Func:       opts.Func,
		Args:       opts.Args,
		Kwargs:     opts.Kwargs,
		Origin:     q.Name,
		Timeout:    opts.Timeout,
		ResultTTL:  opts.ResultTTL,
		FailureTTL: opts.FailureTTL,
		DependsOn:  opts.DependsOn,
		Status:     jobs.StatusQueued,
		CreatedAt:  now,
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.ResultTTL == 0 {
		job.ResultTTL = jobs.DefaultResultTTL
	}
	if job.FailureTTL == 0 {
		job.FailureTTL = jobs.DefaultFailureTTL
	}
	switch {
	case !opts.EnqueueAt.IsZero():
		job.ScheduledFor = opts.EnqueueAt
	case opts.EnqueueIn > 0:
		job.ScheduledFor = now.Add(opts.EnqueueIn)
	}
	fields, err := job.Encode()
	if err != nil {
		return nil, err
	}
	argv := make([]interface{}, 0, 6+2*len(fields))
	var atFront string
	if opts.AtFront {
		atFront = "1"
	}
	var scheduledFor int64
	if !job.ScheduledFor.IsZero() {
		scheduledFor = job.ScheduledFor.Unix()
	}
	argv = append(argv, job.ID, q.Name, atFront, scheduledFor, job.DependsOn, jobs.FormatTime(now))
	for k, v := range fields {
		argv = append(argv, k, v)
	}
	keys := []string{
		JobKey(job.ID),
		q.Keys.Queue,
		QueuesSet,
		q.Keys.Deferred,
		q.Keys.Scheduled,
		JobKey(job.DependsOn),
		DependentsKey(job.DependsOn),
	}
	status, err := enqueueScript.Run(ctx, q.binary, keys, argv...).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s via Lua: %w", job.ID, err)
	}
	if status == "exists" {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	job.Status = jobs.Status(status)
	if job.Status == jobs.StatusQueued {
		job.EnqueuedAt = now
	}
	q.log.Info("Enqueued job",
		zap.String("job.id", job.ID),
		zap.String("job.func", job.Func),
		zap.Duration("job.timeout", job.Timeout),
		zap.String("job.status", status))
	return job, nil
}
