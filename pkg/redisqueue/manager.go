package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"go.od2.network/fleet/pkg/broker"
	"go.od2.network/fleet/pkg/jobs"
	"go.uber.org/zap"
)

// DefaultHandleCacheSize is the number of queue handles a Manager keeps.
const DefaultHandleCacheSize = 128

// Manager hands out queue handles and looks up jobs.
type Manager struct {
	Conn *broker.Conn
	Log  *zap.Logger

	lock    sync.Mutex
	handles *lru.Cache
}

// NewManager creates a Manager on top of the broker connection.
func NewManager(conn *broker.Conn, log *zap.Logger) *Manager {
	handles, err := lru.New(DefaultHandleCacheSize)
	if err != nil {
		panic("failed to create queue handle cache: " + err.Error())
	}
	return &Manager{
		Conn:    conn,
		Log:     log,
		handles: handles,
	}
}

// Queue returns the handle of the named queue, creating it if absent.
func (m *Manager) Queue(name string) *Queue {
	m.lock.Lock()
	defer m.lock.Unlock()
	if q, ok := m.handles.Get(name); ok {
		return q.(*Queue)
	}
	q := &Queue{
		Name:   name,
		Keys:   KeysForQueue(name),
		binary: m.Conn.Binary(),
		text:   m.Conn.Text(),
		log:    m.Log.With(zap.String("queue", name)),
	}
	m.handles.Add(name, q)
	return q
}

// QueueLength returns the number of not-yet-started jobs in the named queue.
func (m *Manager) QueueLength(ctx context.Context, name string) (int64, error) {
	return m.Queue(name).Len(ctx)
}

// Queues lists the names of all known queues in sorted order.
func (m *Manager) Queues(ctx context.Context) ([]string, error) {
	names, err := m.Conn.Text().SMembers(ctx, QueuesSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// FetchJob looks up a job by ID.
// Unknown or expired jobs return nil without error.
func (m *Manager) FetchJob(ctx context.Context, id string) (*jobs.Job, error) {
	h, err := m.Conn.Binary().HGetAll(ctx, JobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	if len(h) == 0 {
		m.Log.Info("Job not found, unknown or expired",
			zap.String("job.id", id))
		return nil, nil
	}
	return jobs.Decode(h)
}

// ErrNoSuchJob is returned by Job for unknown or expired jobs.
var ErrNoSuchJob = errors.New("no such job")

// Job is like FetchJob, but fails with ErrNoSuchJob if the job does not exist.
func (m *Manager) Job(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := m.FetchJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchJob, id)
	}
	return job, nil
}

// Queue is a handle to a single named queue.
type Queue struct {
	Name string
	Keys Keys

	binary *redis.Client
	text   *redis.Client
	log    *zap.Logger
}

// Len returns the number of not-yet-started jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.text.LLen(ctx, q.Keys.Queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of queue %s: %w", q.Name, err)
	}
	return n, nil
}

// Stats is a breakdown of job counts by state.
type Stats struct {
	Queued    int64 `json:"queued"`
	Started   int64 `json:"started"`
	Finished  int64 `json:"finished"`
	Failed    int64 `json:"failed"`
	Deferred  int64 `json:"deferred"`
	Scheduled int64 `json:"scheduled"`
}

// Stats counts the jobs of the queue by state.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var queued *redis.IntCmd
	var started, finished, failed, deferred, scheduled *redis.IntCmd
	_, err := q.text.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		queued = pipe.LLen(ctx, q.Keys.Queue)
		started = pipe.ZCard(ctx, q.Keys.Started)
		finished = pipe.ZCard(ctx, q.Keys.Finished)
		failed = pipe.ZCard(ctx, q.Keys.Failed)
		deferred = pipe.ZCard(ctx, q.Keys.Deferred)
		scheduled = pipe.ZCard(ctx, q.Keys.Scheduled)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get stats of queue %s: %w", q.Name, err)
	}
	return &Stats{
		Queued:    queued.Val(),
		Started:   started.Val(),
		Finished:  finished.Val(),
		Failed:    failed.Val(),
		Deferred:  deferred.Val(),
		Scheduled: scheduled.Val(),
	}, nil
}

// JobIDs lists queued job IDs, starting from the head of the queue.
func (q *Queue) JobIDs(ctx context.Context, offset, limit int64) ([]string, error) {
	ids, err := q.text.LRange(ctx, q.Keys.Queue, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue %s: %w", q.Name, err)
	}
	return ids, nil
}

// Script: Drop all queued jobs.
// Argument 1: Key prefix
// Key 1: Queue list
// Returns the number of removed jobs.
var clearScript = redis.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[1] .. "job:" .. id)
end
redis.call("DEL", KEYS[1])
return #ids
`)

// Clear removes every queued job and its data.
// Started and ended jobs are not affected.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	n, err := clearScript.Run(ctx, q.binary, []string{q.Keys.Queue}, KeyPrefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue %s via Lua: %w", q.Name, err)
	}
	q.log.Warn("Cleared queue", zap.Int64("queue.removed", n))
	return n, nil
}
