package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/fleet/pkg/broker"
	"go.od2.network/fleet/pkg/jobs"
	"go.od2.network/fleet/pkg/redistest"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	ctx       context.Context
	instance  *redistest.Redis
	manager   *Manager
	consumers *Consumers
}

func newTestEnv(t *testing.T) *testEnv {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	instance := redistest.NewRedis(ctx, t)
	t.Cleanup(func() { instance.Close(t) })
	log := zaptest.NewLogger(t)
	conn := broker.NewConn(instance.Client, instance.Client, log)
	return &testEnv{
		ctx:       ctx,
		instance:  instance,
		manager:   NewManager(conn, log),
		consumers: &Consumers{Conn: conn, Log: log},
	}
}

func TestQueue_Enqueue(t *testing.T) {
	env := newTestEnv(t)
	q := env.manager.Queue("default")
	assert.Same(t, q, env.manager.Queue("default"))

	job, err := q.Enqueue(env.ctx, EnqueueOptions{
		Func:   jobs.FuncEcho,
		Args:   []interface{}{"hello", 2.0},
		Kwargs: map[string]interface{}{"k": true},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, jobs.StatusQueued, job.Status)

	fetched, err := env.manager.FetchJob(env.ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, job.ID, fetched.ID)
	assert.Equal(t, jobs.FuncEcho, fetched.Func)
	assert.Equal(t, []interface{}{"hello", 2.0}, fetched.Args)
	assert.Equal(t, map[string]interface{}{"k": true}, fetched.Kwargs)
	assert.Equal(t, "default", fetched.Origin)
	assert.Equal(t, jobs.DefaultResultTTL, fetched.ResultTTL)
	assert.Equal(t, jobs.StatusQueued, fetched.Status)
	assert.False(t, fetched.EnqueuedAt.IsZero())

	n, err := env.manager.QueueLength(env.ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	names, err := env.manager.Queues(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)

	_, err = q.Enqueue(env.ctx, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrEmptyFunc)
}

func TestQueue_EnqueueDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	q := env.manager.Queue("default")
	_, err := q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "once", Args: []interface{}{"first"}})
	require.NoError(t, err)
	_, err = q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncFail, JobID: "once"})
	assert.ErrorIs(t, err, ErrJobExists)

	n, err := q.Len(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	job, err := env.manager.Job(env.ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, jobs.FuncEcho, job.Func)
	assert.Equal(t, []interface{}{"first"}, job.Args)
}

func TestManager_FetchJobMissing(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.manager.FetchJob(env.ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, job)

	_, err = env.manager.Job(env.ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrNoSuchJob)
}

func TestQueue_StatsAndClear(t *testing.T) {
	env := newTestEnv(t)
	q := env.manager.Queue("stats")
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: id})
		require.NoError(t, err)
	}
	front, err := q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "front", AtFront: true})
	require.NoError(t, err)
	_, err = q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "later", EnqueueIn: time.Hour})
	require.NoError(t, err)

	ids, err := q.JobIDs(env.ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{front.ID, "a", "b", "c"}, ids)

	stats, err := q.Stats(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Queued: 4, Scheduled: 1}, stats)

	removed, err := q.Clear(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)
	n, err := q.Len(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	job, err := env.manager.FetchJob(env.ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, job)
	// Scheduled jobs survive.
	job, err = env.manager.FetchJob(env.ctx, "later")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobs.StatusScheduled, job.Status)
}

func TestConsumers_Register(t *testing.T) {
	env := newTestEnv(t)
	info := &WorkerInfo{
		Name:     "w1",
		Hostname: "host",
		Pid:      42,
		Queues:   []string{"high", "low"},
		Birth:    time.Now(),
	}
	require.NoError(t, env.consumers.Register(env.ctx, info, 10*time.Second))
	err := env.consumers.Register(env.ctx, info, 10*time.Second)
	assert.ErrorIs(t, err, ErrNameTaken)
	require.NoError(t, env.consumers.Heartbeat(env.ctx, "w1", 10*time.Second))

	workers, err := env.consumers.ListWorkers(env.ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].Name)
	assert.Equal(t, 42, workers[0].Pid)
	assert.Equal(t, []string{"high", "low"}, workers[0].Queues)
	assert.Equal(t, WorkerIdle, workers[0].State)

	require.NoError(t, env.consumers.Unregister(env.ctx, "w1"))
	assert.ErrorIs(t, env.consumers.Heartbeat(env.ctx, "w1", time.Second), ErrRegistrationLost)
	workers, err = env.consumers.ListWorkers(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
	// The name is free again.
	require.NoError(t, env.consumers.Register(env.ctx, info, 10*time.Second))
}

func TestConsumers_DequeueOrder(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.consumers.Register(env.ctx, &WorkerInfo{Name: "w"}, 10*time.Second))
	_, err := env.manager.Queue("low").Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "low1"})
	require.NoError(t, err)
	_, err = env.manager.Queue("high").Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "high1"})
	require.NoError(t, err)

	queues := []string{"high", "low"}
	first, err := env.consumers.Dequeue(env.ctx, "w", queues, time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "high1", first.ID)
	assert.Equal(t, jobs.StatusStarted, first.Status)
	assert.Equal(t, "w", first.WorkerName)

	started, err := env.instance.Client.ZScore(env.ctx, KeysForQueue("high").Started, "high1").Result()
	require.NoError(t, err)
	expected := float64(time.Now().Add(time.Minute + StartedMargin).Unix())
	assert.InDelta(t, expected, started, 2)
	state, err := env.instance.Client.HGet(env.ctx, WorkerKey("w"), "current_job").Result()
	require.NoError(t, err)
	assert.Equal(t, "high1", state)

	second, err := env.consumers.Dequeue(env.ctx, "w", queues, time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "low1", second.ID)

	none, err := env.consumers.Dequeue(env.ctx, "w", queues, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestConsumers_FinishReleasesDependents(t *testing.T) {
	env := newTestEnv(t)
	q := env.manager.Queue("deps")
	parent, err := q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "parent"})
	require.NoError(t, err)
	child, err := q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "child", DependsOn: parent.ID})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDeferred, child.Status)

	job, err := env.consumers.Dequeue(env.ctx, "w", []string{"deps"}, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "parent", job.ID)
	released, err := env.consumers.Finish(env.ctx, job, []interface{}{"ok"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	stats, err := q.Stats(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Queued: 1, Finished: 1}, stats)
	finished, err := env.manager.FetchJob(env.ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFinished, finished.Status)
	assert.Equal(t, []interface{}{"ok"}, finished.Result)
	ttl, err := env.instance.Client.TTL(env.ctx, JobKey("parent")).Result()
	require.NoError(t, err)
	assert.InDelta(t, float64(jobs.DefaultResultTTL), float64(ttl), float64(2*time.Second))

	// Dependencies on finished jobs are queued right away.
	late, err := q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, DependsOn: "parent"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, late.Status)
}

func TestConsumers_FailRetention(t *testing.T) {
	env := newTestEnv(t)
	q := env.manager.Queue("fail")
	_, err := q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncFail, JobID: "keep", FailureTTL: jobs.TTLForever})
	require.NoError(t, err)
	_, err = q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncFail, JobID: "drop", FailureTTL: jobs.TTLDiscard})
	require.NoError(t, err)

	for range []int{0, 1} {
		job, err := env.consumers.Dequeue(env.ctx, "w", []string{"fail"}, time.Second, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, env.consumers.Fail(env.ctx, job, "boom"))
		assert.Equal(t, jobs.StatusFailed, job.Status)
	}

	kept, err := env.manager.FetchJob(env.ctx, "keep")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "boom", kept.ExcInfo)
	ttl, err := env.instance.Client.TTL(env.ctx, JobKey("keep")).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	dropped, err := env.manager.FetchJob(env.ctx, "drop")
	require.NoError(t, err)
	assert.Nil(t, dropped)

	stats, err := q.Stats(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Failed: 1}, stats)
}

func TestReaper(t *testing.T) {
	env := newTestEnv(t)
	rd := env.instance.Client
	reaper := &Reaper{
		Manager:   env.manager,
		Log:       zaptest.NewLogger(t),
		Interval:  time.Second,
		BatchSize: 10,
	}
	q := env.manager.Queue("reap")
	keys := q.Keys

	// Two started jobs: one owned by a live worker, one by a dead worker.
	require.NoError(t, env.consumers.Register(env.ctx, &WorkerInfo{Name: "alive"}, time.Minute))
	for _, id := range []string{"mine", "orphan"} {
		_, err := q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: id})
		require.NoError(t, err)
	}
	mine, err := env.consumers.Dequeue(env.ctx, "alive", []string{"reap"}, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "mine", mine.ID)
	orphan, err := env.consumers.Dequeue(env.ctx, "dead", []string{"reap"}, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "orphan", orphan.ID)

	// A started job past its deadline.
	_, err = q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "overdue"})
	require.NoError(t, err)
	_, err = env.consumers.Dequeue(env.ctx, "alive", []string{"reap"}, time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, rd.ZAdd(env.ctx, keys.Started, &redis.Z{Score: 1, Member: "overdue"}).Err())

	// An expired finished entry and a due scheduled job.
	require.NoError(t, rd.ZAdd(env.ctx, keys.Finished, &redis.Z{Score: 1, Member: "gone"}).Err())
	_, err = q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "due", EnqueueIn: time.Hour})
	require.NoError(t, err)
	require.NoError(t, rd.ZAdd(env.ctx, keys.Scheduled, &redis.Z{Score: 1, Member: "due"}).Err())
	// Deferred jobs are left alone.
	_, err = q.Enqueue(env.ctx, EnqueueOptions{Func: jobs.FuncEcho, JobID: "waiting", DependsOn: "mine"})
	require.NoError(t, err)

	res, err := reaper.Clean(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReapResult{Abandoned: 2, Expired: 1, Scheduled: 1}, res)

	for _, id := range []string{"orphan", "overdue"} {
		job, err := env.manager.FetchJob(env.ctx, id)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, jobs.StatusFailed, job.Status)
		assert.Contains(t, job.ExcInfo, "abandoned: ")
	}
	due, err := env.manager.FetchJob(env.ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, due.Status)

	stats, err := q.Stats(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Queued: 1, Started: 1, Failed: 2, Deferred: 1}, stats)

	// A second pass is a no-op.
	res, err = reaper.Clean(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReapResult{}, res)
}
