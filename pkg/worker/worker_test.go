package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/fleet/pkg/broker"
	"go.od2.network/fleet/pkg/events"
	"go.od2.network/fleet/pkg/jobs"
	"go.od2.network/fleet/pkg/redisqueue"
	"go.od2.network/fleet/pkg/redistest"
	"go.uber.org/zap/zaptest"
)

type recordSink struct {
	lock   sync.Mutex
	events []*events.Event
}

func (r *recordSink) Emit(e *events.Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, e)
}

func (r *recordSink) types() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	var types []string
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

type testEnv struct {
	ctx     context.Context
	manager *redisqueue.Manager
	worker  *Worker
	sink    *recordSink
}

func newTestEnv(t *testing.T, register func(r *jobs.Registry)) *testEnv {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	instance := redistest.NewRedis(ctx, t)
	t.Cleanup(func() { instance.Close(t) })
	log := zaptest.NewLogger(t)
	conn := broker.NewConn(instance.Client, instance.Client, log)
	manager := redisqueue.NewManager(conn, log)

	registry := jobs.NewRegistry()
	require.NoError(t, jobs.RegisterBuiltins(registry))
	if register != nil {
		register(registry)
	}
	opts := DefaultOptions([]string{"high", "low"})
	opts.PollTimeout = time.Second
	opts.Burst = true
	sink := new(recordSink)
	return &testEnv{
		ctx:     ctx,
		manager: manager,
		sink:    sink,
		worker: &Worker{
			Options:   opts,
			Consumers: &redisqueue.Consumers{Conn: conn, Log: log},
			Registry:  registry,
			Log:       log,
			Reaper:    &redisqueue.Reaper{Manager: manager, Log: log, Interval: time.Minute},
			Events:    sink,
		},
	}
}

func (e *testEnv) enqueue(t *testing.T, queue string, opts redisqueue.EnqueueOptions) string {
	job, err := e.manager.Queue(queue).Enqueue(e.ctx, opts)
	require.NoError(t, err)
	return job.ID
}

func (e *testEnv) job(t *testing.T, id string) *jobs.Job {
	job, err := e.manager.FetchJob(e.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestWorker_Burst(t *testing.T) {
	env := newTestEnv(t, func(r *jobs.Registry) {
		r.MustRegister("test.panic", func(context.Context, []interface{}, map[string]interface{}) (interface{}, error) {
			panic("oh no")
		})
	})
	echo := env.enqueue(t, "low", redisqueue.EnqueueOptions{Func: jobs.FuncEcho, Args: []interface{}{"hi"}})
	failing := env.enqueue(t, "high", redisqueue.EnqueueOptions{
		Func:   jobs.FuncFail,
		Kwargs: map[string]interface{}{"message": "broken"},
	})
	panicking := env.enqueue(t, "high", redisqueue.EnqueueOptions{Func: "test.panic"})
	unknown := env.enqueue(t, "low", redisqueue.EnqueueOptions{Func: "test.missing"})

	require.NoError(t, env.worker.Run(env.ctx))

	job := env.job(t, echo)
	assert.Equal(t, jobs.StatusFinished, job.Status)
	assert.Equal(t, map[string]interface{}{
		"args":   []interface{}{"hi"},
		"kwargs": map[string]interface{}{},
	}, job.Result)
	assert.Equal(t, env.worker.Name, job.WorkerName)

	job = env.job(t, failing)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ExcInfo, "broken")

	job = env.job(t, panicking)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.True(t, strings.HasPrefix(job.ExcInfo, "panic: oh no"))

	job = env.job(t, unknown)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ExcInfo, jobs.ErrUnknownFunc.Error())

	// High priority queue drains first.
	assert.Equal(t, []string{
		events.JobStarted, events.JobFailed,
		events.JobStarted, events.JobFailed,
		events.JobStarted, events.JobFinished,
		events.JobStarted, events.JobFailed,
	}, env.sink.types())
	assert.Equal(t, failing, env.sink.events[0].JobID)

	// The worker unregistered itself.
	workers, err := env.worker.Consumers.ListWorkers(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestWorker_Timeout(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.enqueue(t, "high", redisqueue.EnqueueOptions{
		Func:    jobs.FuncSleep,
		Args:    []interface{}{30.0},
		Timeout: time.Second,
	})
	start := time.Now()
	require.NoError(t, env.worker.Run(env.ctx))
	assert.Less(t, int64(time.Since(start)), int64(10*time.Second))
	job := env.job(t, id)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ExcInfo, context.DeadlineExceeded.Error())
}

func TestWorker_Stuck(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, func(r *jobs.Registry) {
		r.MustRegister("test.stuck", func(context.Context, []interface{}, map[string]interface{}) (interface{}, error) {
			<-release
			return nil, nil
		})
	})
	id := env.enqueue(t, "high", redisqueue.EnqueueOptions{Func: "test.stuck", Timeout: time.Second})
	next := env.enqueue(t, "high", redisqueue.EnqueueOptions{Func: jobs.FuncEcho})

	err := env.worker.Run(env.ctx)
	assert.ErrorIs(t, err, ErrJobStuck)
	job := env.job(t, id)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ExcInfo, "timed out")
	// The worker stopped claiming.
	assert.Equal(t, jobs.StatusQueued, env.job(t, next).Status)
}

func TestWorker_NameTaken(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.worker.Consumers.Register(env.ctx, &redisqueue.WorkerInfo{Name: env.worker.Name}, time.Minute))
	err := env.worker.Run(env.ctx)
	assert.True(t, errors.Is(err, redisqueue.ErrNameTaken))
}

func TestWorker_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.Burst = false
	ctx, cancel := context.WithCancel(env.ctx)
	errC := make(chan error, 1)
	go func() {
		errC <- env.worker.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		workers, err := env.worker.Consumers.ListWorkers(env.ctx)
		return err == nil && len(workers) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Jobs enqueued while the worker waits are picked up.
	id := env.enqueue(t, "low", redisqueue.EnqueueOptions{Func: jobs.FuncEcho})
	require.Eventually(t, func() bool {
		job, err := env.manager.FetchJob(env.ctx, id)
		return err == nil && job != nil && job.Status == jobs.StatusFinished
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not stop")
	}
}

func TestArgsPreview(t *testing.T) {
	assert.Equal(t, "[a 1] map[k:v]", ArgsPreview([]interface{}{"a", 1}, map[string]interface{}{"k": "v"}))
	long := ArgsPreview([]interface{}{strings.Repeat("x", 500)}, nil)
	assert.Len(t, long, ArgsPreviewLen)
	assert.True(t, strings.HasSuffix(long, "..."))

	wide := ArgsPreview([]interface{}{strings.Repeat("€", 100)}, nil)
	assert.True(t, utf8.ValidString(wide))
	assert.LessOrEqual(t, len(wide), ArgsPreviewLen)
	assert.True(t, strings.HasSuffix(wide, "€..."))
}

func TestOptions_Validate(t *testing.T) {
	opts := DefaultOptions([]string{"default"})
	require.NoError(t, opts.Validate())

	for name, mutate := range map[string]func(o *Options){
		"no queues":        func(o *Options) { o.Queues = nil },
		"empty queue":      func(o *Options) { o.Queues = []string{""} },
		"no name":          func(o *Options) { o.Name = "" },
		"zero ttl":         func(o *Options) { o.RegistrationTTL = 0 },
		"negative ttl":     func(o *Options) { o.RegistrationTTL = -time.Second },
		"zero poll":        func(o *Options) { o.PollTimeout = 0 },
		"negative timeout": func(o *Options) { o.DefaultTimeout = -1 },
	} {
		o := DefaultOptions([]string{"default"})
		mutate(&o)
		assert.Error(t, o.Validate(), name)
	}
}

func TestWorker_InvalidOptions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.RegistrationTTL = 0
	assert.Error(t, env.worker.Run(env.ctx))
}

func TestExcInfo(t *testing.T) {
	assert.Equal(t, "*errors.errorString: boom", ExcInfo(errors.New("boom")))
	info := ExcInfo(&PanicError{Value: "bad", Stack: []byte("stack")})
	assert.Equal(t, "panic: bad\nstack", info)
}
