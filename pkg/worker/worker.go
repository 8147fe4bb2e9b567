// Package worker executes queued jobs, one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/rs/xid"
	"go.od2.network/fleet/pkg/events"
	"go.od2.network/fleet/pkg/jobs"
	"go.od2.network/fleet/pkg/redisqueue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ArgsPreviewLen is the max length of the argument preview in job logs.
const ArgsPreviewLen = 128

// StuckMargin is how long a job body may overrun its deadline
// before the worker gives up on it.
const StuckMargin = time.Second

// ErrJobStuck is returned by Run when a job body ignored its deadline.
// The goroutine running it cannot be stopped, so the process has to exit.
var ErrJobStuck = errors.New("job did not return after its deadline")

// Options configure a Worker.
type Options struct {
	Name                string        `validate:"required"`
	Queues              []string      `validate:"min=1,dive,required"` // in priority order
	DefaultTimeout      time.Duration `validate:"gt=0"`                // for jobs without timeout
	PollTimeout         time.Duration `validate:"gte=1s"`              // max time to block on an empty queue
	RegistrationTTL     time.Duration `validate:"gte=3s"`              // heartbeats every third
	MaintenanceInterval time.Duration `validate:"gte=0"`               // 0 disables maintenance
	Burst               bool          // return once the queues are empty
}

var validate = validator.New()

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid worker options: %w", err)
	}
	return nil
}

// DefaultOptions returns the default worker options for the given queues.
func DefaultOptions(queues []string) Options {
	return Options{
		Name:                DefaultName(),
		Queues:              queues,
		DefaultTimeout:      180 * time.Second,
		PollTimeout:         5 * time.Second,
		RegistrationTTL:     60 * time.Second,
		MaintenanceInterval: 10 * time.Minute,
	}
}

// DefaultName returns a process-unique worker name.
func DefaultName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s.%d.%s", host, os.Getpid(), xid.New().String())
}

// Worker claims jobs from the queues and runs the registered functions.
type Worker struct {
	Options
	Consumers *redisqueue.Consumers
	Registry  *jobs.Registry
	Log       *zap.Logger
	// Optional components
	Reaper  *redisqueue.Reaper
	Events  events.Sink
	Metrics *Metrics

	lastMaintenance time.Time
}

// Run registers the worker and processes jobs until the context is canceled.
// The job in flight when ctx is canceled runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Options.Validate(); err != nil {
		return err
	}
	if w.Events == nil {
		w.Events = events.Nop{}
	}
	info := &redisqueue.WorkerInfo{
		Name:     w.Name,
		Hostname: hostname(),
		Pid:      os.Getpid(),
		Queues:   w.Queues,
		Birth:    time.Now(),
	}
	if err := w.Consumers.Register(ctx, info, w.RegistrationTTL); err != nil {
		return err
	}
	w.Log.Info("Worker started",
		zap.String("worker.name", w.Name),
		zap.Strings("worker.queues", w.Queues))
	defer func() {
		unregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Consumers.Unregister(unregisterCtx, w.Name); err != nil {
			w.Log.Warn("Failed to unregister worker", zap.Error(err))
		}
		w.Log.Info("Worker stopped", zap.String("worker.name", w.Name))
	}()

	// Heartbeat in the background, stop claiming if the registration got lost.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	heartbeatErrC := make(chan error, 1)
	go func() {
		heartbeatErrC <- w.heartbeat(runCtx)
	}()

	for {
		select {
		case err := <-heartbeatErrC:
			return err
		default:
		}
		if runCtx.Err() != nil {
			return nil
		}
		job, err := w.dequeue(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return err
		}
		if job == nil {
			if w.Burst {
				w.Log.Info("Queues empty, leaving burst mode")
				return nil
			}
			w.maintain(runCtx)
			continue
		}
		if err := w.Execute(ctx, job); err != nil {
			return err
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(w.RegistrationTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		err := w.Consumers.Heartbeat(ctx, w.Name, w.RegistrationTTL)
		if errors.Is(err, redisqueue.ErrRegistrationLost) {
			return err
		} else if err != nil && ctx.Err() == nil {
			w.Log.Warn("Heartbeat failed", zap.Error(err))
		}
	}
}

// dequeue claims the next job, retrying broker errors with backoff.
func (w *Worker) dequeue(ctx context.Context) (*jobs.Job, error) {
	var job *jobs.Job
	op := func() error {
		var err error
		job, err = w.Consumers.Dequeue(ctx, w.Name, w.Queues, w.PollTimeout, w.DefaultTimeout)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		w.Log.Warn("Failed to dequeue, retrying",
			zap.Error(err),
			zap.Duration("retry_in", next))
	})
	return job, err
}

// maintain runs the reaper if it is due.
func (w *Worker) maintain(ctx context.Context) {
	if w.Reaper == nil || w.MaintenanceInterval <= 0 {
		return
	}
	if time.Since(w.lastMaintenance) < w.MaintenanceInterval {
		return
	}
	w.lastMaintenance = time.Now()
	if _, err := w.Reaper.Clean(ctx); err != nil && ctx.Err() == nil {
		w.Log.Warn("Maintenance failed", zap.Error(err))
	}
}

type outcome struct {
	result interface{}
	err    error
}

// Execute runs a claimed job and records its outcome.
// Job failures are recorded, not returned.
// Only broker errors and ErrJobStuck are returned.
func (w *Worker) Execute(ctx context.Context, job *jobs.Job) error {
	// Record the outcome even if the worker is shutting down.
	ctx = context.WithoutCancel(ctx)
	log := w.Log.With(
		zap.String("job.id", job.ID),
		zap.String("job.func", job.Func),
		zap.String("queue", job.Origin))
	log.Info("Job started", zap.String("job.args", ArgsPreview(job.Args, job.Kwargs)))
	w.Events.Emit(&events.Event{
		Type:   events.JobStarted,
		JobID:  job.ID,
		Queue:  job.Origin,
		Func:   job.Func,
		Worker: w.Name,
	})
	start := time.Now()

	fn, err := w.Registry.Lookup(job.Func)
	if err != nil {
		return w.failJob(ctx, log, job, start, err)
	}
	timeout := job.Timeout
	if timeout == 0 {
		timeout = w.DefaultTimeout
	}
	var jobCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		done <- invoke(jobCtx, fn, job)
	}()
	var stuck <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout + StuckMargin)
		defer timer.Stop()
		stuck = timer.C
	}
	select {
	case out := <-done:
		if out.err != nil {
			return w.failJob(ctx, log, job, start, out.err)
		}
		return w.finishJob(ctx, log, job, start, out.result)
	case <-stuck:
		err := fmt.Errorf("job timed out after %s", timeout)
		if failErr := w.failJob(ctx, log, job, start, err); failErr != nil {
			return failErr
		}
		return fmt.Errorf("%w: %s", ErrJobStuck, job.ID)
	}
}

func invoke(ctx context.Context, fn jobs.Func, job *jobs.Job) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out.err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	out.result, out.err = fn(ctx, job.Args, job.Kwargs)
	return
}

func (w *Worker) finishJob(ctx context.Context, log *zap.Logger, job *jobs.Job, start time.Time, result interface{}) error {
	_, err := w.Consumers.Finish(ctx, job, result)
	if errors.Is(err, jobs.ErrUnserializable) {
		return w.failJob(ctx, log, job, start, err)
	} else if err != nil {
		return err
	}
	duration := time.Since(start)
	log.Info("Job finished", zap.Duration("job.duration", duration))
	w.Metrics.finished(ctx, job.Origin)
	w.Events.Emit(&events.Event{
		Type:     events.JobFinished,
		JobID:    job.ID,
		Queue:    job.Origin,
		Func:     job.Func,
		Worker:   w.Name,
		Duration: duration,
	})
	return nil
}

func (w *Worker) failJob(ctx context.Context, log *zap.Logger, job *jobs.Job, start time.Time, jobErr error) error {
	duration := time.Since(start)
	errType := fmt.Sprintf("%T", jobErr)
	if err := w.Consumers.Fail(ctx, job, ExcInfo(jobErr)); err != nil {
		return err
	}
	log.Error("Job failed",
		zap.Duration("job.duration", duration),
		zap.String("job.error_type", errType),
		zap.Error(jobErr))
	w.Metrics.failed(ctx, job.Origin)
	w.Events.Emit(&events.Event{
		Type:     events.JobFailed,
		JobID:    job.ID,
		Queue:    job.Origin,
		Func:     job.Func,
		Worker:   w.Name,
		Duration: duration,
		Error:    jobErr.Error(),
	})
	return nil
}

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// ExcInfo formats a job error for storage.
func ExcInfo(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return fmt.Sprintf("%s\n%s", p.Error(), p.Stack)
	}
	return fmt.Sprintf("%T: %s", err, err)
}

// ArgsPreview renders call arguments for logs, truncated to ArgsPreviewLen bytes
// without splitting a character.
func ArgsPreview(args []interface{}, kwargs map[string]interface{}) string {
	s := fmt.Sprintf("%v %v", args, kwargs)
	if len(s) > ArgsPreviewLen {
		cut := ArgsPreviewLen - 3
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}

func hostname() string {
	host, _ := os.Hostname()
	return host
}

// Metrics count job outcomes.
type Metrics struct {
	jobsFinished metric.Int64Counter
	jobsFailed   metric.Int64Counter
}

// NewMetrics registers the worker counters.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.jobsFinished, err = m.NewInt64Counter("worker_jobs_finished")
	if err != nil {
		return nil, err
	}
	metrics.jobsFailed, err = m.NewInt64Counter("worker_jobs_failed")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func (m *Metrics) finished(ctx context.Context, queue string) {
	if m != nil {
		m.jobsFinished.Add(ctx, 1, attribute.String("queue", queue))
	}
}

func (m *Metrics) failed(ctx context.Context, queue string) {
	if m != nil {
		m.jobsFailed.Add(ctx, 1, attribute.String("queue", queue))
	}
}
