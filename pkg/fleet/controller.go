package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.od2.network/fleet/pkg/events"
	"go.od2.network/fleet/pkg/ratelimit"
	"go.od2.network/fleet/pkg/supervisor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BacklogReader reports the number of not-yet-started jobs of a queue.
type BacklogReader interface {
	QueueLength(ctx context.Context, name string) (int64, error)
}

// ErrNoQueues is returned when a controller is created without queues to monitor.
var ErrNoQueues = errors.New("no queues to monitor")

// Controller keeps the number of worker processes in line with the backlog.
//
// All roster changes happen on the goroutine calling Run
// (or Start, Reconcile, ScaleTo, Sweep and Shutdown directly).
// Process exit callbacks only wake that goroutine.
type Controller struct {
	Config  Config
	Queues  []string
	Backlog BacklogReader
	Spawner Spawner
	Log     *zap.Logger
	// Optional components
	Events  events.Sink
	Metrics *Metrics
	Limiter *ratelimit.Limiter
	Now     func() time.Time

	roster         []*supervisor.Process // in spawn order
	size           int64                 // atomic copy of len(roster)
	target         int
	lastScaleUp    time.Time
	lastScaleDown  time.Time
	deferredSpawns int
	exited         chan struct{}
	task           *Task
}

// NewController validates the config and creates a controller.
func NewController(
	config Config,
	queues []string,
	backlog BacklogReader,
	spawner Spawner,
	log *zap.Logger,
) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, ErrNoQueues
	}
	c := &Controller{
		Config:  config,
		Queues:  queues,
		Backlog: backlog,
		Spawner: spawner,
		Log:     log,
		Events:  events.Nop{},
		Now:     time.Now,
		exited:  make(chan struct{}, 1),
	}
	if config.SpawnRate > 0 {
		c.Limiter = ratelimit.New(config.SpawnRate, time.Second)
	}
	c.task = NewTask(config.CheckInterval, c.Reconcile)
	c.task.Wake = c.exited
	c.task.OnWake = func(ctx context.Context) {
		c.Sweep(ctx)
	}
	return c, nil
}

// Run brings the fleet to its minimum size and reconciles it every check interval.
// When ctx is canceled or a reconciliation fails, every worker is terminated.
// Returns the reconciliation error, if any.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, c.Shutdown(context.Background()))
	}()
	if err := c.Start(ctx); err != nil {
		return err
	}
	if err := c.task.Run(ctx); err != nil {
		c.Log.Error("Reconciliation failed, shutting down fleet", zap.Error(err))
		return err
	}
	return nil
}

// Ready is closed after the first successful reconciliation of Run.
func (c *Controller) Ready() <-chan struct{} {
	return c.task.Ready()
}

// Start spawns the minimum number of workers.
// The initial fleet does not count as a scaling action.
func (c *Controller) Start(ctx context.Context) error {
	c.lastScaleDown = c.Now()
	c.Log.Info("Starting fleet",
		zap.Strings("fleet.queues", c.Queues),
		zap.Int("fleet.min_workers", c.Config.MinWorkers),
		zap.Int("fleet.max_workers", c.Config.MaxWorkers))
	return c.ScaleTo(ctx, c.Config.MinWorkers)
}

// Size returns the number of workers in the roster.
// Safe to call from any goroutine.
func (c *Controller) Size() int {
	return int(atomic.LoadInt64(&c.size))
}

// Roster returns a copy of the roster, oldest process first.
func (c *Controller) Roster() []*supervisor.Process {
	return append([]*supervisor.Process(nil), c.roster...)
}

// Target returns the last computed desired worker count.
func (c *Controller) Target() int {
	return c.target
}

// Reconcile runs a single control loop iteration:
// it reads the backlog, computes the desired worker count,
// and scales the fleet if the cooldown of that direction has passed.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.Sweep(ctx)
	backlog, ok := c.readBacklog(ctx)
	if !ok {
		c.Log.Warn("No queue length readable, skipping reconciliation")
		return nil
	}
	current := len(c.roster)
	desired := DesiredWorkers(backlog, c.Config.MinWorkers, c.Config.MaxWorkers)
	c.target = desired
	c.Metrics.observe(backlog, desired)
	now := c.Now()
	log := c.Log.With(
		zap.Int64("fleet.backlog", backlog),
		zap.Int("fleet.current", current),
		zap.Int("fleet.desired", desired))
	log.Debug("Checked backlog")

	switch {
	case desired > current:
		// Finishing a rate-limited scale-up is not a new scaling action.
		if c.deferredSpawns == 0 && now.Sub(c.lastScaleUp) < c.Config.ScaleUpCooldown {
			log.Debug("Scale-up cooling down")
			break
		}
		if err := c.ScaleTo(ctx, desired); err != nil {
			return err
		}
		if len(c.roster) > current {
			c.lastScaleUp = now
			log.Info("Scaled up", zap.Int("fleet.size", len(c.roster)))
			c.Metrics.scaledUp(ctx)
			c.Events.Emit(&events.Event{
				Type:    events.ScaleUp,
				From:    current,
				To:      len(c.roster),
				Backlog: backlog,
			})
		}
	case desired < current:
		c.deferredSpawns = 0
		if now.Sub(latest(c.lastScaleUp, c.lastScaleDown)) < c.Config.ScaleDownCooldown {
			log.Debug("Scale-down cooling down")
			break
		}
		if err := c.ScaleTo(ctx, desired); err != nil {
			return err
		}
		c.lastScaleDown = now
		log.Info("Scaled down", zap.Int("fleet.size", len(c.roster)))
		c.Metrics.scaledDown(ctx)
		c.Events.Emit(&events.Event{
			Type:    events.ScaleDown,
			From:    current,
			To:      len(c.roster),
			Backlog: backlog,
		})
	default:
		c.deferredSpawns = 0
	}
	c.Sweep(ctx)
	return nil
}

// readBacklog sums up the queue lengths.
// Unreadable queues are skipped, ok is false only if none could be read.
func (c *Controller) readBacklog(ctx context.Context) (backlog int64, ok bool) {
	for _, name := range c.Queues {
		n, err := c.Backlog.QueueLength(ctx, name)
		if err != nil {
			c.Log.Warn("Failed to read queue length",
				zap.String("queue", name),
				zap.Error(err))
			continue
		}
		backlog += n
		ok = true
	}
	return
}

// ScaleTo spawns or terminates workers until the roster holds target processes.
// Spawn failures are logged and leave the roster short.
// Terminations pick the newest workers first.
func (c *Controller) ScaleTo(ctx context.Context, target int) error {
	current := len(c.roster)
	switch {
	case target > current:
		c.spawn(ctx, target-current)
		return nil
	case target < current:
		victims := c.roster[target:]
		c.roster = c.roster[:target:target]
		c.updateSize()
		return c.terminate(ctx, victims)
	default:
		return nil
	}
}

func (c *Controller) spawn(ctx context.Context, n int) {
	c.deferredSpawns = 0
	for i := 0; i < n; i++ {
		if c.Limiter != nil && !c.Limiter.Allow(c.Now()) {
			c.deferredSpawns = n - i
			c.Log.Info("Spawn rate exceeded, deferring spawns",
				zap.Int("fleet.deferred", c.deferredSpawns))
			c.Events.Emit(&events.Event{
				Type: events.SpawnDeferred,
				From: len(c.roster),
				To:   len(c.roster) + c.deferredSpawns,
			})
			return
		}
		name := c.Config.NamePrefix + xid.New().String()
		proc, err := c.Spawner.Spawn(name, c.Queues, c.onExit)
		if err != nil {
			c.Log.Error("Failed to spawn worker",
				zap.String("worker.name", name),
				zap.Error(err))
			c.Metrics.spawnFailed(ctx)
			continue
		}
		c.roster = append(c.roster, proc)
		c.updateSize()
		c.Log.Info("Spawned worker",
			zap.String("worker.name", name),
			zap.Int("worker.pid", proc.Pid()))
	}
}

// terminate stops the given processes concurrently.
func (c *Controller) terminate(ctx context.Context, procs []*supervisor.Process) error {
	errs := make([]error, len(procs))
	var wg sync.WaitGroup
	wg.Add(len(procs))
	for i, proc := range procs {
		go func(i int, proc *supervisor.Process) {
			defer wg.Done()
			log := c.Log.With(
				zap.String("worker.name", proc.Name),
				zap.Int("worker.pid", proc.Pid()))
			forced, err := proc.Terminate(ctx, c.Config.GracePeriod)
			if err != nil {
				log.Error("Failed to terminate worker", zap.Error(err))
				errs[i] = err
				return
			}
			if forced {
				log.Warn("Killed worker after grace period",
					zap.Duration("fleet.grace_period", c.Config.GracePeriod))
			} else {
				log.Info("Stopped worker", zap.Int("worker.exit_code", proc.ExitCode()))
			}
		}(i, proc)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// Sweep drops workers that exited on their own and returns how many.
func (c *Controller) Sweep(ctx context.Context) int {
	alive := c.roster[:0]
	var swept int
	for _, proc := range c.roster {
		if proc.State() != supervisor.Exited {
			alive = append(alive, proc)
			continue
		}
		swept++
		c.Log.Warn("Worker exited",
			zap.String("worker.name", proc.Name),
			zap.Int("worker.pid", proc.Pid()),
			zap.Int("worker.exit_code", proc.ExitCode()),
			zap.Duration("worker.uptime", time.Since(proc.SpawnedAt)))
		c.Events.Emit(&events.Event{
			Type:   events.WorkerExited,
			Worker: proc.Name,
			Pid:    proc.Pid(),
			Code:   proc.ExitCode(),
		})
	}
	for i := len(alive); i < len(c.roster); i++ {
		c.roster[i] = nil
	}
	c.roster = alive
	c.updateSize()
	c.Metrics.exited(ctx, swept)
	return swept
}

// Shutdown terminates every worker.
func (c *Controller) Shutdown(ctx context.Context) error {
	procs := c.roster
	c.roster = nil
	c.updateSize()
	if len(procs) == 0 {
		return nil
	}
	c.Log.Info("Shutting down fleet", zap.Int("fleet.size", len(procs)))
	return c.terminate(ctx, procs)
}

func (c *Controller) onExit(*supervisor.Process) {
	select {
	case c.exited <- struct{}{}:
	default:
	}
}

func (c *Controller) updateSize() {
	atomic.StoreInt64(&c.size, int64(len(c.roster)))
	c.Metrics.size(len(c.roster))
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
