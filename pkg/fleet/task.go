package fleet

import (
	"context"
	"sync"
	"time"
)

// Task runs a step function immediately and then every Interval,
// until the context is canceled or a step fails.
type Task struct {
	Interval time.Duration
	Step     func(ctx context.Context) error
	// Wake optionally triggers OnWake between steps.
	Wake   <-chan struct{}
	OnWake func(ctx context.Context)

	initOnce  sync.Once
	ready     chan struct{}
	readyOnce sync.Once
}

// NewTask creates a periodic task.
func NewTask(interval time.Duration, step func(ctx context.Context) error) *Task {
	return &Task{
		Interval: interval,
		Step:     step,
	}
}

func (t *Task) init() {
	t.initOnce.Do(func() {
		t.ready = make(chan struct{})
	})
}

// Ready is closed once the first step succeeded.
func (t *Task) Ready() <-chan struct{} {
	t.init()
	return t.ready
}

// Run blocks until ctx is canceled (returning nil) or a step fails (returning its error).
func (t *Task) Run(ctx context.Context) error {
	t.init()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		if err := t.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		t.readyOnce.Do(func() { close(t.ready) })
	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.Wake:
				if t.OnWake != nil {
					t.OnWake(ctx)
				}
			case <-ticker.C:
				break wait
			}
		}
	}
}
