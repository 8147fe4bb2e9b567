// Package supervisor tracks the lifecycle of child OS processes.
//
// A single waiter goroutine per process observes its exit,
// so callers never poll the OS for liveness.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State is the lifecycle state of a supervised process.
type State int32

const (
	// Starting means the process was created but not yet started.
	Starting State = iota
	// Running means the OS process exists.
	Running
	// Exited means the process terminated and was reaped.
	Exited
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ExitFunc is called once from the waiter goroutine after the process exits.
type ExitFunc func(p *Process)

// Process is a supervised child process.
type Process struct {
	Name      string
	SpawnedAt time.Time

	cmd    *exec.Cmd
	onExit ExitFunc
	state  int32
	done   chan struct{}

	lock     sync.Mutex
	exitCode int
	exitErr  error
}

// New prepares a process without starting it.
func New(name string, cmd *exec.Cmd, onExit ExitFunc) *Process {
	return &Process{
		Name:     name,
		cmd:      cmd,
		onExit:   onExit,
		state:    int32(Starting),
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

// Start creates and starts a supervised process.
func Start(name string, cmd *exec.Cmd, onExit ExitFunc) (*Process, error) {
	p := New(name, cmd, onExit)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// Start spawns the OS process and its waiter goroutine.
// Can only be called once.
func (p *Process) Start() error {
	if !atomic.CompareAndSwapInt32(&p.state, int32(Starting), int32(Running)) {
		return fmt.Errorf("process %s already started", p.Name)
	}
	p.SpawnedAt = time.Now()
	if err := p.cmd.Start(); err != nil {
		p.lock.Lock()
		p.exitErr = err
		p.lock.Unlock()
		atomic.StoreInt32(&p.state, int32(Exited))
		close(p.done)
		return fmt.Errorf("failed to start %s: %w", p.Name, err)
	}
	go p.wait()
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.lock.Lock()
	p.exitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.lock.Unlock()
	atomic.StoreInt32(&p.state, int32(Exited))
	close(p.done)
	if p.onExit != nil {
		p.onExit(p)
	}
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return State(atomic.LoadInt32(&p.state))
}

// Alive reports whether the process has not exited yet.
func (p *Process) Alive() bool {
	return p.State() != Exited
}

// Pid returns the OS process ID, or 0 if the process never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitCode returns the exit code once exited.
// It is -1 if the process is alive, was killed by a signal, or never started.
func (p *Process) ExitCode() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.exitCode
}

// Err returns the error reported by the OS when the process exited.
func (p *Process) Err() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.exitErr
}

// Done returns a channel that closes when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Signal sends a signal to the process.
// Signaling an exited process is not an error.
func (p *Process) Signal(sig os.Signal) error {
	if p.State() != Running || p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Terminate asks the process to stop with SIGTERM,
// and sends SIGKILL if it is still alive after the grace period or when ctx is canceled.
// It returns after the process exited. forced reports whether SIGKILL was needed.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) (forced bool, err error) {
	if p.State() == Starting {
		return false, nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("failed to send SIGTERM to %s: %w", p.Name, err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return false, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return true, fmt.Errorf("failed to send SIGKILL to %s: %w", p.Name, err)
	}
	<-p.done
	return true, nil
}
