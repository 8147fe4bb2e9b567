package fleet

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.od2.network/fleet/pkg/supervisor"
)

// Spawner starts worker processes.
type Spawner interface {
	Spawn(name string, queues []string, onExit supervisor.ExitFunc) (*supervisor.Process, error)
}

// ExecSpawner runs the worker sub-command of an executable.
type ExecSpawner struct {
	Path   string   // defaults to the running executable
	Args   []string // arguments before the sub-command, like global flags
	Env    []string // defaults to the environment of the controller
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecSpawner returns a spawner re-executing the running binary.
func NewExecSpawner(args ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}
	return &ExecSpawner{
		Path:   path,
		Args:   args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Command builds the command line of a worker process.
func (s *ExecSpawner) Command(name string, queues []string) *exec.Cmd {
	args := make([]string, 0, len(s.Args)+5)
	args = append(args, s.Args...)
	args = append(args, "worker", "--queues", strings.Join(queues, ","), "--name", name)
	cmd := exec.Command(s.Path, args...)
	cmd.Env = s.Env
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	return cmd
}

// Spawn starts a worker process.
func (s *ExecSpawner) Spawn(name string, queues []string, onExit supervisor.ExitFunc) (*supervisor.Process, error) {
	return supervisor.Start(name, s.Command(name, queues), onExit)
}
