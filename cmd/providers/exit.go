package providers

import (
	"sync"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ExitStatus collects the errors that end a command.
type ExitStatus struct {
	lock sync.Mutex
	err  error
}

// Fail records err and asks the app to shut down.
func (s *ExitStatus) Fail(log *zap.Logger, shutdown fx.Shutdowner, err error) {
	s.lock.Lock()
	s.err = multierr.Append(s.err, err)
	s.lock.Unlock()
	if err := shutdown.Shutdown(); err != nil {
		log.Fatal("Failed to shut down", zap.Error(err))
	}
}

// Err returns the recorded errors.
func (s *ExitStatus) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// Code returns the process exit code.
func (s *ExitStatus) Code() int {
	if s.Err() != nil {
		return 1
	}
	return 0
}
