package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Builtin job function names, useful for smoke-testing a deployment.
const (
	FuncEcho  = "fleet.echo"
	FuncSleep = "fleet.sleep"
	FuncFail  = "fleet.fail"
)

// RegisterBuiltins adds the operational job functions to r.
func RegisterBuiltins(r *Registry) error {
	for name, fn := range map[string]Func{
		FuncEcho:  echo,
		FuncSleep: sleep,
		FuncFail:  fail,
	} {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// echo returns its arguments.
func echo(_ context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"args":   args,
		"kwargs": kwargs,
	}, nil
}

// sleep waits for args[0] seconds or until the job deadline.
func sleep(ctx context.Context, args []interface{}, _ map[string]interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sleep takes 1 argument, got %d", len(args))
	}
	secs, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("sleep duration must be a number, got %T", args[0])
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return secs, nil
	}
}

// fail always returns an error, carrying kwargs["message"] if set.
func fail(_ context.Context, _ []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if msg, ok := kwargs["message"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}
	return nil, errors.New("requested failure")
}
