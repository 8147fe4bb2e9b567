package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Func is the signature of a job body.
// The context carries the job deadline.
type Func func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// ErrUnknownFunc is returned when a job names a function that was never registered.
var ErrUnknownFunc = errors.New("unknown job function")

// Registry maps job function names to implementations.
// Workers only invoke functions present in their registry.
type Registry struct {
	lock  sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a function under the given name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("empty job function name")
	}
	if fn == nil {
		return fmt.Errorf("nil job function: %s", name)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("job function already registered: %s", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunc, name)
	}
	return fn, nil
}

// Names lists the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
