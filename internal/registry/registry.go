// Package registry maps function references to Go functions. Jobs carry
// only the reference; the worker resolves it here at execution time.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

// Func is the signature every registered job function implements. The
// returned value is encoded into the job's stored result.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry binds "module:symbol" references to functions. Registration
// happens explicitly at program start; nothing is scanned or imported by
// side effect.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds fn to the given reference. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(name string, fn Func) error {
	ref, err := domain.ParseFunctionRef(name)
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil function for %s", domain.ErrInvalidArgument, ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[ref.String()] = fn
	return nil
}

// Resolve returns the function bound to ref.
func (r *Registry) Resolve(ref domain.FunctionRef) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrFunctionNotRegistered, ref)
	}
	return fn, nil
}

// Names returns the registered references in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide registry used when no instance is injected.
var Default = New()

// Register binds fn in the default registry.
func Register(name string, fn Func) error {
	return Default.Register(name, fn)
}

// MustRegister is Register for program-start wiring; it panics on an
// invalid reference.
func MustRegister(name string, fn Func) {
	if err := Default.Register(name, fn); err != nil {
		panic(err)
	}
}

// Resolve looks ref up in the default registry.
func Resolve(ref domain.FunctionRef) (Func, error) {
	return Default.Resolve(ref)
}
