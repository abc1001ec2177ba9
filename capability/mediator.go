package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoMediator is returned when no subsystem serves a capability.
var ErrNoMediator = errors.New("no mediator for capability")

// MediatorRegistry maps capability names to the mediator serving them.
type MediatorRegistry struct {
	mediators map[Name]Mediator
	mu        sync.RWMutex
}

// NewMediatorRegistry creates an empty registry.
func NewMediatorRegistry() *MediatorRegistry {
	return &MediatorRegistry{mediators: make(map[Name]Mediator)}
}

// Register adds m for every capability it serves. A capability already
// served by another mediator is an error.
func (r *MediatorRegistry) Register(m Mediator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range m.Capabilities() {
		if _, exists := r.mediators[n]; exists {
			return fmt.Errorf("capability %s already has a mediator", n)
		}
	}
	for _, n := range m.Capabilities() {
		r.mediators[n] = m
	}
	return nil
}

// Get retrieves the mediator for a capability.
func (r *MediatorRegistry) Get(name Name) (Mediator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mediators[name]
	return m, ok
}

// Dispatch routes call to its mediator without any authorization. Only the
// enforcement decorator may call it.
func (r *MediatorRegistry) Dispatch(ctx context.Context, call Call) (any, error) {
	m, ok := r.Get(call.Capability)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMediator, call.Capability)
	}
	return m.Invoke(ctx, call)
}

// MediatorFunc adapts a function serving a single capability.
type MediatorFunc struct {
	Name Name
	Fn   func(ctx context.Context, call Call) (any, error)
	// ScopeFn optionally derives the requested scope from the call.
	ScopeFn func(call Call) (Scope, error)
}

func (f MediatorFunc) Capabilities() []Name { return []Name{f.Name} }

func (f MediatorFunc) Invoke(ctx context.Context, call Call) (any, error) {
	return f.Fn(ctx, call)
}

func (f MediatorFunc) RequestedScope(call Call) (Scope, error) {
	if f.ScopeFn == nil {
		return call.Scope, nil
	}
	return f.ScopeFn(call)
}

// ScopeResolver is implemented by mediators that derive the scope a call
// requests from its arguments. The enforcement decorator prefers the derived
// scope over any scope asserted by plugin code.
type ScopeResolver interface {
	RequestedScope(call Call) (Scope, error)
}
