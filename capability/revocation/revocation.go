// Package revocation propagates trust changes between kernel nodes so an
// enforcer never serves a cached grant or key after another node revoked it.
package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-trust/capability"
)

// Kind classifies an event.
type Kind string

const (
	// KindGrant means grants for (PluginID, Capability) changed.
	KindGrant Kind = "grant"
	// KindKey means the trusted key KeyID changed status.
	KindKey Kind = "key"
)

// Event is one trust change.
type Event struct {
	Kind       Kind            `json:"kind"`
	PluginID   string          `json:"pluginId,omitempty"`
	Capability capability.Name `json:"capability,omitempty"`
	KeyID      string          `json:"keyId,omitempty"`
	// Origin identifies the publishing node. Buses drop events that loop
	// back to their origin.
	Origin string    `json:"origin,omitempty"`
	At     time.Time `json:"at"`
}

// Bus fans trust changes out to subscribers.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe registers fn; the returned function removes it.
	Subscribe(fn func(Event)) (unsubscribe func())
	Close() error
}

// subscribers is the local fan-out shared by every Bus implementation.
type subscribers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) deliver(e Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

// LocalBus delivers events synchronously within one process.
type LocalBus struct {
	subs subscribers
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.subs.deliver(e)
	return nil
}

func (b *LocalBus) Subscribe(fn func(Event)) func() { return b.subs.add(fn) }

func (b *LocalBus) Close() error { return nil }
