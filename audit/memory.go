package audit

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog keeps entries in memory in append order.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

// Append stores a copy of e, assigning an id and timestamp when unset.
func (l *MemoryLog) Append(_ context.Context, e Entry) error {
	Stamp(&e, l.now)

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

// Query returns matching entries, oldest first.
func (l *MemoryLog) Query(_ context.Context, f Filter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if f.Match(e) {
			e.Attributes = maps.Clone(e.Attributes)
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Len returns the number of entries.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Stamp fills the id and time of e when unset and detaches its attribute map.
func Stamp(e *Entry, now func() time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = now().UTC()
	}
	e.Attributes = maps.Clone(e.Attributes)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Append(context.Context, Entry) error          { return nil }
func (Nop) Query(context.Context, Filter) ([]Entry, error) { return nil, nil }
