// Package grantstore provides persistence for capability grants and grant
// requests: an in-memory store and a YAML file store built on it.
package grantstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-trust/capability"
)

// MemoryStore keeps grants and requests in memory. Writes are serialized per
// (plugin, capability, scope) tuple; reads only take a shared lock.
type MemoryStore struct {
	locks *KeyedMutex

	mu       sync.RWMutex
	grants   map[string]*capability.Grant  // by id
	active   map[string]map[string]string  // plugin|capability -> tuple key -> grant id
	byPlugin map[string][]string           // plugin -> grant ids, insertion order
	requests map[string]*capability.Request
	reqOrder []string

	// afterWrite persists a committed change. A failure rolls the change back.
	afterWrite func() error
}

var _ capability.GrantStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    NewKeyedMutex(),
		grants:   make(map[string]*capability.Grant),
		active:   make(map[string]map[string]string),
		byPlugin: make(map[string][]string),
		requests: make(map[string]*capability.Request),
	}
}

func pluginCapKey(pluginID string, name capability.Name) string {
	return pluginID + "|" + string(name)
}

// Active returns active grants for the plugin and capability.
func (s *MemoryStore) Active(_ context.Context, pluginID string, name capability.Name) ([]capability.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.active[pluginCapKey(pluginID, name)]
	out := make([]capability.Grant, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.grants[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope.String() < out[j].Scope.String() })
	return out, nil
}

// Supersede stores g as the active grant for its tuple, revoking any previous one.
func (s *MemoryStore) Supersede(_ context.Context, g capability.Grant) (*capability.Grant, error) {
	if g.ID == "" {
		return nil, fmt.Errorf("grant id is required")
	}
	tuple := g.Tuple()
	unlock := s.locks.Lock(tuple.Key())
	defer unlock()

	g.Status = capability.GrantActive

	s.mu.Lock()
	if _, exists := s.grants[g.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("grant %s already exists", g.ID)
	}
	var prev *capability.Grant
	var prevCopy capability.Grant
	if id, ok := s.activeIndex(tuple)[tuple.Key()]; ok {
		prev = s.grants[id]
		prevCopy = *prev
		at := g.GrantedAt
		prev.Status = capability.GrantRevoked
		prev.RevokedAt = &at
		prev.RevokedBy = g.GrantedBy
		prev.SupersededBy = g.ID
	}
	stored := g
	s.grants[g.ID] = &stored
	s.byPlugin[g.PluginID] = append(s.byPlugin[g.PluginID], g.ID)
	s.setActive(tuple, g.ID)
	s.mu.Unlock()

	if err := s.commit(); err != nil {
		s.mu.Lock()
		delete(s.grants, g.ID)
		s.byPlugin[g.PluginID] = removeID(s.byPlugin[g.PluginID], g.ID)
		s.clearActive(tuple)
		if prev != nil {
			*prev = prevCopy
			s.setActive(tuple, prev.ID)
		}
		s.mu.Unlock()
		return nil, err
	}

	if prev == nil {
		return nil, nil
	}
	out := *prev
	return &out, nil
}

// Revoke marks the active grant for the tuple revoked.
func (s *MemoryStore) Revoke(_ context.Context, t capability.Tuple, by string, at time.Time) (capability.Grant, error) {
	unlock := s.locks.Lock(t.Key())
	defer unlock()

	s.mu.Lock()
	id, ok := s.activeIndex(t)[t.Key()]
	if !ok {
		s.mu.Unlock()
		return capability.Grant{}, fmt.Errorf("%w: %s", capability.ErrGrantNotFound, t)
	}
	g := s.grants[id]
	before := *g
	g.Status = capability.GrantRevoked
	g.RevokedAt = &at
	g.RevokedBy = by
	s.clearActive(t)
	s.mu.Unlock()

	if err := s.commit(); err != nil {
		s.mu.Lock()
		*g = before
		s.setActive(t, id)
		s.mu.Unlock()
		return capability.Grant{}, err
	}
	return *g, nil
}

// ExpireBefore transitions active grants whose expiry is at or before now.
func (s *MemoryStore) ExpireBefore(_ context.Context, now time.Time) ([]capability.Grant, error) {
	s.mu.RLock()
	var candidates []capability.Tuple
	for _, byTuple := range s.active {
		for _, id := range byTuple {
			if g := s.grants[id]; g.Expired(now) {
				candidates = append(candidates, g.Tuple())
			}
		}
	}
	s.mu.RUnlock()

	var expired []capability.Grant
	for _, t := range candidates {
		g, err := s.expireOne(t, now)
		if err != nil {
			return expired, err
		}
		if g != nil {
			expired = append(expired, *g)
		}
	}
	return expired, nil
}

func (s *MemoryStore) expireOne(t capability.Tuple, now time.Time) (*capability.Grant, error) {
	unlock := s.locks.Lock(t.Key())
	defer unlock()

	s.mu.Lock()
	id, ok := s.activeIndex(t)[t.Key()]
	if !ok || !s.grants[id].Expired(now) {
		s.mu.Unlock()
		return nil, nil
	}
	g := s.grants[id]
	g.Status = capability.GrantExpired
	s.clearActive(t)
	out := *g
	s.mu.Unlock()

	if err := s.commit(); err != nil {
		s.mu.Lock()
		g.Status = capability.GrantActive
		s.setActive(t, id)
		s.mu.Unlock()
		return nil, err
	}
	return &out, nil
}

// History returns every grant recorded for a plugin, oldest first.
func (s *MemoryStore) History(_ context.Context, pluginID string) ([]capability.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byPlugin[pluginID]
	out := make([]capability.Grant, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.grants[id])
	}
	return out, nil
}

// SaveRequest inserts a new request.
func (s *MemoryStore) SaveRequest(_ context.Context, r capability.Request) error {
	s.mu.Lock()
	if _, exists := s.requests[r.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("request %s already exists", r.ID)
	}
	stored := r
	s.requests[r.ID] = &stored
	s.reqOrder = append(s.reqOrder, r.ID)
	s.mu.Unlock()

	if err := s.commit(); err != nil {
		s.mu.Lock()
		delete(s.requests, r.ID)
		s.reqOrder = removeID(s.reqOrder, r.ID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// UpdateRequest applies fn to the stored request under its lock.
func (s *MemoryStore) UpdateRequest(_ context.Context, id string, fn func(*capability.Request) error) (capability.Request, error) {
	unlock := s.locks.Lock("request|" + id)
	defer unlock()

	s.mu.RLock()
	stored, ok := s.requests[id]
	var working capability.Request
	if ok {
		working = *stored
	}
	s.mu.RUnlock()
	if !ok {
		return capability.Request{}, fmt.Errorf("%w: %s", capability.ErrRequestNotFound, id)
	}

	if err := fn(&working); err != nil {
		return capability.Request{}, err
	}

	s.mu.Lock()
	before := *stored
	*stored = working
	s.mu.Unlock()

	if err := s.commit(); err != nil {
		s.mu.Lock()
		*stored = before
		s.mu.Unlock()
		return capability.Request{}, err
	}
	return working, nil
}

// Requests lists requests filtered by plugin and state; empty filters match all.
func (s *MemoryStore) Requests(_ context.Context, pluginID string, state capability.RequestState) ([]capability.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []capability.Request
	for _, id := range s.reqOrder {
		r := s.requests[id]
		if pluginID != "" && r.PluginID != pluginID {
			continue
		}
		if state != "" && r.State != state {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// activeIndex returns the tuple map for t's plugin and capability. Caller holds mu.
func (s *MemoryStore) activeIndex(t capability.Tuple) map[string]string {
	return s.active[pluginCapKey(t.PluginID, t.Capability)]
}

func (s *MemoryStore) setActive(t capability.Tuple, id string) {
	k := pluginCapKey(t.PluginID, t.Capability)
	m, ok := s.active[k]
	if !ok {
		m = make(map[string]string)
		s.active[k] = m
	}
	m[t.Key()] = id
}

func (s *MemoryStore) clearActive(t capability.Tuple) {
	k := pluginCapKey(t.PluginID, t.Capability)
	delete(s.active[k], t.Key())
	if len(s.active[k]) == 0 {
		delete(s.active, k)
	}
}

func removeID(ids []string, id string) []string {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (s *MemoryStore) commit() error {
	if s.afterWrite == nil {
		return nil
	}
	return s.afterWrite()
}

// snapshot copies all records. Caller must not hold mu.
func (s *MemoryStore) snapshot() fileState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := fileState{Version: fileFormatVersion}
	for _, ids := range s.byPlugin {
		for _, id := range ids {
			st.Grants = append(st.Grants, *s.grants[id])
		}
	}
	sort.SliceStable(st.Grants, func(i, j int) bool { return st.Grants[i].GrantedAt.Before(st.Grants[j].GrantedAt) })
	for _, id := range s.reqOrder {
		st.Requests = append(st.Requests, *s.requests[id])
	}
	return st
}

// restore replaces state with st. Used when loading a file.
func (s *MemoryStore) restore(st fileState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range st.Grants {
		g := st.Grants[i]
		if _, dup := s.grants[g.ID]; dup {
			return fmt.Errorf("duplicate grant id %s", g.ID)
		}
		s.grants[g.ID] = &g
		s.byPlugin[g.PluginID] = append(s.byPlugin[g.PluginID], g.ID)
		if g.Status != capability.GrantActive {
			continue
		}
		if _, clash := s.activeIndex(g.Tuple())[g.Tuple().Key()]; clash {
			return fmt.Errorf("more than one active grant for %s", g.Tuple())
		}
		s.setActive(g.Tuple(), g.ID)
	}
	for i := range st.Requests {
		r := st.Requests[i]
		s.requests[r.ID] = &r
		s.reqOrder = append(s.reqOrder, r.ID)
	}
	return nil
}
