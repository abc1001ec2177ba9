package gatekeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/capability/grantstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGatekeeper(t *testing.T, opts ...Option) (*Gatekeeper, *audit.MemoryLog, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	log := audit.NewMemoryLog()
	base := []Option{
		WithStore(grantstore.NewMemoryStore()),
		WithAuditLog(log),
		WithClock(clock.Now),
	}
	return NewGatekeeper(append(base, opts...)...), log, clock
}

func TestParseSecurityLevel(t *testing.T) {
	t.Parallel()

	l, err := ParseSecurityLevel("")
	require.NoError(t, err)
	assert.Equal(t, SecurityStandard, l)
	l, err = ParseSecurityLevel("strict")
	require.NoError(t, err)
	assert.Equal(t, SecurityStrict, l)
	_, err = ParseSecurityLevel("yolo")
	assert.Error(t, err)
}

func TestRequestGrants_SecurityLevels(t *testing.T) {
	t.Parallel()

	caps := []capability.Capability{
		capability.MustParse("storage:read(bucket=logs)"),
		capability.MustParse("network:fetch(domain=api.example.com)"),
		capability.MustParse("exec:spawn(command=/bin/sh)"),
	}

	tests := []struct {
		level SecurityLevel
		want  []Outcome
	}{
		{SecurityStrict, []Outcome{OutcomePendingApproval, OutcomePendingApproval, OutcomePendingApproval}},
		{SecurityStandard, []Outcome{OutcomeAutoGranted, OutcomePendingApproval, OutcomePendingApproval}},
		{SecurityPermissive, []Outcome{OutcomeAutoGranted, OutcomeAutoGranted, OutcomePendingApproval}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()
			g, _, _ := newTestGatekeeper(t, WithSecurityLevel(tt.level))
			decisions, err := g.RequestGrants(context.Background(), "acme/a", caps, nil)
			require.NoError(t, err)
			require.Len(t, decisions, len(caps))
			for i, d := range decisions {
				assert.Equal(t, tt.want[i], d.Outcome, caps[i].String())
				if d.Outcome == OutcomePendingApproval {
					assert.NotEmpty(t, d.RequestID)
					assert.NotEmpty(t, d.Reason)
				}
			}
		})
	}
}

func TestRequestGrants_CriticalFindingBlocksAutoGrant(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)

	decisions, err := g.RequestGrants(context.Background(), "acme/a",
		[]capability.Capability{capability.MustParse("storage:read(bucket=logs)")},
		[]capability.Name{"storage:read"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomePendingApproval, decisions[0].Outcome)
	assert.Contains(t, decisions[0].Reason, "critical")
}

func TestRequestGrants_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _, _ := newTestGatekeeper(t)
	caps := []capability.Capability{capability.MustParse("kv:read(namespace=cfg)")}

	first, err := g.RequestGrants(ctx, "acme/a", caps, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoGranted, first[0].Outcome)

	second, err := g.RequestGrants(ctx, "acme/a", caps, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyGranted, second[0].Outcome)
	assert.Equal(t, first[0].Grant.ID, second[0].Grant.ID)
}

func TestApproveDeny_StateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, log, _ := newTestGatekeeper(t)

	var changes []capability.Name
	g.Subscribe(ChangeListenerFunc(func(_ string, n capability.Name) { changes = append(changes, n) }))

	decisions, err := g.RequestGrants(ctx, "acme/a", []capability.Capability{
		capability.MustParse("fs:write(path=/tmp/**)"),
		capability.MustParse("network:listen(port=8080)"),
	}, nil)
	require.NoError(t, err)

	grant, err := g.Approve(ctx, decisions[0].RequestID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", grant.GrantedBy)
	assert.Equal(t, capability.GrantActive, grant.Status)
	assert.Equal(t, []capability.Name{"fs:write"}, changes)

	_, err = g.Approve(ctx, decisions[0].RequestID, "alice")
	assert.ErrorIs(t, err, capability.ErrRequestNotFound)
	_, err = g.Deny(ctx, decisions[0].RequestID, "alice", "changed my mind")
	assert.ErrorIs(t, err, capability.ErrRequestNotFound)

	denied, err := g.Deny(ctx, decisions[1].RequestID, "bob", "not needed")
	require.NoError(t, err)
	assert.Equal(t, capability.RequestDenied, denied.State)
	_, err = g.Approve(ctx, decisions[1].RequestID, "bob")
	assert.ErrorIs(t, err, capability.ErrRequestNotFound)

	_, err = g.Approve(ctx, "does-not-exist", "bob")
	assert.ErrorIs(t, err, capability.ErrRequestNotFound)

	pending, err := g.Pending(ctx, "acme/a")
	require.NoError(t, err)
	assert.Empty(t, pending)

	entries, _ := log.Query(ctx, audit.Filter{Kind: audit.KindGrant})
	outcomes := make([]string, 0, len(entries))
	for _, e := range entries {
		outcomes = append(outcomes, e.Outcome)
	}
	assert.Equal(t, []string{"pending-approval", "pending-approval", "approved", "denied"}, outcomes)
}

func TestGrantTwice_OneActiveOneRevoked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _, _ := newTestGatekeeper(t)
	c := capability.MustParse("network:fetch(domain=*.example.com)")

	_, err := g.Grant(ctx, "acme/a", c, "admin")
	require.NoError(t, err)
	_, err = g.Grant(ctx, "acme/a", c, "admin")
	require.NoError(t, err)

	history, err := g.History(ctx, "acme/a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	statuses := []capability.GrantStatus{history[0].Status, history[1].Status}
	assert.ElementsMatch(t, []capability.GrantStatus{capability.GrantRevoked, capability.GrantActive}, statuses)
}

func TestRevokeAndQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _, _ := newTestGatekeeper(t)
	c := capability.MustParse("storage:read(bucket=logs)")

	st, err := g.Query(ctx, "acme/a", c.Name, c.Scope)
	require.NoError(t, err)
	assert.Equal(t, QueryNone, st.State)

	_, err = g.Grant(ctx, "acme/a", c, "admin")
	require.NoError(t, err)
	st, err = g.Query(ctx, "acme/a", c.Name, c.Scope)
	require.NoError(t, err)
	assert.Equal(t, QueryActive, st.State)

	_, err = g.Revoke(ctx, "acme/a", c, "secops")
	require.NoError(t, err)
	st, err = g.Query(ctx, "acme/a", c.Name, c.Scope)
	require.NoError(t, err)
	assert.Equal(t, QueryRevoked, st.State)

	active, err := g.ActiveGrants(ctx, "acme/a", c.Name)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = g.Revoke(ctx, "acme/a", c, "secops")
	assert.True(t, errors.Is(err, capability.ErrGrantNotFound))
}

func TestExpiry_QueryWithoutSweepThenReap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _, clock := newTestGatekeeper(t)
	c := capability.MustParse("kv:write(namespace=cache)")

	_, err := g.Grant(ctx, "acme/a", c, "admin", ExpiresAt(clock.Now().Add(time.Hour)))
	require.NoError(t, err)

	active, _ := g.ActiveGrants(ctx, "acme/a", c.Name)
	assert.Len(t, active, 1)

	clock.Advance(2 * time.Hour)

	active, _ = g.ActiveGrants(ctx, "acme/a", c.Name)
	assert.Empty(t, active)
	st, _ := g.Query(ctx, "acme/a", c.Name, c.Scope)
	assert.Equal(t, QueryExpired, st.State)

	n, err := g.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, _ := g.History(ctx, "acme/a")
	assert.Equal(t, capability.GrantExpired, history[0].Status)
	st, _ = g.Query(ctx, "acme/a", c.Name, c.Scope)
	assert.Equal(t, QueryExpired, st.State)
}

func TestRevokeAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _, _ := newTestGatekeeper(t)

	for _, decl := range []string{"kv:read", "clock:read", "storage:read(bucket=a)"} {
		_, err := g.Grant(ctx, "acme/a", capability.MustParse(decl), "admin")
		require.NoError(t, err)
	}
	revoked, err := g.RevokeAll(ctx, "acme/a", "secops")
	require.NoError(t, err)
	assert.Len(t, revoked, 3)
}

type scriptedApprover struct {
	interactive bool
	decisions   map[capability.Name]bool
}

func (a scriptedApprover) IsInteractive() bool { return a.interactive }

func (a scriptedApprover) Review(_ context.Context, req capability.Request) (bool, string, error) {
	approve, ok := a.decisions[req.Capability.Name]
	if !ok {
		return false, "", errSkip
	}
	return approve, "scripted", nil
}

func TestReviewPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _, _ := newTestGatekeeper(t, WithSecurityLevel(SecurityStrict))

	_, err := g.RequestGrants(ctx, "acme/a", []capability.Capability{
		capability.MustParse("kv:read"),
		capability.MustParse("fs:read(path=/data/**)"),
		capability.MustParse("ui:notify"),
	}, nil)
	require.NoError(t, err)

	_, err = g.ReviewPending(ctx, scriptedApprover{}, "ops", "")
	assert.ErrorIs(t, err, ErrNonInteractive)

	res, err := g.ReviewPending(ctx, scriptedApprover{
		interactive: true,
		decisions:   map[capability.Name]bool{"kv:read": true, "fs:read": false},
	}, "ops", "acme/a")
	require.NoError(t, err)
	assert.Equal(t, ReviewResult{Approved: 1, Denied: 1, Deferred: 1}, res)

	pending, _ := g.Pending(ctx, "acme/a")
	require.Len(t, pending, 1)
	assert.Equal(t, capability.Name("ui:notify"), pending[0].Capability.Name)
}

var errStoreDown = errors.New("store down")

// flakyStore fails request commits or grant writes on demand.
type flakyStore struct {
	capability.GrantStore
	failUpdate    bool
	failSupersede bool
}

func (s *flakyStore) UpdateRequest(ctx context.Context, id string, fn func(*capability.Request) error) (capability.Request, error) {
	if !s.failUpdate {
		return s.GrantStore.UpdateRequest(ctx, id, fn)
	}
	_, err := s.GrantStore.UpdateRequest(ctx, id, func(r *capability.Request) error {
		if err := fn(r); err != nil {
			return err
		}
		return errStoreDown
	})
	return capability.Request{}, err
}

func (s *flakyStore) Supersede(ctx context.Context, g capability.Grant) (*capability.Grant, error) {
	if s.failSupersede {
		return nil, errStoreDown
	}
	return s.GrantStore.Supersede(ctx, g)
}

func TestApprove_StoreFailureLeavesNoGrant(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		failUpdate    bool
		failSupersede bool
	}{
		{"request commit fails", true, false},
		{"grant write fails", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := &flakyStore{GrantStore: grantstore.NewMemoryStore()}
			g, log, _ := newTestGatekeeper(t, WithStore(store), WithSecurityLevel(SecurityStrict))

			var changes []capability.Name
			g.Subscribe(ChangeListenerFunc(func(_ string, n capability.Name) { changes = append(changes, n) }))

			decisions, err := g.RequestGrants(ctx, "acme/a", []capability.Capability{capability.MustParse("kv:read")}, nil)
			require.NoError(t, err)
			requestID := decisions[0].RequestID

			store.failUpdate, store.failSupersede = tt.failUpdate, tt.failSupersede
			_, err = g.Approve(ctx, requestID, "alice")
			require.ErrorIs(t, err, errStoreDown)

			active, err := g.ActiveGrants(ctx, "acme/a", "kv:read")
			require.NoError(t, err)
			assert.Empty(t, active)
			history, err := g.History(ctx, "acme/a")
			require.NoError(t, err)
			assert.Empty(t, history)
			assert.Empty(t, changes)

			pending, err := g.Pending(ctx, "acme/a")
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, requestID, pending[0].ID)
			assert.Empty(t, pending[0].GrantID)

			entries, _ := log.Query(ctx, audit.Filter{Kind: audit.KindGrant, Outcome: "approved"})
			assert.Empty(t, entries)

			store.failUpdate, store.failSupersede = false, false
			grant, err := g.Approve(ctx, requestID, "alice")
			require.NoError(t, err)
			active, err = g.ActiveGrants(ctx, "acme/a", "kv:read")
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, grant.ID, active[0].ID)
		})
	}
}
