package sandbox_test

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
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/values"
	"github.com/reglet-dev/reglet-trust/policy"
	"github.com/reglet-dev/reglet-trust/sandbox"
	"github.com/reglet-dev/reglet-trust/sandbox/lua"
)

// gatewayFunc decides and serves calls in tests.
type gatewayFunc func(ctx context.Context, call capability.Call) (any, error)

func (f gatewayFunc) Invoke(ctx context.Context, call capability.Call) (any, error) { return f(ctx, call) }

// allowLogOnly allows log:write and denies everything else.
var allowLogOnly = gatewayFunc(func(_ context.Context, call capability.Call) (any, error) {
	if call.Capability == "log:write" {
		return true, nil
	}
	return nil, policy.Deny(policy.Decision{
		PluginID:   call.PluginID,
		Capability: call.Capability,
		Scope:      call.Scope,
		Reason:     policy.ReasonScopeViolation,
	})
})

func luaManifest(t *testing.T, id string, res entities.ResourceRequest, entry ...string) *entities.PluginManifest {
	t.Helper()
	ident, err := values.NewPluginIdentity(values.MustNewPluginID(id), values.MustNewVersion("1.0.0"), "key-1")
	require.NoError(t, err)
	if len(entry) == 0 {
		entry = []string{"run"}
	}
	return entities.NewPluginManifest(entities.ManifestSpec{
		Identity:    ident,
		Resources:   res,
		EntryPoints: entry,
		Runtime:     entities.RuntimeLua,
		Main:        "main.lua",
	})
}

func newRuntime(t *testing.T, opts ...sandbox.Option) *sandbox.Runtime {
	t.Helper()
	opts = append([]sandbox.Option{sandbox.WithEngine(lua.New()), sandbox.WithGracePeriod(time.Second)}, opts...)
	rt := sandbox.NewRuntime(allowLogOnly, opts...)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func start(t *testing.T, rt *sandbox.Runtime, m *entities.PluginManifest, src string) *sandbox.SandboxContext {
	t.Helper()
	sc, err := rt.Instantiate(context.Background(), m, map[string][]byte{"main.lua": []byte(src)}, nil)
	require.NoError(t, err)
	return sc
}

func TestInstantiate(t *testing.T) {
	t.Parallel()
	log := audit.NewMemoryLog()
	rt := newRuntime(t, sandbox.WithAuditLog(log))

	m := luaManifest(t, "acme/echo", entities.ResourceRequest{MaxMemoryBytes: 1 << 20, MaxCPUPerInvoke: time.Second, MaxCallsPerSecond: 10})
	sc := start(t, rt, m, "function run() return 1 end")

	assert.Equal(t, sandbox.StateRunning, sc.State())
	info := sc.Info()
	assert.Equal(t, "acme/echo", info.PluginID)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, int64(1<<20), info.Limits.MaxMemoryBytes)
	assert.Equal(t, 4*time.Second, info.Limits.MaxWallPerInvoke)

	got, ok := rt.Get(sc.ID())
	require.True(t, ok)
	assert.Same(t, sc, got)
	assert.Len(t, rt.List(), 1)

	entries, err := log.Query(context.Background(), audit.Filter{Kind: audit.KindSandbox})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "started", entries[0].Outcome)
}

func TestInstantiate_Errors(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)

	t.Run("syntax error", func(t *testing.T) {
		_, err := rt.Instantiate(context.Background(), luaManifest(t, "acme/bad", entities.ResourceRequest{}),
			map[string][]byte{"main.lua": []byte("function run(")}, nil)
		require.ErrorIs(t, err, sandbox.ErrFault)
	})

	t.Run("missing main", func(t *testing.T) {
		_, err := rt.Instantiate(context.Background(), luaManifest(t, "acme/bad", entities.ResourceRequest{}), nil, nil)
		require.ErrorIs(t, err, sandbox.ErrFault)
	})

	t.Run("no engine", func(t *testing.T) {
		ident, err := values.NewPluginIdentity(values.MustNewPluginID("acme/w"), values.MustNewVersion("1.0.0"), "k")
		require.NoError(t, err)
		m := entities.NewPluginManifest(entities.ManifestSpec{Identity: ident, Runtime: entities.RuntimeWASM, Main: "p.wasm", EntryPoints: []string{"run"}})
		_, err = rt.Instantiate(context.Background(), m, nil, nil)
		require.ErrorIs(t, err, sandbox.ErrNoEngine)
	})

	t.Run("policy tightening", func(t *testing.T) {
		m := luaManifest(t, "acme/tight", entities.ResourceRequest{MaxMemoryBytes: 1 << 30, MaxCPUPerInvoke: time.Second})
		sc, err := rt.Instantiate(context.Background(), m, map[string][]byte{"main.lua": []byte("x = 1")}, nil,
			sandbox.TightenLimits(sandbox.Limits{MaxMemoryBytes: 1 << 20}))
		require.NoError(t, err)
		assert.Equal(t, int64(1<<20), sc.Limits().MaxMemoryBytes)
		assert.Equal(t, time.Second, sc.Limits().MaxCPUPerInvoke)
	})
}

func TestInvoke_ReturnsValue(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)
	sc := start(t, rt, luaManifest(t, "acme/double", entities.ResourceRequest{MaxCPUPerInvoke: time.Second}),
		"function run(args) return { doubled = args.x * 2, tags = { 'a', 'b' } } end")

	res, err := rt.Invoke(context.Background(), sc.ID(), "run", map[string]any{"x": 21})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"doubled": int64(42), "tags": []any{"a", "b"}}, res.Value)
	assert.Equal(t, 1, sc.Usage().Invocations)
}

func TestInvoke_UndeclaredEntryPoint(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)
	sc := start(t, rt, luaManifest(t, "acme/e", entities.ResourceRequest{}, "run", "other"),
		"function run() return 1 end")

	_, err := rt.Invoke(context.Background(), sc.ID(), "secret", nil)
	require.ErrorIs(t, err, sandbox.ErrUnknownEntryPoint)

	_, err = rt.Invoke(context.Background(), sc.ID(), "other", nil)
	require.ErrorIs(t, err, sandbox.ErrUnknownEntryPoint)
	assert.Equal(t, sandbox.StateRunning, sc.State())
}

func TestInvoke_DenialIsCapabilityErrorValue(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)
	sc := start(t, rt, luaManifest(t, "acme/net", entities.ResourceRequest{MaxCPUPerInvoke: time.Second}), `
function run()
  local ok = host.call("log:write", { msg = "starting" })
  local v, err, code = host.call("network:fetch(domain=evil.com)", { url = "https://evil.com" })
  if v == nil then
    return { logged = ok, code = code, err = err }
  end
  return "allowed"
end
`)

	res, err := rt.Invoke(context.Background(), sc.ID(), "run", nil)
	require.NoError(t, err)
	out, ok := res.Value.(map[string]any)
	require.True(t, ok, "%#v", res.Value)
	assert.Equal(t, true, out["logged"])
	assert.Equal(t, "ScopeViolation", out["code"])
	assert.Contains(t, out["err"], "capability denied")

	assert.Equal(t, sandbox.StateRunning, sc.State())
	u := sc.Usage()
	assert.Equal(t, 1, u.Denials)
	assert.Equal(t, 1, u.Calls["network:fetch"])
	assert.Equal(t, 1, u.Calls["log:write"])
}

func TestInvoke_NoAmbientAccess(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)
	sc := start(t, rt, luaManifest(t, "acme/probe", entities.ResourceRequest{MaxCPUPerInvoke: time.Second}), `
function run()
  return { io = type(io), os = type(os), require = type(require), load = type(loadstring), debug = type(debug) }
end
`)
	res, err := rt.Invoke(context.Background(), sc.ID(), "run", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"io": "nil", "os": "nil", "require": "nil", "load": "nil", "debug": "nil"}, res.Value)
}

func TestInvoke_CPULimitTerminatesOnlyOffender(t *testing.T) {
	t.Parallel()
	log := audit.NewMemoryLog()
	rt := newRuntime(t, sandbox.WithAuditLog(log))

	hog := start(t, rt, luaManifest(t, "acme/hog", entities.ResourceRequest{MaxCPUPerInvoke: 100 * time.Millisecond}),
		"function run() while true do end end")
	good := start(t, rt, luaManifest(t, "acme/good", entities.ResourceRequest{MaxCPUPerInvoke: time.Second}),
		"n = 0\nfunction run() n = n + 1 return n end")

	var wg sync.WaitGroup
	var hogErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, hogErr = rt.Invoke(context.Background(), hog.ID(), "run", nil)
	}()

	for i := 1; i <= 20; i++ {
		res, err := rt.Invoke(context.Background(), good.ID(), "run", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Value)
	}
	wg.Wait()

	require.ErrorIs(t, hogErr, sandbox.ErrResourceExceeded)
	var rex *sandbox.ResourceExceededError
	require.ErrorAs(t, hogErr, &rex)
	assert.Contains(t, []sandbox.Resource{sandbox.ResourceCPU, sandbox.ResourceWall}, rex.Resource)

	assert.Equal(t, sandbox.StateTerminated, hog.State())
	assert.NotEmpty(t, hog.Fault())
	assert.Equal(t, sandbox.StateRunning, good.State())

	_, err := rt.Invoke(context.Background(), hog.ID(), "run", nil)
	require.ErrorIs(t, err, sandbox.ErrContextNotFound)

	entries, err := log.Query(context.Background(), audit.Filter{Kind: audit.KindSandbox, Outcome: "resource-exceeded"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "acme/hog", entries[0].PluginID)
}

func TestInvoke_FaultIsolated(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)

	bad := start(t, rt, luaManifest(t, "acme/bad", entities.ResourceRequest{MaxCPUPerInvoke: time.Second}),
		`function run() error("boom") end`)
	good := start(t, rt, luaManifest(t, "acme/good", entities.ResourceRequest{MaxCPUPerInvoke: time.Second}),
		`function run() return "ok" end`)

	_, err := rt.Invoke(context.Background(), bad.ID(), "run", nil)
	require.ErrorIs(t, err, sandbox.ErrFault)
	assert.Equal(t, sandbox.StateTerminated, bad.State())
	assert.Contains(t, bad.Fault(), "boom")

	res, err := rt.Invoke(context.Background(), good.ID(), "run", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
}

func TestInvoke_MemoryLimit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  string
	}{
		{"string.rep", `function run() return #string.rep("x", 256 * 1024 * 1024) end`},
		{"string method", `function run() local s = "x" return #s:rep(256 * 1024 * 1024) end`},
		{"table growth", `
function run()
  local t = {}
  for i = 1, 1e7 do t[i] = string.rep("x", 100) .. i end
  return #t
end`},
		{"concatenation doubling", `
function run()
  local s = "x"
  for i = 1, 28 do s = s .. s end
  return #s
end`},
		{"table.concat", `
function run()
  local s, t = string.rep("x", 1024), {}
  for i = 1, 2048 do t[i] = s end
  return #table.concat(t)
end`},
		{"gsub expansion", `
function run()
  local s = string.rep("x", 4096)
  return #(s:gsub("x", s))
end`},
		{"coroutine", `
function run()
  local grow = coroutine.wrap(function()
    local t = {}
    for i = 1, 1e7 do t[i] = string.rep("y", 100) .. i end
  end)
  grow()
end`},
		{"error swallowed by pcall", `
function run()
  for i = 1, 3 do pcall(string.rep, "x", 256 * 1024 * 1024) end
  return "survived"
end`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rt := newRuntime(t)
			sc := start(t, rt, luaManifest(t, "acme/hungry", entities.ResourceRequest{
				MaxMemoryBytes:  1 << 20,
				MaxCPUPerInvoke: 10 * time.Second,
			}), tt.src)

			_, err := rt.Invoke(context.Background(), sc.ID(), "run", nil)
			require.ErrorIs(t, err, sandbox.ErrResourceExceeded)
			var rex *sandbox.ResourceExceededError
			require.ErrorAs(t, err, &rex)
			assert.Equal(t, sandbox.ResourceMemory, rex.Resource)
			assert.Equal(t, sandbox.StateTerminated, sc.State())
		})
	}
}

func TestInvoke_MemoryLimitAllowsWorkingSet(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)
	sc := start(t, rt, luaManifest(t, "acme/modest", entities.ResourceRequest{
		MaxMemoryBytes:  1 << 20,
		MaxCPUPerInvoke: 10 * time.Second,
	}), `
function run()
  local total = 0
  for i = 1, 10000 do
    local s = string.rep("x", 1024) .. i
    total = total + #s
  end
  return total
end`)

	for range 3 {
		res, err := rt.Invoke(context.Background(), sc.ID(), "run", nil)
		require.NoError(t, err)
		assert.Positive(t, res.Value)
	}
	assert.Equal(t, sandbox.StateRunning, sc.State())
}

func TestInvoke_CallRateExceeded(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)
	sc := start(t, rt, luaManifest(t, "acme/chatty", entities.ResourceRequest{MaxCPUPerInvoke: time.Second, MaxCallsPerSecond: 2}), `
function run()
  for i = 1, 50 do host.call("log:write", { i = i }) end
  return "done"
end
`)

	_, err := rt.Invoke(context.Background(), sc.ID(), "run", nil)
	var rex *sandbox.ResourceExceededError
	require.ErrorAs(t, err, &rex)
	assert.Equal(t, sandbox.ResourceCallRate, rex.Resource)
	assert.Equal(t, sandbox.StateTerminated, sc.State())
}

func TestTerminate(t *testing.T) {
	t.Parallel()

	t.Run("idle", func(t *testing.T) {
		t.Parallel()
		log := audit.NewMemoryLog()
		rt := newRuntime(t, sandbox.WithAuditLog(log))
		sc := start(t, rt, luaManifest(t, "acme/idle", entities.ResourceRequest{}), "function run() end")

		require.NoError(t, rt.Terminate(context.Background(), sc.ID()))
		assert.Equal(t, sandbox.StateTerminated, sc.State())
		require.ErrorIs(t, rt.Terminate(context.Background(), sc.ID()), sandbox.ErrContextNotFound)
		assert.Empty(t, rt.List())

		entries, err := log.Query(context.Background(), audit.Filter{Kind: audit.KindSandbox, Outcome: "terminated"})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()
		rt := newRuntime(t)
		sc := start(t, rt, luaManifest(t, "acme/spin", entities.ResourceRequest{}), "function run() while true do end end")

		errCh := make(chan error, 1)
		go func() {
			_, err := rt.Invoke(context.Background(), sc.ID(), "run", nil)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return sc.Usage().Invocations == 0 && sc.State() == sandbox.StateRunning }, time.Second, time.Millisecond)
		time.Sleep(50 * time.Millisecond)

		require.NoError(t, rt.Terminate(context.Background(), sc.ID()))
		select {
		case err := <-errCh:
			require.ErrorIs(t, err, sandbox.ErrTerminated)
		case <-time.After(5 * time.Second):
			t.Fatal("invocation did not stop after terminate")
		}
		assert.Equal(t, sandbox.StateTerminated, sc.State())
	})
}

func TestSuspendResume(t *testing.T) {
	t.Parallel()
	rt := newRuntime(t)
	sc := start(t, rt, luaManifest(t, "acme/pause", entities.ResourceRequest{}), "function run() return 1 end")

	require.NoError(t, rt.Suspend(context.Background(), sc.ID()))
	assert.Equal(t, sandbox.StateSuspended, sc.State())
	require.ErrorIs(t, rt.Suspend(context.Background(), sc.ID()), sandbox.ErrInvalidTransition)

	_, err := rt.Invoke(context.Background(), sc.ID(), "run", nil)
	require.ErrorIs(t, err, sandbox.ErrSuspended)

	require.NoError(t, rt.Resume(context.Background(), sc.ID()))
	_, err = rt.Invoke(context.Background(), sc.ID(), "run", nil)
	require.NoError(t, err)

	require.ErrorIs(t, rt.Resume(context.Background(), sc.ID()), sandbox.ErrInvalidTransition)
	require.ErrorIs(t, rt.Suspend(context.Background(), "missing"), sandbox.ErrContextNotFound)
}

type recordingObserver struct {
	mu           sync.Mutex
	invocations  int
	terminations []string
}

func (o *recordingObserver) ObserveInvocation(string, sandbox.InvocationUsage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invocations++
}

func (o *recordingObserver) ObserveTermination(_, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminations = append(o.terminations, reason)
}

func TestObserver(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	rt := newRuntime(t, sandbox.WithObserver(obs))
	sc := start(t, rt, luaManifest(t, "acme/obs", entities.ResourceRequest{}), `function run(a) if a then error("x") end end`)

	_, err := rt.Invoke(context.Background(), sc.ID(), "run", nil)
	require.NoError(t, err)
	_, err = rt.Invoke(context.Background(), sc.ID(), "run", map[string]any{"fail": true})
	require.Error(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.invocations)
	assert.Equal(t, []string{"fault"}, obs.terminations)
}

func TestErrorCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "NoGrant", sandbox.ErrorCode(policy.Deny(policy.Decision{Reason: policy.ReasonNoGrant})))
	assert.Equal(t, "ResourceExceeded", sandbox.ErrorCode(&sandbox.ResourceExceededError{Resource: sandbox.ResourceCallRate}))
	assert.Equal(t, "Error", sandbox.ErrorCode(errors.New("x")))
}
