package lua

import (
	"context"
	"fmt"
	"math"
	"runtime/metrics"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	glua "github.com/yuin/gopher-lua"

	"github.com/reglet-dev/reglet-trust/sandbox"
)

const (
	heapAllocsMetric = "/gc/heap/allocs:bytes"
	sampleInterval   = time.Millisecond
	minMeasureStep   = 64 << 10

	// Rough per-value costs of gopher-lua objects on the Go heap.
	stringOverhead   = 16
	tableOverhead    = 64
	hashEntryBytes   = 48
	functionOverhead = 64
	numberStringLen  = 24
)

// wrapCoroutine routes coroutine.wrap through the metered resume.
const wrapCoroutine = `
local create, resume, error = coroutine.create, coroutine.resume, error
local function unpackResume(ok, ...)
  if not ok then error((...), 0) end
  return ...
end
coroutine.wrap = function(f)
  local co = create(f)
  return function(...) return unpackResume(resume(co, ...)) end
end
`

// memoryMeter bounds the bytes reachable from a Lua state. The VM polls it
// between instructions through meteredContext; a sampler goroutine marks a
// measurement due whenever the process heap has grown by step bytes, so the
// walk runs in proportion to allocation rather than per instruction.
// Allocators that can produce a large string in one call reserve their
// output before running.
type memoryMeter struct {
	state *glua.LState
	limit int64
	step  uint64

	due    atomic.Bool
	peak   atomic.Int64
	used   int64
	cancel context.CancelCauseFunc
}

func newMemoryMeter(L *glua.LState, limit int64) *memoryMeter {
	return &memoryMeter{state: L, limit: limit, step: uint64(max(limit/4, minMeasureStep))}
}

// meteredContext polls the meter each time the VM checks for cancellation.
type meteredContext struct {
	context.Context
	meter *memoryMeter
}

func (c meteredContext) Done() <-chan struct{} {
	c.meter.poll()
	return c.Context.Done()
}

// start returns the context one call into the state runs under and a stop
// function that ends sampling.
func (m *memoryMeter) start(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	m.cancel = cancel

	var wg sync.WaitGroup
	wg.Go(func() { m.sample(ctx) })
	return meteredContext{Context: ctx, meter: m}, func() {
		cancel(nil)
		wg.Wait()
	}
}

func (m *memoryMeter) sample(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	s := []metrics.Sample{{Name: heapAllocsMetric}}
	read := func() (uint64, bool) {
		metrics.Read(s)
		if s[0].Value.Kind() != metrics.KindUint64 {
			return 0, false
		}
		return s[0].Value.Uint64(), true
	}
	last, _ := read()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now, ok := read()
		if !ok || now-last >= m.step {
			m.due.Store(true)
			last = now
		}
	}
}

func (m *memoryMeter) poll() {
	if !m.due.CompareAndSwap(true, false) {
		return
	}
	if used := m.measure(); used > m.limit {
		m.cancel(m.exceeded(used))
	}
}

// reserve raises a memory error in L unless n more bytes fit under the
// limit.
func (m *memoryMeter) reserve(L *glua.LState, n int64) {
	if n <= m.limit-m.used {
		return
	}
	if n <= m.limit {
		if used := m.measure(); n <= m.limit-used {
			return
		}
	}
	total := m.used + n
	if total < m.used {
		total = math.MaxInt64
	}
	m.raise(L, total)
}

func (m *memoryMeter) raise(L *glua.LState, used int64) {
	err := m.exceeded(used)
	if m.cancel != nil {
		m.cancel(err)
	}
	L.RaiseError("%s", err.Error())
}

func (m *memoryMeter) exceeded(used int64) error {
	return fmt.Errorf("%w: lua state needs %d bytes, limit %d", sandbox.ErrMemoryLimit, used, m.limit)
}

// measure walks everything reachable from the state and records the
// estimate. The walk stops once the limit is passed.
func (m *memoryMeter) measure() int64 {
	L := m.state
	w := &walker{limit: m.limit, seen: make(map[any]struct{})}
	w.push(L.G.Global, L.G.Registry, L.Env)
	w.thread(L)
	if cur := L.G.CurrentThread; cur != nil && cur != L {
		w.push(cur)
	}
	used := w.run()

	m.used = used
	for {
		peak := m.peak.Load()
		if used <= peak || m.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	return used
}

// Bytes returns the largest estimate seen so far.
func (m *memoryMeter) Bytes() int64 { return m.peak.Load() }

type stringKey struct {
	data *byte
	n    int
}

type walker struct {
	limit int64
	total int64
	seen  map[any]struct{}
	queue []glua.LValue
}

func (w *walker) push(vs ...glua.LValue) {
	for _, v := range vs {
		if v != nil && v != glua.LNil {
			w.queue = append(w.queue, v)
		}
	}
}

func (w *walker) mark(key any) bool {
	if _, ok := w.seen[key]; ok {
		return false
	}
	w.seen[key] = struct{}{}
	return true
}

func (w *walker) run() int64 {
	for len(w.queue) > 0 && w.total <= w.limit {
		v := w.queue[len(w.queue)-1]
		w.queue = w.queue[:len(w.queue)-1]
		w.visit(v)
	}
	return w.total
}

func (w *walker) visit(v glua.LValue) {
	switch x := v.(type) {
	case glua.LString:
		s := string(x)
		if len(s) > 0 && w.mark(stringKey{unsafe.StringData(s), len(s)}) {
			w.total += int64(len(s)) + stringOverhead
		}
	case *glua.LTable:
		if !w.mark(x) {
			return
		}
		w.total += tableOverhead
		x.ForEach(func(k, v glua.LValue) {
			if w.total > w.limit {
				return
			}
			w.total += hashEntryBytes
			w.push(k, v)
		})
		w.push(x.Metatable)
	case *glua.LFunction:
		if !w.mark(x) {
			return
		}
		w.total += functionOverhead
		if x.Env != nil {
			w.push(x.Env)
		}
		for _, uv := range x.Upvalues {
			w.push(uv.Value())
		}
	case *glua.LUserData:
		if !w.mark(x) {
			return
		}
		w.total += functionOverhead
		if x.Env != nil {
			w.push(x.Env)
		}
		w.push(x.Metatable)
	case *glua.LState:
		if w.mark(x) {
			w.thread(x)
		}
	}
}

// thread queues the locals, temporaries and functions of every active
// frame of L.
func (w *walker) thread(L *glua.LState) {
	for level := 0; level <= callStackSize; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			return
		}
		for n := 1; ; n++ {
			name, v := L.GetLocal(dbg, n)
			if name == "" {
				break
			}
			w.push(v)
		}
		if fn, err := L.GetInfo("f", dbg, glua.LNil); err == nil {
			w.push(fn)
		}
	}
}

// install replaces the library functions that can allocate far more than
// their inputs in a single call with versions that reserve first.
func (m *memoryMeter) install(L *glua.LState) error {
	str, _ := L.GetGlobal(glua.StringLibName).(*glua.LTable)
	tbl, _ := L.GetGlobal(glua.TabLibName).(*glua.LTable)
	co, _ := L.GetGlobal(glua.CoroutineLibName).(*glua.LTable)
	if str == nil || tbl == nil || co == nil {
		return fmt.Errorf("lua: standard libraries not loaded")
	}
	guard := func(mod *glua.LTable, name string, wrap func(glua.LGFunction) glua.LGFunction) {
		if orig, ok := mod.RawGetString(name).(*glua.LFunction); ok && orig.IsG {
			mod.RawSetString(name, L.NewFunction(wrap(orig.GFunction)))
		}
	}
	guard(str, "rep", m.rep)
	guard(str, "gsub", m.gsub)
	guard(tbl, "concat", m.concat)
	guard(co, "resume", m.resume)
	return L.DoString(wrapCoroutine)
}

func (m *memoryMeter) rep(orig glua.LGFunction) glua.LGFunction {
	return func(L *glua.LState) int {
		s, n := L.CheckString(1), L.CheckInt(2)
		if n > 0 && len(s) > 0 {
			need := int64(math.MaxInt64)
			if int64(n) <= math.MaxInt64/int64(len(s)) {
				need = int64(n) * int64(len(s))
			}
			m.reserve(L, need)
		}
		return orig(L)
	}
}

func (m *memoryMeter) concat(orig glua.LGFunction) glua.LGFunction {
	return func(L *glua.LState) int {
		t := L.CheckTable(1)
		sep := int64(len(L.OptString(2, "")))
		size := t.Len()
		i, j := max(L.OptInt(3, 1), 1), min(L.OptInt(4, size), size)
		var need int64
		for k := i; k <= j && need <= m.limit; k++ {
			need += valueLen(t.RawGetInt(k))
			if k != j {
				need += sep
			}
		}
		m.reserve(L, need)
		return orig(L)
	}
}

// gsub bounds the output before matching. Captures never overlap, so the
// capture references in a string replacement add at most len(s) each.
func (m *memoryMeter) gsub(orig glua.LGFunction) glua.LGFunction {
	return func(L *glua.LState) int {
		s := int64(len(L.CheckString(1)))
		matches := s + 1
		if n := L.OptInt(4, -1); n >= 0 {
			matches = min(matches, int64(n))
		}
		var per, refs int64
		switch r := L.Get(3).(type) {
		case glua.LString:
			per = int64(len(r))
			refs = int64(captureRefs(string(r)))
		case *glua.LTable:
			r.ForEach(func(_, v glua.LValue) { per = max(per, valueLen(v)) })
		case *glua.LFunction:
			L.Replace(3, L.NewFunction(m.replacer(r, s)))
			return orig(L)
		}
		m.reserve(L, s*(1+refs)+matches*(per+refs*numberStringLen))
		return orig(L)
	}
}

// replacer calls fn for each match and reserves the running output size.
func (m *memoryMeter) replacer(fn *glua.LFunction, base int64) glua.LGFunction {
	total := base
	return func(L *glua.LState) int {
		nargs := L.GetTop()
		L.Insert(fn, 1)
		L.Call(nargs, 1)
		total += valueLen(L.Get(-1))
		m.reserve(L, total)
		return 1
	}
}

func (m *memoryMeter) resume(orig glua.LGFunction) glua.LGFunction {
	return func(L *glua.LState) int {
		if th, ok := L.Get(1).(*glua.LState); ok {
			if ctx := L.Context(); ctx != nil {
				th.SetContext(ctx)
			}
		}
		return orig(L)
	}
}

func valueLen(v glua.LValue) int64 {
	switch x := v.(type) {
	case glua.LString:
		return int64(len(x))
	case glua.LNumber:
		return numberStringLen
	}
	return 0
}

// captureRefs counts %0-%9 references in a gsub replacement.
func captureRefs(repl string) int {
	n := 0
	for i := strings.IndexByte(repl, '%'); i >= 0 && i+1 < len(repl); {
		if c := repl[i+1]; c >= '0' && c <= '9' {
			n++
		}
		next := strings.IndexByte(repl[i+2:], '%')
		if next < 0 {
			break
		}
		i += 2 + next
	}
	return n
}
