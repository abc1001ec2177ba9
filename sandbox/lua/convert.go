package lua

import (
	"encoding/json"
	"math"

	glua "github.com/yuin/gopher-lua"
)

const maxDepth = 32

func toLua(L *glua.LState, v any, depth int) glua.LValue {
	if depth > maxDepth {
		return glua.LNil
	}
	switch x := v.(type) {
	case nil:
		return glua.LNil
	case bool:
		return glua.LBool(x)
	case string:
		return glua.LString(x)
	case []byte:
		return glua.LString(x)
	case int:
		return glua.LNumber(x)
	case int64:
		return glua.LNumber(x)
	case uint32:
		return glua.LNumber(x)
	case float64:
		return glua.LNumber(x)
	case json.Number:
		f, _ := x.Float64()
		return glua.LNumber(f)
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(toLua(L, e, depth+1))
		}
		return t
	case []string:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(glua.LString(e))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for k, e := range x {
			t.RawSetString(k, toLua(L, e, depth+1))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(x))
		for k, e := range x {
			t.RawSetString(k, glua.LString(e))
		}
		return t
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return glua.LNil
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return glua.LNil
		}
		return toLua(L, generic, depth+1)
	}
}

// fromLua converts a Lua value to plain Go values. Tables with keys 1..n
// become slices; other tables become maps with string keys.
func fromLua(v glua.LValue, depth int) any {
	if depth > maxDepth {
		return nil
	}
	switch x := v.(type) {
	case *glua.LNilType:
		return nil
	case glua.LBool:
		return bool(x)
	case glua.LString:
		return string(x)
	case glua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *glua.LTable:
		if n := x.Len(); n > 0 && countKeys(x) == n {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i), depth+1))
			}
			return out
		}
		out := make(map[string]any)
		x.ForEach(func(k, val glua.LValue) {
			out[k.String()] = fromLua(val, depth+1)
		})
		return out
	default:
		return v.String()
	}
}

func countKeys(t *glua.LTable) int {
	n := 0
	t.ForEach(func(glua.LValue, glua.LValue) { n++ })
	return n
}
