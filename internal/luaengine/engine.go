package luaengine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrLuaTimeout is returned when a script exceeds its execution time limit.
	ErrLuaTimeout = errors.New("lua script exceeded execution time limit")
	// ErrRejected wraps every policy violation raised by a script.
	ErrRejected = errors.New("rejected by lua policy")
)

// DefaultTimeout is the default execution time limit per evaluation.
const DefaultTimeout = 250 * time.Millisecond

// Policy holds a compiled script. The prototype is immutable, so one Policy
// serves concurrent evaluations; each evaluation gets its own LState.
type Policy struct {
	proto   *lua.FunctionProto
	timeout time.Duration
}

// Compile parses and compiles script. A non-positive timeout selects DefaultTimeout.
func Compile(script string, timeout time.Duration) (*Policy, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	fn, err := L.LoadString(script)
	if err != nil {
		return nil, fmt.Errorf("lua compile error: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Policy{proto: fn.Proto, timeout: timeout}, nil
}

// Evaluate runs the policy against the claims of an active token.
// It returns nil when the script completes without rejecting.
func (p *Policy) Evaluate(ctx context.Context, claims map[string]any) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	L.SetContext(ctx)

	openSafeLibs(L)
	L.SetGlobal("claims", mapToLTable(L, claims))

	var policyErr error
	fail := func(L *lua.LState, format string, args ...any) {
		policyErr = fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
		L.RaiseError("%s", policyErr.Error())
	}
	scopes := strings.Fields(stringClaim(claims, "scope"))

	L.SetGlobal("has", L.NewFunction(func(L *lua.LState) int {
		_, ok := claims[L.CheckString(1)]
		L.Push(lua.LBool(ok))
		return 1
	}))

	L.SetGlobal("get", L.NewFunction(func(L *lua.LState) int {
		val, ok := claims[L.CheckString(1)]
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(goToLua(L, val))
		return 1
	}))

	L.SetGlobal("has_scope", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(slices.Contains(scopes, L.CheckString(1))))
		return 1
	}))

	L.SetGlobal("require_scope", L.NewFunction(func(L *lua.LState) int {
		scope := L.CheckString(1)
		if !slices.Contains(scopes, scope) {
			fail(L, "scope %s not granted", scope)
		}
		return 0
	}))

	L.SetGlobal("require_claim", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if _, ok := claims[key]; !ok {
			fail(L, "required claim missing: %s", key)
		}
		return 0
	}))

	L.SetGlobal("require_value", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		val, ok := claims[key]
		if !ok {
			fail(L, "claim %s missing for value check", key)
			return 0
		}
		if !luaValuesMatch(val, L.Get(2)) {
			fail(L, "claim %s value mismatch", key)
		}
		return 0
	}))

	L.SetGlobal("require_one_of", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		tbl := L.CheckTable(2)
		val, ok := claims[key]
		if !ok {
			fail(L, "claim %s missing for one_of check", key)
			return 0
		}
		found := false
		tbl.ForEach(func(_ lua.LValue, v lua.LValue) {
			if luaValuesMatch(val, v) {
				found = true
			}
		})
		if !found {
			fail(L, "claim %s value not in allowed set", key)
		}
		return 0
	}))

	L.SetGlobal("reject", L.NewFunction(func(L *lua.LState) int {
		fail(L, "%s", L.OptString(1, "rejected"))
		return 0
	}))

	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrLuaTimeout
		}
		if policyErr != nil {
			return policyErr
		}
		return fmt.Errorf("lua policy error: %w", err)
	}
	return policyErr
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

// openSafeLibs opens only safe standard libraries.
func openSafeLibs(L *lua.LState) {
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}
	// Remove base functions that could escape the sandbox.
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
}

func mapToLTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		tbl.RawSetString(k, goToLua(L, v))
	}
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case map[string]any:
		return mapToLTable(L, val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	case nil:
		return lua.LNil
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaValuesMatch checks if a Go claim value matches a Lua expected value.
func luaValuesMatch(goVal any, luaVal lua.LValue) bool {
	switch lv := luaVal.(type) {
	case lua.LString:
		if s, ok := goVal.(string); ok {
			return s == string(lv)
		}
	case lua.LNumber:
		switch gv := goVal.(type) {
		case float64:
			return gv == float64(lv)
		case int:
			return float64(gv) == float64(lv)
		case int64:
			return float64(gv) == float64(lv)
		}
	case *lua.LNilType:
		return goVal == nil
	case lua.LBool:
		if b, ok := goVal.(bool); ok {
			return b == bool(lv)
		}
	}
	return false
}
