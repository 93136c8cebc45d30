package lua

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/raniellyferreira/redis-runtime/protocol"
)

// Dispatcher runs one store command on behalf of a script and returns its
// reply. Error replies are returned as protocol values, not Go errors.
type Dispatcher func(ctx context.Context, name string, args [][]byte) protocol.Value

// ErrNoScript is returned by EvalSHA for an unknown digest
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL.")

// Engine provides Redis-compatible Lua script execution
type Engine struct {
	dispatch Dispatcher
	scripts  sync.Map // SHA1 hex -> script source
}

// NewEngine creates a new Lua execution engine that runs redis.call
// through dispatch
func NewEngine(dispatch Dispatcher) *Engine {
	return &Engine{dispatch: dispatch}
}

// Eval executes a script with the given keys and arguments and converts
// its return value to a reply. The script is cached as a side effect.
func (e *Engine) Eval(ctx context.Context, script string, keys, args []string) (protocol.Value, error) {
	e.LoadScript(script)

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	e.setupRedisAPI(ctx, L, keys, args)

	if err := L.DoString(script); err != nil {
		return protocol.Value{}, fmt.Errorf("ERR Error running script: %s", scriptError(err))
	}
	if L.GetTop() == 0 {
		return protocol.Value{Type: protocol.TypeBulkString, IsNull: true}, nil
	}
	return toReply(L.Get(-1)), nil
}

// EvalSHA executes a previously loaded script by its SHA1 digest
func (e *Engine) EvalSHA(ctx context.Context, digest string, keys, args []string) (protocol.Value, error) {
	script, ok := e.scripts.Load(strings.ToLower(digest))
	if !ok {
		return protocol.Value{}, ErrNoScript
	}
	return e.Eval(ctx, script.(string), keys, args)
}

// LoadScript caches a script and returns its SHA1 digest
func (e *Engine) LoadScript(script string) string {
	sum := sha1.Sum([]byte(script))
	digest := hex.EncodeToString(sum[:])
	e.scripts.Store(digest, script)
	return digest
}

// Script returns the cached source for digest
func (e *Engine) Script(digest string) (string, bool) {
	script, ok := e.scripts.Load(strings.ToLower(digest))
	if !ok {
		return "", false
	}
	return script.(string), true
}

// ScriptExists checks if scripts with the given digests are cached
func (e *Engine) ScriptExists(digests []string) []bool {
	results := make([]bool, len(digests))
	for i, d := range digests {
		_, results[i] = e.scripts.Load(strings.ToLower(d))
	}
	return results
}

// ScriptFlush removes all cached scripts
func (e *Engine) ScriptFlush() {
	e.scripts.Range(func(key, _ any) bool {
		e.scripts.Delete(key)
		return true
	})
}

func scriptError(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Object.String()
	}
	return err.Error()
}

// setupRedisAPI installs KEYS, ARGV and the redis table
func (e *Engine) setupRedisAPI(ctx context.Context, L *lua.LState, keys, args []string) {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call": func(L *lua.LState) int {
			reply, err := e.call(ctx, L)
			if err == nil && reply.IsError() {
				err = reply.Err()
			}
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(toLua(L, reply))
			return 1
		},
		"pcall": func(L *lua.LState) int {
			reply, err := e.call(ctx, L)
			if err != nil {
				reply = protocol.Value{Type: protocol.TypeError, Data: []byte(err.Error())}
			}
			L.Push(toLua(L, reply))
			return 1
		},
		"status_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("ok", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
		"error_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("err", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
	})
	L.SetGlobal("redis", redisTable)
}

// call reads the command from the Lua stack and dispatches it
func (e *Engine) call(ctx context.Context, L *lua.LState) (protocol.Value, error) {
	argc := L.GetTop()
	if argc == 0 {
		return protocol.Value{}, errors.New("ERR Please specify at least one argument for this redis lib call")
	}

	name := strings.ToUpper(L.ToString(1))
	switch name {
	case "EVAL", "EVALSHA", "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE", "SCRIPT":
		return protocol.Value{}, fmt.Errorf("ERR This Redis command is not allowed from script: %s", name)
	}

	args := make([][]byte, argc-1)
	for i := 2; i <= argc; i++ {
		v := L.Get(i)
		switch v.Type() {
		case lua.LTString, lua.LTNumber:
			args[i-2] = []byte(v.String())
		default:
			return protocol.Value{}, errors.New("ERR Lua redis lib command arguments must be strings or integers")
		}
	}
	return e.dispatch(ctx, name, args), nil
}

// toLua converts a reply to its Lua form: bulk strings become strings,
// nil becomes false, status replies become {ok=...} and errors {err=...}.
func toLua(L *lua.LState, v protocol.Value) lua.LValue {
	switch v.Type {
	case protocol.TypeSimpleString:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(v.Data))
		return t
	case protocol.TypeError:
		t := L.NewTable()
		t.RawSetString("err", lua.LString(v.Data))
		return t
	case protocol.TypeInteger:
		return lua.LNumber(v.Integer)
	case protocol.TypeBulkString:
		if v.IsNull {
			return lua.LFalse
		}
		return lua.LString(v.Data)
	case protocol.TypeArray:
		if v.IsNull {
			return lua.LFalse
		}
		t := L.NewTable()
		for i, item := range v.Array {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// toReply converts a script return value: numbers are truncated to
// integers, true becomes 1, false and nil become a nil bulk string, and
// tables become arrays up to the first nil.
func toReply(lv lua.LValue) protocol.Value {
	switch v := lv.(type) {
	case lua.LString:
		return protocol.Value{Type: protocol.TypeBulkString, Data: []byte(v)}
	case lua.LNumber:
		return protocol.Value{Type: protocol.TypeInteger, Integer: int64(v)}
	case lua.LBool:
		if v {
			return protocol.Value{Type: protocol.TypeInteger, Integer: 1}
		}
		return protocol.Value{Type: protocol.TypeBulkString, IsNull: true}
	case *lua.LTable:
		if ok := v.RawGetString("ok"); ok.Type() == lua.LTString {
			return protocol.Value{Type: protocol.TypeSimpleString, Data: []byte(ok.String())}
		}
		if e := v.RawGetString("err"); e.Type() == lua.LTString {
			return protocol.Value{Type: protocol.TypeError, Data: []byte(e.String())}
		}
		var items []protocol.Value
		for i := 1; ; i++ {
			item := v.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			items = append(items, toReply(item))
		}
		return protocol.Value{Type: protocol.TypeArray, Array: items}
	default:
		return protocol.Value{Type: protocol.TypeBulkString, IsNull: true}
	}
}
