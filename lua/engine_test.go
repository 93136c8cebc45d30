package lua

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-runtime/protocol"
)

// mapDispatcher serves GET/SET/DEL/INCR from a map
func mapDispatcher(data map[string]string) Dispatcher {
	return func(_ context.Context, name string, args [][]byte) protocol.Value {
		switch name {
		case "GET":
			v, ok := data[string(args[0])]
			if !ok {
				return protocol.Value{Type: protocol.TypeBulkString, IsNull: true}
			}
			return protocol.Value{Type: protocol.TypeBulkString, Data: []byte(v)}
		case "SET":
			data[string(args[0])] = string(args[1])
			return protocol.Value{Type: protocol.TypeSimpleString, Data: []byte("OK")}
		case "DEL":
			var n int64
			for _, k := range args {
				if _, ok := data[string(k)]; ok {
					delete(data, string(k))
					n++
				}
			}
			return protocol.Value{Type: protocol.TypeInteger, Integer: n}
		case "KEYS":
			var items []protocol.Value
			for k := range data {
				items = append(items, protocol.Value{Type: protocol.TypeBulkString, Data: []byte(k)})
			}
			return protocol.Value{Type: protocol.TypeArray, Array: items}
		default:
			return protocol.Value{Type: protocol.TypeError, Data: []byte("ERR unknown command '" + strings.ToLower(name) + "'")}
		}
	}
}

func TestLuaEngine_BasicExecution(t *testing.T) {
	engine := NewEngine(mapDispatcher(map[string]string{}))

	tests := []struct {
		name     string
		script   string
		keys     []string
		args     []string
		expected protocol.Value
	}{
		{
			name:     "simple return",
			script:   "return 'hello'",
			expected: protocol.Value{Type: protocol.TypeBulkString, Data: []byte("hello")},
		},
		{
			name:     "number is truncated",
			script:   "return 42.9",
			expected: protocol.Value{Type: protocol.TypeInteger, Integer: 42},
		},
		{
			name:     "concatenate KEYS and ARGV",
			script:   "return KEYS[1] .. ':' .. ARGV[1]",
			keys:     []string{"user"},
			args:     []string{"123"},
			expected: protocol.Value{Type: protocol.TypeBulkString, Data: []byte("user:123")},
		},
		{
			name:     "true is one",
			script:   "return true",
			expected: protocol.Value{Type: protocol.TypeInteger, Integer: 1},
		},
		{
			name:     "false is nil",
			script:   "return false",
			expected: protocol.Value{Type: protocol.TypeBulkString, IsNull: true},
		},
		{
			name:     "no return is nil",
			script:   "local x = 1",
			expected: protocol.Value{Type: protocol.TypeBulkString, IsNull: true},
		},
		{
			name:     "status reply",
			script:   "return redis.status_reply('PONG')",
			expected: protocol.Value{Type: protocol.TypeSimpleString, Data: []byte("PONG")},
		},
		{
			name:     "error reply",
			script:   "return redis.error_reply('ERR custom')",
			expected: protocol.Value{Type: protocol.TypeError, Data: []byte("ERR custom")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Eval(context.Background(), tt.script, tt.keys, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.expected.Type, result.Type)
			assert.Equal(t, string(tt.expected.Data), string(result.Data))
			assert.Equal(t, tt.expected.Integer, result.Integer)
			assert.Equal(t, tt.expected.IsNull, result.IsNull)
		})
	}
}

func TestLuaEngine_RedisCommands(t *testing.T) {
	data := map[string]string{}
	engine := NewEngine(mapDispatcher(data))
	ctx := context.Background()

	_, err := engine.Eval(ctx, "return redis.call('SET', KEYS[1], ARGV[1])", []string{"k"}, []string{"v"})
	require.NoError(t, err)
	assert.Equal(t, "v", data["k"])

	result, err := engine.Eval(ctx, "return redis.call('get', KEYS[1])", []string{"k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "v", string(result.Data))

	result, err = engine.Eval(ctx, "if redis.call('GET', 'missing') == false then return 'nil' end return 'value'", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "nil", string(result.Data))

	result, err = engine.Eval(ctx, "return redis.call('DEL', KEYS[1], KEYS[2])", []string{"k", "other"}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Integer)

	data["a"] = "1"
	result, err = engine.Eval(ctx, "return redis.call('KEYS', '*')", nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeArray, result.Type)
	assert.Equal(t, []string{"a"}, result.Strings())
}

func TestLuaEngine_RedisPCall(t *testing.T) {
	engine := NewEngine(mapDispatcher(map[string]string{}))
	ctx := context.Background()

	result, err := engine.Eval(ctx, "local r = redis.pcall('BOGUS') return r.err", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, string(result.Data), "unknown command")

	_, err = engine.Eval(ctx, "return redis.call('BOGUS')", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR Error running script")
	assert.Contains(t, err.Error(), "unknown command")

	_, err = engine.Eval(ctx, "return redis.call('EVAL', 'return 1', 0)", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed from script")
}

func TestLuaEngine_ScriptCaching(t *testing.T) {
	engine := NewEngine(mapDispatcher(map[string]string{}))
	ctx := context.Background()

	script := "return 'cached'"
	digest := engine.LoadScript(script)
	assert.Len(t, digest, 40)

	result, err := engine.EvalSHA(ctx, strings.ToUpper(digest), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(result.Data))

	_, err = engine.EvalSHA(ctx, "0000000000000000000000000000000000000000", nil, nil)
	assert.ErrorIs(t, err, ErrNoScript)

	assert.Equal(t, []bool{true, false}, engine.ScriptExists([]string{digest, "nope"}))
	engine.ScriptFlush()
	assert.Equal(t, []bool{false}, engine.ScriptExists([]string{digest}))
}

func TestLuaEngine_Script(t *testing.T) {
	engine := NewEngine(mapDispatcher(map[string]string{}))
	digest := engine.LoadScript("return 2")

	src, ok := engine.Script(strings.ToUpper(digest))
	require.True(t, ok)
	assert.Equal(t, "return 2", src)

	_, ok = engine.Script("missing")
	assert.False(t, ok)
}

func TestLuaEngine_EvalCachesScript(t *testing.T) {
	engine := NewEngine(mapDispatcher(map[string]string{}))
	script := "return 1"
	_, err := engine.Eval(context.Background(), script, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, engine.ScriptExists([]string{engine.LoadScript(script)}))
}

func TestLuaEngine_Sandbox(t *testing.T) {
	engine := NewEngine(mapDispatcher(map[string]string{}))
	_, err := engine.Eval(context.Background(), "return os.time()", nil, nil)
	assert.Error(t, err)

	result, err := engine.Eval(context.Background(), "return string.upper(table.concat({'a','b'}))", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(result.Data))
}

func TestLuaEngine_SyntaxError(t *testing.T) {
	engine := NewEngine(mapDispatcher(map[string]string{}))
	_, err := engine.Eval(context.Background(), "return (", nil, nil)
	assert.Error(t, err)
}
