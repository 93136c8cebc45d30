package protocol_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-runtime/errext"
	"github.com/raniellyferreira/redis-runtime/protocol"
)

func TestRESPReader(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected protocol.Value
	}{
		{
			name:     "simple string",
			input:    "+OK\r\n",
			expected: protocol.Value{Type: protocol.TypeSimpleString, Data: []byte("OK")},
		},
		{
			name:     "error",
			input:    "-ERR unknown command\r\n",
			expected: protocol.Value{Type: protocol.TypeError, Data: []byte("ERR unknown command")},
		},
		{
			name:     "integer",
			input:    ":42\r\n",
			expected: protocol.Value{Type: protocol.TypeInteger, Integer: 42},
		},
		{
			name:     "negative integer",
			input:    ":-7\r\n",
			expected: protocol.Value{Type: protocol.TypeInteger, Integer: -7},
		},
		{
			name:     "bulk string",
			input:    "$5\r\nhello\r\n",
			expected: protocol.Value{Type: protocol.TypeBulkString, Data: []byte("hello")},
		},
		{
			name:     "null bulk string",
			input:    "$-1\r\n",
			expected: protocol.Value{Type: protocol.TypeBulkString, IsNull: true},
		},
		{
			name:     "empty bulk string",
			input:    "$0\r\n\r\n",
			expected: protocol.Value{Type: protocol.TypeBulkString, Data: []byte{}},
		},
		{
			name:     "null array",
			input:    "*-1\r\n",
			expected: protocol.Value{Type: protocol.TypeArray, IsNull: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := protocol.NewReader(strings.NewReader(tt.input))
			value, err := reader.ReadNext()
			require.NoError(t, err)

			assert.Equal(t, tt.expected.Type, value.Type)
			assert.Equal(t, string(tt.expected.Data), string(value.Data))
			assert.Equal(t, tt.expected.Integer, value.Integer)
			assert.Equal(t, tt.expected.IsNull, value.IsNull)
		})
	}
}

func TestRESPReaderErrors(t *testing.T) {
	inputs := map[string]string{
		"unknown type":     "?foo\r\n",
		"missing crlf":     "+OK\n",
		"bad integer":      ":12a\r\n",
		"short bulk":       "$5\r\nhi\r\n",
		"negative length":  "$-5\r\n",
		"bad bulk trailer": "$2\r\nhixx",
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := protocol.NewReader(strings.NewReader(input)).ReadNext()
			assert.Error(t, err)
		})
	}
}

func TestRESPArray(t *testing.T) {
	input := "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n"

	value, err := protocol.NewReader(strings.NewReader(input)).ReadNext()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeArray, value.Type)
	assert.Equal(t, []string{"SET", "key", "value"}, value.Strings())
}

func TestRESPWriter(t *testing.T) {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)

	require.NoError(t, w.WriteSimpleString("OK"))
	require.NoError(t, w.WriteError("ERR boom"))
	require.NoError(t, w.WriteInteger(12))
	require.NoError(t, w.WriteBulkString([]byte("hi")))
	require.NoError(t, w.WriteNullBulkString())
	require.NoError(t, w.WriteArray([]protocol.Value{
		{Type: protocol.TypeBulkString, Data: []byte("a")},
		{Type: protocol.TypeInteger, Integer: 1},
	}))
	assert.Zero(t, buf.Len(), "nothing is written before Flush")
	require.NoError(t, w.Flush())

	assert.Equal(t, "+OK\r\n-ERR boom\r\n:12\r\n$2\r\nhi\r\n$-1\r\n*2\r\n$1\r\na\r\n:1\r\n", buf.String())
}

func TestWriteArgsRoundTrip(t *testing.T) {
	args, err := protocol.EncodeArgs("SET", "key", []byte("v"), "EX", 60, int64(-1), true, 1.5, 3*time.Second)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	require.NoError(t, w.WriteArgs(args))
	require.NoError(t, w.Flush())

	value, err := protocol.NewReader(&buf).ReadNext()
	require.NoError(t, err)
	cmd, err := protocol.ParseCommand(value)
	require.NoError(t, err)

	assert.Equal(t, "SET", cmd.Name)
	assert.Equal(t, "key", cmd.Arg(0))
	assert.Equal(t, "60", cmd.Arg(3))
	assert.Equal(t, "-1", cmd.Arg(4))
	assert.Equal(t, "1", cmd.Arg(5))
	assert.Equal(t, "1.5", cmd.Arg(6))
	assert.Equal(t, "3", cmd.Arg(7))
	assert.Equal(t, "", cmd.Arg(8))
}

func TestEncodeArgsUnsupported(t *testing.T) {
	_, err := protocol.EncodeArgs("GET", struct{}{})
	assert.ErrorContains(t, err, "position 1")
}

func TestParseCommand(t *testing.T) {
	value := protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
		{Type: protocol.TypeBulkString, Data: []byte("get")},
		{Type: protocol.TypeBulkString, Data: []byte("k")},
	}}
	cmd, err := protocol.ParseCommand(value)
	require.NoError(t, err)
	assert.Equal(t, "GET", cmd.Name)
	assert.Equal(t, "GET k", cmd.String())

	_, err = protocol.ParseCommand(protocol.Value{Type: protocol.TypeArray})
	assert.Error(t, err)
	_, err = protocol.ParseCommand(protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
		{Type: protocol.TypeInteger, Integer: 1},
	}})
	assert.Error(t, err)
}

func TestValueHelpers(t *testing.T) {
	errValue := protocol.Value{Type: protocol.TypeError, Data: []byte("ERR nope")}
	var reply *errext.ReplyError
	require.True(t, errors.As(errValue.Err(), &reply))
	assert.Equal(t, "ERR nope", reply.Message)
	assert.True(t, errValue.IsError())

	_, err := errValue.Int()
	assert.Error(t, err)

	n, err := protocol.Value{Type: protocol.TypeBulkString, Data: []byte("17")}.Int()
	require.NoError(t, err)
	assert.EqualValues(t, 17, n)

	assert.True(t, protocol.Value{Type: protocol.TypeSimpleString, Data: []byte("OK")}.IsOK())
	assert.Nil(t, protocol.Value{Type: protocol.TypeInteger}.Err())
	assert.Equal(t, "(nil)", protocol.Value{Type: protocol.TypeBulkString, IsNull: true}.String())
	assert.Equal(t, "[a, 2]", protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
		{Type: protocol.TypeBulkString, Data: []byte("a")},
		{Type: protocol.TypeInteger, Integer: 2},
	}}.String())
}

func bulk(s string) protocol.Value {
	return protocol.Value{Type: protocol.TypeBulkString, Data: []byte(s)}
}

func TestParsePush(t *testing.T) {
	push, err := protocol.ParsePush(protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
		bulk("message"), bulk("events:a"), bulk("payload"),
	}})
	require.NoError(t, err)
	assert.Equal(t, protocol.PushMessage, push.Kind)
	assert.Equal(t, "events:a", push.Channel)
	assert.Equal(t, "payload", string(push.Payload))

	push, err = protocol.ParsePush(protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
		bulk("pmessage"), bulk("events:*"), bulk("events:b"), bulk("x"),
	}})
	require.NoError(t, err)
	assert.Equal(t, protocol.PushPMessage, push.Kind)
	assert.Equal(t, "events:*", push.Pattern)
	assert.Equal(t, "events:b", push.Channel)

	push, err = protocol.ParsePush(protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
		bulk("subscribe"), bulk("events:a"), {Type: protocol.TypeInteger, Integer: 2},
	}})
	require.NoError(t, err)
	assert.Equal(t, protocol.PushSubscribe, push.Kind)
	assert.EqualValues(t, 2, push.Count)

	_, err = protocol.ParsePush(protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
		bulk("bogus"), bulk("x"),
	}})
	assert.Error(t, err)
	_, err = protocol.ParsePush(bulk("message"))
	assert.Error(t, err)
}
