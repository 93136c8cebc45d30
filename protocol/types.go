package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raniellyferreira/redis-runtime/errext"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value represents a parsed RESP value
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// Bytes returns the byte representation of the value
func (v Value) Bytes() []byte {
	return v.Data
}

// Int returns the integer value. Bulk strings holding a number are parsed.
func (v Value) Int() (int64, error) {
	switch v.Type {
	case TypeInteger:
		return v.Integer, nil
	case TypeBulkString, TypeSimpleString:
		return parseInt64(v.Data)
	case TypeError:
		return 0, v.Err()
	default:
		return 0, fmt.Errorf("cannot read %c reply as integer", v.Type)
	}
}

// IsNil reports whether the value is a null bulk string or null array
func (v Value) IsNil() bool {
	return v.IsNull
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Err returns the error reply as a *errext.ReplyError, or nil for any other type
func (v Value) Err() error {
	if v.Type != TypeError {
		return nil
	}
	return &errext.ReplyError{Message: string(v.Data)}
}

// IsOK reports whether the value is the simple string OK
func (v Value) IsOK() bool {
	return v.Type == TypeSimpleString && string(v.Data) == "OK"
}

// Strings flattens an array of bulk strings. Null elements become empty strings.
func (v Value) Strings() []string {
	out := make([]string, len(v.Array))
	for i, item := range v.Array {
		out[i] = string(item.Data)
	}
	return out
}

// Command represents a command parsed from a RESP array
type Command struct {
	Name string
	Args [][]byte
}

// ParseCommand parses a RESP array value into a Command
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || len(v.Array) == 0 {
		return nil, fmt.Errorf("invalid command format")
	}

	cmd := &Command{
		Args: make([][]byte, len(v.Array)-1),
	}

	if v.Array[0].Type != TypeBulkString {
		return nil, fmt.Errorf("command name must be bulk string")
	}
	cmd.Name = strings.ToUpper(string(v.Array[0].Data))

	for i := 1; i < len(v.Array); i++ {
		if v.Array[i].Type != TypeBulkString {
			return nil, fmt.Errorf("command arguments must be bulk strings")
		}
		cmd.Args[i-1] = v.Array[i].Data
	}

	return cmd, nil
}

// Arg returns argument i as a string, or "" when out of range
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return string(c.Args[i])
}

// String returns a string representation of the command
func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return c.Name + " " + strings.Join(args, " ")
}
