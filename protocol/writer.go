package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Writer provides buffered writing of RESP messages. Nothing reaches the
// underlying writer until Flush.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter creates a new RESP protocol writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteValue writes a RESP value to the output stream
func (w *Writer) WriteValue(v Value) error {
	switch v.Type {
	case TypeSimpleString:
		return w.WriteSimpleString(string(v.Data))
	case TypeError:
		return w.WriteError(string(v.Data))
	case TypeInteger:
		return w.WriteInteger(v.Integer)
	case TypeBulkString:
		if v.IsNull {
			return w.WriteNullBulkString()
		}
		return w.WriteBulkString(v.Data)
	case TypeArray:
		if v.IsNull {
			return w.WriteNullArray()
		}
		return w.WriteArray(v.Array)
	default:
		return fmt.Errorf("unsupported value type: %c", v.Type)
	}
}

// WriteSimpleString writes a simple string
func (w *Writer) WriteSimpleString(s string) error {
	return w.writeLine('+', s)
}

// WriteError writes an error message
func (w *Writer) WriteError(msg string) error {
	return w.writeLine('-', msg)
}

// WriteInteger writes an integer
func (w *Writer) WriteInteger(n int64) error {
	return w.writeLine(':', strconv.FormatInt(n, 10))
}

// WriteBulkString writes a bulk string
func (w *Writer) WriteBulkString(data []byte) error {
	if err := w.writeLine('$', strconv.Itoa(len(data))); err != nil {
		return err
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	_, err := w.bw.WriteString(CRLF)
	return err
}

// WriteNullBulkString writes a null bulk string
func (w *Writer) WriteNullBulkString() error {
	return w.writeLine('$', "-1")
}

// WriteArrayHeader writes the "*n" header of an array whose elements follow
func (w *Writer) WriteArrayHeader(n int) error {
	return w.writeLine('*', strconv.Itoa(n))
}

// WriteArray writes an array of values
func (w *Writer) WriteArray(values []Value) error {
	if err := w.WriteArrayHeader(len(values)); err != nil {
		return err
	}
	for _, value := range values {
		if err := w.WriteValue(value); err != nil {
			return err
		}
	}
	return nil
}

// WriteNullArray writes a null array
func (w *Writer) WriteNullArray() error {
	return w.writeLine('*', "-1")
}

// WriteCommand writes a command as a RESP array of bulk strings
func (w *Writer) WriteCommand(cmd string, args ...string) error {
	if err := w.WriteArrayHeader(1 + len(args)); err != nil {
		return err
	}
	if err := w.WriteBulkString([]byte(cmd)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteBulkString([]byte(arg)); err != nil {
			return err
		}
	}
	return nil
}

// WriteArgs writes pre-encoded arguments as a RESP array of bulk strings
func (w *Writer) WriteArgs(args [][]byte) error {
	if err := w.WriteArrayHeader(len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteBulkString(arg); err != nil {
			return err
		}
	}
	return nil
}

// WriteOK writes a simple "OK" response
func (w *Writer) WriteOK() error {
	return w.WriteSimpleString("OK")
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) writeLine(prefix byte, s string) error {
	if err := w.bw.WriteByte(prefix); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	_, err := w.bw.WriteString(CRLF)
	return err
}

// EncodeArgs converts command arguments to their wire form. Supported types
// are string, []byte, the integer kinds, float64, bool and time.Duration
// (sent as whole seconds).
func EncodeArgs(args ...any) ([][]byte, error) {
	out := make([][]byte, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			out[i] = []byte(v)
		case []byte:
			out[i] = v
		case int:
			out[i] = strconv.AppendInt(nil, int64(v), 10)
		case int64:
			out[i] = strconv.AppendInt(nil, v, 10)
		case uint64:
			out[i] = strconv.AppendUint(nil, v, 10)
		case float64:
			out[i] = strconv.AppendFloat(nil, v, 'f', -1, 64)
		case bool:
			if v {
				out[i] = []byte("1")
			} else {
				out[i] = []byte("0")
			}
		case time.Duration:
			out[i] = strconv.AppendInt(nil, int64(v/time.Second), 10)
		default:
			return nil, fmt.Errorf("unsupported argument type %T at position %d", arg, i)
		}
	}
	return out, nil
}
