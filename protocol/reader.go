package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// CRLF is the protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, the store's own limit)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum size for arrays
	maxArraySize = 1024 * 1024
)

var crlfBytes = []byte(CRLF)

// Reader is a streaming RESP reader used by both sides of a connection:
// clients read replies and push messages, the server reads commands.
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Buffered returns the number of bytes already read from the wire but not yet parsed
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// ReadNext reads the next RESP value from the stream
func (r *Reader) ReadNext() (Value, error) {
	typeByte, err := r.br.ReadByte()
	if err != nil {
		return Value{}, err
	}

	switch ValueType(typeByte) {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: ValueType(typeByte), Data: line}, nil
	case TypeInteger:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		n, err := parseInt64(line)
		if err != nil {
			return Value{}, fmt.Errorf("invalid integer: %q", line)
		}
		return Value{Type: TypeInteger, Integer: n}, nil
	case TypeBulkString:
		return r.readBulkString()
	case TypeArray:
		return r.readArray()
	default:
		if typeByte == 0 {
			return Value{}, fmt.Errorf("unknown RESP type: empty byte (connection may be closed)")
		}
		return Value{}, fmt.Errorf("unknown RESP type: %c (0x%02x)", typeByte, typeByte)
	}
}

func (r *Reader) readBulkString() (Value, error) {
	length, err := r.readLength()
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return Value{Type: TypeBulkString, IsNull: true}, nil
	}
	if length < 0 || length > maxBulkSize {
		return Value{}, fmt.Errorf("invalid bulk string length: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Value{}, err
	}
	if err := r.expectCRLF(); err != nil {
		return Value{}, err
	}
	return Value{Type: TypeBulkString, Data: data}, nil
}

func (r *Reader) readArray() (Value, error) {
	length, err := r.readLength()
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return Value{Type: TypeArray, IsNull: true}, nil
	}
	if length < 0 || length > maxArraySize {
		return Value{}, fmt.Errorf("invalid array length: %d", length)
	}

	array := make([]Value, length)
	for i := range array {
		if array[i], err = r.ReadNext(); err != nil {
			return Value{}, err
		}
	}
	return Value{Type: TypeArray, Array: array}, nil
}

func (r *Reader) readLength() (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	n, err := parseInt64(line)
	if err != nil {
		return 0, fmt.Errorf("invalid length: %q", line)
	}
	return n, nil
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	i := 0
	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}
	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}

// readLine reads a line terminated by CRLF
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read line: %w", err)
	}
	if len(line) < 2 || !bytes.HasSuffix(line, crlfBytes) {
		return nil, fmt.Errorf("missing CRLF terminator in %q", line)
	}
	return line[:len(line)-2], nil
}

// expectCRLF reads and validates CRLF terminator
func (r *Reader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(r.br, crlf[:]); err != nil {
		return fmt.Errorf("failed to read CRLF terminator: %w", err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return fmt.Errorf("expected CRLF terminator [13, 10], got [%d, %d]", crlf[0], crlf[1])
	}
	return nil
}
