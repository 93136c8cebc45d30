// Package errext holds the error taxonomy shared by every runtime component.
//
// Sentinel errors are compared with errors.Is; the typed errors carry context
// and are matched with errors.As. The root package re-exports all of them.
package errext

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned by Acquire when no connection was released
	// before the acquire timeout elapsed.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolShuttingDown is returned to pending and new Acquire calls once
	// the pool is being disconnected.
	ErrPoolShuttingDown = errors.New("connection pool is shutting down")

	// ErrClosed indicates an operation on a closed connection or component.
	ErrClosed = errors.New("use of closed connection")

	// ErrListening indicates a request/response command was sent on a
	// connection that is in subscriber mode.
	ErrListening = errors.New("connection is in subscriber mode")

	// ErrSlaveNotFound indicates no slave in the topology matched.
	ErrSlaveNotFound = errors.New("slave not found in topology")

	// ErrNotMaster indicates the configured master did not report role:master.
	ErrNotMaster = errors.New("instance is not a master")

	// ErrNoMaster indicates a replication operation ran before SetupMaster.
	ErrNoMaster = errors.New("master is not set up")
)

// TransportError wraps any connectivity or protocol failure on a connection.
type TransportError struct {
	Op   string // "dial", "write", "read", "auth"
	Addr string
	Err  error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s on %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ReplyError is an error reply ("-ERR ...") sent by the store. The connection
// that received it stays healthy.
type ReplyError struct {
	Message string
}

// Error implements the error interface
func (e *ReplyError) Error() string {
	return e.Message
}

// ValidationError reports a message envelope that failed its schema check.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error on %q: %s", e.Field, e.Reason)
}

// SerializationError wraps a JSON encode/decode or (de)compression failure.
type SerializationError struct {
	Op  string // "marshal", "unmarshal", "compress", "decompress"
	Err error
}

// Error implements the error interface
func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error
func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}
