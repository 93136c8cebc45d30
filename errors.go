package redisruntime

import (
	"errors"

	"github.com/raniellyferreira/redis-runtime/errext"
)

// Errors returned by the runtime's components. They are the values defined
// in package errext and can be matched with errors.Is either way.
var (
	ErrPoolExhausted    = errext.ErrPoolExhausted
	ErrPoolShuttingDown = errext.ErrPoolShuttingDown
	ErrClosed           = errext.ErrClosed
	ErrListening        = errext.ErrListening
	ErrSlaveNotFound    = errext.ErrSlaveNotFound
	ErrNotMaster        = errext.ErrNotMaster
	ErrNoMaster         = errext.ErrNoMaster

	// ErrInvalidConfig indicates invalid configuration values or options
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Typed errors, matched with errors.As
type (
	TransportError     = errext.TransportError
	ReplyError         = errext.ReplyError
	ValidationError    = errext.ValidationError
	SerializationError = errext.SerializationError
)

// IsTransport reports whether err is, or wraps, a TransportError
func IsTransport(err error) bool {
	return errext.IsTransport(err)
}
