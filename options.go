package redisruntime

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/raniellyferreira/redis-runtime/conn"
)

// DialFunc opens a connection with the given options
type DialFunc func(ctx context.Context, opts conn.Options) (*conn.Conn, error)

// options holds the collaborators that cannot be expressed in Config
type options struct {
	logger     logrus.FieldLogger
	clock      clock.Clock
	dial       DialFunc
	registerer prometheus.Registerer
	tls        *tls.Config
}

func defaultOptions() *options {
	return &options{
		logger: logrus.StandardLogger(),
		clock:  clock.New(),
		dial:   conn.Dial,
	}
}

// Option configures a Runtime
type Option func(*options) error

// WithLogger sets the logger shared by every component
//
// Example:
//
//	log := logrus.New()
//	log.SetFormatter(&logrus.JSONFormatter{})
//	WithLogger(log)
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidConfig)
		}
		o.logger = logger
		return nil
	}
}

// WithClock sets the clock used for pool acquire timeouts
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		if clk == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidConfig)
		}
		o.clock = clk
		return nil
	}
}

// WithDialer replaces the function used to open every connection
func WithDialer(dial DialFunc) Option {
	return func(o *options) error {
		if dial == nil {
			return fmt.Errorf("%w: nil dialer", ErrInvalidConfig)
		}
		o.dial = dial
		return nil
	}
}

// WithRegisterer registers the runtime's Prometheus collector. It is
// unregistered on Close.
//
// Example:
//
//	WithRegisterer(prometheus.DefaultRegisterer)
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) error {
		o.registerer = reg
		return nil
	}
}

// WithTLS enables TLS on every connection
//
// Example:
//
//	WithTLS(&tls.Config{ServerName: "redis.example.com", MinVersion: tls.VersionTLS12})
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) error {
		o.tls = cfg
		return nil
	}
}
