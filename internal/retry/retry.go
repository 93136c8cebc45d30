// Package retry wraps exponential backoff for the few operations the
// runtime is allowed to retry on its own.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Config describes an exponential backoff schedule
type Config struct {
	MaxAttempts     int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" envconfig:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" envconfig:"MAX_INTERVAL"`
	Multiplier      float64       `yaml:"multiplier" envconfig:"MULTIPLIER"`
}

// DefaultConfig returns the schedule used when nothing is configured
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

// Policy runs operations under a backoff schedule
type Policy struct {
	cfg Config
	log logrus.FieldLogger
}

// New creates a policy. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, log logrus.FieldLogger) *Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Policy{cfg: cfg, log: log}
}

// Config returns the effective schedule
func (p *Policy) Config() Config {
	return p.cfg
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.cfg.InitialInterval),
		backoff.WithMaxInterval(p.cfg.MaxInterval),
		backoff.WithMultiplier(p.cfg.Multiplier),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// used up or ctx is done. The last error is returned.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is the value-returning form of Policy.Do
func Do[T any](ctx context.Context, p *Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	notify := func(err error, wait time.Duration) {
		p.log.WithError(err).WithFields(logrus.Fields{
			"op":      name,
			"attempt": attempt,
			"wait":    wait,
		}).Warn("Operation failed, retrying")
	}
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		return op(ctx)
	}, p.backOff(ctx), notify)
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}
