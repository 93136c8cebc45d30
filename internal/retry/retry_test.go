package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-runtime/internal/retry"
)

func fastPolicy(t *testing.T, attempts int) (*retry.Policy, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return retry.New(retry.Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}, logger), hook
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	p, hook := fastPolicy(t, 5)

	calls := 0
	err := p.Do(context.Background(), "dial", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "dial", hook.LastEntry().Data["op"])
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	p, _ := fastPolicy(t, 3)
	boom := errors.New("boom")

	calls := 0
	err := p.Do(context.Background(), "dial", func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoPermanentError(t *testing.T) {
	p, _ := fastPolicy(t, 5)
	boom := errors.New("auth failed")

	calls := 0
	err := p.Do(context.Background(), "dial", func(context.Context) error {
		calls++
		return retry.Permanent(boom)
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	p := retry.New(retry.Config{MaxAttempts: 100, InitialInterval: time.Hour, MaxInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "dial", func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop on context cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestGenericDo(t *testing.T) {
	p, _ := fastPolicy(t, 2)
	v, err := retry.Do(context.Background(), p, "answer", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestNewAppliesDefaults(t *testing.T) {
	p := retry.New(retry.Config{}, nil)
	assert.Equal(t, retry.DefaultConfig(), p.Config())
}
