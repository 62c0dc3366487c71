package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitialInterval: time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return errors.New("still locked")
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, err.Error(), "still locked")
}

func TestDoStopsOnCancel(t *testing.T) {
	p := Policy{MaxAttempts: 100, InitialInterval: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func() error {
		attempts++
		return errors.New("locked")
	})
	require.Error(t, err)
	assert.Less(t, attempts, 100)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialInterval)
}
