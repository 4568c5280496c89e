package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithFallbackPrefersPrimary(t *testing.T) {
	result, err := WithFallback(context.Background(),
		func(ctx context.Context) (string, error) { return "primary", nil },
		func(ctx context.Context, _ error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "primary", result)
}

func TestWithFallbackSubstitutesOnError(t *testing.T) {
	primaryErr := errors.New("cache down")
	var seen error

	result, err := WithFallback(context.Background(),
		func(ctx context.Context) (string, error) { return "", primaryErr },
		func(ctx context.Context, cause error) (string, error) {
			seen = cause
			return "fallback", nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
	assert.Equal(t, primaryErr, seen)
}

func TestWithFallbackPropagatesFallbackError(t *testing.T) {
	fallbackErr := errors.New("database down too")

	_, err := WithFallback(context.Background(),
		func(ctx context.Context) (int, error) { return 0, errors.New("cache down") },
		func(ctx context.Context, _ error) (int, error) { return 0, fallbackErr },
	)
	require.ErrorIs(t, err, fallbackErr)
}

func TestBoundarySwallowsNonCritical(t *testing.T) {
	b := NewBoundary("side-effects", nil, nil)

	err := b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("broker down")
	})
	assert.NoError(t, err)
}

func TestBoundaryPropagatesCritical(t *testing.T) {
	critical := errors.New("data corruption")
	b := NewBoundary("side-effects", func(err error) bool {
		return errors.Is(err, critical)
	}, nil)

	err := b.Run(context.Background(), func(ctx context.Context) error { return critical })
	require.ErrorIs(t, err, critical)

	err = b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("broker down")
	})
	assert.NoError(t, err)
}

func TestBoundaryPassesThroughSuccess(t *testing.T) {
	b := NewBoundary("side-effects", nil, nil)
	called := false

	err := b.Run(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestBulkheadCapsConcurrency(t *testing.T) {
	b := NewBulkhead("mailer", 2)

	var mu sync.Mutex
	var peak, current int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 0, b.InFlight())
}

func TestBulkheadTryDoRejectsWhenFull(t *testing.T) {
	b := NewBulkhead("mailer", 1)

	occupied := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Do(context.Background(), func(ctx context.Context) error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied

	err := b.TryDo(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBulkheadFull)

	close(release)
}

func TestBulkheadDoHonorsContext(t *testing.T) {
	b := NewBulkhead("mailer", 1)

	occupied := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_ = b.Do(context.Background(), func(ctx context.Context) error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBulkheadMinimumLimit(t *testing.T) {
	b := NewBulkhead("mailer", 0)

	err := b.TryDo(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}
