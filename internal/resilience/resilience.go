package resilience

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrBulkheadFull is returned when a non-blocking admission fails
var ErrBulkheadFull = errors.New("bulkhead at capacity")

// WithFallback runs op and substitutes the fallback result when it fails.
// The original error is handed to the fallback so it can decide what to
// degrade to.
func WithFallback[T any](ctx context.Context, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	result, err := op(ctx)
	if err == nil {
		return result, nil
	}
	return fallback(ctx, err)
}

// Boundary isolates a best-effort side effect from its caller. Errors that
// the Critical classifier rejects are logged and swallowed; critical ones
// propagate. A nil classifier treats every error as non-critical.
type Boundary struct {
	Name     string
	Critical func(error) bool

	logger *zap.Logger
}

// NewBoundary creates a named isolation boundary
func NewBoundary(name string, critical func(error) bool, logger *zap.Logger) *Boundary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Boundary{Name: name, Critical: critical, logger: logger}
}

// Run executes fn inside the boundary
func (b *Boundary) Run(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	if b.Critical != nil && b.Critical(err) {
		return err
	}

	b.logger.Warn("Side effect failed, continuing",
		zap.String("boundary", b.Name),
		zap.Error(err))
	return nil
}

// Bulkhead caps concurrent calls into a downstream dependency so its
// slowness cannot exhaust this process.
type Bulkhead struct {
	name string
	sem  chan struct{}
}

// NewBulkhead creates a bulkhead admitting at most limit concurrent calls
func NewBulkhead(name string, limit int) *Bulkhead {
	if limit < 1 {
		limit = 1
	}
	return &Bulkhead{
		name: name,
		sem:  make(chan struct{}, limit),
	}
}

// Do runs fn once a slot is free, or returns the context's error if the
// caller gives up first.
func (b *Bulkhead) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.sem }()

	return fn(ctx)
}

// TryDo runs fn only when a slot is immediately free, returning
// ErrBulkheadFull otherwise. Suits fire-and-forget work that is cheaper to
// drop than to queue.
func (b *Bulkhead) TryDo(ctx context.Context, fn func(context.Context) error) error {
	select {
	case b.sem <- struct{}{}:
	default:
		return ErrBulkheadFull
	}
	defer func() { <-b.sem }()

	return fn(ctx)
}

// InFlight reports how many calls currently hold a slot
func (b *Bulkhead) InFlight() int {
	return len(b.sem)
}
