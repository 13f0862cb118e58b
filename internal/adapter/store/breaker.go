package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"wanctl/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = time.Minute
)

// BreakerConfig configures BreakerStore.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe write.
	Timeout time.Duration
}

// BreakerStore wraps a JobStore so a failing database (full disk, locked
// file) is skipped for a while instead of being hit on every job update.
// Not-found and invalid-input results do not count as failures.
type BreakerStore struct {
	inner   domain.JobStore
	breaker *gobreaker.CircuitBreaker[any]
}

var _ domain.JobStore = (*BreakerStore)(nil)

// NewBreakerStore wraps inner with a circuit breaker.
func NewBreakerStore(inner domain.JobStore, cfg BreakerConfig, logger *slog.Logger) *BreakerStore {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "history",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput)
		},
	})
	return &BreakerStore{inner: inner, breaker: cb}
}

func (b *BreakerStore) execute(op string, fn func() (any, error)) (any, error) {
	v, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.WrapOp(op, fmt.Errorf("%w: circuit open", domain.ErrHistoryStore))
	}
	return v, err
}

func (b *BreakerStore) Record(ctx context.Context, rec domain.JobRecord) error {
	_, err := b.execute("JobStore.Record", func() (any, error) {
		return nil, b.inner.Record(ctx, rec)
	})
	return err
}

func (b *BreakerStore) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	v, err := b.execute("JobStore.Get", func() (any, error) {
		return b.inner.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.JobRecord), nil
}

func (b *BreakerStore) List(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	v, err := b.execute("JobStore.List", func() (any, error) {
		return b.inner.List(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	recs, _ := v.([]domain.JobRecord)
	return recs, nil
}

func (b *BreakerStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	v, err := b.execute("JobStore.Prune", func() (any, error) {
		return b.inner.Prune(ctx, cutoff)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (b *BreakerStore) Close() error { return b.inner.Close() }

// State returns the current circuit breaker state for monitoring.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}
