package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrStorageUnavailable is returned when the breaker is open, a storage call
// timed out, or the medium failed.
var ErrStorageUnavailable = errors.New("storage unavailable")

// BreakerSettings configures the storage circuit breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold int
	// Window bounds how long consecutive failures accumulate while closed.
	Window time.Duration
	// Cooldown is how long the breaker stays open before allowing a trial call.
	Cooldown      time.Duration
	OnStateChange func(from, to string)
}

// Breaker guards storage calls. After FailureThreshold consecutive failures it
// opens and rejects calls for Cooldown, then admits one trial call: success
// closes it, failure reopens it.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a closed breaker.
func NewBreaker(s BreakerSettings) *Breaker {
	threshold := uint32(s.FailureThreshold)
	if threshold == 0 {
		threshold = 1
	}
	name := s.Name
	if name == "" {
		name = "context-store"
	}
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    s.Window,
			Timeout:     s.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Storage circuit breaker state changed")
				if s.OnStateChange != nil {
					s.OnStateChange(from.String(), to.String())
				}
			},
		}),
	}
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

type result[T any] struct {
	value T
	err   error
}

// guarded runs fn through the breaker with a deadline.
//
// Errors for which passthrough returns true are returned to the caller without
// counting as failures. A call that exceeds its deadline counts as a failure and
// is reported as ErrStorageUnavailable, the same as an open breaker.
//
// The breaker only ever judges the medium. When ctx is cancelled mid-call the
// caller gets ctx.Err() at once, while the medium call runs on to its own
// deadline and its outcome is what the breaker records. A cancelled caller
// therefore cannot close a half-open breaker.
func guarded[T any](ctx context.Context, b *Breaker, op string, timeout time.Duration, passthrough func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	go func() {
		v, err := execute(ctx, b, op, timeout, passthrough, fn)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func execute[T any](ctx context.Context, b *Breaker, op string, timeout time.Duration, passthrough func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		out     T
		callErr error
	)

	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		done := make(chan result[T], 1)
		go func() {
			v, err := fn(callCtx)
			done <- result[T]{value: v, err: err}
		}()

		select {
		case r := <-done:
			if r.err != nil && !passthrough(r.err) {
				return nil, r.err
			}
			out, callErr = r.value, r.err
			return nil, nil
		case <-callCtx.Done():
			return nil, fmt.Errorf("timed out after %s", timeout)
		}
	})

	switch {
	case err == nil:
		return out, callErr
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return zero, fmt.Errorf("%s: %w: circuit breaker %s", op, ErrStorageUnavailable, b.State())
	default:
		return zero, fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
	}
}
