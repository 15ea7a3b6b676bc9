package hellobus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf returns true if the error should be retried. Nil retries
	// everything except ErrDecode.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter) random delay to the base backoff.
	Jitter time.Duration
}

// ExponentialBackoff doubles base on every attempt: base, 2*base, 4*base...
func ExponentialBackoff(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(int64(1)<<uint(attempt-1))
	}
}

// RetryMiddleware provides bounded, selective retries around a handler.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = retryable
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			var lastErr error
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, env)
				if lastErr == nil {
					return nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if l, ok := LoggerFromContext(ctx); ok {
					l.Debug().Err(lastErr).Str("id", env.ID).Int("attempt", i).Int("of", attempts).Msg("hellobus: retrying handler")
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// retryable rejects payloads that failed to decode; another attempt reads the
// same bytes.
func retryable(err error) bool { return !errors.Is(err, ErrDecode) }

// TimeoutMiddleware bounds processing time; on expiry it returns
// context.DeadlineExceeded so the delivery is Nacked.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("panic recovered: %v", r)
					}
				}()
				errCh <- next(tctx, env)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, env)
		}
	}
}

// LoggingMiddleware logs handler start and completion at debug level, timed
// with the bus clock when the handler context carries one.
func LoggingMiddleware(l zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			clk, ok := ClockFromContext(ctx)
			if !ok {
				clk = xclock.Default()
			}
			start := clk.Now()
			l.Debug().
				Str("name", env.Name).
				Str("id", env.ID).
				Msg("handler start")

			err := next(ctx, env)

			l.Debug().
				Str("name", env.Name).
				Str("id", env.ID).
				Dur("dur", clk.Since(start)).
				Err(err).
				Msg("handler done")
			return err
		}
	}
}

// Chain composes middlewares around a handler; the first middleware is outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
