package hellobus

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetryMiddleware_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{MaxAttempts: 3})(func(context.Context, *Envelope) error {
		if calls.Add(1) < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, h(context.Background(), &Envelope{}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryMiddleware_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{MaxAttempts: 2, Backoff: ExponentialBackoff(time.Millisecond)})(
		func(context.Context, *Envelope) error {
			calls.Add(1)
			return errTransient
		})

	assert.ErrorIs(t, h(context.Background(), &Envelope{}), errTransient)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryMiddleware_RetryIfStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(func(context.Context, *Envelope) error {
		calls.Add(1)
		return permanent
	})

	assert.ErrorIs(t, h(context.Background(), &Envelope{}), permanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryMiddleware_DecodeFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{MaxAttempts: 5})(Consume(func(context.Context, struct{ Text string }) error {
		calls.Add(1)
		return nil
	}))

	err := h(context.Background(), &Envelope{Payload: []byte("not json")})
	assert.ErrorIs(t, err, ErrDecode)
	assert.Zero(t, calls.Load())
}

func TestRetryMiddleware_LogsRetriesThroughContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)
	ctx := InjectAll(context.Background(), JSONCodec{}, &l, nil)

	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{MaxAttempts: 2})(func(context.Context, *Envelope) error {
		if calls.Add(1) == 1 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, h(ctx, &Envelope{ID: "env-1"}))
	assert.Contains(t, buf.String(), `"attempt":1`)
	assert.Contains(t, buf.String(), `"id":"env-1"`)
}

func TestRetryMiddleware_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{MaxAttempts: 5, Backoff: ExponentialBackoff(time.Hour)})(
		func(context.Context, *Envelope) error {
			calls.Add(1)
			cancel()
			return errTransient
		})

	assert.ErrorIs(t, h(ctx, &Envelope{}), errTransient)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b(0))
	assert.Equal(t, 10*time.Millisecond, b(1))
	assert.Equal(t, 20*time.Millisecond, b(2))
	assert.Equal(t, 40*time.Millisecond, b(3))
}

func TestTimeoutMiddleware_Expires(t *testing.T) {
	h := TimeoutMiddleware(10*time.Millisecond)(func(ctx context.Context, _ *Envelope) error {
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, h(context.Background(), &Envelope{}), context.DeadlineExceeded)
}

func TestTimeoutMiddleware_PassesResult(t *testing.T) {
	h := TimeoutMiddleware(time.Second)(func(context.Context, *Envelope) error { return errTransient })
	assert.ErrorIs(t, h(context.Background(), &Envelope{}), errTransient)

	noop := TimeoutMiddleware(0)(func(context.Context, *Envelope) error { return nil })
	assert.NoError(t, noop(context.Background(), &Envelope{}))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Envelope) error { panic("oops") })
	err := h(context.Background(), &Envelope{})
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "oops")
}

func TestLoggingMiddleware_WritesStartAndDone(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)

	h := LoggingMiddleware(l)(func(context.Context, *Envelope) error { return nil })
	require.NoError(t, h(context.Background(), &Envelope{ID: "1", Name: "Message"}))

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "\n"))
	assert.Contains(t, out, `"message":"handler start"`)
	assert.Contains(t, out, `"message":"handler done"`)
	assert.Contains(t, out, `"name":"Message"`)
}

func TestChain_FirstIsOutermost(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env *Envelope) error {
				order = append(order, name)
				return next(ctx, env)
			}
		}
	}

	h := Chain(func(context.Context, *Envelope) error {
		order = append(order, "handler")
		return nil
	}, mw("a"), nil, mw("b"))

	require.NoError(t, h(context.Background(), &Envelope{}))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}
