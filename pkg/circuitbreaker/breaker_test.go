package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func ok(context.Context) error      { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("embed", Config{FailureThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := New("embed", Config{FailureThreshold: 1, Cooldown: 10 * time.Second})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	assert.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var transitions []State
	b := New("embed", Config{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		OnStateChange:    func(_ string, _, to State) { transitions = append(transitions, to) },
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	now = now.Add(2 * time.Second)
	_ = b.Execute(ctx, failing)

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen}, transitions)
}

func TestBreakerIgnoredErrors(t *testing.T) {
	b := New("embed", Config{
		FailureThreshold: 1,
		Ignore:           func(err error) bool { return errors.Is(err, errBoom) },
	})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, func(context.Context) error { return context.Canceled })
	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
