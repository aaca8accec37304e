package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optstream/gateway/internal/errs"
)

func TestPublishBatchDelivers(t *testing.T) {
	bus := NewStubBus()
	p := newTestPublisher(bus, nil)

	err := p.PublishBatch(context.Background(), "ch", [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.Len(t, bus.Messages("ch"), 2)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	bus := NewStubBus()
	p := NewPublisher(bus, PublisherConfig{
		PublishTimeout:   time.Second,
		FailureThreshold: 3,
		RecoveryInterval: time.Hour,
		SuccessThreshold: 1,
	}, nil, nil)

	bus.FailWith(errors.New("bus down"))
	for i := 0; i < 3; i++ {
		err := p.Publish(context.Background(), "ch", []byte("x"))
		require.Error(t, err)
		require.NotErrorIs(t, err, errs.ErrCircuitOpen, "attempt %d should reach the bus", i)
	}

	require.False(t, p.Healthy())

	// Open breaker short-circuits without touching the bus.
	bus.FailWith(nil)
	err := p.Publish(context.Background(), "ch", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)
	assert.Empty(t, bus.Messages("ch"))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	bus := NewStubBus()
	p := NewPublisher(bus, PublisherConfig{
		PublishTimeout:   time.Second,
		FailureThreshold: 1,
		RecoveryInterval: 30 * time.Millisecond,
		SuccessThreshold: 1,
	}, nil, nil)

	bus.FailWith(errors.New("bus down"))
	require.Error(t, p.Publish(context.Background(), "ch", []byte("x")))
	require.False(t, p.Healthy())

	bus.FailWith(nil)
	time.Sleep(50 * time.Millisecond)

	// Half-open probe succeeds and the breaker closes again.
	require.NoError(t, p.Publish(context.Background(), "ch", []byte("y")))
	assert.True(t, p.Healthy())
	assert.Len(t, bus.Messages("ch"), 1)
}

func TestSaturationLevels(t *testing.T) {
	cases := []struct {
		pending int
		level   SaturationLevel
	}{
		{0, SaturationHealthy},
		{49, SaturationHealthy},
		{50, SaturationWarning},
		{75, SaturationCritical},
		{90, SaturationOverload},
		{100, SaturationOverload},
	}
	for _, tc := range cases {
		pending := tc.pending
		p := newTestPublisher(NewStubBus(), func() (int, int) { return pending, 100 })
		assert.Equal(t, tc.level, p.Saturation(), "pending=%d", tc.pending)
	}
}

func TestSamplingDropsUnderOverload(t *testing.T) {
	bus := NewStubBus()
	p := newTestPublisher(bus, func() (int, int) { return 95, 100 })

	payloads := make([][]byte, 1000)
	for i := range payloads {
		payloads[i] = []byte{byte(i)}
	}
	require.NoError(t, p.PublishBatch(context.Background(), "ch", payloads))

	// Overload samples at 20%; allow generous slack for randomness.
	kept := len(bus.Messages("ch"))
	assert.Greater(t, kept, 50)
	assert.Less(t, kept, 500)
}

func TestEventsBypassSampling(t *testing.T) {
	bus := NewStubBus()
	p := newTestPublisher(bus, func() (int, int) { return 100, 100 })

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Publish(context.Background(), "events", []byte{byte(i)}))
	}
	assert.Len(t, bus.Messages("events"), 20)
}

func TestNilPendingFnIsAlwaysHealthy(t *testing.T) {
	p := newTestPublisher(NewStubBus(), nil)
	assert.Equal(t, SaturationHealthy, p.Saturation())
	assert.Equal(t, 1.0, p.Saturation().Rate())
}
