package publish

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/metrics"
)

// SaturationLevel drives adaptive sampling.
type SaturationLevel int

const (
	SaturationHealthy SaturationLevel = iota
	SaturationWarning
	SaturationCritical
	SaturationOverload
)

func (l SaturationLevel) String() string {
	switch l {
	case SaturationHealthy:
		return "healthy"
	case SaturationWarning:
		return "warning"
	case SaturationCritical:
		return "critical"
	case SaturationOverload:
		return "overload"
	default:
		return "unknown"
	}
}

// Rate returns the sampling rate for the level.
func (l SaturationLevel) Rate() float64 {
	switch l {
	case SaturationWarning:
		return 0.8
	case SaturationCritical:
		return 0.5
	case SaturationOverload:
		return 0.2
	default:
		return 1.0
	}
}

// PublisherConfig tunes timeouts and the circuit breaker.
type PublisherConfig struct {
	PublishTimeout   time.Duration
	FailureThreshold int // consecutive failures to open
	RecoveryInterval time.Duration
	SuccessThreshold int // half-open successes to close
}

// Publisher is the only component that talks to the bus. It adds a
// per-publish timeout, a circuit breaker and adaptive sampling.
// Backpressure propagates to callers by return value only.
type Publisher struct {
	bus     Bus
	cfg     PublisherConfig
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry

	// pendingFn reports the batcher's buffered item count and its total
	// capacity; the ratio picks the saturation level.
	pendingFn func() (pending, capacity int)

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPublisher wraps the bus. pendingFn may be nil (always healthy).
func NewPublisher(bus Bus, cfg PublisherConfig, m *metrics.Registry, pendingFn func() (int, int)) *Publisher {
	p := &Publisher{
		bus:       bus,
		cfg:       cfg,
		metrics:   m,
		pendingFn: pendingFn,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus",
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.RecoveryInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("component", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			if m != nil {
				m.BreakerState.WithLabelValues(name).Set(breakerGauge(to))
			}
		},
	})

	return p
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Saturation derives the current level from batcher pressure.
func (p *Publisher) Saturation() SaturationLevel {
	if p.pendingFn == nil {
		return SaturationHealthy
	}
	pending, capacity := p.pendingFn()
	if capacity <= 0 {
		return SaturationHealthy
	}
	ratio := float64(pending) / float64(capacity)
	switch {
	case ratio >= 0.9:
		return SaturationOverload
	case ratio >= 0.75:
		return SaturationCritical
	case ratio >= 0.5:
		return SaturationWarning
	default:
		return SaturationHealthy
	}
}

// PublishBatch sends a flushed batch as one pipelined round-trip, after
// sampling. A CircuitOpen error returns immediately without touching the
// bus; the caller drops the batch.
func (p *Publisher) PublishBatch(ctx context.Context, channel string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}

	payloads = p.sample(payloads)
	if len(payloads) == 0 {
		return nil
	}

	err := p.execute(ctx, func(ctx context.Context) error {
		return p.bus.PublishBatch(ctx, channel, payloads)
	})
	if err != nil {
		p.recordFailure(err, len(payloads))
		return err
	}

	if p.metrics != nil {
		p.metrics.PublishedTotal.WithLabelValues(channel).Add(float64(len(payloads)))
	}
	return nil
}

// Publish sends a single message (subscription lifecycle events). Events
// bypass sampling: they are rare and consumers rely on them.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	err := p.execute(ctx, func(ctx context.Context) error {
		return p.bus.Publish(ctx, channel, payload)
	})
	if err != nil {
		p.recordFailure(err, 1)
		return err
	}
	if p.metrics != nil {
		p.metrics.PublishedTotal.WithLabelValues(channel).Inc()
	}
	return nil
}

func (p *Publisher) execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.ErrCircuitOpen
	}
	return err
}

func (p *Publisher) recordFailure(err error, n int) {
	if p.metrics == nil {
		return
	}
	if errors.Is(err, errs.ErrCircuitOpen) {
		p.metrics.DroppedTotal.WithLabelValues("circuit_open").Add(float64(n))
		return
	}
	p.metrics.PublishFailures.Inc()
	p.metrics.DroppedTotal.WithLabelValues("publish_failed").Add(float64(n))
}

// sample applies the adaptive rate, random per message.
func (p *Publisher) sample(payloads [][]byte) [][]byte {
	level := p.Saturation()
	rate := level.Rate()
	if p.metrics != nil {
		p.metrics.SamplingRate.Set(rate)
	}
	if rate >= 1.0 {
		return payloads
	}

	kept := payloads[:0]
	dropped := 0
	p.mu.Lock()
	for _, msg := range payloads {
		if p.rnd.Float64() < rate {
			kept = append(kept, msg)
		} else {
			dropped++
		}
	}
	p.mu.Unlock()

	if dropped > 0 && p.metrics != nil {
		p.metrics.DroppedTotal.WithLabelValues("sampled").Add(float64(dropped))
	}
	return kept
}

// Healthy reports whether the breaker currently admits publishes.
func (p *Publisher) Healthy() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

// Ping checks bus reachability for the health endpoint.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.bus.Ping(ctx)
}
