package publish

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/metrics"
)

// BatcherConfig sets the flush triggers.
type BatcherConfig struct {
	Window  time.Duration // flush at most this long after the first item
	MaxSize int           // flush (and bound the buffer) at this many items
}

// Batcher coalesces messages per channel and flushes on a time window or a
// size cap, whichever fires first. Add never blocks: when the buffer is
// full because the publisher is saturated, the item is dropped and
// counted. Each channel has one flusher goroutine, so items within a flush
// keep arrival order.
type Batcher struct {
	cfg       BatcherConfig
	publisher *Publisher
	metrics   *metrics.Registry

	mu       sync.Mutex
	channels map[string]*channelBuffer
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type channelBuffer struct {
	name string

	mu    sync.Mutex
	items [][]byte
	seen  map[uint64]struct{}
	timer *time.Timer

	kick chan struct{}
}

// NewBatcher builds a batcher feeding the publisher.
func NewBatcher(cfg BatcherConfig, publisher *Publisher, m *metrics.Registry) *Batcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		cfg:       cfg,
		publisher: publisher,
		metrics:   m,
		channels:  make(map[string]*channelBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Add offers one payload to a channel's buffer. Returns false when the
// item was dropped (buffer full or duplicate fingerprint in the current
// batch window).
func (b *Batcher) Add(channel string, payload []byte, fingerprint uint64) bool {
	cb := b.buffer(channel)
	if cb == nil {
		return false
	}

	cb.mu.Lock()
	if _, dup := cb.seen[fingerprint]; dup {
		cb.mu.Unlock()
		return false
	}
	if len(cb.items) >= b.cfg.MaxSize {
		cb.mu.Unlock()
		if b.metrics != nil {
			b.metrics.DroppedTotal.WithLabelValues("batch_overflow").Inc()
		}
		return false
	}

	cb.items = append(cb.items, payload)
	cb.seen[fingerprint] = struct{}{}
	first := len(cb.items) == 1
	full := len(cb.items) >= b.cfg.MaxSize
	if first {
		cb.timer.Reset(b.cfg.Window)
	}
	cb.mu.Unlock()

	if full {
		select {
		case cb.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Pending returns the total buffered item count and total capacity across
// channels; the publisher reads this as its saturation signal.
func (b *Batcher) Pending() (int, int) {
	b.mu.Lock()
	buffers := make([]*channelBuffer, 0, len(b.channels))
	for _, cb := range b.channels {
		buffers = append(buffers, cb)
	}
	b.mu.Unlock()

	pending := 0
	for _, cb := range buffers {
		cb.mu.Lock()
		pending += len(cb.items)
		cb.mu.Unlock()
	}
	capacity := len(buffers) * b.cfg.MaxSize
	if capacity == 0 {
		capacity = b.cfg.MaxSize
	}
	return pending, capacity
}

func (b *Batcher) buffer(channel string) *channelBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	cb, ok := b.channels[channel]
	if !ok {
		cb = &channelBuffer{
			name: channel,
			seen: make(map[uint64]struct{}),
			kick: make(chan struct{}, 1),
		}
		cb.timer = time.NewTimer(b.cfg.Window)
		if !cb.timer.Stop() {
			<-cb.timer.C
		}
		b.channels[channel] = cb
		b.wg.Add(1)
		go b.flushLoop(cb)
	}
	return cb
}

// flushLoop owns the channel's flushes; it is the only goroutine that
// swaps the buffer out.
func (b *Batcher) flushLoop(cb *channelBuffer) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			b.flush(cb) // final drain
			return
		case <-cb.timer.C:
			b.flush(cb)
		case <-cb.kick:
			// Size trigger; disarm the window timer for the batch we are
			// about to take.
			if !cb.timer.Stop() {
				select {
				case <-cb.timer.C:
				default:
				}
			}
			b.flush(cb)
		}
	}
}

func (b *Batcher) flush(cb *channelBuffer) {
	cb.mu.Lock()
	if len(cb.items) == 0 {
		cb.mu.Unlock()
		return
	}
	items := cb.items
	cb.items = nil
	cb.seen = make(map[uint64]struct{})
	cb.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BatchFlushSize.Observe(float64(len(items)))
	}

	if err := b.publisher.PublishBatch(context.Background(), cb.name, items); err != nil {
		log.Debug().
			Str("channel", cb.name).
			Int("items", len(items)).
			Err(err).
			Msg("Batch publish failed")
	}
}

// Close drains every non-empty buffer once and stops the flushers.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
