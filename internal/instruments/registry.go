package instruments

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
)

// Registry caches the broker's instrument dump, keyed by token. The first
// load must succeed; later refresh failures keep the last good snapshot
// and bump the staleness counter.
type Registry struct {
	client broker.Client
	loc    *time.Location

	mu        sync.RWMutex
	byToken   map[broker.Token]broker.Instrument
	loadedAt  time.Time
	staleness atomic.Int64

	refreshMu sync.Mutex // single-flight guard for Refresh
}

// NewRegistry builds an empty registry over the broker client. loc is the
// market timezone used for trading-day boundaries; nil means UTC.
func NewRegistry(client broker.Client, loc *time.Location) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	return &Registry{
		client:  client,
		loc:     loc,
		byToken: make(map[broker.Token]broker.Instrument),
	}
}

// Load performs the initial bulk load. Failing here is fatal for startup.
func (r *Registry) Load(ctx context.Context) error {
	if err := r.Refresh(ctx, true); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return nil
}

// Refresh reloads the instrument dump. Without force, a same-day snapshot
// is kept as-is. Concurrent refreshes are single-flight: the second caller
// waits for the first and returns its snapshot's outcome.
func (r *Registry) Refresh(ctx context.Context, force bool) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if !force {
		r.mu.RLock()
		fresh := !r.loadedAt.IsZero() && r.sameDay(r.loadedAt, time.Now())
		r.mu.RUnlock()
		if fresh {
			return nil
		}
	}

	instruments, err := r.client.Instruments(ctx)
	if err != nil {
		r.mu.RLock()
		haveSnapshot := len(r.byToken) > 0
		r.mu.RUnlock()
		if haveSnapshot {
			n := r.staleness.Add(1)
			log.Warn().Err(err).Int64("stale_refreshes", n).Msg("Registry refresh failed, keeping last snapshot")
			return nil
		}
		return fmt.Errorf("instrument load failed: %w", err)
	}

	next := make(map[broker.Token]broker.Instrument, len(instruments))
	for _, inst := range instruments {
		next[inst.Token] = inst
	}

	r.mu.Lock()
	r.byToken = next
	r.loadedAt = time.Now()
	r.mu.Unlock()
	r.staleness.Store(0)

	log.Info().Int("instruments", len(next)).Msg("Instrument registry refreshed")
	return nil
}

// Lookup returns the descriptor for a token.
func (r *Registry) Lookup(token broker.Token) (broker.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byToken[token]
	return inst, ok
}

// Snapshot returns a copy of the full token map.
func (r *Registry) Snapshot() map[broker.Token]broker.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[broker.Token]broker.Instrument, len(r.byToken))
	for t, inst := range r.byToken {
		out[t] = inst
	}
	return out
}

// Size returns the number of cached instruments.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// StaleRefreshes returns the consecutive failed-refresh count.
func (r *Registry) StaleRefreshes() int64 {
	return r.staleness.Load()
}

// LoadedAt returns when the current snapshot was taken.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

// sameDay compares calendar dates in the market timezone, so a refresh
// is neither skipped nor duplicated across the exchange's day boundary.
func (r *Registry) sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(r.loc).Date()
	by, bm, bd := b.In(r.loc).Date()
	return ay == by && am == bm && ad == bd
}
