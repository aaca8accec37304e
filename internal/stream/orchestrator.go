package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/accounts"
	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/instruments"
	"github.com/optstream/gateway/internal/market"
	"github.com/optstream/gateway/internal/metrics"
	"github.com/optstream/gateway/internal/persistence"
	"github.com/optstream/gateway/internal/publish"
	"github.com/optstream/gateway/internal/ticks"
)

// Config tunes the orchestrator.
type Config struct {
	EventsChannel     string
	ReconcileDebounce time.Duration
	EnableMockData    bool
	MockInterval      time.Duration
	MockStateTTL      time.Duration
	MockStateMax      int
	WatchdogInterval  time.Duration
}

// Orchestrator drives the streaming pipeline: it loads the durable
// subscription set, assigns tokens to accounts, keeps the connection pool
// converged and runs one consumer per account feeding the tick processor.
type Orchestrator struct {
	cfg       Config
	repo      persistence.SubscriptionsRepo
	registry  *instruments.Registry
	pool      *broker.Pool
	accounts  *accounts.Manager
	publisher *publish.Publisher
	calendar  *market.Calendar
	metrics   *metrics.Registry
	processor *ticks.Processor

	// reconcileMu serializes subscription bookkeeping. It is never held
	// across a broker round-trip.
	reconcileMu   sync.Mutex
	lastReconcile time.Time

	indexMu    sync.RWMutex
	tokenIndex map[broker.Token]broker.Instrument
	assignment map[broker.Token]string // token -> account id
	modes      map[broker.Token]broker.Mode

	mock       *mockFeed
	mockActive sync.Map // account id -> *atomic.Bool

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. BindProcessor must be called
// before Start; the processor needs the orchestrator's token lookup and
// is therefore built second.
func NewOrchestrator(cfg Config, repo persistence.SubscriptionsRepo, registry *instruments.Registry,
	pool *broker.Pool, mgr *accounts.Manager, publisher *publish.Publisher,
	calendar *market.Calendar, m *metrics.Registry) *Orchestrator {

	if cfg.MockInterval <= 0 {
		cfg.MockInterval = time.Second
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 30 * time.Second
	}
	return &Orchestrator{
		cfg:        cfg,
		repo:       repo,
		registry:   registry,
		pool:       pool,
		accounts:   mgr,
		publisher:  publisher,
		calendar:   calendar,
		metrics:    m,
		tokenIndex: make(map[broker.Token]broker.Instrument),
		assignment: make(map[broker.Token]string),
		modes:      make(map[broker.Token]broker.Mode),
		mock:       newMockFeed(cfg.MockStateMax, cfg.MockStateTTL),
	}
}

// BindProcessor attaches the tick processor.
func (o *Orchestrator) BindProcessor(p *ticks.Processor) { o.processor = p }

// Lookup resolves an assigned token to its descriptor in O(1). Handed to
// the tick processor.
func (o *Orchestrator) Lookup(token broker.Token) (broker.Instrument, bool) {
	o.indexMu.RLock()
	defer o.indexMu.RUnlock()
	inst, ok := o.tokenIndex[token]
	return inst, ok
}

// Running reports whether the streaming pipeline is up.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Start loads active subscriptions, converges the pool and spawns the
// per-account consumers and maintenance timers.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.processor == nil {
		return fmt.Errorf("orchestrator started without a processor")
	}

	subs, err := o.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active subscriptions: %w", err)
	}

	byAccount, err := o.assign(ctx, subs)
	if err != nil {
		return err
	}

	for accountID, tokens := range byAccount {
		if len(tokens) == 0 {
			continue
		}
		if err := o.pool.Subscribe(ctx, accountID, tokens); err != nil {
			log.Error().
				Str("account_id", accountID).
				Int("tokens", len(tokens)).
				Err(err).
				Msg("Startup subscribe failed")
		}
	}

	ctx, o.cancel = context.WithCancel(context.Background())

	for _, accountID := range o.accounts.IDs() {
		id := accountID
		o.supervise(ctx, "consumer:"+id, func(ctx context.Context) error {
			return o.consume(ctx, id)
		})
		if o.cfg.EnableMockData {
			o.supervise(ctx, "mock:"+id, func(ctx context.Context) error {
				return o.mockLoop(ctx, id)
			})
		}
	}
	o.supervise(ctx, "watchdog", o.watchdogLoop)
	o.supervise(ctx, "registry-refresh", o.refreshLoop)
	o.supervise(ctx, "gauges", o.gaugeLoop)

	o.running.Store(true)
	log.Info().
		Int("subscriptions", len(subs)).
		Int("accounts", len(o.accounts.IDs())).
		Msg("Streaming orchestrator started")
	return nil
}

// Stop cancels every task and waits up to the deadline.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.running.Store(false)
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Error().Msg("Orchestrator shutdown deadline exceeded, abandoning tasks")
		return ctx.Err()
	}
}

// assign computes account assignments for the given subscriptions,
// persisting new assignments and populating the in-memory maps.
func (o *Orchestrator) assign(ctx context.Context, subs []persistence.Subscription) (map[string]map[broker.Token]broker.Mode, error) {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	ids := o.accounts.IDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}

	// Remaining capacity per account for this round.
	capacity := make(map[string]int, len(ids))
	for _, id := range ids {
		capacity[id] = o.pool.Capacity(id)
	}

	byAccount := make(map[string]map[broker.Token]broker.Mode, len(ids))
	for _, sub := range subs {
		accountID := ""
		if sub.AccountID != nil {
			if _, ok := o.accounts.Session(*sub.AccountID); ok {
				accountID = *sub.AccountID
			}
		}
		if accountID == "" {
			accountID = pickAccount(ids, capacity, o.accounts)
			if accountID == "" {
				log.Error().Uint64("token", uint64(sub.Token)).Msg("No account capacity for subscription")
				continue
			}
			if err := o.repo.SetAccount(ctx, sub.Token, &accountID); err != nil {
				return nil, fmt.Errorf("failed to persist assignment: %w", err)
			}
		}
		capacity[accountID]--

		if byAccount[accountID] == nil {
			byAccount[accountID] = make(map[broker.Token]broker.Mode)
		}
		byAccount[accountID][sub.Token] = sub.Mode

		o.indexLocked(sub.Token, accountID, sub.Mode)
	}
	return byAccount, nil
}

// pickAccount chooses the account with the most remaining capacity, ties
// broken by lowest in-flight count, then lexical account id (ids arrive
// sorted).
func pickAccount(ids []string, capacity map[string]int, mgr *accounts.Manager) string {
	best := ""
	bestCap := 0
	var bestInFlight int64
	for _, id := range ids {
		c := capacity[id]
		if c <= 0 {
			continue
		}
		var inFlight int64
		if s, ok := mgr.Session(id); ok {
			inFlight = s.InFlight()
		}
		if best == "" || c > bestCap || (c == bestCap && inFlight < bestInFlight) {
			best, bestCap, bestInFlight = id, c, inFlight
		}
	}
	return best
}

// indexLocked records an assignment. Caller holds reconcileMu.
func (o *Orchestrator) indexLocked(token broker.Token, accountID string, mode broker.Mode) {
	inst, ok := o.registry.Lookup(token)
	if !ok {
		// Tick routing needs a descriptor; an unknown token still streams
		// but its ticks will count as unknown_token until the registry
		// catches up.
		log.Warn().Uint64("token", uint64(token)).Msg("Assigned token missing from registry")
	}
	o.indexMu.Lock()
	if ok {
		o.tokenIndex[token] = inst
	}
	o.assignment[token] = accountID
	o.modes[token] = mode
	o.indexMu.Unlock()
}

func (o *Orchestrator) unindex(token broker.Token) (string, bool) {
	o.indexMu.Lock()
	defer o.indexMu.Unlock()
	accountID, ok := o.assignment[token]
	delete(o.assignment, token)
	delete(o.tokenIndex, token)
	delete(o.modes, token)
	return accountID, ok
}

// Add subscribes one token incrementally: persist, assign, subscribe on
// the pool, index, and emit a lifecycle event. In-flight streams are not
// disturbed and there is no full reload.
func (o *Orchestrator) Add(ctx context.Context, token broker.Token, mode broker.Mode) (persistence.Subscription, error) {
	if !broker.ValidMode(mode) {
		return persistence.Subscription{}, errs.Newf(errs.CategoryValidation, "stream.add", "invalid mode: %s", mode)
	}
	inst, ok := o.registry.Lookup(token)
	if !ok {
		return persistence.Subscription{}, errs.Newf(errs.CategoryValidation, "stream.add", "unknown instrument token: %d", token)
	}

	existing, err := o.repo.Get(ctx, token)
	if err != nil {
		return persistence.Subscription{}, errs.New(errs.CategoryTransient, "stream.add", err)
	}

	sub := persistence.Subscription{
		Token:         token,
		TradingSymbol: inst.TradingSymbol,
		Segment:       string(inst.Segment),
		Mode:          mode,
		Status:        persistence.SubscriptionActive,
	}
	if existing != nil {
		sub.AccountID = existing.AccountID
	}
	sub, err = o.repo.Upsert(ctx, sub)
	if err != nil {
		return persistence.Subscription{}, errs.New(errs.CategoryTransient, "stream.add", err)
	}

	// Bookkeeping under the reconcile lock; the broker round-trip below
	// runs outside it.
	o.reconcileMu.Lock()
	accountID := ""
	if sub.AccountID != nil {
		if _, ok := o.accounts.Session(*sub.AccountID); ok {
			accountID = *sub.AccountID
		}
	}
	if accountID == "" {
		ids := o.accounts.IDs()
		capacity := make(map[string]int, len(ids))
		for _, id := range ids {
			capacity[id] = o.pool.Capacity(id)
		}
		accountID = pickAccount(ids, capacity, o.accounts)
	}
	if accountID == "" {
		o.reconcileMu.Unlock()
		return persistence.Subscription{}, errs.ErrAccountCapacityExceeded
	}
	o.indexLocked(token, accountID, mode)
	o.reconcileMu.Unlock()

	if err := o.pool.Subscribe(ctx, accountID, map[broker.Token]broker.Mode{token: mode}); err != nil {
		o.unindex(token)
		return persistence.Subscription{}, err
	}

	if sub.AccountID == nil || *sub.AccountID != accountID {
		if err := o.repo.SetAccount(ctx, token, &accountID); err != nil {
			log.Error().Uint64("token", uint64(token)).Err(err).Msg("Failed to persist assignment")
		}
		sub.AccountID = &accountID
	}

	o.emitEvent(ctx, EventSubscriptionCreated, token, map[string]interface{}{
		"tradingsymbol": inst.TradingSymbol,
		"mode":          string(mode),
		"account_id":    accountID,
	})

	log.Info().
		Uint64("token", uint64(token)).
		Str("mode", string(mode)).
		Str("account_id", accountID).
		Msg("Subscription added")
	return sub, nil
}

// Remove is the symmetric incremental unsubscribe.
func (o *Orchestrator) Remove(ctx context.Context, token broker.Token) error {
	accountID, assigned := o.unindex(token)

	if assigned {
		if err := o.pool.Unsubscribe(ctx, accountID, []broker.Token{token}); err != nil {
			log.Warn().Uint64("token", uint64(token)).Err(err).Msg("Pool unsubscribe failed during removal")
		}
	}

	if err := o.repo.Deactivate(ctx, token); err != nil {
		return errs.New(errs.CategoryTransient, "stream.remove", err)
	}

	o.emitEvent(ctx, EventSubscriptionRemoved, token, nil)
	log.Info().Uint64("token", uint64(token)).Msg("Subscription removed")
	return nil
}

// Reconcile converges pool state against the store. Debounced; a call
// inside the window is a no-op unless forced.
func (o *Orchestrator) Reconcile(ctx context.Context, force bool) error {
	o.reconcileMu.Lock()
	if !force && time.Since(o.lastReconcile) < o.cfg.ReconcileDebounce {
		o.reconcileMu.Unlock()
		return nil
	}
	o.lastReconcile = time.Now()

	current := make(map[broker.Token]string, len(o.assignment))
	for t, a := range o.assignment {
		current[t] = a
	}
	o.reconcileMu.Unlock()

	subs, err := o.repo.ListActive(ctx)
	if err != nil {
		return errs.New(errs.CategoryTransient, "stream.reconcile", err)
	}

	want := make(map[broker.Token]persistence.Subscription, len(subs))
	for _, sub := range subs {
		want[sub.Token] = sub
	}

	var added, removed int
	for token, sub := range want {
		if _, ok := current[token]; !ok {
			if _, err := o.Add(ctx, token, sub.Mode); err != nil {
				log.Warn().Uint64("token", uint64(token)).Err(err).Msg("Reconcile add failed")
				continue
			}
			added++
		}
	}
	for token := range current {
		if _, ok := want[token]; !ok {
			if err := o.Remove(ctx, token); err != nil {
				log.Warn().Uint64("token", uint64(token)).Err(err).Msg("Reconcile remove failed")
				continue
			}
			removed++
		}
	}

	if added > 0 || removed > 0 {
		log.Info().Int("added", added).Int("removed", removed).Msg("Reconcile converged")
	}
	return nil
}

// consume drains one account's tick stream into the processor. While the
// account is in mock mode real ticks are discarded so an account's output
// is all-mock or all-real, never mixed.
func (o *Orchestrator) consume(ctx context.Context, accountID string) error {
	stream, err := o.pool.Ticks(accountID)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-stream:
			if !ok {
				return nil
			}
			if o.metrics != nil {
				o.metrics.TicksReceived.WithLabelValues(accountID).Inc()
			}
			if o.isMock(accountID) {
				continue
			}
			o.processor.Process(tick)
		}
	}
}

// mockLoop synthesizes ticks for the account's assigned tokens while the
// market is closed. Switching is atomic per account via the mock flag the
// consumer also reads.
func (o *Orchestrator) mockLoop(ctx context.Context, accountID string) error {
	ticker := time.NewTicker(o.cfg.MockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if o.calendar.IsOpen() {
			o.setMock(accountID, false)
			continue
		}
		o.setMock(accountID, true)

		o.indexMu.RLock()
		tokens := make([]broker.Token, 0)
		for token, acct := range o.assignment {
			if acct == accountID {
				tokens = append(tokens, token)
			}
		}
		o.indexMu.RUnlock()

		for _, token := range tokens {
			inst, ok := o.Lookup(token)
			if !ok {
				continue
			}
			base := 0.0
			if inst.IsOption() {
				base = inst.Strike.InexactFloat64() * 0.02
			}
			o.indexMu.RLock()
			mode := o.modes[token]
			o.indexMu.RUnlock()
			o.processor.Process(o.mock.tick(token, base, mode))
		}
	}
}

func (o *Orchestrator) isMock(accountID string) bool {
	if v, ok := o.mockActive.Load(accountID); ok {
		return v.(*atomic.Bool).Load()
	}
	return false
}

func (o *Orchestrator) setMock(accountID string, active bool) {
	v, _ := o.mockActive.LoadOrStore(accountID, &atomic.Bool{})
	flag := v.(*atomic.Bool)
	if flag.Load() != active {
		log.Info().Str("account_id", accountID).Bool("mock", active).Msg("Stream mode switched")
	}
	flag.Store(active)
}

func (o *Orchestrator) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.pool.CheckHealth(ctx)
		}
	}
}

// refreshLoop re-pulls the instrument dump after each trading-day
// boundary. Refresh itself no-ops on same-day snapshots.
func (o *Orchestrator) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.registry.Refresh(ctx, false); err != nil {
				log.Warn().Err(err).Msg("Scheduled registry refresh failed")
			}
			if o.metrics != nil {
				o.metrics.RegistryStaleness.Set(float64(o.registry.StaleRefreshes()))
			}
		}
	}
}

func (o *Orchestrator) gaugeLoop(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if o.metrics == nil {
				continue
			}
			for _, id := range o.accounts.IDs() {
				o.metrics.PoolSubscribed.WithLabelValues(id).Set(float64(o.pool.SubscribedCount(id)))
			}
			if count, err := o.repo.CountActive(ctx); err == nil {
				o.metrics.ActiveSubscriptions.Set(float64(count))
			}
		}
	}
}

// supervise runs fn in a goroutine, logging panics and errors and
// restarting the task until the context ends. Silent task death is a
// correctness bug.
func (o *Orchestrator) supervise(ctx context.Context, name string, fn func(context.Context) error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic: %v", r)
					}
				}()
				return fn(ctx)
			}()

			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Error().Str("task", name).Err(err).Msg("Supervised task failed, restarting")
			} else {
				log.Warn().Str("task", name).Msg("Supervised task exited early, restarting")
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// Status summarizes streaming state for the health endpoint.
func (o *Orchestrator) Status(ctx context.Context) map[string]interface{} {
	perAccount := make(map[string]interface{})
	for _, id := range o.accounts.IDs() {
		perAccount[id] = map[string]interface{}{
			"subscribed": o.pool.SubscribedCount(id),
			"capacity":   o.pool.Capacity(id),
			"mock":       o.isMock(id),
		}
	}

	active := 0
	if count, err := o.repo.CountActive(ctx); err == nil {
		active = count
	}

	return map[string]interface{}{
		"running":              o.Running(),
		"active_subscriptions": active,
		"per_account":          perAccount,
	}
}
