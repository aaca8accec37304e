package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/errs"
)

// PoolConfig sizes the per-account connection pool.
type PoolConfig struct {
	WSBaseURL          string
	MaxTokensPerConn   int           // K
	MaxConnsPerAccount int           // M
	SubscribeTimeout   time.Duration // per subscribe/unsubscribe round-trip
	SilentThreshold    time.Duration // watchdog reconnect threshold
	SinkBuffer         int           // per-account tick channel capacity
}

// MarketHours gates the silent-connection watchdog: a quiet stream outside
// market hours is normal.
type MarketHours interface {
	IsOpen() bool
}

// accountPool is the per-account view: the live connections and the
// token -> connection index that keeps each token on exactly one connection.
type accountPool struct {
	creds     Credentials
	conns     map[string]*StreamConn // by connection id
	tokenConn map[Token]string       // token -> connection id
	sink      chan Tick
}

// Pool maintains up to M stream connections per account, K tokens each.
// The mutex guards bookkeeping only; it is never held across a broker
// round-trip, so wire callbacks can re-enter public methods freely.
type Pool struct {
	cfg      PoolConfig
	dialer   Dialer
	calendar MarketHours
	onDrop   func(accountID string)

	mu       sync.Mutex
	accounts map[string]*accountPool
	closed   bool
}

// NewPool builds an empty connection pool. onDrop is invoked (outside the
// pool lock) whenever a tick is discarded because an account sink is full.
func NewPool(cfg PoolConfig, dialer Dialer, calendar MarketHours, onDrop func(accountID string)) *Pool {
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = 8192
	}
	if dialer == nil {
		dialer = GorillaDialer
	}
	return &Pool{
		cfg:      cfg,
		dialer:   dialer,
		calendar: calendar,
		onDrop:   onDrop,
		accounts: make(map[string]*accountPool),
	}
}

// Register creates the account's tick sink and credential binding. Must be
// called before Subscribe.
func (p *Pool) Register(accountID string, creds Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[accountID]; ok {
		return
	}
	p.accounts[accountID] = &accountPool{
		creds:     creds,
		conns:     make(map[string]*StreamConn),
		tokenConn: make(map[Token]string),
		sink:      make(chan Tick, p.cfg.SinkBuffer),
	}
}

// Ticks returns the account's tick stream. The channel is owned by the
// pool and closed only on pool shutdown.
func (p *Pool) Ticks(accountID string) (<-chan Tick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account: %s", accountID)
	}
	return ap.sink, nil
}

// Capacity returns the remaining subscription slots for the account.
func (p *Pool) Capacity(accountID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.accounts[accountID]
	if !ok {
		return 0
	}
	return p.cfg.MaxTokensPerConn*p.cfg.MaxConnsPerAccount - len(ap.tokenConn)
}

// SubscribedCount returns the number of tokens streaming on the account.
func (p *Pool) SubscribedCount(accountID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.accounts[accountID]
	if !ok {
		return 0
	}
	return len(ap.tokenConn)
}

// SubscribedTokens returns a copy of the account's streaming token set.
func (p *Pool) SubscribedTokens(accountID string) []Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.accounts[accountID]
	if !ok {
		return nil
	}
	tokens := make([]Token, 0, len(ap.tokenConn))
	for t := range ap.tokenConn {
		tokens = append(tokens, t)
	}
	return tokens
}

// placement is one connection's share of a subscribe call, computed under
// the lock and executed outside it.
type placement struct {
	conn    *StreamConn
	created bool
	tokens  map[Token]Mode
}

// Subscribe distributes tokens over the account's connections, creating
// connections on demand up to the per-account maximum. Tokens already
// streaming are skipped. Capacity is reserved under the lock before any
// network round-trip; a failed round-trip releases every reservation not
// yet on the wire.
func (p *Pool) Subscribe(ctx context.Context, accountID string, tokens map[Token]Mode) error {
	p.mu.Lock()
	ap, ok := p.accounts[accountID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown account: %s", accountID)
	}

	pending := make(map[Token]Mode)
	for t, m := range tokens {
		if _, exists := ap.tokenConn[t]; !exists {
			pending[t] = m
		}
	}
	if len(pending) == 0 {
		p.mu.Unlock()
		return nil
	}

	capacity := p.cfg.MaxTokensPerConn*p.cfg.MaxConnsPerAccount - len(ap.tokenConn)
	if len(pending) > capacity {
		p.mu.Unlock()
		return fmt.Errorf("%w: account %s needs %d slots, has %d",
			errs.ErrAccountCapacityExceeded, accountID, len(pending), capacity)
	}

	plan, err := p.placeLocked(accountID, ap, pending)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	// Network phase: dial new connections, send subscribe frames. On
	// failure the failing placement and every placement still waiting
	// behind it are rolled back; earlier placements are already live.
	for i, pl := range plan {
		if err := p.executePlacement(ctx, accountID, ap, pl); err != nil {
			for _, rb := range plan[i:] {
				p.rollback(accountID, ap, rb)
			}
			return err
		}
	}
	return nil
}

// placeLocked reserves capacity for pending tokens. Caller holds p.mu.
func (p *Pool) placeLocked(accountID string, ap *accountPool, pending map[Token]Mode) ([]*placement, error) {
	var plan []*placement

	// Fill existing open connections first.
	for _, conn := range ap.conns {
		if len(pending) == 0 {
			break
		}
		free := p.cfg.MaxTokensPerConn - p.reservedOn(ap, conn.id)
		if free <= 0 || conn.State() == StateClosed || conn.State() == StateClosing {
			continue
		}
		pl := &placement{conn: conn, tokens: take(pending, free)}
		if len(pl.tokens) == 0 {
			continue
		}
		p.reserve(ap, conn.id, pl.tokens)
		plan = append(plan, pl)
	}

	// Create new connections for the remainder.
	for len(pending) > 0 {
		if len(ap.conns) >= p.cfg.MaxConnsPerAccount {
			// Undo reservations made so far; capacity math above should
			// have prevented this.
			for _, pl := range plan {
				p.release(ap, pl.tokens)
			}
			return nil, fmt.Errorf("%w: account %s has no free connections",
				errs.ErrAccountCapacityExceeded, accountID)
		}
		conn := newStreamConn(uuid.New().String()[:8], accountID, ap.sink, p.dropFn(accountID))
		ap.conns[conn.id] = conn
		pl := &placement{conn: conn, created: true, tokens: take(pending, p.cfg.MaxTokensPerConn)}
		p.reserve(ap, conn.id, pl.tokens)
		plan = append(plan, pl)
	}
	return plan, nil
}

func (p *Pool) reservedOn(ap *accountPool, connID string) int {
	n := 0
	for _, id := range ap.tokenConn {
		if id == connID {
			n++
		}
	}
	return n
}

func (p *Pool) reserve(ap *accountPool, connID string, tokens map[Token]Mode) {
	for t := range tokens {
		ap.tokenConn[t] = connID
	}
}

func (p *Pool) release(ap *accountPool, tokens map[Token]Mode) {
	for t := range tokens {
		delete(ap.tokenConn, t)
	}
}

func (p *Pool) dropFn(accountID string) func() {
	if p.onDrop == nil {
		return nil
	}
	return func() { p.onDrop(accountID) }
}

func (p *Pool) executePlacement(ctx context.Context, accountID string, ap *accountPool, pl *placement) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SubscribeTimeout)
	defer cancel()

	if pl.created {
		ws, err := p.dialer(ctx, p.cfg.WSBaseURL, ap.creds)
		if err != nil {
			return errs.New(errs.CategoryTransient, "pool.dial", err)
		}
		pl.conn.open(ws)
		log.Info().
			Str("account_id", accountID).
			Str("connection_id", pl.conn.id).
			Msg("Opened stream connection")
	}

	if err := pl.conn.subscribe(ctx, pl.tokens); err != nil {
		return errs.New(errs.CategoryTransient, "pool.subscribe", err)
	}
	return nil
}

// rollback releases a failed placement's reservation and reaps the
// connection if it was created for this call and holds nothing else.
func (p *Pool) rollback(accountID string, ap *accountPool, pl *placement) {
	p.mu.Lock()
	p.release(ap, pl.tokens)
	empty := pl.created && p.reservedOn(ap, pl.conn.id) == 0
	if empty {
		delete(ap.conns, pl.conn.id)
	}
	p.mu.Unlock()

	if empty {
		pl.conn.close()
		log.Warn().
			Str("account_id", accountID).
			Str("connection_id", pl.conn.id).
			Msg("Reaped stream connection after failed subscribe")
	}
}

// Unsubscribe removes tokens from the account's connections and reaps
// connections left empty.
func (p *Pool) Unsubscribe(ctx context.Context, accountID string, tokens []Token) error {
	p.mu.Lock()
	ap, ok := p.accounts[accountID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown account: %s", accountID)
	}

	byConn := make(map[string][]Token)
	for _, t := range tokens {
		if connID, exists := ap.tokenConn[t]; exists {
			byConn[connID] = append(byConn[connID], t)
			delete(ap.tokenConn, t)
		}
	}
	conns := make(map[string]*StreamConn, len(byConn))
	for connID := range byConn {
		conns[connID] = ap.conns[connID]
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.SubscribeTimeout)
	defer cancel()

	var firstErr error
	for connID, toks := range byConn {
		conn := conns[connID]
		if conn == nil {
			continue
		}
		if err := conn.unsubscribe(ctx, toks); err != nil && firstErr == nil {
			firstErr = errs.New(errs.CategoryTransient, "pool.unsubscribe", err)
		}
	}

	p.reapEmpty(accountID, ap)
	return firstErr
}

// reapEmpty tears down connections with no reserved tokens.
func (p *Pool) reapEmpty(accountID string, ap *accountPool) {
	p.mu.Lock()
	var victims []*StreamConn
	for id, conn := range ap.conns {
		if p.reservedOn(ap, id) == 0 {
			victims = append(victims, conn)
			delete(ap.conns, id)
		}
	}
	p.mu.Unlock()

	for _, conn := range victims {
		conn.close()
		log.Info().
			Str("account_id", accountID).
			Str("connection_id", conn.id).
			Msg("Reaped idle stream connection")
	}
}

// ConnHealth is one connection's watchdog view.
type ConnHealth struct {
	ConnectionID string    `json:"connection_id"`
	AccountID    string    `json:"account_id"`
	State        string    `json:"state"`
	Subscribed   int       `json:"subscribed"`
	LastTickAt   time.Time `json:"last_tick_at"`
}

// Health reports every connection across all accounts.
func (p *Pool) Health() []ConnHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ConnHealth
	for accountID, ap := range p.accounts {
		for id, conn := range ap.conns {
			out = append(out, ConnHealth{
				ConnectionID: id,
				AccountID:    accountID,
				State:        conn.State().String(),
				Subscribed:   p.reservedOn(ap, id),
				LastTickAt:   conn.LastTickAt(),
			})
		}
	}
	return out
}

// CheckHealth reconnects connections that have been silent beyond the
// threshold while the market is open. Called from the orchestrator's
// watchdog timer.
func (p *Pool) CheckHealth(ctx context.Context) {
	if p.calendar != nil && !p.calendar.IsOpen() {
		return
	}

	type victim struct {
		accountID string
		connID    string
	}
	var silent []victim

	p.mu.Lock()
	now := time.Now()
	for accountID, ap := range p.accounts {
		for id, conn := range ap.conns {
			if conn.State() != StateOpen {
				continue
			}
			last := conn.LastTickAt()
			if last.IsZero() || now.Sub(last) > p.cfg.SilentThreshold {
				silent = append(silent, victim{accountID: accountID, connID: id})
			}
		}
	}
	p.mu.Unlock()

	for _, v := range silent {
		if err := p.reconnect(ctx, v.accountID, v.connID); err != nil {
			log.Error().
				Str("account_id", v.accountID).
				Str("connection_id", v.connID).
				Err(err).
				Msg("Failed to reconnect silent stream connection")
		}
	}
}

// reconnect replaces a silent connection: the old socket is closed, a new
// one is dialed, and the connection's token set is resubscribed.
func (p *Pool) reconnect(ctx context.Context, accountID, connID string) error {
	p.mu.Lock()
	ap, ok := p.accounts[accountID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown account: %s", accountID)
	}
	old := ap.conns[connID]
	if old == nil {
		p.mu.Unlock()
		return nil
	}
	tokens := old.Tokens()
	replacement := newStreamConn(uuid.New().String()[:8], accountID, ap.sink, p.dropFn(accountID))
	ap.conns[replacement.id] = replacement
	delete(ap.conns, connID)
	for t := range tokens {
		ap.tokenConn[t] = replacement.id
	}
	creds := ap.creds
	p.mu.Unlock()

	old.close()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.SubscribeTimeout)
	defer cancel()

	ws, err := p.dialer(ctx, p.cfg.WSBaseURL, creds)
	if err != nil {
		return errs.New(errs.CategoryTransient, "pool.reconnect", err)
	}
	replacement.open(ws)
	if len(tokens) > 0 {
		if err := replacement.subscribe(ctx, tokens); err != nil {
			return errs.New(errs.CategoryTransient, "pool.reconnect", err)
		}
	}

	log.Warn().
		Str("account_id", accountID).
		Str("old_connection_id", connID).
		Str("connection_id", replacement.id).
		Int("tokens", len(tokens)).
		Msg("Reconnected silent stream connection")
	return nil
}

// Close tears down every connection and closes every account sink.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var conns []*StreamConn
	var sinks []chan Tick
	for _, ap := range p.accounts {
		for _, conn := range ap.conns {
			conns = append(conns, conn)
		}
		ap.conns = make(map[string]*StreamConn)
		ap.tokenConn = make(map[Token]string)
		sinks = append(sinks, ap.sink)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	for _, sink := range sinks {
		close(sink)
	}
}

// take moves up to n entries out of src and returns them.
func take(src map[Token]Mode, n int) map[Token]Mode {
	out := make(map[Token]Mode, n)
	for t, m := range src {
		if len(out) >= n {
			break
		}
		out[t] = m
		delete(src, t)
	}
	return out
}
