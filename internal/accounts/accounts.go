package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/ratelimit"
)

// Session is one broker account's live state. The slot channel is the
// account's exclusive-operation lock: holding the token in the channel
// means holding the account.
type Session struct {
	id string

	mu    sync.RWMutex
	creds broker.Credentials

	slot       chan struct{}
	inFlight   atomic.Int64
	lastUsedAt atomic.Int64
}

func newSession(id string, creds broker.Credentials) *Session {
	s := &Session{id: id, creds: creds, slot: make(chan struct{}, 1)}
	s.slot <- struct{}{}
	return s
}

// ID returns the account id.
func (s *Session) ID() string { return s.id }

// Credentials returns the current credential pair.
func (s *Session) Credentials() broker.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// RotateToken swaps the access token in place. Called by the external
// token refresher; in-flight leases keep the credentials they copied.
func (s *Session) RotateToken(accessToken string) {
	s.mu.Lock()
	s.creds.AccessToken = accessToken
	s.mu.Unlock()
	log.Info().Str("account_id", s.id).Msg("Rotated account access token")
}

// InFlight returns the number of leases currently held.
func (s *Session) InFlight() int64 { return s.inFlight.Load() }

// LastUsedAt returns the time the account was last borrowed.
func (s *Session) LastUsedAt() time.Time {
	ns := s.lastUsedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Lease is scoped exclusive access to an account session. Release is
// idempotent and must run on every exit path.
type Lease struct {
	session *Session
	creds   broker.Credentials
	once    sync.Once
}

// AccountID returns the leased account's id.
func (l *Lease) AccountID() string { return l.session.id }

// Credentials returns the credentials captured at acquisition.
func (l *Lease) Credentials() broker.Credentials { return l.creds }

// Release returns the account to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.session.inFlight.Add(-1)
		l.session.slot <- struct{}{}
	})
}

// Manager owns the account sessions and hands out leases.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	order        []string // stable failover order
	limiter      *ratelimit.Limiter
	leaseTimeout time.Duration
}

// NewManager builds the session set from configured accounts.
func NewManager(limiter *ratelimit.Limiter, leaseTimeout time.Duration) *Manager {
	return &Manager{
		sessions:     make(map[string]*Session),
		limiter:      limiter,
		leaseTimeout: leaseTimeout,
	}
}

// Add registers an account session. Called once per account at startup.
func (m *Manager) Add(id string, creds broker.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("duplicate account: %s", id)
	}
	m.sessions[id] = newSession(id, creds)
	m.order = append(m.order, id)
	sort.Strings(m.order)
	return nil
}

// Session returns the session for an account id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IDs returns account ids in the stable failover order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Borrow acquires the named account for an operation class. It checks the
// rate limit first, then takes the account's exclusive slot, blocking up
// to the lease timeout.
func (m *Manager) Borrow(ctx context.Context, accountID string, class ratelimit.EndpointClass) (*Lease, error) {
	m.mu.RLock()
	session, ok := m.sessions[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.CategoryValidation, "accounts.borrow", "unknown account: %s", accountID)
	}

	if d := m.limiter.TryAcquire(accountID, class); !d.OK {
		return nil, errs.Newf(errs.CategoryLimit, "accounts.borrow",
			"account %s rate limited for %s, retry after %s", accountID, class, d.RetryAfter)
	}

	timer := time.NewTimer(m.leaseTimeout)
	defer timer.Stop()

	select {
	case <-session.slot:
	case <-timer.C:
		return nil, errs.ErrLeaseTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	session.inFlight.Add(1)
	session.lastUsedAt.Store(time.Now().UnixNano())
	return &Lease{session: session, creds: session.Credentials()}, nil
}

// BorrowWithFailover tries the preferred account first, then the rest in
// stable order. Only limit errors trigger failover; anything else is
// returned as-is. Used by read-only paths; order execution must use Borrow
// because the account is part of the task identity.
func (m *Manager) BorrowWithFailover(ctx context.Context, class ratelimit.EndpointClass, preferred string) (*Lease, error) {
	candidates := m.IDs()
	if preferred != "" {
		ordered := make([]string, 0, len(candidates))
		ordered = append(ordered, preferred)
		for _, id := range candidates {
			if id != preferred {
				ordered = append(ordered, id)
			}
		}
		candidates = ordered
	}
	if len(candidates) == 0 {
		return nil, errs.Newf(errs.CategoryValidation, "accounts.borrow", "no accounts configured")
	}

	for i, id := range candidates {
		lease, err := m.Borrow(ctx, id, class)
		if err == nil {
			if i > 0 {
				log.Warn().
					Str("preferred", candidates[0]).
					Str("account_id", id).
					Str("class", string(class)).
					Msg("Account failover")
			}
			return lease, nil
		}
		if !errs.IsLimit(err) {
			return nil, err
		}
		log.Debug().Str("account_id", id).Err(err).Msg("Account limited, trying next")
	}
	return nil, errs.ErrAllAccountsLimited
}

// Status reports per-account lease state for the health endpoint.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]interface{}, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = map[string]interface{}{
			"in_flight":    s.InFlight(),
			"last_used_at": s.LastUsedAt(),
		}
	}
	return out
}
