package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/ratelimit"
)

func newTestManager(t *testing.T, limits map[ratelimit.EndpointClass]ratelimit.ClassLimit, ids ...string) *Manager {
	t.Helper()
	if limits == nil {
		limits = map[ratelimit.EndpointClass]ratelimit.ClassLimit{
			ratelimit.ClassOrder: {PerSecond: 1000, Burst: 1000},
			ratelimit.ClassQuote: {PerSecond: 1000, Burst: 1000},
		}
	}
	m := NewManager(ratelimit.New(limits), 50*time.Millisecond)
	for _, id := range ids {
		require.NoError(t, m.Add(id, broker.Credentials{APIKey: "key-" + id, AccessToken: "tok-" + id}))
	}
	return m
}

func TestBorrowAndRelease(t *testing.T) {
	m := newTestManager(t, nil, "acct1")

	lease, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)
	assert.Equal(t, "acct1", lease.AccountID())
	assert.Equal(t, "key-acct1", lease.Credentials().APIKey)

	s, _ := m.Session("acct1")
	assert.Equal(t, int64(1), s.InFlight())

	lease.Release()
	assert.Equal(t, int64(0), s.InFlight())
}

func TestBorrowIsExclusive(t *testing.T) {
	m := newTestManager(t, nil, "acct1")

	lease, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)

	// Second borrower times out while the lease is held.
	_, err = m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.ErrorIs(t, err, errs.ErrLeaseTimeout)

	lease.Release()
	lease2, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)
	lease2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil, "acct1")

	lease, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	// The slot is free exactly once.
	lease2, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)
	defer lease2.Release()

	_, err = m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	assert.ErrorIs(t, err, errs.ErrLeaseTimeout)
}

func TestBorrowRateLimited(t *testing.T) {
	m := newTestManager(t, map[ratelimit.EndpointClass]ratelimit.ClassLimit{
		ratelimit.ClassOrder: {PerSecond: 1, Burst: 1},
	}, "acct1")

	lease, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)
	lease.Release()

	_, err = m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.Error(t, err)
	assert.True(t, errs.IsLimit(err))
}

func TestBorrowUnknownAccount(t *testing.T) {
	m := newTestManager(t, nil, "acct1")
	_, err := m.Borrow(context.Background(), "ghost", ratelimit.ClassOrder)
	require.Error(t, err)
	assert.Equal(t, errs.CategoryValidation, errs.CategoryOf(err))
}

func TestBorrowHonorsContext(t *testing.T) {
	m := newTestManager(t, nil, "acct1")

	lease, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Borrow(ctx, "acct1", ratelimit.ClassOrder)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailoverOnLimitOnly(t *testing.T) {
	m := newTestManager(t, map[ratelimit.EndpointClass]ratelimit.ClassLimit{
		ratelimit.ClassQuote: {PerSecond: 1, Burst: 1},
	}, "acct1", "acct2")

	// Exhaust acct1's quote quota.
	lease, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassQuote)
	require.NoError(t, err)
	lease.Release()

	// Failover lands on acct2.
	lease, err = m.BorrowWithFailover(context.Background(), ratelimit.ClassQuote, "acct1")
	require.NoError(t, err)
	assert.Equal(t, "acct2", lease.AccountID())
	lease.Release()
}

func TestFailoverStopsOnNonLimitError(t *testing.T) {
	m := newTestManager(t, nil, "acct1", "acct2")

	// Hold acct1 so the preferred borrow hits the lease timeout, which is
	// transient, not a limit: failover must not mask it.
	lease, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)
	defer lease.Release()

	_, err = m.BorrowWithFailover(context.Background(), ratelimit.ClassOrder, "acct1")
	assert.ErrorIs(t, err, errs.ErrLeaseTimeout)
}

func TestAllAccountsLimited(t *testing.T) {
	m := newTestManager(t, map[ratelimit.EndpointClass]ratelimit.ClassLimit{
		ratelimit.ClassQuote: {PerSecond: 1, Burst: 1},
	}, "acct1", "acct2")

	for _, id := range m.IDs() {
		lease, err := m.Borrow(context.Background(), id, ratelimit.ClassQuote)
		require.NoError(t, err)
		lease.Release()
	}

	_, err := m.BorrowWithFailover(context.Background(), ratelimit.ClassQuote, "")
	assert.ErrorIs(t, err, errs.ErrAllAccountsLimited)
}

func TestIDsStableOrder(t *testing.T) {
	m := newTestManager(t, nil, "zeta", "alpha", "mid")
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.IDs())
}

func TestRotateToken(t *testing.T) {
	m := newTestManager(t, nil, "acct1")
	s, ok := m.Session("acct1")
	require.True(t, ok)

	lease, err := m.Borrow(context.Background(), "acct1", ratelimit.ClassOrder)
	require.NoError(t, err)

	s.RotateToken("fresh")

	// The in-flight lease keeps the credentials it captured.
	assert.Equal(t, "tok-acct1", lease.Credentials().AccessToken)
	assert.Equal(t, "fresh", s.Credentials().AccessToken)
	lease.Release()
}
