package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optstream/gateway/internal/accounts"
	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/ratelimit"
)

// recordingClient captures which credentials served each historical call.
// API keys in limited answer with a broker-side rate-limit error.
type recordingClient struct {
	mu      sync.Mutex
	apiKeys []string
	candles []broker.Candle
	limited map[string]bool
}

func (c *recordingClient) Historical(_ context.Context, creds broker.Credentials, _ broker.Token, _ string, _, _ time.Time) ([]broker.Candle, error) {
	c.mu.Lock()
	c.apiKeys = append(c.apiKeys, creds.APIKey)
	limited := c.limited[creds.APIKey]
	c.mu.Unlock()
	if limited {
		return nil, errs.Newf(errs.CategoryLimit, "broker.historical", "too many requests (status 429)")
	}
	return c.candles, nil
}

func (c *recordingClient) Instruments(context.Context) ([]broker.Instrument, error) {
	return nil, errors.New("not implemented")
}

func (c *recordingClient) PlaceOrder(context.Context, broker.Credentials, broker.OrderParams) (broker.OrderResult, error) {
	return broker.OrderResult{}, errors.New("not implemented")
}

func (c *recordingClient) ModifyOrder(context.Context, broker.Credentials, broker.OrderParams) (broker.OrderResult, error) {
	return broker.OrderResult{}, errors.New("not implemented")
}

func (c *recordingClient) CancelOrder(context.Context, broker.Credentials, broker.OrderParams) (broker.OrderResult, error) {
	return broker.OrderResult{}, errors.New("not implemented")
}

func newHistoryFixture(t *testing.T) (*Service, *recordingClient, *accounts.Manager) {
	t.Helper()
	limiter := ratelimit.New(map[ratelimit.EndpointClass]ratelimit.ClassLimit{
		ratelimit.ClassHistorical: {PerSecond: 1, Burst: 1},
	})
	mgr := accounts.NewManager(limiter, 50*time.Millisecond)
	require.NoError(t, mgr.Add("acct1", broker.Credentials{APIKey: "key-acct1", AccessToken: "t"}))
	require.NoError(t, mgr.Add("acct2", broker.Credentials{APIKey: "key-acct2", AccessToken: "t"}))

	client := &recordingClient{candles: []broker.Candle{
		{Timestamp: time.Date(2025, 1, 8, 9, 15, 0, 0, time.UTC), Open: 22100, Close: 22150, Volume: 900},
	}}
	return NewService(client, mgr), client, mgr
}

func TestFetchUsesPreferredAccount(t *testing.T) {
	svc, client, _ := newHistoryFixture(t)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles, err := svc.Fetch(context.Background(), 256265, "minute", from, from.Add(24*time.Hour), "acct2")
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, []string{"key-acct2"}, client.apiKeys)
}

func TestFetchFailsOverOnRateLimit(t *testing.T) {
	svc, client, mgr := newHistoryFixture(t)

	// Burn acct1's historical quota.
	lease, err := mgr.Borrow(context.Background(), "acct1", ratelimit.ClassHistorical)
	require.NoError(t, err)
	lease.Release()

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles, err := svc.Fetch(context.Background(), 256265, "day", from, from.Add(24*time.Hour), "acct1")
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, []string{"key-acct2"}, client.apiKeys)
}

func TestFetchFailsOverOnBrokerLimit(t *testing.T) {
	svc, client, _ := newHistoryFixture(t)
	client.limited = map[string]bool{"key-acct1": true}

	// The local limiter admits acct1 but the broker answers 429; the fetch
	// must rotate to acct2 instead of surfacing the limit.
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles, err := svc.Fetch(context.Background(), 256265, "minute", from, from.Add(24*time.Hour), "acct1")
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, []string{"key-acct1", "key-acct2"}, client.apiKeys)
}

func TestFetchAllAccountsBrokerLimited(t *testing.T) {
	svc, client, _ := newHistoryFixture(t)
	client.limited = map[string]bool{"key-acct1": true, "key-acct2": true}

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Fetch(context.Background(), 256265, "minute", from, from.Add(time.Hour), "")
	assert.ErrorIs(t, err, errs.ErrAllAccountsLimited)
}

func TestFetchAllAccountsLimited(t *testing.T) {
	svc, _, mgr := newHistoryFixture(t)

	for _, id := range mgr.IDs() {
		lease, err := mgr.Borrow(context.Background(), id, ratelimit.ClassHistorical)
		require.NoError(t, err)
		lease.Release()
	}

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Fetch(context.Background(), 256265, "minute", from, from.Add(time.Hour), "")
	assert.ErrorIs(t, err, errs.ErrAllAccountsLimited)
}
