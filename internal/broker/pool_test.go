package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optstream/gateway/internal/errs"
)

// fakeWS is a scriptable stream connection: writes are recorded, reads
// block until closed.
type fakeWS struct {
	mu     sync.Mutex
	frames [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{closed: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("connection closed")
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeWS) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeWS) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeWS
	err   error
}

func (d *fakeDialer) dial(context.Context, string, Credentials) (WSConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ws := newFakeWS()
	d.conns = append(d.conns, ws)
	return ws, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type alwaysOpen struct{}

func (alwaysOpen) IsOpen() bool { return true }

func newTestPool(t *testing.T, k, m int) (*Pool, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	p := NewPool(PoolConfig{
		WSBaseURL:          "wss://stream.test",
		MaxTokensPerConn:   k,
		MaxConnsPerAccount: m,
		SubscribeTimeout:   time.Second,
		SilentThreshold:    time.Minute,
	}, d.dial, alwaysOpen{}, nil)
	p.Register("acct1", Credentials{APIKey: "key", AccessToken: "token"})
	t.Cleanup(p.Close)
	return p, d
}

func modes(tokens ...Token) map[Token]Mode {
	out := make(map[Token]Mode, len(tokens))
	for _, tk := range tokens {
		out[tk] = ModeFull
	}
	return out
}

func TestSubscribeCreatesConnectionsOnDemand(t *testing.T) {
	p, d := newTestPool(t, 2, 3)

	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2)))
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, 2, p.SubscribedCount("acct1"))

	// Third token overflows the first connection.
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(3)))
	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, 3, p.SubscribedCount("acct1"))
}

func TestSubscribeIsIdempotentPerToken(t *testing.T) {
	p, d := newTestPool(t, 10, 3)

	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2)))
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2)))

	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, 2, p.SubscribedCount("acct1"))
}

func TestCapacityEnforced(t *testing.T) {
	p, _ := newTestPool(t, 2, 2)

	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2, 3, 4)))
	assert.Equal(t, 0, p.Capacity("acct1"))

	err := p.Subscribe(context.Background(), "acct1", modes(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAccountCapacityExceeded)
	// Failed subscribe leaves no residue.
	assert.Equal(t, 4, p.SubscribedCount("acct1"))
}

func TestEachTokenOnExactlyOneConnection(t *testing.T) {
	p, _ := newTestPool(t, 2, 3)
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2, 3, 4, 5)))

	p.mu.Lock()
	ap := p.accounts["acct1"]
	perConn := make(map[string]int)
	for _, connID := range ap.tokenConn {
		perConn[connID]++
	}
	p.mu.Unlock()

	assert.Len(t, ap.tokenConn, 5)
	for connID, n := range perConn {
		assert.LessOrEqual(t, n, 2, "connection %s over its token cap", connID)
	}
}

func TestSubscribeRollsBackOnDialFailure(t *testing.T) {
	p, d := newTestPool(t, 10, 3)
	d.err = errors.New("dial refused")

	err := p.Subscribe(context.Background(), "acct1", modes(1, 2))
	require.Error(t, err)
	assert.Equal(t, 0, p.SubscribedCount("acct1"))
	assert.Equal(t, 10*3, p.Capacity("acct1"))

	// Recovery: the next subscribe starts clean.
	d.err = nil
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2)))
	assert.Equal(t, 2, p.SubscribedCount("acct1"))
}

func TestSubscribeRollsBackWholePlanOnDialFailure(t *testing.T) {
	// K=1 forces one connection per token, so one subscribe call builds a
	// multi-connection plan and the first dial failure must release every
	// reservation, not just the failing connection's.
	p, d := newTestPool(t, 1, 3)
	d.err = errors.New("dial refused")

	err := p.Subscribe(context.Background(), "acct1", modes(1, 2, 3))
	require.Error(t, err)
	assert.Equal(t, 0, p.SubscribedCount("acct1"))
	assert.Equal(t, 3, p.Capacity("acct1"))

	p.mu.Lock()
	conns := len(p.accounts["acct1"].conns)
	p.mu.Unlock()
	assert.Equal(t, 0, conns, "failed subscribe must not leave connections behind")

	// Recovery: every token dials a fresh connection.
	d.err = nil
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2, 3)))
	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, 3, p.SubscribedCount("acct1"))
}

func TestUnsubscribeReapsEmptyConnections(t *testing.T) {
	p, d := newTestPool(t, 2, 3)
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2, 3)))
	require.Equal(t, 2, d.dialCount())

	require.NoError(t, p.Unsubscribe(context.Background(), "acct1", []Token{1, 2, 3}))
	assert.Equal(t, 0, p.SubscribedCount("acct1"))

	p.mu.Lock()
	conns := len(p.accounts["acct1"].conns)
	p.mu.Unlock()
	assert.Equal(t, 0, conns)
}

func TestUnsubscribeUnknownTokenIsNoop(t *testing.T) {
	p, _ := newTestPool(t, 2, 3)
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1)))

	require.NoError(t, p.Unsubscribe(context.Background(), "acct1", []Token{99}))
	assert.Equal(t, 1, p.SubscribedCount("acct1"))
}

func TestSubscribeUnknownAccount(t *testing.T) {
	p, _ := newTestPool(t, 2, 3)
	assert.Error(t, p.Subscribe(context.Background(), "ghost", modes(1)))
}

func TestSubscribeSendsWireFrames(t *testing.T) {
	p, d := newTestPool(t, 10, 1)
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(256265)))

	d.mu.Lock()
	ws := d.conns[0]
	d.mu.Unlock()

	ws.mu.Lock()
	frames := make([]string, 0, len(ws.frames))
	for _, f := range ws.frames {
		frames = append(frames, string(f))
	}
	ws.mu.Unlock()

	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0], `"a":"subscribe"`)
	assert.Contains(t, frames[0], "256265")
	// Full mode needs an explicit mode frame after subscribe.
	require.Len(t, frames, 2)
	assert.Contains(t, frames[1], `"a":"mode"`)
	assert.Contains(t, frames[1], `"full"`)
}

func TestHealthReportsConnections(t *testing.T) {
	p, _ := newTestPool(t, 2, 3)
	require.NoError(t, p.Subscribe(context.Background(), "acct1", modes(1, 2, 3)))

	health := p.Health()
	require.Len(t, health, 2)
	total := 0
	for _, h := range health {
		assert.Equal(t, "acct1", h.AccountID)
		assert.Equal(t, StateOpen.String(), h.State)
		total += h.Subscribed
	}
	assert.Equal(t, 3, total)
}
