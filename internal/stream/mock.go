package stream

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	"github.com/optstream/gateway/internal/broker"
)

// mockState is one token's synthetic price walk.
type mockState struct {
	token    broker.Token
	price    float64
	lastUsed time.Time
	elem     *list.Element
}

// mockFeed synthesizes realistic ticks for assigned tokens when the
// market is closed. Per-token walk state is LRU-bounded and TTL-evicted.
type mockFeed struct {
	mu     sync.Mutex
	states map[broker.Token]*mockState
	lru    *list.List // least recently used at front
	max    int
	ttl    time.Duration
	rnd    *rand.Rand
}

func newMockFeed(max int, ttl time.Duration) *mockFeed {
	if max <= 0 {
		max = 10000
	}
	return &mockFeed{
		states: make(map[broker.Token]*mockState),
		lru:    list.New(),
		max:    max,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// tick advances the walk for one token and returns a synthetic tick.
// basePrice seeds the walk the first time a token is seen.
func (m *mockFeed) tick(token broker.Token, basePrice float64, mode broker.Mode) broker.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	st, ok := m.states[token]
	if !ok {
		if basePrice <= 0 {
			basePrice = 100 + m.rnd.Float64()*400
		}
		st = &mockState{token: token, price: basePrice}
		st.elem = m.lru.PushBack(st)
		m.states[token] = st
		m.evictLocked(now)
	}

	// Bounded random walk: ±0.25% per step, floored near zero.
	st.price *= 1 + (m.rnd.Float64()-0.5)*0.005
	if st.price < 0.05 {
		st.price = 0.05
	}
	st.lastUsed = now
	m.lru.MoveToBack(st.elem)

	return broker.Tick{
		Token:     token,
		Mode:      mode,
		LastPrice: st.price,
		Volume:    uint64(m.rnd.Intn(10000)),
		OI:        uint64(m.rnd.Intn(1000000)),
		Timestamp: now,
	}
}

// evictLocked drops LRU overflow and TTL-expired entries. Caller holds mu.
func (m *mockFeed) evictLocked(now time.Time) {
	for m.lru.Len() > m.max {
		front := m.lru.Front()
		st := front.Value.(*mockState)
		m.lru.Remove(front)
		delete(m.states, st.token)
	}
	for e := m.lru.Front(); e != nil; {
		st := e.Value.(*mockState)
		if now.Sub(st.lastUsed) <= m.ttl {
			break
		}
		next := e.Next()
		m.lru.Remove(e)
		delete(m.states, st.token)
		e = next
	}
}

func (m *mockFeed) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}
