package ticks

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/greeks"
	"github.com/optstream/gateway/internal/market"
)

type recordingSink struct {
	mu    sync.Mutex
	added map[string][][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{added: make(map[string][][]byte)}
}

func (s *recordingSink) Add(channel string, payload []byte, _ uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added[channel] = append(s.added[channel], payload)
	return true
}

func (s *recordingSink) payloads(channel string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added[channel]
}

type tickClock struct {
	t time.Time
}

func (c tickClock) Now() time.Time { return c.t }

const (
	niftyToken  broker.Token = 256265
	optionToken broker.Token = 12345602
)

func testInstruments() map[broker.Token]broker.Instrument {
	expiry := time.Date(2025, 2, 27, 0, 0, 0, 0, time.UTC)
	return map[broker.Token]broker.Instrument{
		niftyToken: {
			Token:         niftyToken,
			TradingSymbol: "NIFTY 50",
			Name:          "NIFTY",
			Segment:       broker.SegmentIndex,
		},
		optionToken: {
			Token:          optionToken,
			TradingSymbol:  "NIFTY25FEB22000CE",
			Name:           "NIFTY",
			Segment:        broker.SegmentOption,
			InstrumentType: "CE",
			Strike:         decimal.NewFromInt(22000),
			Expiry:         expiry,
		},
	}
}

func newTestProcessor(t *testing.T, sink Sink) *Processor {
	t.Helper()
	insts := testInstruments()
	lookup := func(token broker.Token) (broker.Instrument, bool) {
		inst, ok := insts[token]
		return inst, ok
	}

	now := time.Date(2025, 1, 8, 11, 0, 0, 0, time.UTC)
	cal, err := market.NewCalendar(tickClock{t: now}, "UTC", "09:15", "15:30")
	require.NoError(t, err)

	return NewProcessor(ProcessorConfig{
		UnderlyingChannel: "ticker:test:underlying",
		OptionsChannel:    "ticker:test:options",
		RiskFreeRate:      0.065,
	}, lookup, NewValidator(false, nil), cal, sink, nil)
}

func TestProcessUnderlyingPublishesAndRecordsPrice(t *testing.T) {
	sink := newRecordingSink()
	p := newTestProcessor(t, sink)

	p.Process(broker.Tick{Token: niftyToken, LastPrice: 22150.5, Volume: 100, Timestamp: time.Now()})

	price, ok := p.UnderlyingPrice("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 22150.5, price)

	payloads := sink.payloads("ticker:test:underlying")
	require.Len(t, payloads, 1)

	var snap UnderlyingSnapshot
	require.NoError(t, json.Unmarshal(payloads[0], &snap))
	assert.Equal(t, niftyToken, snap.Token)
	assert.Equal(t, "NIFTY 50", snap.Symbol)
	assert.Equal(t, 22150.5, snap.LastPrice)
}

func TestProcessOptionEnrichedWithGreeks(t *testing.T) {
	sink := newRecordingSink()
	p := newTestProcessor(t, sink)

	p.Process(broker.Tick{Token: niftyToken, LastPrice: 22000, Timestamp: time.Now()})

	// Price the option consistently so the IV solve converges.
	years := 50.0 / 365
	theoretical := greeks.Price(greeks.Inputs{
		Type: broker.OptionCall, Spot: 22000, Strike: 22000,
		Rate: 0.065, Sigma: 0.15, Years: years,
	})
	p.Process(broker.Tick{Token: optionToken, LastPrice: theoretical, OI: 5000, Timestamp: time.Now()})

	payloads := sink.payloads("ticker:test:options")
	require.Len(t, payloads, 1)

	var snap OptionSnapshot
	require.NoError(t, json.Unmarshal(payloads[0], &snap))
	assert.Equal(t, 22000.0, snap.UnderlyingPrice)
	assert.Equal(t, 22000.0, snap.Strike)
	assert.Greater(t, snap.Greeks.IV, 0.0)
	assert.Greater(t, snap.Greeks.Delta, 0.0)
}

func TestProcessOptionWithoutUnderlyingStillPublishes(t *testing.T) {
	sink := newRecordingSink()
	p := newTestProcessor(t, sink)

	p.Process(broker.Tick{Token: optionToken, LastPrice: 120.5, Timestamp: time.Now()})

	payloads := sink.payloads("ticker:test:options")
	require.Len(t, payloads, 1)

	var snap OptionSnapshot
	require.NoError(t, json.Unmarshal(payloads[0], &snap))
	assert.Zero(t, snap.UnderlyingPrice)
	assert.Equal(t, greeks.Greeks{}, snap.Greeks)
}

func TestProcessUnknownTokenDropped(t *testing.T) {
	sink := newRecordingSink()
	p := newTestProcessor(t, sink)

	p.Process(broker.Tick{Token: 999, LastPrice: 10, Timestamp: time.Now()})

	assert.Empty(t, sink.payloads("ticker:test:underlying"))
	assert.Empty(t, sink.payloads("ticker:test:options"))
}

func TestProcessInvalidTickDropped(t *testing.T) {
	sink := newRecordingSink()
	p := newTestProcessor(t, sink)

	p.Process(broker.Tick{Token: niftyToken, LastPrice: 0, Timestamp: time.Now()})

	assert.Empty(t, sink.payloads("ticker:test:underlying"))
	_, ok := p.UnderlyingPrice("NIFTY")
	assert.False(t, ok)
}

func TestFingerprintStability(t *testing.T) {
	a := UnderlyingSnapshot{Token: niftyToken, LastPrice: 22150.5, Volume: 100}
	b := UnderlyingSnapshot{Token: niftyToken, LastPrice: 22150.5, Volume: 100}
	c := UnderlyingSnapshot{Token: niftyToken, LastPrice: 22150.55, Volume: 100}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
