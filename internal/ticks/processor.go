package ticks

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/greeks"
	"github.com/optstream/gateway/internal/market"
	"github.com/optstream/gateway/internal/metrics"
)

// Lookup resolves a token to its instrument descriptor. The orchestrator
// provides an O(1) in-memory map scoped to assigned subscriptions.
type Lookup func(token broker.Token) (broker.Instrument, bool)

// Sink receives marshaled snapshots for a channel. Implemented by the
// publish batcher; must never block.
type Sink interface {
	Add(channel string, payload []byte, fingerprint uint64) bool
}

// ProcessorConfig wires the processor's output channels and pricing
// parameters.
type ProcessorConfig struct {
	UnderlyingChannel string
	OptionsChannel    string
	RiskFreeRate      float64
	IVParams          greeks.IVParams
}

// Processor routes validated ticks: underlying ticks refresh the last-price
// table and flow to the underlying channel; option ticks are enriched with
// Greeks against the most recent underlying reference and flow to the
// options channel. Hot path: errors become counters, never panics or
// returns.
type Processor struct {
	cfg       ProcessorConfig
	lookup    Lookup
	validator *Validator
	calendar  *market.Calendar
	sink      Sink
	metrics   *metrics.Registry

	mu         sync.RWMutex
	lastPrices map[string]float64 // underlying name -> last price
}

// NewProcessor builds the tick processor.
func NewProcessor(cfg ProcessorConfig, lookup Lookup, validator *Validator, calendar *market.Calendar, sink Sink, m *metrics.Registry) *Processor {
	if cfg.IVParams.MaxIterations == 0 {
		cfg.IVParams = greeks.DefaultIVParams()
	}
	return &Processor{
		cfg:        cfg,
		lookup:     lookup,
		validator:  validator,
		calendar:   calendar,
		sink:       sink,
		metrics:    m,
		lastPrices: make(map[string]float64),
	}
}

// UnderlyingPrice returns the most recent valid price for an underlying.
func (p *Processor) UnderlyingPrice(name string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.lastPrices[name]
	return price, ok
}

// Process handles one tick end to end. Safe for concurrent use across
// account consumers.
func (p *Processor) Process(tick broker.Tick) {
	start := time.Now()

	inst, ok := p.lookup(tick.Token)
	if !ok {
		p.count("unknown_token")
		return
	}

	switch {
	case inst.IsUnderlying():
		p.processUnderlying(tick, inst)
		p.observe("underlying", start)
	case inst.IsOption():
		p.processOption(tick, inst)
		p.observe("option", start)
	default:
		// Futures and anything else ride the underlying channel unenriched.
		p.processUnderlying(tick, inst)
		p.observe("underlying", start)
	}
}

func (p *Processor) processUnderlying(tick broker.Tick, inst broker.Instrument) {
	ok, err := p.validator.Check(tick, true)
	if err != nil {
		log.Debug().Uint64("token", uint64(tick.Token)).Err(err).Msg("Underlying tick rejected")
		return
	}
	if !ok {
		return
	}

	if inst.IsUnderlying() {
		p.mu.Lock()
		p.lastPrices[inst.Name] = tick.LastPrice
		p.mu.Unlock()
	}

	snap := UnderlyingSnapshot{
		Token:     tick.Token,
		Symbol:    inst.TradingSymbol,
		LastPrice: tick.LastPrice,
		Volume:    tick.Volume,
		Timestamp: tick.Timestamp,
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		p.count("marshal_failed")
		return
	}
	p.sink.Add(p.cfg.UnderlyingChannel, payload, snap.Fingerprint())
}

func (p *Processor) processOption(tick broker.Tick, inst broker.Instrument) {
	ok, err := p.validator.Check(tick, false)
	if err != nil {
		log.Debug().Uint64("token", uint64(tick.Token)).Err(err).Msg("Option tick rejected")
		return
	}
	if !ok {
		return
	}

	snap := OptionSnapshot{
		Token:         tick.Token,
		TradingSymbol: inst.TradingSymbol,
		Underlying:    inst.Name,
		Strike:        inst.Strike.InexactFloat64(),
		Expiry:        inst.Expiry.Format("2006-01-02"),
		OptionType:    inst.InstrumentType,
		LastPrice:     tick.LastPrice,
		Volume:        tick.Volume,
		OI:            tick.OI,
		Depth:         tick.Depth,
		Timestamp:     tick.Timestamp,
	}

	snap.UnderlyingPrice, snap.Greeks = p.enrich(tick, inst)

	payload, err := json.Marshal(snap)
	if err != nil {
		p.count("marshal_failed")
		return
	}
	p.sink.Add(p.cfg.OptionsChannel, payload, snap.Fingerprint())
}

// enrich computes IV and Greeks. Any missing input yields zero Greeks and
// a counter bump; the snapshot itself still publishes.
func (p *Processor) enrich(tick broker.Tick, inst broker.Instrument) (float64, greeks.Greeks) {
	spot, haveSpot := p.UnderlyingPrice(inst.Name)
	if !haveSpot {
		p.greeksFailure("no_underlying_price")
		return 0, greeks.Greeks{}
	}

	years := p.calendar.YearsToExpiry(inst.Expiry)
	if years <= 0 {
		p.greeksFailure("expired")
		return spot, greeks.Greeks{}
	}

	in := greeks.Inputs{
		Type:   broker.OptionType(inst.InstrumentType),
		Spot:   spot,
		Strike: inst.Strike.InexactFloat64(),
		Rate:   p.cfg.RiskFreeRate,
		Years:  years,
	}

	iv, converged := greeks.ImpliedVol(in, tick.LastPrice, p.cfg.IVParams)
	if !converged {
		p.greeksFailure("iv_no_convergence")
		return spot, greeks.Greeks{}
	}

	in.Sigma = iv
	return spot, greeks.Compute(in)
}

func (p *Processor) observe(path string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ProcessingLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}

func (p *Processor) count(reason string) {
	if p.metrics != nil {
		p.metrics.ValidationErrors.WithLabelValues(reason).Inc()
	}
}

func (p *Processor) greeksFailure(reason string) {
	if p.metrics != nil {
		p.metrics.GreeksFailures.WithLabelValues(reason).Inc()
	}
}
