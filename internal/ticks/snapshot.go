package ticks

import (
	"hash/fnv"
	"math"
	"time"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/greeks"
)

// UnderlyingSnapshot is the bus payload for an index or equity tick.
type UnderlyingSnapshot struct {
	Token     broker.Token `json:"instrument_token"`
	Symbol    string       `json:"symbol"`
	LastPrice float64      `json:"last_price"`
	Volume    uint64       `json:"volume,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// OptionSnapshot is the bus payload for an enriched option tick. When the
// underlying reference or the IV solve is unavailable the Greeks are zero
// and the snapshot still flows.
type OptionSnapshot struct {
	Token           broker.Token  `json:"instrument_token"`
	TradingSymbol   string        `json:"tradingsymbol"`
	Underlying      string        `json:"underlying"`
	Strike          float64       `json:"strike"`
	Expiry          string        `json:"expiry"`
	OptionType      string        `json:"option_type"`
	LastPrice       float64       `json:"last_price"`
	Volume          uint64        `json:"volume,omitempty"`
	OI              uint64        `json:"oi,omitempty"`
	Depth           *broker.Depth `json:"depth,omitempty"`
	UnderlyingPrice float64       `json:"underlying_price"`
	Greeks          greeks.Greeks `json:"greeks"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Fingerprint identifies the snapshot's observable content for in-batch
// deduplication: same token, same prices, same reference means the second
// snapshot adds nothing inside one flush window.
func (s OptionSnapshot) Fingerprint() uint64 {
	return hashWords(uint64(s.Token), math.Float64bits(s.LastPrice),
		math.Float64bits(s.UnderlyingPrice), s.OI)
}

// Fingerprint for an underlying snapshot: token plus price.
func (s UnderlyingSnapshot) Fingerprint() uint64 {
	return hashWords(uint64(s.Token), math.Float64bits(s.LastPrice), s.Volume)
}

func hashWords(words ...uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range words {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}
