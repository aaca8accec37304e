package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token is the broker's numeric instrument identifier.
type Token uint64

// Mode is the tick depth requested for a subscription.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// ValidMode reports whether m is a recognized subscription mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeLTP, ModeQuote, ModeFull:
		return true
	}
	return false
}

// Segment identifies the instrument class.
type Segment string

const (
	SegmentIndex  Segment = "INDICES"
	SegmentEquity Segment = "NSE"
	SegmentOption Segment = "NFO-OPT"
	SegmentFuture Segment = "NFO-FUT"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Instrument describes one tradable instrument. Immutable within a trading
// day; the registry replaces the whole set on refresh.
type Instrument struct {
	Token          Token           `json:"instrument_token"`
	TradingSymbol  string          `json:"tradingsymbol"`
	Name           string          `json:"name"`
	Segment        Segment         `json:"segment"`
	Exchange       string          `json:"exchange"`
	InstrumentType string          `json:"instrument_type"`
	Strike         decimal.Decimal `json:"strike"`
	Expiry         time.Time       `json:"expiry"`
	LotSize        uint32          `json:"lot_size"`
	TickSize       decimal.Decimal `json:"tick_size"`
}

// IsOption reports whether the instrument is an equity/index option.
func (i Instrument) IsOption() bool {
	return i.Segment == SegmentOption
}

// IsUnderlying reports whether ticks for this instrument feed the
// underlying last-price table used for option enrichment.
func (i Instrument) IsUnderlying() bool {
	return i.Segment == SegmentIndex || i.Segment == SegmentEquity
}

// DepthLevel is one side-level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// Depth is the five-level book attached to full-mode ticks.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Tick is a single market update. Ephemeral; never persisted.
type Tick struct {
	Token     Token     `json:"instrument_token"`
	Mode      Mode      `json:"mode"`
	LastPrice float64   `json:"last_price"`
	Volume    uint64    `json:"volume"`
	OI        uint64    `json:"oi"`
	Depth     *Depth    `json:"depth,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Credentials authenticate one account against the broker.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// Candle is one historical bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    uint64    `json:"volume"`
	OI        uint64    `json:"oi"`
}

// OrderOperation is the kind of order mutation requested.
type OrderOperation string

const (
	OpPlace  OrderOperation = "place"
	OpModify OrderOperation = "modify"
	OpCancel OrderOperation = "cancel"
)

// ValidOperation reports whether op is a recognized order operation.
func ValidOperation(op OrderOperation) bool {
	switch op {
	case OpPlace, OpModify, OpCancel:
		return true
	}
	return false
}

// OrderParams carries broker-specific order fields. Opaque to the executor;
// hashed into the idempotency key.
type OrderParams map[string]interface{}

// OrderResult is the broker's acknowledgment of an order mutation.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
