package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/errs"
)

// Client is the broker's HTTP surface used by the registry, the order
// executor and the historical fetch path.
type Client interface {
	Instruments(ctx context.Context) ([]Instrument, error)
	PlaceOrder(ctx context.Context, creds Credentials, params OrderParams) (OrderResult, error)
	ModifyOrder(ctx context.Context, creds Credentials, params OrderParams) (OrderResult, error)
	CancelOrder(ctx context.Context, creds Credentials, params OrderParams) (OrderResult, error)
	Historical(ctx context.Context, creds Credentials, token Token, interval string, from, to time.Time) ([]Candle, error)
}

// RESTClient talks to the broker REST API.
type RESTClient struct {
	http    *resty.Client
	baseURL string
}

// NewRESTClient builds a broker REST client against baseURL.
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("X-Gateway-Version", "3")

	return &RESTClient{http: client, baseURL: baseURL}
}

// apiEnvelope is the broker's standard response wrapper.
type apiEnvelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// Instruments fetches the full instrument dump. Unauthenticated bulk
// endpoint; called once per trading day by the registry.
func (c *RESTClient) Instruments(ctx context.Context) ([]Instrument, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/instruments")
	if err != nil {
		return nil, errs.New(errs.CategoryTransient, "broker.instruments", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, categorize("broker.instruments", resp.StatusCode(), resp.Body())
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, errs.New(errs.CategoryTransient, "broker.instruments", fmt.Errorf("malformed instrument dump: %w", err))
	}

	var raw []struct {
		InstrumentToken uint64  `json:"instrument_token"`
		TradingSymbol   string  `json:"tradingsymbol"`
		Name            string  `json:"name"`
		Segment         string  `json:"segment"`
		Exchange        string  `json:"exchange"`
		InstrumentType  string  `json:"instrument_type"`
		Strike          string  `json:"strike"`
		Expiry          string  `json:"expiry"`
		LotSize         uint32  `json:"lot_size"`
		TickSize        string  `json:"tick_size"`
	}
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, errs.New(errs.CategoryTransient, "broker.instruments", fmt.Errorf("malformed instrument rows: %w", err))
	}

	instruments := make([]Instrument, 0, len(raw))
	for _, r := range raw {
		inst, err := buildInstrument(r.InstrumentToken, r.TradingSymbol, r.Name, r.Segment,
			r.Exchange, r.InstrumentType, r.Strike, r.Expiry, r.LotSize, r.TickSize)
		if err != nil {
			log.Warn().Uint64("token", r.InstrumentToken).Err(err).Msg("Skipping malformed instrument row")
			continue
		}
		instruments = append(instruments, inst)
	}

	return instruments, nil
}

// PlaceOrder submits a new order on behalf of the account.
func (c *RESTClient) PlaceOrder(ctx context.Context, creds Credentials, params OrderParams) (OrderResult, error) {
	return c.orderCall(ctx, creds, resty.MethodPost, "/orders/regular", params)
}

// ModifyOrder mutates a resting order.
func (c *RESTClient) ModifyOrder(ctx context.Context, creds Credentials, params OrderParams) (OrderResult, error) {
	return c.orderCall(ctx, creds, resty.MethodPut, "/orders/regular", params)
}

// CancelOrder cancels a resting order.
func (c *RESTClient) CancelOrder(ctx context.Context, creds Credentials, params OrderParams) (OrderResult, error) {
	return c.orderCall(ctx, creds, resty.MethodDelete, "/orders/regular", params)
}

func (c *RESTClient) orderCall(ctx context.Context, creds Credentials, method, path string, params OrderParams) (OrderResult, error) {
	body := make(map[string]interface{}, len(params))
	for k, v := range params {
		body[k] = v
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", authHeader(creds)).
		SetBody(body).
		Execute(method, path)
	if err != nil {
		return OrderResult{}, errs.New(errs.CategoryTransient, "broker.order", err)
	}
	if resp.StatusCode() >= 400 {
		return OrderResult{}, categorize("broker.order", resp.StatusCode(), resp.Body())
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return OrderResult{}, errs.New(errs.CategoryTransient, "broker.order", fmt.Errorf("malformed order response: %w", err))
	}
	var result OrderResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return OrderResult{}, errs.New(errs.CategoryTransient, "broker.order", fmt.Errorf("malformed order result: %w", err))
	}
	return result, nil
}

// Historical fetches candles for one instrument. Read-only; callers may run
// it under a failover lease.
func (c *RESTClient) Historical(ctx context.Context, creds Credentials, token Token, interval string, from, to time.Time) ([]Candle, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", authHeader(creds)).
		SetQueryParams(map[string]string{
			"from": from.Format(time.RFC3339),
			"to":   to.Format(time.RFC3339),
		}).
		Get(fmt.Sprintf("/instruments/historical/%d/%s", token, interval))
	if err != nil {
		return nil, errs.New(errs.CategoryTransient, "broker.historical", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, categorize("broker.historical", resp.StatusCode(), resp.Body())
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, errs.New(errs.CategoryTransient, "broker.historical", fmt.Errorf("malformed historical response: %w", err))
	}
	var payload struct {
		Candles []Candle `json:"candles"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, errs.New(errs.CategoryTransient, "broker.historical", fmt.Errorf("malformed candles: %w", err))
	}
	return payload.Candles, nil
}

func authHeader(creds Credentials) string {
	return fmt.Sprintf("token %s:%s", creds.APIKey, creds.AccessToken)
}

// categorize maps a broker HTTP status to the gateway error taxonomy.
func categorize(op string, status int, body []byte) error {
	var env apiEnvelope
	msg := "broker error"
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		msg = env.Message
	}

	switch {
	case status == http.StatusBadRequest:
		return errs.Newf(errs.CategoryValidation, op, "%s (status %d)", msg, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Newf(errs.CategoryAuthorization, op, "%s (status %d)", msg, status)
	case status == http.StatusTooManyRequests:
		return errs.Newf(errs.CategoryLimit, op, "%s (status %d)", msg, status)
	case (env.ErrorType == "NetworkException" || env.ErrorType == "InputException") && status < 500:
		return errs.Newf(errs.CategoryValidation, op, "%s (status %d)", msg, status)
	default:
		return errs.Newf(errs.CategoryTransient, op, "%s (status %d)", msg, status)
	}
}

func buildInstrument(token uint64, symbol, name, segment, exchange, instType, strike, expiry string, lotSize uint32, tickSize string) (Instrument, error) {
	inst := Instrument{
		Token:          Token(token),
		TradingSymbol:  symbol,
		Name:           name,
		Segment:        Segment(segment),
		Exchange:       exchange,
		InstrumentType: instType,
		LotSize:        lotSize,
	}
	if token == 0 {
		return inst, fmt.Errorf("zero instrument token")
	}
	if symbol == "" {
		return inst, fmt.Errorf("empty tradingsymbol")
	}

	var err error
	if strike != "" && strike != "0" {
		if inst.Strike, err = parseDecimal(strike); err != nil {
			return inst, fmt.Errorf("bad strike %q: %w", strike, err)
		}
	}
	if tickSize != "" {
		if inst.TickSize, err = parseDecimal(tickSize); err != nil {
			return inst, fmt.Errorf("bad tick size %q: %w", tickSize, err)
		}
	}
	if expiry != "" {
		if inst.Expiry, err = time.Parse("2006-01-02", expiry); err != nil {
			return inst, fmt.Errorf("bad expiry %q: %w", expiry, err)
		}
	}
	return inst, nil
}
