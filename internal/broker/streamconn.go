package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnState is the lifecycle state of a stream connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSConn is the subset of the websocket connection the stream layer uses.
// Tests substitute a fake.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a broker stream connection for the given credentials.
type Dialer func(ctx context.Context, baseURL string, creds Credentials) (WSConn, error)

// GorillaDialer dials the broker's websocket endpoint.
func GorillaDialer(ctx context.Context, baseURL string, creds Credentials) (WSConn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	url := fmt.Sprintf("%s?api_key=%s&access_token=%s", baseURL, creds.APIKey, creds.AccessToken)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// wireRequest is an outbound subscribe/unsubscribe/mode frame.
type wireRequest struct {
	Action string        `json:"a"`
	Value  interface{}   `json:"v"`
}

// StreamConn is one physical broker stream connection. Bound to a single
// account; owned exclusively by the pool. Tick delivery never blocks the
// read loop: full sinks drop and count.
type StreamConn struct {
	id        string
	accountID string

	mu     sync.Mutex
	conn   WSConn
	tokens map[Token]Mode

	state      atomic.Int32
	lastTickAt atomic.Int64

	sink   chan<- Tick
	onDrop func()

	done chan struct{}
	wg   sync.WaitGroup
}

func newStreamConn(id, accountID string, sink chan<- Tick, onDrop func()) *StreamConn {
	c := &StreamConn{
		id:        id,
		accountID: accountID,
		tokens:    make(map[Token]Mode),
		sink:      sink,
		onDrop:    onDrop,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the connection id. Callbacks and watchdogs refer to
// connections by id only and resolve them under the pool lock.
func (c *StreamConn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *StreamConn) State() ConnState { return ConnState(c.state.Load()) }

// LastTickAt returns the time of the most recent tick, zero if none.
func (c *StreamConn) LastTickAt() time.Time {
	ns := c.lastTickAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Count returns the number of subscribed tokens.
func (c *StreamConn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

// Tokens returns a copy of the subscribed token set.
func (c *StreamConn) Tokens() map[Token]Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Token]Mode, len(c.tokens))
	for t, m := range c.tokens {
		out[t] = m
	}
	return out
}

// open attaches a dialed websocket and starts the read and ping loops.
func (c *StreamConn) open(ws WSConn) {
	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
	c.state.Store(int32(StateOpen))

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
}

// subscribe sends the wire subscribe plus mode frames and records the
// tokens. The caller (pool) has already reserved capacity.
func (c *StreamConn) subscribe(ctx context.Context, tokens map[Token]Mode) error {
	ids := make([]Token, 0, len(tokens))
	byMode := make(map[Mode][]Token)
	for t, m := range tokens {
		ids = append(ids, t)
		byMode[m] = append(byMode[m], t)
	}

	if err := c.send(ctx, wireRequest{Action: "subscribe", Value: ids}); err != nil {
		return err
	}
	for mode, toks := range byMode {
		if mode == ModeQuote {
			continue // quote is the broker default after subscribe
		}
		if err := c.send(ctx, wireRequest{Action: "mode", Value: []interface{}{string(mode), toks}}); err != nil {
			return err
		}
	}

	c.mu.Lock()
	for t, m := range tokens {
		c.tokens[t] = m
	}
	c.mu.Unlock()
	return nil
}

// unsubscribe removes tokens from the wire and the local set.
func (c *StreamConn) unsubscribe(ctx context.Context, tokens []Token) error {
	if err := c.send(ctx, wireRequest{Action: "unsubscribe", Value: tokens}); err != nil {
		return err
	}
	c.mu.Lock()
	for _, t := range tokens {
		delete(c.tokens, t)
	}
	c.mu.Unlock()
	return nil
}

func (c *StreamConn) send(ctx context.Context, req wireRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal stream request: %w", err)
	}

	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil || c.State() != StateOpen {
		return fmt.Errorf("connection %s not open", c.id)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- ws.WriteMessage(websocket.TextMessage, data) }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("stream write failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close tears the connection down and waits for its loops.
func (c *StreamConn) close() {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		c.state.Store(int32(StateClosed))
		return
	}
	close(c.done)

	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	c.wg.Wait()
	c.state.Store(int32(StateClosed))
}

// readLoop drains the websocket. Runs on its own goroutine; the only thing
// it does with a tick is a non-blocking offer to the sink.
func (c *StreamConn) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().
					Str("connection_id", c.id).
					Str("account_id", c.accountID).
					Err(err).
					Msg("Stream read failed")
			}
			return
		}

		ticks, err := parseTickFrame(data)
		if err != nil {
			log.Debug().Str("connection_id", c.id).Err(err).Msg("Ignoring unparseable stream frame")
			continue
		}
		if len(ticks) == 0 {
			continue
		}

		c.lastTickAt.Store(time.Now().UnixNano())
		for _, tick := range ticks {
			select {
			case c.sink <- tick:
			default:
				if c.onDrop != nil {
					c.onDrop()
				}
			}
		}
	}
}

func (c *StreamConn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			ws := c.conn
			c.mu.Unlock()
			if ws == nil {
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Str("connection_id", c.id).Err(err).Msg("Stream ping failed")
			}
		}
	}
}

// parseTickFrame decodes one inbound frame. Tick frames are JSON arrays;
// other frames (order postbacks, acks) are skipped.
func parseTickFrame(data []byte) ([]Tick, error) {
	if len(data) == 0 || data[0] != '[' {
		return nil, nil
	}
	var ticks []Tick
	if err := json.Unmarshal(data, &ticks); err != nil {
		return nil, fmt.Errorf("malformed tick frame: %w", err)
	}
	for i := range ticks {
		if ticks[i].Timestamp.IsZero() {
			ticks[i].Timestamp = time.Now()
		}
	}
	return ticks, nil
}
