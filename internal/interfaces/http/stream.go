package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/errs"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleStream upgrades the request and relays bus channels to the client.
// Query param channels selects underlying, options and/or events
// (comma-separated); default is everything.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	channels := s.relayChannels(r.URL.Query().Get("channels"))
	if len(channels) == 0 {
		writeError(w, r, errs.Newf(errs.CategoryValidation, "http.stream", "no valid channels requested"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	clientID := uuid.New().String()[:8]

	messages, cancel := s.deps.Bus.Subscribe(r.Context(), channels...)
	defer cancel()
	defer conn.Close()

	log.Info().
		Str("client_id", clientID).
		Strs("channels", channels).
		Msg("Websocket client connected")

	hello, _ := json.Marshal(map[string]interface{}{
		"client_id": clientID,
		"channels":  channels,
	})
	if err := writeWS(conn, wsMessage{Type: "connected", Data: hello}); err != nil {
		return
	}

	// Reader only services pongs and detects close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(wsPingPeriod)
	defer pinger.Stop()

	for {
		select {
		case <-done:
			log.Info().Str("client_id", clientID).Msg("Websocket client disconnected")
			return
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				_ = writeWS(conn, wsMessage{Type: "error", Error: "stream closed"})
				return
			}
			kind := "tick"
			if msg.Channel == s.deps.EventsChannel {
				kind = "event"
			}
			if err := writeWS(conn, wsMessage{Type: kind, Channel: msg.Channel, Data: msg.Payload}); err != nil {
				return
			}
		}
	}
}

// relayChannels maps requested channel aliases to bus channel names.
func (s *Server) relayChannels(raw string) []string {
	byAlias := map[string]string{
		"underlying": s.deps.UnderlyingChannel,
		"options":    s.deps.OptionsChannel,
		"events":     s.deps.EventsChannel,
	}
	if raw == "" {
		return []string{s.deps.UnderlyingChannel, s.deps.OptionsChannel, s.deps.EventsChannel}
	}

	var out []string
	seen := make(map[string]bool, 3)
	for _, alias := range strings.Split(raw, ",") {
		if name, ok := byAlias[strings.TrimSpace(alias)]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	return out
}

func writeWS(conn *websocket.Conn, msg wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}
