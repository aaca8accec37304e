package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/broker"
)

// EventType is a subscription lifecycle event kind.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription_created"
	EventSubscriptionRemoved EventType = "subscription_removed"
)

// Event is published on the events channel so downstream consumers can
// backfill history for newly subscribed tokens.
type Event struct {
	EventType       EventType              `json:"event_type"`
	InstrumentToken broker.Token           `json:"instrument_token"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// emitEvent publishes a lifecycle event. Failures are logged, not
// propagated: the subscription change itself already succeeded.
func (o *Orchestrator) emitEvent(ctx context.Context, eventType EventType, token broker.Token, metadata map[string]interface{}) {
	evt := Event{
		EventType:       eventType,
		InstrumentToken: token,
		Metadata:        metadata,
		Timestamp:       time.Now(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal subscription event")
		return
	}
	if err := o.publisher.Publish(ctx, o.cfg.EventsChannel, payload); err != nil {
		log.Warn().
			Str("event_type", string(eventType)).
			Uint64("token", uint64(token)).
			Err(err).
			Msg("Failed to publish subscription event")
	}
}
