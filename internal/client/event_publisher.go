package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventPublisher publishes approval workflow events to NATS for consumption
// by the notifications service.
//
// Subject convention: notifications.refdata.<event_type>
// Event types: process_started, stage_submitted, row_approved,
//              rows_bulk_approved, sheet_approved, stage_rejected,
//              migration_completed
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type EventPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// WorkflowEvent is the JSON schema published to NATS.
type WorkflowEvent struct {
	EventType         string                 `json:"event_type"`
	ProcessInstanceID string                 `json:"process_instance_id"`
	EntityType        string                 `json:"entity_type,omitempty"`
	SheetID           string                 `json:"sheet_id,omitempty"`
	ActorID           string                 `json:"actor_id"`
	OccurredAt        time.Time              `json:"occurred_at"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
}

// NewEventPublisher creates a publisher backed by the given NATS connection.
// A nil connection disables publishing (local development without NATS).
func NewEventPublisher(conn *nats.Conn, log zerolog.Logger) *EventPublisher {
	return &EventPublisher{conn: conn, log: log}
}

// Publish emits one workflow event. Never returns an error.
func (p *EventPublisher) Publish(eventType, processInstanceID, entityType, sheetID, actorID string, payload map[string]interface{}) {
	if p.conn == nil {
		return
	}

	event := &WorkflowEvent{
		EventType:         eventType,
		ProcessInstanceID: processInstanceID,
		EntityType:        entityType,
		SheetID:           sheetID,
		ActorID:           actorID,
		OccurredAt:        time.Now().UTC(),
		Payload:           payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.refdata.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("process_instance_id", processInstanceID).
			Msg("events: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("process_instance_id", processInstanceID).
		Msg("events: event published")
}
