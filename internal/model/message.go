package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboundType enumerates the message types the hub pushes to observers.
type OutboundType string

const (
	OutConnectionEstablished OutboundType = "connection_established"
	OutEngineStatus          OutboundType = "engine_status"
	OutEngineMetrics         OutboundType = "engine_metrics"
	OutTaskUpdate            OutboundType = "task_update"
	OutSystemAlert           OutboundType = "system_alert"
	OutError                 OutboundType = "error"
	OutPong                  OutboundType = "pong"
	OutStatusUpdate          OutboundType = "status_update"
)

// InboundType enumerates the commands observers may send.
type InboundType string

const (
	InSubscribeEngine   InboundType = "subscribe_engine"
	InUnsubscribeEngine InboundType = "unsubscribe_engine"
	InRequestMetrics    InboundType = "request_metrics"
	InExecuteTask       InboundType = "execute_task"
	InPing              InboundType = "ping"
	InGetStatus         InboundType = "get_status"
)

// OutboundMessage is the envelope for every hub-to-observer message.
// Timestamp marshals as RFC 3339 via encoding/json.
type OutboundMessage struct {
	Type      OutboundType `json:"type"`
	Data      any          `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
	MessageID uuid.UUID    `json:"message_id"`
}

// NewOutbound wraps data in an envelope with a fresh id and timestamp.
func NewOutbound(typ OutboundType, data any) OutboundMessage {
	return OutboundMessage{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.New(),
	}
}

// ErrorMessage builds an error envelope with a human-readable message.
// Observers always receive explicit error envelopes rather than silent
// drops.
func ErrorMessage(msg string) OutboundMessage {
	return NewOutbound(OutError, map[string]any{"message": msg})
}

// EngineStatusPayload is the data shape for engine_status pushes, sent
// when an engine's status changes between broadcast ticks.
type EngineStatusPayload struct {
	Engine EngineID     `json:"engine"`
	Status EngineStatus `json:"status"`
}

// InboundMessage is the envelope for observer-to-hub commands. Data is
// kept raw until the command type is known.
type InboundMessage struct {
	Type InboundType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SubscribePayload is the data shape for subscribe_engine and
// unsubscribe_engine commands.
type SubscribePayload struct {
	Engine string `json:"engine"`
}

// RequestMetricsPayload is the data shape for request_metrics. An empty
// Engine requests a snapshot of every engine.
type RequestMetricsPayload struct {
	Engine string `json:"engine,omitempty"`
}

// ExecuteTaskPayload is the data shape for execute_task. Execution is
// delegated outside the hub; the command is only acknowledged.
type ExecuteTaskPayload struct {
	Task map[string]any `json:"task"`
}
