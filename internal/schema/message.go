package schema

import (
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantfold/backcast/errs"
)

// MessageType enumerates the command and push message types exchanged with
// clients over the session transport.
type MessageType string

const (
	// MessageConnect establishes or resumes a client identity.
	MessageConnect MessageType = "connect"
	// MessageDisconnect announces an orderly disconnect.
	MessageDisconnect MessageType = "disconnect"
	// MessageHeartbeat is the server liveness probe.
	MessageHeartbeat MessageType = "heartbeat"
	// MessageHeartbeatAck acknowledges a heartbeat.
	MessageHeartbeatAck MessageType = "heartbeat_ack"
	// MessageError carries a command failure.
	MessageError MessageType = "error"
	// MessageResponse carries a command success payload.
	MessageResponse MessageType = "response"

	// MessageStartBacktest initialises and starts a replay session.
	MessageStartBacktest MessageType = "start_backtest"
	// MessagePause pauses the replay.
	MessagePause MessageType = "pause"
	// MessageResume resumes a paused replay.
	MessageResume MessageType = "resume"
	// MessageStep advances the replay by exactly one record.
	MessageStep MessageType = "step"
	// MessageStop stops the replay.
	MessageStop MessageType = "stop"

	// MessageTickUpdate pushes a tick event to clients.
	MessageTickUpdate MessageType = "tick_update"
	// MessageBarUpdate pushes a bar event to clients.
	MessageBarUpdate MessageType = "bar_update"
	// MessagePositionUpdate pushes a position change to clients.
	MessagePositionUpdate MessageType = "position_update"
	// MessageAccountUpdate pushes an account change to clients.
	MessageAccountUpdate MessageType = "account_update"
	// MessageTradeUpdate pushes a trade execution to clients.
	MessageTradeUpdate MessageType = "trade_update"

	// MessageLoadStrategy loads a strategy through the boundary manager.
	MessageLoadStrategy MessageType = "load_strategy"
	// MessageReloadStrategy hot-reloads a strategy.
	MessageReloadStrategy MessageType = "reload_strategy"
	// MessageUpdateParams updates strategy parameters.
	MessageUpdateParams MessageType = "update_params"

	// MessageManualOrder submits a manual intervention order.
	MessageManualOrder MessageType = "manual_order"
	// MessageCancelOrder cancels a previously submitted order.
	MessageCancelOrder MessageType = "cancel_order"
	// MessageCloseAll closes every open position at market.
	MessageCloseAll MessageType = "close_all"

	// MessageSaveSnapshot captures the simulation state to disk.
	MessageSaveSnapshot MessageType = "save_snapshot"
	// MessageLoadSnapshot restores the simulation state from disk.
	MessageLoadSnapshot MessageType = "load_snapshot"

	// MessageAlert pushes a risk alert to clients.
	MessageAlert MessageType = "alert"
	// MessageAlertAck acknowledges a risk alert.
	MessageAlertAck MessageType = "alert_ack"

	// MessageStateSync pushes the full system state to a client.
	MessageStateSync MessageType = "state_sync"
	// MessageRequestState asks the server for the full system state.
	MessageRequestState MessageType = "request_state"
)

// Message is the wire envelope for every command and push. Timestamps are
// epoch milliseconds per the external contract.
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewMessage builds an outbound message stamped with the current wall time.
func NewMessage(typ MessageType, payload map[string]any) Message {
	return Message{
		ID:        newMessageID(),
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// NewResponse builds a success response echoing the inbound message id.
func NewResponse(inboundID string, payload map[string]any) Message {
	msg := NewMessage(MessageResponse, payload)
	msg.ID = inboundID
	return msg
}

// NewError builds an error response echoing the inbound message id. The
// code is the taxonomy code when the failure originated from the core.
func NewError(inboundID, errText string, code errs.Code) Message {
	payload := map[string]any{"error": errText}
	if code != "" {
		payload["error_code"] = string(code)
	}
	msg := NewMessage(MessageError, payload)
	msg.ID = inboundID
	return msg
}

// Encode renders the message for the wire.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire message and validates its envelope.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errs.New("schema/message", errs.CodeInvalid, errs.WithMessage("malformed message"), errs.WithCause(err))
	}
	if msg.Type == "" {
		return Message{}, errs.New("schema/message", errs.CodeInvalid, errs.WithMessage("message type required"))
	}
	return msg, nil
}

// PayloadString extracts a string payload field, reporting presence.
func (m Message) PayloadString(key string) (string, bool) {
	raw, ok := m.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// PayloadFloat extracts a numeric payload field, accepting float64, int,
// int64, and json.Number values. A string value, even a numeric one,
// reports false.
func (m Message) PayloadFloat(key string) (float64, bool) {
	raw, ok := m.Payload[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

var messageIDCounter atomic.Uint64

func newMessageID() string {
	return fmt.Sprintf("srv-%d-%d", time.Now().UnixMilli(), messageIDCounter.Add(1))
}
