// Package schema defines the canonical event, record, and wire message types.
package schema

import (
	"time"

	"github.com/quantfold/backcast/errs"
)

// EventKind enumerates the event categories carried by the bus.
type EventKind string

const (
	// KindTick identifies tick market-data events.
	KindTick EventKind = "tick"
	// KindBar identifies bar (candlestick) market-data events.
	KindBar EventKind = "bar"
	// KindOrder identifies order lifecycle events.
	KindOrder EventKind = "order"
	// KindTrade identifies trade execution events.
	KindTrade EventKind = "trade"
	// KindPosition identifies position change events.
	KindPosition EventKind = "position"
	// KindAccount identifies account change events.
	KindAccount EventKind = "account"
	// KindStrategy identifies strategy lifecycle events.
	KindStrategy EventKind = "strategy"
	// KindRisk identifies risk alerts.
	KindRisk EventKind = "risk"
	// KindSystem identifies internal system events.
	KindSystem EventKind = "system"
)

// Validate ensures the kind is a member of the closed enum.
func (k EventKind) Validate() error {
	switch k {
	case KindTick, KindBar, KindOrder, KindTrade, KindPosition, KindAccount, KindStrategy, KindRisk, KindSystem:
		return nil
	}
	return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("unknown event kind"), errs.WithDetail("kind", string(k)))
}

// Event is an immutable record distributed by the event bus. The sequence
// is assigned exactly once at publish time; the timestamp is simulation
// time, never the publish wall clock.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
	Source    string    `json:"source"`
}

// Validate checks the structural invariants of a published event.
func (e Event) Validate() error {
	if err := e.Kind.Validate(); err != nil {
		return err
	}
	if e.Source == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event source required"))
	}
	return nil
}

// SystemPayload carries the detail of a system-kind event, such as a
// worker_handler_failed notification.
type SystemPayload struct {
	Reason         string `json:"reason"`
	FailedSequence uint64 `json:"failed_sequence,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// SystemReasonWorkerHandlerFailed marks a subscriber failure observed by
// the replay worker during auto-paced processing.
const SystemReasonWorkerHandlerFailed = "worker_handler_failed"
