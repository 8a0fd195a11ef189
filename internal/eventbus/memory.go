package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfold/backcast/errs"
	"github.com/quantfold/backcast/internal/schema"
)

// Bus is the in-memory sequenced event distributor. Publish assigns the
// next sequence under the bus mutex and invokes subscribers synchronously,
// outside the lock, in registration order.
type Bus struct {
	cfg Config

	mu                sync.Mutex
	sequence          uint64
	history           []schema.Event
	pending           []schema.Event
	subscribers       map[schema.EventKind][]subscription
	subscriptionKinds map[SubscriptionID]schema.EventKind
	nextSubID         uint64

	publishedCounter     metric.Int64Counter
	deliveryErrorCounter metric.Int64Counter
	fanoutHistogram      metric.Int64Histogram
	publishDuration      metric.Float64Histogram
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// noCtx feeds metric recordings; publish is synchronous and carries no
// caller context.
var noCtx = context.Background()

// New constructs a bus with the provided configuration.
func New(cfg Config) *Bus {
	cfg = cfg.normalize()
	b := &Bus{
		cfg:               cfg,
		history:           make([]schema.Event, 0, cfg.MaxHistory),
		subscribers:       make(map[schema.EventKind][]subscription),
		subscriptionKinds: make(map[SubscriptionID]schema.EventKind),
	}

	meter := otel.Meter("eventbus")
	b.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of subscriber handler failures"),
		metric.WithUnit("{error}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per publication"),
		metric.WithUnit("{subscriber}"))
	b.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of bus publish operations"),
		metric.WithUnit("ms"))

	return b
}

// Publish assigns the next sequence and delivers the event. The timestamp
// is the current wall clock; this is the only place the bus stamps an
// event with wall-clock time.
func (b *Bus) Publish(kind schema.EventKind, payload any, source string) (uint64, error) {
	return b.PublishAt(kind, payload, source, time.Now())
}

// PublishAt assigns the next sequence and delivers an event stamped with a
// caller-supplied simulation timestamp.
func (b *Bus) PublishAt(kind schema.EventKind, payload any, source string, ts time.Time) (uint64, error) {
	if err := kind.Validate(); err != nil {
		return 0, err
	}
	if source == "" {
		return 0, errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event source required"))
	}

	start := time.Now()

	b.mu.Lock()
	b.sequence++
	evt := schema.Event{
		Sequence:  b.sequence,
		Kind:      kind,
		Timestamp: ts,
		Payload:   payload,
		Source:    source,
	}
	b.history = append(b.history, evt)
	if len(b.history) > b.cfg.MaxHistory {
		b.history = b.history[len(b.history)-b.cfg.MaxHistory:]
	}
	handlers := make([]subscription, len(b.subscribers[kind]))
	copy(handlers, b.subscribers[kind])
	b.mu.Unlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(noCtx, int64(len(handlers)), metric.WithAttributes(
			attribute.String("event_kind", string(kind))))
	}

	// Handlers run outside the lock so a subscriber may publish or
	// subscribe re-entrantly without deadlocking.
	var deliveryErr error
	for _, sub := range handlers {
		if err := invoke(sub.handler, evt); err != nil {
			deliveryErr = errs.New("eventbus/publish", errs.CodeEventPublishFailed,
				errs.WithMessage("event handler failed"),
				errs.WithDetail("event_kind", string(kind)),
				errs.WithDetail("sequence", fmt.Sprintf("%d", evt.Sequence)),
				errs.WithCause(err))
			if b.deliveryErrorCounter != nil {
				b.deliveryErrorCounter.Add(noCtx, 1, metric.WithAttributes(
					attribute.String("event_kind", string(kind))))
			}
			break
		}
	}

	if b.publishedCounter != nil {
		b.publishedCounter.Add(noCtx, 1, metric.WithAttributes(
			attribute.String("event_kind", string(kind)),
			attribute.String("source", source)))
	}
	if b.publishDuration != nil {
		b.publishDuration.Record(noCtx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(
			attribute.String("event_kind", string(kind))))
	}

	// The sequence stays consumed and the event stays in history even
	// when a handler failed: the publication happened, delivery did not
	// complete.
	return evt.Sequence, deliveryErr
}

// Subscribe registers a handler for the given kind. Handlers for one kind
// are invoked in registration order.
func (b *Bus) Subscribe(kind schema.EventKind, handler Handler) (SubscriptionID, error) {
	if err := kind.Validate(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := SubscriptionID(fmt.Sprintf("sub-%d", b.nextSubID))
	b.subscribers[kind] = append(b.subscribers[kind], subscription{id: id, handler: handler})
	b.subscriptionKinds[id] = kind
	return id, nil
}

// Unsubscribe removes the subscription, reporting whether it existed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	kind, ok := b.subscriptionKinds[id]
	if !ok {
		return false
	}
	delete(b.subscriptionKinds, id)

	subs := b.subscribers[kind]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[kind]) == 0 {
		delete(b.subscribers, kind)
	}
	return true
}

// CurrentSequence returns the last assigned sequence, zero when none.
func (b *Bus) CurrentSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

// ReplayFrom returns every retained event with sequence >= seq in sequence
// order. Callers asking below the oldest retained sequence get a truncated
// prefix; history is never extended past the configured bound.
func (b *Bus) ReplayFrom(seq uint64) []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]schema.Event, 0, len(b.history))
	for _, evt := range b.history {
		if evt.Sequence >= seq {
			out = append(out, evt)
		}
	}
	return out
}

// PendingEvents returns events queued but not yet delivered. Delivery is
// synchronous, so the queue is empty in practice; the accessor exists for
// snapshot symmetry.
func (b *Bus) PendingEvents() []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Event, len(b.pending))
	copy(out, b.pending)
	return out
}

// History returns a copy of the retained event tail.
func (b *Bus) History() []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Event, len(b.history))
	copy(out, b.history)
	return out
}

// ClearHistory drops the retained tail. The sequence counter is untouched
// so numbering stays monotonic across the clear.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
}

// Reset zeroes the counter and drops history and pending events while
// preserving subscriptions. Intended for test harnesses and fresh replay
// sessions only.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequence = 0
	b.history = b.history[:0]
	b.pending = b.pending[:0]
}

// Restore sets the counter to a snapshot's captured sequence and drops
// history, so publications after a snapshot load continue the numbering
// the snapshot recorded.
func (b *Bus) Restore(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequence = seq
	b.history = b.history[:0]
	b.pending = b.pending[:0]
}

// SubscriberCount reports the number of handlers registered for a kind.
func (b *Bus) SubscriberCount(kind schema.EventKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[kind])
}

// invoke shields the bus from handler panics so a misbehaving subscriber
// degrades into a delivery error instead of tearing down the publisher.
func invoke(h Handler, evt schema.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(evt)
}
