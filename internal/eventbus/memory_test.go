package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantfold/backcast/errs"
	"github.com/quantfold/backcast/internal/schema"
)

func TestPublishAssignsSequencesFromOne(t *testing.T) {
	bus := New(Config{MaxHistory: 16})

	for want := uint64(1); want <= 3; want++ {
		seq, err := bus.Publish(schema.KindTick, schema.Record{"last_price": 100.0}, "test")
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if seq != want {
			t.Fatalf("expected sequence %d, got %d", want, seq)
		}
	}
	if got := bus.CurrentSequence(); got != 3 {
		t.Fatalf("current sequence = %d", got)
	}
}

func TestPublishRejectsInvalidInput(t *testing.T) {
	bus := New(Config{})

	if _, err := bus.Publish("bogus", nil, "test"); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request for unknown kind, got %v", err)
	}
	if _, err := bus.Publish(schema.KindTick, nil, ""); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request for empty source, got %v", err)
	}
	if got := bus.CurrentSequence(); got != 0 {
		t.Fatalf("rejected publishes must not consume sequences, counter = %d", got)
	}
}

func TestSubscribersInvokedInRegistrationOrder(t *testing.T) {
	bus := New(Config{})

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if _, err := bus.Subscribe(schema.KindBar, func(schema.Event) error {
			order = append(order, name)
			return nil
		}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	if _, err := bus.Publish(schema.KindBar, nil, "test"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected invocation order: %v", order)
	}
}

func TestHandlerFailureStopsDeliveryButCommitsEvent(t *testing.T) {
	bus := New(Config{})

	calls := 0
	if _, err := bus.Subscribe(schema.KindTick, func(schema.Event) error {
		calls++
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	reached := false
	if _, err := bus.Subscribe(schema.KindTick, func(schema.Event) error {
		reached = true
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	seq, err := bus.Publish(schema.KindTick, nil, "test")
	if !errs.Is(err, errs.CodeEventPublishFailed) {
		t.Fatalf("expected event_publish_failed, got %v", err)
	}
	if seq != 1 {
		t.Fatalf("sequence must be consumed on handler failure, got %d", seq)
	}
	if calls != 1 {
		t.Fatalf("failing handler invoked %d times", calls)
	}
	if reached {
		t.Fatal("delivery must stop at the failing handler")
	}
	if history := bus.History(); len(history) != 1 {
		t.Fatalf("event must stay committed to history, got %d entries", len(history))
	}
}

func TestHandlerPanicConvertedToDeliveryError(t *testing.T) {
	bus := New(Config{})
	if _, err := bus.Subscribe(schema.KindSystem, func(schema.Event) error {
		panic("subscriber bug")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := bus.Publish(schema.KindSystem, nil, "test"); !errs.Is(err, errs.CodeEventPublishFailed) {
		t.Fatalf("expected event_publish_failed, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := New(Config{})

	calls := 0
	id, err := bus.Subscribe(schema.KindTick, func(schema.Event) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if bus.SubscriberCount(schema.KindTick) != 1 {
		t.Fatal("expected one subscriber")
	}

	if !bus.Unsubscribe(id) {
		t.Fatal("unsubscribe should report success")
	}
	if bus.Unsubscribe(id) {
		t.Fatal("second unsubscribe should report failure")
	}
	if _, err := bus.Publish(schema.KindTick, nil, "test"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if calls != 0 {
		t.Fatal("removed handler must not be invoked")
	}
}

func TestSequenceSurvivesHistoryClear(t *testing.T) {
	bus := New(Config{})

	if _, err := bus.Publish(schema.KindBar, nil, "test"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	bus.ClearHistory()
	if got := len(bus.History()); got != 0 {
		t.Fatalf("history not cleared: %d", got)
	}

	seq, err := bus.Publish(schema.KindBar, nil, "test")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if seq != 2 {
		t.Fatalf("sequence must continue past history clear, got %d", seq)
	}
}

func TestHistoryEvictionDropsOldestFirst(t *testing.T) {
	bus := New(Config{MaxHistory: 5})

	for i := 0; i < 8; i++ {
		if _, err := bus.Publish(schema.KindTick, nil, "test"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	history := bus.History()
	if len(history) != 5 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Sequence != 4 || history[4].Sequence != 8 {
		t.Fatalf("unexpected retained window: %d..%d", history[0].Sequence, history[4].Sequence)
	}

	// Asking below the oldest retained sequence yields a truncated prefix.
	replayed := bus.ReplayFrom(1)
	if len(replayed) != 5 || replayed[0].Sequence != 4 {
		t.Fatalf("replay_from below retention returned %d events starting at %d", len(replayed), replayed[0].Sequence)
	}
}

func TestReplayFromReturnsOrderedSuffix(t *testing.T) {
	bus := New(Config{})
	for i := 0; i < 10; i++ {
		if _, err := bus.Publish(schema.KindBar, i, "test"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	events := bus.ReplayFrom(7)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, evt := range events {
		if evt.Sequence != uint64(7+i) {
			t.Fatalf("event %d has sequence %d", i, evt.Sequence)
		}
	}
}

func TestResetZeroesCounterAndPreservesSubscriptions(t *testing.T) {
	bus := New(Config{})

	calls := 0
	if _, err := bus.Subscribe(schema.KindTick, func(schema.Event) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := bus.Publish(schema.KindTick, nil, "test"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	bus.Reset()
	if bus.CurrentSequence() != 0 {
		t.Fatal("reset must zero the counter")
	}

	seq, err := bus.Publish(schema.KindTick, nil, "test")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("post-reset sequence = %d", seq)
	}
	if calls != 2 {
		t.Fatalf("subscription must survive reset, calls = %d", calls)
	}
}

func TestRestoreContinuesNumberingFromSnapshot(t *testing.T) {
	bus := New(Config{})

	bus.Restore(1000)
	if bus.CurrentSequence() != 1000 {
		t.Fatalf("restored sequence = %d", bus.CurrentSequence())
	}
	seq, err := bus.Publish(schema.KindBar, nil, "test")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if seq != 1001 {
		t.Fatalf("post-restore sequence = %d", seq)
	}
}

func TestPendingEventsEmptyUnderSynchronousDelivery(t *testing.T) {
	bus := New(Config{})
	if _, err := bus.Publish(schema.KindTick, nil, "test"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if pending := bus.PendingEvents(); len(pending) != 0 {
		t.Fatalf("pending events = %d", len(pending))
	}
}

func TestConcurrentPublishersProduceDenseSequenceSet(t *testing.T) {
	const publishers = 4
	const perPublisher = 25

	bus := New(Config{MaxHistory: publishers * perPublisher})

	var wg sync.WaitGroup
	seqCh := make(chan uint64, publishers*perPublisher)
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				seq, err := bus.Publish(schema.KindTick, schema.Record{"last_price": 1.0}, "test")
				if err != nil {
					t.Errorf("publish failed: %v", err)
					return
				}
				seqCh <- seq
			}
		}()
	}
	wg.Wait()
	close(seqCh)

	seen := make(map[uint64]bool, publishers*perPublisher)
	for seq := range seqCh {
		if seen[seq] {
			t.Fatalf("duplicate sequence %d", seq)
		}
		seen[seq] = true
	}
	if len(seen) != publishers*perPublisher {
		t.Fatalf("expected %d sequences, got %d", publishers*perPublisher, len(seen))
	}
	for want := uint64(1); want <= publishers*perPublisher; want++ {
		if !seen[want] {
			t.Fatalf("sequence %d missing from dense set", want)
		}
	}
	if history := bus.History(); len(history) != publishers*perPublisher {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestPublishAtUsesSimulationTimestamp(t *testing.T) {
	bus := New(Config{})

	ts := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	if _, err := bus.PublishAt(schema.KindBar, nil, "test", ts); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	history := bus.History()
	if !history[0].Timestamp.Equal(ts) {
		t.Fatalf("event timestamp = %v", history[0].Timestamp)
	}
}
