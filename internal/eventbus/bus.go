// Package eventbus implements the totally-ordered event distributor at the
// heart of the replay core. Every downstream guarantee — deterministic
// replay, snapshot consistency, client resync — derives from the single
// monotonic sequence counter owned by this package.
package eventbus

import (
	"github.com/quantfold/backcast/internal/schema"
)

// Handler consumes one published event. A non-nil error aborts delivery to
// the remaining subscribers for that event.
type Handler func(evt schema.Event) error

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Config sizes the bus history buffer.
type Config struct {
	// MaxHistory bounds the replay tail; oldest events are dropped first.
	MaxHistory int
}

const defaultMaxHistory = 10000

func (c Config) normalize() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = defaultMaxHistory
	}
	return c
}
