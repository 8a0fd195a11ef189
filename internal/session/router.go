// Package session implements the persistent duplex message transport:
// connection lifecycle, heartbeat, command dispatch, and event fan-out.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/backcast/errs"
	"github.com/quantfold/backcast/internal/schema"
)

// HandlerFunc processes one inbound command and returns the response to
// send, or nil when no response is due.
type HandlerFunc func(ctx context.Context, msg schema.Message) *schema.Message

// Router maps inbound message types to their handlers. Every inbound
// command maps to exactly one handler.
type Router struct {
	mu             sync.RWMutex
	routes         map[schema.MessageType]HandlerFunc
	commandTimeout time.Duration
}

// NewRouter constructs a router enforcing the given per-command timeout.
func NewRouter(commandTimeout time.Duration) *Router {
	if commandTimeout <= 0 {
		commandTimeout = 10 * time.Second
	}
	return &Router{
		routes:         make(map[schema.MessageType]HandlerFunc),
		commandTimeout: commandTimeout,
	}
}

// Register installs the handler for a message type, replacing any
// previous registration.
func (r *Router) Register(typ schema.MessageType, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handler == nil {
		delete(r.routes, typ)
		return
	}
	r.routes[typ] = handler
}

// Dispatch routes one inbound message under the per-command timeout. A
// handler panic degrades into an error response rather than tearing down
// the connection. When the timeout expires first, Dispatch returns an
// error response and the handler's eventual result is discarded.
func (r *Router) Dispatch(ctx context.Context, msg schema.Message) *schema.Message {
	r.mu.RLock()
	handler, ok := r.routes[msg.Type]
	r.mu.RUnlock()

	if !ok {
		resp := schema.NewError(msg.ID, fmt.Sprintf("unsupported message type: %s", msg.Type), errs.CodeInvalid)
		return &resp
	}

	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	done := make(chan *schema.Message, 1)
	go func() {
		var resp *schema.Message
		defer func() {
			if rec := recover(); rec != nil {
				errResp := schema.NewError(msg.ID, fmt.Sprintf("handler panic: %v", rec), errs.CodeUnavailable)
				resp = &errResp
			}
			done <- resp
		}()
		resp = handler(ctx, msg)
	}()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		errResp := schema.NewError(msg.ID, fmt.Sprintf("command aborted: %v", ctx.Err()), errs.CodeUnavailable)
		return &errResp
	}
}
