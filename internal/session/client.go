package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// client tracks one connected websocket peer. Outbound traffic flows
// through a buffered queue drained by a dedicated writer goroutine so a
// slow client never blocks the broadcaster.
type client struct {
	id       string
	conn     *websocket.Conn
	outbound chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	lastSeen  atomic.Int64
	closeOnce sync.Once
}

func newClient(ctx context.Context, id string, conn *websocket.Conn, queueSize int) *client {
	if queueSize <= 0 {
		queueSize = 64
	}
	clientCtx, cancel := context.WithCancel(ctx)
	c := &client{
		id:       id,
		conn:     conn,
		outbound: make(chan []byte, queueSize),
		ctx:      clientCtx,
		cancel:   cancel,
	}
	c.touch()
	return c
}

// touch refreshes the liveness timestamp on any inbound traffic.
func (c *client) touch() {
	c.lastSeen.Store(time.Now().UnixMilli())
}

// idleFor reports how long the client has been silent.
func (c *client) idleFor() time.Duration {
	return time.Since(time.UnixMilli(c.lastSeen.Load()))
}

// send enqueues one frame. When the queue is full the oldest frame is
// dropped so the freshest state always wins.
func (c *client) send(data []byte) {
	select {
	case <-c.ctx.Done():
		return
	case c.outbound <- data:
		return
	default:
	}

	select {
	case <-c.outbound:
	default:
	}
	select {
	case c.outbound <- data:
	default:
	}
}

// writeLoop drains the outbound queue onto the connection.
func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.outbound:
			writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(status, reason)
	})
}
