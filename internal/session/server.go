package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfold/backcast/errs"
	"github.com/quantfold/backcast/internal/eventbus"
	"github.com/quantfold/backcast/internal/observability"
	"github.com/quantfold/backcast/internal/schema"
)

// StateProvider supplies the full system state for state_sync pushes.
type StateProvider func() map[string]any

// Config tunes the session server. Zero values fall back to defaults,
// except Port: zero binds an OS-assigned port.
type Config struct {
	Host                 string
	Port                 int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxMessageSize       int64
	ReconnectGracePeriod time.Duration
	CommandTimeout       time.Duration
	BroadcastWorkers     int
	ClientQueueSize      int
}

func (c Config) normalize() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.ReconnectGracePeriod <= 0 {
		c.ReconnectGracePeriod = 5 * time.Minute
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.BroadcastWorkers <= 0 {
		c.BroadcastWorkers = 4
	}
	if c.ClientQueueSize <= 0 {
		c.ClientQueueSize = 64
	}
	return c
}

// Server is the persistent duplex transport: it upgrades connections,
// routes inbound commands, fans out events, and enforces heartbeat
// liveness.
type Server struct {
	cfg    Config
	router *Router

	mu            sync.Mutex
	clients       map[string]*client
	retained      map[string]time.Time
	stateProvider StateProvider
	running       bool

	ctx        context.Context
	cancel     context.CancelFunc
	listener   net.Listener
	httpServer *http.Server
	loops      sync.WaitGroup

	connectedGauge   metric.Int64UpDownCounter
	inboundCounter   metric.Int64Counter
	broadcastCounter metric.Int64Counter
}

// NewServer constructs a session server around the given router.
func NewServer(cfg Config, router *Router) *Server {
	cfg = cfg.normalize()
	if router == nil {
		router = NewRouter(cfg.CommandTimeout)
	}
	s := &Server{
		cfg:      cfg,
		router:   router,
		clients:  make(map[string]*client),
		retained: make(map[string]time.Time),
	}

	meter := otel.Meter("session")
	s.connectedGauge, _ = meter.Int64UpDownCounter("session.clients.connected",
		metric.WithDescription("Number of connected clients"),
		metric.WithUnit("{client}"))
	s.inboundCounter, _ = meter.Int64Counter("session.messages.inbound",
		metric.WithDescription("Number of inbound messages"),
		metric.WithUnit("{message}"))
	s.broadcastCounter, _ = meter.Int64Counter("session.messages.broadcast",
		metric.WithDescription("Number of broadcast fan-outs"),
		metric.WithUnit("{message}"))

	return s
}

// Router exposes the command router for handler installation.
func (s *Server) Router() *Router { return s.router }

// SetStateProvider installs the callback whose output is pushed as
// state_sync on reconnect and returned by request_state.
func (s *Server) SetStateProvider(provider StateProvider) {
	s.mu.Lock()
	s.stateProvider = provider
	s.mu.Unlock()
}

// Start begins listening and launches the heartbeat loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s.ctx = serverCtx
	s.cancel = cancel
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true
	s.mu.Unlock()

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Log().Error("session server stopped", observability.F("error", err))
		}
	}()

	s.loops.Add(1)
	go s.heartbeatLoop(serverCtx)

	observability.Log().Info("session server listening", observability.F("addr", listener.Addr().String()))
	return nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every client and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	httpServer := s.httpServer
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
	cancel()

	err := httpServer.Shutdown(ctx)
	s.loops.Wait()
	return err
}

// Broadcast fans one message out to every connected client.
func (s *Server) Broadcast(msg schema.Message) int {
	data, err := msg.Encode()
	if err != nil {
		observability.Log().Error("broadcast encode failed", observability.F("error", err))
		return 0
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if len(clients) == 0 {
		return 0
	}

	p := concpool.New().WithMaxGoroutines(s.cfg.BroadcastWorkers)
	for _, c := range clients {
		c := c
		p.Go(func() { c.send(data) })
	}
	p.Wait()

	if s.broadcastCounter != nil {
		s.broadcastCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("message_type", string(msg.Type))))
	}
	return len(clients)
}

// SendToClient delivers one message to a specific client.
func (s *Server) SendToClient(clientID string, msg schema.Message) bool {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	data, err := msg.Encode()
	if err != nil {
		return false
	}
	c.send(data)
	return true
}

// ConnectedClients reports the ids of all connected clients.
func (s *Server) ConnectedClients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// AttachBus bridges bus events into push messages. Session delivery
// failures never propagate back into the bus.
func (s *Server) AttachBus(bus *eventbus.Bus) error {
	pushTypes := map[schema.EventKind]schema.MessageType{
		schema.KindTick:     schema.MessageTickUpdate,
		schema.KindBar:      schema.MessageBarUpdate,
		schema.KindTrade:    schema.MessageTradeUpdate,
		schema.KindPosition: schema.MessagePositionUpdate,
		schema.KindAccount:  schema.MessageAccountUpdate,
		schema.KindRisk:     schema.MessageAlert,
	}
	for kind, msgType := range pushTypes {
		msgType := msgType
		if _, err := bus.Subscribe(kind, func(evt schema.Event) error {
			s.Broadcast(schema.NewMessage(msgType, map[string]any{
				"sequence":  evt.Sequence,
				"kind":      string(evt.Kind),
				"timestamp": evt.Timestamp,
				"payload":   evt.Payload,
				"source":    evt.Source,
			}))
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		observability.Log().Error("websocket accept failed", observability.F("error", err))
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	clientID := uuid.NewString()
	c := newClient(s.ctx, clientID, conn, s.cfg.ClientQueueSize)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		c.close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	s.clients[clientID] = c
	s.mu.Unlock()

	if s.connectedGauge != nil {
		s.connectedGauge.Add(context.Background(), 1)
	}
	observability.Log().Info("client connected", observability.F("client_id", clientID))

	go c.writeLoop()

	welcome := schema.NewMessage(schema.MessageConnect, map[string]any{
		"client_id":   clientID,
		"server_time": time.Now().UnixMilli(),
	})
	if data, err := welcome.Encode(); err == nil {
		c.send(data)
	}

	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c.id)
	if s.running {
		s.retained[c.id] = time.Now()
	}
	s.mu.Unlock()

	if s.connectedGauge != nil {
		s.connectedGauge.Add(context.Background(), -1)
	}
	c.close(websocket.StatusNormalClosure, "")
	observability.Log().Info("client disconnected", observability.F("client_id", c.id))
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.touch()

		if s.inboundCounter != nil {
			s.inboundCounter.Add(context.Background(), 1)
		}

		msg, err := schema.DecodeMessage(data)
		if err != nil {
			resp := schema.NewError("", err.Error(), errs.CodeOf(err))
			if encoded, encErr := resp.Encode(); encErr == nil {
				c.send(encoded)
			}
			continue
		}

		switch msg.Type {
		case schema.MessageHeartbeat:
			ack := schema.NewMessage(schema.MessageHeartbeatAck, map[string]any{
				"server_time": time.Now().UnixMilli(),
			})
			ack.ID = msg.ID
			if encoded, err := ack.Encode(); err == nil {
				c.send(encoded)
			}
		case schema.MessageHeartbeatAck:
			// Liveness already refreshed above.
		case schema.MessageDisconnect:
			return
		case schema.MessageConnect:
			s.handleReconnect(c, msg)
		default:
			resp := s.router.Dispatch(s.ctx, msg)
			if resp != nil {
				if encoded, err := resp.Encode(); err == nil {
					c.send(encoded)
				}
			}
		}
	}
}

// handleReconnect resumes a retained client identity. When a state
// provider is installed the server pushes exactly one state_sync before
// any post-reconnect events reach the client. Registration and both
// sends happen under the server lock: Broadcast snapshots the client map
// under the same lock, so no concurrent fan-out can enqueue a push to
// the resumed identity ahead of the state_sync. send never blocks, so
// holding the lock across it is safe.
func (s *Server) handleReconnect(c *client, msg schema.Message) {
	previousID, _ := msg.PayloadString("client_id")

	s.mu.Lock()
	resumed := false
	if previousID != "" && previousID != c.id {
		if disconnectedAt, ok := s.retained[previousID]; ok && time.Since(disconnectedAt) <= s.cfg.ReconnectGracePeriod {
			delete(s.retained, previousID)
			delete(s.clients, c.id)
			c.id = previousID
			s.clients[previousID] = c
			resumed = true
		}
	}

	resp := schema.NewResponse(msg.ID, map[string]any{
		"client_id":   c.id,
		"resumed":     resumed,
		"server_time": time.Now().UnixMilli(),
	})
	if encoded, err := resp.Encode(); err == nil {
		c.send(encoded)
	}

	if resumed && s.stateProvider != nil {
		stateMsg := schema.NewMessage(schema.MessageStateSync, s.stateProvider())
		if encoded, err := stateMsg.Encode(); err == nil {
			c.send(encoded)
		}
	}
	s.mu.Unlock()
}

// heartbeatLoop probes clients, expires silent ones, and purges retained
// reconnect metadata past the grace period.
func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.Broadcast(schema.NewMessage(schema.MessageHeartbeat, map[string]any{
			"server_time": time.Now().UnixMilli(),
		}))

		s.mu.Lock()
		var expired []*client
		for id, c := range s.clients {
			if c.idleFor() > s.cfg.HeartbeatTimeout {
				delete(s.clients, id)
				s.retained[id] = time.Now()
				expired = append(expired, c)
			}
		}
		for id, disconnectedAt := range s.retained {
			if time.Since(disconnectedAt) > s.cfg.ReconnectGracePeriod {
				delete(s.retained, id)
			}
		}
		s.mu.Unlock()

		for _, c := range expired {
			log.Printf("session: closing client %s after heartbeat timeout", c.id)
			c.close(websocket.StatusPolicyViolation, "heartbeat timeout")
		}
	}
}
