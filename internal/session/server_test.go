package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/backcast/internal/eventbus"
	"github.com/quantfold/backcast/internal/schema"
)

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	server := NewServer(cfg, nil)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func dialTestServer(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", server.Addr()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) schema.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := schema.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg schema.Message) {
	t.Helper()

	data, err := msg.Encode()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectHandshake(t *testing.T) {
	server := startTestServer(t, Config{})
	conn := dialTestServer(t, server)

	welcome := readMessage(t, conn)
	assert.Equal(t, schema.MessageConnect, welcome.Type)
	clientID, ok := welcome.Payload["client_id"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, clientID)
	assert.Contains(t, welcome.Payload, "server_time")
}

func TestHeartbeatAck(t *testing.T) {
	server := startTestServer(t, Config{})
	conn := dialTestServer(t, server)
	readMessage(t, conn) // welcome

	writeMessage(t, conn, schema.Message{ID: "hb-1", Type: schema.MessageHeartbeat, Timestamp: time.Now().UnixMilli()})
	ack := readMessage(t, conn)
	assert.Equal(t, schema.MessageHeartbeatAck, ack.Type)
	assert.Equal(t, "hb-1", ack.ID)
}

func TestCommandDispatchOverWire(t *testing.T) {
	server := startTestServer(t, Config{})
	server.Router().Register(schema.MessagePause, func(_ context.Context, msg schema.Message) *schema.Message {
		return okResponse(msg.ID, map[string]any{"success": true})
	})

	conn := dialTestServer(t, server)
	readMessage(t, conn) // welcome

	writeMessage(t, conn, schema.Message{ID: "cmd-1", Type: schema.MessagePause, Timestamp: time.Now().UnixMilli()})
	resp := readMessage(t, conn)
	assert.Equal(t, schema.MessageResponse, resp.Type)
	assert.Equal(t, "cmd-1", resp.ID)
	assert.Equal(t, true, resp.Payload["success"])
}

func TestUnknownCommandYieldsError(t *testing.T) {
	server := startTestServer(t, Config{})
	conn := dialTestServer(t, server)
	readMessage(t, conn) // welcome

	writeMessage(t, conn, schema.Message{ID: "cmd-2", Type: "no_such_command", Timestamp: time.Now().UnixMilli()})
	resp := readMessage(t, conn)
	assert.Equal(t, schema.MessageError, resp.Type)
	assert.Equal(t, "cmd-2", resp.ID)
	assert.Contains(t, resp.Payload["error"], "unsupported message type")
}

func TestReconnectEmitsSingleStateSync(t *testing.T) {
	server := startTestServer(t, Config{ReconnectGracePeriod: time.Minute})
	server.SetStateProvider(func() map[string]any {
		return map[string]any{"replay_status": map[string]any{"state": "paused"}}
	})

	// First connection: learn the assigned client id, then drop.
	conn := dialTestServer(t, server)
	welcome := readMessage(t, conn)
	originalID := welcome.Payload["client_id"].(string)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	// Wait for the server to retire the connection into the grace window.
	require.Eventually(t, func() bool {
		return len(server.ConnectedClients()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Second connection resumes the prior identity.
	conn2 := dialTestServer(t, server)
	readMessage(t, conn2) // fresh welcome

	writeMessage(t, conn2, schema.Message{
		ID:        "reconnect-1",
		Type:      schema.MessageConnect,
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{"client_id": originalID},
	})

	resp := readMessage(t, conn2)
	assert.Equal(t, schema.MessageResponse, resp.Type)
	assert.Equal(t, originalID, resp.Payload["client_id"])
	assert.Equal(t, true, resp.Payload["resumed"])

	stateSync := readMessage(t, conn2)
	assert.Equal(t, schema.MessageStateSync, stateSync.Type)
	assert.Contains(t, stateSync.Payload, "replay_status")

	// Exactly one state_sync: the next frame, if any, must not be another.
	writeMessage(t, conn2, schema.Message{ID: "hb-2", Type: schema.MessageHeartbeat, Timestamp: time.Now().UnixMilli()})
	next := readMessage(t, conn2)
	assert.Equal(t, schema.MessageHeartbeatAck, next.Type)
}

func TestBusEventsFanOutToClients(t *testing.T) {
	server := startTestServer(t, Config{})
	bus := eventbus.New(eventbus.Config{})
	require.NoError(t, server.AttachBus(bus))

	conn := dialTestServer(t, server)
	readMessage(t, conn) // welcome

	ts := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	_, err := bus.PublishAt(schema.KindTick, schema.Record{"last_price": 50000.0}, "replay_controller", ts)
	require.NoError(t, err)

	push := readMessage(t, conn)
	assert.Equal(t, schema.MessageTickUpdate, push.Type)
	assert.Equal(t, float64(1), push.Payload["sequence"])
	assert.Equal(t, "tick", push.Payload["kind"])

	payload, ok := push.Payload["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 50000.0, payload["last_price"])
}

func TestBroadcastReachesAllClients(t *testing.T) {
	server := startTestServer(t, Config{})

	conn1 := dialTestServer(t, server)
	conn2 := dialTestServer(t, server)
	readMessage(t, conn1)
	readMessage(t, conn2)

	require.Eventually(t, func() bool {
		return len(server.ConnectedClients()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sent := server.Broadcast(schema.NewMessage(schema.MessageAlert, map[string]any{"alert_id": "a-1"}))
	assert.Equal(t, 2, sent)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readMessage(t, conn)
		assert.Equal(t, schema.MessageAlert, msg.Type)
		assert.Equal(t, "a-1", msg.Payload["alert_id"])
	}
}
