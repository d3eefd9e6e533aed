package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer upgrades one connection, performs the token handshake
// and hands the socket to the script
func wsTestServer(t *testing.T, expectToken string, accept bool, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.Equal(t, expectToken, string(data))

		if !accept {
			conn.WriteJSON(map[string]any{"type": "error", "message": "Invalid device token"})
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "auth failed"))
			return
		}

		conn.WriteJSON(map[string]any{"type": "auth_ok", "device_id": "dev1"})
		if script != nil {
			script(conn)
		}
	}))
}

func wsClientFor(srv *httptest.Server, token string) *WSClient {
	config := DefaultConfig()
	config.ServerURL = srv.URL
	config.DeviceToken = token
	return NewWSClient(config, testLogger())
}

func TestWSClientAuthAndDispatch(t *testing.T) {
	received := make(chan map[string]any, 8)

	srv := wsTestServer(t, "tok-1", true, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "block_app", "group_id": "grp-games"})

		// Read until the client's queued frame arrives
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "usage_update" {
				received <- msg
				return
			}
		}
	})
	defer srv.Close()

	client := wsClientFor(srv, "tok-1")
	dispatched := make(chan map[string]any, 8)
	client.OnMessage = func(msg map[string]any) { dispatched <- msg }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case msg := <-dispatched:
		assert.Equal(t, "block_app", msg["type"])
		assert.Equal(t, "grp-games", msg["group_id"])
	case <-time.After(3 * time.Second):
		t.Fatal("server frame was not dispatched")
	}

	require.Eventually(t, client.Connected, 3*time.Second, 10*time.Millisecond)

	client.Enqueue(map[string]any{"type": "usage_update", "duration_seconds": 60})
	select {
	case msg := <-received:
		assert.Equal(t, float64(60), msg["duration_seconds"])
	case <-time.After(3 * time.Second):
		t.Fatal("queued frame never reached the server")
	}
}

func TestWSClientAuthRejected(t *testing.T) {
	srv := wsTestServer(t, "bad-token", false, nil)
	defer srv.Close()

	client := wsClientFor(srv, "bad-token")
	authed, err := client.runOnce(context.Background())

	assert.False(t, authed)
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.False(t, client.Connected())
}

func TestWSClientDialFailure(t *testing.T) {
	srv := wsTestServer(t, "tok", true, nil)
	srv.Close()

	client := wsClientFor(srv, "tok")
	authed, err := client.runOnce(context.Background())

	assert.False(t, authed)
	assert.Error(t, err)
}

func TestWSClientHeartbeatProducer(t *testing.T) {
	heartbeats := make(chan struct{}, 4)

	srv := wsTestServer(t, "tok", true, func(conn *websocket.Conn) {
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "heartbeat" {
				heartbeats <- struct{}{}
			}
		}
	})
	defer srv.Close()

	client := wsClientFor(srv, "tok")
	client.heartbeat = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-heartbeats:
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat frame produced")
	}
}

func TestWSClientEnqueueDropsWhenFull(t *testing.T) {
	config := DefaultConfig()
	config.DeviceToken = "tok"
	client := NewWSClient(config, testLogger())

	for i := 0; i < wsQueueSize+10; i++ {
		client.Enqueue(map[string]any{"type": "heartbeat"})
	}
	// Queue stays bounded, producers never block
	assert.Len(t, client.outgoing, wsQueueSize)
}
