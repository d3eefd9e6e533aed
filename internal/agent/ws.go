package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsBackoffInitial = 1 * time.Second
	wsBackoffMax     = 60 * time.Second
	wsAuthTimeout    = 10 * time.Second
	// wsQueueSize bounds the outgoing queue; frames beyond it are
	// dropped rather than blocking the producers
	wsQueueSize = 64
)

// ErrAuthRejected means the server answered the token frame with
// anything but auth_ok
var ErrAuthRejected = errors.New("websocket auth rejected")

// MessageFunc handles one decoded server frame
type MessageFunc func(msg map[string]any)

// WSClient keeps one authenticated socket to the server alive,
// reconnecting with exponential backoff. Outgoing frames queue across
// reconnects.
type WSClient struct {
	// OnMessage receives every decoded server frame. Assign before Run.
	OnMessage MessageFunc

	url       string
	token     string
	heartbeat time.Duration
	outgoing  chan map[string]any
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
}

// NewWSClient creates a client from the agent configuration
func NewWSClient(config *Config, logger *slog.Logger) *WSClient {
	return &WSClient{
		url:       config.WSURL(),
		token:     config.DeviceToken,
		heartbeat: config.HeartbeatInterval(),
		outgoing:  make(chan map[string]any, wsQueueSize),
		logger:    logger.With("component", "ws-client"),
	}
}

// Connected reports whether an authenticated socket is currently up
func (w *WSClient) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Enqueue queues a frame for delivery. A full queue drops the frame so
// a dead connection cannot back-pressure the monitor.
func (w *WSClient) Enqueue(msg map[string]any) {
	select {
	case w.outgoing <- msg:
	default:
		w.logger.Warn("outgoing queue full, dropping frame", "type", msg["type"])
	}
}

// Run dials, authenticates and serves the socket until the context is
// cancelled. Backoff starts at 1 s, doubles per failure, caps at 60 s
// and resets after each successful authentication.
func (w *WSClient) Run(ctx context.Context) {
	backoff := wsBackoffInitial

	for {
		authed, err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if authed {
			backoff = wsBackoffInitial
		}
		if err != nil {
			w.logger.Warn("websocket session ended", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, wsBackoffMax)
	}
}

// runOnce performs a single connect-auth-serve cycle. The returned bool
// reports whether authentication succeeded.
func (w *WSClient) runOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsAuthTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// First frame is the raw device token
	if err := conn.WriteMessage(websocket.TextMessage, []byte(w.token)); err != nil {
		return false, fmt.Errorf("token send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("auth response: %w", err)
	}
	if hello["type"] != "auth_ok" {
		return false, fmt.Errorf("%w: got %v", ErrAuthRejected, hello["type"])
	}
	conn.SetReadDeadline(time.Time{})

	w.setConnected(true)
	defer w.setConnected(false)
	w.logger.Info("websocket authenticated")

	// Writer and heartbeat producer run beside the read loop. The first
	// failure on either side tears the whole session down.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go w.writeLoop(sessionCtx, conn, writeErr)
	go w.heartbeatLoop(sessionCtx)

	readErr := make(chan error, 1)
	go func() { readErr <- w.readLoop(conn) }()

	select {
	case <-ctx.Done():
		return true, nil
	case err := <-writeErr:
		return true, err
	case err := <-readErr:
		return true, err
	}
}

// readLoop dispatches server frames. Non-JSON frames are logged and
// dropped.
func (w *WSClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Warn("dropping non-JSON frame", "error", err)
			continue
		}
		if w.OnMessage != nil {
			w.OnMessage(msg)
		}
	}
}

// writeLoop is the sole writer on the socket once authentication is
// done, which keeps frame order intact.
func (w *WSClient) writeLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-w.outgoing:
			if err := conn.WriteJSON(msg); err != nil {
				errCh <- err
				return
			}
		}
	}
}

// heartbeatLoop enqueues a heartbeat frame every interval while the
// session lives
func (w *WSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Enqueue(map[string]any{"type": "heartbeat"})
		}
	}
}

func (w *WSClient) setConnected(connected bool) {
	w.mu.Lock()
	w.connected = connected
	w.mu.Unlock()
}
