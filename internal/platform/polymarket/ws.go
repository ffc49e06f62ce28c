package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oddlot/parb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// SnapshotHandler is called when a full orderbook snapshot is received.
type SnapshotHandler func(domain.BookSnapshot)

// DeltaHandler is called when an incremental price level update is received.
type DeltaHandler func(domain.BookDelta)

// DisconnectHandler is called once when the connection drops for any reason
// other than an explicit Close. Reconnection is the caller's responsibility:
// the stream manager owns backoff, re-subscription, and cache invalidation,
// so a silent in-client reconnect would leave stale books marked fresh.
type DisconnectHandler func(err error)

// WSClient is a single WebSocket connection to the market data stream. It
// manages the connection lifecycle and dispatches parsed messages to
// registered handlers. A WSClient is not reusable after Close.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	onSnapshot   SnapshotHandler
	onDelta      DeltaHandler
	onDisconnect DisconnectHandler
	handlerMu    sync.RWMutex

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a new WebSocket client for the given endpoint.
//
// wsURL is the market stream endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// OnSnapshot registers the handler invoked for every full book snapshot.
func (w *WSClient) OnSnapshot(h SnapshotHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.onSnapshot = h
}

// OnDelta registers the handler invoked for every incremental update.
func (w *WSClient) OnDelta(h DeltaHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.onDelta = h
}

// OnDisconnect registers the handler invoked when the connection drops.
func (w *WSClient) OnDisconnect(h DisconnectHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.onDisconnect = h
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	w.conn = conn

	// Set up pong handler for keep-alive.
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	return nil
}

// Subscribe subscribes the connection to book updates for the given asset IDs
// on the market channel.
func (w *WSClient) Subscribe(ctx context.Context, assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{
		Type:    "subscribe",
		Channel: "market",
		Assets:  assetIDs,
	}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes book subscriptions for the given asset IDs.
func (w *WSClient) Unsubscribe(ctx context.Context, assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{
		Type:    "unsubscribe",
		Channel: "market",
		Assets:  assetIDs,
	}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}
	return nil
}

// Close shuts down the WebSocket connection and stops the read loop. The
// disconnect handler is not invoked for an explicit Close.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd WSCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches
// them to the registered handlers. It runs in its own goroutine and exits on
// the first read error, notifying the disconnect handler.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			// An explicit Close is not a disconnect.
			select {
			case <-w.done:
				return
			default:
			}

			w.handlerMu.RLock()
			h := w.onDisconnect
			w.handlerMu.RUnlock()
			if h != nil {
				h(fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err))
			}
			return
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			// WriteControl is the one write path gorilla allows alongside
			// the mutex-guarded data writes in Subscribe and Unsubscribe.
			if err := w.sendPing(conn); err != nil {
				return
			}
		}
	}
}

// sendPing writes a keep-alive ping as a control frame, which is safe to
// interleave with concurrent data writes.
func (w *WSClient) sendPing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleMessage parses a raw WebSocket message and routes it by event type.
// The stream may deliver either a single object or an array of objects per
// frame.
func (w *WSClient) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var frames []json.RawMessage
		if err := json.Unmarshal(raw, &frames); err != nil {
			return
		}
		for _, f := range frames {
			w.handleMessage(f)
		}
		return
	}

	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // silently drop unparseable frames
	}

	switch envelope.EventType {
	case "book":
		var book BookMessage
		if err := json.Unmarshal(raw, &book); err != nil {
			return
		}
		w.handlerMu.RLock()
		h := w.onSnapshot
		w.handlerMu.RUnlock()
		if h != nil {
			h(BookToDomainSnapshot(&book))
		}

	case "price_change":
		var pc PriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return
		}
		w.handlerMu.RLock()
		h := w.onDelta
		w.handlerMu.RUnlock()
		if h != nil {
			h(PriceChangeToDomainDelta(&pc))
		}
	}
}
