// ws.go implements the public WebSocket book feed.
//
// The gateway dialect streams "depth" snapshots per pair. The feed keeps the
// book cache warm so price decisions between REST refreshes work from data
// seconds old at worst. It auto-reconnects with exponential backoff
// (1s → 30s max) and re-subscribes to all tracked pairs on reconnection.
// A read deadline (90s) ensures silent server failures are detected within
// ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spotmm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	bookBufferSize   = 64               // buffer for depth snapshots
)

// BookFeed manages the public depth-stream connection for one exchange.
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type BookFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]types.Pair // keyed by pair param

	bookCh chan *types.OrderBook

	logger *slog.Logger
}

// NewBookFeed creates a depth feed for the given WS endpoint.
func NewBookFeed(wsURL string, logger *slog.Logger) *BookFeed {
	return &BookFeed{
		url:        wsURL,
		subscribed: make(map[string]types.Pair),
		bookCh:     make(chan *types.OrderBook, bookBufferSize),
		logger:     logger.With("component", "ws_book"),
	}
}

// Books returns a read-only channel of book snapshots.
func (f *BookFeed) Books() <-chan *types.OrderBook { return f.bookCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *BookFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe starts streaming depth for a pair. Before the connection is up
// the pair is only recorded; the initial subscription on (re)connect replays
// everything tracked.
func (f *BookFeed) Subscribe(pair types.Pair) error {
	f.subscribedMu.Lock()
	f.subscribed[pairParam(pair)] = pair
	f.subscribedMu.Unlock()

	if !f.connected() {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{Op: "subscribe", Channel: "depth", Pairs: []string{pairParam(pair)}})
}

// Unsubscribe stops streaming depth for a pair.
func (f *BookFeed) Unsubscribe(pair types.Pair) error {
	f.subscribedMu.Lock()
	delete(f.subscribed, pairParam(pair))
	f.subscribedMu.Unlock()

	if !f.connected() {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{Op: "unsubscribe", Channel: "depth", Pairs: []string{pairParam(pair)}})
}

func (f *BookFeed) connected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

// Close gracefully closes the connection.
func (f *BookFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type wsSubscribeMsg struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Pairs   []string `json:"pairs,omitempty"`
}

type wsDepthMsg struct {
	Channel string      `json:"channel"`
	Pair    string      `json:"pair"`
	Bids    [][2]string `json:"bids"`
	Asks    [][2]string `json:"asks"`
}

func (f *BookFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Re-subscribe to everything we track
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *BookFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	pairs := make([]string, 0, len(f.subscribed))
	for p := range f.subscribed {
		pairs = append(pairs, p)
	}
	f.subscribedMu.RUnlock()

	if len(pairs) == 0 {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{Op: "subscribe", Channel: "depth", Pairs: pairs})
}

func (f *BookFeed) dispatchMessage(data []byte) {
	var msg wsDepthMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if msg.Channel != "depth" {
		f.logger.Debug("ignoring ws channel", "channel", msg.Channel)
		return
	}

	f.subscribedMu.RLock()
	pair, ok := f.subscribed[strings.ToUpper(msg.Pair)]
	f.subscribedMu.RUnlock()
	if !ok {
		return
	}

	book := &types.OrderBook{Pair: pair, Timestamp: time.Now()}
	for _, lvl := range msg.Bids {
		book.Bids = append(book.Bids, types.Level{Price: dec(lvl[0]), Amount: dec(lvl[1])})
	}
	for _, lvl := range msg.Asks {
		book.Asks = append(book.Asks, types.Level{Price: dec(lvl[0]), Amount: dec(lvl[1])})
	}

	select {
	case f.bookCh <- book:
	default:
		f.logger.Warn("book channel full, dropping snapshot", "pair", pair.String())
	}
}

func (f *BookFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *BookFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *BookFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
