package exchange

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookFeedSubscribeBeforeConnect(t *testing.T) {
	t.Parallel()

	feed := NewBookFeed("ws://unreachable.invalid", slog.Default())
	require.NoError(t, feed.Subscribe(testPair),
		"subscriptions before the dial are recorded, not sent")
	require.NoError(t, feed.Unsubscribe(testPair))
}

func TestBookFeedReplaysSubscriptionOnConnect(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	got := make(chan wsSubscribeMsg, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg wsSubscribeMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case got <- msg:
		default:
		}

		conn.WriteJSON(wsDepthMsg{
			Channel: "depth",
			Pair:    "TKN_USDT",
			Bids:    [][2]string{{"99.5", "10"}},
			Asks:    [][2]string{{"100.5", "5"}},
		})
	}))
	t.Cleanup(srv.Close)

	feed := NewBookFeed("ws"+strings.TrimPrefix(srv.URL, "http"), slog.Default())
	require.NoError(t, feed.Subscribe(testPair), "subscribe happens before Run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case msg := <-got:
		assert.Equal(t, "subscribe", msg.Op)
		assert.Equal(t, "depth", msg.Channel)
		assert.Equal(t, []string{"TKN_USDT"}, msg.Pairs)
	case <-time.After(2 * time.Second):
		t.Fatal("tracked subscription was not replayed on connect")
	}

	select {
	case book := <-feed.Books():
		require.NotNil(t, book)
		assert.Equal(t, testPair, book.Pair)
		require.Len(t, book.Bids, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no book snapshot arrived")
	}
}
