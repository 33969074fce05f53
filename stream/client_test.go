package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "floorwatch/config"
	"floorwatch/internal/channel"
)

func clientConfig(t *testing.T, url string) *appconfig.Config {
	t.Helper()
	return &appconfig.Config{
		Stream: appconfig.StreamConfig{
			URL:              url,
			SubscribeBatch:   200,
			BatchPacing:      appconfig.Duration(time.Millisecond),
			SlugsFile:        t.TempDir() + "/collections.json",
			HandshakeTimeout: appconfig.Duration(5 * time.Second),
			Backoff: appconfig.BackoffConfig{
				BaseDelay: appconfig.Duration(10 * time.Millisecond),
				MaxDelay:  appconfig.Duration(50 * time.Millisecond),
			},
		},
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func acceptHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var init streamFrame
	if err := conn.ReadJSON(&init); err != nil {
		t.Errorf("read connection_init: %v", err)
		return
	}
	if init.Type != "connection_init" {
		t.Errorf("expected connection_init, got %q", init.Type)
	}
	if err := conn.WriteJSON(streamFrame{Type: "connection_ack"}); err != nil {
		t.Errorf("write connection_ack: %v", err)
	}
}

func TestClientStreamsUpdates(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		acceptHandshake(t, conn)

		conn.WriteJSON(map[string]any{
			"id":   "1",
			"type": "next",
			"payload": map[string]any{
				"data": map[string]any{
					"collectionsBySlugs": map[string]any{
						"slug": "cool-cats",
						"floorPrice": map[string]any{
							"pricePerItem": map[string]any{"usd": 950.0},
						},
					},
				},
			},
		})

		// Keep the connection open until the test ends.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := channel.NewChannels(channel.ChannelSizes{Updates: 16, Changed: 16, Candidates: 4, Alerts: 4})
	cfg := clientConfig(t, wsURL(srv))
	c := NewClient(cfg, ch, NewSubscriptionManager(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	select {
	case item := <-ch.Updates:
		if item.Slug != "cool-cats" {
			t.Fatalf("unexpected slug: %s", item.Slug)
		}
		if usd, ok := item.FloorUSD(); !ok || usd != 950 {
			t.Fatalf("floor not decoded: %v ok=%v", usd, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream update never reached the pipeline")
	}
}

// Every connection must replay the full active set; otherwise a reconnect
// silently stops coverage of everything subscribed before the drop.
func TestClientResubscribesAfterReconnect(t *testing.T) {
	subscribes := make(chan []string, 8)
	var conns atomic.Int64

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		acceptHandshake(t, conn)

		n := conns.Add(1)
		for {
			var frame subscribeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "subscribe" {
				subscribes <- frame.Payload.Variables.Slugs
				if n == 1 {
					// Drop the first connection right after the replay.
					return
				}
			}
		}
	}))
	defer srv.Close()

	cfg := clientConfig(t, wsURL(srv))
	m := NewSubscriptionManager(cfg)
	if err := m.Apply(context.Background(), &captureWriter{}, []string{"aa", "bb"}); err != nil {
		t.Fatalf("seed active set: %v", err)
	}

	ch := channel.NewChannels(channel.ChannelSizes{Updates: 16, Changed: 16, Candidates: 4, Alerts: 4})
	c := NewClient(cfg, ch, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	for i := 0; i < 2; i++ {
		select {
		case slugs := <-subscribes:
			if len(slugs) != 2 {
				t.Fatalf("connection %d replayed %v, want both slugs", i+1, slugs)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("connection %d never replayed the active set", i+1)
		}
	}
}
