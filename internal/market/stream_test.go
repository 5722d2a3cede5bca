package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	requests [][]string
	conns    int
}

func newWSServer(t *testing.T, onConn func(conn *websocket.Conn, n int)) *wsServer {
	t.Helper()
	ws := &wsServer{}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ws.mu.Lock()
		ws.conns++
		n := ws.conns
		ws.mu.Unlock()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		ws.mu.Lock()
		ws.requests = append(ws.requests, req.Args)
		ws.mu.Unlock()

		onConn(conn, n)
	}))
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func klineMessage(topic string, start int64, closePrice string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"topic": topic,
		"type":  "snapshot",
		"data": []map[string]any{{
			"start": start, "open": "1", "high": "2", "low": "0.5",
			"close": closePrice, "volume": "10", "turnover": "15", "confirm": false,
		}},
	})
	return payload
}

func TestStreamDeliversKlines(t *testing.T) {
	ws := newWSServer(t, func(conn *websocket.Conn, n int) {
		_ = conn.WriteMessage(websocket.TextMessage, klineMessage("kline.1.BTCUSDT", 60000, "1.5"))
		_, _, _ = conn.ReadMessage()
	})
	defer ws.srv.Close()

	stream := NewStream(StreamOptions{URL: ws.url(), InitialReconnectDelay: 10 * time.Millisecond}, noopLogger())
	got := make(chan Candle, 1)
	stream.Subscribe("BTCUSDT", TF1m, func(symbol string, tf Timeframe, c Candle) {
		if symbol != "BTCUSDT" || tf != TF1m {
			t.Errorf("unexpected routing %s %s", symbol, tf)
		}
		got <- c
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	select {
	case c := <-got:
		if c.Timestamp != 60000 || c.Close != 1.5 {
			t.Fatalf("unexpected candle %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no candle delivered")
	}
}

func TestStreamReplaysSubscriptionsAfterReconnect(t *testing.T) {
	ws := newWSServer(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			return // drop the first connection right after the subscribe
		}
		_, _, _ = conn.ReadMessage()
	})
	defer ws.srv.Close()

	reconnects := make(chan struct{}, 4)
	stream := NewStream(StreamOptions{
		URL:                   ws.url(),
		InitialReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay:     20 * time.Millisecond,
		OnReconnect:           func() { reconnects <- struct{}{} },
	}, noopLogger())
	stream.Subscribe("BTCUSDT", TF1m, func(string, Timeframe, Candle) {})
	stream.Subscribe("ETHUSDT", TF4h, func(string, Timeframe, Candle) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		ws.mu.Lock()
		n := len(ws.requests)
		var second []string
		if n >= 2 {
			second = ws.requests[1]
		}
		ws.mu.Unlock()
		if n >= 2 {
			if len(second) != 2 || second[0] != "kline.1.BTCUSDT" || second[1] != "kline.240.ETHUSDT" {
				t.Fatalf("replayed topics mismatch: %v", second)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscriptions were not replayed, saw %d requests", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case <-reconnects:
	default:
		t.Fatal("reconnect hook not invoked")
	}
}

func TestParseKlineTopic(t *testing.T) {
	symbol, tf, err := parseKlineTopic("kline.60.SOLUSDT")
	if err != nil || symbol != "SOLUSDT" || tf != TF1h {
		t.Fatalf("unexpected parse: %s %s %v", symbol, tf, err)
	}
	if _, _, err := parseKlineTopic("tickers.BTCUSDT"); err == nil {
		t.Fatal("non-kline topic should fail")
	}
}
