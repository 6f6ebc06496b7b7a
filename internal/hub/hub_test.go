package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"moonride/internal/domain"
)

func dialTestHub(t *testing.T, h *Hub, symbol string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?symbol=" + symbol
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastReachesSubscribedMarketOnly(t *testing.T) {
	h := NewHub([]string{"BTC", "ETH"})
	go h.Run()

	btc := dialTestHub(t, h, "BTC")
	waitForClients(t, h, "BTC", 1)

	h.Broadcast("ETH", "data", map[string]string{"for": "eth"})
	h.Broadcast("BTC", "data", map[string]string{"for": "btc"})

	btc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := btc.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if env.Symbol != "BTC" {
		t.Errorf("expected only the BTC event, got symbol %q", env.Symbol)
	}
}

func TestHubBroadcastAllReachesEveryMarket(t *testing.T) {
	h := NewHub([]string{"BTC", "ETH"})
	go h.Run()

	eth := dialTestHub(t, h, "ETH")
	waitForClients(t, h, "ETH", 1)

	h.BroadcastAll("epoch", map[string]int{"end": 1})

	eth.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := eth.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env Envelope
	json.Unmarshal(frame, &env)
	if env.Event != "epoch" {
		t.Errorf("expected epoch event, got %q", env.Event)
	}
}

func TestHubInboundVote(t *testing.T) {
	h := NewHub([]string{"BTC"})

	var mu sync.Mutex
	var votes []string
	h.OnVote = func(symbol, address string, side domain.Side) {
		mu.Lock()
		votes = append(votes, symbol+"/"+address+"/"+string(side))
		mu.Unlock()
	}
	go h.Run()

	conn := dialTestHub(t, h, "BTC")
	waitForClients(t, h, "BTC", 1)

	// One valid vote, one garbage side that must be ignored.
	conn.WriteJSON(map[string]string{"type": "vote", "address": "0xa", "side": "up"})
	conn.WriteJSON(map[string]string{"type": "vote", "address": "0xa", "side": "sideways"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(votes)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(votes) != 1 || votes[0] != "BTC/0xa/up" {
		t.Errorf("expected single valid vote, got %v", votes)
	}
}

func TestHubRejectsUnknownMarket(t *testing.T) {
	h := NewHub([]string{"BTC"})
	go h.Run()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?symbol=DOGE"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown market")
	}
	if resp != nil && resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func waitForClients(t *testing.T, h *Hub, symbol string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		n := len(h.clients[symbol])
		h.mu.RUnlock()
		if n >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber never registered for %s", symbol)
}
