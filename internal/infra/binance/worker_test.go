package binance

import (
	"testing"
	"time"
)

func TestStreamURL(t *testing.T) {
	w := NewWorker("wss://data-stream.binance.vision/stream", []string{"BTC", "ETH"})

	got := w.streamURL()
	want := "wss://data-stream.binance.vision/stream?streams=btcusdt@trade/ethusdt@trade"
	if got != want {
		t.Errorf("streamURL = %s, want %s", got, want)
	}
}

func TestHandleMessageCachesLatestTrade(t *testing.T) {
	w := NewWorker("wss://example.test", []string{"BTC"})

	w.handleMessage([]byte(`{
		"stream": "btcusdt@trade",
		"data": {"e":"trade","s":"BTCUSDT","p":"64321.10","T":1700000000000}
	}`))

	sample, ok := w.Latest("BTC")
	if !ok {
		t.Fatal("expected cached sample")
	}
	if sample.Price.String() != "64321.1" {
		t.Errorf("expected price 64321.1, got %s", sample.Price)
	}
	if !sample.At.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("unexpected trade time %s", sample.At)
	}

	// Newer trade replaces the cache.
	w.handleMessage([]byte(`{
		"stream": "btcusdt@trade",
		"data": {"e":"trade","s":"BTCUSDT","p":"64400","T":1700000001000}
	}`))
	sample, _ = w.Latest("BTC")
	if sample.Price.String() != "64400" {
		t.Errorf("expected updated price, got %s", sample.Price)
	}
}

func TestHandleMessageIgnoresJunk(t *testing.T) {
	w := NewWorker("wss://example.test", []string{"BTC"})

	w.handleMessage([]byte(`not json`))
	w.handleMessage([]byte(`{"stream":"x","data":{"e":"depthUpdate","s":"BTCUSDT"}}`))
	w.handleMessage([]byte(`{"stream":"x","data":{"e":"trade","s":"BTCUSDT","p":"not-a-number"}}`))

	if _, ok := w.Latest("BTC"); ok {
		t.Error("junk frames must not populate the cache")
	}
}

func TestLatestUnknownSymbol(t *testing.T) {
	w := NewWorker("wss://example.test", []string{"BTC"})
	if _, ok := w.Latest("ETH"); ok {
		t.Error("expected miss for symbol never seen")
	}
}
