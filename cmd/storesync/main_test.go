package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/storesync/internal/catalog"
	"github.com/agentworkforce/storesync/internal/config"
	"github.com/rs/zerolog"
)

func newStoreServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	respond := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(hits, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/products", respond(`{"products":[{"productId":"p1","name":"Lamp","price":12.5,"totalStock":3}],"currentPage":0,"totalPages":1}`))
	mux.HandleFunc("/warehouses", respond(`{"warehouses":[{"warehouseId":"w1","name":"North"}],"currentPage":0,"totalPages":1}`))
	mux.HandleFunc("/orders", respond(`{"orders":[{"orderId":"o1","totalAmount":25,"orderStatus":"PENDING"}],"currentPage":0,"totalPages":2}`))
	mux.HandleFunc("/orders/customers", respond(`{"orders":[],"currentPage":0,"totalPages":0}`))
	mux.HandleFunc("/orders/stats", respond(`{"dailyStats":[{"date":"2026-10-16","totalOrders":2}]}`))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		ProductAPIURL:   baseURL,
		WarehouseAPIURL: baseURL,
		OrderAPIURL:     baseURL,
		PushURL:         "ws://127.0.0.1:1/ws/websocket",
		PageSize:        10,
		FetchTimeout:    2 * time.Second,
		ReconnectDelay:  50 * time.Millisecond,
		SessionDSN:      "memory://",
	}
}

func TestRunOnceLoadsEveryCollection(t *testing.T) {
	var hits int32
	srv := newStoreServer(t, &hits)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, testConfig(srv.URL), runOptions{Once: true}, zerolog.Nop()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 5 {
		t.Fatalf("expected four listings and one stats call, got %d requests", got)
	}
}

func TestRunOnceReportsLoadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"missing"}`))
	}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, testConfig(srv.URL), runOptions{Once: true}, zerolog.Nop()); err == nil {
		t.Fatalf("expected load failure to be reported")
	}
}

func TestRunRejectsUnknownSessionStore(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.SessionDSN = "mysql://localhost/storesync"
	if err := run(context.Background(), cfg, runOptions{Once: true}, zerolog.Nop()); err == nil {
		t.Fatalf("expected unsupported session store to fail")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	var hits int32
	srv := newStoreServer(t, &hits)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testConfig(srv.URL), runOptions{Push: true}, zerolog.Nop())
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestPushDialerReturnsNilChannelOnFailure(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.PushURL = "http://not-a-websocket"
	ch, err := pushDialer(cfg, zerolog.Nop())(context.Background())
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if ch != nil {
		t.Fatalf("expected a nil channel interface, got %#v", ch)
	}
}

func TestTotalOrders(t *testing.T) {
	stats := catalog.OrderStats{DailyStats: []catalog.DailyStat{{TotalOrders: 2}, {TotalOrders: 5}}}
	if got := totalOrders(stats); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("STORESYNC_TEST_VALUE", "  ")
	if got := envOrDefault("STORESYNC_TEST_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
	t.Setenv("STORESYNC_TEST_VALUE", " set ")
	if got := envOrDefault("STORESYNC_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
}
