package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

type staticTokens string

func (s staticTokens) AccessToken(context.Context) (string, error) { return string(s), nil }

func TestListenerDispatchesAndFilters(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth, gotWallet string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotWallet = r.Header.Get("X-Wallet-Address")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		messages := []string{
			`{"type":"new_task","job":{"id":1,"phase":0,"memos":[{"id":1,"nextPhase":1,"content":"{\"name\":\"svc\",\"requirement\":\"x\"}"}]}}`,
			`{"type":"evaluate","job":{"id":2,"phase":4,"memos":[]}}`, // terminal, dropped
			`not json`, // dropped
			`{"type":"evaluate","job":{"id":3,"phase":3,"memos":[]}}`,
		}
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var seen []Event
	got := make(chan struct{}, 8)
	handler := func(_ context.Context, ev Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		got <- struct{}{}
	}

	addr := common.HexToAddress("0xa11ce")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	l := NewListener(wsURL, addr, staticTokens("tok"), handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	cancel()
	<-errc

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 dispatched events, got %d", len(seen))
	}
	if seen[0].Kind != EventNewTask || seen[0].Job.ID.Int64() != 1 {
		t.Fatalf("unexpected first event %+v", seen[0])
	}
	if seen[0].Job.Name != "svc" {
		t.Fatal("job snapshot must be resolved before dispatch")
	}
	if seen[1].Kind != EventEvaluate || seen[1].Job.ID.Int64() != 3 {
		t.Fatalf("unexpected second event %+v", seen[1])
	}
	if gotAuth != "Bearer tok" || gotWallet != addr.Hex() {
		t.Fatalf("handshake headers missing: auth=%q wallet=%q", gotAuth, gotWallet)
	}
}

func TestRunResetsReconnectBackoffAfterConnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop every connection right after the handshake.
		conn.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	l := NewListener(wsURL, common.HexToAddress("0xa11ce"), nil, func(context.Context, Event) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var waits []time.Duration
	l.wait = func(_ context.Context, d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		n := len(waits)
		mu.Unlock()
		if n >= 3 {
			cancel()
		}
	}

	if err := l.Run(ctx); err == nil {
		t.Fatal("expected Run to stop with the cancellation error")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(waits) < 3 {
		t.Fatalf("expected 3 reconnect waits, got %d", len(waits))
	}
	for i, d := range waits[:3] {
		if d != time.Second {
			t.Fatalf("wait %d after a successful connect = %v, want the initial interval", i, d)
		}
	}
}

func TestRunBackoffGrowsWhileDialFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close() // every dial now fails

	l := NewListener(wsURL, common.HexToAddress("0xa11ce"), nil, func(context.Context, Event) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var waits []time.Duration
	l.wait = func(_ context.Context, d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		n := len(waits)
		mu.Unlock()
		if n >= 3 {
			cancel()
		}
	}

	if err := l.Run(ctx); err == nil {
		t.Fatal("expected Run to stop with the cancellation error")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(waits) < len(want) {
		t.Fatalf("expected %d reconnect waits, got %d", len(want), len(waits))
	}
	for i, d := range want {
		if waits[i] != d {
			t.Fatalf("wait %d = %v, want %v", i, waits[i], d)
		}
	}
}
