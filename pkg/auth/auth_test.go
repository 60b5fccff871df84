package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agorahq/agora-sdk-go/pkg/metrics"
)

// captureRecorder counts events by name.
type captureRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *captureRecorder) IncCounter(name string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[name]++
}

func (r *captureRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// authBackend is an httptest handler scripting the challenge/verify routes and
// counting full refresh rounds.
type authBackend struct {
	challenges int32
	verifies   int32
	expiresAt  int64
	delay      time.Duration
}

func (b *authBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.challenges, 1)
		if b.delay > 0 {
			time.Sleep(b.delay)
		}
		json.NewEncoder(w).Encode(map[string]string{"challenge": "prove it"})
	})
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&b.verifies, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"token":     "tok-" + string(rune('a'+n-1)),
			"expiresAt": b.expiresAt,
		})
	})
	return mux
}

func newTestManager(t *testing.T, b *authBackend) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return NewManager(srv.URL, crypto.PubkeyToAddress(key.PublicKey), key, 5*time.Second), srv
}

func TestAccessTokenSingleFlight(t *testing.T) {
	backend := &authBackend{expiresAt: time.Now().Add(time.Hour).Unix(), delay: 50 * time.Millisecond}
	m, _ := newTestManager(t, backend)
	rec := &captureRecorder{}
	m.Instrument(rec, "base")

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.AccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Fatalf("callers received different tokens: %q vs %q", tokens[i], tokens[0])
		}
	}

	if got := atomic.LoadInt32(&backend.challenges); got != 1 {
		t.Fatalf("expected exactly 1 challenge round, got %d", got)
	}
	if got := atomic.LoadInt32(&backend.verifies); got != 1 {
		t.Fatalf("expected exactly 1 verify round, got %d", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.counts[metrics.EventAuthRefresh] != 1 {
		t.Fatalf("expected exactly 1 refresh event, got %d", rec.counts[metrics.EventAuthRefresh])
	}
}

func TestAccessTokenReusedUntilLeadTime(t *testing.T) {
	backend := &authBackend{expiresAt: time.Now().Add(time.Hour).Unix()}
	m, _ := newTestManager(t, backend)

	first, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	second, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if first != second {
		t.Fatal("expected cached token on second call")
	}
	if got := atomic.LoadInt32(&backend.challenges); got != 1 {
		t.Fatalf("expected single refresh, got %d challenges", got)
	}
}

func TestAccessTokenRefreshesWithinLead(t *testing.T) {
	// Token expires in 2 minutes, inside the 5-minute lead: every call refreshes.
	backend := &authBackend{expiresAt: time.Now().Add(2 * time.Minute).Unix()}
	m, _ := newTestManager(t, backend)

	if _, err := m.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if _, err := m.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if got := atomic.LoadInt32(&backend.challenges); got != 2 {
		t.Fatalf("expected refresh on both calls, got %d challenges", got)
	}
}
