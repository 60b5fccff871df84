// Package auth manages the bearer token used on authenticated backend routes.
// Acquisition is a challenge/sign/verify round trip against the backend, tied
// to the agent's wallet address. Refreshes are single-flighted: concurrent
// callers share one in-flight refresh instead of issuing duplicate rounds.
package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agorahq/agora-sdk-go/pkg/blockchain"
	"github.com/agorahq/agora-sdk-go/pkg/metrics"
)

// refreshLead is how long before expiry a held token is refreshed.
const refreshLead = 5 * time.Minute

// Manager acquires and refreshes the backend bearer token. Safe for use by
// arbitrary concurrent callers.
type Manager struct {
	httpc   *http.Client
	baseURL string
	address common.Address
	key     *ecdsa.PrivateKey

	group singleflight.Group

	recorder metrics.Recorder
	network  string

	mu     sync.Mutex
	token  string
	expiry time.Time

	// now is swapped out in tests.
	now func() time.Time
}

// NewManager builds a session manager for the given backend and signer.
func NewManager(baseURL string, address common.Address, key *ecdsa.PrivateKey, timeout time.Duration) *Manager {
	return &Manager{
		httpc:    &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		address:  address,
		key:      key,
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
	}
}

// Instrument reports completed token refreshes to r, labeled with the
// deployment network.
func (m *Manager) Instrument(r metrics.Recorder, network string) {
	m.recorder = r
	m.network = network
}

// AccessToken returns a valid bearer token, refreshing it when none is held or
// the held one expires within the refresh lead time. When a refresh is already
// in flight, all callers await that single result.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.token != "" && m.expiry.After(m.now().Add(refreshLead)) {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	result, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type verifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// refresh performs one challenge/sign/verify round trip and stores the result.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	challenge, err := m.fetchChallenge(ctx)
	if err != nil {
		return "", err
	}

	signature := blockchain.GetSignature([]byte(challenge), m.key)
	if signature == nil {
		return "", fmt.Errorf("failed to sign auth challenge")
	}

	token, expiresAt, err := m.verify(ctx, signature)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.token = token
	m.expiry = time.Unix(expiresAt, 0)
	m.mu.Unlock()

	m.recorder.IncCounter(metrics.EventAuthRefresh, map[string]string{"network": m.network})
	zap.L().Debug("session token refreshed", zap.Time("expiry", time.Unix(expiresAt, 0)))
	return token, nil
}

func (m *Manager) fetchChallenge(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/auth/challenge?address=%s", m.baseURL, url.QueryEscape(m.address.Hex()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch auth challenge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch auth challenge: unexpected status %d", resp.StatusCode)
	}

	var cr challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode auth challenge: %w", err)
	}
	if cr.Challenge == "" {
		return "", fmt.Errorf("empty auth challenge")
	}
	return cr.Challenge, nil
}

func (m *Manager) verify(ctx context.Context, signature []byte) (string, int64, error) {
	body, err := json.Marshal(verifyRequest{
		Address:   m.address.Hex(),
		Signature: "0x" + hex.EncodeToString(signature),
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/auth/verify", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("verify auth challenge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("verify auth challenge: unexpected status %d", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", 0, fmt.Errorf("decode verify response: %w", err)
	}
	if vr.Token == "" {
		return "", 0, fmt.Errorf("verify response carried no token")
	}
	return vr.Token, vr.ExpiresAt, nil
}
