// Package backend is the HTTP client for the protocol's indexing service:
// counterparty and offering discovery, job/memo/account reads, and free-text
// memo content records. Authenticated routes carry a bearer token (pkg/auth)
// and every request carries the agent's wallet-address header.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/model"
)

// walletHeader carries the calling agent's address on every request.
const walletHeader = "X-Wallet-Address"

// duplicateMarkers are the response-body fragments the backend (and the chain
// behind it) uses for idempotent duplicates. Classification is by content,
// not by status or error type.
var duplicateMarkers = []string{
	"already signed",
	"already delivered",
	"already handled",
}

// RequestError is a non-2xx or transport failure from the indexing service.
type RequestError struct {
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend request failed: %v", e.Err)
	}
	return fmt.Sprintf("backend request failed: status %d: %s", e.Status, e.Body)
}

func (e *RequestError) Unwrap() error { return e.Err }

// AlreadyHandled reports whether the failure is an idempotent duplicate
// ("already signed"/"already delivered" style). Callers treat these as
// success, not failure.
func (e *RequestError) AlreadyHandled() bool {
	body := strings.ToLower(e.Body)
	for _, marker := range duplicateMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// IsAlreadyHandled reports whether err is a backend duplicate response.
func IsAlreadyHandled(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.AlreadyHandled()
}

// TokenSource supplies bearer tokens for authenticated routes.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client talks to one deployment's indexing service.
type Client struct {
	httpc   *http.Client
	baseURL string
	address common.Address
	tokens  TokenSource
}

// NewClient builds a backend client. tokens may be nil for read-only use of
// public routes.
func NewClient(baseURL string, address common.Address, tokens TokenSource, timeout time.Duration) *Client {
	return &Client{
		httpc:   &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		address: address,
		tokens:  tokens,
	}
}

// Page selects a slice of a paginated listing.
type Page struct {
	Number int
	Size   int
}

func (p Page) query(q url.Values) {
	if p.Number > 0 {
		q.Set("page", fmt.Sprint(p.Number))
	}
	if p.Size > 0 {
		q.Set("pageSize", fmt.Sprint(p.Size))
	}
}

// listEnvelope is the backend's paginated response wrapper.
type listEnvelope[T any] struct {
	Data []T `json:"data"`
	Meta struct {
		Total int `json:"total"`
		Page  int `json:"page"`
	} `json:"meta"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, authed bool, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set(walletHeader, c.address.Hex())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.tokens == nil {
			return fmt.Errorf("route %s requires authentication but no token source is configured", path)
		}
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("acquire access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &RequestError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestError{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := &RequestError{Status: resp.StatusCode, Body: string(raw)}
		if reqErr.AlreadyHandled() {
			zap.L().Debug("backend reported idempotent duplicate",
				zap.String("path", path), zap.Int("status", resp.StatusCode))
		}
		return reqErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
	}
	return nil
}

// AgentListing is one search hit: a counterparty and its catalog.
type AgentListing struct {
	Address   common.Address    `json:"address"`
	Name      string            `json:"name"`
	Offerings []*model.Offering `json:"offerings"`
}

// BrowseAgents searches counterparties and their offerings by free-text query.
func (c *Client) BrowseAgents(ctx context.Context, query string, page Page) ([]*AgentListing, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	page.query(q)

	var env listEnvelope[*AgentListing]
	if err := c.do(ctx, http.MethodGet, "/agents", q, nil, false, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// GetJob fetches a job snapshot including its ordered memos, and resolves the
// derived negotiation fields.
func (c *Client) GetJob(ctx context.Context, id *big.Int) (*model.Job, error) {
	var job model.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id.String(), nil, nil, true, &job); err != nil {
		return nil, err
	}
	job.Resolve()
	return &job, nil
}

// ListActiveJobs pages through the caller's non-terminal jobs.
func (c *Client) ListActiveJobs(ctx context.Context, page Page) ([]*model.Job, error) {
	q := url.Values{}
	page.query(q)

	var env listEnvelope[*model.Job]
	if err := c.do(ctx, http.MethodGet, "/jobs/active", q, nil, true, &env); err != nil {
		return nil, err
	}
	for _, j := range env.Data {
		j.Resolve()
	}
	return env.Data, nil
}

// ListAccounts returns the accounts between client and provider.
func (c *Client) ListAccounts(ctx context.Context, client, provider common.Address) ([]*model.Account, error) {
	q := url.Values{}
	q.Set("client", client.Hex())
	q.Set("provider", provider.Hex())

	var env listEnvelope[*model.Account]
	if err := c.do(ctx, http.MethodGet, "/accounts", q, nil, true, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// CreateMemoRecord stores free-text memo content with the indexing service so
// counterparties can read it without decoding calldata.
func (c *Client) CreateMemoRecord(ctx context.Context, jobID *big.Int, memoID *big.Int, content string) error {
	body := map[string]any{
		"jobId":   jobID.String(),
		"content": content,
	}
	if memoID != nil {
		body["memoId"] = memoID.String()
	}
	return c.do(ctx, http.MethodPost, "/memos", nil, body, true, nil)
}
