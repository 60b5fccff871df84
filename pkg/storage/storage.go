// Package storage retrieves and publishes job artifacts — deliverables,
// context attachments and evaluation material referenced by content-URI memos.
// Supported sources are IPFS (via a Kubo HTTP API client) and the Lighthouse
// gateway for Filecoin content.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ipfs/kubo/client/rpc"
	"go.uber.org/zap"
)

const (
	// IpfsPrefix is the URI scheme prefix recognized for IPFS content.
	IpfsPrefix = "ipfs://"
	// FilecoinPrefix is the URI scheme prefix recognized for Filecoin/Lighthouse content.
	FilecoinPrefix = "filecoin://"
)

// ArtifactStore fetches and stores blobs by content URI. Satisfied by *Store.
type ArtifactStore interface {
	ReadArtifact(ctx context.Context, uri string) ([]byte, error)
	UploadJSON(ctx context.Context, data any) (string, error)
}

// lighthouseFetcher fetches content from a Lighthouse gateway.
type lighthouseFetcher interface {
	Fetch(endpoint, cid string) ([]byte, error)
}

// ipfsReader fetches content addressed by CID from IPFS.
type ipfsReader interface {
	Fetch(ctx context.Context, hash string) ([]byte, error)
	Upload(ctx context.Context, data []byte) (string, error)
}

// Store aggregates the configured artifact backends.
type Store struct {
	// LighthouseURL is the base URL of the Lighthouse HTTP gateway.
	LighthouseURL string

	lighthouse lighthouseFetcher
	ipfs       ipfsReader
}

// NewStore constructs an artifact store using the provided IPFS API endpoint
// and Lighthouse gateway URL. A failed IPFS client initialization is logged;
// the store then serves Lighthouse content only.
func NewStore(ipfsURL, lighthouseURL string) *Store {
	s := &Store{
		LighthouseURL: lighthouseURL,
		lighthouse:    gatewayFetcher{},
	}
	api, err := newIPFSClient(ipfsURL)
	if err != nil {
		zap.L().Error("ipfs client unavailable", zap.String("url", ipfsURL), zap.Error(err))
	}
	s.ipfs = &kuboClient{api: api}
	return s
}

// ReadArtifact fetches the content behind a memo's URI. "filecoin://" URIs are
// retrieved via the Lighthouse gateway; everything else is treated as IPFS
// content and fetched through the Kubo client. The URI is sanitized to a bare
// CID before retrieval.
func (s *Store) ReadArtifact(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, FilecoinPrefix) {
		return s.lighthouse.Fetch(s.LighthouseURL, sanitizeCID(uri))
	}
	return s.ipfs.Fetch(ctx, sanitizeCID(uri))
}

// UploadJSON publishes a JSON-encoded deliverable to IPFS and returns its
// ipfs:// URI for use as memo content.
func (s *Store) UploadJSON(ctx context.Context, data any) (string, error) {
	return uploadJSON(ctx, s.ipfs, data)
}

// gatewayFetcher is the production lighthouseFetcher.
type gatewayFetcher struct{}

func (gatewayFetcher) Fetch(endpoint, cid string) ([]byte, error) {
	return GetLighthouseFile(endpoint, cid)
}

// GetLighthouseFile fetches a blob from a Lighthouse HTTP gateway by GET of
// {endpoint}{cid}. The endpoint needs its trailing slash when the gateway
// expects one.
func GetLighthouseFile(endpoint, cid string) ([]byte, error) {
	zap.L().Debug("fetching lighthouse file", zap.String("cid", cid))
	resp, err := http.Get(endpoint + cid)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lighthouse gateway returned status %d for %s", resp.StatusCode, cid)
	}
	return io.ReadAll(resp.Body)
}

// sanitizeCID strips known URI scheme prefixes and any non-alphanumeric
// characters (except '=') to produce a clean CID for the backends.
func sanitizeCID(uri string) string {
	uri = strings.Replace(uri, IpfsPrefix, "", -1)
	uri = strings.Replace(uri, FilecoinPrefix, "", -1)
	return removeSpecialCharacters(uri)
}

var cidCharset = regexp.MustCompile("[^a-zA-Z0-9=]")

func removeSpecialCharacters(s string) string {
	return cidCharset.ReplaceAllString(s, "")
}

// newIPFSClient constructs a Kubo HTTP API client pointed at url, with a
// short HTTP timeout suitable for artifact reads.
func newIPFSClient(url string) (*rpc.HttpApi, error) {
	httpClient := http.Client{Timeout: 60 * time.Second}
	return rpc.NewURLApiWithClient(url, &httpClient)
}
