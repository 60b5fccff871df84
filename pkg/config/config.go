// Package config defines the per-deployment runtime configuration for the SDK:
// chain identity, registry contract addresses, backend endpoint, default
// settlement token, retry/fee tuning and operation timeouts. It also provides
// validation, defaulting and environment-based loading helpers.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all SDK settings required to initialize the ledger gateway and
// backend clients. Use Validate to fill implicit defaults and to check for
// required fields.
type Config struct {
	// Deployment selects the target protocol deployment (chain, contracts,
	// backend). Defaults to BaseSepolia.
	Deployment Deployment `json:"deployment" yaml:"deployment"`
	// RPCAddr is the EVM RPC/WS endpoint URL (required).
	RPCAddr string `json:"rpc_addr" yaml:"rpc_addr" envconfig:"AGORA_RPC_ADDR"`
	// PrivateKey is the hex-encoded ECDSA private key used for signed
	// operations (optional for read-only use).
	PrivateKey string `json:"private_key" yaml:"private_key" envconfig:"AGORA_PRIVATE_KEY"`
	// LighthouseURL is the HTTP gateway used to fetch Filecoin-backed artifacts.
	LighthouseURL string `json:"lighthouse_url" yaml:"lighthouse_url" envconfig:"AGORA_LIGHTHOUSE_URL"`
	// IpfsURL is the HTTP API endpoint of the IPFS node used for artifacts.
	IpfsURL string `json:"ipfs_url" yaml:"ipfs_url" envconfig:"AGORA_IPFS_URL"`
	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug" envconfig:"AGORA_DEBUG"`
	// Timeouts configures per-operation timeouts. See Timeouts.WithDefaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts"`
}

// Deployment describes one protocol deployment: the chain it lives on, its
// registry contracts, the backend indexing service and payment defaults.
type Deployment struct {
	ChainID int64  `json:"chain_id" validate:"required"`
	Name    string `json:"name"`
	// Registry contract addresses.
	JobRegistryAddr  string `json:"job_registry_addr" validate:"required,eth_addr"`
	MemoRegistryAddr string `json:"memo_registry_addr" validate:"required,eth_addr"`
	// AccountRegistryAddr is empty on older deployments that do not support
	// account-scoped job creation; see SupportsAccounts.
	AccountRegistryAddr string `json:"account_registry_addr" validate:"omitempty,eth_addr"`
	// BackendURL is the base URL of the indexing service.
	BackendURL string `json:"backend_url" validate:"required,url"`
	// SettlementToken is the chain's designated stable settlement token.
	SettlementToken         string `json:"settlement_token" validate:"required,eth_addr"`
	SettlementTokenDecimals int32  `json:"settlement_token_decimals"`
	// RetryCount bounds operation bundle submission attempts.
	RetryCount int `json:"retry_count"`
	// FeeMultiplier inflates the base fee on late retry attempts.
	FeeMultiplier float64 `json:"fee_multiplier"`
	// X402Endpoint and X402Scheme configure the micro-payment sub-protocol.
	// Empty endpoint disables it.
	X402Endpoint string `json:"x402_endpoint" validate:"omitempty,url"`
	X402Scheme   string `json:"x402_scheme"`
}

// SupportsAccounts reports whether this deployment supports account-scoped job
// creation through an account registry.
func (d Deployment) SupportsAccounts() bool {
	return d.AccountRegistryAddr != ""
}

// X402Enabled reports whether payments may settle through the x402
// micro-payment sub-protocol on this deployment.
func (d Deployment) X402Enabled() bool {
	return d.X402Endpoint != ""
}

// Base is the predefined production deployment on Base mainnet.
var Base = Deployment{
	ChainID:                 8453,
	Name:                    "base",
	JobRegistryAddr:         "0x5cFe5f9B9A9cbAb8b2E4BaB8B5fbbD20eF07bE10",
	MemoRegistryAddr:        "0x6e2F2a4C2CcE5bAf86C9C1b2D1bF3aD0BD07cA21",
	AccountRegistryAddr:     "0x7F3B1D5E8d5D2aB0D2A8C4D6E1A09b3CC108dB32",
	BackendURL:              "https://api.agora.exchange",
	SettlementToken:         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	SettlementTokenDecimals: 6,
	RetryCount:              5,
	FeeMultiplier:           1.25,
	X402Endpoint:            "https://x402.agora.exchange/settle",
	X402Scheme:              "exact",
}

// BaseSepolia is the predefined sandbox deployment on Base Sepolia. It
// predates the account registry, so account-scoped job creation is disabled.
var BaseSepolia = Deployment{
	ChainID:                 84532,
	Name:                    "base-sepolia",
	JobRegistryAddr:         "0x2A49dBcE4DbD5E4C41d2aC1fA6427bC1C9A1E710",
	MemoRegistryAddr:        "0x3B5aEcDF5EcE6bBf97DaD3c2E2cF4bE2D0B2F821",
	BackendURL:              "https://api-sandbox.agora.exchange",
	SettlementToken:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	SettlementTokenDecimals: 6,
	RetryCount:              3,
	FeeMultiplier:           1.25,
}

// Timeouts controls SDK operation deadlines.
// Zero values will be replaced by sane defaults in WithDefaults.
type Timeouts struct {
	Dial        time.Duration // RPC/backend dial
	Backend     time.Duration // indexing service request
	ChainRead   time.Duration // eth_call, balance etc
	ChainSubmit time.Duration // send bundle
	ReceiptWait time.Duration // wait settlement
	TokenFetch  time.Duration // challenge/sign/verify round trip
}

// Validate normalizes the configuration by applying implicit defaults for
// the deployment, storage gateways and retry tuning, and verifies required
// and well-formed fields (contract addresses, backend URL). Returns an error
// when RPCAddr is missing or a field fails validation.
func (c *Config) Validate() error {

	if c.LighthouseURL == "" {
		c.LighthouseURL = "https://gateway.lighthouse.storage/ipfs/"
	}

	if c.IpfsURL == "" {
		c.IpfsURL = "https://ipfs.io:443"
	}

	if c.Deployment.ChainID == 0 {
		c.Deployment = BaseSepolia
	}

	if c.Deployment.RetryCount == 0 {
		c.Deployment.RetryCount = 3
	}

	if c.Deployment.FeeMultiplier == 0 {
		c.Deployment.FeeMultiplier = 1.25
	}

	if c.Deployment.SettlementTokenDecimals == 0 {
		c.Deployment.SettlementTokenDecimals = 6
	}

	if c.RPCAddr == "" {
		return errors.New("RPC address is required")
	}

	if err := validator.New().Struct(c.Deployment); err != nil {
		return fmt.Errorf("invalid deployment: %w", err)
	}

	return nil
}

// FromEnv builds a Config from AGORA_* environment variables and validates it.
// The deployment itself is selected in code (Base, BaseSepolia or custom);
// env only carries per-operator settings.
func FromEnv() (*Config, error) {
	var c Config
	if err := envconfig.Process("agora", &c); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Dial:        5s
//	Backend:     15s
//	ChainRead:   12s
//	ChainSubmit: 25s
//	ReceiptWait: 90s
//	TokenFetch:  20s
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Dial == 0 {
		tt.Dial = 5 * time.Second
	}
	if tt.Backend == 0 {
		tt.Backend = 15 * time.Second
	}
	if tt.ChainRead == 0 {
		tt.ChainRead = 12 * time.Second
	}
	if tt.ChainSubmit == 0 {
		tt.ChainSubmit = 25 * time.Second
	}
	if tt.ReceiptWait == 0 {
		tt.ReceiptWait = 90 * time.Second
	}
	if tt.TokenFetch == 0 {
		tt.TokenFetch = 20 * time.Second
	}
	return tt
}
