// Package sdk exposes the high-level entry points of the agent commerce SDK.
// It wires together the ledger gateway, the operation batcher, the indexing
// backend, session auth, artifact storage and the micro-payment flow, and
// runs the long-lived agent loop on top of them.
package sdk

import (
	"crypto/ecdsa"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/auth"
	"github.com/agorahq/agora-sdk-go/pkg/backend"
	"github.com/agorahq/agora-sdk-go/pkg/blockchain"
	"github.com/agorahq/agora-sdk-go/pkg/config"
	"github.com/agorahq/agora-sdk-go/pkg/job"
	"github.com/agorahq/agora-sdk-go/pkg/metrics"
	"github.com/agorahq/agora-sdk-go/pkg/offering"
	"github.com/agorahq/agora-sdk-go/pkg/storage"
	"github.com/agorahq/agora-sdk-go/pkg/x402"
)

// init configures a default global zap logger for the SDK. Applications may
// replace it with zap.ReplaceGlobals(...) if they need custom logging.
func init() {
	c := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

// Core is the assembled SDK instance for one wallet on one deployment.
type Core struct {
	cfg *config.Config

	evm     *blockchain.EVMClient
	batcher *blockchain.Batcher
	store   *storage.Store
	auth    *auth.Manager
	backend *backend.Client
	payment *x402.Flow

	jobs      *job.Client
	offerings *offering.Initiator
	recorder  metrics.Recorder

	address common.Address
	key     *ecdsa.PrivateKey
}

// Option customizes the Core during construction.
type Option func(*Core)

// WithRecorder plugs an instrumentation sink into the SDK.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Core) { c.recorder = r }
}

// NewSDK initializes the SDK with validated configuration and connected
// clients. It applies default timeout values and aborts the process if the
// configuration is invalid or the Ethereum client cannot be initialized.
func NewSDK(cfg *config.Config, opts ...Option) *Core {
	if err := cfg.Validate(); err != nil {
		zap.L().Fatal("invalid config", zap.Error(err))
	}
	cfg.Timeouts = cfg.Timeouts.WithDefaults()

	evm, err := blockchain.InitEvm(cfg.Deployment, cfg.RPCAddr)
	if err != nil {
		zap.L().Error("init ethereum client failed", zap.Error(err))
		os.Exit(-1)
	}

	address, key, err := blockchain.ParsePrivateKeyECDSA(cfg.PrivateKey)
	if err != nil {
		zap.L().Fatal("private key parsing failed", zap.Error(err))
	}
	if cfg.Debug {
		zap.L().Debug("signer address", zap.String("addr", address.Hex()))
	}

	core := &Core{
		cfg:      cfg,
		evm:      evm,
		store:    storage.NewStore(cfg.IpfsURL, cfg.LighthouseURL),
		recorder: metrics.NoopRecorder{},
		address:  address,
		key:      key,
	}
	for _, opt := range opts {
		opt(core)
	}

	core.batcher = blockchain.NewBatcher(
		blockchain.NewChainSender(evm, key),
		cfg.Deployment.RetryCount,
		cfg.Deployment.FeeMultiplier,
	)
	core.auth = auth.NewManager(cfg.Deployment.BackendURL, address, key, cfg.Timeouts.Backend)
	core.backend = backend.NewClient(cfg.Deployment.BackendURL, address, core.auth, cfg.Timeouts.Backend)

	if cfg.Deployment.X402Enabled() {
		core.payment = x402.NewFlow(
			cfg.Deployment.X402Endpoint,
			cfg.Deployment.X402Scheme,
			cfg.Deployment.ChainID,
			key, evm, core.batcher, cfg.Timeouts.Backend,
		)
	}

	var payer job.Payer
	if core.payment != nil {
		payer = core.payment
	}
	core.jobs = job.NewClient(evm, core.batcher, core.backend, payer, cfg.Deployment, address)
	core.offerings = offering.NewInitiator(evm, core.batcher, core.backend, core.backend, cfg.Deployment, address)

	core.batcher.Instrument(core.recorder, cfg.Deployment.Name)
	core.auth.Instrument(core.recorder, cfg.Deployment.Name)
	core.jobs.Instrument(core.recorder, cfg.Deployment.Name)
	if core.payment != nil {
		core.payment.Instrument(core.recorder, cfg.Deployment.Name)
	}

	zap.L().Info("sdk initialized",
		zap.String("deployment", cfg.Deployment.Name),
		zap.Int64("chain", cfg.Deployment.ChainID),
		zap.String("address", address.Hex()))
	return core
}

// Address returns the wallet address the SDK signs as.
func (c *Core) Address() common.Address { return c.address }

// Evm returns the ledger gateway for advanced read access.
func (c *Core) Evm() *blockchain.EVMClient { return c.evm }

// Jobs returns the phase-transition client.
func (c *Core) Jobs() *job.Client { return c.jobs }

// Offerings returns the job initiator.
func (c *Core) Offerings() *offering.Initiator { return c.offerings }

// Backend returns the indexing service client.
func (c *Core) Backend() *backend.Client { return c.backend }

// Storage returns the artifact store.
func (c *Core) Storage() *storage.Store { return c.store }

// Payment returns the micro-payment flow, or nil when the deployment does not
// enable it.
func (c *Core) Payment() *x402.Flow { return c.payment }

// Close shuts down underlying network clients.
func (c *Core) Close() {
	c.evm.Close()
}
