package blockchain

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/metrics"
)

// receiptPollInterval is how often WaitSettled re-checks for a receipt.
const receiptPollInterval = 2 * time.Second

// SubmissionError is returned when a bundle could not be landed within the
// configured retry budget. It wraps the last underlying failure.
type SubmissionError struct {
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("bundle submission failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func errInvalidSignatureLength(n int) error {
	return fmt.Errorf("invalid signature length %d, want 65", n)
}

// AttemptOpts carries per-attempt submission parameters: a fresh random nonce
// key and whether the fee parameters are escalated for inclusion odds.
type AttemptOpts struct {
	NonceKey    *big.Int
	EscalateFee bool
}

// BundleSender submits one bundle attempt and waits for its settlement.
// EVMClient provides the production implementation; tests substitute fakes.
type BundleSender interface {
	SendBundle(ctx context.Context, ops []Operation, opts AttemptOpts) (common.Hash, error)
	WaitSettled(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SubmitResult holds the pre-settlement operation handle and the settlement
// handle of a successfully landed bundle.
type SubmitResult struct {
	TxHash  common.Hash
	Receipt *types.Receipt
}

// Batcher submits Operation batches through a BundleSender with bounded
// retries. Retry policy: after a failed attempt it waits
// 2000ms * remainingRetries (linear backoff weighted toward early attempts);
// once more than half the retry budget has been consumed, subsequent attempts
// carry a fee-escalation override. Each attempt uses a fresh random 128-bit
// nonce key so a stuck earlier attempt can never block a later one.
type Batcher struct {
	sender        BundleSender
	retryCount    int
	feeMultiplier float64

	recorder metrics.Recorder
	network  string

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewBatcher builds a Batcher submitting through the given sender with the
// deployment's retry count and fee multiplier.
func NewBatcher(sender BundleSender, retryCount int, feeMultiplier float64) *Batcher {
	if retryCount <= 0 {
		retryCount = 1
	}
	return &Batcher{
		sender:        sender,
		retryCount:    retryCount,
		feeMultiplier: feeMultiplier,
		recorder:      metrics.NoopRecorder{},
		sleep:         time.Sleep,
	}
}

// Instrument reports submission attempts, fee escalations, failures and
// settlement latency to r, labeled with the deployment network.
func (b *Batcher) Instrument(r metrics.Recorder, network string) {
	b.recorder = r
	b.network = network
}

func (b *Batcher) labels() map[string]string {
	return map[string]string{"network": b.network}
}

// freshNonceKey returns 128 random bits as a big.Int.
func freshNonceKey() (*big.Int, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generate nonce key: %w", err)
	}
	return new(big.Int).SetBytes(buf[:]), nil
}

// Submit lands ops as a single bundle and blocks until settlement is
// observable. It returns both the pre-settlement handle and the settlement
// handle, or a *SubmissionError once the retry budget is exhausted.
func (b *Batcher) Submit(ctx context.Context, ops []Operation) (*SubmitResult, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("no operations to submit")
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= b.retryCount; attempt++ {
		nonceKey, err := freshNonceKey()
		if err != nil {
			return nil, err
		}
		opts := AttemptOpts{
			NonceKey: nonceKey,
			// Escalate once consumed attempts exceed half the budget.
			EscalateFee: (attempt-1)*2 > b.retryCount,
		}
		b.recorder.IncCounter(metrics.EventSubmissionAttempt, b.labels())
		if opts.EscalateFee {
			b.recorder.IncCounter(metrics.EventFeeEscalation, b.labels())
		}

		txHash, err := b.sender.SendBundle(ctx, ops, opts)
		if err == nil {
			receipt, werr := b.sender.WaitSettled(ctx, txHash)
			if werr == nil {
				b.recorder.ObserveLatency(metrics.OperationSubmit, time.Since(start), b.labels())
				return &SubmitResult{TxHash: txHash, Receipt: receipt}, nil
			}
			err = werr
		}
		lastErr = err
		zap.L().Warn("bundle attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("budget", b.retryCount),
			zap.Bool("fee_escalated", opts.EscalateFee),
			zap.Error(err))

		if remaining := b.retryCount - attempt; remaining > 0 {
			b.sleep(time.Duration(remaining) * 2000 * time.Millisecond)
		}
	}

	b.recorder.IncCounter(metrics.EventSubmissionFailure, b.labels())
	return nil, &SubmissionError{Attempts: b.retryCount, Err: lastErr}
}

// batchCall mirrors the executeBatch tuple layout.
type batchCall struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// ChainSender is the production BundleSender: it packs the operations into a
// single executeBatch entrypoint call, signs it with the caller's key and
// submits it through the EVM client.
type ChainSender struct {
	evm *EVMClient
	key *ecdsa.PrivateKey
}

// NewChainSender binds an EVMClient and signing key into a BundleSender.
func NewChainSender(evm *EVMClient, key *ecdsa.PrivateKey) *ChainSender {
	return &ChainSender{evm: evm, key: key}
}

// SendBundle encodes, signs and submits one bundle attempt. When
// opts.EscalateFee is set, the fee cap is inflated by the deployment's fee
// multiplier to improve inclusion odds.
func (s *ChainSender) SendBundle(ctx context.Context, ops []Operation, opts AttemptOpts) (common.Hash, error) {
	if s.key == nil {
		return common.Hash{}, fmt.Errorf("private key is required for transactions")
	}

	calls := make([]batchCall, len(ops))
	var total big.Int
	for i, op := range ops {
		value := op.Value
		if value == nil {
			value = big.NewInt(0)
		}
		calls[i] = batchCall{Target: op.To, Value: value, Data: op.Data}
		total.Add(&total, value)
	}

	data, err := jobRegistryABI.Pack("executeBatch", opts.NonceKey, calls)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack bundle: %w", err)
	}

	from := *GetAddressFromPrivateKeyECDSA(s.key)
	client := s.evm.Client

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch account nonce: %w", err)
	}

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip cap: %w", err)
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tipCap)
	if opts.EscalateFee {
		scaled := new(big.Float).Mul(new(big.Float).SetInt(feeCap), big.NewFloat(s.evm.Deployment.FeeMultiplier))
		feeCap, _ = scaled.Int(nil)
	}

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &s.evm.JobRegistry,
		Value: &total,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	chainID := big.NewInt(s.evm.Deployment.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &s.evm.JobRegistry,
		Value:     &total,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign bundle: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send bundle: %w", err)
	}
	return signed.Hash(), nil
}

// WaitSettled polls for the bundle's receipt until it is observable or ctx
// expires. It fails on a reverted bundle.
func (s *ChainSender) WaitSettled(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.evm.Client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("bundle %s reverted", txHash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for settlement of %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
