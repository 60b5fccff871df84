package x402

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/blockchain"
	"github.com/agorahq/agora-sdk-go/pkg/fare"
	"github.com/agorahq/agora-sdk-go/pkg/metrics"
)

const (
	// paymentHeader carries the base64-encoded signed payment payload.
	paymentHeader = "X-Payment"

	// settlePollInitial/settlePollCap bound the settlement poll backoff.
	settlePollInitial = 2 * time.Second
	settlePollCap     = 30 * time.Second
	// settlePollMax is the poll count after the initial check.
	settlePollMax = 10

	// defaultValidWindow bounds the authorization validity when the server
	// does not state a timeout.
	defaultValidWindow = 600 * time.Second
)

// Ledger is the chain surface the flow needs: the payment-received flag, the
// EIP-3009 redeem operation builder and the job-side nonce registration.
// *blockchain.EVMClient satisfies it.
type Ledger interface {
	IsJobPaid(ctx context.Context, jobID *big.Int) (bool, error)
	TransferWithAuthorizationOp(token, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, sig []byte) (blockchain.Operation, error)
	RegisterPaymentNonceOp(jobID *big.Int, nonce [32]byte) (blockchain.Operation, error)
}

// Submitter lands operation batches. *blockchain.Batcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ops []blockchain.Operation) (*blockchain.SubmitResult, error)
}

// Flow drives the micro-payment sub-protocol for one deployment.
type Flow struct {
	httpc    *http.Client
	endpoint string
	scheme   string
	chainID  int64
	key      *ecdsa.PrivateKey
	payer    common.Address

	ledger    Ledger
	submitter Submitter

	// nonces records the authorization nonce registered for each job, so a
	// job never carries two live authorizations.
	mu     sync.Mutex
	nonces map[string][32]byte

	recorder metrics.Recorder
	network  string

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewFlow builds a micro-payment flow. endpoint and scheme come from the
// deployment config; the flow is unusable when the endpoint is empty.
func NewFlow(endpoint, scheme string, chainID int64, key *ecdsa.PrivateKey, ledger Ledger, submitter Submitter, timeout time.Duration) *Flow {
	return &Flow{
		httpc:     &http.Client{Timeout: timeout},
		endpoint:  endpoint,
		scheme:    scheme,
		chainID:   chainID,
		key:       key,
		payer:     crypto.PubkeyToAddress(key.PublicKey),
		ledger:    ledger,
		submitter: submitter,
		nonces:    make(map[string][32]byte),
		recorder:  metrics.NoopRecorder{},
		sleep:     time.Sleep,
	}
}

// Instrument reports settlement latency to r, labeled with the deployment
// network.
func (f *Flow) Instrument(r metrics.Recorder, network string) {
	f.recorder = r
	f.network = network
}

// RegisteredNonce returns the authorization nonce registered for a job.
func (f *Flow) RegisteredNonce(jobID *big.Int) ([32]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nonce, ok := f.nonces[jobID.String()]
	return nonce, ok
}

// PerformPayment requests the priced resource for jobID and, when challenged
// with "402 Payment Required", produces a signed EIP-3009 authorization within
// budget, resubmits, redeems on-chain if the server does not accept the
// off-chain settlement, and finally polls the chain-side payment-received
// flag until settlement or ErrPaymentTimeout.
func (f *Flow) PerformPayment(ctx context.Context, jobID *big.Int, budget fare.Amount) error {
	status, requirements, err := f.request(ctx, jobID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusPaymentRequired {
		// Nothing owed.
		return nil
	}
	if requirements == nil {
		return fmt.Errorf("402 response carried no payment requirements")
	}

	payload, redeem, err := f.buildPayment(jobID, *requirements, budget)
	if err != nil {
		return err
	}

	status, _, err = f.request(ctx, jobID, payload)
	if err != nil {
		return err
	}
	if status == http.StatusPaymentRequired {
		// Off-chain settlement refused: register the nonce against the job
		// and redeem the authorization on-chain.
		zap.L().Debug("x402 off-chain settlement refused, redeeming on-chain",
			zap.String("job", jobID.String()))
		if _, err := f.submitter.Submit(ctx, redeem); err != nil {
			return fmt.Errorf("redeem authorization for job %s: %w", jobID, err)
		}
	}

	return f.awaitSettlement(ctx, jobID)
}

// request performs one round trip against the priced endpoint, optionally
// attaching a signed payment payload. It returns the status and, for 402
// responses, the first acceptable payment requirement.
func (f *Flow) request(ctx context.Context, jobID *big.Int, payload *Payload) (int, *PaymentRequirements, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s?job=%s", f.endpoint, jobID), nil)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode payment payload: %w", err)
		}
		req.Header.Set(paymentHeader, base64.StdEncoding.EncodeToString(raw))
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request priced resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, nil
	}

	var challenge Response
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decode 402 challenge: %w", err)
	}
	for i := range challenge.Accepts {
		if f.scheme == "" || challenge.Accepts[i].Scheme == f.scheme {
			return resp.StatusCode, &challenge.Accepts[i], nil
		}
	}
	return resp.StatusCode, nil, fmt.Errorf("no acceptable payment scheme in 402 challenge (want %q)", f.scheme)
}

// buildPayment signs the authorization for the given requirements, registers
// its nonce against the job, and pre-builds the on-chain redeem batch: the
// job-side nonce registration followed by the EIP-3009 redeem.
func (f *Flow) buildPayment(jobID *big.Int, reqs PaymentRequirements, budget fare.Amount) (*Payload, []blockchain.Operation, error) {
	value, ok := new(big.Int).SetString(reqs.MaxAmountRequired, 10)
	if !ok {
		return nil, nil, fmt.Errorf("malformed required amount %q", reqs.MaxAmountRequired)
	}
	if budget.BaseUnits.Cmp(value) < 0 {
		return nil, nil, fmt.Errorf("required amount %s exceeds budget %s", value, budget.BaseUnits)
	}

	asset := common.HexToAddress(reqs.Asset)
	if asset != budget.Fare.Token {
		return nil, nil, fmt.Errorf("%w: requirement asset %s vs budget token %s",
			fare.ErrIncompatibleFare, asset.Hex(), budget.Fare.Token.Hex())
	}

	window := defaultValidWindow
	if reqs.MaxTimeoutSeconds > 0 {
		window = time.Duration(reqs.MaxTimeoutSeconds) * time.Second
	}
	validAfter := big.NewInt(0)
	validBefore := big.NewInt(time.Now().Add(window).Unix())

	nonce, err := freshNonce()
	if err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	f.nonces[jobID.String()] = nonce
	f.mu.Unlock()

	name, _ := reqs.Extra["name"].(string)
	version, _ := reqs.Extra["version"].(string)
	if version == "" {
		version = "1"
	}
	payTo := common.HexToAddress(reqs.PayTo)

	sig, err := signAuthorization(domain{
		Name:              name,
		Version:           version,
		ChainID:           big.NewInt(f.chainID),
		VerifyingContract: asset,
	}, f.payer, payTo, value, validAfter, validBefore, nonce, f.key)
	if err != nil {
		return nil, nil, err
	}

	registerOp, err := f.ledger.RegisterPaymentNonceOp(jobID, nonce)
	if err != nil {
		return nil, nil, err
	}
	redeemOp, err := f.ledger.TransferWithAuthorizationOp(asset, f.payer, payTo, value, validAfter, validBefore, nonce, sig)
	if err != nil {
		return nil, nil, err
	}

	payload := &Payload{
		X402Version: 1,
		Scheme:      reqs.Scheme,
		Network:     reqs.Network,
		Authorization: Authorization{
			From:        f.payer.Hex(),
			To:          payTo.Hex(),
			Value:       value.String(),
			ValidAfter:  validAfter.String(),
			ValidBefore: validBefore.String(),
			Nonce:       "0x" + hex.EncodeToString(nonce[:]),
		},
		Signature: "0x" + hex.EncodeToString(sig),
	}
	return payload, []blockchain.Operation{registerOp, redeemOp}, nil
}

// awaitSettlement polls the payment-received flag: one initial check, then up
// to settlePollMax polls with exponential backoff 2s, 4s, 8s, ... capped at
// 30s between polls. Exceeding the budget returns ErrPaymentTimeout.
func (f *Flow) awaitSettlement(ctx context.Context, jobID *big.Int) error {
	start := time.Now()
	settled := func() {
		f.recorder.ObserveLatency(metrics.OperationPayment, time.Since(start),
			map[string]string{"network": f.network})
	}

	paid, err := f.ledger.IsJobPaid(ctx, jobID)
	if err != nil {
		return fmt.Errorf("read settlement status for job %s: %w", jobID, err)
	}
	if paid {
		settled()
		return nil
	}

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = settlePollInitial
	wait.Multiplier = 2
	wait.MaxInterval = settlePollCap
	wait.RandomizationFactor = 0
	wait.MaxElapsedTime = 0
	wait.Reset()

	for poll := 0; poll < settlePollMax; poll++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		f.sleep(wait.NextBackOff())

		paid, err := f.ledger.IsJobPaid(ctx, jobID)
		if err != nil {
			return fmt.Errorf("read settlement status for job %s: %w", jobID, err)
		}
		if paid {
			settled()
			return nil
		}
	}

	return fmt.Errorf("job %s: %w", jobID, ErrPaymentTimeout)
}
