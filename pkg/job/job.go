// Package job implements the guarded phase transitions of the unit-of-work
// state machine: each operation locates the memo that proposes the intended
// phase, verifies it is the legal next action, and submits the signing or
// memo-creation batch through the operation batcher. Duplicate effects
// rejected by the ledger or the backend are classified as benign.
package job

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/backend"
	"github.com/agorahq/agora-sdk-go/pkg/blockchain"
	"github.com/agorahq/agora-sdk-go/pkg/config"
	"github.com/agorahq/agora-sdk-go/pkg/fare"
	"github.com/agorahq/agora-sdk-go/pkg/metrics"
	"github.com/agorahq/agora-sdk-go/pkg/model"
)

// ProtocolStateError reports an action attempted against a job whose memo
// sequence does not permit it. It is a caller bug or a stale snapshot, never
// a transient condition; re-fetch the job before retrying.
type ProtocolStateError struct {
	Action string
	Phase  model.Phase
	Reason string
}

func (e *ProtocolStateError) Error() string {
	return fmt.Sprintf("%s not permitted in phase %s: %s", e.Action, e.Phase, e.Reason)
}

// Ledger is the chain surface the transitions need. *blockchain.EVMClient
// satisfies it; tests substitute fakes for the read methods.
type Ledger interface {
	CreateMemoOp(jobID *big.Int, memoType model.MemoType, content string, nextPhase model.Phase, expiredAt time.Time) (blockchain.Operation, error)
	CreatePayableMemoOp(jobID *big.Int, memoType model.MemoType, content string, nextPhase model.Phase, expiredAt time.Time, p model.Payable) (blockchain.Operation, error)
	CreateCrossChainPayableMemoOp(jobID *big.Int, content string, nextPhase model.Phase, amount *big.Int, recipient, token common.Address, routeID [32]byte) (blockchain.Operation, error)
	SignMemoOp(memoID *big.Int, approved bool, reason string) (blockchain.Operation, error)
	ApproveOp(token, spender common.Address, amount *big.Int) (blockchain.Operation, error)
	TokenDecimals(ctx context.Context, token common.Address) (int32, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	AssetManager(ctx context.Context) (common.Address, error)
}

// Submitter lands operation batches. *blockchain.Batcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ops []blockchain.Operation) (*blockchain.SubmitResult, error)
}

// Records stores free-text memo content with the indexing service.
// *backend.Client satisfies it.
type Records interface {
	CreateMemoRecord(ctx context.Context, jobID, memoID *big.Int, content string) error
}

// Payer settles a job through the micro-payment sub-protocol.
// *x402.Flow satisfies it.
type Payer interface {
	PerformPayment(ctx context.Context, jobID *big.Int, budget fare.Amount) error
}

// Client executes phase transitions for the configured wallet. It holds no
// per-job state; jobs are read-mostly snapshots re-fetched by the caller.
type Client struct {
	ledger     Ledger
	batcher    Submitter
	records    Records
	payer      Payer
	deployment config.Deployment
	address    common.Address
	// escrow is the job registry, the spender of payment allowances.
	escrow common.Address

	recorder metrics.Recorder
	network  string
}

// NewClient builds a transition client. records may be nil when the backend
// should not mirror memo content; payer may be nil on deployments without the
// micro-payment sub-protocol.
func NewClient(ledger Ledger, batcher Submitter, records Records, payer Payer, deployment config.Deployment, address common.Address) *Client {
	return &Client{
		ledger:     ledger,
		batcher:    batcher,
		records:    records,
		payer:      payer,
		deployment: deployment,
		address:    address,
		escrow:     common.HexToAddress(deployment.JobRegistryAddr),
		recorder:   metrics.NoopRecorder{},
	}
}

// Instrument reports duplicate-effect classifications to r, labeled with the
// deployment network.
func (c *Client) Instrument(r metrics.Recorder, network string) {
	c.recorder = r
	c.network = network
}

// duplicateMarkers mirror the ledger's idempotent double-sign rejections.
var duplicateMarkers = []string{"already signed", "already delivered", "already handled"}

// alreadyHandled reports whether err is the ledger or backend refusing a
// duplicate effect. Such refusals are successes for at-most-once semantics.
func alreadyHandled(err error) bool {
	if err == nil {
		return false
	}
	if backend.IsAlreadyHandled(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range duplicateMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// submit lands a batch, swallowing duplicate-effect refusals. The result is
// nil when the ledger classified the batch as a duplicate.
func (c *Client) submit(ctx context.Context, action string, jobID *big.Int, ops []blockchain.Operation) (*blockchain.SubmitResult, error) {
	res, err := c.batcher.Submit(ctx, ops)
	if err != nil {
		if alreadyHandled(err) {
			c.recorder.IncCounter(metrics.EventDuplicateEffect, map[string]string{"network": c.network})
			zap.L().Debug("duplicate effect ignored",
				zap.String("action", action), zap.String("job", jobID.String()))
			return nil, nil
		}
		return nil, fmt.Errorf("%s job %s: %w", action, jobID, err)
	}
	return res, nil
}

// record mirrors memo content to the indexing service. Failures are logged,
// never propagated: ledger truth already holds the content.
func (c *Client) record(ctx context.Context, jobID *big.Int, content string) {
	if c.records == nil || content == "" {
		return
	}
	if err := c.records.CreateMemoRecord(ctx, jobID, nil, content); err != nil && !alreadyHandled(err) {
		zap.L().Warn("memo content record failed",
			zap.String("job", jobID.String()), zap.Error(err))
	}
}

// Accept signs the pending request memo, moving the job into negotiation.
func (c *Client) Accept(ctx context.Context, j *model.Job, reason string) error {
	m := j.LatestMemo()
	if !m.Proposes(model.PhaseNegotiation) {
		return &ProtocolStateError{Action: "accept", Phase: j.Phase, Reason: "latest memo does not propose negotiation"}
	}
	if m.Signed() {
		return nil
	}
	op, err := c.ledger.SignMemoOp(m.ID, true, reason)
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, "accept", j.ID, []blockchain.Operation{op})
	return err
}

// Reject declines the job. In the request phase this signs the pending memo
// as rejected; in any later phase it appends a memo proposing the rejected
// terminal phase.
func (c *Client) Reject(ctx context.Context, j *model.Job, reason string) error {
	if j.Phase == model.PhaseRequest {
		m := j.MemoProposing(model.PhaseNegotiation)
		if m == nil {
			return &ProtocolStateError{Action: "reject", Phase: j.Phase, Reason: "no request memo to decline"}
		}
		if m.Signed() {
			return nil
		}
		op, err := c.ledger.SignMemoOp(m.ID, false, reason)
		if err != nil {
			return err
		}
		_, err = c.submit(ctx, "reject", j.ID, []blockchain.Operation{op})
		return err
	}

	op, err := c.ledger.CreateMemoOp(j.ID, model.MemoMessage, reason, model.PhaseRejected, time.Time{})
	if err != nil {
		return err
	}
	if _, err := c.submit(ctx, "reject", j.ID, []blockchain.Operation{op}); err != nil {
		return err
	}
	c.record(ctx, j.ID, reason)
	return nil
}

// PayAndAcceptRequirement funds the job and signs the memo proposing the
// transaction phase, then appends the memo that hands the job to evaluation
// and records the settlement transaction hash as a follow-up memo.
// The escrow allowance covers the job price plus any same-token transfer
// attached to the memo; a different-token transfer is approved separately.
// Jobs settled through the micro-payment sub-protocol skip the allowance
// steps and run that flow instead.
func (c *Client) PayAndAcceptRequirement(ctx context.Context, j *model.Job, reason string) error {
	m := j.MemoProposing(model.PhaseTransaction)
	if m == nil {
		return &ProtocolStateError{Action: "pay", Phase: j.Phase, Reason: "no memo proposes the transaction phase"}
	}
	if m.Signed() {
		return nil
	}

	total, err := fare.FromTokenAddress(ctx, j.Price, j.PriceToken, c.deployment.ChainID, c.ledger)
	if err != nil {
		return fmt.Errorf("resolve job price: %w", err)
	}

	var ops []blockchain.Operation
	if j.SettledOffChain && c.payer != nil {
		if err := c.payer.PerformPayment(ctx, j.ID, total); err != nil {
			return fmt.Errorf("settle job %s off-chain: %w", j.ID, err)
		}
	} else {
		// The escrow spender is the job registry.
		if m.Payable != nil && m.Payable.Amount != nil {
			extra, err := fare.FromTokenAddress(ctx, m.Payable.Amount, m.Payable.Token, c.deployment.ChainID, c.ledger)
			if err != nil {
				return fmt.Errorf("resolve attached transfer: %w", err)
			}
			if sum, err := total.Add(extra); err == nil {
				total = sum
			} else {
				// Different token: its allowance is approved on its own.
				sideOp, err := c.ledger.ApproveOp(m.Payable.Token, c.escrow, m.Payable.Amount)
				if err != nil {
					return err
				}
				ops = append(ops, sideOp)
			}
		}
		approveOp, err := c.ledger.ApproveOp(total.Fare.Token, c.escrow, total.BaseUnits)
		if err != nil {
			return err
		}
		ops = append([]blockchain.Operation{approveOp}, ops...)
	}

	signOp, err := c.ledger.SignMemoOp(m.ID, true, reason)
	if err != nil {
		return err
	}
	nextOp, err := c.ledger.CreateMemoOp(j.ID, model.MemoMessage, reason, model.PhaseEvaluation, time.Time{})
	if err != nil {
		return err
	}
	ops = append(ops, signOp, nextOp)

	res, err := c.submit(ctx, "pay", j.ID, ops)
	if err != nil {
		return err
	}
	if res != nil {
		// Record the settlement transaction as its own memo. A duplicate
		// funding batch has no fresh hash to record.
		receiptOp, err := c.ledger.CreateMemoOp(j.ID, model.MemoTxHash, res.TxHash.Hex(), model.PhaseEvaluation, time.Time{})
		if err != nil {
			return err
		}
		if _, err := c.submit(ctx, "pay", j.ID, []blockchain.Operation{receiptOp}); err != nil {
			return err
		}
	}
	c.record(ctx, j.ID, reason)
	return nil
}

// Deliver appends the deliverable as a message memo proposing completion.
func (c *Client) Deliver(ctx context.Context, j *model.Job, deliverable string) error {
	return c.deliver(ctx, j, model.MemoMessage, deliverable)
}

// DeliverObject delivers by reference: the memo carries a content URI
// (ipfs:// or similar) produced by the artifact store.
func (c *Client) DeliverObject(ctx context.Context, j *model.Job, uri string) error {
	return c.deliver(ctx, j, model.MemoObjectURL, uri)
}

func (c *Client) deliver(ctx context.Context, j *model.Job, memoType model.MemoType, content string) error {
	if !j.LatestMemo().Proposes(model.PhaseEvaluation) {
		return &ProtocolStateError{Action: "deliver", Phase: j.Phase, Reason: "latest memo does not propose evaluation"}
	}
	op, err := c.ledger.CreateMemoOp(j.ID, memoType, content, model.PhaseCompleted, time.Time{})
	if err != nil {
		return err
	}
	if _, err := c.submit(ctx, "deliver", j.ID, []blockchain.Operation{op}); err != nil {
		return err
	}
	c.record(ctx, j.ID, content)
	return nil
}

// DeliverPayable delivers with an attached payout to the recipient, used when
// the provider owes a settlement on delivery (commission flows). When
// destChainID differs from the job's home chain, the payout is routed through
// the destination chain's asset manager as a cross-chain payable memo.
func (c *Client) DeliverPayable(ctx context.Context, j *model.Job, content string, p model.Payable, destChainID int64) error {
	if !j.LatestMemo().Proposes(model.PhaseEvaluation) {
		return &ProtocolStateError{Action: "deliver", Phase: j.Phase, Reason: "latest memo does not propose evaluation"}
	}

	var ops []blockchain.Operation
	if destChainID != 0 && destChainID != j.ChainID {
		required := new(big.Int).Set(p.Amount)
		if p.FeeAmount != nil {
			required.Add(required, p.FeeAmount)
		}
		balance, err := c.ledger.BalanceOf(ctx, p.Token, c.address)
		if err != nil {
			return fmt.Errorf("read payout balance: %w", err)
		}
		if balance.Cmp(required) < 0 {
			return fmt.Errorf("payout needs %s base units of %s, balance is %s", required, p.Token.Hex(), balance)
		}
		manager, err := c.ledger.AssetManager(ctx)
		if err != nil {
			return fmt.Errorf("resolve asset manager: %w", err)
		}
		approveOp, err := c.ledger.ApproveOp(p.Token, manager, required)
		if err != nil {
			return err
		}
		memoOp, err := c.ledger.CreateCrossChainPayableMemoOp(j.ID, content, model.PhaseCompleted, p.Amount, p.Recipient, p.Token, routingID(destChainID))
		if err != nil {
			return err
		}
		ops = []blockchain.Operation{approveOp, memoOp}
	} else {
		memoOp, err := c.ledger.CreatePayableMemoOp(j.ID, model.MemoPayableTransferEscrow, content, model.PhaseCompleted, time.Time{}, p)
		if err != nil {
			return err
		}
		ops = []blockchain.Operation{memoOp}
	}

	if _, err := c.submit(ctx, "deliver", j.ID, ops); err != nil {
		return err
	}
	c.record(ctx, j.ID, content)
	return nil
}

// Evaluate signs the delivery memo, terminating the job as completed or
// rejected. Normally invoked by the evaluator party.
func (c *Client) Evaluate(ctx context.Context, j *model.Job, accept bool, reason string) error {
	m := j.LatestMemo()
	if !m.Proposes(model.PhaseCompleted) {
		return &ProtocolStateError{Action: "evaluate", Phase: j.Phase, Reason: "latest memo does not propose completion"}
	}
	if m.Signed() {
		return nil
	}
	op, err := c.ledger.SignMemoOp(m.ID, accept, reason)
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, "evaluate", j.ID, []blockchain.Operation{op})
	return err
}

// CreateRequirement appends a requirement memo proposing the transaction
// phase, used by providers to demand payment or restate terms mid-flow.
func (c *Client) CreateRequirement(ctx context.Context, j *model.Job, content string) error {
	return c.appendMemo(ctx, j, model.MemoMessage, content, model.PhaseTransaction)
}

// CreatePayableRequirement is CreateRequirement with an attached escrow
// instruction the counterparty must fund when accepting.
func (c *Client) CreatePayableRequirement(ctx context.Context, j *model.Job, content string, p model.Payable) error {
	return c.appendPayableMemo(ctx, j, model.MemoPayableRequest, content, model.PhaseTransaction, p)
}

// CreateNotification appends an informational memo that keeps the job in its
// current phase.
func (c *Client) CreateNotification(ctx context.Context, j *model.Job, content string) error {
	return c.appendMemo(ctx, j, model.MemoNotification, content, j.Phase)
}

// CreatePayableNotification is CreateNotification with an attached payout.
func (c *Client) CreatePayableNotification(ctx context.Context, j *model.Job, content string, p model.Payable) error {
	return c.appendPayableMemo(ctx, j, model.MemoPayableNotification, content, j.Phase, p)
}

func (c *Client) appendMemo(ctx context.Context, j *model.Job, memoType model.MemoType, content string, nextPhase model.Phase) error {
	if j.IsTerminal() {
		return &ProtocolStateError{Action: "create memo", Phase: j.Phase, Reason: "job is terminal"}
	}
	op, err := c.ledger.CreateMemoOp(j.ID, memoType, content, nextPhase, time.Time{})
	if err != nil {
		return err
	}
	if _, err := c.submit(ctx, "create memo", j.ID, []blockchain.Operation{op}); err != nil {
		return err
	}
	c.record(ctx, j.ID, content)
	return nil
}

func (c *Client) appendPayableMemo(ctx context.Context, j *model.Job, memoType model.MemoType, content string, nextPhase model.Phase, p model.Payable) error {
	if j.IsTerminal() {
		return &ProtocolStateError{Action: "create memo", Phase: j.Phase, Reason: "job is terminal"}
	}
	op, err := c.ledger.CreatePayableMemoOp(j.ID, memoType, content, nextPhase, time.Time{}, p)
	if err != nil {
		return err
	}
	if _, err := c.submit(ctx, "create memo", j.ID, []blockchain.Operation{op}); err != nil {
		return err
	}
	c.record(ctx, j.ID, content)
	return nil
}

// routingID encodes the destination chain as the 32-byte routing identifier
// cross-chain payable memos reference.
func routingID(chainID int64) [32]byte {
	return blockchain.BigIntToBytes32(big.NewInt(chainID))
}
