package blockchain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agorahq/agora-sdk-go/pkg/model"
)

// Operation is one state-changing ledger call: target contract, encoded call
// data and optional attached value. Operations are only ever submitted as part
// of an ordered batch (see Batcher).
type Operation struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// CreateJobOp encodes a plain create-job call.
func (evm *EVMClient) CreateJobOp(provider, evaluator common.Address, expiredAt time.Time) (Operation, error) {
	var exp int64
	if !expiredAt.IsZero() {
		exp = expiredAt.Unix()
	}
	data, err := jobRegistryABI.Pack("createJob", provider, evaluator, big.NewInt(exp))
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.JobRegistry, Data: data}, nil
}

// CreateJobWithAccountOp encodes an account-scoped create-job call. Only valid
// on deployments where SupportsAccounts is true.
func (evm *EVMClient) CreateJobWithAccountOp(accountID *big.Int, provider, evaluator common.Address, expiredAt time.Time) (Operation, error) {
	var exp int64
	if !expiredAt.IsZero() {
		exp = expiredAt.Unix()
	}
	data, err := jobRegistryABI.Pack("createJobWithAccount", accountID, provider, evaluator, big.NewInt(exp))
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.JobRegistry, Data: data}, nil
}

// SetBudgetOp encodes a set-budget call for a job.
func (evm *EVMClient) SetBudgetOp(jobID *big.Int, token common.Address, amount *big.Int) (Operation, error) {
	data, err := jobRegistryABI.Pack("setBudget", jobID, token, amount)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.JobRegistry, Data: data}, nil
}

// CreateMemoOp encodes a plain memo creation.
func (evm *EVMClient) CreateMemoOp(jobID *big.Int, memoType model.MemoType, content string, nextPhase model.Phase, expiredAt time.Time) (Operation, error) {
	var exp int64
	if !expiredAt.IsZero() {
		exp = expiredAt.Unix()
	}
	data, err := memoRegistryABI.Pack("createMemo", jobID, uint8(memoType), content, uint8(nextPhase), big.NewInt(exp))
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.MemoRegistry, Data: data}, nil
}

// CreatePayableMemoOp encodes a memo carrying an escrow/transfer instruction.
func (evm *EVMClient) CreatePayableMemoOp(jobID *big.Int, memoType model.MemoType, content string, nextPhase model.Phase, expiredAt time.Time, p model.Payable) (Operation, error) {
	var exp int64
	if !expiredAt.IsZero() {
		exp = expiredAt.Unix()
	}
	fee := p.FeeAmount
	if fee == nil {
		fee = big.NewInt(0)
	}
	data, err := memoRegistryABI.Pack("createPayableMemo",
		jobID, uint8(memoType), content, uint8(nextPhase), big.NewInt(exp),
		p.Amount, p.Recipient, fee, uint8(p.FeeKind), p.Token)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.MemoRegistry, Data: data}, nil
}

// CreateCrossChainPayableMemoOp encodes a payable memo whose settlement runs on
// another chain, referenced by a destination routing identifier.
func (evm *EVMClient) CreateCrossChainPayableMemoOp(jobID *big.Int, content string, nextPhase model.Phase, amount *big.Int, recipient, token common.Address, routeID [32]byte) (Operation, error) {
	data, err := memoRegistryABI.Pack("createCrossChainPayableMemo",
		jobID, content, uint8(nextPhase), amount, recipient, token, routeID)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.MemoRegistry, Data: data}, nil
}

// SignMemoOp encodes the terminating sign of a memo: approved true moves the
// job to the memo's next phase, false rejects the proposal.
func (evm *EVMClient) SignMemoOp(memoID *big.Int, approved bool, reason string) (Operation, error) {
	data, err := memoRegistryABI.Pack("signMemo", memoID, approved, reason)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.MemoRegistry, Data: data}, nil
}

// RegisterPaymentNonceOp encodes the registration of an off-chain payment
// authorization nonce against a job.
func (evm *EVMClient) RegisterPaymentNonceOp(jobID *big.Int, nonce [32]byte) (Operation, error) {
	data, err := memoRegistryABI.Pack("registerPaymentNonce", jobID, nonce)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.MemoRegistry, Data: data}, nil
}

// ApproveOp encodes an ERC-20 allowance approval for spender. The spender is
// usually the job registry (escrow) or the asset manager (cross-chain).
func (evm *EVMClient) ApproveOp(token, spender common.Address, amount *big.Int) (Operation, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: token, Data: data}, nil
}

// TransferWithAuthorizationOp encodes an EIP-3009 redeem of an off-chain
// signed transfer authorization (v, r, s over the authorization message).
func (evm *EVMClient) TransferWithAuthorizationOp(token, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, sig []byte) (Operation, error) {
	if len(sig) != 65 {
		return Operation{}, errInvalidSignatureLength(len(sig))
	}
	var r, s [32]byte
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	data, err := erc20ABI.Pack("transferWithAuthorization", from, to, value, validAfter, validBefore, nonce, v, r, s)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: token, Data: data}, nil
}

// CreateAccountOp encodes the creation of a client-provider account.
func (evm *EVMClient) CreateAccountOp(provider common.Address, metadata string) (Operation, error) {
	data, err := accountRegistryABI.Pack("createAccount", provider, metadata)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.AccountRegistry, Data: data}, nil
}

// UpdateAccountOp encodes a metadata update on an existing account.
func (evm *EVMClient) UpdateAccountOp(accountID *big.Int, metadata string) (Operation, error) {
	data, err := accountRegistryABI.Pack("updateAccount", accountID, metadata)
	if err != nil {
		return Operation{}, err
	}
	return Operation{To: evm.AccountRegistry, Data: data}, nil
}
