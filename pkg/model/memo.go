package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MemoType classifies the content a memo carries. Values follow the memo
// registry's on-wire encoding.
type MemoType uint8

const (
	MemoMessage               MemoType = 0
	MemoContextURL            MemoType = 1
	MemoImageURL              MemoType = 2
	MemoVoiceURL              MemoType = 3
	MemoObjectURL             MemoType = 4
	MemoTxHash                MemoType = 5
	MemoPayableRequest        MemoType = 6
	MemoPayableTransfer       MemoType = 7
	MemoPayableTransferEscrow MemoType = 8
	MemoNotification          MemoType = 9
	MemoPayableNotification   MemoType = 10
)

// MemoStatus is the signing state of a memo. A memo starts Pending and is
// terminated exactly once by the counterparty signing it true or false.
type MemoStatus uint8

const (
	MemoPending  MemoStatus = 0
	MemoApproved MemoStatus = 1
	MemoRejected MemoStatus = 2
)

// FeeKind describes how a payable memo's fee is charged.
type FeeKind uint8

const (
	FeeNone      FeeKind = 0
	FeeImmediate FeeKind = 1
	FeeDeferred  FeeKind = 2
)

// Payable carries the escrow/transfer instruction attached to a payable memo.
type Payable struct {
	Amount    *big.Int       `json:"amount"`
	Recipient common.Address `json:"recipient"`
	FeeAmount *big.Int       `json:"feeAmount"`
	FeeKind   FeeKind        `json:"feeType"`
	Token     common.Address `json:"token"`
}

// Memo is an append-only, signable message attached to a job. Content is
// immutable once created; only Status and Reason are set, once, by the
// counterparty's sign operation on the ledger.
type Memo struct {
	ID        *big.Int       `json:"id"`
	Type      MemoType       `json:"memoType"`
	Content   string         `json:"content"`
	NextPhase Phase          `json:"nextPhase"`
	Status    MemoStatus     `json:"status"`
	Sender    common.Address `json:"sender"`
	Reason    string         `json:"reason,omitempty"`
	// ExpiredAt is epoch seconds, zero when the memo does not expire.
	ExpiredAt int64    `json:"expiredAt,omitempty"`
	Payable   *Payable `json:"payable,omitempty"`
}

// Proposes reports whether the memo proposes moving the job into phase.
func (m *Memo) Proposes(phase Phase) bool {
	return m != nil && m.NextPhase == phase
}

// Signed reports whether the memo has already been terminated by a sign
// operation. Acting on a signed memo again is an idempotent duplicate.
func (m *Memo) Signed() bool {
	return m != nil && m.Status != MemoPending
}
