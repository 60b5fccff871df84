package model

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Job is one unit-of-work transaction between a client, a provider and an
// optional evaluator. It is a projection of ledger truth: memos are ordered by
// ledger order and append-only, header fields are denormalized from them.
type Job struct {
	ID        *big.Int       `json:"id"`
	Client    common.Address `json:"client"`
	Provider  common.Address `json:"provider"`
	Evaluator common.Address `json:"evaluator"`
	// Price is the nominal price in base units of PriceToken.
	Price      *big.Int       `json:"price"`
	PriceToken common.Address `json:"priceToken"`
	Phase      Phase          `json:"phase"`
	Memos      []*Memo        `json:"memos"`
	Context    map[string]any `json:"context,omitempty"`
	ChainID    int64          `json:"chainId"`
	// ExpiredAt is the external negotiation timeout in epoch seconds.
	ExpiredAt int64 `json:"expiredAt,omitempty"`
	// SettledOffChain marks jobs whose payment runs through the x402
	// sub-protocol instead of a direct escrow transfer.
	SettledOffChain bool `json:"settledOffChain,omitempty"`

	// Name and Requirement are derived from the negotiation memo content and
	// filled by Resolve. They are not part of the wire snapshot.
	Name        string `json:"-"`
	Requirement any    `json:"-"`
}

// negotiationContent is the JSON shape of the memo that opens negotiation.
type negotiationContent struct {
	Name        string `json:"name"`
	Requirement any    `json:"requirement"`
}

// LatestMemo returns the last memo in ledger order, or nil when the job has
// no memos yet.
func (j *Job) LatestMemo() *Memo {
	if len(j.Memos) == 0 {
		return nil
	}
	return j.Memos[len(j.Memos)-1]
}

// MemoProposing returns the latest memo whose next phase equals phase. When
// several memos match, the protocol always means the latest one; stale
// matches must never be acted on.
func (j *Job) MemoProposing(phase Phase) *Memo {
	for i := len(j.Memos) - 1; i >= 0; i-- {
		if j.Memos[i].Proposes(phase) {
			return j.Memos[i]
		}
	}
	return nil
}

// IsTerminal reports whether the job reached a phase with no further
// transitions. Notification events for such jobs are dropped.
func (j *Job) IsTerminal() bool {
	return j.Phase.Terminal()
}

// Resolve parses the negotiation-phase memo content and fills the derived
// Name and Requirement fields. Jobs without a parsable negotiation memo are
// left untouched; the raw memo content stays available either way.
func (j *Job) Resolve() {
	m := j.MemoProposing(PhaseNegotiation)
	if m == nil || m.Content == "" {
		return
	}
	var nc negotiationContent
	if err := json.Unmarshal([]byte(m.Content), &nc); err != nil {
		return
	}
	j.Name = nc.Name
	j.Requirement = nc.Requirement
}
