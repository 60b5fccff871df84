package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Metadata keys accounts use to encode subscription state.
const (
	AccountMetaTier     = "tier"
	AccountMetaPrice    = "price"
	AccountMetaDuration = "duration"
)

// Account is a persisted client-provider relationship, optionally carrying an
// active subscription tier in its metadata.
type Account struct {
	ID       *big.Int       `json:"id"`
	Client   common.Address `json:"client"`
	Provider common.Address `json:"provider"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// ExpiredAt is epoch seconds. Zero (or absent) means the account was
	// created but never activated; a past value means the subscription lapsed.
	ExpiredAt int64 `json:"expiredAt,omitempty"`
}

// Valid reports whether the account is active at the given time.
func (a *Account) Valid(now time.Time) bool {
	return a.ExpiredAt > now.Unix()
}

// NeverActivated reports whether the account exists but was never activated.
// Such accounts are reused in place rather than creating a duplicate.
func (a *Account) NeverActivated() bool {
	return a.ExpiredAt == 0
}

// Tier returns the subscription tier name from metadata, or "".
func (a *Account) Tier() string {
	if a.Metadata == nil {
		return ""
	}
	tier, _ := a.Metadata[AccountMetaTier].(string)
	return tier
}

// HasSubscription reports whether the account carries subscription metadata.
// Plain (non-subscription) jobs must not reuse subscription accounts.
func (a *Account) HasSubscription() bool {
	return a.Tier() != ""
}
