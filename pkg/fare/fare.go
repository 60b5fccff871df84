// Package fare defines the money value types used across the SDK: Fare
// identifies a payment token on a specific chain together with its decimal
// precision, and Amount pairs a Fare with an integer base-unit quantity.
// Conversions from human-scale decimal amounts always happen here; past this
// boundary the SDK never handles floating point money.
package fare

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrIncompatibleFare is returned when two Amounts with different tokens or
// chains are combined. Such amounts must be tracked and settled separately.
var ErrIncompatibleFare = fmt.Errorf("incompatible fares: amounts use different tokens or chains")

// Fare identifies a payment token: contract address, chain and decimal
// precision. Two fares are the same token only if address and chain both match.
type Fare struct {
	Token    common.Address
	ChainID  int64
	Decimals int32
}

// Equal reports whether f and other denote the same token on the same chain.
// Decimals are a property of the token and do not participate in identity.
func (f Fare) Equal(other Fare) bool {
	return f.Token == other.Token && f.ChainID == other.ChainID
}

// String returns a short human-readable identity, e.g. "0xabc..@8453".
func (f Fare) String() string {
	return fmt.Sprintf("%s@%d", f.Token.Hex(), f.ChainID)
}

// Amount is an integer quantity of base units of a given Fare.
// BaseUnits is always non-negative.
type Amount struct {
	Fare      Fare
	BaseUnits *big.Int
}

// ToBaseUnits converts a human-scale decimal amount into integer base units by
// scaling with 10^decimals. Precision beyond what the token supports is
// truncated toward zero; the conversion is lossy for such inputs.
func ToBaseUnits(human decimal.Decimal, f Fare) (*big.Int, error) {
	if human.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative: %s", human)
	}
	scaled := human.Shift(f.Decimals).Truncate(0)
	return scaled.BigInt(), nil
}

// NewAmount builds an Amount from a human-scale decimal value.
func NewAmount(human decimal.Decimal, f Fare) (Amount, error) {
	base, err := ToBaseUnits(human, f)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Fare: f, BaseUnits: base}, nil
}

// NewAmountBase builds an Amount directly from base units.
// It rejects negative quantities.
func NewAmountBase(baseUnits *big.Int, f Fare) (Amount, error) {
	if baseUnits == nil {
		return Amount{}, fmt.Errorf("base units are required")
	}
	if baseUnits.Sign() < 0 {
		return Amount{}, fmt.Errorf("base units must not be negative: %s", baseUnits)
	}
	return Amount{Fare: f, BaseUnits: new(big.Int).Set(baseUnits)}, nil
}

// DecimalsResolver looks up the decimal precision of a token, typically from
// deployment configuration with an on-chain decimals() read as fallback.
type DecimalsResolver interface {
	TokenDecimals(ctx context.Context, token common.Address) (int32, error)
}

// FromTokenAddress builds an Amount for the given base units and token,
// resolving the token's decimal precision via the supplied resolver.
func FromTokenAddress(ctx context.Context, baseUnits *big.Int, token common.Address, chainID int64, resolver DecimalsResolver) (Amount, error) {
	decimals, err := resolver.TokenDecimals(ctx, token)
	if err != nil {
		return Amount{}, fmt.Errorf("resolve token decimals for %s: %w", token.Hex(), err)
	}
	return NewAmountBase(baseUnits, Fare{Token: token, ChainID: chainID, Decimals: decimals})
}

// Add returns the sum of a and b. It fails with ErrIncompatibleFare when the
// two amounts are denominated in different tokens or live on different chains.
func (a Amount) Add(b Amount) (Amount, error) {
	if !a.Fare.Equal(b.Fare) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrIncompatibleFare, a.Fare, b.Fare)
	}
	return Amount{
		Fare:      a.Fare,
		BaseUnits: new(big.Int).Add(a.BaseUnits, b.BaseUnits),
	}, nil
}

// Decimal renders the amount back at human scale.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.BaseUnits, -a.Fare.Decimals)
}

// IsZero reports whether the amount carries no value.
func (a Amount) IsZero() bool {
	return a.BaseUnits == nil || a.BaseUnits.Sign() == 0
}

// String renders the amount in base units with its fare identity.
func (a Amount) String() string {
	if a.BaseUnits == nil {
		return "0 " + a.Fare.String()
	}
	return fmt.Sprintf("%s %s", a.BaseUnits, a.Fare)
}
