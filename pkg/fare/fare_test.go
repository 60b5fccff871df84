package fare

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	usdcBase = Fare{Token: common.HexToAddress("0x8335"), ChainID: 8453, Decimals: 6}
	wethBase = Fare{Token: common.HexToAddress("0x4200"), ChainID: 8453, Decimals: 18}
)

func TestToBaseUnits(t *testing.T) {
	got, err := ToBaseUnits(decimal.NewFromInt(1), usdcBase)
	if err != nil {
		t.Fatalf("ToBaseUnits: %v", err)
	}
	if got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected 1000000, got %s", got)
	}

	got, err = ToBaseUnits(decimal.NewFromInt(1), wethBase)
	if err != nil {
		t.Fatalf("ToBaseUnits: %v", err)
	}
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if got.Cmp(want) != 0 {
		t.Fatalf("expected 10^18, got %s", got)
	}
}

func TestToBaseUnitsTruncatesTowardZero(t *testing.T) {
	// 0.1234567 with 6 decimals keeps only 123456 base units.
	human := decimal.RequireFromString("0.1234567")
	got, err := ToBaseUnits(human, usdcBase)
	if err != nil {
		t.Fatalf("ToBaseUnits: %v", err)
	}
	if got.Cmp(big.NewInt(123456)) != 0 {
		t.Fatalf("expected 123456, got %s", got)
	}
}

func TestToBaseUnitsRejectsNegative(t *testing.T) {
	if _, err := ToBaseUnits(decimal.NewFromInt(-1), usdcBase); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestAddSameFare(t *testing.T) {
	a, err := NewAmount(decimal.RequireFromString("1.5"), usdcBase)
	if err != nil {
		t.Fatalf("NewAmount: %v", err)
	}
	b, err := NewAmount(decimal.RequireFromString("2.25"), usdcBase)
	if err != nil {
		t.Fatalf("NewAmount: %v", err)
	}

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.BaseUnits.Cmp(big.NewInt(3_750_000)) != 0 {
		t.Fatalf("expected 3750000, got %s", sum.BaseUnits)
	}
}

func TestAddIncompatibleFare(t *testing.T) {
	a, _ := NewAmount(decimal.NewFromInt(1), usdcBase)
	b, _ := NewAmount(decimal.NewFromInt(1), wethBase)

	if _, err := a.Add(b); !errors.Is(err, ErrIncompatibleFare) {
		t.Fatalf("expected ErrIncompatibleFare, got %v", err)
	}

	// Same token on a different chain is just as incompatible.
	other := usdcBase
	other.ChainID = 84532
	c, _ := NewAmount(decimal.NewFromInt(1), other)
	if _, err := a.Add(c); !errors.Is(err, ErrIncompatibleFare) {
		t.Fatalf("expected ErrIncompatibleFare across chains, got %v", err)
	}
}

type staticResolver map[common.Address]int32

func (r staticResolver) TokenDecimals(_ context.Context, token common.Address) (int32, error) {
	d, ok := r[token]
	if !ok {
		return 0, errors.New("unknown token")
	}
	return d, nil
}

func TestFromTokenAddress(t *testing.T) {
	resolver := staticResolver{usdcBase.Token: 6}

	amt, err := FromTokenAddress(context.Background(), big.NewInt(2_000_000), usdcBase.Token, 8453, resolver)
	if err != nil {
		t.Fatalf("FromTokenAddress: %v", err)
	}
	if amt.Fare.Decimals != 6 {
		t.Fatalf("expected 6 decimals, got %d", amt.Fare.Decimals)
	}
	if !amt.Decimal().Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected 2, got %s", amt.Decimal())
	}

	if _, err := FromTokenAddress(context.Background(), big.NewInt(1), wethBase.Token, 8453, resolver); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestNewAmountBaseRejectsNegative(t *testing.T) {
	if _, err := NewAmountBase(big.NewInt(-5), usdcBase); err == nil {
		t.Fatal("expected error for negative base units")
	}
}
