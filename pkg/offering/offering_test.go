package offering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/agorahq/agora-sdk-go/pkg/blockchain"
	"github.com/agorahq/agora-sdk-go/pkg/config"
	"github.com/agorahq/agora-sdk-go/pkg/model"
)

var (
	clientAddr   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	providerAddr = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fakeLedger struct {
	*blockchain.EVMClient
	jobID *big.Int
}

func (l *fakeLedger) ResolveCreatedJobID(_ *types.Receipt, _, _ common.Address) (*big.Int, error) {
	return l.jobID, nil
}

type fakeSubmitter struct {
	batches [][]blockchain.Operation
}

func (s *fakeSubmitter) Submit(_ context.Context, ops []blockchain.Operation) (*blockchain.SubmitResult, error) {
	s.batches = append(s.batches, ops)
	return &blockchain.SubmitResult{Receipt: &types.Receipt{}}, nil
}

type fakeAccounts struct {
	accounts []*model.Account
}

func (a *fakeAccounts) ListAccounts(_ context.Context, _, _ common.Address) ([]*model.Account, error) {
	return a.accounts, nil
}

func newTestInitiator(t *testing.T, deployment config.Deployment, accounts []*model.Account) (*Initiator, *fakeLedger, *fakeSubmitter) {
	t.Helper()
	ledger := &fakeLedger{
		EVMClient: &blockchain.EVMClient{
			Deployment:      deployment,
			JobRegistry:     common.HexToAddress(deployment.JobRegistryAddr),
			MemoRegistry:    common.HexToAddress(deployment.MemoRegistryAddr),
			AccountRegistry: common.HexToAddress(deployment.AccountRegistryAddr),
		},
		jobID: big.NewInt(99),
	}
	sub := &fakeSubmitter{}
	init := NewInitiator(ledger, sub, &fakeAccounts{accounts: accounts}, nil, deployment, clientAddr)
	init.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return init, ledger, sub
}

func fixedOffering() *model.Offering {
	return &model.Offering{
		Provider: providerAddr,
		Name:     "translation",
		Price:    decimal.RequireFromString("1.5"),
		Kind:     model.PriceFixed,
	}
}

func subscriptionOffering() *model.Offering {
	o := fixedOffering()
	o.Kind = model.PriceSubscription
	o.Tiers = []string{"basic", "pro"}
	return o
}

func account(id int64, tier string, expiredAt int64) *model.Account {
	a := &model.Account{ID: big.NewInt(id), Client: clientAddr, Provider: providerAddr, ExpiredAt: expiredAt}
	if tier != "" {
		a.Metadata = map[string]any{model.AccountMetaTier: tier}
	}
	return a
}

func TestInitiateValidatesStructuredSchema(t *testing.T) {
	off := fixedOffering()
	off.Requirement = map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []any{"text"},
	}
	init, _, _ := newTestInitiator(t, config.Base, nil)

	_, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:    off,
		Requirement: map[string]any{"lang": "de"},
	})
	var rve *RequirementValidationError
	if !errors.As(err, &rve) {
		t.Fatalf("expected RequirementValidationError, got %v", err)
	}
	if len(rve.Details) == 0 {
		t.Fatal("validator detail text missing")
	}

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:    off,
		Requirement: map[string]any{"text": "hallo"},
	}); err != nil {
		t.Fatalf("valid requirement rejected: %v", err)
	}
}

func TestInitiateSkipsFreeTextSchema(t *testing.T) {
	off := fixedOffering()
	off.Requirement = "describe the document you need translated"
	init, _, _ := newTestInitiator(t, config.Base, nil)

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:    off,
		Requirement: "translate my novel",
	}); err != nil {
		t.Fatalf("free-text offering must skip validation: %v", err)
	}
}

func TestInitiateBatchesAndBudget(t *testing.T) {
	init, ledger, sub := newTestInitiator(t, config.Base, nil)

	jobID, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:    fixedOffering(),
		Requirement: "translate my novel",
	})
	if err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}
	if jobID.Int64() != 99 {
		t.Fatalf("unexpected job id %s", jobID)
	}
	if len(sub.batches) != 2 {
		t.Fatalf("expected creation batch plus follow-up, got %d", len(sub.batches))
	}

	// 1.5 settlement tokens at the deployment's decimals.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(config.Base.SettlementTokenDecimals)), nil)
	want := new(big.Int).Div(new(big.Int).Mul(big.NewInt(15), scale), big.NewInt(10))
	budgetOp, err := ledger.SetBudgetOp(big.NewInt(99), common.HexToAddress(config.Base.SettlementToken), want)
	if err != nil {
		t.Fatalf("SetBudgetOp: %v", err)
	}
	followUp := sub.batches[1]
	if len(followUp) != 2 || !bytes.Equal(followUp[0].Data, budgetOp.Data) {
		t.Fatalf("fixed-price job must set its budget in the follow-up batch, got %d ops", len(followUp))
	}

	var content struct {
		Name        string `json:"name"`
		Requirement any    `json:"requirement"`
	}
	// The memo op carries ABI-packed content; re-encode the expectation instead.
	raw, _ := json.Marshal(map[string]any{"name": "translation", "requirement": "translate my novel"})
	memoOp, err := ledger.CreateMemoOp(big.NewInt(99), model.MemoMessage, string(raw), model.PhaseNegotiation, time.Time{})
	if err != nil {
		t.Fatalf("CreateMemoOp: %v", err)
	}
	if !bytes.Equal(followUp[1].Data, memoOp.Data) {
		t.Fatal("negotiation memo must carry the offering name and requirement")
	}
	if err := json.Unmarshal(raw, &content); err != nil || content.Name != "translation" {
		t.Fatalf("negotiation content malformed: %v", err)
	}
}

func TestInitiateSubscriptionCarriesNoUpfrontBudget(t *testing.T) {
	init, _, sub := newTestInitiator(t, config.Base, []*model.Account{
		account(5, "pro", 1_800_000_000),
	})

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:      subscriptionOffering(),
		Requirement:   "translate",
		PreferredTier: "pro",
	}); err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}
	if len(sub.batches[1]) != 1 {
		t.Fatal("subscription job must not set an upfront budget")
	}
}

func TestAccountResolutionPrefersTierMatch(t *testing.T) {
	valid := int64(1_800_000_000)
	init, ledger, sub := newTestInitiator(t, config.Base, []*model.Account{
		account(1, "basic", valid),
		account(2, "pro", valid),
	})

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:      subscriptionOffering(),
		Requirement:   "translate",
		PreferredTier: "pro",
	}); err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}

	creation := sub.batches[0]
	if len(creation) != 1 {
		t.Fatalf("tier match needs no account maintenance, got %d ops", len(creation))
	}
	want, err := ledger.CreateJobWithAccountOp(big.NewInt(2), providerAddr, common.Address{}, time.Time{})
	if err != nil {
		t.Fatalf("CreateJobWithAccountOp: %v", err)
	}
	if !bytes.Equal(creation[0].Data, want.Data) {
		t.Fatal("job must be scoped to the tier-matching account")
	}
}

func TestAccountResolutionFallsBackToAnyValid(t *testing.T) {
	init, ledger, sub := newTestInitiator(t, config.Base, []*model.Account{
		account(1, "basic", 1_800_000_000),
		account(2, "pro", 1_600_000_000), // lapsed
	})

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:      subscriptionOffering(),
		Requirement:   "translate",
		PreferredTier: "pro",
	}); err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}
	want, err := ledger.CreateJobWithAccountOp(big.NewInt(1), providerAddr, common.Address{}, time.Time{})
	if err != nil {
		t.Fatalf("CreateJobWithAccountOp: %v", err)
	}
	if !bytes.Equal(sub.batches[0][0].Data, want.Data) {
		t.Fatal("any valid account beats a lapsed tier match")
	}
}

func TestAccountResolutionReusesNeverActivated(t *testing.T) {
	init, ledger, sub := newTestInitiator(t, config.Base, []*model.Account{
		account(3, "basic", 1_600_000_000), // lapsed
		account(4, "", 0),                  // never activated
	})

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:      subscriptionOffering(),
		Requirement:   "translate",
		PreferredTier: "pro",
	}); err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}

	creation := sub.batches[0]
	if len(creation) != 2 {
		t.Fatalf("expected metadata update plus scoped job creation, got %d ops", len(creation))
	}
	metadata, err := json.Marshal(map[string]any{
		model.AccountMetaTier:  "pro",
		model.AccountMetaPrice: "1.5",
	})
	if err != nil {
		t.Fatal(err)
	}
	updateOp, err := ledger.UpdateAccountOp(big.NewInt(4), string(metadata))
	if err != nil {
		t.Fatalf("UpdateAccountOp: %v", err)
	}
	if !bytes.Equal(creation[0].Data, updateOp.Data) {
		t.Fatal("never-activated account must be reused with updated tier metadata")
	}
	jobOp, err := ledger.CreateJobWithAccountOp(big.NewInt(4), providerAddr, common.Address{}, time.Time{})
	if err != nil {
		t.Fatalf("CreateJobWithAccountOp: %v", err)
	}
	if !bytes.Equal(creation[1].Data, jobOp.Data) {
		t.Fatal("job must be scoped to the reused account")
	}
}

func TestAccountResolutionCreatesWhenNoneFits(t *testing.T) {
	init, ledger, sub := newTestInitiator(t, config.Base, []*model.Account{
		account(3, "basic", 1_600_000_000), // lapsed, activated
	})

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:      subscriptionOffering(),
		Requirement:   "translate",
		PreferredTier: "pro",
	}); err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}

	creation := sub.batches[0]
	if len(creation) != 2 {
		t.Fatalf("expected account creation plus plain job creation, got %d ops", len(creation))
	}
	if creation[0].To != common.HexToAddress(config.Base.AccountRegistryAddr) {
		t.Fatalf("first op must create the account, targets %s", creation[0].To.Hex())
	}
	// The fresh account has no id yet, so the job is created unscoped.
	plain, err := ledger.CreateJobOp(providerAddr, common.Address{}, time.Time{})
	if err != nil {
		t.Fatalf("CreateJobOp: %v", err)
	}
	if !bytes.Equal(creation[1].Data, plain.Data) {
		t.Fatal("job creation alongside a fresh account must be unscoped")
	}
}

func TestPlainJobIgnoresSubscriptionAccounts(t *testing.T) {
	init, ledger, sub := newTestInitiator(t, config.Base, []*model.Account{
		account(6, "pro", 1_800_000_000),
	})

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:    fixedOffering(),
		Requirement: "translate",
	}); err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}
	plain, err := ledger.CreateJobOp(providerAddr, common.Address{}, time.Time{})
	if err != nil {
		t.Fatalf("CreateJobOp: %v", err)
	}
	creation := sub.batches[0]
	if len(creation) != 1 || !bytes.Equal(creation[0].Data, plain.Data) {
		t.Fatal("plain jobs must not reuse subscription accounts")
	}
}

func TestDeploymentWithoutAccountsSkipsResolution(t *testing.T) {
	init, ledger, sub := newTestInitiator(t, config.BaseSepolia, nil)

	if _, err := init.InitiateJob(context.Background(), InitiateRequest{
		Offering:      subscriptionOffering(),
		Requirement:   "translate",
		PreferredTier: "pro",
	}); err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}
	plain, err := ledger.CreateJobOp(providerAddr, common.Address{}, time.Time{})
	if err != nil {
		t.Fatalf("CreateJobOp: %v", err)
	}
	creation := sub.batches[0]
	if len(creation) != 1 || !bytes.Equal(creation[0].Data, plain.Data) {
		t.Fatal("deployments without account support create plain jobs")
	}
}
