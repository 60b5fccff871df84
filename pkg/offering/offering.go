// Package offering turns a provider's catalog entry into a live job: it
// validates the service requirement against the offering's schema, resolves
// the client-provider account (including subscription tiers), computes the
// effective upfront price, and lands the creation batches on the ledger.
package offering

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/blockchain"
	"github.com/agorahq/agora-sdk-go/pkg/config"
	"github.com/agorahq/agora-sdk-go/pkg/fare"
	"github.com/agorahq/agora-sdk-go/pkg/model"
)

// RequirementValidationError reports a service requirement rejected by the
// offering's schema, carrying the validator's detail text.
type RequirementValidationError struct {
	Details []string
}

func (e *RequirementValidationError) Error() string {
	return "service requirement rejected by offering schema: " + strings.Join(e.Details, "; ")
}

// Ledger is the chain surface initiation needs. *blockchain.EVMClient
// satisfies it.
type Ledger interface {
	CreateJobOp(provider, evaluator common.Address, expiredAt time.Time) (blockchain.Operation, error)
	CreateJobWithAccountOp(accountID *big.Int, provider, evaluator common.Address, expiredAt time.Time) (blockchain.Operation, error)
	SetBudgetOp(jobID *big.Int, token common.Address, amount *big.Int) (blockchain.Operation, error)
	CreateMemoOp(jobID *big.Int, memoType model.MemoType, content string, nextPhase model.Phase, expiredAt time.Time) (blockchain.Operation, error)
	CreateAccountOp(provider common.Address, metadata string) (blockchain.Operation, error)
	UpdateAccountOp(accountID *big.Int, metadata string) (blockchain.Operation, error)
	ResolveCreatedJobID(receipt *types.Receipt, client, provider common.Address) (*big.Int, error)
}

// Submitter lands operation batches. *blockchain.Batcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ops []blockchain.Operation) (*blockchain.SubmitResult, error)
}

// Accounts lists the client-provider accounts known to the indexing service.
// *backend.Client satisfies it.
type Accounts interface {
	ListAccounts(ctx context.Context, client, provider common.Address) ([]*model.Account, error)
}

// Records mirrors memo content to the indexing service. May be nil.
type Records interface {
	CreateMemoRecord(ctx context.Context, jobID, memoID *big.Int, content string) error
}

// Initiator creates jobs against offerings for the configured wallet.
type Initiator struct {
	ledger     Ledger
	batcher    Submitter
	accounts   Accounts
	records    Records
	deployment config.Deployment
	address    common.Address

	now func() time.Time
}

func NewInitiator(ledger Ledger, batcher Submitter, accounts Accounts, records Records, deployment config.Deployment, address common.Address) *Initiator {
	return &Initiator{
		ledger:     ledger,
		batcher:    batcher,
		accounts:   accounts,
		records:    records,
		deployment: deployment,
		address:    address,
		now:        time.Now,
	}
}

// InitiateRequest describes the job to create.
type InitiateRequest struct {
	Offering    *model.Offering
	Requirement any
	Evaluator   common.Address
	ExpiredAt   time.Time
	// PreferredTier requests a specific subscription tier; its presence alone
	// makes the job subscription-scoped.
	PreferredTier string
}

// InitiateJob validates, resolves the account, and creates the job plus its
// initial negotiation memo. It returns the ledger-assigned job identifier.
func (i *Initiator) InitiateJob(ctx context.Context, req InitiateRequest) (*big.Int, error) {
	off := req.Offering
	if off == nil {
		return nil, fmt.Errorf("initiate job: offering is required")
	}

	if err := validateRequirement(off, req.Requirement); err != nil {
		return nil, err
	}

	subscription := req.PreferredTier != "" || off.RequiresSubscription()

	account, accountOps, err := i.resolveAccount(ctx, off, subscription, req.PreferredTier)
	if err != nil {
		return nil, err
	}

	// Job creation, optionally account-scoped, with any account maintenance
	// in the same batch.
	var jobOp blockchain.Operation
	if account != nil && i.deployment.SupportsAccounts() {
		jobOp, err = i.ledger.CreateJobWithAccountOp(account.ID, off.Provider, req.Evaluator, req.ExpiredAt)
	} else {
		jobOp, err = i.ledger.CreateJobOp(off.Provider, req.Evaluator, req.ExpiredAt)
	}
	if err != nil {
		return nil, err
	}

	result, err := i.batcher.Submit(ctx, append(accountOps, jobOp))
	if err != nil {
		return nil, fmt.Errorf("create job against %s: %w", off.Provider.Hex(), err)
	}
	jobID, err := i.ledger.ResolveCreatedJobID(result.Receipt, i.address, off.Provider)
	if err != nil {
		return nil, err
	}
	zap.L().Info("job created",
		zap.String("job", jobID.String()),
		zap.String("provider", off.Provider.Hex()),
		zap.String("offering", off.Name))

	// Follow-up batch: budget (when the offering charges upfront) and the
	// negotiation memo that opens the job.
	var followUp []blockchain.Operation
	upfront, err := i.effectivePrice(off)
	if err != nil {
		return nil, err
	}
	if !upfront.IsZero() {
		budgetOp, err := i.ledger.SetBudgetOp(jobID, upfront.Fare.Token, upfront.BaseUnits)
		if err != nil {
			return nil, err
		}
		followUp = append(followUp, budgetOp)
	}

	content, err := negotiationContent(off.Name, req.Requirement)
	if err != nil {
		return nil, err
	}
	memoOp, err := i.ledger.CreateMemoOp(jobID, model.MemoMessage, content, model.PhaseNegotiation, req.ExpiredAt)
	if err != nil {
		return nil, err
	}
	followUp = append(followUp, memoOp)

	if _, err := i.batcher.Submit(ctx, followUp); err != nil {
		return nil, fmt.Errorf("open negotiation for job %s: %w", jobID, err)
	}

	if i.records != nil {
		if err := i.records.CreateMemoRecord(ctx, jobID, nil, content); err != nil {
			zap.L().Warn("memo content record failed",
				zap.String("job", jobID.String()), zap.Error(err))
		}
	}
	return jobID, nil
}

// validateRequirement checks the requirement against the offering schema when
// the schema is a structured object; free-text requirements pass through.
func validateRequirement(off *model.Offering, requirement any) error {
	schema := off.SchemaObject()
	if schema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(requirement),
	)
	if err != nil {
		return fmt.Errorf("evaluate offering schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &RequirementValidationError{Details: details}
}

// resolveAccount finds or prepares the client-provider account. It returns the
// account to scope the job to (nil when none) and any account-maintenance
// operations that must ride in the creation batch.
//
// Subscription priority: a valid account on the preferred tier, then any valid
// account, then a never-activated account reused in place with its metadata
// moved to the new tier, then a fresh account. Plain jobs only ever reuse
// accounts without subscription metadata.
func (i *Initiator) resolveAccount(ctx context.Context, off *model.Offering, subscription bool, tier string) (*model.Account, []blockchain.Operation, error) {
	if !i.deployment.SupportsAccounts() {
		return nil, nil, nil
	}
	existing, err := i.accounts.ListAccounts(ctx, i.address, off.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("list accounts with %s: %w", off.Provider.Hex(), err)
	}
	now := i.now()

	if !subscription {
		for _, a := range existing {
			if !a.HasSubscription() {
				return a, nil, nil
			}
		}
		return nil, nil, nil
	}

	if tier != "" {
		for _, a := range existing {
			if a.Valid(now) && a.Tier() == tier {
				return a, nil, nil
			}
		}
	}
	for _, a := range existing {
		if a.Valid(now) {
			return a, nil, nil
		}
	}

	metadata, err := tierMetadata(off, tier)
	if err != nil {
		return nil, nil, err
	}
	for _, a := range existing {
		if a.NeverActivated() {
			op, err := i.ledger.UpdateAccountOp(a.ID, metadata)
			if err != nil {
				return nil, nil, err
			}
			return a, []blockchain.Operation{op}, nil
		}
	}

	op, err := i.ledger.CreateAccountOp(off.Provider, metadata)
	if err != nil {
		return nil, nil, err
	}
	// The fresh account has no id yet; the job is created unscoped alongside.
	return nil, []blockchain.Operation{op}, nil
}

// effectivePrice computes the upfront fare: the nominal price for fixed-kind
// offerings, zero for subscription (charged through the account) and
// percentage (fee assessed at settlement as basis points of the outcome).
func (i *Initiator) effectivePrice(off *model.Offering) (fare.Amount, error) {
	settlement := fare.Fare{
		Token:    common.HexToAddress(i.deployment.SettlementToken),
		ChainID:  i.deployment.ChainID,
		Decimals: i.deployment.SettlementTokenDecimals,
	}
	if off.Kind == model.PriceSubscription || off.Kind == model.PricePercentage {
		return fare.NewAmountBase(big.NewInt(0), settlement)
	}
	return fare.NewAmount(off.Price, settlement)
}

// tierMetadata renders the account metadata for a subscription tier.
func tierMetadata(off *model.Offering, tier string) (string, error) {
	if tier == "" && len(off.Tiers) > 0 {
		tier = off.Tiers[0]
	}
	raw, err := json.Marshal(map[string]any{
		model.AccountMetaTier:  tier,
		model.AccountMetaPrice: off.Price.String(),
	})
	if err != nil {
		return "", fmt.Errorf("encode account metadata: %w", err)
	}
	return string(raw), nil
}

// negotiationContent renders the initial memo body the counterparty parses.
func negotiationContent(name string, requirement any) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"name":        name,
		"requirement": requirement,
	})
	if err != nil {
		return "", fmt.Errorf("encode negotiation memo: %w", err)
	}
	return string(raw), nil
}
