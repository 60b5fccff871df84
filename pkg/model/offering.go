package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PriceKind selects how an offering is charged.
type PriceKind string

const (
	// PriceFixed charges the nominal price up front at job creation.
	PriceFixed PriceKind = "fixed"
	// PricePercentage charges a basis-point fee of the eventual settlement
	// amount; the job itself is created with zero upfront fare.
	PricePercentage PriceKind = "percentage"
	// PriceSubscription charges through a subscription account; jobs carry
	// zero upfront price.
	PriceSubscription PriceKind = "subscription"
)

// Offering is a provider's catalog entry: what the service is, what it costs,
// and what a valid service requirement looks like.
type Offering struct {
	Provider common.Address  `json:"provider"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Kind     PriceKind       `json:"priceType"`
	// Requirement is either a JSON Schema object (map) describing valid
	// service requirements, or free text. Validation is skipped for free text.
	Requirement any `json:"requirementSchema,omitempty"`
	// Tiers lists subscription tier names for subscription-kind offerings.
	Tiers []string `json:"subscriptionTiers,omitempty"`
}

// RequiresSubscription reports whether initiating a job against this offering
// must resolve a subscription account: true when the offering is
// subscription-kind and declares tiers.
func (o *Offering) RequiresSubscription() bool {
	return o.Kind == PriceSubscription && len(o.Tiers) > 0
}

// SchemaObject returns the requirement schema as a structured object, or nil
// when the requirement is free text (or absent).
func (o *Offering) SchemaObject() map[string]any {
	schema, ok := o.Requirement.(map[string]any)
	if !ok {
		return nil
	}
	return schema
}
