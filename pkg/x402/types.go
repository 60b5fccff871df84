// Package x402 implements the off-chain-signed, on-chain-settled micro-payment
// sub-protocol: a priced resource answers "402 Payment Required" with its
// payment requirements, the payer signs an EIP-3009 transfer authorization
// (no gas spent), resubmits, and the settlement is confirmed by polling the
// chain-side payment-received flag with bounded exponential backoff.
package x402

import "errors"

// ErrPaymentTimeout is returned when settlement was not observed within the
// poll budget.
var ErrPaymentTimeout = errors.New("x402 settlement not observed within poll budget")

// PaymentRequirements defines what a resource server accepts as payment for
// one priced resource.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use (e.g. "exact").
	Scheme string `json:"scheme"`

	// Network of the blockchain to send payment on.
	Network string `json:"network"`

	// MaxAmountRequired is the price in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Resource is the URL of the resource to pay for.
	Resource string `json:"resource"`

	// PayTo is the address the payment must be sent to.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds bounds the validity window of the authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Asset is the address of the EIP-3009 compliant ERC-20 contract.
	Asset string `json:"asset"`

	// Extra carries scheme-specific details; for "exact" on EVM this holds
	// the token's EIP-712 domain "name" and "version".
	Extra map[string]any `json:"extra,omitempty"`
}

// Response is the body of a 402 reply: the payment options the server accepts.
type Response struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error"`
}

// Authorization is a signed EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Payload is what the payer attaches to the resubmitted request.
type Payload struct {
	X402Version   int           `json:"x402Version"`
	Scheme        string        `json:"scheme"`
	Network       string        `json:"network"`
	Authorization Authorization `json:"payload"`
	Signature     string        `json:"signature"`
}
