// Package blockchain is the SDK's ledger gateway: it provides low-level EVM
// interaction for the Agora protocol contracts.
//
// This package contains clients and utilities for interacting with:
//   - Job registry contract (job creation, budgets, lifecycle events)
//   - Memo registry contract (memo creation and signing)
//   - Account registry contract (client-provider accounts/subscriptions)
//   - ERC-20 settlement tokens (allowances, EIP-3009 authorizations)
//
// # Architecture
//
// The package is organized around two main types:
//
// EVMClient:
//   - Connected eth client with embedded contract ABIs
//   - Read helpers (token decimals, balances, payment-received flags,
//     asset-manager discovery)
//   - Typed Operation builders producing encoded contract calls
//
// Batcher:
//   - Submits one or more Operations as a single bundle
//   - Fresh random nonce key per attempt, bounded retries with linear
//     backoff weighted toward early attempts
//   - Fee escalation once more than half the retry budget is consumed
//   - Blocks until settlement and decodes created-job identifiers from
//     receipts
//
// Operations are always submitted as an ordered batch so that, e.g., an
// allowance approval and the job-creating call land together from the
// caller's perspective. The ledger still applies them as separate calls; the
// batch is one retry unit, not an atomicity guarantee.
package blockchain
