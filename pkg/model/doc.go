// Package model defines the data structures the SDK projects ledger state
// into: jobs, memos, offerings and accounts, together with their enums
// (phases, memo types and statuses, price and fee kinds).
//
// These structs mirror the JSON documents returned by the backend indexing
// service and the notification channel, and the tuples emitted by the on-chain
// registries. They are read-mostly value snapshots: the ledger is the
// authoritative state machine, and a Job never flips its own phase locally —
// callers refresh a projection by re-fetching after a confirmed operation.
package model
