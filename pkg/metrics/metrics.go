// Package metrics defines the instrumentation surface of the SDK: submission
// attempts, settlement latency, auth refreshes and poll-loop activity are
// reported through a Recorder so host processes can plug in their own sink.
package metrics

import "time"

// Recorder receives SDK events. Implementations must be safe for concurrent
// use.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event and operation names reported by the SDK.
const (
	EventSubmissionAttempt = "submission_attempt"
	EventSubmissionFailure = "submission_failure"
	EventFeeEscalation     = "fee_escalation"
	EventDuplicateEffect   = "duplicate_effect"
	EventAuthRefresh       = "auth_refresh"
	EventNotification      = "notification"
	OperationSubmit        = "submit"
	OperationPayment       = "payment"
	OperationJobPoll       = "job_poll"
)
