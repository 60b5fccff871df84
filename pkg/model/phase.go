package model

import "fmt"

// Phase is a job's position in its lifecycle. The numeric values are the
// on-wire encoding used by the job registry contract and the backend.
type Phase uint8

const (
	PhaseRequest     Phase = 0
	PhaseNegotiation Phase = 1
	PhaseTransaction Phase = 2
	PhaseEvaluation  Phase = 3
	PhaseCompleted   Phase = 4
	PhaseRejected    Phase = 5
	PhaseExpired     Phase = 6
)

var phaseNames = map[Phase]string{
	PhaseRequest:     "REQUEST",
	PhaseNegotiation: "NEGOTIATION",
	PhaseTransaction: "TRANSACTION",
	PhaseEvaluation:  "EVALUATION",
	PhaseCompleted:   "COMPLETED",
	PhaseRejected:    "REJECTED",
	PhaseExpired:     "EXPIRED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PHASE(%d)", uint8(p))
}

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRejected || p == PhaseExpired
}

// ParsePhase maps a phase name (as used in backend payloads) to a Phase.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}
