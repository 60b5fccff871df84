package model

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func memoWithPhase(id int64, next Phase) *Memo {
	return &Memo{ID: big.NewInt(id), Type: MemoMessage, NextPhase: next}
}

func TestMemoProposingPicksLatest(t *testing.T) {
	j := &Job{Memos: []*Memo{
		memoWithPhase(1, PhaseNegotiation),
		memoWithPhase(2, PhaseTransaction),
		memoWithPhase(3, PhaseTransaction),
	}}

	m := j.MemoProposing(PhaseTransaction)
	if m == nil || m.ID.Int64() != 3 {
		t.Fatalf("expected latest transaction memo (id 3), got %+v", m)
	}
	if j.MemoProposing(PhaseCompleted) != nil {
		t.Fatal("expected nil for phase with no proposing memo")
	}
}

func TestLatestMemo(t *testing.T) {
	j := &Job{}
	if j.LatestMemo() != nil {
		t.Fatal("expected nil latest memo on empty job")
	}
	j.Memos = []*Memo{memoWithPhase(1, PhaseNegotiation), memoWithPhase(2, PhaseTransaction)}
	if got := j.LatestMemo(); got.ID.Int64() != 2 {
		t.Fatalf("expected memo 2, got %s", got.ID)
	}
}

func TestMemoDecodesEpochExpiry(t *testing.T) {
	// Backend snapshots carry expiry as epoch seconds on jobs, accounts and
	// memos alike.
	raw := []byte(`{"id":5,"memoType":6,"content":"pay up","nextPhase":2,"status":0,"expiredAt":1900000000}`)
	var m Memo
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal memo: %v", err)
	}
	if m.ExpiredAt != 1_900_000_000 {
		t.Fatalf("expected epoch-second expiry, got %d", m.ExpiredAt)
	}
	if m.Type != MemoPayableRequest {
		t.Fatalf("unexpected memo type %d", m.Type)
	}
}

func TestJobResolve(t *testing.T) {
	j := &Job{Memos: []*Memo{
		{
			ID:        big.NewInt(1),
			NextPhase: PhaseNegotiation,
			Content:   `{"name":"sentiment-analysis","requirement":{"text":"hello"}}`,
		},
	}}
	j.Resolve()
	if j.Name != "sentiment-analysis" {
		t.Fatalf("expected resolved name, got %q", j.Name)
	}
	req, ok := j.Requirement.(map[string]any)
	if !ok || req["text"] != "hello" {
		t.Fatalf("unexpected requirement: %+v", j.Requirement)
	}

	// Free-text negotiation content must not break resolution.
	j2 := &Job{Memos: []*Memo{{ID: big.NewInt(1), NextPhase: PhaseNegotiation, Content: "do the thing"}}}
	j2.Resolve()
	if j2.Name != "" {
		t.Fatalf("expected no resolved name, got %q", j2.Name)
	}
}

func TestPhaseTerminal(t *testing.T) {
	for _, p := range []Phase{PhaseCompleted, PhaseRejected, PhaseExpired} {
		if !p.Terminal() {
			t.Fatalf("expected %s to be terminal", p)
		}
	}
	for _, p := range []Phase{PhaseRequest, PhaseNegotiation, PhaseTransaction, PhaseEvaluation} {
		if p.Terminal() {
			t.Fatalf("expected %s to be non-terminal", p)
		}
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("TRANSACTION")
	if err != nil || p != PhaseTransaction {
		t.Fatalf("ParsePhase: %v %v", p, err)
	}
	if _, err := ParsePhase("SHIPPING"); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestAccountStates(t *testing.T) {
	now := time.Now()

	active := &Account{ExpiredAt: now.Add(time.Hour).Unix(), Metadata: map[string]any{AccountMetaTier: "gold"}}
	if !active.Valid(now) || active.NeverActivated() {
		t.Fatal("expected active account")
	}
	if active.Tier() != "gold" || !active.HasSubscription() {
		t.Fatalf("unexpected tier %q", active.Tier())
	}

	fresh := &Account{Client: common.HexToAddress("0x1")}
	if fresh.Valid(now) || !fresh.NeverActivated() {
		t.Fatal("expected never-activated account")
	}

	lapsed := &Account{ExpiredAt: now.Add(-time.Hour).Unix()}
	if lapsed.Valid(now) || lapsed.NeverActivated() {
		t.Fatal("expected lapsed account")
	}
}

func TestOfferingSubscription(t *testing.T) {
	o := &Offering{Kind: PriceSubscription, Tiers: []string{"gold", "silver"}}
	if !o.RequiresSubscription() {
		t.Fatal("expected subscription requirement")
	}
	if (&Offering{Kind: PriceFixed}).RequiresSubscription() {
		t.Fatal("fixed offering must not require subscription")
	}

	schema := &Offering{Requirement: map[string]any{"type": "object"}}
	if schema.SchemaObject() == nil {
		t.Fatal("expected schema object")
	}
	free := &Offering{Requirement: "anything goes"}
	if free.SchemaObject() != nil {
		t.Fatal("expected nil schema for free text")
	}
}
