package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wrylyt/wrylyt/internal/ledger"
	"github.com/wrylyt/wrylyt/internal/plan"
)

func testReconciler(t *testing.T) (*Reconciler, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), 5*time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReconciler(l, logger), l
}

func TestReconcile_PlanGrant(t *testing.T) {
	r, l := testReconciler(t)
	ctx := context.Background()

	ev := &Event{
		Processor: "stripe",
		Reference: "pi_plan_001",
		AccountID: "user1",
		Label:     "Pro Plan",
		AmountUSD: 4.99,
		Item:      Item{PlanGrant: &PlanGrant{Plan: plan.Pro}},
	}
	if err := r.Reconcile(ctx, ev); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	acct, err := l.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Plan != plan.Pro {
		t.Errorf("plan = %s, want Pro", acct.Plan)
	}
	// 25 intro credits plus the 250 Pro grant.
	if acct.Balance != 275 {
		t.Errorf("balance = %d, want 275", acct.Balance)
	}

	txs, err := l.Billing(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("Billing: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d billing transactions, want 1", len(txs))
	}
	if txs[0].Item != "Pro Plan" || txs[0].Method != "stripe" || txs[0].Reference != "pi_plan_001" {
		t.Errorf("unexpected billing transaction: %+v", txs[0])
	}
	if txs[0].AmountUSD != 4.99 {
		t.Errorf("amount = %v, want 4.99", txs[0].AmountUSD)
	}
}

func TestReconcile_CreditGrant(t *testing.T) {
	r, l := testReconciler(t)
	ctx := context.Background()

	ev := &Event{
		Processor: "paystack",
		Reference: "ps_pack_001",
		AccountID: "user2",
		Label:     "250 Credits",
		AmountUSD: 5.99,
		Item:      Item{CreditGrant: &CreditGrant{Credits: 250}},
	}
	if err := r.Reconcile(ctx, ev); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	acct, _ := l.GetAccount(ctx, "user2")
	if acct.Balance != 275 {
		t.Errorf("balance = %d, want 275", acct.Balance)
	}
	if acct.Plan != plan.Free {
		t.Errorf("credit pack must not change the plan, got %s", acct.Plan)
	}
}

func TestReconcile_DuplicateDelivery(t *testing.T) {
	r, l := testReconciler(t)
	ctx := context.Background()

	ev := &Event{
		Processor: "stripe",
		Reference: "pi_dup_001",
		AccountID: "user3",
		Label:     "600 Credits",
		AmountUSD: 9.99,
		Item:      Item{CreditGrant: &CreditGrant{Credits: 600}},
	}
	if err := r.Reconcile(ctx, ev); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if err := r.Reconcile(ctx, ev); !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("second Reconcile: got %v, want ErrDuplicatePayment", err)
	}

	acct, _ := l.GetAccount(ctx, "user3")
	if acct.Balance != 625 {
		t.Errorf("balance = %d, want 625 (credits granted once)", acct.Balance)
	}

	txs, _ := l.Billing(ctx, "user3", 10)
	if len(txs) != 1 {
		t.Errorf("got %d billing transactions, want 1", len(txs))
	}
}

// flakyPaymentStore fails the first n payment applications outright,
// standing in for a store outage during reconciliation.
type flakyPaymentStore struct {
	ledger.Store
	failures int
}

func (s *flakyPaymentStore) ApplyPayment(ctx context.Context, accountID, reference, processor string, mutate func(*ledger.Account) error, tx *ledger.BillingTransaction) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	return s.Store.ApplyPayment(ctx, accountID, reference, processor, mutate, tx)
}

func TestReconcile_CreditRedeliveryAfterStoreFailure(t *testing.T) {
	store := &flakyPaymentStore{Store: ledger.NewMemoryStore(), failures: 1}
	l := ledger.New(store, 5*time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(l, logger)
	ctx := context.Background()

	ev := &Event{
		Processor: "stripe",
		Reference: "pi_retry_001",
		AccountID: "user5",
		Label:     "100 Credits",
		AmountUSD: 2.99,
		Item:      Item{CreditGrant: &CreditGrant{Credits: 100}},
	}

	if err := r.Reconcile(ctx, ev); err == nil {
		t.Fatal("first delivery should surface the store failure")
	}

	// The failed delivery must leave nothing behind: no credits, no
	// billing row, reference unclaimed.
	acct, err := l.GetAccount(ctx, "user5")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 25 {
		t.Fatalf("balance after failed delivery = %d, want 25", acct.Balance)
	}
	if applied, _ := l.HasPayment(ctx, "pi_retry_001"); applied {
		t.Fatal("failed delivery must not claim the reference")
	}

	// The processor redelivers. The retry applies the payment exactly once.
	if err := r.Reconcile(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	acct, _ = l.GetAccount(ctx, "user5")
	if acct.Balance != 125 {
		t.Errorf("balance = %d, want 125 (credits granted once across deliveries)", acct.Balance)
	}
	txs, _ := l.Billing(ctx, "user5", 10)
	if len(txs) != 1 {
		t.Errorf("got %d billing transactions, want 1", len(txs))
	}
	if applied, _ := l.HasPayment(ctx, "pi_retry_001"); !applied {
		t.Error("redelivery should leave the reference claimed")
	}
}

func TestReconcile_PlanReplayAfterPartialFailure(t *testing.T) {
	r, l := testReconciler(t)
	ctx := context.Background()

	// The account already holds Pro from an earlier purchase whose
	// reference was never claimed. The redelivery must settle instead of
	// erroring forever.
	if err := l.SetPlan(ctx, "user4", plan.Pro); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	ev := &Event{
		Processor: "stripe",
		Reference: "pi_replay_001",
		AccountID: "user4",
		Label:     "Pro Plan",
		AmountUSD: 4.99,
		Item:      Item{PlanGrant: &PlanGrant{Plan: plan.Pro}},
	}
	if err := r.Reconcile(ctx, ev); err != nil {
		t.Fatalf("Reconcile replay: %v", err)
	}

	applied, err := l.HasPayment(ctx, "pi_replay_001")
	if err != nil {
		t.Fatalf("HasPayment: %v", err)
	}
	if !applied {
		t.Error("replay should leave the reference marked")
	}
}

func TestReconcile_RejectsIncompleteEvents(t *testing.T) {
	r, _ := testReconciler(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   *Event
	}{
		{"missing reference", &Event{Processor: "stripe", AccountID: "u",
			Item: Item{CreditGrant: &CreditGrant{Credits: 1}}}},
		{"missing account", &Event{Processor: "stripe", Reference: "pi_x",
			Item: Item{CreditGrant: &CreditGrant{Credits: 1}}}},
		{"no item", &Event{Processor: "stripe", Reference: "pi_y", AccountID: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Reconcile(ctx, tt.ev); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestItemFromMetadata(t *testing.T) {
	tests := []struct {
		name    string
		meta    map[string]string
		wantErr bool
		check   func(t *testing.T, item Item, label string)
	}{
		{
			name: "plan upgrade",
			meta: map[string]string{metaItemType: "plan", metaPlan: "Premium+"},
			check: func(t *testing.T, item Item, label string) {
				if item.PlanGrant == nil || item.PlanGrant.Plan != plan.PremiumPlus {
					t.Errorf("item = %+v, want Premium+ plan grant", item)
				}
				if label != "Premium+ Plan" {
					t.Errorf("label = %q", label)
				}
			},
		},
		{
			name: "credit pack with label",
			meta: map[string]string{metaItemType: "credits", metaCredits: "100", metaLabel: "Starter Pack"},
			check: func(t *testing.T, item Item, label string) {
				if item.CreditGrant == nil || item.CreditGrant.Credits != 100 {
					t.Errorf("item = %+v, want 100 credit grant", item)
				}
				if label != "Starter Pack" {
					t.Errorf("label = %q", label)
				}
			},
		},
		{name: "free plan not purchasable", meta: map[string]string{metaItemType: "plan", metaPlan: "Free"}, wantErr: true},
		{name: "unknown plan", meta: map[string]string{metaItemType: "plan", metaPlan: "Gold"}, wantErr: true},
		{name: "zero credits", meta: map[string]string{metaItemType: "credits", metaCredits: "0"}, wantErr: true},
		{name: "garbage credits", meta: map[string]string{metaItemType: "credits", metaCredits: "lots"}, wantErr: true},
		{name: "no item type", meta: map[string]string{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, label, err := itemFromMetadata(tt.meta)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("itemFromMetadata: %v", err)
			}
			tt.check(t, item, label)
		})
	}
}
