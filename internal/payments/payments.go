// Package payments turns confirmed external payments into ledger effects.
//
// Every payment, whichever processor delivered it, is normalized into an
// Event and applied exactly once. The processor's payment reference is the
// idempotency key: webhooks and redirect callbacks can both fire for the
// same payment, and retries are routine, so Reconcile must converge to a
// single grant no matter how many times an event is delivered.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wrylyt/wrylyt/internal/ledger"
	"github.com/wrylyt/wrylyt/internal/plan"
	"github.com/wrylyt/wrylyt/internal/traces"
)

var (
	// ErrDuplicatePayment means the reference was already applied. Callers
	// treat this as success: the money did its work on an earlier delivery.
	ErrDuplicatePayment = errors.New("payment already applied")

	// ErrInvalidEvent means the event itself is malformed and no number of
	// redeliveries will make it applicable. Webhook handlers acknowledge
	// such events instead of asking the processor to retry.
	ErrInvalidEvent = errors.New("payment event not applicable")

	ErrUnknownItem = fmt.Errorf("%w: no recognizable item", ErrInvalidEvent)
)

// Item is what a payment buys. Exactly one field set.
type Item struct {
	PlanGrant   *PlanGrant   `json:"planGrant,omitempty"`
	CreditGrant *CreditGrant `json:"creditGrant,omitempty"`
}

// PlanGrant upgrades the account to a paid plan.
type PlanGrant struct {
	Plan plan.Plan `json:"plan"`
}

// CreditGrant tops up the account with a credit pack.
type CreditGrant struct {
	Credits int64 `json:"credits"`
}

// Event is a confirmed external payment, normalized across processors.
type Event struct {
	Processor string // "stripe" or "paystack"
	Reference string // processor payment reference, the idempotency key
	AccountID string
	Label     string // human-readable billing line, e.g. "Pro Plan"
	AmountUSD float64
	Item      Item
}

// Reconciler applies payment events to the ledger exactly once.
type Reconciler struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewReconciler(l *ledger.Ledger, logger *slog.Logger) *Reconciler {
	return &Reconciler{ledger: l, logger: logger}
}

// Reconcile applies one payment event. The reference claim, the account
// mutation and the billing record are a single atomic store operation, so
// a redelivery either finds the reference claimed (duplicate) or retries
// the whole application from scratch. Partial state cannot survive a crash.
func (r *Reconciler) Reconcile(ctx context.Context, ev *Event) error {
	if ev.Reference == "" {
		return fmt.Errorf("%w: missing reference", ErrInvalidEvent)
	}
	if ev.AccountID == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidEvent)
	}

	ctx, span := traces.StartSpan(ctx, "payments.reconcile",
		traces.AccountID(ev.AccountID),
		traces.Reference(ev.Reference),
	)
	defer span.End()

	var mutate func(*ledger.Account) error
	switch {
	case ev.Item.PlanGrant != nil:
		target := ev.Item.PlanGrant.Plan
		mutate = func(acct *ledger.Account) error {
			// The processor retried a payment for a plan the account
			// already holds. The money was taken once; settle the repeat.
			if acct.Plan == target {
				return nil
			}
			if !plan.CanTransition(acct.Plan, target) {
				return fmt.Errorf("%w: %s to %s requires cancelling first",
					ledger.ErrPlanTransition, acct.Plan, target)
			}
			acct.Balance += plan.UpgradeGrant(acct.Plan, target)
			acct.Plan = target
			return nil
		}
	case ev.Item.CreditGrant != nil:
		credits := ev.Item.CreditGrant.Credits
		if credits <= 0 {
			return fmt.Errorf("%w: non-positive credit grant", ErrInvalidEvent)
		}
		mutate = func(acct *ledger.Account) error {
			acct.Balance += credits
			return nil
		}
	default:
		return ErrUnknownItem
	}

	tx := &ledger.BillingTransaction{
		Date:      time.Now(),
		Item:      ev.Label,
		AmountUSD: ev.AmountUSD,
		Method:    ev.Processor,
		Reference: ev.Reference,
	}
	err := r.ledger.ApplyPayment(ctx, ev.AccountID, ev.Reference, ev.Processor, mutate, tx)
	if errors.Is(err, ledger.ErrPaymentApplied) {
		r.logger.Info("duplicate payment delivery ignored",
			"reference", ev.Reference,
			"processor", ev.Processor)
		duplicatePayments.WithLabelValues(ev.Processor).Inc()
		return ErrDuplicatePayment
	}
	if err != nil {
		return fmt.Errorf("apply payment %s: %w", ev.Reference, err)
	}

	r.logger.Info("payment reconciled",
		"reference", ev.Reference,
		"processor", ev.Processor,
		"account", ev.AccountID,
		"item", ev.Label,
		"amount_usd", ev.AmountUSD)
	reconciledPayments.WithLabelValues(ev.Processor).Inc()
	return nil
}
