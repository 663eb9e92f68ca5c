// Package ledger tracks account credit balances and plan tiers.
//
// Flow:
//  1. Account is provisioned lazily on first access (25 intro credits, Free plan)
//  2. A tool run authorizes credits (balance -> reservation)
//  3. On success the reservation is committed; on failure it is rolled back
//  4. Payments grant credits or change the plan
//
// Every balance mutation is a conditional update guarded by the account
// version, retried a bounded number of times on conflict. Two concurrent
// requests can never both spend the same credits.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wrylyt/wrylyt/internal/idgen"
	"github.com/wrylyt/wrylyt/internal/metrics"
	"github.com/wrylyt/wrylyt/internal/plan"
	"github.com/wrylyt/wrylyt/internal/retry"
)

var (
	ErrInsufficientCredit  = errors.New("insufficient credit")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrPlanTransition      = errors.New("plan transition rejected")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation already rolled back")
	ErrPaymentApplied      = errors.New("payment reference already applied")
)

// Conflict retry policy for version-guarded writes.
const (
	maxConflictRetries = 5
	conflictRetryDelay = 10 * time.Millisecond
)

// Account is the durable per-user credit record. Balance never goes negative.
type Account struct {
	ID            string    `json:"id"`
	Balance       int64     `json:"balance"`
	Plan          plan.Plan `json:"plan"`
	IntroCredited bool      `json:"introCredited"`
	Version       int64     `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ReservationStatus is the lifecycle state of a credit reservation.
type ReservationStatus string

const (
	ReservationReserved   ReservationStatus = "reserved"
	ReservationCommitted  ReservationStatus = "committed"
	ReservationRolledBack ReservationStatus = "rolled_back"
)

// Reservation is a pending deduction created by Authorize. It is the
// authorization token handed to the request broker: commit finalizes the
// charge, rollback restores the exact reserved amount.
type Reservation struct {
	ID        string            `json:"id"`
	AccountID string            `json:"accountId"`
	Amount    int64             `json:"amount"`
	Tool      string            `json:"tool,omitempty"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// HistoryEntry is an immutable record of a successfully charged tool run.
// Visible only to paid plans; ordering is insertion order, newest first.
type HistoryEntry struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	Timestamp time.Time       `json:"timestamp"`
}

// BillingTransaction is an immutable record of one confirmed external
// payment, keyed by the processor's payment reference.
type BillingTransaction struct {
	ID        string    `json:"id"`
	Date      time.Time `json:"date"`
	Item      string    `json:"item"`
	AmountUSD float64   `json:"amount"`
	Method    string    `json:"method"`
	Reference string    `json:"reference"`
}

// Store persists ledger data. UpdateAccount must be a compare-and-swap on
// the account version: it fails with ErrConflict when the stored version
// differs from acct.Version, and increments the version on success.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	CreateAccount(ctx context.Context, acct *Account) error
	UpdateAccount(ctx context.Context, acct *Account) error

	PutReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	// SwapReservationStatus flips a reservation from one status to another.
	// Returns false (no error) when the reservation is not in the from state.
	SwapReservationStatus(ctx context.Context, id string, from, to ReservationStatus) (bool, error)
	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Reservation, error)

	AppendHistory(ctx context.Context, accountID string, entry *HistoryEntry) error
	ListHistory(ctx context.Context, accountID string, limit int) ([]*HistoryEntry, error)
	AppendBilling(ctx context.Context, accountID string, tx *BillingTransaction) error
	ListBilling(ctx context.Context, accountID string, limit int) ([]*BillingTransaction, error)

	HasPayment(ctx context.Context, reference string) (bool, error)
	MarkPaymentApplied(ctx context.Context, reference, processor string) error

	// ApplyPayment claims a payment reference, mutates the account, and
	// records the billing transaction as one atomic unit. A reference that
	// was already claimed fails with ErrPaymentApplied and nothing changes.
	// An error from mutate aborts the whole application, reference included,
	// so a later delivery can retry.
	ApplyPayment(ctx context.Context, accountID, reference, processor string, mutate func(*Account) error, tx *BillingTransaction) error
}

// Ledger enforces atomic check-and-deduct, grants and plan transitions.
type Ledger struct {
	store          Store
	reservationTTL time.Duration
}

// New creates a new ledger. reservationTTL bounds how long an uncommitted
// reservation may live before the sweep reclaims it.
func New(store Store, reservationTTL time.Duration) *Ledger {
	if reservationTTL <= 0 {
		reservationTTL = 5 * time.Minute
	}
	return &Ledger{store: store, reservationTTL: reservationTTL}
}

// GetAccount returns the account, provisioning it on first access.
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return l.getOrProvision(ctx, accountID)
}

func (l *Ledger) getOrProvision(ctx context.Context, accountID string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now()
	acct = &Account{
		ID:            accountID,
		Balance:       plan.IntroCredits,
		Plan:          plan.Free,
		IntroCredited: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, ErrAccountExists) {
			// Lost the provisioning race; the other writer's record wins.
			return l.store.GetAccount(ctx, accountID)
		}
		return nil, err
	}
	metrics.AccountsProvisionedTotal.Inc()
	return acct, nil
}

// Authorize reserves cost credits for a tool run. It fails with
// ErrInsufficientCredit without mutating anything when the balance is short.
// Safe under concurrent calls for the same account: the version-guarded
// write serializes the check-and-deduct.
func (l *Ledger) Authorize(ctx context.Context, accountID string, cost int64, tool string) (*Reservation, error) {
	if cost <= 0 {
		return nil, ErrInvalidAmount
	}

	err := retry.Do(ctx, maxConflictRetries, conflictRetryDelay, func() error {
		acct, err := l.getOrProvision(ctx, accountID)
		if err != nil {
			return retry.Permanent(err)
		}
		if acct.Balance < cost {
			return retry.Permanent(ErrInsufficientCredit)
		}
		acct.Balance -= cost
		if err := l.store.UpdateAccount(ctx, acct); err != nil {
			if errors.Is(err, ErrConflict) {
				return err // fresh read on next attempt
			}
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res := &Reservation{
		ID:        idgen.WithPrefix("rsv_"),
		AccountID: accountID,
		Amount:    cost,
		Tool:      tool,
		Status:    ReservationReserved,
		CreatedAt: now,
		ExpiresAt: now.Add(l.reservationTTL),
	}
	if err := l.store.PutReservation(ctx, res); err != nil {
		// The deduction went through but the reservation record didn't.
		// Restore the balance so the caller sees a clean failure.
		if restoreErr := l.restoreBalance(ctx, accountID, cost); restoreErr != nil {
			return nil, fmt.Errorf("reservation write failed: %w (restore also failed: %v)", err, restoreErr)
		}
		return nil, fmt.Errorf("reservation write failed: %w", err)
	}
	return res, nil
}

// Commit finalizes a reservation as a real deduction. Idempotent: committing
// an already-committed token has no additional effect. Committing a token
// the sweep already rolled back returns ErrReservationExpired.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	res, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	swapped, err := l.store.SwapReservationStatus(ctx, reservationID, ReservationReserved, ReservationCommitted)
	if err != nil {
		return err
	}
	if swapped {
		return nil
	}

	switch res.Status {
	case ReservationCommitted:
		return nil // already committed
	case ReservationRolledBack:
		return ErrReservationExpired
	default:
		// Status changed between read and swap; re-read once.
		res, err = l.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Status == ReservationCommitted {
			return nil
		}
		return ErrReservationExpired
	}
}

// Rollback releases a reservation without deducting, restoring the exact
// reserved amount. Idempotent: rolling back a committed or already
// rolled-back token is a no-op.
func (l *Ledger) Rollback(ctx context.Context, reservationID string) error {
	res, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	// Flip the status first so a racing sweep cannot restore twice.
	swapped, err := l.store.SwapReservationStatus(ctx, reservationID, ReservationReserved, ReservationRolledBack)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}

	return l.restoreBalance(ctx, res.AccountID, res.Amount)
}

// Grant increases the balance by amount. Always succeeds for a valid
// account; provisions lazily like every other entry point.
func (l *Ledger) Grant(ctx context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.restoreBalance(ctx, accountID, amount)
}

// SetPlan validates and applies a plan transition. On an upgrade it grants
// the difference between the new plan's credit allocation and the current
// one, in the same conditional write as the plan change.
func (l *Ledger) SetPlan(ctx context.Context, accountID string, newPlan plan.Plan) error {
	if !newPlan.Valid() {
		return fmt.Errorf("%w: unknown plan %q", ErrPlanTransition, newPlan)
	}

	return retry.Do(ctx, maxConflictRetries, conflictRetryDelay, func() error {
		acct, err := l.getOrProvision(ctx, accountID)
		if err != nil {
			return retry.Permanent(err)
		}
		if !plan.CanTransition(acct.Plan, newPlan) {
			return retry.Permanent(fmt.Errorf("%w: %s to %s requires cancelling first",
				ErrPlanTransition, acct.Plan, newPlan))
		}
		acct.Balance += plan.UpgradeGrant(acct.Plan, newPlan)
		acct.Plan = newPlan
		if err := l.store.UpdateAccount(ctx, acct); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
}

// AppendHistory records a tool run for the account. Caller is responsible
// for the plan gate; the ledger only persists.
func (l *Ledger) AppendHistory(ctx context.Context, accountID string, entry *HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("hist_")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return l.store.AppendHistory(ctx, accountID, entry)
}

// History returns the account's tool history, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListHistory(ctx, accountID, limit)
}

// AppendBilling records a billing transaction for the account.
func (l *Ledger) AppendBilling(ctx context.Context, accountID string, tx *BillingTransaction) error {
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("bill_")
	}
	if tx.Date.IsZero() {
		tx.Date = time.Now()
	}
	return l.store.AppendBilling(ctx, accountID, tx)
}

// Billing returns the account's billing transactions, newest first.
func (l *Ledger) Billing(ctx context.Context, accountID string, limit int) ([]*BillingTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListBilling(ctx, accountID, limit)
}

// HasPayment reports whether a payment reference has already been applied.
func (l *Ledger) HasPayment(ctx context.Context, reference string) (bool, error) {
	return l.store.HasPayment(ctx, reference)
}

// MarkPaymentApplied records a payment reference as applied.
func (l *Ledger) MarkPaymentApplied(ctx context.Context, reference, processor string) error {
	return l.store.MarkPaymentApplied(ctx, reference, processor)
}

// ApplyPayment applies one external payment exactly once: the reference
// claim, the account mutation and the billing record land together or not
// at all. A reference that was already applied fails with ErrPaymentApplied
// without touching the account, so redeliveries cannot grant twice.
func (l *Ledger) ApplyPayment(ctx context.Context, accountID, reference, processor string, mutate func(*Account) error, tx *BillingTransaction) error {
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("bill_")
	}
	if tx.Date.IsZero() {
		tx.Date = time.Now()
	}
	// Provision first so the store-level apply always finds the account.
	if _, err := l.getOrProvision(ctx, accountID); err != nil {
		return err
	}
	return l.store.ApplyPayment(ctx, accountID, reference, processor, mutate, tx)
}

// restoreBalance adds amount back to the account with the usual conflict retry.
func (l *Ledger) restoreBalance(ctx context.Context, accountID string, amount int64) error {
	return retry.Do(ctx, maxConflictRetries, conflictRetryDelay, func() error {
		acct, err := l.getOrProvision(ctx, accountID)
		if err != nil {
			return retry.Permanent(err)
		}
		acct.Balance += amount
		if err := l.store.UpdateAccount(ctx, acct); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
}
