package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts     map[string]*Account
	reservations map[string]*Reservation
	history      map[string][]*HistoryEntry
	billing      map[string][]*BillingTransaction
	payments     map[string]string // payment reference -> processor
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		reservations: make(map[string]*Reservation),
		history:      make(map[string][]*HistoryEntry),
		billing:      make(map[string][]*BillingTransaction),
		payments:     make(map[string]string),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	cp := *acct
	m.accounts[acct.ID] = &cp
	return nil
}

// UpdateAccount is a compare-and-swap on the account version.
func (m *MemoryStore) UpdateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[acct.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if stored.Version != acct.Version {
		return ErrConflict
	}

	cp := *acct
	cp.Version++
	cp.UpdatedAt = time.Now()
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *MemoryStore) PutReservation(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.reservations[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SwapReservationStatus(ctx context.Context, id string, from, to ReservationStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return false, ErrReservationNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	return true, nil
}

func (m *MemoryStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reservation
	for _, r := range m.reservations {
		if r.Status == ReservationReserved && r.ExpiresAt.Before(before) {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, accountID string, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.history[accountID] = append(m.history[accountID], &cp)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, accountID string, limit int) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[accountID]
	var result []*HistoryEntry
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *entries[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) AppendBilling(ctx context.Context, accountID string, tx *BillingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tx
	m.billing[accountID] = append(m.billing[accountID], &cp)
	return nil
}

func (m *MemoryStore) ListBilling(ctx context.Context, accountID string, limit int) ([]*BillingTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.billing[accountID]
	var result []*BillingTransaction
	for i := len(txs) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *txs[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) HasPayment(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.payments[reference]
	return ok, nil
}

func (m *MemoryStore) MarkPaymentApplied(ctx context.Context, reference, processor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[reference] = processor
	return nil
}

// ApplyPayment performs reference claim, account mutation and billing append
// under a single lock hold. Any failure leaves the store untouched.
func (m *MemoryStore) ApplyPayment(ctx context.Context, accountID, reference, processor string, mutate func(*Account) error, tx *BillingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[reference]; ok {
		return ErrPaymentApplied
	}
	stored, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	cp := *stored
	if err := mutate(&cp); err != nil {
		return err
	}
	cp.Version++
	cp.UpdatedAt = time.Now()

	txCp := *tx
	m.accounts[accountID] = &cp
	m.billing[accountID] = append(m.billing[accountID], &txCp)
	m.payments[reference] = processor
	return nil
}
