package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. The CHECK constraint on balance is a
// second line of defense behind the version-guarded update.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id              VARCHAR(128) PRIMARY KEY,
			balance         BIGINT NOT NULL DEFAULT 0,
			plan            VARCHAR(20) NOT NULL DEFAULT 'Free',
			intro_credited  BOOLEAN NOT NULL DEFAULT FALSE,
			version         BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS reservations (
			id              VARCHAR(36) PRIMARY KEY,
			account_id      VARCHAR(128) NOT NULL,
			amount          BIGINT NOT NULL,
			tool            VARCHAR(64),
			status          VARCHAR(20) NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at      TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS history_entries (
			id              VARCHAR(36) PRIMARY KEY,
			account_id      VARCHAR(128) NOT NULL,
			type            VARCHAR(64) NOT NULL,
			input           JSONB,
			output          JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS billing_transactions (
			id              VARCHAR(36) PRIMARY KEY,
			account_id      VARCHAR(128) NOT NULL,
			item            TEXT NOT NULL,
			amount_usd      NUMERIC(10,2) NOT NULL,
			method          VARCHAR(20) NOT NULL,
			reference       VARCHAR(255) NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS payments_applied (
			reference       VARCHAR(255) PRIMARY KEY,
			processor       VARCHAR(20) NOT NULL,
			applied_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_reservations_expiry
			ON reservations(status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_history_account
			ON history_entries(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_billing_account
			ON billing_transactions(account_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, balance, plan, intro_credited, version, created_at, updated_at
		FROM accounts WHERE id = $1
	`, accountID).Scan(&acct.ID, &acct.Balance, &acct.Plan, &acct.IntroCredited,
		&acct.Version, &acct.CreatedAt, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, plan, intro_credited, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, acct.ID, acct.Balance, string(acct.Plan), acct.IntroCredited)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountExists
	}
	return nil
}

// UpdateAccount performs a version-guarded conditional write. A stale
// version means another writer got there first; the caller re-reads and
// retries.
func (p *PostgresStore) UpdateAccount(ctx context.Context, acct *Account) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET
			balance        = $2,
			plan           = $3,
			intro_credited = $4,
			version        = version + 1,
			updated_at     = NOW()
		WHERE id = $1 AND version = $5
	`, acct.ID, acct.Balance, string(acct.Plan), acct.IntroCredited, acct.Version)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a missing row from a lost race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, acct.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) PutReservation(ctx context.Context, r *Reservation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reservations (id, account_id, amount, tool, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.AccountID, r.Amount, r.Tool, string(r.Status), r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r := &Reservation{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, COALESCE(tool, ''), status, created_at, expires_at
		FROM reservations WHERE id = $1
	`, id).Scan(&r.ID, &r.AccountID, &r.Amount, &r.Tool, &r.Status, &r.CreatedAt, &r.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) SwapReservationStatus(ctx context.Context, id string, from, to ReservationStatus) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to swap reservation status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrReservationNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, amount, COALESCE(tool, ''), status, created_at, expires_at
		FROM reservations
		WHERE status = 'reserved' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Reservation
	for rows.Next() {
		r := &Reservation{}
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Amount, &r.Tool, &r.Status,
			&r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendHistory(ctx context.Context, accountID string, entry *HistoryEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO history_entries (id, account_id, type, input, output, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, accountID, entry.Type, []byte(entry.Input), []byte(entry.Output), entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListHistory(ctx context.Context, accountID string, limit int) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, COALESCE(input, 'null'), COALESCE(output, 'null'), created_at
		FROM history_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var input, output []byte
		if err := rows.Scan(&e.ID, &e.Type, &input, &output, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Input = input
		e.Output = output
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendBilling(ctx context.Context, accountID string, tx *BillingTransaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_transactions (id, account_id, item, amount_usd, method, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tx.ID, accountID, tx.Item, tx.AmountUSD, tx.Method, tx.Reference, tx.Date)
	if err != nil {
		return fmt.Errorf("failed to append billing transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListBilling(ctx context.Context, accountID string, limit int) ([]*BillingTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, item, amount_usd, method, reference, created_at
		FROM billing_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*BillingTransaction
	for rows.Next() {
		tx := &BillingTransaction{}
		if err := rows.Scan(&tx.ID, &tx.Item, &tx.AmountUSD, &tx.Method, &tx.Reference, &tx.Date); err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasPayment(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments_applied WHERE reference = $1)`, reference).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) MarkPaymentApplied(ctx context.Context, reference, processor string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments_applied (reference, processor, applied_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (reference) DO NOTHING
	`, reference, processor)
	if err != nil {
		return fmt.Errorf("failed to mark payment applied: %w", err)
	}
	return nil
}

// ApplyPayment runs the reference claim, account mutation and billing insert
// in a single transaction. The reference insert goes first: a duplicate
// delivery fails the claim and rolls back before touching the account. The
// account row is locked for the mutation, so the plain version bump cannot
// race a concurrent version-guarded write.
func (p *PostgresStore) ApplyPayment(ctx context.Context, accountID, reference, processor string, mutate func(*Account) error, tx *BillingTransaction) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin payment transaction: %w", err)
	}
	defer dbTx.Rollback()

	result, err := dbTx.ExecContext(ctx, `
		INSERT INTO payments_applied (reference, processor, applied_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (reference) DO NOTHING
	`, reference, processor)
	if err != nil {
		return fmt.Errorf("failed to claim payment reference: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrPaymentApplied
	}

	acct := &Account{}
	err = dbTx.QueryRowContext(ctx, `
		SELECT id, balance, plan, intro_credited, version, created_at, updated_at
		FROM accounts WHERE id = $1
		FOR UPDATE
	`, accountID).Scan(&acct.ID, &acct.Balance, &acct.Plan, &acct.IntroCredited,
		&acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}

	if err := mutate(acct); err != nil {
		return err
	}

	if _, err := dbTx.ExecContext(ctx, `
		UPDATE accounts SET
			balance        = $2,
			plan           = $3,
			intro_credited = $4,
			version        = version + 1,
			updated_at     = NOW()
		WHERE id = $1
	`, acct.ID, acct.Balance, string(acct.Plan), acct.IntroCredited); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO billing_transactions (id, account_id, item, amount_usd, method, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tx.ID, accountID, tx.Item, tx.AmountUSD, tx.Method, tx.Reference, tx.Date); err != nil {
		return fmt.Errorf("failed to append billing transaction: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment transaction: %w", err)
	}
	return nil
}
