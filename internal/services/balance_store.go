package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/beanwallet/backend/internal/models"
)

// BalanceStore maintains the per-(account, owner) running balances. Rows are
// created lazily on first touch and updated by a single conditional upsert,
// so two concurrent deltas against the same key never lose an update.
type BalanceStore struct {
	db *sql.DB
}

func NewBalanceStore(db *sql.DB) *BalanceStore {
	return &BalanceStore{db: db}
}

// GetBalance returns the current balance for (accountCode, userID). A missing
// row means the pair was never touched and reads as zero, not as an error.
func (s *BalanceStore) GetBalance(ctx context.Context, accountCode int, userID *string) (models.AccountBalance, error) {
	bal := models.AccountBalance{AccountCode: accountCode, UserID: userID}

	err := s.db.QueryRowContext(ctx, `
		SELECT balance_minor, updated_at
		FROM account_balances
		WHERE account_code = $1 AND COALESCE(user_id, '') = COALESCE($2, '')`,
		accountCode, nullString(userID),
	).Scan(&bal.BalanceMinor, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return bal, nil
	}
	if err != nil {
		return bal, fmt.Errorf("fetch balance %d: %w", accountCode, err)
	}
	return bal, nil
}

// ApplyDeltaTx adds delta to the balance row inside the caller's database
// transaction, inserting the row if absent. The customer-credit floor is
// enforced by the statement itself (conditional update plus a table CHECK),
// never by a prior read: a delta that would take account 2000 below zero
// updates nothing and returns ErrInsufficientFunds.
func (s *BalanceStore) ApplyDeltaTx(dbtx *sql.Tx, accountCode int, userID *string, delta int64) (int64, error) {
	var newBalance int64
	err := dbtx.QueryRow(`
		INSERT INTO account_balances (account_code, user_id, balance_minor, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_code, COALESCE(user_id, ''))
		DO UPDATE SET
			balance_minor = account_balances.balance_minor + EXCLUDED.balance_minor,
			updated_at = EXCLUDED.updated_at
		WHERE account_balances.account_code <> 2000
		   OR account_balances.balance_minor + EXCLUDED.balance_minor >= 0
		RETURNING balance_minor`,
		accountCode, nullString(userID), delta, time.Now(),
	).Scan(&newBalance)

	if err == sql.ErrNoRows {
		// The conflict branch refused the update: account 2000 underflow.
		return 0, ErrInsufficientFunds
	}
	if isPqError(err, pqCheckViolation) {
		// Fresh row would start negative; same outcome as the refused update.
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("apply balance delta %d to account %d: %w", delta, accountCode, err)
	}
	return newBalance, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
