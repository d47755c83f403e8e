package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beanwallet/backend/internal/models"
)

// Journal is the append-only log of transaction headers and their postings.
// Nothing in here is ever updated or deleted; the entries are the permanent
// source of truth the balances and the trial balance derive from.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// TransactionPage is one page of a user's history, newest first.
type TransactionPage struct {
	Transactions []models.LedgerTransaction `json:"transactions"`
	NextCursor   string                     `json:"nextCursor,omitempty"`
	HasMore      bool                       `json:"hasMore"`
}

// AppendTx writes the header and both entries inside the caller's database
// transaction, so they become visible together or not at all. A duplicate
// reversal_of trips the unique constraint and surfaces as
// ErrReversalAlreadyExists.
func (j *Journal) AppendTx(dbtx *sql.Tx, txn models.LedgerTransaction, entries []models.LedgerEntry) error {
	rawCtx, err := models.EncodeContext(txn.Context)
	if err != nil {
		return fmt.Errorf("encode transaction context: %w", err)
	}

	_, err = dbtx.Exec(`
		INSERT INTO ledger_transactions (id, type, context, reversal_of, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		txn.ID, txn.Type, rawCtx, nullString(txn.ReversalOf), txn.CreatedAt)
	if err != nil {
		if isPqError(err, pqUniqueViolation) && txn.ReversalOf != nil {
			return ErrReversalAlreadyExists
		}
		return fmt.Errorf("insert transaction %s: %w", txn.ID, err)
	}

	for _, e := range entries {
		_, err = dbtx.Exec(`
			INSERT INTO ledger_entries (transaction_id, account_code, user_id, side, amount_minor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.TransactionID, e.AccountCode, nullString(e.UserID), e.Side, e.AmountMinor, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert %s entry for transaction %s: %w", e.Side, e.TransactionID, err)
		}
	}

	return nil
}

// GetTransaction loads a header with its two entries, or ErrTxNotFound.
func (j *Journal) GetTransaction(ctx context.Context, txID string) (models.LedgerTransaction, []models.LedgerEntry, error) {
	var (
		txn        models.LedgerTransaction
		rawCtx     []byte
		reversalOf sql.NullString
	)

	err := j.db.QueryRowContext(ctx, `
		SELECT id, type, context, reversal_of, created_at
		FROM ledger_transactions
		WHERE id = $1`,
		txID,
	).Scan(&txn.ID, &txn.Type, &rawCtx, &reversalOf, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return txn, nil, ErrTxNotFound
	}
	if err != nil {
		return txn, nil, fmt.Errorf("fetch transaction %s: %w", txID, err)
	}

	txn.ReversalOf = nullStringPtr(reversalOf)
	if txn.Context, err = models.DecodeContext(txn.Type, rawCtx); err != nil {
		return txn, nil, fmt.Errorf("decode context for transaction %s: %w", txID, err)
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, transaction_id, account_code, user_id, side, amount_minor, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY id`,
		txID)
	if err != nil {
		return txn, nil, fmt.Errorf("fetch entries for transaction %s: %w", txID, err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			e      models.LedgerEntry
			userID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountCode, &userID, &e.Side, &e.AmountMinor, &e.CreatedAt); err != nil {
			return txn, nil, fmt.Errorf("scan entry for transaction %s: %w", txID, err)
		}
		e.UserID = nullStringPtr(userID)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return txn, nil, fmt.Errorf("fetch entries for transaction %s: %w", txID, err)
	}

	return txn, entries, nil
}

// ListUserTransactions pages through every transaction that posted to the
// user's credit account, newest first. Ordering ties on created_at are broken
// by id so the cursor is deterministic.
func (j *Journal) ListUserTransactions(ctx context.Context, userID string, limit int, cursor string) (TransactionPage, error) {
	page := TransactionPage{Transactions: []models.LedgerTransaction{}}

	query := `
		SELECT t.id, t.type, t.context, t.reversal_of, t.created_at
		FROM ledger_transactions t
		JOIN ledger_entries e ON e.transaction_id = t.id
		WHERE e.user_id = $1`
	args := []any{userID}

	if cursor != "" {
		after, afterID, err := decodeCursor(cursor)
		if err != nil {
			return page, fmt.Errorf("%w: bad cursor", ErrValidationFailed)
		}
		query += ` AND (t.created_at, t.id) < ($2, $3)`
		args = append(args, after, afterID)
	}

	query += fmt.Sprintf(` ORDER BY t.created_at DESC, t.id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1) // one extra row decides hasMore

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("list transactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			txn        models.LedgerTransaction
			rawCtx     []byte
			reversalOf sql.NullString
		)
		if err := rows.Scan(&txn.ID, &txn.Type, &rawCtx, &reversalOf, &txn.CreatedAt); err != nil {
			return page, fmt.Errorf("scan transaction for user %s: %w", userID, err)
		}
		txn.ReversalOf = nullStringPtr(reversalOf)
		if txn.Context, err = models.DecodeContext(txn.Type, rawCtx); err != nil {
			return page, fmt.Errorf("decode context for transaction %s: %w", txn.ID, err)
		}
		page.Transactions = append(page.Transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("list transactions for user %s: %w", userID, err)
	}

	if len(page.Transactions) > limit {
		page.Transactions = page.Transactions[:limit]
		page.HasMore = true
		last := page.Transactions[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return page, nil
}

// FindReversalOf returns the id of the reversal referencing txID, if any.
func (j *Journal) FindReversalOf(ctx context.Context, txID string) (string, error) {
	var reversalID string
	err := j.db.QueryRowContext(ctx, `
		SELECT id FROM ledger_transactions WHERE reversal_of = $1`,
		txID,
	).Scan(&reversalID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find reversal of %s: %w", txID, err)
	}
	return reversalID, nil
}

// Cursors are an opaque composite of creation timestamp and transaction id.

func encodeCursor(createdAt time.Time, txID string) string {
	raw := strconv.FormatInt(createdAt.UnixMicro(), 10) + ":" + txID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.UnixMicro(micros), parts[1], nil
}
