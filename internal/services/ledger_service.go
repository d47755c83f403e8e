package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beanwallet/backend/internal/audit"
	"github.com/beanwallet/backend/internal/models"
)

// LedgerService exposes the four wallet operations. Each one builds exactly
// two balanced postings, derives the balance deltas, and hands both to the
// atomic executor; a single database transaction covers the header, the
// entries, and the balance updates, so a failed operation leaves no partial
// state and is safe to retry.
type LedgerService struct {
	db        *sql.DB
	balances  *BalanceStore
	journal   *Journal
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewLedgerService(db *sql.DB, auditLogger *audit.Logger) *LedgerService {
	return &LedgerService{
		db:        db,
		balances:  NewBalanceStore(db),
		journal:   NewJournal(db),
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

type TopupRequest struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	AmountMinor int64  `json:"amountMinor" validate:"required,gt=0"`
	Note        string `json:"note" validate:"max=200"`
}

type ChargeRequest struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	AmountMinor int64  `json:"amountMinor" validate:"required,gt=0"`
	Note        string `json:"note" validate:"max=200"`
}

type BonusRequest struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	AmountMinor int64  `json:"amountMinor" validate:"required,gt=0"`
	Reason      string `json:"reason" validate:"max=200"`
}

// balanceDelta is one pending adjustment to an (account, owner) balance row.
type balanceDelta struct {
	accountCode int
	userID      *string
	delta       int64
}

// Topup moves money from the customer into their wallet: debit cash/clearing,
// credit the customer's credit account.
func (s *LedgerService) Topup(ctx context.Context, req TopupRequest) (string, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return "", err
	}

	txn := newTransaction(models.TransactionTopup, models.TopupContext{Note: req.Note}, nil)
	entries := buildEntries(txn,
		posting{account: models.AccountCashClearing, side: models.SideDebit},
		posting{account: models.AccountCustomerCredits, userID: &req.UserID, side: models.SideCredit},
		req.AmountMinor)

	return s.execute(ctx, txn, entries, entryDeltas(entries))
}

// Charge spends wallet credit at the point of sale: debit the customer's
// credit account, credit sales revenue. Whether the customer can afford it is
// decided inside the atomic balance update, not by a prior read.
func (s *LedgerService) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return "", err
	}

	txn := newTransaction(models.TransactionCharge, models.ChargeContext{Note: req.Note}, nil)
	entries := buildEntries(txn,
		posting{account: models.AccountCustomerCredits, userID: &req.UserID, side: models.SideDebit},
		posting{account: models.AccountSalesRevenue, side: models.SideCredit},
		req.AmountMinor)

	return s.execute(ctx, txn, entries, entryDeltas(entries))
}

// Bonus grants promotional credit: debit marketing expense, credit the
// customer's credit account.
func (s *LedgerService) Bonus(ctx context.Context, req BonusRequest) (string, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return "", err
	}

	txn := newTransaction(models.TransactionBonus, models.BonusContext{Reason: req.Reason}, nil)
	entries := buildEntries(txn,
		posting{account: models.AccountMarketingExpense, side: models.SideDebit},
		posting{account: models.AccountCustomerCredits, userID: &req.UserID, side: models.SideCredit},
		req.AmountMinor)

	return s.execute(ctx, txn, entries, entryDeltas(entries))
}

// Reverse undoes a committed transaction by posting its mirror: same
// accounts, same owner, same amount, debit and credit swapped. The inverse
// balance deltas are reconstructed from the original's type and entries
// alone. At most one reversal per original ever commits; the reversal_of
// unique constraint closes the race two concurrent calls would otherwise win
// together.
func (s *LedgerService) Reverse(ctx context.Context, txID string) (string, error) {
	if txID == "" {
		return "", fmt.Errorf("%w: transaction id is required", ErrValidationFailed)
	}

	original, originalEntries, err := s.journal.GetTransaction(ctx, txID)
	if err != nil {
		return "", err
	}

	if original.Type == models.TransactionReversal {
		return "", ErrReversalForbiddenType
	}

	existing, err := s.journal.FindReversalOf(ctx, txID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", ErrReversalAlreadyExists
	}

	deltas, err := reversalDeltas(original.Type, originalEntries)
	if err != nil {
		return "", err
	}

	txn := newTransaction(models.TransactionReversal, models.ReversalContext{OriginalTxID: txID}, &txID)

	entries := make([]models.LedgerEntry, 0, len(originalEntries))
	for _, e := range originalEntries {
		entries = append(entries, models.LedgerEntry{
			TransactionID: txn.ID,
			AccountCode:   e.AccountCode,
			UserID:        e.UserID,
			Side:          e.Side.Opposite(),
			AmountMinor:   e.AmountMinor,
			CreatedAt:     txn.CreatedAt,
		})
	}

	reversalID, err := s.execute(ctx, txn, entries, deltas)
	if err != nil {
		return "", err
	}

	s.audit.LogReversal(reversalID, txID)
	return reversalID, nil
}

// GetBalance reads the customer's wallet balance. Unknown users read as zero.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (models.AccountBalance, error) {
	if userID == "" {
		return models.AccountBalance{}, fmt.Errorf("%w: user id is required", ErrValidationFailed)
	}
	return s.balances.GetBalance(ctx, models.AccountCustomerCredits, &userID)
}

// GetTransaction returns a committed header and its two entries.
func (s *LedgerService) GetTransaction(ctx context.Context, txID string) (models.LedgerTransaction, []models.LedgerEntry, error) {
	return s.journal.GetTransaction(ctx, txID)
}

// ListUserTransactions pages a user's history, newest first.
func (s *LedgerService) ListUserTransactions(ctx context.Context, userID string, limit int, cursor string) (TransactionPage, error) {
	if userID == "" {
		return TransactionPage{}, fmt.Errorf("%w: user id is required", ErrValidationFailed)
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.journal.ListUserTransactions(ctx, userID, limit, cursor)
}

// execute is the generic atomic executor. It verifies the posting invariant,
// then commits header + entries + balance updates as one database
// transaction. Invariant violations are defects and abort without writing.
func (s *LedgerService) execute(ctx context.Context, txn models.LedgerTransaction, entries []models.LedgerEntry, deltas []balanceDelta) (string, error) {
	if err := validateEntries(txn, entries); err != nil {
		s.audit.LogIntegrityIncident("rejected unbalanced posting", map[string]any{
			"tx_id":   txn.ID,
			"tx_type": string(txn.Type),
			"error":   err.Error(),
		})
		return "", err
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer dbtx.Rollback()

	if err := s.journal.AppendTx(dbtx, txn, entries); err != nil {
		s.audit.LogFailure(txn.ID, string(txn.Type), err)
		return "", err
	}

	for _, d := range deltas {
		if _, err := s.balances.ApplyDeltaTx(dbtx, d.accountCode, d.userID, d.delta); err != nil {
			s.audit.LogFailure(txn.ID, string(txn.Type), err)
			return "", err
		}
	}

	if err := dbtx.Commit(); err != nil {
		s.audit.LogFailure(txn.ID, string(txn.Type), err)
		return "", fmt.Errorf("commit ledger transaction %s: %w", txn.ID, err)
	}

	s.audit.LogOperation(txn.ID, string(txn.Type), ownerOf(entries), entries[0].AmountMinor)
	return txn.ID, nil
}

type posting struct {
	account int
	userID  *string
	side    models.EntrySide
}

func newTransaction(txType models.TransactionType, txCtx models.TransactionContext, reversalOf *string) models.LedgerTransaction {
	return models.LedgerTransaction{
		ID:         uuid.NewString(),
		Type:       txType,
		Context:    txCtx,
		ReversalOf: reversalOf,
		CreatedAt:  time.Now(),
	}
}

func buildEntries(txn models.LedgerTransaction, first, second posting, amountMinor int64) []models.LedgerEntry {
	entries := make([]models.LedgerEntry, 0, 2)
	for _, p := range []posting{first, second} {
		entries = append(entries, models.LedgerEntry{
			TransactionID: txn.ID,
			AccountCode:   p.account,
			UserID:        p.userID,
			Side:          p.side,
			AmountMinor:   amountMinor,
			CreatedAt:     txn.CreatedAt,
		})
	}
	return entries
}

// validateEntries enforces the posting invariant: exactly two entries, one
// debit and one credit, equal positive amounts, valid account codes, correct
// owner scoping. A violation means a bug in entry construction and is never
// silently corrected.
func validateEntries(txn models.LedgerTransaction, entries []models.LedgerEntry) error {
	if len(entries) != 2 {
		return fmt.Errorf("%w: expected 2 entries, got %d", ErrLedgerInvariantBroken, len(entries))
	}

	var sumDebit, sumCredit int64
	var debits, credits int
	for _, e := range entries {
		if e.TransactionID != txn.ID {
			return fmt.Errorf("%w: entry belongs to transaction %s, not %s", ErrLedgerInvariantBroken, e.TransactionID, txn.ID)
		}
		if !models.ValidAccountCode(e.AccountCode) {
			return fmt.Errorf("%w: invalid account code %d", ErrLedgerInvariantBroken, e.AccountCode)
		}
		if e.AmountMinor <= 0 {
			return fmt.Errorf("%w: non-positive entry amount %d", ErrLedgerInvariantBroken, e.AmountMinor)
		}
		if e.AccountCode == models.AccountCustomerCredits && e.UserID == nil {
			return fmt.Errorf("%w: customer credit entry without owner", ErrLedgerInvariantBroken)
		}
		if e.AccountCode != models.AccountCustomerCredits && e.UserID != nil {
			return fmt.Errorf("%w: global account %d entry with owner", ErrLedgerInvariantBroken, e.AccountCode)
		}
		switch e.Side {
		case models.SideDebit:
			debits++
			sumDebit += e.AmountMinor
		case models.SideCredit:
			credits++
			sumCredit += e.AmountMinor
		default:
			return fmt.Errorf("%w: unknown entry side %q", ErrLedgerInvariantBroken, e.Side)
		}
	}

	if debits != 1 || credits != 1 {
		return fmt.Errorf("%w: expected 1 debit and 1 credit, got %d/%d", ErrLedgerInvariantBroken, debits, credits)
	}
	if sumDebit != sumCredit {
		return fmt.Errorf("%w: debit %d != credit %d", ErrLedgerInvariantBroken, sumDebit, sumCredit)
	}
	return nil
}

// entryDelta maps a posting to its balance adjustment under the usual sign
// convention: asset and expense accounts (1000, 5000) grow on debit,
// liability and revenue accounts (2000, 4000) grow on credit.
func entryDelta(e models.LedgerEntry) int64 {
	growsOnDebit := e.AccountCode == models.AccountCashClearing || e.AccountCode == models.AccountMarketingExpense
	if (e.Side == models.SideDebit) == growsOnDebit {
		return e.AmountMinor
	}
	return -e.AmountMinor
}

func entryDeltas(entries []models.LedgerEntry) []balanceDelta {
	deltas := make([]balanceDelta, 0, len(entries))
	for _, e := range entries {
		deltas = append(deltas, balanceDelta{
			accountCode: e.AccountCode,
			userID:      e.UserID,
			delta:       entryDelta(e),
		})
	}
	return deltas
}

// reversalDeltas reconstructs the balance adjustments that undo a committed
// transaction, given only its type and entries. No stored undo plan exists;
// the switch is exhaustive over the transaction types and a type without a
// case here is a defect.
func reversalDeltas(txType models.TransactionType, entries []models.LedgerEntry) ([]balanceDelta, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: transaction has no entries", ErrLedgerInvariantBroken)
	}
	amount := entries[0].AmountMinor
	owner := ownerPtr(entries)

	switch txType {
	case models.TransactionTopup:
		return []balanceDelta{
			{accountCode: models.AccountCashClearing, delta: -amount},
			{accountCode: models.AccountCustomerCredits, userID: owner, delta: -amount},
		}, nil
	case models.TransactionCharge:
		return []balanceDelta{
			{accountCode: models.AccountCustomerCredits, userID: owner, delta: amount},
			{accountCode: models.AccountSalesRevenue, delta: -amount},
		}, nil
	case models.TransactionBonus:
		return []balanceDelta{
			{accountCode: models.AccountMarketingExpense, delta: -amount},
			{accountCode: models.AccountCustomerCredits, userID: owner, delta: -amount},
		}, nil
	case models.TransactionReversal:
		return nil, ErrReversalForbiddenType
	default:
		return nil, fmt.Errorf("%w: no reversal rule for transaction type %q", ErrLedgerInvariantBroken, txType)
	}
}

func ownerPtr(entries []models.LedgerEntry) *string {
	for _, e := range entries {
		if e.UserID != nil {
			return e.UserID
		}
	}
	return nil
}

func ownerOf(entries []models.LedgerEntry) string {
	if p := ownerPtr(entries); p != nil {
		return *p
	}
	return ""
}
