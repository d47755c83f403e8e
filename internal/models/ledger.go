package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Chart of accounts. These are logical codes, not stored rows; 2000 is the
// only account scoped to an owning user.
const (
	AccountCashClearing     = 1000 // asset, global
	AccountCustomerCredits  = 2000 // liability, per user
	AccountSalesRevenue     = 4000 // revenue, global
	AccountMarketingExpense = 5000 // expense, global
)

// ValidAccountCode reports whether code is one of the four supported accounts.
func ValidAccountCode(code int) bool {
	switch code {
	case AccountCashClearing, AccountCustomerCredits, AccountSalesRevenue, AccountMarketingExpense:
		return true
	}
	return false
}

type TransactionType string

const (
	TransactionTopup    TransactionType = "topup"
	TransactionCharge   TransactionType = "charge"
	TransactionBonus    TransactionType = "bonus"
	TransactionReversal TransactionType = "reversal"
)

type EntrySide string

const (
	SideDebit  EntrySide = "debit"
	SideCredit EntrySide = "credit"
)

// Opposite returns the mirrored side, used when constructing reversal entries.
func (s EntrySide) Opposite() EntrySide {
	if s == SideDebit {
		return SideCredit
	}
	return SideDebit
}

// LedgerTransaction is the immutable header of one financial event. It is
// created once and never mutated or deleted; history is only ever extended
// by new transactions (reversals included).
type LedgerTransaction struct {
	ID         string             `json:"id" db:"id"`
	Type       TransactionType    `json:"type" db:"type"`
	Context    TransactionContext `json:"context" db:"context"`
	ReversalOf *string            `json:"reversalOf,omitempty" db:"reversal_of"`
	CreatedAt  time.Time          `json:"createdAt" db:"created_at"`
}

// LedgerEntry is one immutable posting. Every transaction owns exactly two:
// one debit and one credit with equal AmountMinor. UserID is nil for the
// global accounts and set for account 2000.
type LedgerEntry struct {
	ID            int64     `json:"id" db:"id"`
	TransactionID string    `json:"transactionId" db:"transaction_id"`
	AccountCode   int       `json:"accountCode" db:"account_code"`
	UserID        *string   `json:"userId,omitempty" db:"user_id"`
	Side          EntrySide `json:"side" db:"side"`
	AmountMinor   int64     `json:"amountMinor" db:"amount_minor"` // smallest currency unit
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// AccountBalance is the running total for one (account, owner) pair. It is a
// denormalized cache over the entries and must always be reproducible by
// replaying them.
type AccountBalance struct {
	AccountCode  int       `json:"accountCode" db:"account_code"`
	UserID       *string   `json:"userId,omitempty" db:"user_id"`
	BalanceMinor int64     `json:"balanceMinor" db:"balance_minor"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

type TrialBalanceStatus string

const (
	TrialBalanceOK       TrialBalanceStatus = "ok"
	TrialBalanceMismatch TrialBalanceStatus = "mismatch"
)

// TrialBalanceSnapshot records one audit run. There is a single row per
// calendar day; re-running the audit overwrites it.
type TrialBalanceSnapshot struct {
	SnapshotDate time.Time          `json:"snapshotDate" db:"snapshot_date"`
	SumDebit     int64              `json:"sumDebit" db:"sum_debit"`
	SumCredit    int64              `json:"sumCredit" db:"sum_credit"`
	Delta        int64              `json:"delta" db:"delta"`
	Status       TrialBalanceStatus `json:"status" db:"status"`
	Details      string             `json:"details,omitempty" db:"details"`
	UpdatedAt    time.Time          `json:"updatedAt" db:"updated_at"`
}

// TransactionContext is the per-type metadata attached to a transaction
// header. It is a closed set: one variant per TransactionType, persisted as
// JSON and decoded back by the header's type.
type TransactionContext interface {
	TransactionType() TransactionType
}

type TopupContext struct {
	Note string `json:"note,omitempty"`
}

func (TopupContext) TransactionType() TransactionType { return TransactionTopup }

type ChargeContext struct {
	Note string `json:"note,omitempty"`
}

func (ChargeContext) TransactionType() TransactionType { return TransactionCharge }

type BonusContext struct {
	Reason string `json:"reason,omitempty"`
}

func (BonusContext) TransactionType() TransactionType { return TransactionBonus }

type ReversalContext struct {
	OriginalTxID string `json:"originalTxId"`
}

func (ReversalContext) TransactionType() TransactionType { return TransactionReversal }

// EncodeContext serializes a context variant for storage.
func EncodeContext(ctx TransactionContext) ([]byte, error) {
	if ctx == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(ctx)
}

// DecodeContext rebuilds the context variant for a stored transaction. A
// transaction type without a variant here is a defect, never a fallback.
func DecodeContext(txType TransactionType, raw []byte) (TransactionContext, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch txType {
	case TransactionTopup:
		var c TopupContext
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TransactionCharge:
		var c ChargeContext
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TransactionBonus:
		var c BonusContext
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TransactionReversal:
		var c ReversalContext
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}
}
