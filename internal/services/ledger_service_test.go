package services

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beanwallet/backend/internal/audit"
	"github.com/beanwallet/backend/internal/models"
)

func newTestLedger(t *testing.T) (*LedgerService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	return NewLedgerService(db, audit.NewLoggerWith(quiet)), mock, func() { db.Close() }
}

func expectBalancedPosting(mock sqlmock.Sqlmock, txType string) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WithArgs(sqlmock.AnyArg(), txType, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectQuery("INSERT INTO account_balances").
		WillReturnRows(sqlmock.NewRows([]string{"balance_minor"}).AddRow(10000))
	mock.ExpectQuery("INSERT INTO account_balances").
		WillReturnRows(sqlmock.NewRows([]string{"balance_minor"}).AddRow(10000))
	mock.ExpectCommit()
}

func TestLedgerService_Topup(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()

	t.Run("successful topup", func(t *testing.T) {
		expectBalancedPosting(mock, "topup")

		txID, err := ledger.Topup(context.Background(), TopupRequest{
			UserID:      "u1",
			AmountMinor: 10000,
			Note:        "init",
		})
		assert.NoError(t, err)
		assert.NotEmpty(t, txID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		_, err := ledger.Topup(context.Background(), TopupRequest{UserID: "u1", AmountMinor: 0})
		assert.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("missing user rejected", func(t *testing.T) {
		_, err := ledger.Topup(context.Background(), TopupRequest{AmountMinor: 500})
		assert.ErrorIs(t, err, ErrValidationFailed)
	})
}

func TestLedgerService_Charge(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()

	t.Run("successful charge", func(t *testing.T) {
		expectBalancedPosting(mock, "charge")

		txID, err := ledger.Charge(context.Background(), ChargeRequest{
			UserID:      "u1",
			AmountMinor: 3000,
			Note:        "coffee",
		})
		assert.NoError(t, err)
		assert.NotEmpty(t, txID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds rolls everything back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO ledger_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(2, 1))
		// The conditional upsert on account 2000 refuses the update.
		mock.ExpectQuery("INSERT INTO account_balances").
			WillReturnRows(sqlmock.NewRows([]string{"balance_minor"}))
		mock.ExpectRollback()

		_, err := ledger.Charge(context.Background(), ChargeRequest{
			UserID:      "u2",
			AmountMinor: 100,
			Note:        "x",
		})
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Bonus(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()

	expectBalancedPosting(mock, "bonus")

	txID, err := ledger.Bonus(context.Background(), BonusRequest{
		UserID:      "u1",
		AmountMinor: 500,
		Reason:      "loyalty",
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, txID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectGetTransaction(mock sqlmock.Sqlmock, txID, txType, rawCtx string, entries []models.LedgerEntry) {
	now := time.Now()
	mock.ExpectQuery("SELECT id, type, context, reversal_of, created_at FROM ledger_transactions").
		WithArgs(txID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "context", "reversal_of", "created_at"}).
			AddRow(txID, txType, []byte(rawCtx), nil, now))

	entryRows := sqlmock.NewRows([]string{"id", "transaction_id", "account_code", "user_id", "side", "amount_minor", "created_at"})
	for i, e := range entries {
		var userID any
		if e.UserID != nil {
			userID = *e.UserID
		}
		entryRows.AddRow(int64(i+1), txID, e.AccountCode, userID, string(e.Side), e.AmountMinor, now)
	}
	mock.ExpectQuery("SELECT id, transaction_id, account_code, user_id, side, amount_minor, created_at FROM ledger_entries").
		WithArgs(txID).
		WillReturnRows(entryRows)
}

func TestLedgerService_Reverse(t *testing.T) {
	userID := "u1"
	chargeEntries := []models.LedgerEntry{
		{AccountCode: models.AccountCustomerCredits, UserID: &userID, Side: models.SideDebit, AmountMinor: 3000},
		{AccountCode: models.AccountSalesRevenue, Side: models.SideCredit, AmountMinor: 3000},
	}

	t.Run("reversing a charge restores the customer balance", func(t *testing.T) {
		ledger, mock, closeDB := newTestLedger(t)
		defer closeDB()

		expectGetTransaction(mock, "tx-charge", "charge", `{"note":"coffee"}`, chargeEntries)
		mock.ExpectQuery("SELECT id FROM ledger_transactions WHERE reversal_of").
			WithArgs("tx-charge").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO ledger_transactions").
			WithArgs(sqlmock.AnyArg(), "reversal", sqlmock.AnyArg(), "tx-charge", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		// Mirrored entries: same accounts, sides swapped.
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), models.AccountCustomerCredits, userID, "credit", int64(3000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), models.AccountSalesRevenue, nil, "debit", int64(3000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		// Reconstructed inverse deltas: +3000 back to the customer, -3000 revenue.
		mock.ExpectQuery("INSERT INTO account_balances").
			WithArgs(models.AccountCustomerCredits, userID, int64(3000), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"balance_minor"}).AddRow(10500))
		mock.ExpectQuery("INSERT INTO account_balances").
			WithArgs(models.AccountSalesRevenue, nil, int64(-3000), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"balance_minor"}).AddRow(0))
		mock.ExpectCommit()

		reversalID, err := ledger.Reverse(context.Background(), "tx-charge")
		assert.NoError(t, err)
		assert.NotEmpty(t, reversalID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transaction", func(t *testing.T) {
		ledger, mock, closeDB := newTestLedger(t)
		defer closeDB()

		mock.ExpectQuery("SELECT id, type, context, reversal_of, created_at FROM ledger_transactions").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := ledger.Reverse(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrTxNotFound)
	})

	t.Run("reversal of a reversal is forbidden", func(t *testing.T) {
		ledger, mock, closeDB := newTestLedger(t)
		defer closeDB()

		reversalEntries := []models.LedgerEntry{
			{AccountCode: models.AccountCustomerCredits, UserID: &userID, Side: models.SideCredit, AmountMinor: 3000},
			{AccountCode: models.AccountSalesRevenue, Side: models.SideDebit, AmountMinor: 3000},
		}
		expectGetTransaction(mock, "tx-rev", "reversal", `{"originalTxId":"tx-charge"}`, reversalEntries)

		_, err := ledger.Reverse(context.Background(), "tx-rev")
		assert.ErrorIs(t, err, ErrReversalForbiddenType)
	})

	t.Run("double reversal is rejected", func(t *testing.T) {
		ledger, mock, closeDB := newTestLedger(t)
		defer closeDB()

		expectGetTransaction(mock, "tx-charge", "charge", `{"note":"coffee"}`, chargeEntries)
		mock.ExpectQuery("SELECT id FROM ledger_transactions WHERE reversal_of").
			WithArgs("tx-charge").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tx-rev"))

		_, err := ledger.Reverse(context.Background(), "tx-charge")
		assert.ErrorIs(t, err, ErrReversalAlreadyExists)
	})

	t.Run("empty id rejected", func(t *testing.T) {
		ledger, _, closeDB := newTestLedger(t)
		defer closeDB()

		_, err := ledger.Reverse(context.Background(), "")
		assert.ErrorIs(t, err, ErrValidationFailed)
	})
}

func TestLedgerService_GetBalance(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()

	t.Run("unknown user reads as zero", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance_minor, updated_at FROM account_balances").
			WithArgs(models.AccountCustomerCredits, "nobody").
			WillReturnError(sql.ErrNoRows)

		bal, err := ledger.GetBalance(context.Background(), "nobody")
		assert.NoError(t, err)
		assert.Equal(t, int64(0), bal.BalanceMinor)
	})

	t.Run("known user", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance_minor, updated_at FROM account_balances").
			WithArgs(models.AccountCustomerCredits, "u1").
			WillReturnRows(sqlmock.NewRows([]string{"balance_minor", "updated_at"}).AddRow(7500, time.Now()))

		bal, err := ledger.GetBalance(context.Background(), "u1")
		assert.NoError(t, err)
		assert.Equal(t, int64(7500), bal.BalanceMinor)
	})

	t.Run("empty user rejected", func(t *testing.T) {
		_, err := ledger.GetBalance(context.Background(), "")
		assert.ErrorIs(t, err, ErrValidationFailed)
	})
}

func TestValidateEntries(t *testing.T) {
	userID := "u1"
	txn := newTransaction(models.TransactionTopup, models.TopupContext{}, nil)

	balanced := buildEntries(txn,
		posting{account: models.AccountCashClearing, side: models.SideDebit},
		posting{account: models.AccountCustomerCredits, userID: &userID, side: models.SideCredit},
		500)

	t.Run("balanced posting accepted", func(t *testing.T) {
		assert.NoError(t, validateEntries(txn, balanced))
	})

	t.Run("wrong entry count", func(t *testing.T) {
		err := validateEntries(txn, balanced[:1])
		assert.ErrorIs(t, err, ErrLedgerInvariantBroken)
	})

	t.Run("two debits", func(t *testing.T) {
		twoDebits := []models.LedgerEntry{balanced[0], balanced[1]}
		twoDebits[1].Side = models.SideDebit
		err := validateEntries(txn, twoDebits)
		assert.ErrorIs(t, err, ErrLedgerInvariantBroken)
	})

	t.Run("unequal amounts", func(t *testing.T) {
		unequal := []models.LedgerEntry{balanced[0], balanced[1]}
		unequal[1].AmountMinor = 600
		err := validateEntries(txn, unequal)
		assert.ErrorIs(t, err, ErrLedgerInvariantBroken)
	})

	t.Run("invalid account code", func(t *testing.T) {
		bad := []models.LedgerEntry{balanced[0], balanced[1]}
		bad[0].AccountCode = 3000
		err := validateEntries(txn, bad)
		assert.ErrorIs(t, err, ErrLedgerInvariantBroken)
	})

	t.Run("customer entry without owner", func(t *testing.T) {
		orphan := []models.LedgerEntry{balanced[0], balanced[1]}
		orphan[1].UserID = nil
		err := validateEntries(txn, orphan)
		assert.ErrorIs(t, err, ErrLedgerInvariantBroken)
	})

	t.Run("global entry with owner", func(t *testing.T) {
		owned := []models.LedgerEntry{balanced[0], balanced[1]}
		owned[0].UserID = &userID
		err := validateEntries(txn, owned)
		assert.ErrorIs(t, err, ErrLedgerInvariantBroken)
	})
}

func TestEntryDelta(t *testing.T) {
	userID := "u1"
	cases := []struct {
		name  string
		entry models.LedgerEntry
		want  int64
	}{
		{"debit grows cash", models.LedgerEntry{AccountCode: models.AccountCashClearing, Side: models.SideDebit, AmountMinor: 100}, 100},
		{"credit shrinks cash", models.LedgerEntry{AccountCode: models.AccountCashClearing, Side: models.SideCredit, AmountMinor: 100}, -100},
		{"credit grows customer credits", models.LedgerEntry{AccountCode: models.AccountCustomerCredits, UserID: &userID, Side: models.SideCredit, AmountMinor: 100}, 100},
		{"debit shrinks customer credits", models.LedgerEntry{AccountCode: models.AccountCustomerCredits, UserID: &userID, Side: models.SideDebit, AmountMinor: 100}, -100},
		{"credit grows revenue", models.LedgerEntry{AccountCode: models.AccountSalesRevenue, Side: models.SideCredit, AmountMinor: 100}, 100},
		{"debit grows marketing expense", models.LedgerEntry{AccountCode: models.AccountMarketingExpense, Side: models.SideDebit, AmountMinor: 100}, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, entryDelta(tc.entry))
		})
	}
}

func TestReversalDeltas(t *testing.T) {
	userID := "u1"
	userEntry := models.LedgerEntry{AccountCode: models.AccountCustomerCredits, UserID: &userID, AmountMinor: 500}

	t.Run("topup", func(t *testing.T) {
		entries := []models.LedgerEntry{
			{AccountCode: models.AccountCashClearing, Side: models.SideDebit, AmountMinor: 500},
			userEntry,
		}
		deltas, err := reversalDeltas(models.TransactionTopup, entries)
		assert.NoError(t, err)
		assert.Equal(t, []balanceDelta{
			{accountCode: models.AccountCashClearing, delta: -500},
			{accountCode: models.AccountCustomerCredits, userID: &userID, delta: -500},
		}, deltas)
	})

	t.Run("charge", func(t *testing.T) {
		entries := []models.LedgerEntry{
			userEntry,
			{AccountCode: models.AccountSalesRevenue, Side: models.SideCredit, AmountMinor: 500},
		}
		deltas, err := reversalDeltas(models.TransactionCharge, entries)
		assert.NoError(t, err)
		assert.Equal(t, []balanceDelta{
			{accountCode: models.AccountCustomerCredits, userID: &userID, delta: 500},
			{accountCode: models.AccountSalesRevenue, delta: -500},
		}, deltas)
	})

	t.Run("bonus", func(t *testing.T) {
		entries := []models.LedgerEntry{
			{AccountCode: models.AccountMarketingExpense, Side: models.SideDebit, AmountMinor: 500},
			userEntry,
		}
		deltas, err := reversalDeltas(models.TransactionBonus, entries)
		assert.NoError(t, err)
		assert.Equal(t, []balanceDelta{
			{accountCode: models.AccountMarketingExpense, delta: -500},
			{accountCode: models.AccountCustomerCredits, userID: &userID, delta: -500},
		}, deltas)
	})

	t.Run("reversal", func(t *testing.T) {
		_, err := reversalDeltas(models.TransactionReversal, []models.LedgerEntry{userEntry, userEntry})
		assert.ErrorIs(t, err, ErrReversalForbiddenType)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := reversalDeltas(models.TransactionType("refund"), []models.LedgerEntry{userEntry, userEntry})
		assert.ErrorIs(t, err, ErrLedgerInvariantBroken)
	})
}

// Every operation's deltas must sum to zero against the trial balance sign
// convention: whatever a posting adds on one side it removes on the other
// side's account class.
func TestOperationDeltasKeepTrialBalance(t *testing.T) {
	userID := "u1"
	ops := map[string][]models.LedgerEntry{
		"topup": {
			{AccountCode: models.AccountCashClearing, Side: models.SideDebit, AmountMinor: 700},
			{AccountCode: models.AccountCustomerCredits, UserID: &userID, Side: models.SideCredit, AmountMinor: 700},
		},
		"charge": {
			{AccountCode: models.AccountCustomerCredits, UserID: &userID, Side: models.SideDebit, AmountMinor: 700},
			{AccountCode: models.AccountSalesRevenue, Side: models.SideCredit, AmountMinor: 700},
		},
		"bonus": {
			{AccountCode: models.AccountMarketingExpense, Side: models.SideDebit, AmountMinor: 700},
			{AccountCode: models.AccountCustomerCredits, UserID: &userID, Side: models.SideCredit, AmountMinor: 700},
		},
	}

	for name, entries := range ops {
		t.Run(name, func(t *testing.T) {
			var debit, credit int64
			for _, e := range entries {
				if e.Side == models.SideDebit {
					debit += e.AmountMinor
				} else {
					credit += e.AmountMinor
				}
			}
			assert.Equal(t, debit, credit)
		})
	}
}
