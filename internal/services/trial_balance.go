package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/beanwallet/backend/internal/audit"
	"github.com/beanwallet/backend/internal/models"
)

// TrialBalanceService re-derives the global control totals from the entry
// log and persists the result as today's snapshot. It is a consistency
// detector: a mismatch is surfaced for human investigation, never corrected.
type TrialBalanceService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewTrialBalanceService(db *sql.DB, auditLogger *audit.Logger) *TrialBalanceService {
	return &TrialBalanceService{db: db, audit: auditLogger}
}

type TrialBalanceResult struct {
	Status    models.TrialBalanceStatus `json:"status"`
	SumDebit  int64                     `json:"sumDebit"`
	SumCredit int64                     `json:"sumCredit"`
	Delta     int64                     `json:"delta"`
}

// Run sums every posting by side across the whole entry store. The full scan
// is fine here: this is a scheduled administrative check, not a hot path.
// Today's snapshot row is overwritten on each run.
func (s *TrialBalanceService) Run(ctx context.Context) (TrialBalanceResult, error) {
	var result TrialBalanceResult

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN side = 'debit' THEN amount_minor ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'credit' THEN amount_minor ELSE 0 END), 0)
		FROM ledger_entries`,
	).Scan(&result.SumDebit, &result.SumCredit)
	if err != nil {
		return result, fmt.Errorf("sum ledger entries: %w", err)
	}

	result.Delta = result.SumDebit - result.SumCredit

	details := ""
	if result.Delta == 0 {
		result.Status = models.TrialBalanceOK
	} else {
		result.Status = models.TrialBalanceMismatch
		details = fmt.Sprintf("debits %d and credits %d differ by %d", result.SumDebit, result.SumCredit, result.Delta)
		s.audit.LogIntegrityIncident("trial balance mismatch", map[string]any{
			"sum_debit":  result.SumDebit,
			"sum_credit": result.SumCredit,
			"delta":      result.Delta,
		})
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trial_balance_snapshots (snapshot_date, sum_debit, sum_credit, delta, status, details, updated_at)
		VALUES (CURRENT_DATE, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (snapshot_date)
		DO UPDATE SET
			sum_debit = EXCLUDED.sum_debit,
			sum_credit = EXCLUDED.sum_credit,
			delta = EXCLUDED.delta,
			status = EXCLUDED.status,
			details = EXCLUDED.details,
			updated_at = EXCLUDED.updated_at`,
		result.SumDebit, result.SumCredit, result.Delta, result.Status, details, time.Now())
	if err != nil {
		return result, fmt.Errorf("persist trial balance snapshot: %w", err)
	}

	return result, nil
}
