package audit

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger emits the append-only audit trail for money movement. Every ledger
// operation, failure, and integrity incident passes through here.
type Logger struct {
	log *logrus.Logger
}

func NewLogger() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{log: l}
}

// NewLoggerWith wraps an existing logrus instance, used by tests.
func NewLoggerWith(l *logrus.Logger) *Logger {
	return &Logger{log: l}
}

func (a *Logger) LogOperation(txID, txType, userID string, amountMinor int64) {
	a.log.WithFields(logrus.Fields{
		"event":        "LEDGER_OPERATION",
		"tx_id":        txID,
		"tx_type":      txType,
		"user_id":      userID,
		"amount_minor": amountMinor,
		"status":       "SUCCESS",
	}).Info("ledger operation committed")
}

func (a *Logger) LogReversal(reversalTxID, originalTxID string) {
	a.log.WithFields(logrus.Fields{
		"event":       "LEDGER_REVERSAL",
		"tx_id":       reversalTxID,
		"reversal_of": originalTxID,
		"status":      "SUCCESS",
	}).Info("reversal committed")
}

func (a *Logger) LogFailure(txID, operation string, err error) {
	a.log.WithFields(logrus.Fields{
		"event":     "LEDGER_FAILURE",
		"tx_id":     txID,
		"operation": operation,
		"status":    "FAILED",
		"error":     err.Error(),
	}).Warn("ledger operation failed")
}

// LogIntegrityIncident flags a data-integrity defect (unbalanced entries,
// trial-balance mismatch). These are alerts for humans, never auto-corrected.
func (a *Logger) LogIntegrityIncident(detail string, fields map[string]any) {
	entry := a.log.WithFields(logrus.Fields{
		"event":  "INTEGRITY_INCIDENT",
		"status": "ALERT",
	})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Error(detail)
}
