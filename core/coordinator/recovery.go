package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dualq/dualq/core/participant"
	"github.com/dualq/dualq/core/transaction"
	"github.com/dualq/dualq/core/txlog"
)

// RecoveryManager resolves transactions a crash left incomplete in the log.
// It runs on startup, before the coordinator accepts new work, and drives
// every recovered transaction to the terminal state the log already implies:
//
//   - last state PREPARING or earlier: abort (nothing was made visible)
//   - last state COMMITTING: redrive commit until both participants ack
//   - last state ABORTING: redrive abort likewise
//
// A transaction whose log entries are corrupt or gapped is quarantined and
// surfaced for the operator instead of being guessed at.
type RecoveryManager struct {
	Log          TxnLog
	Participants []participant.Adapter
	Logger       *zap.Logger
	Config       Config
}

// Run scans the log and resolves every incomplete transaction. It returns an
// error if the scan fails or ctx expires before resolution completes; in
// that case the system must not accept new transactions.
func (r *RecoveryManager) Run(ctx context.Context) error {
	cfg := r.Config
	cfg.setDefaults()
	logger := r.Logger.Named("recovery")

	incomplete, quarantined, err := r.Log.ScanIncomplete()
	if err != nil {
		return fmt.Errorf("failed to scan transaction log: %w", err)
	}

	for _, q := range quarantined {
		// Operator-visible alarm. Quarantined transactions are deliberately
		// not auto-resolved.
		logger.Error("quarantined transaction log entry requires operator attention",
			zap.String("txn_id", q.TxnID.String()),
			zap.String("segment", q.Segment),
			zap.Int64("offset", q.Offset),
			zap.Error(q.Err))
	}

	if len(incomplete) == 0 {
		logger.Info("no incomplete transactions to recover")
		return nil
	}
	logger.Info("recovering incomplete transactions", zap.Int("count", len(incomplete)))

	randSrc := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, rec := range incomplete {
		txnLogger := logger.With(
			zap.String("txn_id", rec.TxnID.String()),
			zap.String("last_state", rec.State.String()))

		switch rec.State {
		case transaction.StateInitiated, transaction.StatePreparing, transaction.StatePrepared:
			// No commit decision was logged, so nothing is consumer-visible
			// yet and abort is always safe.
			txnLogger.Info("aborting transaction interrupted before decision")
			if _, err := r.Log.Append(rec.TxnID, transaction.StateAborting, rec.Votes); err != nil {
				return fmt.Errorf("failed to log recovery abort decision for %s: %w", rec.TxnID, err)
			}
			if err := r.finish(ctx, cfg, randSrc, txnLogger, rec, transaction.StateAborted); err != nil {
				return err
			}

		case transaction.StateCommitting:
			txnLogger.Info("redriving commit for decided transaction")
			if err := r.finish(ctx, cfg, randSrc, txnLogger, rec, transaction.StateCommitted); err != nil {
				return err
			}

		case transaction.StateAborting:
			txnLogger.Info("redriving abort for decided transaction")
			if err := r.finish(ctx, cfg, randSrc, txnLogger, rec, transaction.StateAborted); err != nil {
				return err
			}

		default:
			txnLogger.Warn("unexpected state in recovery scan, skipping")
		}
	}

	logger.Info("recovery complete")
	return nil
}

// finish drives the already-decided terminal outcome onto both participants
// (idempotently, with backoff) and logs the terminal state.
func (r *RecoveryManager) finish(ctx context.Context, cfg Config, randSrc *rand.Rand, logger *zap.Logger, rec txlog.Recovered, terminal transaction.State) error {
	op := func(ctx context.Context, p participant.Adapter, txnID uuid.UUID) error {
		if terminal == transaction.StateCommitted {
			return p.Commit(ctx, txnID)
		}
		return p.Abort(ctx, txnID)
	}

	for _, p := range r.Participants {
		backoff := cfg.InitialBackoff
		for attempt := 1; ; attempt++ {
			err := op(ctx, p, rec.TxnID)
			if err == nil {
				break
			}
			logger.Warn("recovery redrive failed, will retry",
				zap.String("participant", string(p.ID())),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("recovery interrupted redriving %s for %s: %w", terminal, rec.TxnID, ctx.Err())
			}
			backoff = nextBackoff(backoff, cfg.MaxBackoff, cfg.BackoffJitterFrac, randSrc)
		}
	}

	if _, err := r.Log.Append(rec.TxnID, terminal, rec.Votes); err != nil {
		return fmt.Errorf("failed to log terminal state %s for %s: %w", terminal, rec.TxnID, err)
	}
	if err := r.Log.Compact(rec.TxnID); err != nil {
		logger.Warn("failed to compact recovered transaction", zap.Error(err))
	}
	logger.Info("transaction resolved by recovery", zap.String("terminal_state", terminal.String()))
	return nil
}
