package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dualq/dualq/core/participant"
	"github.com/dualq/dualq/core/transaction"
	"github.com/dualq/dualq/core/txlog"
)

// crashScenario builds a log and two participants that look exactly like a
// coordinator that died after durably logging lastState for one transaction.
func crashScenario(t *testing.T, lastState transaction.State) (*txlog.Log, *participant.MemoryAdapter, *participant.MemoryAdapter, uuid.UUID) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	txnLog, err := txlog.Open(t.TempDir(), logger, txlog.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { txnLog.Close() })

	a := participant.NewMemoryAdapter("first")
	b := participant.NewMemoryAdapter("second")

	txnID := uuid.New()
	votes := map[transaction.ParticipantID]transaction.Vote{
		a.ID(): transaction.VoteYes,
		b.ID(): transaction.VoteYes,
	}

	states := []transaction.State{transaction.StateInitiated, transaction.StatePreparing}
	switch lastState {
	case transaction.StatePreparing:
	case transaction.StateAborting:
		states = append(states, transaction.StateAborting)
	case transaction.StateCommitting:
		states = append(states, transaction.StatePrepared, transaction.StateCommitting)
	default:
		t.Fatalf("unsupported crash state %s", lastState)
	}
	for _, s := range states {
		_, err := txnLog.Append(txnID, s, votes)
		require.NoError(t, err)
	}

	// Both participants staged before the crash.
	ctx := context.Background()
	_, err = a.Prepare(ctx, txnID, []byte("Hello, Camel!"))
	require.NoError(t, err)
	_, err = b.Prepare(ctx, txnID, []byte("42"))
	require.NoError(t, err)

	return txnLog, a, b, txnID
}

func runRecovery(t *testing.T, txnLog *txlog.Log, a, b *participant.MemoryAdapter) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	rm := &RecoveryManager{
		Log:          txnLog,
		Participants: []participant.Adapter{a, b},
		Logger:       logger,
		Config:       fastRetries(Config{}),
	}
	require.NoError(t, rm.Run(context.Background()))
}

func TestRecovery_RedrivesCommitAfterCrash(t *testing.T) {
	txnLog, a, b, txnID := crashScenario(t, transaction.StateCommitting)

	runRecovery(t, txnLog, a, b)

	// The logged decision was commit; recovery must finish it, never flip it.
	dataA, ok := a.Committed(txnID)
	require.True(t, ok)
	require.Equal(t, []byte("Hello, Camel!"), dataA)
	dataB, ok := b.Committed(txnID)
	require.True(t, ok)
	require.Equal(t, []byte("42"), dataB)

	incomplete, _, err := txnLog.ScanIncomplete()
	require.NoError(t, err)
	require.Empty(t, incomplete)
}

func TestRecovery_AbortsTransactionsWithoutDecision(t *testing.T) {
	txnLog, a, b, txnID := crashScenario(t, transaction.StatePreparing)

	runRecovery(t, txnLog, a, b)

	// Nothing was consumer-visible, so abort is the safe resolution.
	_, stagedA := a.Staged(txnID)
	_, stagedB := b.Staged(txnID)
	require.False(t, stagedA)
	require.False(t, stagedB)
	require.Equal(t, 0, a.CommittedCount())
	require.Equal(t, 0, b.CommittedCount())

	incomplete, _, err := txnLog.ScanIncomplete()
	require.NoError(t, err)
	require.Empty(t, incomplete)
}

func TestRecovery_RedrivesAbortDecision(t *testing.T) {
	txnLog, a, b, txnID := crashScenario(t, transaction.StateAborting)

	runRecovery(t, txnLog, a, b)

	_, stagedA := a.Staged(txnID)
	require.False(t, stagedA)
	require.Equal(t, 0, a.CommittedCount())
	require.Equal(t, 0, b.CommittedCount())
}

func TestRecovery_ConvergesAcrossRepeatedRestarts(t *testing.T) {
	txnLog, a, b, txnID := crashScenario(t, transaction.StateCommitting)

	// Two recovery passes model a crash during recovery itself. Commit is
	// idempotent, so the second pass must not publish a duplicate.
	runRecovery(t, txnLog, a, b)
	runRecovery(t, txnLog, a, b)

	require.Equal(t, 1, a.CommittedCount())
	require.Equal(t, 1, b.CommittedCount())
	_, ok := a.Committed(txnID)
	require.True(t, ok)
}

func TestRecovery_RetriesUnavailableParticipant(t *testing.T) {
	txnLog, a, b, txnID := crashScenario(t, transaction.StateCommitting)
	b.FailCommits = 3

	runRecovery(t, txnLog, a, b)

	// The transient failures never escalated to a different outcome.
	_, ok := b.Committed(txnID)
	require.True(t, ok)
	require.Equal(t, 1, b.CommittedCount())
}

func TestRecovery_LeavesQuarantinedTransactionsAlone(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	dir := t.TempDir()

	// Handcraft a gapped transaction the scan will quarantine.
	txnID := uuid.New()
	txnLog1, err := txlog.Open(dir, logger, txlog.Config{})
	require.NoError(t, err)
	_, err = txnLog1.Append(txnID, transaction.StateInitiated, nil)
	require.NoError(t, err)
	require.NoError(t, txnLog1.Close())

	// Corrupt the single entry so replay quarantines the segment.
	seg := filepath.Join(dir, "txlog_00001.log")
	data, err := os.ReadFile(seg)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(seg, data, 0o600))

	txnLog2, err := txlog.Open(dir, logger, txlog.Config{})
	require.NoError(t, err)
	defer txnLog2.Close()

	a := participant.NewMemoryAdapter("first")
	b := participant.NewMemoryAdapter("second")
	runRecovery(t, txnLog2, a, b)

	// The quarantined transaction must not have been driven anywhere.
	require.Equal(t, 0, a.CommittedCount())
	require.Equal(t, 0, b.CommittedCount())
}
