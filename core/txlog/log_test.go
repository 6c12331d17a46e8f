package txlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dualq/dualq/core/transaction"
)

const (
	partA = transaction.ParticipantID("msgQueue")
	partB = transaction.ParticipantID("idQueue")
)

// setupLog creates a Log in a temporary directory for isolated testing.
func setupLog(t *testing.T, cfg Config) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	l, err := Open(dir, logger, cfg)
	require.NoError(t, err)
	return l, dir
}

func pendingVotes() map[transaction.ParticipantID]transaction.Vote {
	return map[transaction.ParticipantID]transaction.Vote{
		partA: transaction.VotePending,
		partB: transaction.VotePending,
	}
}

// appendTo drives a transaction through the given states, requiring each
// append to succeed.
func appendTo(t *testing.T, l *Log, txnID uuid.UUID, states ...transaction.State) {
	t.Helper()
	for _, s := range states {
		_, err := l.Append(txnID, s, pendingVotes())
		require.NoError(t, err)
	}
}

func TestLog_AppendAssignsMonotonicSequence(t *testing.T) {
	l, _ := setupLog(t, Config{})
	defer l.Close()

	txnID := uuid.New()
	seq1, err := l.Append(txnID, transaction.StateInitiated, pendingVotes())
	require.NoError(t, err)
	seq2, err := l.Append(txnID, transaction.StatePreparing, pendingVotes())
	require.NoError(t, err)

	require.Equal(t, uint64(1), seq1)
	require.Equal(t, uint64(2), seq2)

	// A second transaction gets its own sequence, starting at 1.
	other := uuid.New()
	seq, err := l.Append(other, transaction.StateInitiated, pendingVotes())
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestLog_ScanIncompleteSkipsTerminalTransactions(t *testing.T) {
	l, _ := setupLog(t, Config{})
	defer l.Close()

	done := uuid.New()
	appendTo(t, l, done,
		transaction.StateInitiated,
		transaction.StatePreparing,
		transaction.StateAborting,
		transaction.StateAborted)

	hanging := uuid.New()
	appendTo(t, l, hanging, transaction.StateInitiated, transaction.StatePreparing)

	incomplete, quarantined, err := l.ScanIncomplete()
	require.NoError(t, err)
	require.Empty(t, quarantined)
	require.Len(t, incomplete, 1)
	require.Equal(t, hanging, incomplete[0].TxnID)
	require.Equal(t, transaction.StatePreparing, incomplete[0].State)
}

func TestLog_RestartRecoversStateAndSequence(t *testing.T) {
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	l1, err := Open(dir, logger, Config{})
	require.NoError(t, err)

	txnID := uuid.New()
	appendTo(t, l1, txnID,
		transaction.StateInitiated,
		transaction.StatePreparing,
		transaction.StatePrepared,
		transaction.StateCommitting)
	require.NoError(t, l1.Close())

	// A new instance over the same directory must see the transaction and
	// continue its sequence numbers.
	l2, err := Open(dir, logger, Config{})
	require.NoError(t, err)
	defer l2.Close()

	incomplete, quarantined, err := l2.ScanIncomplete()
	require.NoError(t, err)
	require.Empty(t, quarantined)
	require.Len(t, incomplete, 1)
	require.Equal(t, transaction.StateCommitting, incomplete[0].State)
	require.Equal(t, uint64(4), incomplete[0].Seq)

	seq, err := l2.Append(txnID, transaction.StateCommitted, pendingVotes())
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)
}

func TestLog_RejectsIllegalTransitions(t *testing.T) {
	l, _ := setupLog(t, Config{})
	defer l.Close()

	txnID := uuid.New()

	// First entry must be INITIATED.
	_, err := l.Append(txnID, transaction.StateCommitting, pendingVotes())
	require.Error(t, err)

	appendTo(t, l, txnID,
		transaction.StateInitiated,
		transaction.StatePreparing,
		transaction.StatePrepared,
		transaction.StateCommitting)

	// Once COMMITTING is logged the outcome is fixed: no abort.
	_, err = l.Append(txnID, transaction.StateAborting, pendingVotes())
	require.Error(t, err)

	_, err = l.Append(txnID, transaction.StateCommitted, pendingVotes())
	require.NoError(t, err)
}

func TestLog_CorruptEntryIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	l1, err := Open(dir, logger, Config{})
	require.NoError(t, err)
	txnID := uuid.New()
	appendTo(t, l1, txnID, transaction.StateInitiated, transaction.StatePreparing)
	require.NoError(t, l1.Close())

	// Flip the last byte of the segment, corrupting the final entry's CRC.
	segPath := filepath.Join(dir, "txlog_00001.log")
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(segPath, data, 0644))

	l2, err := Open(dir, logger, Config{})
	require.NoError(t, err)
	defer l2.Close()

	_, quarantined, err := l2.ScanIncomplete()
	require.NoError(t, err)
	require.NotEmpty(t, quarantined)
	require.ErrorIs(t, quarantined[0].Err, transaction.ErrCorruptLogEntry)
}

func TestLog_SequenceGapQuarantinesTransaction(t *testing.T) {
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	// Handcraft a segment whose transaction skips a sequence number.
	txnID := uuid.New()
	var raw []byte
	for _, e := range []Entry{
		{Kind: KindState, TxnID: txnID, Seq: 1, State: transaction.StateInitiated},
		{Kind: KindState, TxnID: txnID, Seq: 3, State: transaction.StatePreparing},
	} {
		frame, err := e.encode()
		require.NoError(t, err)
		raw = append(raw, frame...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "txlog_00001.log"), raw, 0644))

	l, err := Open(dir, logger, Config{})
	require.NoError(t, err)
	defer l.Close()

	incomplete, quarantined, err := l.ScanIncomplete()
	require.NoError(t, err)
	require.Empty(t, incomplete, "a gapped transaction must not be auto-resolved")
	require.Len(t, quarantined, 1)
	require.Equal(t, txnID, quarantined[0].TxnID)
}

func TestLog_CompactionPrunesArchivedSegments(t *testing.T) {
	// A tiny segment limit forces a roll on nearly every append.
	l, dir := setupLog(t, Config{SegmentSizeLimit: 64})
	defer l.Close()

	txnID := uuid.New()
	appendTo(t, l, txnID,
		transaction.StateInitiated,
		transaction.StatePreparing,
		transaction.StateAborting,
		transaction.StateAborted)

	archive := filepath.Join(dir, archiveSubdir)
	files, err := os.ReadDir(archive)
	require.NoError(t, err)
	require.NotEmpty(t, files, "small segments should have been archived")

	require.NoError(t, l.Compact(txnID))

	files, err = os.ReadDir(archive)
	require.NoError(t, err)
	require.Empty(t, files, "all archived segments held only the compacted transaction")
}

func TestLog_RestartAfterPruneKeepsCompactedTransactionHealthy(t *testing.T) {
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	// A small segment limit splits the transaction across segments, so
	// compaction prunes its early entries while the terminal and tombstone
	// records stay in the active segment.
	l1, err := Open(dir, logger, Config{SegmentSizeLimit: 180})
	require.NoError(t, err)

	txnID := uuid.New()
	appendTo(t, l1, txnID,
		transaction.StateInitiated,
		transaction.StatePreparing,
		transaction.StatePrepared,
		transaction.StateCommitting,
		transaction.StateCommitted)
	require.NoError(t, l1.Compact(txnID))
	require.NoError(t, l1.Close())

	// Replay now sees only the surviving entries; the missing pruned ones
	// must not read as a sequence gap.
	l2, err := Open(dir, logger, Config{SegmentSizeLimit: 180})
	require.NoError(t, err)
	defer l2.Close()

	incomplete, quarantined, err := l2.ScanIncomplete()
	require.NoError(t, err)
	require.Empty(t, quarantined, "a pruned compacted transaction is not corrupt")
	require.Empty(t, incomplete)
}

func TestLog_CompactRejectsNonTerminal(t *testing.T) {
	l, _ := setupLog(t, Config{})
	defer l.Close()

	txnID := uuid.New()
	appendTo(t, l, txnID, transaction.StateInitiated, transaction.StatePreparing)
	require.Error(t, l.Compact(txnID))
}
