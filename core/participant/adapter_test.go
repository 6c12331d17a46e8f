package participant

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dualq/dualq/core/queue"
	"github.com/dualq/dualq/core/transaction"
)

func setupQueueAdapter(t *testing.T) (*QueueAdapter, *queue.Queue) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	q, err := queue.Open("msgQueue", logger, queue.Config{})
	require.NoError(t, err)
	return NewQueueAdapter(q, logger), q
}

func TestQueueAdapter_PrepareStagesWithoutPublishing(t *testing.T) {
	a, q := setupQueueAdapter(t)
	ctx := context.Background()
	txnID := uuid.New()

	vote, err := a.Prepare(ctx, txnID, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, transaction.VoteYes, vote)
	require.Equal(t, 0, q.Len())

	require.NoError(t, a.Commit(ctx, txnID))
	require.Equal(t, 1, q.Len())
}

func TestQueueAdapter_CommitIsIdempotent(t *testing.T) {
	a, q := setupQueueAdapter(t)
	ctx := context.Background()
	txnID := uuid.New()

	_, err := a.Prepare(ctx, txnID, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, a.Commit(ctx, txnID))
	require.NoError(t, a.Commit(ctx, txnID))
	require.Equal(t, 1, q.Len(), "double commit must publish exactly once")
}

func TestQueueAdapter_AbortIsIdempotentAndSafeWithoutStage(t *testing.T) {
	a, q := setupQueueAdapter(t)
	ctx := context.Background()
	txnID := uuid.New()

	// Abort with nothing staged is a no-op.
	require.NoError(t, a.Abort(ctx, txnID))

	_, err := a.Prepare(ctx, txnID, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, a.Abort(ctx, txnID))
	require.NoError(t, a.Abort(ctx, txnID))
	require.NoError(t, a.Commit(ctx, txnID))
	require.Equal(t, 0, q.Len(), "an aborted stage must never become visible")
}

func TestMemoryAdapter_FaultInjection(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("faulty")
	txnID := uuid.New()

	a.RejectPrepare = true
	vote, err := a.Prepare(ctx, txnID, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, transaction.VoteNo, vote)

	a.RejectPrepare = false
	vote, err = a.Prepare(ctx, txnID, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, transaction.VoteYes, vote)

	a.FailCommits = 2
	require.ErrorIs(t, a.Commit(ctx, txnID), transaction.ErrParticipantUnavailable)
	require.ErrorIs(t, a.Commit(ctx, txnID), transaction.ErrParticipantUnavailable)
	require.NoError(t, a.Commit(ctx, txnID))

	data, ok := a.Committed(txnID)
	require.True(t, ok)
	require.Equal(t, []byte("x"), data)
}
