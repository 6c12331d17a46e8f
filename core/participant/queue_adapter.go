package participant

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dualq/dualq/core/queue"
	"github.com/dualq/dualq/core/transaction"
)

// QueueAdapter drives an in-process queue.Queue as a 2PC participant:
// prepare stages, commit flushes, abort discards. Idempotence of Commit and
// Abort comes from the queue itself.
type QueueAdapter struct {
	id     transaction.ParticipantID
	q      *queue.Queue
	logger *zap.Logger
}

// NewQueueAdapter wraps q as a participant identified by the queue's name.
func NewQueueAdapter(q *queue.Queue, logger *zap.Logger) *QueueAdapter {
	id := transaction.ParticipantID(q.Name())
	return &QueueAdapter{
		id:     id,
		q:      q,
		logger: logger.Named("participant").With(zap.String("participant", string(id))),
	}
}

func (a *QueueAdapter) ID() transaction.ParticipantID { return a.id }

// Prepare stages data on the queue. A staging failure is a NO vote, not an
// error the coordinator has to interpret.
func (a *QueueAdapter) Prepare(ctx context.Context, txnID uuid.UUID, data []byte) (transaction.Vote, error) {
	if err := ctx.Err(); err != nil {
		return transaction.VoteNo, err
	}
	if err := a.q.Stage(txnID.String(), data); err != nil {
		a.logger.Warn("prepare failed to stage", zap.String("txn_id", txnID.String()), zap.Error(err))
		return transaction.VoteNo, err
	}
	return transaction.VoteYes, nil
}

func (a *QueueAdapter) Commit(ctx context.Context, txnID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.q.Flush(txnID.String())
}

func (a *QueueAdapter) Abort(ctx context.Context, txnID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.q.Discard(txnID.String())
}
