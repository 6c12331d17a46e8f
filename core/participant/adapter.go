// Package participant defines the capability a queue resource must expose to
// take part in a two-phase commit, and provides the two built-in
// implementations: a queue-backed adapter and a fault-injectable in-memory
// adapter for tests.
package participant

import (
	"context"

	"github.com/google/uuid"

	"github.com/dualq/dualq/core/transaction"
)

// Adapter wraps a single message-queue resource with the prepare/commit/abort
// capability set. Implementations must key all staged state by transaction id
// and make Commit and Abort idempotent: recovery may redrive either after a
// crash, and the second call must be a safe no-op.
//
// Adding a new queue technology means implementing this interface against it;
// the coordinator never changes.
type Adapter interface {
	// ID returns the stable participant identifier used in votes and logs.
	ID() transaction.ParticipantID
	// Prepare durably stages data for txnID without making it visible to
	// consumers, and votes on whether a later commit will succeed.
	Prepare(ctx context.Context, txnID uuid.UUID, data []byte) (transaction.Vote, error)
	// Commit makes the staged message for txnID visible to consumers.
	Commit(ctx context.Context, txnID uuid.UUID) error
	// Abort discards anything staged for txnID.
	Abort(ctx context.Context, txnID uuid.UUID) error
}
