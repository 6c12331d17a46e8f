package participant

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dualq/dualq/core/transaction"
)

// MemoryAdapter is an in-memory participant with controllable fault
// injection, used to exercise the coordinator's failure paths: prepare
// rejection, prepare hangs (timeouts), transient commit/abort failures, and
// crashes between staging and acknowledgment.
type MemoryAdapter struct {
	id transaction.ParticipantID

	mu        sync.Mutex
	staged    map[uuid.UUID][]byte
	committed map[uuid.UUID][]byte
	order     []uuid.UUID // commit order, for inspection

	// Fault injection knobs. Zero values mean healthy behavior.
	RejectPrepare bool          // vote NO on every prepare
	PrepareDelay  time.Duration // hang each prepare; the ctx deadline decides
	FailCommits   int           // fail this many commit calls before succeeding
	FailAborts    int           // fail this many abort calls before succeeding
}

// NewMemoryAdapter creates a healthy in-memory participant.
func NewMemoryAdapter(id transaction.ParticipantID) *MemoryAdapter {
	return &MemoryAdapter{
		id:        id,
		staged:    make(map[uuid.UUID][]byte),
		committed: make(map[uuid.UUID][]byte),
	}
}

func (a *MemoryAdapter) ID() transaction.ParticipantID { return a.id }

func (a *MemoryAdapter) Prepare(ctx context.Context, txnID uuid.UUID, data []byte) (transaction.Vote, error) {
	if a.PrepareDelay > 0 {
		select {
		case <-time.After(a.PrepareDelay):
		case <-ctx.Done():
			return transaction.VoteNo, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return transaction.VoteNo, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RejectPrepare {
		return transaction.VoteNo, nil
	}
	a.staged[txnID] = data
	return transaction.VoteYes, nil
}

func (a *MemoryAdapter) Commit(ctx context.Context, txnID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailCommits > 0 {
		a.FailCommits--
		return transaction.ErrParticipantUnavailable
	}
	data, ok := a.staged[txnID]
	if !ok {
		// Already committed or nothing staged; either way a repeat is a no-op.
		return nil
	}
	delete(a.staged, txnID)
	a.committed[txnID] = data
	a.order = append(a.order, txnID)
	return nil
}

func (a *MemoryAdapter) Abort(ctx context.Context, txnID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailAborts > 0 {
		a.FailAborts--
		return transaction.ErrParticipantUnavailable
	}
	delete(a.staged, txnID)
	return nil
}

// Committed returns the committed message for txnID, if any.
func (a *MemoryAdapter) Committed(txnID uuid.UUID) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.committed[txnID]
	return data, ok
}

// Staged returns the staged (uncommitted) message for txnID, if any.
func (a *MemoryAdapter) Staged(txnID uuid.UUID) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.staged[txnID]
	return data, ok
}

// CommittedCount returns how many transactions have committed on this
// participant.
func (a *MemoryAdapter) CommittedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.committed)
}
