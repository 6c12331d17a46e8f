// Package queue implements an in-process message queue with a transactional
// staging area. A staged message is durable but invisible to consumers until
// it is flushed; a discarded stage leaves no trace. This is the resource the
// queue-backed participant adapter drives.
package queue

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dualq/dualq/internal/clock"
)

// Message is a consumer-visible queue message.
type Message struct {
	ID         string
	TxnID      string
	Body       []byte
	EnqueuedAt time.Time
}

// Queue is a named queue with staged and visible message areas. All staged
// state is keyed by transaction id so concurrent transactions cannot
// interfere with each other. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	name    string
	logger  *zap.Logger
	clock   clock.Clock
	journal *journal

	staged  map[string]Message
	flushed map[string]struct{}
	visible []Message

	// appends counts journal writes since the last snapshot.
	appends      int
	compactAfter int
}

// Config controls queue construction.
type Config struct {
	// Dir is where the queue journal lives. Empty disables journaling
	// (volatile queue, test use only).
	Dir string
	// JournalCompactThreshold is how many journal writes accumulate before
	// the journal is rewritten as a snapshot of live state, dropping records
	// for messages already received.
	JournalCompactThreshold int
	// Clock supplies enqueue timestamps.
	Clock clock.Clock
}

func (c *Config) setDefaults() {
	if c.JournalCompactThreshold <= 0 {
		c.JournalCompactThreshold = 1024
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// Open creates or reopens the named queue, replaying its journal if one
// exists so staged and visible messages survive restarts.
func Open(name string, logger *zap.Logger, cfg Config) (*Queue, error) {
	cfg.setDefaults()
	q := &Queue{
		name:         name,
		logger:       logger.Named("queue").With(zap.String("queue", name)),
		clock:        cfg.Clock,
		staged:       make(map[string]Message),
		flushed:      make(map[string]struct{}),
		compactAfter: cfg.JournalCompactThreshold,
	}

	if cfg.Dir != "" {
		path := filepath.Join(cfg.Dir, name+".journal")
		records, err := replayJournal(path)
		if err != nil {
			return nil, err
		}
		q.applyJournal(records)
		j, err := openJournal(path)
		if err != nil {
			return nil, err
		}
		q.journal = j
	}

	q.logger.Info("queue opened",
		zap.Int("staged", len(q.staged)),
		zap.Int("visible", len(q.visible)))
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Stage durably stores body for txnID without making it visible to
// consumers. Restaging the same transaction replaces the staged message.
func (q *Queue) Stage(txnID string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, done := q.flushed[txnID]; done {
		return fmt.Errorf("transaction %s already flushed on queue %s", txnID, q.name)
	}
	msg := Message{
		ID:         uuid.NewString(),
		TxnID:      txnID,
		Body:       body,
		EnqueuedAt: q.clock.Now(),
	}
	if q.journal != nil {
		err := q.journal.append(record{
			Type:      stageRecord,
			TxnID:     txnID,
			MessageID: msg.ID,
			Body:      body,
			Timestamp: msg.EnqueuedAt,
		})
		if err != nil {
			return err
		}
	}
	q.staged[txnID] = msg
	q.noteAppend()
	q.logger.Debug("staged message", zap.String("txn_id", txnID), zap.String("message_id", msg.ID))
	return nil
}

// Flush makes the staged message for txnID visible to consumers. Calling it
// again for the same transaction, or for one with nothing staged, is a safe
// no-op; recovery redrives commits and must be able to repeat this.
func (q *Queue) Flush(txnID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, done := q.flushed[txnID]; done {
		return nil
	}
	msg, ok := q.staged[txnID]
	if !ok {
		return nil
	}
	if q.journal != nil {
		err := q.journal.append(record{
			Type:      flushRecord,
			TxnID:     txnID,
			Timestamp: q.clock.Now(),
		})
		if err != nil {
			return err
		}
	}
	delete(q.staged, txnID)
	q.flushed[txnID] = struct{}{}
	q.visible = append(q.visible, msg)
	q.noteAppend()
	q.logger.Debug("flushed message", zap.String("txn_id", txnID), zap.String("message_id", msg.ID))
	return nil
}

// Discard drops any staged message for txnID. Idempotent; discarding a
// transaction that never staged is a no-op.
func (q *Queue) Discard(txnID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.staged[txnID]; !ok {
		return nil
	}
	if q.journal != nil {
		err := q.journal.append(record{
			Type:      discardRecord,
			TxnID:     txnID,
			Timestamp: q.clock.Now(),
		})
		if err != nil {
			return err
		}
	}
	delete(q.staged, txnID)
	q.noteAppend()
	q.logger.Debug("discarded staged message", zap.String("txn_id", txnID))
	return nil
}

// Receive pops the oldest visible message. ok is false only when the queue
// is empty; a journal write failure leaves the message in place and returns
// the error so an empty queue and a broken journal are distinguishable.
func (q *Queue) Receive() (msg Message, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.visible) == 0 {
		return Message{}, false, nil
	}
	msg = q.visible[0]
	if q.journal != nil {
		err := q.journal.append(record{
			Type:      receiveRecord,
			MessageID: msg.ID,
			Timestamp: q.clock.Now(),
		})
		if err != nil {
			return Message{}, false, fmt.Errorf("failed to journal receive on queue %s: %w", q.name, err)
		}
	}
	q.visible = q.visible[1:]
	// The transaction is consumed end to end; dropping it from the flushed
	// set bounds that map, and snapshot compaction forgets it too. Flush
	// stays a no-op for it because nothing is staged.
	delete(q.flushed, msg.TxnID)
	q.noteAppend()
	return msg, true, nil
}

// Len returns the number of consumer-visible messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.visible)
}

// StagedCount returns the number of staged (invisible) messages.
func (q *Queue) StagedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.staged)
}

// Close closes the journal, if any.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.journal == nil {
		return nil
	}
	return q.journal.close()
}

// noteAppend counts journal writes and snapshots the journal once enough
// accumulate: the rewritten journal holds only staged and still-visible
// messages, so records for received messages stop accumulating. Called after
// the state mutation lands so the snapshot reflects it. Caller holds q.mu.
func (q *Queue) noteAppend() {
	if q.journal == nil {
		return
	}
	q.appends++
	if q.appends < q.compactAfter {
		return
	}
	if err := q.journal.rewrite(q.snapshotRecords()); err != nil {
		// Appends still work on the old journal; try again next threshold.
		q.logger.Warn("failed to compact queue journal", zap.Error(err))
		q.appends = 0
		return
	}
	q.appends = 0
	q.logger.Info("compacted queue journal",
		zap.Int("staged", len(q.staged)),
		zap.Int("visible", len(q.visible)))
}

// snapshotRecords renders live state as a minimal record sequence: a STAGE
// per staged message, and a STAGE+FLUSH pair per visible one. Replaying it
// rebuilds staged, visible (in order) and flushed exactly. Caller holds q.mu.
func (q *Queue) snapshotRecords() []record {
	records := make([]record, 0, len(q.staged)+2*len(q.visible))
	for _, msg := range q.staged {
		records = append(records, record{
			Type:      stageRecord,
			TxnID:     msg.TxnID,
			MessageID: msg.ID,
			Body:      msg.Body,
			Timestamp: msg.EnqueuedAt,
		})
	}
	for _, msg := range q.visible {
		records = append(records,
			record{
				Type:      stageRecord,
				TxnID:     msg.TxnID,
				MessageID: msg.ID,
				Body:      msg.Body,
				Timestamp: msg.EnqueuedAt,
			},
			record{
				Type:      flushRecord,
				TxnID:     msg.TxnID,
				Timestamp: msg.EnqueuedAt,
			})
	}
	return records
}

// applyJournal rebuilds queue state from replayed records.
func (q *Queue) applyJournal(records []record) {
	for _, rec := range records {
		switch rec.Type {
		case stageRecord:
			q.staged[rec.TxnID] = Message{
				ID:         rec.MessageID,
				TxnID:      rec.TxnID,
				Body:       rec.Body,
				EnqueuedAt: rec.Timestamp,
			}
		case flushRecord:
			if msg, ok := q.staged[rec.TxnID]; ok {
				delete(q.staged, rec.TxnID)
				q.flushed[rec.TxnID] = struct{}{}
				q.visible = append(q.visible, msg)
			}
		case discardRecord:
			delete(q.staged, rec.TxnID)
		case receiveRecord:
			for i, msg := range q.visible {
				if msg.ID == rec.MessageID {
					delete(q.flushed, msg.TxnID)
					q.visible = append(q.visible[:i], q.visible[i+1:]...)
					break
				}
			}
		}
	}
}
