// Package txlog implements the durable transaction log: an append-only,
// segmented, CRC-framed record of every state transition a transaction makes.
// The log is the source of truth for crash recovery; an append returns only
// after the record is synced to disk.
package txlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dualq/dualq/core/transaction"
	"github.com/dualq/dualq/internal/clock"
)

const (
	segmentPrefix = "txlog_"
	segmentSuffix = ".log"
	archiveSubdir = "archive"
)

// Config controls log behavior.
type Config struct {
	// SegmentSizeLimit is the maximum size of a single segment file before
	// the log rolls to a new one and archives the old.
	SegmentSizeLimit int64
	// Clock supplies entry timestamps.
	Clock clock.Clock
}

func (c *Config) setDefaults() {
	if c.SegmentSizeLimit <= 0 {
		c.SegmentSizeLimit = 1 << 20
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// Recovered describes the last durable state of a transaction found in the
// log during a scan.
type Recovered struct {
	TxnID uuid.UUID
	State transaction.State
	Seq   uint64
	Votes map[transaction.ParticipantID]transaction.Vote
}

// Quarantine describes a log problem that must not be auto-resolved: either
// a record that failed validation (TxnID may be uuid.Nil if unreadable) or a
// transaction whose entry sequence has a gap.
type Quarantine struct {
	TxnID   uuid.UUID
	Segment string
	Offset  int64
	Err     error
}

// Log manages the segmented transaction log files. All methods are safe for
// concurrent use; appends for a single transaction are strictly ordered by
// per-transaction sequence numbers.
type Log struct {
	mu          sync.Mutex
	dir         string
	archiveDir  string
	cfg         Config
	logger      *zap.Logger
	file        *os.File
	segmentID   uint64
	segmentSize int64
	closed      bool

	nextSeq     map[uuid.UUID]uint64
	lastEntry   map[uuid.UUID]Entry
	compacted   map[uuid.UUID]bool
	segTxns     map[uint64]map[uuid.UUID]struct{}
	quarantined []Quarantine
	seenCount   map[uuid.UUID]uint64 // populated only during replay
}

// Open opens (or creates) the log in dir, replaying existing segments to
// rebuild sequence numbers and last-known transaction states.
func Open(dir string, logger *zap.Logger, cfg Config) (*Log, error) {
	cfg.setDefaults()
	archiveDir := filepath.Join(dir, archiveSubdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", archiveDir, err)
	}

	l := &Log{
		dir:        dir,
		archiveDir: archiveDir,
		cfg:        cfg,
		logger:     logger.Named("txlog"),
		nextSeq:    make(map[uuid.UUID]uint64),
		lastEntry:  make(map[uuid.UUID]Entry),
		compacted:  make(map[uuid.UUID]bool),
		segTxns:    make(map[uint64]map[uuid.UUID]struct{}),
	}

	if err := l.replay(); err != nil {
		return nil, err
	}
	if err := l.openActiveSegment(); err != nil {
		return nil, err
	}

	l.logger.Info("transaction log opened",
		zap.String("dir", dir),
		zap.Uint64("segment_id", l.segmentID),
		zap.Int("known_transactions", len(l.lastEntry)),
		zap.Int("quarantined", len(l.quarantined)))
	return l, nil
}

// Append durably records a state transition for txnID and returns the
// assigned per-transaction sequence number. The record is synced to disk
// before Append returns.
func (l *Log) Append(txnID uuid.UUID, state transaction.State, votes map[transaction.ParticipantID]transaction.Vote) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, fmt.Errorf("%w: log closed", transaction.ErrLogWrite)
	}
	if last, ok := l.lastEntry[txnID]; ok {
		if !last.State.CanTransition(state) {
			return 0, fmt.Errorf("illegal transition %s -> %s for txn %s", last.State, state, txnID)
		}
	} else if state != transaction.StateInitiated {
		return 0, fmt.Errorf("first entry for txn %s must be INITIATED, got %s", txnID, state)
	}

	e := Entry{
		Kind:      KindState,
		TxnID:     txnID,
		Seq:       l.nextSeq[txnID] + 1,
		State:     state,
		Timestamp: l.cfg.Clock.Now().UnixNano(),
		Votes:     votes,
	}
	if err := l.writeEntry(&e); err != nil {
		return 0, err
	}

	l.nextSeq[txnID] = e.Seq
	l.lastEntry[txnID] = e
	l.trackSegmentTxn(txnID)
	return e.Seq, nil
}

// ScanIncomplete returns the last durable record of every transaction that is
// not in a terminal state, plus any quarantined entries found while the log
// was replayed. Quarantined transactions are excluded from the incomplete
// set; they require operator intervention.
func (l *Log) ScanIncomplete() ([]Recovered, []Quarantine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	quarantinedTxns := make(map[uuid.UUID]bool)
	for _, q := range l.quarantined {
		if q.TxnID != uuid.Nil {
			quarantinedTxns[q.TxnID] = true
		}
	}

	var incomplete []Recovered
	for id, e := range l.lastEntry {
		if e.State.Terminal() || l.compacted[id] || quarantinedTxns[id] {
			continue
		}
		incomplete = append(incomplete, Recovered{
			TxnID: id,
			State: e.State,
			Seq:   e.Seq,
			Votes: e.Votes,
		})
	}
	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].TxnID.String() < incomplete[j].TxnID.String()
	})

	quarantined := make([]Quarantine, len(l.quarantined))
	copy(quarantined, l.quarantined)
	return incomplete, quarantined, nil
}

// Compact tombstones a terminal transaction and prunes any archived segment
// whose every transaction has been compacted. Compacting a non-terminal
// transaction is an error.
func (l *Log) Compact(txnID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: log closed", transaction.ErrLogWrite)
	}
	last, ok := l.lastEntry[txnID]
	if !ok {
		return fmt.Errorf("unknown transaction %s", txnID)
	}
	if !last.State.Terminal() {
		return fmt.Errorf("cannot compact non-terminal transaction %s (state %s)", txnID, last.State)
	}
	if l.compacted[txnID] {
		return nil
	}

	e := Entry{
		Kind:      KindCompact,
		TxnID:     txnID,
		Seq:       l.nextSeq[txnID] + 1,
		State:     last.State,
		Timestamp: l.cfg.Clock.Now().UnixNano(),
	}
	if err := l.writeEntry(&e); err != nil {
		return err
	}
	l.nextSeq[txnID] = e.Seq
	l.compacted[txnID] = true
	l.trackSegmentTxn(txnID)

	l.pruneArchivedSegments()
	return nil
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync log on close: %w", err)
		}
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close log segment: %w", err)
		}
		l.file = nil
	}
	l.logger.Info("transaction log closed")
	return nil
}

// writeEntry serializes, writes and syncs one entry, rolling the segment
// first if it would exceed the size limit. Caller holds l.mu.
func (l *Log) writeEntry(e *Entry) error {
	frame, err := e.encode()
	if err != nil {
		return fmt.Errorf("%w: %v", transaction.ErrLogWrite, err)
	}
	if l.segmentSize+int64(len(frame)) > l.cfg.SegmentSizeLimit && l.segmentSize > 0 {
		if err := l.rollSegment(); err != nil {
			return fmt.Errorf("%w: %v", transaction.ErrLogWrite, err)
		}
	}
	n, err := l.file.Write(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", transaction.ErrLogWrite, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", transaction.ErrLogWrite, n, len(frame))
	}
	// Durability contract: the entry must be on disk before Append returns.
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync failed: %v", transaction.ErrLogWrite, err)
	}
	l.segmentSize += int64(len(frame))
	return nil
}

func (l *Log) trackSegmentTxn(txnID uuid.UUID) {
	txns, ok := l.segTxns[l.segmentID]
	if !ok {
		txns = make(map[uuid.UUID]struct{})
		l.segTxns[l.segmentID] = txns
	}
	txns[txnID] = struct{}{}
}

// rollSegment archives the active segment and opens the next one. Caller
// holds l.mu.
func (l *Log) rollSegment() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment before roll: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment before roll: %w", err)
	}
	oldPath := l.segmentPath(l.segmentID)
	archivePath := filepath.Join(l.archiveDir, filepath.Base(oldPath))
	if err := os.Rename(oldPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive segment %s: %w", oldPath, err)
	}
	l.logger.Info("archived log segment",
		zap.Uint64("segment_id", l.segmentID),
		zap.String("path", archivePath))

	l.segmentID++
	l.segmentSize = 0
	file, err := os.OpenFile(l.segmentPath(l.segmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new segment: %w", err)
	}
	l.file = file
	return nil
}

// pruneArchivedSegments removes archived segment files whose transactions
// have all been compacted. The active segment is never pruned. Caller holds
// l.mu.
func (l *Log) pruneArchivedSegments() {
	for segID, txns := range l.segTxns {
		if segID == l.segmentID {
			continue
		}
		prunable := true
		for id := range txns {
			if !l.compacted[id] {
				prunable = false
				break
			}
		}
		if !prunable {
			continue
		}
		path := filepath.Join(l.archiveDir, filepath.Base(l.segmentPath(segID)))
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				l.logger.Warn("failed to prune archived segment", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		delete(l.segTxns, segID)
		l.logger.Info("pruned archived log segment", zap.Uint64("segment_id", segID))
	}
}

func (l *Log) segmentPath(segmentID uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%05d%s", segmentPrefix, segmentID, segmentSuffix))
}

// replay scans every segment in order and rebuilds the in-memory tables.
// Records that fail validation quarantine the rest of their segment; a
// per-transaction sequence gap quarantines that transaction.
func (l *Log) replay() error {
	segments, err := l.orderedSegments()
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if err := l.replaySegment(seg); err != nil {
			return err
		}
	}

	// A gap in a transaction's sequence numbers means an entry was lost or
	// skipped by a corrupt frame. Resolving such a transaction automatically
	// would be guessing, so it is quarantined instead. Compacted transactions
	// are exempt: pruning their archived segments legitimately discards early
	// entries, leaving only the terminal and tombstone records.
	for id := range l.lastEntry {
		if l.compacted[id] {
			continue
		}
		if counted, max := l.seenCount[id], l.nextSeq[id]; counted != max {
			l.quarantined = append(l.quarantined, Quarantine{
				TxnID: id,
				Err:   fmt.Errorf("%w: sequence gap (%d entries for max seq %d)", transaction.ErrCorruptLogEntry, counted, max),
			})
		}
	}
	l.seenCount = nil

	if len(segments) == 0 {
		l.segmentID = 1
	} else {
		last := segments[len(segments)-1]
		l.segmentID = last.id
		if last.archived {
			// All segments were archived (e.g. after a clean shutdown roll);
			// continue with a fresh active segment.
			l.segmentID++
		}
	}
	return nil
}

type segmentInfo struct {
	path     string
	id       uint64
	archived bool
}

func (l *Log) replaySegment(seg segmentInfo) error {
	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s for replay: %w", seg.path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		var e Entry
		n, err := readEntry(reader, &e)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Nothing after a bad frame in this segment can be trusted.
			l.quarantined = append(l.quarantined, Quarantine{
				TxnID:   uuid.Nil,
				Segment: seg.path,
				Offset:  offset,
				Err:     err,
			})
			l.logger.Error("quarantined corrupt log entry",
				zap.String("segment", seg.path),
				zap.Int64("offset", offset),
				zap.Error(err))
			break
		}
		offset += int64(n)

		if l.seenCount == nil {
			l.seenCount = make(map[uuid.UUID]uint64)
		}
		l.seenCount[e.TxnID]++
		if e.Seq > l.nextSeq[e.TxnID] {
			l.nextSeq[e.TxnID] = e.Seq
		}
		switch e.Kind {
		case KindState:
			l.lastEntry[e.TxnID] = e
		case KindCompact:
			l.compacted[e.TxnID] = true
		}
		txns, ok := l.segTxns[seg.id]
		if !ok {
			txns = make(map[uuid.UUID]struct{})
			l.segTxns[seg.id] = txns
		}
		txns[e.TxnID] = struct{}{}
	}

	if !seg.archived {
		l.segmentSize = offset
	}
	return nil
}

// orderedSegments lists all segment files, archived first, sorted by id.
func (l *Log) orderedSegments() ([]segmentInfo, error) {
	var segments []segmentInfo
	for _, dir := range []string{l.archiveDir, l.dir} {
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read log directory %s: %w", dir, err)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
				continue
			}
			idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
			id, err := strconv.ParseUint(idStr, 10, 64)
			if err != nil {
				continue
			}
			segments = append(segments, segmentInfo{
				path:     filepath.Join(dir, name),
				id:       id,
				archived: dir == l.archiveDir,
			})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

func (l *Log) openActiveSegment() error {
	file, err := os.OpenFile(l.segmentPath(l.segmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open active segment: %w", err)
	}
	l.file = file
	return nil
}

// IsCorrupt reports whether err is (or wraps) a corrupt-entry error.
func IsCorrupt(err error) bool {
	return errors.Is(err, transaction.ErrCorruptLogEntry)
}
