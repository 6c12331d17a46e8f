package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// recordType defines journal record types.
type recordType string

const (
	stageRecord   recordType = "STAGE"
	flushRecord   recordType = "FLUSH"
	discardRecord recordType = "DISCARD"
	receiveRecord recordType = "RECEIVE"
)

// record is a single event in the queue journal, one JSON object per line.
type record struct {
	Type      recordType `json:"type"`
	TxnID     string     `json:"txn_id,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Body      []byte     `json:"body,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// journal persists queue events so staged and visible messages survive a
// process restart. Every write is synced; staging durability is what makes a
// YES vote trustworthy.
type journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func openJournal(path string) (*journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue journal: %w", err)
	}
	return &journal{file: file, path: path}, nil
}

func (j *journal) append(rec record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("failed to write journal record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync queue journal: %w", err)
	}
	return nil
}

// rewrite atomically replaces the journal contents with records, written to
// a temp file and renamed into place so a crash mid-compaction leaves either
// the old journal or the new one, never a torn mix.
func (j *journal) rewrite(records []record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create journal snapshot: %w", err)
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to marshal snapshot record: %w", err)
		}
		data = append(data, '\n')
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write journal snapshot: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync journal snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close journal snapshot: %w", err)
	}

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal before swap: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("failed to swap journal snapshot into place: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen compacted journal: %w", err)
	}
	j.file = file
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// replayJournal reads all complete records from path. A trailing partial
// line (torn write) is skipped rather than treated as fatal.
func replayJournal(path string) ([]record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open queue journal for replay: %w", err)
	}
	defer file.Close()

	var records []record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn final write from a crash; everything before it is intact.
			break
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan queue journal: %w", err)
	}
	return records, nil
}
