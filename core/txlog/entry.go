package txlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/dualq/dualq/core/transaction"
)

// Kind discriminates log record kinds.
type Kind byte

const (
	// KindState records a transaction state transition.
	KindState Kind = iota + 1
	// KindCompact tombstones a terminal, fully-acknowledged transaction so
	// its entries can be pruned from archived segments.
	KindCompact
)

// Entry is one append-only record: a single state transition of a single
// transaction, keyed by (TxnID, Seq). Seq is monotonic per transaction.
type Entry struct {
	Kind      Kind
	TxnID     uuid.UUID
	Seq       uint64
	State     transaction.State
	Timestamp int64 // unix nanos
	Votes     map[transaction.ParticipantID]transaction.Vote
}

// On-disk framing: u32 body length, u32 CRC-32 of the body, body. The CRC is
// how a recovery scan detects torn or corrupted records.
const frameHeaderSize = 8

func (e *Entry) encode() ([]byte, error) {
	body := new(bytes.Buffer)
	body.WriteByte(byte(e.Kind))
	body.Write(e.TxnID[:])
	if err := binary.Write(body, binary.LittleEndian, e.Seq); err != nil {
		return nil, fmt.Errorf("encode seq: %w", err)
	}
	body.WriteByte(byte(e.State))
	if err := binary.Write(body, binary.LittleEndian, e.Timestamp); err != nil {
		return nil, fmt.Errorf("encode timestamp: %w", err)
	}
	if len(e.Votes) > 255 {
		return nil, fmt.Errorf("too many participant votes: %d", len(e.Votes))
	}
	body.WriteByte(byte(len(e.Votes)))
	for id, v := range e.Votes {
		if len(id) > 255 {
			return nil, fmt.Errorf("participant id too long: %q", id)
		}
		body.WriteByte(byte(len(id)))
		body.WriteString(string(id))
		body.WriteByte(byte(v))
	}

	frame := new(bytes.Buffer)
	if err := binary.Write(frame, binary.LittleEndian, uint32(body.Len())); err != nil {
		return nil, fmt.Errorf("encode frame length: %w", err)
	}
	if err := binary.Write(frame, binary.LittleEndian, crc32.ChecksumIEEE(body.Bytes())); err != nil {
		return nil, fmt.Errorf("encode frame crc: %w", err)
	}
	frame.Write(body.Bytes())
	return frame.Bytes(), nil
}

// readEntry reads one framed entry from r. It returns io.EOF at a clean end
// of segment and errCorruptFrame (wrapped) when the frame fails validation.
func readEntry(r io.Reader, e *Entry) (int, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("%w: truncated frame header: %v", transaction.ErrCorruptLogEntry, err)
	}
	bodyLen := binary.LittleEndian.Uint32(header[0:4])
	wantCRC := binary.LittleEndian.Uint32(header[4:8])
	if bodyLen > maxEntrySize {
		return 0, fmt.Errorf("%w: implausible frame length %d", transaction.ErrCorruptLogEntry, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, fmt.Errorf("%w: truncated frame body: %v", transaction.ErrCorruptLogEntry, err)
	}
	if crc32.ChecksumIEEE(body) != wantCRC {
		return 0, fmt.Errorf("%w: crc mismatch", transaction.ErrCorruptLogEntry)
	}
	if err := e.decodeBody(body); err != nil {
		return 0, err
	}
	return frameHeaderSize + int(bodyLen), nil
}

func (e *Entry) decodeBody(body []byte) error {
	r := bytes.NewReader(body)
	kind, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: missing kind", transaction.ErrCorruptLogEntry)
	}
	e.Kind = Kind(kind)
	if e.Kind != KindState && e.Kind != KindCompact {
		return fmt.Errorf("%w: unknown entry kind %d", transaction.ErrCorruptLogEntry, kind)
	}
	if _, err := io.ReadFull(r, e.TxnID[:]); err != nil {
		return fmt.Errorf("%w: missing txn id", transaction.ErrCorruptLogEntry)
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Seq); err != nil {
		return fmt.Errorf("%w: missing seq", transaction.ErrCorruptLogEntry)
	}
	state, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: missing state", transaction.ErrCorruptLogEntry)
	}
	e.State = transaction.State(state)
	if err := binary.Read(r, binary.LittleEndian, &e.Timestamp); err != nil {
		return fmt.Errorf("%w: missing timestamp", transaction.ErrCorruptLogEntry)
	}
	voteCount, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: missing vote count", transaction.ErrCorruptLogEntry)
	}
	e.Votes = make(map[transaction.ParticipantID]transaction.Vote, voteCount)
	for i := 0; i < int(voteCount); i++ {
		idLen, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: missing participant id length", transaction.ErrCorruptLogEntry)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return fmt.Errorf("%w: truncated participant id", transaction.ErrCorruptLogEntry)
		}
		vote, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: missing vote", transaction.ErrCorruptLogEntry)
		}
		e.Votes[transaction.ParticipantID(id)] = transaction.Vote(vote)
	}
	return nil
}

// maxEntrySize bounds a single entry frame. Entries carry only state and
// votes, never payloads, so anything larger is corruption.
const maxEntrySize = 4096
