// Package transaction defines the record of a dual-queue publication and the
// state machine it moves through under two-phase commit.
package transaction

import (
	"time"

	"github.com/google/uuid"
)

// State is the coordination state of a transaction. Transitions are forward
// only; Committed and Aborted are terminal.
type State byte

const (
	StateInitiated State = iota + 1
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "INITIATED"
	case StatePreparing:
		return "PREPARING"
	case StatePrepared:
		return "PREPARED"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborting:
		return "ABORTING"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. The outcome branch is fixed once Committing or Aborting is
// reached: a committing transaction can never abort and vice versa.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateInitiated:
		return next == StatePreparing || next == StateAborting
	case StatePreparing:
		return next == StatePrepared || next == StateAborting
	case StatePrepared:
		return next == StateCommitting || next == StateAborting
	case StateCommitting:
		return next == StateCommitted
	case StateAborting:
		return next == StateAborted
	default:
		return false
	}
}

// Vote is a participant's answer to prepare.
type Vote byte

const (
	VotePending Vote = iota
	VoteYes
	VoteNo
)

func (v Vote) String() string {
	switch v {
	case VoteYes:
		return "YES"
	case VoteNo:
		return "NO"
	default:
		return "PENDING"
	}
}

// ParticipantID names one of the two queue resources under coordination.
type ParticipantID string

// Record is the unit of coordination. The coordinator exclusively owns it
// while the transaction is live; the durable log is the source of truth
// across restarts.
type Record struct {
	ID            uuid.UUID
	Payload       []byte
	DerivedKey    []byte
	State         State
	Votes         map[ParticipantID]Vote
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// NewRecord creates a Record in the Initiated state with pending votes for
// the given participants.
func NewRecord(payload []byte, now time.Time, participants ...ParticipantID) *Record {
	votes := make(map[ParticipantID]Vote, len(participants))
	for _, p := range participants {
		votes[p] = VotePending
	}
	return &Record{
		ID:            uuid.New(),
		Payload:       payload,
		State:         StateInitiated,
		Votes:         votes,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

// SetVote records a participant's prepare answer.
func (r *Record) SetVote(id ParticipantID, v Vote) {
	r.Votes[id] = v
}

// AllYes reports whether every participant voted yes.
func (r *Record) AllYes() bool {
	for _, v := range r.Votes {
		if v != VoteYes {
			return false
		}
	}
	return true
}

// Outcome is the single terminal result surfaced to the caller of a submit.
type Outcome struct {
	TxnID uuid.UUID
	State State // StateCommitted or StateAborted
	// Reason is set only on abort.
	Reason AbortReason
}

// Committed reports whether the transaction committed.
func (o Outcome) Committed() bool {
	return o.State == StateCommitted
}
