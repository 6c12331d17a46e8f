package transaction

import "errors"

// Error taxonomy for the coordination pipeline. Prepare-phase failures are
// absorbed into an Aborted outcome; commit/abort-phase failures are retried
// internally and never surfaced to the submitting caller.
var (
	// ErrPrepareRejected: a participant voted NO or its prepare timed out.
	ErrPrepareRejected = errors.New("participant rejected prepare")
	// ErrParticipantUnavailable: a commit or abort call failed transiently.
	ErrParticipantUnavailable = errors.New("participant unavailable")
	// ErrLogWrite: the durable log could not be appended to. New transactions
	// are refused until the log is writable again.
	ErrLogWrite = errors.New("transaction log write failed")
	// ErrCorruptLogEntry: a log entry failed validation during a recovery
	// scan. The affected transaction is quarantined, not auto-resolved.
	ErrCorruptLogEntry = errors.New("corrupt transaction log entry")
	// ErrCancelled: the caller cancelled before the prepare phase started.
	ErrCancelled = errors.New("transaction cancelled before prepare")
	// ErrCoordinatorClosed: the coordinator is shutting down or has not
	// finished recovery and is not accepting work.
	ErrCoordinatorClosed = errors.New("coordinator not accepting transactions")
)

// AbortReason is the human-readable reason code attached to an Aborted
// outcome.
type AbortReason string

const (
	ReasonNone            AbortReason = ""
	ReasonPrepareRejected AbortReason = "prepare rejected by participant"
	ReasonPrepareTimeout  AbortReason = "prepare timed out"
	ReasonDeriveFailed    AbortReason = "derived key computation failed"
	ReasonLogWrite        AbortReason = "transaction log unwritable"
	ReasonCancelled       AbortReason = "cancelled by caller"
	ReasonRecovered       AbortReason = "resolved by crash recovery"
)
