// Package coordinator drives the two-phase commit state machine that makes a
// payload message on one queue and a derived identifier message on a second
// queue visible atomically: after quiescence either both queues hold their
// message or neither does.
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dualq/dualq/core/participant"
	"github.com/dualq/dualq/core/transaction"
	"github.com/dualq/dualq/core/txlog"
)

// TxnLog is the durable log the coordinator records every phase boundary to.
// *txlog.Log satisfies it; tests substitute failing implementations.
type TxnLog interface {
	Append(txnID uuid.UUID, state transaction.State, votes map[transaction.ParticipantID]transaction.Vote) (uint64, error)
	ScanIncomplete() ([]txlog.Recovered, []txlog.Quarantine, error)
	Compact(txnID uuid.UUID) error
}

// DeriveFunc computes the identifier message for the second queue from the
// payload destined for the first.
type DeriveFunc func(payload []byte) ([]byte, error)

// Coordinator runs two-phase commits across exactly two participants. Many
// transactions may run concurrently; each is an independent unit of work.
type Coordinator struct {
	cfg     Config
	log     TxnLog
	first   participant.Adapter
	second  participant.Adapter
	logger  *zap.Logger
	limiter *rate.Limiter

	txnCounter   metric.Int64Counter
	retryCounter metric.Int64Counter
	durationHist metric.Float64Histogram

	randMu  sync.Mutex
	randSrc *rand.Rand

	// closeMu orders wg.Add against Close: no transaction may register
	// after Close has started waiting.
	closeMu    sync.Mutex
	quit       chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	recovered  atomic.Bool
	logHealthy atomic.Bool
}

// New builds a coordinator over the given log and two participant adapters.
// Recover must be called before the coordinator accepts transactions.
func New(log TxnLog, first, second participant.Adapter, logger *zap.Logger, meter metric.Meter, cfg Config) (*Coordinator, error) {
	cfg.setDefaults()
	if first.ID() == second.ID() {
		return nil, fmt.Errorf("participants must have distinct ids, both are %q", first.ID())
	}

	txnCounter, err := meter.Int64Counter("dualq.transactions",
		metric.WithDescription("Transactions by terminal outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction counter: %w", err)
	}
	retryCounter, err := meter.Int64Counter("dualq.participant.retries",
		metric.WithDescription("Commit/abort calls that had to be retried"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}
	durationHist, err := meter.Float64Histogram("dualq.transaction.duration",
		metric.WithDescription("Transaction duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	c := &Coordinator{
		cfg:          cfg,
		log:          log,
		first:        first,
		second:       second,
		logger:       logger.Named("coordinator"),
		limiter:      rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		txnCounter:   txnCounter,
		retryCounter: retryCounter,
		durationHist: durationHist,
		randSrc:      rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:         make(chan struct{}),
	}
	c.logHealthy.Store(true)
	return c, nil
}

// Recover resolves every transaction the log shows as incomplete, then opens
// the coordinator for new work. It must run to completion before Submit or
// Execute accept anything.
func (c *Coordinator) Recover(ctx context.Context) error {
	rm := &RecoveryManager{
		Log:          c.log,
		Participants: []participant.Adapter{c.first, c.second},
		Logger:       c.logger,
		Config:       c.cfg,
	}
	if err := rm.Run(ctx); err != nil {
		return err
	}
	c.recovered.Store(true)
	return nil
}

// Execute runs one transaction to its terminal state and returns the
// outcome. The caller's context can cancel only until the prepare phase
// starts; after that the transaction always reaches a terminal state.
func (c *Coordinator) Execute(ctx context.Context, payload []byte, derive DeriveFunc) (transaction.Outcome, error) {
	if err := c.begin(ctx); err != nil {
		return transaction.Outcome{}, err
	}
	defer c.wg.Done()
	return c.run(ctx, payload, derive)
}

// Submit is the asynchronous entry point: admission errors surface
// immediately, and exactly one terminal outcome is delivered on the returned
// channel. The channel is closed without a value only if the coordinator
// shuts down mid-flight; the log still fixes the outcome for recovery.
func (c *Coordinator) Submit(ctx context.Context, payload []byte, derive DeriveFunc) (<-chan transaction.Outcome, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	out := make(chan transaction.Outcome, 1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		outcome, err := c.run(ctx, payload, derive)
		if err != nil {
			c.logger.Warn("transaction ended without outcome", zap.Error(err))
			return
		}
		out <- outcome
	}()
	return out, nil
}

// Close stops accepting work and waits for in-flight transactions to finish
// or to park their redrive loops; anything left non-terminal in the log is
// resolved by the next Recover.
func (c *Coordinator) Close() {
	c.closeMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.closeMu.Unlock()
		return
	}
	close(c.quit)
	c.closeMu.Unlock()
	c.wg.Wait()
	c.logger.Info("coordinator closed")
}

// begin admits a new transaction and registers it with the in-flight
// WaitGroup. The closed re-check under closeMu closes the window where a
// concurrent Close could pass wg.Wait before the Add lands.
func (c *Coordinator) begin(ctx context.Context) error {
	if err := c.admit(ctx); err != nil {
		return err
	}
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Load() {
		return transaction.ErrCoordinatorClosed
	}
	c.wg.Add(1)
	return nil
}

// admit decides whether a new transaction may start.
func (c *Coordinator) admit(ctx context.Context) error {
	if c.closed.Load() || !c.recovered.Load() {
		return transaction.ErrCoordinatorClosed
	}
	if !c.logHealthy.Load() {
		// Proceeding without durable logging would silently void atomicity.
		return fmt.Errorf("%w: refusing new transactions", transaction.ErrLogWrite)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("admission wait: %w", err)
	}
	return nil
}

type voteResult struct {
	id   transaction.ParticipantID
	vote transaction.Vote
	err  error
}

// run drives a single transaction through the full state machine.
func (c *Coordinator) run(ctx context.Context, payload []byte, derive DeriveFunc) (transaction.Outcome, error) {
	start := time.Now()
	rec := transaction.NewRecord(payload, c.cfg.Clock.Now(), c.first.ID(), c.second.ID())
	logger := c.logger.With(zap.String("txn_id", rec.ID.String()))

	if _, err := c.log.Append(rec.ID, transaction.StateInitiated, rec.Votes); err != nil {
		c.noteLogFailure(logger, err)
		return transaction.Outcome{}, fmt.Errorf("failed to initiate transaction: %w", err)
	}

	// Last cancellation point: nothing has been dispatched yet.
	if err := ctx.Err(); err != nil {
		logger.Info("transaction cancelled before prepare")
		return c.finishAbort(rec, logger, transaction.ReasonCancelled, start)
	}

	derivedKey, err := derive(payload)
	if err != nil {
		logger.Warn("derived key computation failed", zap.Error(err))
		return c.finishAbort(rec, logger, transaction.ReasonDeriveFailed, start)
	}
	rec.DerivedKey = derivedKey

	rec.State = transaction.StatePreparing
	if _, err := c.log.Append(rec.ID, transaction.StatePreparing, rec.Votes); err != nil {
		c.noteLogFailure(logger, err)
		return c.finishAbort(rec, logger, transaction.ReasonLogWrite, start)
	}

	reason := c.preparePhase(rec, logger)
	if reason != transaction.ReasonNone {
		return c.finishAbort(rec, logger, reason, start)
	}

	// Both voted YES. The outcome becomes fixed the moment COMMITTING is
	// durably logged; until then a log failure still aborts safely.
	if _, err := c.log.Append(rec.ID, transaction.StatePrepared, rec.Votes); err != nil {
		c.noteLogFailure(logger, err)
		return c.finishAbort(rec, logger, transaction.ReasonLogWrite, start)
	}
	if _, err := c.log.Append(rec.ID, transaction.StateCommitting, rec.Votes); err != nil {
		c.noteLogFailure(logger, err)
		return c.finishAbort(rec, logger, transaction.ReasonLogWrite, start)
	}
	rec.State = transaction.StateCommitting

	if !c.commitBoth(rec.ID, logger) {
		// Shutdown interrupted the redrive. COMMITTING is on disk; recovery
		// finishes the commit after restart.
		return transaction.Outcome{}, transaction.ErrCoordinatorClosed
	}

	if _, err := c.log.Append(rec.ID, transaction.StateCommitted, rec.Votes); err != nil {
		// The decision is already fixed and both participants acknowledged;
		// recovery will redrive the idempotent commits and rewrite this.
		c.noteLogFailure(logger, err)
	} else if err := c.log.Compact(rec.ID); err != nil {
		logger.Warn("failed to compact committed transaction", zap.Error(err))
	}
	rec.State = transaction.StateCommitted

	c.observeOutcome(logger, rec, transaction.ReasonNone, start)
	return transaction.Outcome{TxnID: rec.ID, State: transaction.StateCommitted}, nil
}

// preparePhase fans prepare out to both participants in parallel and collects
// both votes, bounded by the prepare timeout. It returns ReasonNone when both
// voted YES, otherwise the abort reason.
func (c *Coordinator) preparePhase(rec *transaction.Record, logger *zap.Logger) transaction.AbortReason {
	prepCtx, cancel := context.WithTimeout(context.Background(), c.cfg.PrepareTimeout)
	defer cancel()

	results := make(chan voteResult, 2)
	prepare := func(p participant.Adapter, data []byte) {
		vote, err := p.Prepare(prepCtx, rec.ID, data)
		results <- voteResult{id: p.ID(), vote: vote, err: err}
	}
	go prepare(c.first, rec.Payload)
	go prepare(c.second, rec.DerivedKey)

	reason := transaction.ReasonNone
	for i := 0; i < 2; i++ {
		res := <-results
		switch {
		case res.err != nil:
			rec.SetVote(res.id, transaction.VoteNo)
			if prepCtx.Err() != nil {
				logger.Warn("prepare timed out", zap.String("participant", string(res.id)))
				reason = transaction.ReasonPrepareTimeout
			} else {
				logger.Warn("prepare failed",
					zap.String("participant", string(res.id)), zap.Error(res.err))
				reason = transaction.ReasonPrepareRejected
			}
		case res.vote != transaction.VoteYes:
			logger.Info("participant voted no", zap.String("participant", string(res.id)))
			rec.SetVote(res.id, transaction.VoteNo)
			reason = transaction.ReasonPrepareRejected
		default:
			rec.SetVote(res.id, transaction.VoteYes)
		}
	}
	return reason
}

// finishAbort logs the abort decision, discards anything staged on both
// participants, and produces the Aborted outcome.
func (c *Coordinator) finishAbort(rec *transaction.Record, logger *zap.Logger, reason transaction.AbortReason, start time.Time) (transaction.Outcome, error) {
	if _, err := c.log.Append(rec.ID, transaction.StateAborting, rec.Votes); err != nil {
		// Still discard staged messages so nothing leaks; the log entry is
		// retried by recovery only if the transaction resurfaces in a scan.
		c.noteLogFailure(logger, err)
	}
	rec.State = transaction.StateAborting

	if !c.abortBoth(rec.ID, logger) {
		return transaction.Outcome{}, transaction.ErrCoordinatorClosed
	}

	if _, err := c.log.Append(rec.ID, transaction.StateAborted, rec.Votes); err != nil {
		c.noteLogFailure(logger, err)
	} else if err := c.log.Compact(rec.ID); err != nil {
		logger.Warn("failed to compact aborted transaction", zap.Error(err))
	}
	rec.State = transaction.StateAborted

	c.observeOutcome(logger, rec, reason, start)
	return transaction.Outcome{TxnID: rec.ID, State: transaction.StateAborted, Reason: reason}, nil
}

// commitBoth redrives Commit on both participants until each acknowledges.
// Returns false only when shutdown interrupts the redrive.
func (c *Coordinator) commitBoth(txnID uuid.UUID, logger *zap.Logger) bool {
	return c.driveBoth(logger, "commit", func(ctx context.Context, p participant.Adapter) error {
		return p.Commit(ctx, txnID)
	})
}

// abortBoth redrives Abort on both participants until each acknowledges.
func (c *Coordinator) abortBoth(txnID uuid.UUID, logger *zap.Logger) bool {
	return c.driveBoth(logger, "abort", func(ctx context.Context, p participant.Adapter) error {
		return p.Abort(ctx, txnID)
	})
}

// driveBoth runs op against both participants in parallel, each with
// unbounded exponential-backoff retry. The calls are independently
// idempotent, so ordering between them does not matter.
func (c *Coordinator) driveBoth(logger *zap.Logger, phase string, op func(context.Context, participant.Adapter) error) bool {
	var wg sync.WaitGroup
	oks := make([]bool, 2)
	for i, p := range []participant.Adapter{c.first, c.second} {
		wg.Add(1)
		go func(i int, p participant.Adapter) {
			defer wg.Done()
			oks[i] = c.retryForever(logger, phase, p.ID(), func(ctx context.Context) error {
				return op(ctx, p)
			})
		}(i, p)
	}
	wg.Wait()
	return oks[0] && oks[1]
}

// retryForever repeats op with exponential backoff until it succeeds or the
// coordinator shuts down. Once the outcome is logged, an unresponsive
// participant must never flip the decision, so there is no retry cap.
func (c *Coordinator) retryForever(logger *zap.Logger, phase string, id transaction.ParticipantID, op func(context.Context) error) bool {
	ctx := context.Background()
	backoff := c.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return true
		}
		c.retryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", phase),
			attribute.String("participant", string(id))))
		logger.Warn("participant call failed, will retry",
			zap.String("phase", phase),
			zap.String("participant", string(id)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-c.quit:
			return false
		}
		c.randMu.Lock()
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff, c.cfg.BackoffJitterFrac, c.randSrc)
		c.randMu.Unlock()
	}
}

// noteLogFailure flips the coordinator into refusing new work; running
// without durable logging would break the atomicity guarantee.
func (c *Coordinator) noteLogFailure(logger *zap.Logger, err error) {
	if c.logHealthy.CompareAndSwap(true, false) {
		logger.Error("transaction log unwritable, refusing new transactions", zap.Error(err))
	}
}

func (c *Coordinator) observeOutcome(logger *zap.Logger, rec *transaction.Record, reason transaction.AbortReason, start time.Time) {
	ctx := context.Background()
	c.txnCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", rec.State.String())))
	c.durationHist.Record(ctx, time.Since(start).Seconds())
	if rec.State == transaction.StateCommitted {
		logger.Info("transaction committed", zap.Duration("took", time.Since(start)))
		return
	}
	logger.Info("transaction aborted",
		zap.String("reason", string(reason)),
		zap.Duration("took", time.Since(start)))
}
