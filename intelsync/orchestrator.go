package intelsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/intelsync/eventbus"
	"github.com/hazyhaar/intelsync/intelsync/internal/conflict"
	"github.com/hazyhaar/intelsync/intelsync/internal/store"
	"github.com/hazyhaar/intelsync/ledger"
	"github.com/hazyhaar/intelsync/observability"
	"github.com/hazyhaar/intelsync/wallet"
)

// maxPasses caps one run. Each pass settles or spends retry budget on every
// record it touches, so real runs end far earlier.
const maxPasses = 64

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SyncOption customises one SyncAll call.
type SyncOption func(*syncOptions)

type syncOptions struct {
	onConflict func(r *Report, data *ConflictData) Strategy
}

// OnConflict is consulted when the configured strategy is ask. Returning a
// strategy other than ask resolves the conflict immediately and the record
// is submitted later in the same run.
func OnConflict(fn func(r *Report, data *ConflictData) Strategy) SyncOption {
	return func(o *syncOptions) { o.onConflict = fn }
}

// Orchestrator drives reports through the sync lifecycle. It is the only
// component that changes a report's status.
type Orchestrator struct {
	mu sync.Mutex // one run at a time

	store     *store.Store
	settings  *SettingsStore
	detector  *conflict.Detector
	remote    Remote
	bus       *eventbus.Bus
	metrics   *observability.MetricsManager
	cfg       *Config
	now       func() time.Time
	sleep     Sleeper
	logger    *slog.Logger
	onPending func(ctx context.Context)
}

type syncRun struct {
	signer   wallet.Signer
	identity string
	settings SyncSettings
	opts     syncOptions

	eligible  map[string]bool // records this run may process
	submitted map[string]bool // remote IDs confirmed during this run
	settled   map[string]bool // records that reached synced, conflict or error
	total     int
	retried   bool // a transient failure happened in the current pass
	// breakerOpen stops the pass: the remote breaker rejected a call, so
	// nothing was sent and the next pass waits out the breaker.
	breakerOpen bool
}

func newRun(signer wallet.Signer, settings SyncSettings, opts syncOptions) *syncRun {
	return &syncRun{
		signer:    signer,
		identity:  signer.PublicKey(),
		settings:  settings,
		opts:      opts,
		eligible:  make(map[string]bool),
		submitted: make(map[string]bool),
		settled:   make(map[string]bool),
	}
}

func (run *syncRun) visible(remotes []RemoteReport) []RemoteReport {
	if len(run.submitted) == 0 {
		return remotes
	}
	out := make([]RemoteReport, 0, len(remotes))
	for _, r := range remotes {
		if !run.submitted[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func precondition(signer wallet.Signer) error {
	if !wallet.Available(signer) {
		return &PreconditionError{Reason: "signing capability has no public key", Err: ErrNoSigner}
	}
	return nil
}

// SyncAll submits every pending report. It fails fast, before any event,
// without a usable signer, and refuses to run concurrently with another
// SyncAll or Retry. Per-record failures are recorded on the records; the
// returned error is non-nil only when the run could not start or was
// abandoned (signer lost, ctx cancelled).
func (o *Orchestrator) SyncAll(ctx context.Context, signer wallet.Signer, opts ...SyncOption) (SyncStats, error) {
	if err := precondition(signer); err != nil {
		return SyncStats{}, err
	}
	if !o.mu.TryLock() {
		return SyncStats{}, ErrSyncInProgress
	}
	defer o.mu.Unlock()

	settings, err := o.settings.Get(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	var so syncOptions
	for _, opt := range opts {
		opt(&so)
	}

	pending, err := o.store.ListReports(ctx, store.ListFilter{Statuses: []Status{StatusPending}})
	if err != nil {
		return SyncStats{}, &StorageError{Op: "sync", Err: err}
	}

	run := newRun(signer, settings, so)
	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.OfflineID
		run.eligible[r.OfflineID] = true
	}
	run.total = len(ids)

	start := o.now()
	o.logger.InfoContext(ctx, "intelsync: sync started",
		"reports", len(ids), "batch_size", settings.BatchSize, "max_retries", settings.MaxRetries)
	o.bus.Emit(SyncStarted{ReportIDs: ids})

	runErr := o.drain(ctx, run)

	bg := context.WithoutCancel(ctx)
	o.purgeSynced(bg)
	stats, err := o.stats(bg)
	if err != nil && runErr == nil {
		runErr = err
	}
	o.bus.Emit(SyncCompleted{Stats: stats, Aborted: runErr != nil})

	o.metrics.Record(&observability.Metric{
		Name:      observability.MetricSyncRunMs,
		Timestamp: start,
		Value:     float64(o.now().Sub(start).Milliseconds()),
		Unit:      "milliseconds",
	})
	o.logger.InfoContext(ctx, "intelsync: sync completed",
		"settled", len(run.settled), "total", run.total,
		"synced", stats.SuccessfulSyncs, "conflicts", stats.Conflicts, "errors", stats.Errors,
		"aborted", runErr != nil)
	return stats, runErr
}

func (o *Orchestrator) drain(ctx context.Context, run *syncRun) error {
	bg := context.WithoutCancel(ctx)
	for pass := 1; pass <= maxPasses; pass++ {
		if run.retried || run.breakerOpen {
			wait := o.cfg.backoff(pass - 1)
			if run.breakerOpen {
				wait = max(wait, o.cfg.Breaker.ResetTimeout)
			}
			if err := o.sleep(ctx, wait); err != nil {
				return err
			}
			run.retried, run.breakerOpen = false, false
		}

		all, err := o.store.ListReports(bg, store.ListFilter{Statuses: []Status{StatusPending}})
		if err != nil {
			return &StorageError{Op: "sync", Err: err}
		}
		queue := slices.DeleteFunc(all, func(r *Report) bool { return !run.eligible[r.OfflineID] })
		if len(queue) == 0 {
			return nil
		}

		remotes, listErr := o.remote.ListReports(ctx)
		if listErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if isCircuitOpen(listErr) {
			o.logger.InfoContext(ctx, "intelsync: remote breaker open, waiting", "pass", pass, "pending", len(queue))
			run.breakerOpen = true
			continue
		}

		size := max(run.settings.BatchSize, 1)
	batches:
		for b := 0; b*size < len(queue); b++ {
			batch := queue[b*size : min((b+1)*size, len(queue))]
			for _, rep := range batch {
				if err := ctx.Err(); err != nil {
					return err
				}
				status, abort := o.process(ctx, run, rep, remotes, listErr)
				o.bus.Emit(SyncProgress{
					Completed: len(run.settled),
					Total:     run.total,
					Pass:      pass,
					Batch:     b + 1,
					OfflineID: rep.OfflineID,
					Status:    status,
				})
				if abort != nil {
					return abort
				}
				if run.breakerOpen {
					break batches
				}
			}
		}
	}
	o.logger.WarnContext(ctx, "intelsync: sync pass limit reached", "passes", maxPasses)
	return nil
}

// process moves one pending record to syncing and on to its outcome. The
// returned error, when set, abandons the run.
func (o *Orchestrator) process(ctx context.Context, run *syncRun, rep *Report, remotes []RemoteReport, listErr error) (Status, error) {
	bg := context.WithoutCancel(ctx)
	cur, err := o.transition(bg, rep.OfflineID, func(r *Report) error {
		if r.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, r.OfflineID, r.Status)
		}
		r.Status = StatusSyncing
		return nil
	})
	if err != nil {
		// Deleted or edited into another state since the queue was read.
		o.logger.WarnContext(ctx, "intelsync: skipping report", "offline_id", rep.OfflineID, "error", err)
		delete(run.eligible, rep.OfflineID)
		return rep.Status, nil
	}
	return o.processSyncing(ctx, run, cur, remotes, listErr)
}

func (o *Orchestrator) processSyncing(ctx context.Context, run *syncRun, cur *Report, remotes []RemoteReport, listErr error) (Status, error) {
	bg := context.WithoutCancel(ctx)
	id := cur.OfflineID

	if isCircuitOpen(listErr) {
		return o.deferAttempt(bg, run, cur, listErr)
	}
	if listErr != nil {
		return o.failTransient(bg, run, cur, listErr)
	}

	sub := ledger.Submission{
		OfflineID: id,
		Title:     cur.Title,
		Content:   cur.Content,
		Tags:      cur.Tags,
		Latitude:  cur.Latitude,
		Longitude: cur.Longitude,
		Timestamp: cur.Timestamp,
		Author:    cur.Author,
	}
	if sub.Author == "" {
		sub.Author = run.identity
	}
	if cur.Resolution != nil {
		sub.Supersedes = cur.Resolution.Supersedes
	}

	// A copy under our offline ID means an earlier submission landed but its
	// acknowledgement was lost.
	for i := range remotes {
		if conflict.IsOwnCopy(id, sub.Author, &remotes[i]) {
			o.logger.InfoContext(ctx, "intelsync: remote already holds report", "offline_id", id, "remote_id", remotes[i].ID)
			return o.confirm(ctx, run, cur, remotes[i].ID, sub.Supersedes)
		}
	}

	if data := o.detector.Detect(cur, run.identity, run.visible(remotes)); data != nil {
		return o.enterConflict(bg, run, cur, data)
	}

	payload, err := sub.Encode()
	if err != nil {
		return o.fail(bg, run, cur, ErrorKindRejected, err), nil
	}

	if run.signer.PublicKey() == "" {
		err := &SigningError{OfflineID: id, Err: wallet.ErrDisconnected}
		return o.fail(bg, run, cur, ErrorKindSigning, err), err
	}
	sig, err := run.signer.SignTransaction(ctx, payload)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return o.fail(bg, run, cur, ErrorKindCancelled, ctx.Err()), ctx.Err()
		case errors.Is(err, wallet.ErrDisconnected):
			serr := &SigningError{OfflineID: id, Err: err}
			return o.fail(bg, run, cur, ErrorKindSigning, serr), serr
		default:
			return o.fail(bg, run, cur, ErrorKindSigning, &SigningError{OfflineID: id, Err: err}), nil
		}
	}

	subCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	remoteID, err := o.remote.Submit(subCtx, ledger.Envelope{PublicKey: run.identity, Payload: payload, Signature: sig})
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return o.fail(bg, run, cur, ErrorKindCancelled, ctx.Err()), ctx.Err()
		case isCircuitOpen(err):
			return o.deferAttempt(bg, run, cur, err)
		case isRejection(err):
			return o.fail(bg, run, cur, ErrorKindRejected, err), nil
		default:
			return o.failTransient(bg, run, cur, err)
		}
	}
	return o.confirm(ctx, run, cur, remoteID, sub.Supersedes)
}

// confirm records remoteID as the record's confirmation.
func (o *Orchestrator) confirm(ctx context.Context, run *syncRun, cur *Report, remoteID, supersedes string) (Status, error) {
	bg := context.WithoutCancel(ctx)
	id := cur.OfflineID
	if _, err := o.transition(bg, id, func(r *Report) error {
		r.Status = StatusSynced
		r.RemoteID = remoteID
		r.Previous = nil
		r.LastError = ""
		r.ErrorKind = ""
		return nil
	}); err != nil {
		// Confirmed remotely but not recorded. Leave it to the next run,
		// where the ledger answers the resubmission idempotently.
		o.logger.ErrorContext(ctx, "intelsync: recording confirmation failed", "offline_id", id, "remote_id", remoteID, "error", err)
		return StatusSyncing, err
	}
	run.submitted[remoteID] = true
	run.settled[id] = true
	o.metrics.Count(observability.MetricSyncSubmitted, nil)
	o.logger.InfoContext(ctx, "intelsync: report synced", "offline_id", id, "remote_id", remoteID, "supersedes", supersedes)
	return StatusSynced, nil
}

// deferAttempt puts the record back to pending without spending a retry:
// the breaker refused the call before anything was sent.
func (o *Orchestrator) deferAttempt(ctx context.Context, run *syncRun, cur *Report, cause error) (Status, error) {
	if _, err := o.transition(ctx, cur.OfflineID, func(r *Report) error {
		r.Status = StatusPending
		r.LastError = cause.Error()
		r.ErrorKind = ErrorKindNetwork
		return nil
	}); err != nil {
		return StatusSyncing, err
	}
	run.breakerOpen = true
	o.logger.InfoContext(ctx, "intelsync: remote breaker open, submission deferred", "offline_id", cur.OfflineID)
	return StatusPending, nil
}

// failTransient spends one retry, or ends the record in error when the
// budget is gone.
func (o *Orchestrator) failTransient(ctx context.Context, run *syncRun, cur *Report, cause error) (Status, error) {
	nerr := &NetworkError{OfflineID: cur.OfflineID, Err: cause}
	if cur.RetryCount >= run.settings.MaxRetries {
		return o.fail(ctx, run, cur, ErrorKindNetwork, fmt.Errorf("%w: %w", ErrRetriesExhausted, nerr)), nil
	}
	_, err := o.transition(ctx, cur.OfflineID, func(r *Report) error {
		r.Status = StatusPending
		r.RetryCount++
		r.LastError = nerr.Error()
		r.ErrorKind = ErrorKindNetwork
		return nil
	})
	if err != nil {
		return StatusSyncing, err
	}
	run.retried = true
	o.logger.InfoContext(ctx, "intelsync: submission failed, will retry",
		"offline_id", cur.OfflineID, "attempt", cur.RetryCount+1, "max_retries", run.settings.MaxRetries, "error", cause)
	return StatusPending, nil
}

// fail ends the record in error.
func (o *Orchestrator) fail(ctx context.Context, run *syncRun, cur *Report, kind ErrorKind, cause error) Status {
	_, err := o.transition(ctx, cur.OfflineID, func(r *Report) error {
		r.Status = StatusError
		r.LastError = cause.Error()
		r.ErrorKind = kind
		return nil
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "intelsync: recording failure", "offline_id", cur.OfflineID, "error", err)
		return StatusSyncing
	}
	run.settled[cur.OfflineID] = true
	o.metrics.Count(observability.MetricSyncFailed, map[string]string{"kind": string(kind)})
	o.logger.WarnContext(ctx, "intelsync: report failed", "offline_id", cur.OfflineID, "kind", kind, "error", cause)
	return StatusError
}

func (o *Orchestrator) enterConflict(ctx context.Context, run *syncRun, cur *Report, data *ConflictData) (Status, error) {
	strategy := run.settings.ConflictResolution
	if strategy == StrategyAsk && run.opts.onConflict != nil {
		strategy = run.opts.onConflict(cur, data)
	}
	if strategy != StrategyAsk && strategy.Valid() {
		data.Resolution = strategy
	}

	r, err := o.transition(ctx, cur.OfflineID, func(r *Report) error {
		r.Status = StatusConflict
		r.ConflictData = data
		return nil
	})
	if err != nil {
		return StatusSyncing, err
	}
	run.settled[cur.OfflineID] = true
	o.metrics.Count(observability.MetricSyncConflicts, map[string]string{"type": string(data.Type)})
	o.logger.InfoContext(ctx, "intelsync: conflict detected",
		"offline_id", cur.OfflineID, "type", data.Type, "remote_id", data.CandidateRemoteID)
	o.bus.Emit(ConflictDetected{OfflineID: cur.OfflineID, ConflictData: data})

	if data.Resolution == "" {
		return StatusConflict, nil
	}
	outcome, err := conflict.Resolve(r, data, data.Resolution)
	if err == nil {
		_, err = o.applyResolution(ctx, cur.OfflineID, outcome)
	}
	if err != nil {
		o.logger.WarnContext(ctx, "intelsync: automatic resolution failed", "offline_id", cur.OfflineID, "strategy", data.Resolution, "error", err)
		return StatusConflict, nil
	}
	delete(run.settled, cur.OfflineID)
	return StatusPending, nil
}

// Resolve settles a conflict with strategy. ask changes nothing and returns
// a *ConflictError alongside the NeedsDecision outcome.
func (o *Orchestrator) Resolve(ctx context.Context, id string, strategy Strategy) (*Report, Outcome, error) {
	if !strategy.Valid() {
		return nil, Outcome{}, invalid("strategy", "oneof=ask merge replace keep_both")
	}
	r, err := o.store.GetReport(ctx, id)
	if err != nil {
		return nil, Outcome{}, &StorageError{Op: "resolve", Err: err}
	}
	if r == nil {
		return nil, Outcome{}, &NotFoundError{OfflineID: id}
	}
	if r.Status != StatusConflict {
		return r, Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotInConflict, id, r.Status)
	}
	outcome, err := conflict.Resolve(r, r.ConflictData, strategy)
	if err != nil {
		return r, Outcome{}, err
	}
	if outcome.NeedsDecision() {
		return r, outcome, &ConflictError{OfflineID: id, Data: r.ConflictData}
	}
	updated, err := o.applyResolution(ctx, id, outcome)
	if err != nil {
		return nil, Outcome{}, err
	}
	o.logger.InfoContext(ctx, "intelsync: conflict resolved", "offline_id", id, "strategy", strategy, "supersedes", outcome.Supersedes)
	o.pendingChanged(ctx)
	return updated, outcome, nil
}

func (o *Orchestrator) applyResolution(ctx context.Context, id string, out Outcome) (*Report, error) {
	now := o.now().UnixMilli()
	return o.transition(ctx, id, func(r *Report) error {
		if r.Status != StatusConflict {
			return fmt.Errorf("%w: %s is %s", ErrNotInConflict, id, r.Status)
		}
		if r.Previous == nil {
			r.Previous = r.Snapshot()
		}
		r.Restore(out.Fields)
		r.Resolution = &Resolution{
			Strategy:   out.Strategy,
			RemoteID:   out.RemoteID,
			Supersedes: out.Supersedes,
			ResolvedAt: now,
		}
		if !r.Ignores(out.RemoteID) {
			r.IgnoredRemotes = append(r.IgnoredRemotes, out.RemoteID)
		}
		r.Status = StatusPending
		r.RetryCount = 0
		r.LastError = ""
		r.ErrorKind = ""
		return nil
	})
}

// Revert undoes a resolution that has not been confirmed remotely: the
// pre-resolution fields come back and the conflict will be detected again
// on the next run.
func (o *Orchestrator) Revert(ctx context.Context, id string) (*Report, error) {
	return o.transition(ctx, id, func(r *Report) error {
		if r.Status != StatusPending || r.Previous == nil || r.Resolution == nil {
			return fmt.Errorf("%w: %s", ErrNothingToRevert, id)
		}
		remoteID := r.Resolution.RemoteID
		r.Restore(r.Previous)
		r.Previous = nil
		r.Resolution = nil
		r.IgnoredRemotes = slices.DeleteFunc(r.IgnoredRemotes, func(s string) bool { return s == remoteID })
		return nil
	})
}

// Enqueue moves a draft to pending.
func (o *Orchestrator) Enqueue(ctx context.Context, id string) (*Report, error) {
	r, err := o.transition(ctx, id, func(r *Report) error {
		if r.Status != StatusDraft {
			return fmt.Errorf("%w: only drafts can be queued, %s is %s", ErrInvalidTransition, id, r.Status)
		}
		r.Status = StatusPending
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.pendingChanged(ctx)
	return r, nil
}

// Retry makes one more attempt for a report in error, if its retry budget
// allows. Only a transient failure of that attempt spends budget; it puts
// the report back to pending for the next run.
func (o *Orchestrator) Retry(ctx context.Context, signer wallet.Signer, id string) (*Report, error) {
	if err := precondition(signer); err != nil {
		return nil, err
	}
	if !o.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer o.mu.Unlock()

	settings, err := o.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := o.transition(ctx, id, func(r *Report) error {
		if r.Status != StatusError {
			return fmt.Errorf("%w: only reports in error can be retried, %s is %s", ErrInvalidTransition, id, r.Status)
		}
		if r.RetryCount >= settings.MaxRetries {
			return fmt.Errorf("%w: %s after %d retries", ErrRetriesExhausted, id, r.RetryCount)
		}
		r.Status = StatusSyncing
		return nil
	})
	if err != nil {
		return nil, err
	}

	run := newRun(signer, settings, syncOptions{})
	run.eligible[id] = true
	remotes, listErr := o.remote.ListReports(ctx)
	_, runErr := o.processSyncing(ctx, run, cur, remotes, listErr)

	r, err := o.store.GetReport(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, &StorageError{Op: "retry", Err: err}
	}
	if r != nil && r.Status == StatusPending {
		o.pendingChanged(ctx)
	}
	return r, runErr
}

// transition commits fn through the store and emits report-updated.
func (o *Orchestrator) transition(ctx context.Context, id string, fn func(r *Report) error) (*Report, error) {
	r, err := o.store.MutateReport(ctx, id, fn)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{OfflineID: id}
		}
		return nil, storageErr("transition", err)
	}
	o.bus.Emit(ReportUpdated{Report: r})
	return r, nil
}

func (o *Orchestrator) stats(ctx context.Context) (SyncStats, error) {
	st, err := o.store.CountByStatus(ctx)
	if err != nil {
		return SyncStats{}, &StorageError{Op: "stats", Err: err}
	}
	return statsFrom(st), nil
}

func (o *Orchestrator) purgeSynced(ctx context.Context) {
	if o.cfg.SyncedRetention <= 0 {
		return
	}
	cutoff := o.now().Add(-o.cfg.SyncedRetention).UnixMilli()
	n, err := o.store.PurgeSynced(ctx, cutoff)
	if err != nil {
		o.logger.WarnContext(ctx, "intelsync: purge synced failed", "error", err)
		return
	}
	if n > 0 {
		o.logger.InfoContext(ctx, "intelsync: purged synced reports", "count", n, "retention", o.cfg.SyncedRetention)
	}
}

func (o *Orchestrator) pendingChanged(ctx context.Context) {
	if o.onPending != nil {
		o.onPending(ctx)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
