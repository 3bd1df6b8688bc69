package intelsync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/intelsync/vtq"
	"github.com/hazyhaar/intelsync/wallet"
)

const (
	autoSyncQueue = "intelsync_autosync"
	autoSyncJobID = "autosync"
	// autoSyncRounds bounds the back-to-back runs one job may trigger when
	// reports become pending while a run is in progress.
	autoSyncRounds = 3
)

// AutoSyncer turns "a report became pending" into a sync run when
// autoSync is on. Triggers are coalesced into at most one queued job, and
// the job survives restarts in the vtq table.
type AutoSyncer struct {
	queue    *vtq.Q
	settings *SettingsStore
	orch     *Orchestrator
	signer   func() wallet.Signer
	logger   *slog.Logger
}

// Trigger queues a sync if autoSync is enabled. Failures are logged only.
func (a *AutoSyncer) Trigger(ctx context.Context) {
	st, err := a.settings.Get(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "intelsync: autosync settings", "error", err)
		return
	}
	if !st.AutoSync {
		return
	}
	queued, err := a.queue.PublishIfIdle(context.WithoutCancel(ctx), autoSyncJobID, nil)
	if err != nil {
		a.logger.WarnContext(ctx, "intelsync: autosync publish", "queue", a.queue.Name(), "error", err)
		return
	}
	if queued {
		a.logger.DebugContext(ctx, "intelsync: autosync queued", "queue", a.queue.Name())
	}
}

// Run consumes the queue until ctx is done.
func (a *AutoSyncer) Run(ctx context.Context) {
	a.queue.Run(ctx, a.handle)
}

// Drain handles whatever is queued now and returns the number of jobs.
func (a *AutoSyncer) Drain(ctx context.Context) int {
	return a.queue.Drain(ctx, a.handle)
}

// Reset drops queued jobs. Nothing is left to sync after the local data
// was cleared.
func (a *AutoSyncer) Reset(ctx context.Context) {
	if err := a.queue.Purge(ctx); err != nil {
		a.logger.WarnContext(ctx, "intelsync: autosync purge", "queue", a.queue.Name(), "error", err)
	}
}

// Pending reports how many autosync jobs are queued or in flight.
func (a *AutoSyncer) Pending(ctx context.Context) (int, error) {
	return a.queue.Len(ctx)
}

// handle runs a sync. A nil return acks the job; an error leaves it hidden
// until the visibility window expires, then it is retried.
func (a *AutoSyncer) handle(ctx context.Context, job *vtq.Job) error {
	for round := 0; round < autoSyncRounds; round++ {
		stats, err := a.orch.SyncAll(ctx, a.signer())
		switch {
		case err == nil:
		case errors.Is(err, ErrSyncInProgress):
			return err
		case errors.Is(err, ErrNoSigner):
			a.logger.WarnContext(ctx, "intelsync: autosync skipped, no signing key", "job", job.ID)
			return nil
		case ctx.Err() != nil:
			return err
		default:
			a.logger.WarnContext(ctx, "intelsync: autosync run aborted", "job", job.ID, "error", err)
			return nil
		}
		if stats.PendingSync == 0 {
			return nil
		}
	}
	return nil
}
