// Package intelsync is an offline-first sync engine for intelligence
// reports. Reports are authored into a local SQLite store, signed with the
// author's key and submitted to a ledger when a sync runs; reports that
// collide with what the ledger already holds are classified and resolved
// instead of submitted.
//
//	eng, err := intelsync.New(cfg, logger, intelsync.WithSigner(kp))
//	r, err := eng.Reports().Create(ctx, intelsync.CreateInput{Title: "Incident X", Submit: true})
//	stats, err := eng.SyncAll(ctx)
package intelsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/intelsync/connectivity"
	"github.com/hazyhaar/intelsync/eventbus"
	"github.com/hazyhaar/intelsync/idgen"
	"github.com/hazyhaar/intelsync/intelsync/internal/conflict"
	"github.com/hazyhaar/intelsync/intelsync/internal/store"
	"github.com/hazyhaar/intelsync/ledger"
	"github.com/hazyhaar/intelsync/observability"
	"github.com/hazyhaar/intelsync/vtq"
	"github.com/hazyhaar/intelsync/wallet"
)

// Engine wires the report store, settings, orchestrator and their
// infrastructure around one SQLite database.
type Engine struct {
	cfg    *Config
	logger *slog.Logger

	store    *store.Store
	ownStore bool
	bus      *eventbus.Bus
	metrics  *observability.MetricsManager
	journal  *observability.Journal

	router    *connectivity.Router
	ownRouter bool
	ledger    *ledger.Ledger
	ownLedger bool
	remote    Remote

	signer wallet.Signer
	newID  idgen.Generator
	now    func() time.Time
	sleep  Sleeper

	reports  *ReportStore
	settings *SettingsStore
	orch     *Orchestrator
	autosync *AutoSyncer
}

// Option configures an Engine.
type Option func(*Engine)

// WithSigner sets the signing capability used by SyncAll, Retry and autosync.
func WithSigner(s wallet.Signer) Option { return func(e *Engine) { e.signer = s } }

// WithRouter uses an existing connectivity router instead of a private one.
func WithRouter(r *connectivity.Router) Option { return func(e *Engine) { e.router = r } }

// WithLedger registers l as the in-process ledger instead of opening one
// from Config.Ledger.
func WithLedger(l *ledger.Ledger) Option { return func(e *Engine) { e.ledger = l } }

// WithRemote bypasses the router entirely.
func WithRemote(r Remote) Option { return func(e *Engine) { e.remote = r } }

// WithClock sets the clock for timestamps, retention and journal entries.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator sets the offline ID generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(e *Engine) { e.newID = gen } }

// WithSleeper replaces the backoff wait between sync passes.
func WithSleeper(s Sleeper) Option { return func(e *Engine) { e.sleep = s } }

// WithBus shares an event bus with the caller.
func WithBus(b *eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

// New opens the database at cfg.DBPath and builds an Engine.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("intelsync: open store: %w", err)
	}
	e, err := newEngine(st, cfg, logger, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	e.ownStore = true
	return e, nil
}

// NewWithDB builds an Engine on an open database and applies the schemas.
// The caller keeps ownership of db.
func NewWithDB(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(store.Schema); err != nil {
		return nil, fmt.Errorf("intelsync: schema: %w", err)
	}
	return newEngine(&store.Store{DB: db}, cfg, logger, opts...)
}

func newEngine(st *store.Store, cfg *Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		store:  st,
		newID:  idgen.Prefixed("ofr_", idgen.UUIDv7()),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	st.Clock = e.now
	if e.bus == nil {
		e.bus = eventbus.New(eventbus.WithLogger(logger))
	}

	if err := connectivity.Init(st.DB); err != nil {
		return nil, fmt.Errorf("intelsync: routes schema: %w", err)
	}
	if err := observability.Init(st.DB); err != nil {
		return nil, fmt.Errorf("intelsync: observability schema: %w", err)
	}
	e.metrics = observability.NewMetricsManager(st.DB, observability.MetricsOptions{Logger: logger})
	e.journal = observability.NewJournal(st.DB,
		observability.WithJournalClock(e.now),
		observability.WithJournalLogger(logger))
	e.bus.OnAll(e.record)

	queue := vtq.New(st.DB, vtq.Options{
		Queue:        autoSyncQueue,
		Visibility:   cfg.AutoSync.Visibility,
		PollInterval: cfg.AutoSync.PollInterval,
		Now:          e.now,
		Logger:       logger,
	})
	if err := queue.EnsureTable(context.Background()); err != nil {
		e.metrics.Close()
		return nil, err
	}

	if err := e.wireRemote(); err != nil {
		e.metrics.Close()
		return nil, err
	}

	e.settings = &SettingsStore{store: st}
	e.orch = &Orchestrator{
		store:    st,
		settings: e.settings,
		detector: conflict.NewDetector(cfg.Detection),
		remote:   e.remote,
		bus:      e.bus,
		metrics:  e.metrics,
		cfg:      cfg,
		now:      e.now,
		sleep:    e.sleep,
		logger:   logger,
	}
	e.autosync = &AutoSyncer{
		queue:    queue,
		settings: e.settings,
		orch:     e.orch,
		signer:   func() wallet.Signer { return e.signer },
		logger:   logger,
	}
	e.orch.onPending = e.autosync.Trigger
	e.bus.On(EventReportsCleared, func(eventbus.Event) { e.autosync.Reset(context.Background()) })
	e.reports = &ReportStore{
		store:     st,
		bus:       e.bus,
		newID:     e.newID,
		now:       e.now,
		logger:    logger,
		onPending: e.autosync.Trigger,
	}
	return e, nil
}

// wireRemote builds the default router-backed remote unless one was given.
func (e *Engine) wireRemote() error {
	if e.remote != nil {
		return nil
	}
	if e.router == nil {
		e.router = connectivity.New(connectivity.WithLogger(e.logger))
		e.ownRouter = true
	}
	e.router.RegisterTransport(connectivity.StrategyHTTP, connectivity.HTTPFactory())

	switch {
	case e.ledger != nil:
		e.ledger.RegisterConnectivity(e.router)
	case e.cfg.Ledger.Embedded:
		l, err := ledger.New(&ledger.Config{DBPath: e.cfg.Ledger.DBPath}, e.logger)
		if err != nil {
			return err
		}
		e.ledger, e.ownLedger = l, true
		l.RegisterConnectivity(e.router)
	default:
		if err := e.routeLedger(context.Background(), e.cfg.Ledger.Endpoint); err != nil {
			return err
		}
	}
	// Routes in the table win over local handlers, so a route set from the
	// CLI can point an embedded configuration at a remote ledger.
	if err := e.router.Reload(context.Background(), e.store.DB); err != nil {
		return err
	}

	breaker := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(e.cfg.Breaker.Threshold),
		connectivity.WithBreakerResetTimeout(e.cfg.Breaker.ResetTimeout),
		connectivity.WithBreakerClock(e.now),
	)
	e.remote = NewRouterRemote(e.router, RemoteOptions{
		Timeout: e.cfg.SubmitTimeout,
		Metrics: e.metrics,
		Breaker: breaker,
		Logger:  e.logger,
	})
	return nil
}

// routeLedger points the ledger services at an intelledger base URL.
func (e *Engine) routeLedger(ctx context.Context, endpoint string) error {
	cfg, _ := json.Marshal(map[string]any{
		"timeout_ms":    e.cfg.SubmitTimeout.Milliseconds(),
		"allow_private": e.cfg.Ledger.AllowPrivate,
	})
	admin := connectivity.NewAdmin(e.store.DB)
	base := strings.TrimRight(endpoint, "/")
	for _, svc := range []string{ledger.ServiceList, ledger.ServiceSubmit} {
		if err := admin.UpsertRoute(ctx, svc, connectivity.StrategyHTTP, base+"/rpc/"+svc, cfg); err != nil {
			return err
		}
	}
	return nil
}

// record appends every bus event to the journal.
func (e *Engine) record(ev eventbus.Event) {
	var entity string
	if x, ok := ev.(interface{ EntityID() string }); ok {
		entity = x.EntityID()
	}
	e.journal.Append(context.Background(), ev.EventName(), entity, ev)
}

// Start runs the background work until ctx is done: stale syncing records
// go back to pending, the route table is watched, heartbeats are written
// and the autosync queue is consumed. Blocks.
func (e *Engine) Start(ctx context.Context) {
	ids, err := e.store.RequeueStale(ctx)
	if err != nil {
		e.logger.Error("intelsync: requeue stale", "error", err)
	} else if len(ids) > 0 {
		e.logger.Warn("intelsync: requeued interrupted syncs", "count", len(ids))
	}
	if e.router != nil {
		go e.router.Watch(ctx, e.store.DB, 2*time.Second)
	}
	if e.cfg.JournalRetention > 0 {
		go e.janitor(ctx)
	}
	go observability.NewHeartbeat(e.store.DB, daemonProcess, e.cfg.Heartbeat,
		observability.WithHeartbeatClock(e.now),
		observability.WithHeartbeatLogger(e.logger)).Run(ctx)
	e.autosync.Trigger(ctx)
	e.logger.Info("intelsync: started", "db", e.cfg.DBPath)
	e.autosync.Run(ctx)
}

func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		cutoff := e.now().Add(-e.cfg.JournalRetention)
		if n, err := e.journal.Cleanup(ctx, cutoff); err != nil {
			e.logger.Warn("intelsync: journal cleanup", "error", err)
		} else if n > 0 {
			e.logger.Info("intelsync: journal cleanup", "deleted", n)
		}
		if _, err := e.metrics.Cleanup(ctx, cutoff); err != nil {
			e.logger.Warn("intelsync: metrics cleanup", "error", err)
		}
		if _, err := observability.CleanupHeartbeats(ctx, e.store.DB, cutoff); err != nil {
			e.logger.Warn("intelsync: heartbeat cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

const daemonProcess = "intelsync-daemon"

// Daemon returns the latest heartbeat of a Start running on this database,
// possibly in another process, or nil when none ever ran. The beat is
// alive while it is younger than three heartbeat periods.
func (e *Engine) Daemon(ctx context.Context) (*observability.Beat, error) {
	return observability.LatestBeat(ctx, e.store.DB, daemonProcess, 3*e.cfg.Heartbeat, e.now())
}

// Close flushes metrics and releases what New opened.
func (e *Engine) Close() error {
	e.metrics.Close()
	if e.ownRouter {
		e.router.Close()
	}
	if e.ownLedger {
		e.ledger.Close()
	}
	if e.ownStore {
		return e.store.Close()
	}
	return nil
}

// DB returns the engine database.
func (e *Engine) DB() *sql.DB { return e.store.DB }

// Bus returns the event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Reports returns the local report store.
func (e *Engine) Reports() *ReportStore { return e.reports }

// Settings returns the sync settings store.
func (e *Engine) Settings() *SettingsStore { return e.settings }

// Orchestrator returns the sync orchestrator.
func (e *Engine) Orchestrator() *Orchestrator { return e.orch }

// AutoSync returns the autosync consumer.
func (e *Engine) AutoSync() *AutoSyncer { return e.autosync }

// Router returns the connectivity router, nil when WithRemote was used.
func (e *Engine) Router() *connectivity.Router { return e.router }

// Signer returns the configured signing capability, possibly nil.
func (e *Engine) Signer() wallet.Signer { return e.signer }

// SyncAll runs Orchestrator.SyncAll with the engine's signer.
func (e *Engine) SyncAll(ctx context.Context, opts ...SyncOption) (SyncStats, error) {
	return e.orch.SyncAll(ctx, e.signer, opts...)
}

// Retry runs Orchestrator.Retry with the engine's signer.
func (e *Engine) Retry(ctx context.Context, id string) (*Report, error) {
	return e.orch.Retry(ctx, e.signer, id)
}

// History returns the journal entries of one report, oldest first.
func (e *Engine) History(ctx context.Context, id string, limit int) ([]*observability.Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	entries, err := e.journal.List(ctx, id, limit)
	if err != nil {
		return nil, &StorageError{Op: "history", Err: err}
	}
	return entries, nil
}

// Stats returns the derived counters.
func (e *Engine) Stats(ctx context.Context) (SyncStats, error) {
	return e.reports.Stats(ctx)
}
