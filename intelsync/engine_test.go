package intelsync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/intelsync/connectivity"
	"github.com/hazyhaar/intelsync/dbopen"
	"github.com/hazyhaar/intelsync/eventbus"
	"github.com/hazyhaar/intelsync/idgen"
	"github.com/hazyhaar/intelsync/ledger"
	"github.com/hazyhaar/intelsync/wallet"

	_ "modernc.org/sqlite"
)

// testClock advances one millisecond per reading so lastModified ordering
// follows call order.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.UnixMilli(1_700_000_000_000)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
	clock *testClock // advanced by every wait when set
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	clock := s.clock
	s.mu.Unlock()
	if clock != nil {
		clock.Advance(d)
	}
	return ctx.Err()
}

type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) add(e eventbus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) named(name string) []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []eventbus.Event
	for _, e := range l.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

// fakeRemote talks to a ledger directly and lets tests replace Submit.
type fakeRemote struct {
	led *ledger.Ledger

	mu       sync.Mutex
	submitFn func(ctx context.Context, env ledger.Envelope) (string, error)
	listErr  error
	submits  int
}

func (f *fakeRemote) ListReports(ctx context.Context) ([]RemoteReport, error) {
	f.mu.Lock()
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	recs, err := f.led.List(ctx, ledger.ListRequest{})
	if err != nil {
		return nil, err
	}
	return toRemote(recs), nil
}

func (f *fakeRemote) Submit(ctx context.Context, env ledger.Envelope) (string, error) {
	f.mu.Lock()
	f.submits++
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, env)
	}
	return f.passthrough(ctx, env)
}

func (f *fakeRemote) passthrough(ctx context.Context, env ledger.Envelope) (string, error) {
	res, err := f.led.Submit(ctx, env)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

func (f *fakeRemote) set(fn func(ctx context.Context, env ledger.Envelope) (string, error)) {
	f.mu.Lock()
	f.submitFn = fn
	f.mu.Unlock()
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type harness struct {
	eng    *Engine
	led    *ledger.Ledger
	key    *wallet.Keypair
	remote *fakeRemote
	clock  *testClock
	sleeps *sleepLog
	events *eventLog
}

// newHarness builds an engine on in-memory SQLite with an embedded ledger
// reached through the connectivity router.
func newHarness(t *testing.T, opts ...Option) *harness {
	return buildHarness(t, &Config{}, false, opts...)
}

// newFakeHarness routes remote calls through a fakeRemote instead.
func newFakeHarness(t *testing.T, opts ...Option) *harness {
	return buildHarness(t, &Config{}, true, opts...)
}

func buildHarness(t *testing.T, cfg *Config, fake bool, opts ...Option) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ldb := dbopen.OpenMemory(t, dbopen.WithSchema(ledger.Schema))

	h := &harness{clock: newTestClock(), sleeps: &sleepLog{}, events: &eventLog{}}
	h.led = ledger.NewWithDB(ldb, ledger.WithIDGenerator(idgen.Sequence("led_")), ledger.WithClock(h.clock.Now))
	key, err := wallet.FromSeed(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatal(err)
	}
	h.key = key

	base := []Option{
		WithSigner(key),
		WithClock(h.clock.Now),
		WithSleeper(h.sleeps.sleep),
		WithIDGenerator(idgen.Sequence("ofr_")),
	}
	if fake {
		h.remote = &fakeRemote{led: h.led}
		base = append(base, WithRemote(h.remote))
	} else {
		base = append(base, WithLedger(h.led))
	}
	eng, err := NewWithDB(db, cfg, slog.Default(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewWithDB: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	eng.Bus().OnAll(h.events.add)
	h.eng = eng
	return h
}

func (h *harness) create(t *testing.T, in CreateInput) *Report {
	t.Helper()
	r, err := h.eng.Reports().Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create %q: %v", in.Title, err)
	}
	return r
}

func (h *harness) get(t *testing.T, id string) *Report {
	t.Helper()
	r, err := h.eng.Reports().Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatalf("report %s missing", id)
	}
	return r
}

func (h *harness) settings(t *testing.T, p SettingsPatch) {
	t.Helper()
	if _, err := h.eng.Settings().Update(context.Background(), p); err != nil {
		t.Fatalf("settings: %v", err)
	}
}

// seedRemote records sub in the ledger as if another device of the same
// author had synced it.
func (h *harness) seedRemote(t *testing.T, sub ledger.Submission) string {
	t.Helper()
	ctx := context.Background()
	sub.Author = h.key.PublicKey()
	payload, err := sub.Encode()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := h.key.SignTransaction(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.led.Submit(ctx, ledger.Envelope{PublicKey: sub.Author, Payload: payload, Signature: sig})
	if err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	return res.ID
}

func ptr[T any](v T) *T { return &v }

// --- engine ---

func TestNew_OpensFileDatabases(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DBPath: dir + "/data/intelsync.db", Ledger: LedgerConfig{DBPath: dir + "/data/ledger.db"}}
	key, _ := wallet.Generate()
	eng, err := New(cfg, nil, WithSigner(key), WithSleeper(func(context.Context, time.Duration) error { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	ctx := context.Background()
	r, err := eng.Reports().Create(ctx, CreateInput{Title: "Roadblock", Submit: true})
	if err != nil {
		t.Fatal(err)
	}
	stats, err := eng.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.SuccessfulSyncs != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := eng.Reports().Get(ctx, r.OfflineID)
	if got.Status != StatusSynced || got.RemoteID == "" {
		t.Fatalf("got %+v", got)
	}
	if s := eng.Router().Strategy(ledger.ServiceSubmit); s != "local" {
		t.Fatalf("strategy = %q, want local", s)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{Backoff: BackoffConfig{Base: time.Minute, Max: time.Second}}, nil)
	if err == nil {
		t.Fatal("backoff.max < backoff.base must be rejected")
	}
}

func TestEngine_LedgerOverHTTP(t *testing.T) {
	ldb := dbopen.OpenMemory(t, dbopen.WithSchema(ledger.Schema))
	led := ledger.NewWithDB(ldb)
	srv := httptest.NewServer(led.Handler(nil))
	defer srv.Close()

	key, _ := wallet.Generate()
	db := dbopen.OpenMemory(t)
	cfg := &Config{Ledger: LedgerConfig{Endpoint: srv.URL, AllowPrivate: true}}
	eng, err := NewWithDB(db, cfg, nil, WithSigner(key))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })

	if s := eng.Router().Strategy(ledger.ServiceSubmit); s != "http" {
		t.Fatalf("strategy = %q, want http", s)
	}

	ctx := context.Background()
	r, _ := eng.Reports().Create(ctx, CreateInput{Title: "Bridge closed", Content: "Both lanes", Submit: true})
	if _, err := eng.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := eng.Reports().Get(ctx, r.OfflineID)
	if got.Status != StatusSynced {
		t.Fatalf("status = %s (%s)", got.Status, got.LastError)
	}
	rec, err := led.Get(ctx, got.RemoteID)
	if err != nil || rec == nil {
		t.Fatalf("ledger record: %v %v", rec, err)
	}
	if rec.Author != key.PublicKey() || rec.OfflineID != r.OfflineID {
		t.Fatalf("record = %+v", rec)
	}
}

func TestEngine_RejectionOverHTTPIsNotRetried(t *testing.T) {
	ldb := dbopen.OpenMemory(t, dbopen.WithSchema(ledger.Schema))
	srv := httptest.NewServer(ledger.NewWithDB(ldb).Handler(nil))
	defer srv.Close()

	key, _ := wallet.Generate()
	sleeps := &sleepLog{}
	cfg := &Config{Ledger: LedgerConfig{Endpoint: srv.URL, AllowPrivate: true}}
	eng, err := NewWithDB(dbopen.OpenMemory(t), cfg, nil, WithSigner(key), WithSleeper(sleeps.sleep))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })

	ctx := context.Background()
	// Authored under another key: the ledger answers 401.
	r, _ := eng.Reports().Create(ctx, CreateInput{Title: "Forged", Author: "ab12", Submit: true})
	if _, err := eng.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := eng.Reports().Get(ctx, r.OfflineID)
	if got.Status != StatusError || got.ErrorKind != ErrorKindRejected || got.RetryCount != 0 {
		t.Fatalf("got status=%s kind=%s retries=%d", got.Status, got.ErrorKind, got.RetryCount)
	}
	if len(sleeps.waits) != 0 {
		t.Fatalf("rejections must not back off, waits = %v", sleeps.waits)
	}
}

func TestEngine_History(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, CreateInput{Title: "Checkpoint", Submit: true})
	if _, err := h.eng.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}

	entries, err := h.eng.History(ctx, r.OfflineID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if e.EntityID != r.OfflineID {
			t.Fatalf("entry %s belongs to %s", e.ID, e.EntityID)
		}
		names = append(names, e.Event)
	}
	want := []string{EventReportCreated, EventReportUpdated, EventReportUpdated, EventSyncProgress}
	if len(names) != len(want) {
		t.Fatalf("history = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("history = %v, want %v", names, want)
		}
	}
}

func TestEngine_AutoSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	as := h.eng.AutoSync()

	h.create(t, CreateInput{Title: "Off", Submit: true})
	if n, _ := as.Pending(ctx); n != 0 {
		t.Fatalf("autosync off: queued %d", n)
	}

	h.settings(t, SettingsPatch{AutoSync: ptr(true)})
	a := h.create(t, CreateInput{Title: "Alpha", Submit: true})
	b := h.create(t, CreateInput{Title: "Bravo", Submit: true})
	h.create(t, CreateInput{Title: "Draft stays"})
	if n, _ := as.Pending(ctx); n != 1 {
		t.Fatalf("queued = %d, want one coalesced job", n)
	}

	if handled := as.Drain(ctx); handled != 1 {
		t.Fatalf("handled = %d", handled)
	}
	for _, id := range []string{a.OfflineID, b.OfflineID} {
		if got := h.get(t, id); got.Status != StatusSynced {
			t.Fatalf("%s status = %s", id, got.Status)
		}
	}
	if n, _ := as.Pending(ctx); n != 0 {
		t.Fatalf("job not acked, queued = %d", n)
	}
	stats, _ := h.eng.Stats(ctx)
	if stats.SuccessfulSyncs != 3 || stats.Drafts != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRouterRemote_ListBoundedByTimeout(t *testing.T) {
	router := connectivity.New()
	router.RegisterLocal(ledger.ServiceList, func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	remote := NewRouterRemote(router, RemoteOptions{Timeout: 20 * time.Millisecond})
	if _, err := remote.ListReports(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestEngine_ClearAllDropsAutoSyncJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.settings(t, SettingsPatch{AutoSync: ptr(true)})
	h.create(t, CreateInput{Title: "Queued", Submit: true})
	if n, _ := h.eng.AutoSync().Pending(ctx); n != 1 {
		t.Fatalf("queued = %d", n)
	}
	if _, err := h.eng.Reports().ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.eng.AutoSync().Pending(ctx); n != 0 {
		t.Fatalf("queued after clear = %d, want 0", n)
	}
}

func TestEngine_AutoSyncWithoutSignerAcks(t *testing.T) {
	h := newHarness(t, WithSigner(nil))
	ctx := context.Background()
	h.settings(t, SettingsPatch{AutoSync: ptr(true)})
	r := h.create(t, CreateInput{Title: "Waiting for key", Submit: true})

	h.eng.AutoSync().Drain(ctx)
	if n, _ := h.eng.AutoSync().Pending(ctx); n != 0 {
		t.Fatalf("queued = %d, want acked", n)
	}
	if got := h.get(t, r.OfflineID); got.Status != StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestEngine_RetentionPurgesSynced(t *testing.T) {
	h := buildHarness(t, &Config{SyncedRetention: time.Hour}, false)
	ctx := context.Background()
	old := h.create(t, CreateInput{Title: "Old", Submit: true})
	if _, err := h.eng.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}
	if h.get(t, old.OfflineID).Status != StatusSynced {
		t.Fatal("not synced")
	}

	h.clock.Advance(2 * time.Hour)
	fresh := h.create(t, CreateInput{Title: "Fresh", Submit: true})
	if _, err := h.eng.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}
	if r, _ := h.eng.Reports().Get(ctx, old.OfflineID); r != nil {
		t.Fatalf("old synced report kept: %+v", r)
	}
	if h.get(t, fresh.OfflineID).Status != StatusSynced {
		t.Fatal("fresh report purged or not synced")
	}
}

func TestEngine_StartWritesHeartbeat(t *testing.T) {
	h := newHarness(t)
	if beat, err := h.eng.Daemon(context.Background()); err != nil || beat != nil {
		t.Fatalf("before Start: beat = %v, err = %v", beat, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.eng.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		beat, err := h.eng.Daemon(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if beat != nil {
			if !beat.Alive || beat.Process != daemonProcess {
				t.Fatalf("beat = %+v", beat)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Start wrote no heartbeat")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.clock.Advance(time.Hour)
	beat, _ := h.eng.Daemon(context.Background())
	if beat == nil || beat.Alive {
		t.Fatalf("an hour without beats must read as stale: %+v", beat)
	}
}
