package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/intelsync/dbopen"
	"github.com/hazyhaar/intelsync/observability"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func echo(prefix string) Handler {
	return func(_ context.Context, p []byte) ([]byte, error) {
		return append([]byte(prefix), p...), nil
	}
}

// stubFactory counts builds and closes.
func stubFactory(built, closed *atomic.Int32) TransportFactory {
	return func(endpoint string, _ json.RawMessage) (Handler, func(), error) {
		built.Add(1)
		return echo("remote:" + endpoint + ":"), func() { closed.Add(1) }, nil
	}
}

func TestRegisterLocal_and_Call(t *testing.T) {
	r := New()
	r.RegisterLocal("svc", echo("local:"))

	resp, err := r.Call(context.Background(), "svc", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "local:x" {
		t.Fatalf("resp = %q", resp)
	}
	if got := r.Strategy("svc"); got != StrategyLocal {
		t.Fatalf("strategy = %q", got)
	}
}

func TestCall_ServiceNotFound(t *testing.T) {
	r := New()
	_, err := r.Call(context.Background(), "missing", nil)
	var nf *ErrServiceNotFound
	if !errors.As(err, &nf) || nf.Service != "missing" {
		t.Fatalf("err = %v", err)
	}
	if r.Strategy("missing") != "" {
		t.Fatal("missing service should have no strategy")
	}
}

func TestReload_NoopStrategy(t *testing.T) {
	db := setupTestDB(t)
	r := New()
	called := false
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) { called = true; return nil, nil })
	db.Exec(`INSERT INTO routes (service_name, strategy) VALUES ('svc', 'noop')`)

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	resp, err := r.Call(context.Background(), "svc", []byte("x"))
	if err != nil || resp != nil || called {
		t.Fatalf("noop route: resp=%q err=%v called=%v", resp, err, called)
	}
}

func TestReload_RemoteOverridesLocal(t *testing.T) {
	db := setupTestDB(t)
	var built, closed atomic.Int32
	r := New()
	r.RegisterTransport("http", stubFactory(&built, &closed))
	r.RegisterLocal("svc", echo("local:"))
	db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('svc', 'http', 'ep1')`)

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	resp, _ := r.Call(context.Background(), "svc", []byte("x"))
	if string(resp) != "remote:ep1:x" {
		t.Fatalf("resp = %q", resp)
	}
	if r.Strategy("svc") != StrategyHTTP {
		t.Fatalf("strategy = %q", r.Strategy("svc"))
	}
}

func TestReload_HandlerLifecycle(t *testing.T) {
	db := setupTestDB(t)
	var built, closed atomic.Int32
	r := New()
	r.RegisterTransport("http", stubFactory(&built, &closed))
	ctx := context.Background()

	db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('svc', 'http', 'ep1')`)
	r.Reload(ctx, db)
	r.Reload(ctx, db)
	if built.Load() != 1 || closed.Load() != 0 {
		t.Fatalf("unchanged route: built=%d closed=%d", built.Load(), closed.Load())
	}

	db.Exec(`UPDATE routes SET endpoint = 'ep2' WHERE service_name = 'svc'`)
	r.Reload(ctx, db)
	if built.Load() != 2 || closed.Load() != 1 {
		t.Fatalf("changed route: built=%d closed=%d", built.Load(), closed.Load())
	}
	resp, _ := r.Call(ctx, "svc", []byte("x"))
	if string(resp) != "remote:ep2:x" {
		t.Fatalf("resp = %q", resp)
	}

	db.Exec(`DELETE FROM routes`)
	r.Reload(ctx, db)
	if closed.Load() != 2 {
		t.Fatalf("removed route: closed=%d", closed.Load())
	}
	if _, err := r.Call(ctx, "svc", nil); err == nil {
		t.Fatal("expected not found after route removal")
	}
}

func TestReload_MissingFactoryFallsBackToLocal(t *testing.T) {
	db := setupTestDB(t)
	r := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.RegisterLocal("svc", echo("local:"))
	db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('svc', 'http', 'ep')`)

	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	resp, err := r.Call(context.Background(), "svc", []byte("x"))
	if err != nil || string(resp) != "local:x" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
	if r.Strategy("svc") != StrategyLocal {
		t.Fatalf("strategy = %q", r.Strategy("svc"))
	}
}

func TestClose(t *testing.T) {
	db := setupTestDB(t)
	var built, closed atomic.Int32
	r := New()
	r.RegisterTransport("http", stubFactory(&built, &closed))
	db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('a', 'http', 'x'), ('b', 'http', 'y')`)
	r.Reload(context.Background(), db)

	r.Close()
	if closed.Load() != 2 {
		t.Fatalf("closed = %d, want 2", closed.Load())
	}
}

func TestAdmin_CRUD(t *testing.T) {
	db := setupTestDB(t)
	a := NewAdmin(db)
	ctx := context.Background()

	if err := a.UpsertRoute(ctx, "svc", "http", "https://ledger.example/rpc", json.RawMessage(`{"timeout_ms":500}`)); err != nil {
		t.Fatal(err)
	}
	if err := a.UpsertRoute(ctx, "svc", "local", "", nil); err != nil {
		t.Fatal(err)
	}
	routes, err := a.ListRoutes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].Strategy != "local" {
		t.Fatalf("routes = %+v", routes)
	}

	if err := a.UpsertRoute(ctx, "bad", "carrier-pigeon", "", nil); err == nil {
		t.Fatal("unknown strategy should violate CHECK constraint")
	}
	if err := a.UpsertRoute(ctx, "bad", "http", "", json.RawMessage(`{nope`)); err == nil {
		t.Fatal("invalid config JSON should be rejected")
	}

	if err := a.DeleteRoute(ctx, "svc"); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteRoute(ctx, "svc"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("err = %v, want ErrRouteNotFound", err)
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(10*time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)

	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Fatal("should stay closed below threshold")
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should be open after threshold")
	}

	now = now.Add(10 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(WithBreakerThreshold(1), WithBreakerResetTimeout(time.Second),
		WithBreakerClock(func() time.Time { return now }))
	cb.RecordFailure()
	now = now.Add(time.Second)
	cb.Allow()
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
}

func TestWithCircuitBreaker_Middleware(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	fail := func(context.Context, []byte) ([]byte, error) { return nil, errors.New("down") }
	h := WithCircuitBreaker(cb, "svc")(fail)

	h(context.Background(), nil)
	_, err := h(context.Background(), nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestWithCircuitBreaker_IgnoresCallerCancel(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	h := WithCircuitBreaker(cb, "svc")(func(ctx context.Context, _ []byte) ([]byte, error) {
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h(ctx, nil)
	if cb.State() != BreakerClosed {
		t.Fatal("caller cancellation must not trip the breaker")
	}
}

func TestChainAndRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}
	panicky := func(context.Context, []byte) ([]byte, error) { panic("kaboom") }

	_, err := Chain(mw("a"), Recovery(logger), mw("b"))(panicky)(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) || p.Value != "kaboom" {
		t.Fatalf("err = %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}
}

func TestTimeout(t *testing.T) {
	slow := func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := Timeout(10 * time.Millisecond)(slow)(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestWithObservability(t *testing.T) {
	db := setupTestDB(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	mm := observability.NewMetricsManager(db, observability.MetricsOptions{FlushInterval: time.Hour})
	r := New()
	r.RegisterLocal("svc", echo(""))

	h := WithObservability(mm, r, "svc")(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("x")
	})
	h(context.Background(), nil)
	mm.Close()

	errs, _ := mm.Query(context.Background(), observability.MetricRemoteCallError, time.Time{}, 0)
	if len(errs) != 1 || errs[0].Labels["strategy"] != "local" {
		t.Fatalf("error metrics = %+v", errs)
	}
}

func TestHTTPFactory_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.Write(append([]byte("ok:"), body...))
	}))
	defer srv.Close()

	f := HTTPFactory()
	h, closeFn, err := f(srv.URL+"/rpc", json.RawMessage(`{"allow_private":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	resp, err := h(context.Background(), []byte("ping"))
	if err != nil || string(resp) != "ok:ping" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}

	hf, _, _ := f(srv.URL+"/fail", json.RawMessage(`{"allow_private":true}`))
	_, err = hf(context.Background(), nil)
	var st *ErrRemoteStatus
	if !errors.As(err, &st) || st.Status != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPFactory_RejectsPrivateURL(t *testing.T) {
	if _, _, err := HTTPFactory()("http://127.0.0.1:9/rpc", nil); err == nil {
		t.Fatal("loopback endpoint must be rejected without allow_private")
	}
}

func TestWatch_DetectsChanges(t *testing.T) {
	path := t.TempDir() + "/routes.db"
	db, err := dbopen.Open(path, dbopen.WithSchema(Schema))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	writer, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	var built, closed atomic.Int32
	r := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.RegisterTransport("http", stubFactory(&built, &closed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Watch(ctx, db, 20*time.Millisecond)

	writer.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('svc', 'http', 'ep')`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err := r.Call(context.Background(), "svc", []byte("x")); err == nil && string(resp) == "remote:ep:x" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up the new route")
}
