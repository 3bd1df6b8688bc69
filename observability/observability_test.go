package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/intelsync/dbopen"
	"github.com/hazyhaar/intelsync/idgen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"metrics_timeseries", "event_journal", "process_heartbeats"} {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		if n != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, MetricsOptions{BufferSize: 100, FlushInterval: time.Hour})

	mm.Record(&Metric{Name: MetricRemoteCallMs, Value: 12, Unit: "milliseconds",
		Labels: map[string]string{"service": "ledger_submit_report"}})
	mm.Count(MetricSyncSubmitted, nil)
	mm.Close()

	got, err := mm.Query(context.Background(), MetricRemoteCallMs, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d metrics, want 1", len(got))
	}
	if got[0].Value != 12 || got[0].Labels["service"] != "ledger_submit_report" {
		t.Fatalf("unexpected metric %+v", got[0])
	}

	all, err := mm.Query(context.Background(), "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d metrics, want 2", len(all))
	}
}

func TestMetricsManager_FlushOnBufferFull(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, MetricsOptions{BufferSize: 2, FlushInterval: time.Hour})
	defer mm.Close()

	mm.Count("a", nil)
	mm.Count("b", nil)

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("rows = %d, want 2 after buffer flush", n)
	}
}

func TestMetricsManager_NilSafe(t *testing.T) {
	var mm *MetricsManager
	mm.Count("x", nil)
	mm.Flush()
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, MetricsOptions{FlushInterval: time.Hour})
	mm.Record(&Metric{Name: "old", Timestamp: time.Now().Add(-48 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "new", Value: 1})
	mm.Close()

	n, err := mm.Cleanup(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
}

func TestJournal_AppendAndList(t *testing.T) {
	db := setupObsDB(t)
	clock := time.UnixMilli(1_700_000_000_000)
	j := NewJournal(db,
		WithJournalIDGenerator(idgen.Sequence("evt_")),
		WithJournalClock(func() time.Time { return clock }),
	)
	ctx := context.Background()

	j.Append(ctx, "report-created", "ofr_1", map[string]string{"title": "A"})
	j.Append(ctx, "report-updated", "ofr_1", map[string]string{"status": "pending"})
	j.Append(ctx, "report-created", "ofr_2", map[string]string{"title": "B"})
	j.Append(ctx, "sync-started", "", map[string]any{"reportIds": []string{"ofr_1"}})

	entries, err := j.List(ctx, "ofr_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Event != "report-created" || entries[1].Event != "report-updated" {
		t.Fatalf("order: %s, %s", entries[0].Event, entries[1].Event)
	}
	var p map[string]string
	if err := json.Unmarshal(entries[1].Payload, &p); err != nil || p["status"] != "pending" {
		t.Fatalf("payload = %s (%v)", entries[1].Payload, err)
	}

	all, _ := j.List(ctx, "", 0)
	if len(all) != 4 {
		t.Fatalf("all = %d, want 4", len(all))
	}
}

func TestJournal_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	now := time.Now()
	j := NewJournal(db, WithJournalClock(func() time.Time { return now.Add(-72 * time.Hour) }))
	j.Append(context.Background(), "old", "x", nil)

	j2 := NewJournal(db)
	j2.Append(context.Background(), "fresh", "x", nil)

	n, err := j2.Cleanup(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
}

func TestHeartbeat_LatestBeat(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	b, err := LatestBeat(ctx, db, "intelsync-serve", time.Minute, time.Now())
	if err != nil || b != nil {
		t.Fatalf("empty table: beat = %v, err = %v", b, err)
	}

	at := time.UnixMilli(1_700_000_000_000)
	now := at
	hb := NewHeartbeat(db, "intelsync-serve", 0, WithHeartbeatClock(func() time.Time { return now }))
	if hb.Interval() != 15*time.Second {
		t.Fatalf("interval = %s", hb.Interval())
	}
	if err := hb.Beat(ctx); err != nil {
		t.Fatal(err)
	}
	now = at.Add(15 * time.Second)
	if err := hb.Beat(ctx); err != nil {
		t.Fatal(err)
	}

	b, err = LatestBeat(ctx, db, "intelsync-serve", 45*time.Second, at.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || !b.Alive || !b.At.Equal(at.Add(15*time.Second)) {
		t.Fatalf("beat = %+v", b)
	}
	if b.PID == 0 || b.Goroutines == 0 {
		t.Fatalf("runtime fields not filled: %+v", b)
	}

	b, _ = LatestBeat(ctx, db, "intelsync-serve", 45*time.Second, at.Add(time.Hour))
	if b.Alive {
		t.Fatal("beat an hour old must be stale")
	}
	if other, _ := LatestBeat(ctx, db, "other", time.Minute, at); other != nil {
		t.Fatal("beats are per process")
	}

	n, err := CleanupHeartbeats(ctx, db, at.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("cleanup: n = %d, err = %v", n, err)
	}
}

func TestHeartbeat_RunStopsWithContext(t *testing.T) {
	db := setupObsDB(t)
	hb := NewHeartbeat(db, "worker", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		b, _ := LatestBeat(context.Background(), db, "worker", time.Minute, time.Now())
		if b != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no immediate beat")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
