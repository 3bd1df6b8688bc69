package store

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/intelsync/dbopen"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func testStore(t *testing.T) (*Store, *stepClock) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	clk := &stepClock{t: time.UnixMilli(1_700_000_000_000)}
	return &Store{DB: db, Clock: clk.now}, clk
}

func insert(t *testing.T, s *Store, id string, status Status) *Report {
	t.Helper()
	r := &Report{OfflineID: id, Title: "t-" + id, Tags: []string{"a"}, Status: status}
	if err := s.InsertReport(context.Background(), r); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	return r
}

func TestReportCRUD(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	r := &Report{
		OfflineID: "ofr_1",
		Title:     "Road blocked",
		Content:   "Convoy stopped",
		Tags:      []string{"traffic", "north"},
		Latitude:  40.7128,
		Longitude: -74.006,
		Timestamp: 1234,
		Author:    "abcd",
		Status:    StatusDraft,
	}
	if err := s.InsertReport(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if r.CreatedAt == 0 || r.LastModified == 0 {
		t.Fatal("timestamps not stamped")
	}

	got, err := s.GetReport(ctx, "ofr_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Title != "Road blocked" || len(got.Tags) != 2 || got.Latitude != 40.7128 {
		t.Fatalf("get: %+v", got)
	}

	missing, err := s.GetReport(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing: %v %v", missing, err)
	}

	ok, err := s.DeleteReport(ctx, "ofr_1")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, _ = s.DeleteReport(ctx, "ofr_1")
	if ok {
		t.Fatal("second delete should report false")
	}
}

func TestInsert_DuplicateIDRejected(t *testing.T) {
	s, _ := testStore(t)
	insert(t, s, "ofr_1", StatusDraft)
	if err := s.InsertReport(context.Background(), &Report{OfflineID: "ofr_1", Title: "x", Status: StatusDraft}); err == nil {
		t.Fatal("offline IDs must not be reused")
	}
}

func TestListReports_OrderAndFilter(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	insert(t, s, "a", StatusDraft)
	insert(t, s, "b", StatusPending)
	insert(t, s, "c", StatusPending)

	// Touch "b" so it sorts last.
	if _, err := s.MutateReport(ctx, "b", func(r *Report) error { r.Title = "edited"; return nil }); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListReports(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].OfflineID != "a" || all[2].OfflineID != "b" {
		t.Fatalf("order: %v", ids(all))
	}

	pending, _ := s.ListReports(ctx, ListFilter{Statuses: []Status{StatusPending}})
	if len(pending) != 2 || pending[0].OfflineID != "c" {
		t.Fatalf("pending: %v", ids(pending))
	}

	limited, _ := s.ListReports(ctx, ListFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit: %v", ids(limited))
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusPending, true},
		{StatusDraft, StatusSynced, false},
		{StatusDraft, StatusSyncing, false},
		{StatusPending, StatusSyncing, true},
		{StatusPending, StatusSynced, false},
		{StatusSyncing, StatusSynced, true},
		{StatusSyncing, StatusConflict, true},
		{StatusSyncing, StatusError, true},
		{StatusSyncing, StatusPending, true},
		{StatusConflict, StatusPending, true},
		{StatusConflict, StatusSynced, false},
		{StatusError, StatusSyncing, true},
		{StatusError, StatusPending, false},
		{StatusSynced, StatusPending, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestMutateReport_RejectsInvalidTransition(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	insert(t, s, "a", StatusDraft)

	_, err := s.MutateReport(ctx, "a", func(r *Report) error {
		r.Status = StatusSynced
		r.Title = "should not persist"
		return nil
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	got, _ := s.GetReport(ctx, "a")
	if got.Status != StatusDraft || got.Title != "t-a" {
		t.Fatalf("partial write: %+v", got)
	}
}

func TestMutateReport_FnErrorWritesNothing(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	insert(t, s, "a", StatusDraft)
	boom := errors.New("boom")

	_, err := s.MutateReport(ctx, "a", func(r *Report) error {
		r.Title = "changed"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := s.GetReport(ctx, "a")
	if got.Title != "t-a" {
		t.Fatal("write applied despite error")
	}
}

func TestMutateReport_NotFound(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.MutateReport(context.Background(), "nope", func(r *Report) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMutateReport_ConflictDataInvariant(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	insert(t, s, "a", StatusDraft)
	step := func(fn func(r *Report)) *Report {
		t.Helper()
		r, err := s.MutateReport(ctx, "a", func(r *Report) error { fn(r); return nil })
		if err != nil {
			t.Fatal(err)
		}
		return r
	}
	step(func(r *Report) { r.Status = StatusPending })
	step(func(r *Report) { r.Status = StatusSyncing })

	// conflict without data is refused.
	if _, err := s.MutateReport(ctx, "a", func(r *Report) error { r.Status = StatusConflict; return nil }); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}

	r := step(func(r *Report) {
		r.Status = StatusConflict
		r.ConflictData = &ConflictData{Type: ConflictDuplicate, CandidateRemoteID: "led_1"}
	})
	if r.ConflictData == nil {
		t.Fatal("conflict data missing")
	}
	got, _ := s.GetReport(ctx, "a")
	if got.ConflictData == nil || got.ConflictData.CandidateRemoteID != "led_1" {
		t.Fatalf("stored conflict data: %+v", got.ConflictData)
	}

	r = step(func(r *Report) { r.Status = StatusPending })
	if r.ConflictData != nil {
		t.Fatal("conflict data must be cleared when leaving conflict")
	}
	got, _ = s.GetReport(ctx, "a")
	if got.ConflictData != nil {
		t.Fatal("stored conflict data must be cleared")
	}
}

func TestMutateReport_LastModifiedMonotonic(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()
	r := insert(t, s, "a", StatusDraft)
	first := r.LastModified

	clk.t = clk.t.Add(-time.Hour)
	got, err := s.MutateReport(ctx, "a", func(r *Report) error { r.Title = "x"; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if got.LastModified < first {
		t.Fatalf("lastModified went backwards: %d < %d", got.LastModified, first)
	}
}

func TestMutateReport_IdentityImmutable(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	insert(t, s, "a", StatusDraft)
	got, err := s.MutateReport(ctx, "a", func(r *Report) error { r.OfflineID = "b"; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if got.OfflineID != "a" {
		t.Fatal("offline ID changed")
	}
	if r, _ := s.GetReport(ctx, "b"); r != nil {
		t.Fatal("record was renamed")
	}
}

func TestRoundTrip_OptionalColumns(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	insert(t, s, "a", StatusDraft)
	_, err := s.MutateReport(ctx, "a", func(r *Report) error {
		r.MarkEdited("title", "content", "title")
		r.IgnoredRemotes = []string{"led_1"}
		r.Resolution = &Resolution{Strategy: StrategyReplace, RemoteID: "led_1", Supersedes: "led_1", ResolvedAt: 9}
		r.Previous = r.Snapshot()
		r.RemoteID = "led_2"
		r.ErrorKind = ErrorKindNetwork
		r.RetryCount = 2
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetReport(ctx, "a")
	if len(got.EditedFields) != 2 || got.EditedFields[0] != "content" {
		t.Fatalf("edited = %v", got.EditedFields)
	}
	if !got.Ignores("led_1") || got.Resolution.Supersedes != "led_1" || got.Previous.Title != "t-a" {
		t.Fatalf("optional columns: %+v", got)
	}
	if got.RetryCount != 2 || got.ErrorKind != ErrorKindNetwork || got.RemoteID != "led_2" {
		t.Fatalf("scalar columns: %+v", got)
	}
}

func TestGetReport_CorruptJSONColumns(t *testing.T) {
	for _, col := range []string{"edited_fields", "ignored_remotes"} {
		t.Run(col, func(t *testing.T) {
			s, _ := testStore(t)
			insert(t, s, "a", StatusPending)
			if _, err := s.DB.Exec(`UPDATE offline_reports SET `+col+` = '{broken' WHERE offline_id = 'a'`); err != nil {
				t.Fatal(err)
			}
			if _, err := s.GetReport(context.Background(), "a"); err == nil {
				t.Fatalf("corrupt %s must fail the read", col)
			}
		})
	}
}

func TestCountAndPurge(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()
	insert(t, s, "a", StatusDraft)
	insert(t, s, "b", StatusPending)
	insert(t, s, "c", StatusSynced)

	st, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.ByStatus[StatusSynced] != 1 || st.ByStatus[StatusPending] != 1 {
		t.Fatalf("stats = %+v", st)
	}

	n, err := s.PurgeSynced(ctx, clk.t.Add(time.Second).UnixMilli())
	if err != nil || n != 1 {
		t.Fatalf("purge: %d %v", n, err)
	}

	n, err = s.DeleteAllReports(ctx)
	if err != nil || n != 2 {
		t.Fatalf("delete all: %d %v", n, err)
	}
	st, _ = s.CountByStatus(ctx)
	if st.Total != 0 {
		t.Fatalf("total after clear = %d", st.Total)
	}
}

func TestRequeueStale(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	insert(t, s, "a", StatusSyncing)
	insert(t, s, "b", StatusPending)

	ids, err := s.RequeueStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("ids = %v", ids)
	}
	got, _ := s.GetReport(ctx, "a")
	if got.Status != StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestSettings_DefaultsAndPersist(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	st, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != DefaultSettings() {
		t.Fatalf("defaults = %+v", st)
	}

	st.BatchSize = 2
	st.ConflictResolution = StrategyMerge
	if err := s.PutSettings(ctx, st); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSettings(ctx)
	if got.BatchSize != 2 || got.ConflictResolution != StrategyMerge || got.MaxRetries != 3 {
		t.Fatalf("persisted = %+v", got)
	}
}

func ids(rs []*Report) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.OfflineID
	}
	return out
}
