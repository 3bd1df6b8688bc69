package intelsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/intelsync/eventbus"
	"github.com/hazyhaar/intelsync/idgen"
	"github.com/hazyhaar/intelsync/intelsync/internal/conflict"
	"github.com/hazyhaar/intelsync/intelsync/internal/store"
)

// CreateInput is a new report. Submit queues it (pending) instead of
// keeping it as a draft.
type CreateInput struct {
	Title     string   `json:"title" validate:"required,max=200"`
	Content   string   `json:"content" validate:"max=20000"`
	Tags      []string `json:"tags" validate:"max=32,dive,required,max=64"`
	Latitude  float64  `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64  `json:"longitude" validate:"gte=-180,lte=180"`
	// Timestamp is the authoring time in unix ms; 0 means now.
	Timestamp int64  `json:"timestamp" validate:"gte=0"`
	Author    string `json:"author" validate:"max=128"`
	Submit    bool   `json:"submit"`
}

// Patch changes authored fields. nil fields are left alone; a non-nil
// empty Tags clears the tags.
type Patch struct {
	Title     *string  `json:"title,omitempty" validate:"omitempty,max=200"`
	Content   *string  `json:"content,omitempty" validate:"omitempty,max=20000"`
	Tags      []string `json:"tags,omitempty" validate:"omitempty,max=32,dive,required,max=64"`
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Timestamp *int64   `json:"timestamp,omitempty" validate:"omitempty,gte=0"`
}

// ListFilter narrows ReportStore.List.
type ListFilter struct {
	Statuses []Status `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// ReportStore is the local staging store. It never changes a report's
// status after creation; that is the Orchestrator's job.
type ReportStore struct {
	store     *store.Store
	bus       *eventbus.Bus
	newID     idgen.Generator
	now       func() time.Time
	logger    *slog.Logger
	onPending func(ctx context.Context)
}

// Create validates, sanitises and stores a new report, then emits
// report-created.
func (rs *ReportStore) Create(ctx context.Context, in CreateInput) (*Report, error) {
	if err := checkStruct(&in); err != nil {
		return nil, err
	}
	in.Title = sanitizePlain(in.Title)
	if in.Title == "" {
		return nil, invalid("title", "required")
	}
	stamped := in.Timestamp != 0
	if !stamped {
		in.Timestamp = rs.now().UnixMilli()
	}

	r := &Report{
		OfflineID: rs.newID(),
		Title:     in.Title,
		Content:   sanitizeContent(in.Content),
		Tags:      sanitizeTags(in.Tags),
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		Timestamp: in.Timestamp,
		Author:    sanitizePlain(in.Author),
		Status:    StatusDraft,
	}
	if in.Submit {
		r.Status = StatusPending
	}
	r.MarkEdited(conflict.FieldTitle)
	if r.Content != "" {
		r.MarkEdited(conflict.FieldContent)
	}
	if len(r.Tags) > 0 {
		r.MarkEdited(conflict.FieldTags)
	}
	if r.Latitude != 0 || r.Longitude != 0 {
		r.MarkEdited(conflict.FieldLocation)
	}
	if stamped {
		r.MarkEdited(conflict.FieldTimestamp)
	}

	if err := rs.store.InsertReport(ctx, r); err != nil {
		return nil, &StorageError{Op: "create", Err: err}
	}
	rs.logger.DebugContext(ctx, "intelsync: report created", "offline_id", r.OfflineID, "status", r.Status)
	rs.bus.Emit(ReportCreated{Report: r})
	if r.Status == StatusPending && rs.onPending != nil {
		rs.onPending(ctx)
	}
	return r, nil
}

// Update applies p to a report and emits report-updated. Reports being
// synced or already synced are immutable.
func (rs *ReportStore) Update(ctx context.Context, id string, p Patch) (*Report, error) {
	if err := checkStruct(&p); err != nil {
		return nil, err
	}
	if p.Title != nil {
		t := sanitizePlain(*p.Title)
		if t == "" {
			return nil, invalid("title", "required")
		}
		p.Title = &t
	}

	var changed []string
	r, err := rs.store.MutateReport(ctx, id, func(r *Report) error {
		if r.Status == StatusSyncing || r.Status == StatusSynced {
			return invalid("status", "immutable while "+string(r.Status))
		}
		if p.Title != nil {
			r.Title = *p.Title
			changed = append(changed, conflict.FieldTitle)
		}
		if p.Content != nil {
			r.Content = sanitizeContent(*p.Content)
			changed = append(changed, conflict.FieldContent)
		}
		if p.Tags != nil {
			r.Tags = sanitizeTags(p.Tags)
			changed = append(changed, conflict.FieldTags)
		}
		if p.Latitude != nil || p.Longitude != nil {
			if p.Latitude != nil {
				r.Latitude = *p.Latitude
			}
			if p.Longitude != nil {
				r.Longitude = *p.Longitude
			}
			changed = append(changed, conflict.FieldLocation)
		}
		if p.Timestamp != nil {
			r.Timestamp = *p.Timestamp
			changed = append(changed, conflict.FieldTimestamp)
		}
		r.MarkEdited(changed...)
		return nil
	})
	if err != nil {
		return nil, rs.wrap("update", id, err)
	}
	rs.bus.Emit(ReportUpdated{Report: r, Fields: changed})
	return r, nil
}

// Delete removes a report.
func (rs *ReportStore) Delete(ctx context.Context, id string) error {
	ok, err := rs.store.DeleteReport(ctx, id)
	if err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	if !ok {
		return &NotFoundError{OfflineID: id}
	}
	rs.bus.Emit(ReportDeleted{OfflineID: id})
	return nil
}

// Get returns a report, or nil when it does not exist.
func (rs *ReportStore) Get(ctx context.Context, id string) (*Report, error) {
	r, err := rs.store.GetReport(ctx, id)
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return r, nil
}

// List returns reports ordered by lastModified.
func (rs *ReportStore) List(ctx context.Context, f ListFilter) ([]*Report, error) {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, invalid("statuses", "unknown status "+string(s))
		}
	}
	out, err := rs.store.ListReports(ctx, store.ListFilter{Statuses: f.Statuses, Limit: f.Limit})
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	if out == nil {
		out = []*Report{}
	}
	return out, nil
}

// ClearAll removes every report and emits reports-cleared.
func (rs *ReportStore) ClearAll(ctx context.Context) (int, error) {
	n, err := rs.store.DeleteAllReports(ctx)
	if err != nil {
		return 0, &StorageError{Op: "clear", Err: err}
	}
	rs.logger.InfoContext(ctx, "intelsync: offline data cleared", "count", n)
	rs.bus.Emit(ReportsCleared{Count: n})
	return n, nil
}

// Stats counts reports per status.
func (rs *ReportStore) Stats(ctx context.Context) (SyncStats, error) {
	st, err := rs.store.CountByStatus(ctx)
	if err != nil {
		return SyncStats{}, &StorageError{Op: "stats", Err: err}
	}
	return statsFrom(st), nil
}

func (rs *ReportStore) wrap(op, id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &NotFoundError{OfflineID: id}
	}
	return storageErr(op, err)
}
