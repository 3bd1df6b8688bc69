package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/intelsync/dbopen"
)

var (
	// ErrNotFound is returned by Mutate when the record does not exist.
	ErrNotFound = errors.New("report not found")
	// ErrInvalidTransition is returned when a status change is not an edge
	// of the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const reportColumns = `offline_id, title, content, tags, latitude, longitude, timestamp, author,
	status, conflict_data, last_modified, retry_count, created_at, edited_fields,
	remote_id, last_error, error_kind, resolution, ignored_remotes, previous`

// ListFilter narrows List.
type ListFilter struct {
	Statuses []Status
	Limit    int
}

type rowScanner interface {
	Scan(dest ...any) error
}

// InsertReport stores a new report. CreatedAt and LastModified are stamped
// when zero.
func (s *Store) InsertReport(ctx context.Context, r *Report) error {
	now := s.nowMs()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.LastModified == 0 {
		r.LastModified = now
	}
	if !r.Status.Valid() {
		return fmt.Errorf("insert report: unknown status %q", r.Status)
	}
	if (r.Status == StatusConflict) != (r.ConflictData != nil) {
		return fmt.Errorf("insert report: conflict data must be set iff status is conflict")
	}
	args, err := reportArgs(r)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO offline_reports (`+reportColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		args...)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// GetReport returns a report by ID, or nil if absent.
func (s *Store) GetReport(ctx context.Context, id string) (*Report, error) {
	return getReport(ctx, s.DB, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getReport(ctx context.Context, q querier, id string) (*Report, error) {
	row := q.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM offline_reports WHERE offline_id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

// ListReports returns reports ordered by lastModified then insertion.
func (s *Store) ListReports(ctx context.Context, f ListFilter) ([]*Report, error) {
	q := `SELECT ` + reportColumns + ` FROM offline_reports`
	var args []any
	if len(f.Statuses) > 0 {
		q += ` WHERE status IN (?` + strings.Repeat(",?", len(f.Statuses)-1) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY last_modified, created_at, rowid`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("list reports: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MutateReport loads a report, applies fn and writes it back in one
// transaction. fn may change any field except the identity and creation
// time. A status change must be a lifecycle edge; ConflictData is cleared
// whenever the resulting status is not conflict. LastModified is stamped
// and never moves backwards. If fn returns an error nothing is written.
func (s *Store) MutateReport(ctx context.Context, id string, fn func(r *Report) error) (*Report, error) {
	var out *Report
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		cur, err := getReport(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		from := cur.Status

		if err := fn(cur); err != nil {
			return err
		}
		cur.OfflineID = id

		if cur.Status != from && !CanTransition(from, cur.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, cur.Status)
		}
		if cur.Status != StatusConflict {
			cur.ConflictData = nil
		} else if cur.ConflictData == nil {
			return fmt.Errorf("%w: conflict without conflict data", ErrInvalidTransition)
		}
		cur.LastModified = max(cur.LastModified, s.nowMs())

		args, err := reportArgs(cur)
		if err != nil {
			return err
		}
		// args[0] is the id; move it to the WHERE clause.
		_, err = tx.ExecContext(ctx, `
			UPDATE offline_reports SET
				title = ?, content = ?, tags = ?, latitude = ?, longitude = ?, timestamp = ?, author = ?,
				status = ?, conflict_data = ?, last_modified = ?, retry_count = ?, created_at = ?,
				edited_fields = ?, remote_id = ?, last_error = ?, error_kind = ?, resolution = ?,
				ignored_remotes = ?, previous = ?
			WHERE offline_id = ?`, append(args[1:], id)...)
		if err != nil {
			return fmt.Errorf("update report: %w", err)
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteReport removes a report. It reports whether a row was deleted.
func (s *Store) DeleteReport(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM offline_reports WHERE offline_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete report: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteAllReports removes every report and returns how many were removed.
func (s *Store) DeleteAllReports(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM offline_reports`)
	if err != nil {
		return 0, fmt.Errorf("delete all reports: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeSynced removes synced reports last modified before cutoff (unix ms).
func (s *Store) PurgeSynced(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM offline_reports WHERE status = 'synced' AND last_modified < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge synced: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RequeueStale moves records stuck in syncing (left by an interrupted
// process) back to pending. Returns their IDs.
func (s *Store) RequeueStale(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT offline_id FROM offline_reports WHERE status = 'syncing'`)
	if err != nil {
		return nil, fmt.Errorf("requeue stale: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.MutateReport(ctx, id, func(r *Report) error {
			r.Status = StatusPending
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// CountByStatus returns the number of reports per status.
func (s *Store) CountByStatus(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: make(map[Status]int)}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM offline_reports GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.ByStatus[Status(status)] = n
		st.Total += n
	}
	return st, rows.Err()
}

func reportArgs(r *Report) ([]any, error) {
	tags, err := json.Marshal(nonNil(r.Tags))
	if err != nil {
		return nil, err
	}
	edited, err := json.Marshal(nonNil(r.EditedFields))
	if err != nil {
		return nil, err
	}
	ignored, err := json.Marshal(nonNil(r.IgnoredRemotes))
	if err != nil {
		return nil, err
	}
	conflict, err := optionalJSON(r.ConflictData)
	if err != nil {
		return nil, err
	}
	resolution, err := optionalJSON(r.Resolution)
	if err != nil {
		return nil, err
	}
	previous, err := optionalJSON(r.Previous)
	if err != nil {
		return nil, err
	}
	return []any{
		r.OfflineID, r.Title, r.Content, string(tags), r.Latitude, r.Longitude, r.Timestamp, r.Author,
		string(r.Status), conflict, r.LastModified, r.RetryCount, r.CreatedAt, string(edited),
		r.RemoteID, r.LastError, string(r.ErrorKind), resolution, string(ignored), previous,
	}, nil
}

func scanReport(sc rowScanner) (*Report, error) {
	var r Report
	var tags, status, conflict, edited, errorKind, resolution, ignored, previous string
	err := sc.Scan(&r.OfflineID, &r.Title, &r.Content, &tags, &r.Latitude, &r.Longitude, &r.Timestamp, &r.Author,
		&status, &conflict, &r.LastModified, &r.RetryCount, &r.CreatedAt, &edited,
		&r.RemoteID, &r.LastError, &errorKind, &resolution, &ignored, &previous)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.ErrorKind = ErrorKind(errorKind)
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if err := json.Unmarshal([]byte(edited), &r.EditedFields); err != nil {
		return nil, fmt.Errorf("edited fields: %w", err)
	}
	if err := json.Unmarshal([]byte(ignored), &r.IgnoredRemotes); err != nil {
		return nil, fmt.Errorf("ignored remotes: %w", err)
	}
	if len(r.EditedFields) == 0 {
		r.EditedFields = nil
	}
	if len(r.IgnoredRemotes) == 0 {
		r.IgnoredRemotes = nil
	}
	if conflict != "" {
		r.ConflictData = &ConflictData{}
		if err := json.Unmarshal([]byte(conflict), r.ConflictData); err != nil {
			return nil, fmt.Errorf("conflict data: %w", err)
		}
	}
	if resolution != "" {
		r.Resolution = &Resolution{}
		if err := json.Unmarshal([]byte(resolution), r.Resolution); err != nil {
			return nil, fmt.Errorf("resolution: %w", err)
		}
	}
	if previous != "" {
		r.Previous = &Snapshot{}
		if err := json.Unmarshal([]byte(previous), r.Previous); err != nil {
			return nil, fmt.Errorf("previous: %w", err)
		}
	}
	return &r, nil
}

func optionalJSON[T any](v *T) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
