package store

import "slices"

// Status is a report's position in the sync lifecycle.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusSyncing, StatusSynced, StatusConflict, StatusError:
		return true
	}
	return false
}

// transitions lists the allowed status edges.
var transitions = map[Status][]Status{
	StatusDraft:    {StatusPending},
	StatusPending:  {StatusSyncing},
	StatusSyncing:  {StatusSynced, StatusConflict, StatusError, StatusPending},
	StatusConflict: {StatusPending},
	StatusError:    {StatusSyncing},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// ConflictType classifies a conflict with a remote record.
type ConflictType string

const (
	ConflictDuplicate          ConflictType = "duplicate"
	ConflictCoordinateMismatch ConflictType = "coordinate_mismatch"
	ConflictContentMismatch    ConflictType = "content_mismatch"
)

// Strategy is a conflict resolution strategy.
type Strategy string

const (
	StrategyAsk      Strategy = "ask"
	StrategyMerge    Strategy = "merge"
	StrategyReplace  Strategy = "replace"
	StrategyKeepBoth Strategy = "keep_both"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAsk, StrategyMerge, StrategyReplace, StrategyKeepBoth:
		return true
	}
	return false
}

// ErrorKind says why a record ended in error.
type ErrorKind string

const (
	ErrorKindNetwork   ErrorKind = "network"
	ErrorKindSigning   ErrorKind = "signing"
	ErrorKindCancelled ErrorKind = "cancelled"
	// ErrorKindRejected means the remote refused the submission itself.
	ErrorKindRejected ErrorKind = "rejected"
)

// RemoteReport is a record held by the remote system of record.
type RemoteReport struct {
	ID string `json:"id"`
	// OfflineID is the submitter's local ID. Together with Author it
	// identifies the remote copy of a local report.
	OfflineID  string   `json:"offlineId,omitempty"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Timestamp  int64    `json:"timestamp"`
	Author     string   `json:"author"`
	Supersedes string   `json:"supersedes,omitempty"`
}

// ConflictData describes a detected conflict. Present iff status is conflict.
type ConflictData struct {
	Type              ConflictType  `json:"type"`
	CandidateRemoteID string        `json:"candidateRemoteId"`
	Resolution        Strategy      `json:"resolution,omitempty"`
	Remote            *RemoteReport `json:"remote,omitempty"`
	Similarity        float64       `json:"similarity"`
	DistanceMeters    float64       `json:"distanceMeters"`
}

// Resolution records how a conflict was settled.
type Resolution struct {
	Strategy   Strategy `json:"strategy"`
	RemoteID   string   `json:"remoteId"`
	Supersedes string   `json:"supersedes,omitempty"`
	ResolvedAt int64    `json:"resolvedAt"`
}

// Snapshot holds a report's authored fields.
type Snapshot struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Tags         []string `json:"tags"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Timestamp    int64    `json:"timestamp"`
	Author       string   `json:"author"`
	EditedFields []string `json:"editedFields,omitempty"`
}

// Report is an offline report.
type Report struct {
	OfflineID      string        `json:"offlineId"`
	Title          string        `json:"title"`
	Content        string        `json:"content"`
	Tags           []string      `json:"tags"`
	Latitude       float64       `json:"latitude"`
	Longitude      float64       `json:"longitude"`
	Timestamp      int64         `json:"timestamp"`
	Author         string        `json:"author"`
	Status         Status        `json:"status"`
	ConflictData   *ConflictData `json:"conflictData,omitempty"`
	LastModified   int64         `json:"lastModified"`
	RetryCount     int           `json:"-"`
	CreatedAt      int64         `json:"createdAt"`
	EditedFields   []string      `json:"editedFields,omitempty"`
	RemoteID       string        `json:"remoteId,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	ErrorKind      ErrorKind     `json:"errorKind,omitempty"`
	Resolution     *Resolution   `json:"resolution,omitempty"`
	IgnoredRemotes []string      `json:"ignoredRemotes,omitempty"`
	Previous       *Snapshot     `json:"previous,omitempty"`
}

// Snapshot returns a copy of the authored fields.
func (r *Report) Snapshot() *Snapshot {
	return &Snapshot{
		Title:        r.Title,
		Content:      r.Content,
		Tags:         slices.Clone(r.Tags),
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Timestamp:    r.Timestamp,
		Author:       r.Author,
		EditedFields: slices.Clone(r.EditedFields),
	}
}

// Restore overwrites the authored fields from snap.
func (r *Report) Restore(snap *Snapshot) {
	r.Title = snap.Title
	r.Content = snap.Content
	r.Tags = slices.Clone(snap.Tags)
	r.Latitude = snap.Latitude
	r.Longitude = snap.Longitude
	r.Timestamp = snap.Timestamp
	r.Author = snap.Author
	r.EditedFields = slices.Clone(snap.EditedFields)
}

// Edited reports whether field was explicitly set by the author.
func (r *Report) Edited(field string) bool {
	return slices.Contains(r.EditedFields, field)
}

// MarkEdited adds fields to EditedFields, keeping it sorted and unique.
func (r *Report) MarkEdited(fields ...string) {
	for _, f := range fields {
		if !slices.Contains(r.EditedFields, f) {
			r.EditedFields = append(r.EditedFields, f)
		}
	}
	slices.Sort(r.EditedFields)
}

// Ignores reports whether remoteID was already reconciled for this record.
func (r *Report) Ignores(remoteID string) bool {
	return slices.Contains(r.IgnoredRemotes, remoteID)
}

// Stats holds report counts per status.
type Stats struct {
	Total    int
	ByStatus map[Status]int
}
