package intelsync

// Event names. They are part of the public contract.
const (
	EventReportCreated    = "report-created"
	EventReportUpdated    = "report-updated"
	EventReportDeleted    = "report-deleted"
	EventReportsCleared   = "reports-cleared"
	EventSyncStarted      = "sync-started"
	EventSyncProgress     = "sync-progress"
	EventSyncCompleted    = "sync-completed"
	EventConflictDetected = "conflict-detected"
)

// ReportCreated is emitted after a report is stored.
type ReportCreated struct {
	Report *Report `json:"report"`
}

// ReportUpdated is emitted after any committed change to a report,
// including status changes made by a sync run.
type ReportUpdated struct {
	Report *Report `json:"report"`
	// Fields lists the authored fields changed by an edit.
	Fields []string `json:"fields,omitempty"`
}

// ReportDeleted is emitted after a report is removed.
type ReportDeleted struct {
	OfflineID string `json:"offlineId"`
}

// ReportsCleared is emitted after all local data is removed.
type ReportsCleared struct {
	Count int `json:"count"`
}

// SyncStarted opens a sync run.
type SyncStarted struct {
	ReportIDs []string `json:"reportIds"`
}

// SyncProgress follows each processed record.
type SyncProgress struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Pass      int    `json:"pass"`
	Batch     int    `json:"batch"`
	OfflineID string `json:"offlineId"`
	Status    Status `json:"status"`
}

// SyncCompleted closes a sync run. Aborted is set when the run stopped
// early (signer lost, context cancelled).
type SyncCompleted struct {
	Stats   SyncStats `json:"stats"`
	Aborted bool      `json:"aborted,omitempty"`
}

// ConflictDetected is emitted when a record enters conflict.
type ConflictDetected struct {
	OfflineID    string        `json:"offlineId"`
	ConflictData *ConflictData `json:"conflictData"`
}

func (ReportCreated) EventName() string    { return EventReportCreated }
func (ReportUpdated) EventName() string    { return EventReportUpdated }
func (ReportDeleted) EventName() string    { return EventReportDeleted }
func (ReportsCleared) EventName() string   { return EventReportsCleared }
func (SyncStarted) EventName() string      { return EventSyncStarted }
func (SyncProgress) EventName() string     { return EventSyncProgress }
func (SyncCompleted) EventName() string    { return EventSyncCompleted }
func (ConflictDetected) EventName() string { return EventConflictDetected }

// EntityID links per-report events to their report in the journal.
func (e ReportCreated) EntityID() string    { return e.Report.OfflineID }
func (e ReportUpdated) EntityID() string    { return e.Report.OfflineID }
func (e ReportDeleted) EntityID() string    { return e.OfflineID }
func (e SyncProgress) EntityID() string     { return e.OfflineID }
func (e ConflictDetected) EntityID() string { return e.OfflineID }
