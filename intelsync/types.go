package intelsync

import (
	"github.com/hazyhaar/intelsync/intelsync/internal/conflict"
	"github.com/hazyhaar/intelsync/intelsync/internal/store"
)

// Re-exported types from internal packages for cmd/ and external callers.
type (
	Report       = store.Report
	Status       = store.Status
	ConflictData = store.ConflictData
	ConflictType = store.ConflictType
	RemoteReport = store.RemoteReport
	Resolution   = store.Resolution
	Snapshot     = store.Snapshot
	Strategy     = store.Strategy
	ErrorKind    = store.ErrorKind
	SyncSettings = store.Settings
	Outcome      = conflict.Outcome
	OutcomeKind  = conflict.OutcomeKind
	Thresholds   = conflict.Thresholds
)

// Statuses.
const (
	StatusDraft    = store.StatusDraft
	StatusPending  = store.StatusPending
	StatusSyncing  = store.StatusSyncing
	StatusSynced   = store.StatusSynced
	StatusConflict = store.StatusConflict
	StatusError    = store.StatusError
)

// Conflict resolution strategies.
const (
	StrategyAsk      = store.StrategyAsk
	StrategyMerge    = store.StrategyMerge
	StrategyReplace  = store.StrategyReplace
	StrategyKeepBoth = store.StrategyKeepBoth
)

// Conflict types.
const (
	ConflictDuplicate          = store.ConflictDuplicate
	ConflictCoordinateMismatch = store.ConflictCoordinateMismatch
	ConflictContentMismatch    = store.ConflictContentMismatch
)

// Error kinds recorded on reports in error.
const (
	ErrorKindNetwork   = store.ErrorKindNetwork
	ErrorKindSigning   = store.ErrorKindSigning
	ErrorKindCancelled = store.ErrorKindCancelled
	ErrorKindRejected  = store.ErrorKindRejected
)

// Resolution outcomes.
const (
	OutcomeMerged        = conflict.OutcomeMerged
	OutcomeReplace       = conflict.OutcomeReplace
	OutcomeKeepBoth      = conflict.OutcomeKeepBoth
	OutcomeNeedsDecision = conflict.OutcomeNeedsDecision
)

// DefaultSettings returns the sync policy used before any update.
func DefaultSettings() SyncSettings { return store.DefaultSettings() }

// SyncStats is derived from the stored reports on demand.
type SyncStats struct {
	TotalOfflineReports int `json:"totalOfflineReports"`
	PendingSync         int `json:"pendingSync"`
	SuccessfulSyncs     int `json:"successfulSyncs"`
	Conflicts           int `json:"conflicts"`
	Drafts              int `json:"drafts"`
	Errors              int `json:"errors"`
}

func statsFrom(st store.Stats) SyncStats {
	return SyncStats{
		TotalOfflineReports: st.Total,
		PendingSync:         st.ByStatus[StatusPending] + st.ByStatus[StatusSyncing],
		SuccessfulSyncs:     st.ByStatus[StatusSynced],
		Conflicts:           st.ByStatus[StatusConflict],
		Drafts:              st.ByStatus[StatusDraft],
		Errors:              st.ByStatus[StatusError],
	}
}

// Attention tells a caller what a report needs from them.
type Attention string

const (
	AttentionNone           Attention = "none"
	AttentionNeedsDecision  Attention = "needs_decision"
	AttentionWillRetry      Attention = "will_retry"
	AttentionNeedsAttention Attention = "needs_attention"
)

// AttentionOf classifies r.
func AttentionOf(r *Report) Attention {
	switch {
	case r.Status == StatusConflict:
		return AttentionNeedsDecision
	case r.Status == StatusError:
		return AttentionNeedsAttention
	case r.Status == StatusPending && r.RetryCount > 0:
		return AttentionWillRetry
	}
	return AttentionNone
}
