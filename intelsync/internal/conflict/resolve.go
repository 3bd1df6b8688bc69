package conflict

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hazyhaar/intelsync/intelsync/internal/store"
)

// Field names tracked in Report.EditedFields.
const (
	FieldTitle     = "title"
	FieldContent   = "content"
	FieldTags      = "tags"
	FieldLocation  = "location"
	FieldTimestamp = "timestamp"
)

// OutcomeKind is what a resolution produced.
type OutcomeKind string

const (
	OutcomeMerged        OutcomeKind = "merged"
	OutcomeReplace       OutcomeKind = "replace"
	OutcomeKeepBoth      OutcomeKind = "keep_both"
	OutcomeNeedsDecision OutcomeKind = "needs_decision"
)

var (
	// ErrUnknownStrategy is returned for a strategy outside ask|merge|replace|keep_both.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
	// ErrNoRemoteSnapshot is returned by merge when the conflict carries no
	// remote record to merge from.
	ErrNoRemoteSnapshot = errors.New("conflict has no remote snapshot to merge")
)

// Outcome is the result of Resolve. For NeedsDecision only Kind and
// Strategy are set.
type Outcome struct {
	Kind     OutcomeKind    `json:"kind"`
	Strategy store.Strategy `json:"strategy"`
	// Fields is the submission to send.
	Fields *store.Snapshot `json:"fields,omitempty"`
	// RemoteID is the conflicting remote record.
	RemoteID string `json:"remoteId,omitempty"`
	// Supersedes is the remote record the submission replaces, if any.
	Supersedes string `json:"supersedes,omitempty"`
}

// NeedsDecision reports whether the caller still has to pick a strategy.
func (o Outcome) NeedsDecision() bool { return o.Kind == OutcomeNeedsDecision }

// Resolve applies strategy to a conflicted report. It does not modify r.
//
//	ask       -> NeedsDecision
//	replace   -> local fields, supersedes the remote
//	keep_both -> local fields as a new, distinct record
//	merge     -> per field: an edited, non-empty local value wins, otherwise
//	             a non-empty remote value; tags are the union. Supersedes the remote.
func Resolve(r *store.Report, data *store.ConflictData, strategy store.Strategy) (Outcome, error) {
	if data == nil {
		return Outcome{}, fmt.Errorf("resolve %s: no conflict data", r.OfflineID)
	}
	out := Outcome{Strategy: strategy, RemoteID: data.CandidateRemoteID}
	switch strategy {
	case store.StrategyAsk:
		return Outcome{Kind: OutcomeNeedsDecision, Strategy: strategy, RemoteID: data.CandidateRemoteID}, nil
	case store.StrategyReplace:
		out.Kind = OutcomeReplace
		out.Fields = r.Snapshot()
		out.Supersedes = data.CandidateRemoteID
	case store.StrategyKeepBoth:
		out.Kind = OutcomeKeepBoth
		out.Fields = r.Snapshot()
	case store.StrategyMerge:
		if data.Remote == nil {
			return Outcome{}, ErrNoRemoteSnapshot
		}
		out.Kind = OutcomeMerged
		out.Fields = merge(r, data.Remote)
		out.Supersedes = data.CandidateRemoteID
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	return out, nil
}

func merge(r *store.Report, rem *store.RemoteReport) *store.Snapshot {
	s := r.Snapshot()

	if !(r.Edited(FieldTitle) && r.Title != "") && rem.Title != "" {
		s.Title = rem.Title
	}
	if !(r.Edited(FieldContent) && r.Content != "") && rem.Content != "" {
		s.Content = rem.Content
	}
	localLoc := r.Latitude != 0 || r.Longitude != 0
	remoteLoc := rem.Latitude != 0 || rem.Longitude != 0
	if !(r.Edited(FieldLocation) && localLoc) && remoteLoc {
		s.Latitude, s.Longitude = rem.Latitude, rem.Longitude
	}
	if !(r.Edited(FieldTimestamp) && r.Timestamp != 0) && rem.Timestamp != 0 {
		s.Timestamp = rem.Timestamp
	}

	tags := slices.Clone(r.Tags)
	for _, t := range rem.Tags {
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	if tags == nil {
		tags = []string{}
	}
	s.Tags = tags
	return s
}
