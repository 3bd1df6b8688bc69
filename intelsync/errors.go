package intelsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/intelsync/intelsync/internal/store"
)

// Sentinels for errors.Is.
var (
	ErrValidation        = errors.New("intelsync: validation failed")
	ErrNotFound          = store.ErrNotFound
	ErrInvalidTransition = store.ErrInvalidTransition
	ErrNoSigner          = errors.New("intelsync: no signing capability")
	ErrSyncInProgress    = errors.New("intelsync: sync already in progress")
	ErrNotInConflict     = errors.New("intelsync: report is not in conflict")
	ErrRetriesExhausted  = errors.New("intelsync: retries exhausted")
	ErrNothingToRevert   = errors.New("intelsync: no pre-resolution snapshot to restore")
)

// ValidationError reports malformed input. Fields maps a JSON field name to
// the rule it broke. Nothing was written.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "intelsync: invalid input (" + strings.Join(parts, "; ") + ")"
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, rule string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: rule}}
}

// StorageError wraps a local persistence failure. The write did not apply.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "intelsync: storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// NetworkError is a transient remote failure.
type NetworkError struct {
	OfflineID string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("intelsync: network: %s: %v", e.OfflineID, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }

// SigningError means the signer declined or went away.
type SigningError struct {
	OfflineID string
	Err       error
}

func (e *SigningError) Error() string {
	if e.OfflineID == "" {
		return "intelsync: signing: " + e.Err.Error()
	}
	return fmt.Sprintf("intelsync: signing: %s: %v", e.OfflineID, e.Err)
}
func (e *SigningError) Unwrap() error { return e.Err }

// ConflictError carries a conflict that still needs a decision.
type ConflictError struct {
	OfflineID string
	Data      *ConflictData
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("intelsync: %s conflicts with remote %s (%s): decision needed",
		e.OfflineID, e.Data.CandidateRemoteID, e.Data.Type)
}

// PreconditionError blocks an operation before any state changes.
type PreconditionError struct {
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string { return "intelsync: precondition failed: " + e.Reason }
func (e *PreconditionError) Unwrap() error { return e.Err }

// NotFoundError names the missing report.
type NotFoundError struct {
	OfflineID string
}

func (e *NotFoundError) Error() string { return "intelsync: report " + e.OfflineID + " not found" }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// storageErr wraps err as *StorageError unless it already carries a domain
// error the caller should see directly.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var nf *NotFoundError
	if errors.As(err, &ve) || errors.As(err, &nf) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotInConflict) ||
		errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrNothingToRevert) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
