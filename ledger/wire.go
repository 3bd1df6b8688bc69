package ledger

import (
	"encoding/json"
	"errors"
)

// Service names registered on a connectivity router.
const (
	ServiceList   = "ledger_list_reports"
	ServiceSubmit = "ledger_submit_report"
)

// Submission is the payload a client signs. Field order is fixed so the
// JSON encoding of a given value is stable.
type Submission struct {
	OfflineID  string   `json:"offline_id"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Timestamp  int64    `json:"timestamp"` // unix ms
	Author     string   `json:"author"`
	Supersedes string   `json:"supersedes,omitempty"`
}

// Encode returns the bytes to sign.
func (s Submission) Encode() ([]byte, error) {
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return json.Marshal(s)
}

// Envelope carries a signed submission.
type Envelope struct {
	PublicKey string `json:"public_key"`
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// Record is a report held by the ledger.
type Record struct {
	ID           string   `json:"id"`
	OfflineID    string   `json:"offline_id"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Tags         []string `json:"tags"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Timestamp    int64    `json:"timestamp"`
	Author       string   `json:"author"`
	Supersedes   string   `json:"supersedes,omitempty"`
	SupersededBy string   `json:"superseded_by,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// SubmitResult acknowledges a submission. Duplicate is true when the same
// author already submitted this offline ID; ID is then the original record.
type SubmitResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// ListRequest filters List.
type ListRequest struct {
	IncludeSuperseded bool   `json:"include_superseded,omitempty"`
	Author            string `json:"author,omitempty"`
}

// Submission rejections.
var (
	ErrInvalidSignature  = errors.New("ledger: invalid signature")
	ErrAuthorMismatch    = errors.New("ledger: payload author does not match signer")
	ErrInvalidSubmission = errors.New("ledger: invalid submission")
	ErrUnknownRecord     = errors.New("ledger: superseded record does not exist")
	ErrAlreadySuperseded = errors.New("ledger: record already superseded")
)
