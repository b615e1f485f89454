package domain

import "time"

type Stage string

const (
	StageCreated            Stage = "created"
	StageExtractionInFlight Stage = "extraction_in_flight"
	StageExtractionComplete Stage = "extraction_complete"
	StageExtractionFailed   Stage = "extraction_failed"
	StageInferenceInFlight  Stage = "inference_in_flight"
	StageDone               Stage = "done"
	StageInferenceFailed    Stage = "inference_failed"
)

// Terminal reports whether no further pipeline work is expected for a case
// in this stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageExtractionFailed, StageInferenceFailed:
		return true
	}
	return false
}

// CaseError is the case-visible failure record. Only terminal external
// errors and reaper timeouts are persisted here; everything else is retried
// or absorbed upstream.
type CaseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Case tracks one uploaded document through extraction and inference.
// Stage only moves forward; a retry keeps Stage fixed and bumps Attempts.
type Case struct {
	CaseID                string     `json:"case_id"`
	Stage                 Stage      `json:"stage"`
	SourceLocation        string     `json:"source_location"`
	ExtractedTextLocation string     `json:"extracted_text_location,omitempty"`
	Answer                string     `json:"answer,omitempty"`
	LastError             *CaseError `json:"last_error,omitempty"`
	Attempts              int        `json:"attempts"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ExternalJobHandle correlates an in-flight OCR submission with a case. It
// lives only between extraction-requested and the terminal callback, so a
// late or duplicate callback can be matched and deduplicated.
type ExternalJobHandle struct {
	ExternalJobID string    `json:"external_job_id"`
	CaseID        string    `json:"case_id"`
	RequestedAt   time.Time `json:"requested_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (h ExternalJobHandle) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}
