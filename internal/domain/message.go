package domain

import (
	"encoding/json"
	"time"
)

// Topic names carried end-to-end; correlation is always by case_id in the
// payload, never by resource naming conventions.
const (
	TopicDocumentsUploaded  = "documents.uploaded"
	TopicExtractionRequests = "extraction.requested"
	TopicOCRNotifications   = "ocr.notifications"
	TopicExtractionComplete = "extraction.complete"
)

// BusMessage is the transport envelope sent to bus backends. MessageID is
// unique per delivery attempt; DedupKey is the logical identity (caseId plus
// stage) that consumers dedup on via the case store's compare-and-swap.
type BusMessage struct {
	MessageID  string          `json:"message_id"`
	DedupKey   string          `json:"dedup_key"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// UploadEventPayload is the storage collaborator's object-created event.
type UploadEventPayload struct {
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type ExtractionRequestedPayload struct {
	CaseID         string `json:"case_id"`
	SourceLocation string `json:"source_location"`
}

// OCRNotificationStatus values the engine may report. Exactly one terminal
// notification is expected per job, delivered at-least-once.
const (
	OCRStatusSucceeded = "succeeded"
	OCRStatusFailed    = "failed"
)

type OCRNotificationPayload struct {
	ExternalJobID  string `json:"external_job_id"`
	Status         string `json:"status"`
	ResultLocation string `json:"result_location,omitempty"`
	Error          string `json:"error,omitempty"`
}

type ExtractionCompletePayload struct {
	CaseID                string `json:"case_id"`
	ExtractedTextLocation string `json:"extracted_text_location"`
}
