package handlers

import (
	"net/http"
	"strings"

	"github.com/docquery/casepipe/internal/domain"
)

// OCRCallback is the target the OCR engine delivers terminal notifications
// to. The handler validates shape only and republishes onto the bus; all
// matching and deduplication happens in the completion router.
func (api *API) OCRCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var notification domain.OCRNotificationPayload
	if err := decodeJSON(r, &notification); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed notification")
		return
	}

	notification.ExternalJobID = strings.TrimSpace(notification.ExternalJobID)
	if notification.ExternalJobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "external_job_id is required")
		return
	}
	switch notification.Status {
	case domain.OCRStatusSucceeded, domain.OCRStatusFailed:
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_request", "status must be succeeded or failed")
		return
	}

	err := api.publisher.Publish(r.Context(), domain.TopicOCRNotifications, notification, notification.ExternalJobID)
	if err != nil {
		if api.logger != nil {
			api.logger.Printf("publish ocr notification failed external_job_id=%s err=%v", notification.ExternalJobID, err)
		}
		writeError(w, r, http.StatusServiceUnavailable, "publish_failed", "failed to accept notification")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
