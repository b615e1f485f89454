package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/docquery/casepipe/internal/bus"
	"github.com/docquery/casepipe/internal/http/middleware"
	"github.com/docquery/casepipe/internal/store"
)

var errInvalidPayload = errors.New("invalid payload")

// API is the operational surface: case status lookup and the OCR engine's
// callback target. No case mutation is exposed externally.
type API struct {
	cases     store.CaseStore
	publisher bus.Publisher
	logger    *log.Logger
}

func NewAPI(cases store.CaseStore, publisher bus.Publisher, logger *log.Logger) *API {
	return &API{cases: cases, publisher: publisher, logger: logger}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(r *http.Request, value any) error {
	if err := json.NewDecoder(r.Body).Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}
