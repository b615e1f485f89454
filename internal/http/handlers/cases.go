package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/docquery/casepipe/internal/errs"
)

func (api *API) CaseStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	caseID := strings.TrimPrefix(r.URL.Path, "/cases/")
	caseID = strings.TrimSpace(caseID)
	if caseID == "" || strings.Contains(caseID, "/") {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "case_id is required")
		return
	}

	record, err := api.cases.Get(r.Context(), caseID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "case not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load case")
		return
	}

	writeJSON(w, http.StatusOK, record)
}
