package handlers

import "net/http"

// Health is the load balancer probe target. It reports process liveness
// only; pipeline backends surface their failures through worker logs and
// settled cases, not here.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "casepipe"})
}
