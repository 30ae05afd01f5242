package handlers

import "net/http"

// HandleHealth reports service liveness.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
