package handlers

import (
	"encoding/json"
	"net/http"

	"squadPlannerAPI/internal/apperr"
)

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithAppError writes only the caller-safe part of err.
func respondWithAppError(w http.ResponseWriter, err error) {
	respondWithJSON(w, apperr.HTTPStatus(err), map[string]string{
		"error": apperr.PublicMessage(err),
		"code":  string(apperr.KindOf(err)),
	})
}
