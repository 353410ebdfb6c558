package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/pkg/credential"
	"github.com/lkarlslund/copilotbridge/pkg/upstream"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	setCORSHeaders(w.Header())
	writeJSON(w, status, errorBody{Error: msg})
}

// writeCredentialError maps broker failures to 401.
func writeCredentialError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credential.ErrMissingCredential):
		writeError(w, http.StatusUnauthorized, "Token is invalid: missing credential, send Authorization: Bearer <token>")
	case errors.Is(err, credential.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "Token is invalid: "+err.Error())
	case errors.Is(err, credential.ErrExchangeFailed):
		writeError(w, http.StatusUnauthorized, "Token processing failed: "+err.Error())
	default:
		log.Error("unexpected credential error", "error", err)
		writeError(w, http.StatusInternalServerError, "Token processing failed: "+err.Error())
	}
}

// writeUpstreamError passes a provider status through, or 502 when the
// provider could not be reached.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		writeError(w, upErr.StatusCode, upErr.Error())
		return
	}
	writeError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
}
