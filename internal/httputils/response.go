package httputils

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// HandleAPIResponse writes resp as JSON with status, or err as an error body
// with status when err is non-nil.
func HandleAPIResponse(w http.ResponseWriter, r *http.Request, logger *zap.Logger, resp interface{}, err error, status int) {
	if err != nil {
		logger.Debug("API request failed",
			zap.String("remote", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		WriteJSON(w, status, ErrorBody{Error: err.Error()})
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to encode API response",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		WriteJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal error"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}
