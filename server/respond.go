package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/becomeliminal/nim-history/chat"
	"github.com/becomeliminal/nim-history/history"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr translates a chat or history error into a status code.
func respondErr(w http.ResponseWriter, op string, err error) {
	status, code, message := classify(op, err)
	respondError(w, status, code, message)
}

func classify(op string, err error) (status int, code, message string) {
	switch {
	case errors.Is(err, history.ErrConfig):
		return http.StatusBadRequest, "invalid_config", err.Error()
	case errors.Is(err, history.ErrInvalidScope):
		return http.StatusBadRequest, "invalid_scope", err.Error()
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, history.ErrStorageTimeout), errors.Is(err, context.DeadlineExceeded):
		log.Printf("[HTTP] %s timed out: %v", op, err)
		return http.StatusGatewayTimeout, "storage_timeout", "storage operation timed out"
	case errors.Is(err, history.ErrStorage):
		log.Printf("[HTTP] %s storage error: %v", op, err)
		return http.StatusInternalServerError, "storage_error", "storage operation failed"
	default:
		log.Printf("[HTTP] %s failed: %v", op, err)
		return http.StatusInternalServerError, "internal_error", op + " failed"
	}
}
