package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"ebooklib/internal/util"
	"ebooklib/services/loan/internal/app"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is checked in order with errors.Is.
var errorMappings = []errorMapping{
	{app.ErrInvalidID, http.StatusBadRequest, "LOAN_INVALID_ID"},
	{app.ErrBookAndDueDateRequired, http.StatusBadRequest, "LOAN_INVALID_REQUEST"},
	{app.ErrInvalidDueDate, http.StatusBadRequest, "LOAN_INVALID_REQUEST"},
	{app.ErrLoanIDRequired, http.StatusBadRequest, "LOAN_INVALID_REQUEST"},
	{app.ErrInvalidStatus, http.StatusBadRequest, "LOAN_INVALID_REQUEST"},
	{app.ErrInvalidExtendDays, http.StatusBadRequest, "LOAN_INVALID_REQUEST"},
	{app.ErrUnauthorized, http.StatusUnauthorized, "AUTH_INVALID_TOKEN"},
	{app.ErrLoanNotFound, http.StatusNotFound, "LOAN_NOT_FOUND"},
	{app.ErrBookNotFound, http.StatusNotFound, "BOOK_NOT_FOUND"},
	{app.ErrLoanNotActive, http.StatusConflict, "LOAN_NOT_ACTIVE"},
	{app.ErrActiveLoanExists, http.StatusConflict, "LOAN_ACTIVE_EXISTS"},
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			writeError(w, r, m.status, m.code, m.err.Error())
			return
		}
	}
	logger := util.LoggerFromContext(r.Context())
	if errors.Is(err, app.ErrIdentityUnavailable) || errors.Is(err, app.ErrBookRegistryUnavailable) {
		logger.Error("upstream call failed", "path", r.URL.Path, "err", err)
		writeError(w, r, http.StatusInternalServerError, "UPSTREAM_UNAVAILABLE", "upstream service unavailable")
		return
	}
	logger.Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, r, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal server error")
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, RequestID: util.RequestIDFromRequest(r)})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
