package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"taskproof/internal/dispute"
	"taskproof/internal/engine"
	"taskproof/internal/ledger"
	"taskproof/internal/repo"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"job 7: claim not allowed from LOCKED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"LOCKED\"}"`
}

// apiError is the envelope every failed request returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
	http.StatusServiceUnavailable:  "unavailable",
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = statusCodes[status]
	}
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// installErrorHooks routes huma's own errors (bad JSON, schema failures)
// through the envelope. Schema validation failures report 400.
func installErrorHooks() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, errorDetails(errs))
	}
}

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	return map[string]any{"errors": errs}
}

// handleError maps component errors onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se  huma.StatusError
		ve  engine.ValidationError
		fe  ledger.ForbiddenError
		te  ledger.TransitionError
		sub ledger.SubmissionError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"job_id": te.JobID, "from": te.From, "op": te.Op})
	case errors.As(err, &sub):
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), map[string]any{"op": sub.Op, "retryable": sub.Retryable()})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "amount"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return newAPIError(http.StatusConflict, "insufficient_funds", err.Error(), nil)
	case errors.Is(err, dispute.ErrNotParty):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, dispute.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	case errors.Is(err, dispute.ErrDisputeOpen), errors.Is(err, dispute.ErrNotPending):
		return newAPIError(http.StatusConflict, "dispute_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrAttemptsExhausted):
		return newAPIError(http.StatusConflict, "attempts_exhausted", err.Error(), nil)
	case errors.Is(err, engine.ErrSettlementPending):
		return newAPIError(http.StatusConflict, "settlement_pending", err.Error(), nil)
	case errors.Is(err, ledger.ErrUnconfirmed):
		return newAPIError(http.StatusServiceUnavailable, "unconfirmed", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// writeError is for middleware that answers before huma sees the request.
func writeError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
