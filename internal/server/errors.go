package server

import (
	"errors"
	"net/http"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Code carries a machine-readable reason such as ALREADY_STARTED.
	Code string `json:"code,omitempty"`
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrDependencyUnresolved), errors.Is(err, types.ErrConstraintViolation):
		return http.StatusConflict
	case errors.Is(err, types.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorKind names the taxonomy entry of err.
func errorKind(err error) string {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, types.ErrValidation):
		return "validation"
	case errors.Is(err, types.ErrDependencyUnresolved):
		return "dependency_unresolved"
	case errors.Is(err, types.ErrConstraintViolation):
		return "constraint_violation"
	case errors.Is(err, types.ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}

// toErrorResponse builds the body for err. Internal errors are not echoed.
func toErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Kind: errorKind(err)}
	if resp.Kind == "internal" {
		resp.Error = "internal server error"
	}
	var illegal *types.IllegalTransitionError
	if errors.As(err, &illegal) {
		resp.Code = illegal.Code
	}
	return resp
}
