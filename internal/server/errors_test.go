package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &types.NotFoundError{Entity: "task", ID: "x"}, http.StatusNotFound},
		{"illegal transition", &types.IllegalTransitionError{Entity: "task", From: "SUCCESS", To: "RUNNING"}, http.StatusConflict},
		{"validation", &types.ValidationError{Field: "error", Message: "required"}, http.StatusBadRequest},
		{"dependency", &types.DependencyUnresolvedError{TaskID: uuid.New(), Missing: []string{"a"}}, http.StatusConflict},
		{"constraint", &types.ConstraintViolationError{Constraint: "artifacts_one_frozen_idx"}, http.StatusConflict},
		{"timeout", &types.TimeoutError{TaskID: uuid.New(), After: time.Minute}, http.StatusGatewayTimeout},
		{"wrapped", fmt.Errorf("failed to load: %w", types.ErrNotFound), http.StatusNotFound},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestToErrorResponse_HidesInternalErrors(t *testing.T) {
	resp := toErrorResponse(errors.New("password=hunter2 connection refused"))
	assert.Equal(t, "internal server error", resp.Error)
	assert.Equal(t, "internal", resp.Kind)
}

func TestToErrorResponse_CarriesCode(t *testing.T) {
	err := fmt.Errorf("start: %w", &types.IllegalTransitionError{
		Entity: "task", From: "RUNNING", To: "RUNNING", Code: types.CodeAlreadyStarted,
	})
	resp := toErrorResponse(err)
	assert.Equal(t, "illegal_transition", resp.Kind)
	assert.Equal(t, types.CodeAlreadyStarted, resp.Code)
	assert.Contains(t, resp.Error, "RUNNING")
}
