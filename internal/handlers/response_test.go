package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/stanstork/stratum-transfer/internal/apperr"
)

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{apperr.Validation("bad"), http.StatusBadRequest, "validation"},
		{apperr.NotFound("missing"), http.StatusNotFound, "not_found"},
		{apperr.Conflict("busy"), http.StatusConflict, "conflict"},
		{apperr.Unavailable("closing"), http.StatusServiceUnavailable, "unavailable"},
		{apperr.Connectivity(nil, "down"), http.StatusBadGateway, "connectivity"},
		{apperr.Data(nil, "bad row"), http.StatusInternalServerError, "data"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeError(rr, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.kind)
		assert.Contains(t, rr.Body.String(), `"kind":"`+tc.kind+`"`)
	}
}

func TestWriteError_HidesInternalMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, errors.New("pq: password authentication failed for user admin"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"internal error","kind":"internal"}`, rr.Body.String())
}

func TestWriteJSON_EncodingFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, map[string]any{"job": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"internal error","kind":"internal"}`, rr.Body.String())
}

func TestWriteJSON_Body(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusAccepted, map[string]string{"job_id": "j1"})

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "{\"job_id\":\"j1\"}\n", rr.Body.String())
}
