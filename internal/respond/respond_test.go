package respond

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/labgate/internal/errors"
)

func TestErrorUsesTaxonomy(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, errors.NewUpstreamNotFoundError("Experiment not found", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Experiment not found"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestErrorHidesUnknown(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, fmt.Errorf("dial tcp 10.0.0.1:443: i/o timeout"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	MethodNotAllowed(rec, http.MethodPost)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
	assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())
}

func TestDecode(t *testing.T) {
	var body struct {
		Email string `json:"email"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@b.c"}`))
	require.NoError(t, Decode(req, &body))
	assert.Equal(t, "a@b.c", body.Email)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.NoError(t, Decode(req, &body))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":`))
	err := Decode(req, &body)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errors.StatusOf(err))
}
