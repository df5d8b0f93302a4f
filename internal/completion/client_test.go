package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/labgate/internal/backend"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{URL: srv.URL + "/v1/complete", APIKey: "key-1"})
	require.NoError(t, err)
	return c
}

func TestComplete_Suggestion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/complete", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		var in Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "The buffer was", in.TextBefore)
		assert.Equal(t, ".", in.TextAfter)
		_, _ = io.WriteString(w, `{"suggestion":" adjusted to pH 7.4"}`)
	})

	resp, err := c.Complete(context.Background(), Request{TextBefore: "The buffer was", TextAfter: "."})
	require.NoError(t, err)
	require.NotNil(t, resp.Suggestion)
	assert.Equal(t, " adjusted to pH 7.4", *resp.Suggestion)

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"suggestion":" adjusted to pH 7.4"}`, string(out))
}

func TestComplete_NoSuggestion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"suggestion":null}`)
	})

	resp, err := c.Complete(context.Background(), Request{TextBefore: "x"})
	require.NoError(t, err)
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"suggestion":null}`, string(out))
}

func TestComplete_Alternatives(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var in Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.True(t, in.Alternatives)
		_, _ = io.WriteString(w, `{"alternatives":[{"id":"a","label":"Short","text":" ok"},{"id":"b","label":"Long","text":" ok then"}]}`)
	})

	resp, err := c.Complete(context.Background(), Request{TextBefore: "x", Alternatives: true})
	require.NoError(t, err)
	require.Len(t, resp.Alternatives, 2)
	assert.Equal(t, "Long", resp.Alternatives[1].Label)

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"alternatives":[{"id":"a","label":"Short","text":" ok"},{"id":"b","label":"Long","text":" ok then"}]}`, string(out))
}

func TestComplete_UpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"model overloaded"}`)
	})

	_, err := c.Complete(context.Background(), Request{TextBefore: "x"})
	var upErr *backend.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusServiceUnavailable, upErr.Status)
	assert.Equal(t, "model overloaded", upErr.Message)
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
