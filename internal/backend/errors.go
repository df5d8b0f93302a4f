package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// UpstreamError is a non-2xx response from an upstream API.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
}

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ReadError builds an UpstreamError from resp. The message comes from the
// body's "detail", "error" or "message" key, else the status text.
func ReadError(resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
}

func errorMessage(status int, body []byte) string {
	var fields map[string]json.RawMessage
	if json.Unmarshal(body, &fields) == nil {
		for _, key := range []string{"detail", "error", "message"} {
			var s string
			if raw, ok := fields[key]; ok && json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}
