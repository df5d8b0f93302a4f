// Package respond writes the gateway's JSON responses and decodes request
// bodies.
package respond

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/felixgeelhaar/labgate/internal/errors"
)

// MaxBodyBytes caps every decoded request body.
const MaxBodyBytes = 1 << 20

// ErrorBody is the shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes err as {"error": message} using its taxonomy status.
// Errors outside the taxonomy become a generic 500.
func Error(w http.ResponseWriter, err error) {
	JSON(w, errors.StatusOf(err), ErrorBody{Error: errors.MessageOf(err)})
}

// MethodNotAllowed writes the 405 body and the Allow header.
func MethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	Error(w, errors.NewMethodNotAllowedError())
}

// Decode reads a JSON body into v. An empty body leaves v untouched.
// Malformed JSON is a validation error.
func Decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(errors.ErrCodeValidation, fmt.Sprintf("Invalid JSON body: %v", err), err)
	}
	return nil
}
