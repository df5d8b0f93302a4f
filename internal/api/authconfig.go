package api

import (
	"fmt"
	"net/http"

	"github.com/felixgeelhaar/labgate/internal/errors"
	"github.com/felixgeelhaar/labgate/internal/respond"
)

// AuthConfig is the public hosted-login configuration for the browser.
type AuthConfig struct {
	ClientID string `json:"clientId"`
	Domain   string `json:"domain"`
	Region   string `json:"region"`
}

// GET /api/auth-config
//
// Values are read from the environment on every request.
func (h *Handler) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond.MethodNotAllowed(w, http.MethodGet)
		return
	}

	var cfg AuthConfig
	for _, v := range []struct {
		name string
		dst  *string
	}{
		{"COGNITO_CLIENT_ID", &cfg.ClientID},
		{"COGNITO_DOMAIN", &cfg.Domain},
		{"COGNITO_REGION", &cfg.Region},
	} {
		val, ok := h.lookup(v.name)
		if !ok || val == "" {
			err := errors.New(errors.ErrCodeUnknown, fmt.Sprintf("Missing required environment variable: %s", v.name))
			h.fail(w, r, "auth config incomplete", err)
			return
		}
		*v.dst = val
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	respond.JSON(w, http.StatusOK, cfg)
}
