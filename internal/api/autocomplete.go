package api

import (
	"net/http"

	"github.com/felixgeelhaar/labgate/internal/completion"
	"github.com/felixgeelhaar/labgate/internal/errors"
	"github.com/felixgeelhaar/labgate/internal/respond"
)

// POST /api/autocomplete {"textBefore": "...", "textAfter": "...", "alternatives": false}
func (h *Handler) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if h.completion == nil {
		h.fail(w, r, "autocomplete unavailable", errors.New(errors.ErrCodeUnknown, "Autocomplete is not configured"))
		return
	}
	if !h.limiter.Allow(clientKey(r)) {
		h.metrics.Limited("autocomplete")
		h.fail(w, r, "autocomplete rate limited", errors.New(errors.ErrCodeRateLimited, "Too many requests"))
		return
	}

	var body struct {
		TextBefore   *string `json:"textBefore"`
		TextAfter    *string `json:"textAfter"`
		Alternatives bool    `json:"alternatives"`
	}
	if err := respond.Decode(r, &body); err != nil {
		h.fail(w, r, "invalid autocomplete request", err)
		return
	}
	if body.TextBefore == nil {
		h.fail(w, r, "invalid autocomplete request", errors.NewMissingFieldError("textBefore"))
		return
	}
	req := completion.Request{TextBefore: *body.TextBefore, Alternatives: body.Alternatives}
	if body.TextAfter != nil {
		req.TextAfter = *body.TextAfter
	}

	resp, err := h.completion.Complete(r.Context(), req)
	if err != nil {
		h.fail(w, r, "autocomplete failed", upstreamError(err, "Completion endpoint not found"))
		return
	}
	respond.JSON(w, http.StatusOK, resp)
}
