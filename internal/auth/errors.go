package auth

import (
	stderrors "errors"

	"github.com/felixgeelhaar/labgate/internal/errors"
)

// Sentinel errors returned by stores and the session machinery.
var (
	ErrSessionNotFound  = stderrors.New("session not found")
	ErrNotAuthenticated = stderrors.New("session is not authenticated")
	ErrNoRefreshToken   = stderrors.New("session has no refresh token")
	ErrCodeReplayed     = stderrors.New("authorization code already processed")
	ErrInvalidState     = stderrors.New("invalid or expired login state")
	ErrTokenInvalid     = stderrors.New("invalid session token")
)

// toGatewayError maps auth failures onto the HTTP taxonomy.
func toGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, ErrCodeReplayed):
		return errors.Wrap(errors.ErrCodeConflict, "Authorization code already processed", err)
	case stderrors.Is(err, ErrInvalidState):
		return errors.Wrap(errors.ErrCodeValidation, "Invalid or expired login state", err)
	case stderrors.Is(err, ErrSessionNotFound),
		stderrors.Is(err, ErrNotAuthenticated),
		stderrors.Is(err, ErrTokenInvalid):
		return errors.Wrap(errors.ErrCodeUnauthorized, "Not authenticated", err)
	case stderrors.Is(err, ErrNoRefreshToken):
		return errors.Wrap(errors.ErrCodeUnauthorized, "Session cannot be refreshed", err)
	}
	var gwErr *errors.GatewayError
	if stderrors.As(err, &gwErr) {
		return err
	}
	return errors.NewUnknownError(err)
}
