package auth

import (
	"errors"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrUserDeclined means the redirect carried error=access_denied.
	ErrUserDeclined = errors.New("auth: user declined authorization")
	// ErrTransportFailure wraps network or token endpoint failures during
	// authorization.
	ErrTransportFailure = errors.New("auth: transport failure")
	// ErrRefreshFailed means refresh attempts were exhausted on transient
	// errors. The stored credential is kept.
	ErrRefreshFailed = errors.New("auth: token refresh failed")
	// ErrRefreshRevoked means the refresh token was rejected or the grant was
	// revoked. A new authorization is required.
	ErrRefreshRevoked = errors.New("auth: refresh token revoked")
	// ErrNotAuthorized is returned before Authorize has produced a credential.
	ErrNotAuthorized = errors.New("auth: not authorized")
)

// isRevocation reports whether err is a token endpoint rejection of the
// refresh token itself (HTTP 400 or 401).
func isRevocation(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}
