package orchestration

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"forgeagent/pkg/models"
)

// CheckTokenExpiry introspects the access token extracted from a job's
// system connection and fails fast with models.ErrJobTokenExpired if it is
// already expired, instead of round-tripping to the server only to be told
// the same thing. Adapted from the teacher's auth.JWTService.ValidateToken,
// but unlike the teacher this never verifies a signature — the token was
// issued by the server for us to present back to it, not for us to mint or
// authenticate holders of.
func CheckTokenExpiry(accessToken string) error {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	_, _, err := parser.ParseUnverified(accessToken, &claims)
	if err != nil {
		// Not every orchestration deployment issues JWTs for the system
		// connection; an opaque token simply skips this pre-check.
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	if claims.ExpiresAt.Before(time.Now()) {
		return errors.Join(models.ErrJobTokenExpired, errors.New("system connection token expired at "+claims.ExpiresAt.String()))
	}
	return nil
}
