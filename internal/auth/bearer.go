package auth

import (
	"strings"

	"marketplace_api/internal/apperror"
)

const AuthorizationHeader = "Authorization"

var (
	ErrMissingToken      = apperror.Unauthenticated("authorization header required")
	ErrUnsupportedScheme = apperror.Unauthenticated("authorization scheme must be Bearer")
)

// ExtractBearerToken pulls the token out of an Authorization header value.
// The scheme is matched case-insensitively and may be omitted entirely.
func ExtractBearerToken(header string) (string, error) {
	fields := strings.Fields(header)
	switch len(fields) {
	case 0:
		return "", ErrMissingToken
	case 1:
		if strings.EqualFold(fields[0], "bearer") {
			return "", ErrMissingToken
		}
		return fields[0], nil
	case 2:
		if !strings.EqualFold(fields[0], "bearer") {
			return "", ErrUnsupportedScheme
		}
		return fields[1], nil
	default:
		return "", ErrInvalidToken
	}
}
