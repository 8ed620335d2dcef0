package middleware

import (
	"errors"
	"marketplace_api/internal/apperror"
	"marketplace_api/internal/auth"
	"marketplace_api/internal/observability"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware rejects requests without a valid bearer token and attaches
// the caller's user ID to both the gin context and the request context.
func AuthMiddleware(tokens *auth.TokenService, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := auth.ExtractBearerToken(c.GetHeader(auth.AuthorizationHeader))
		if err != nil {
			reject(c, metrics, err)
			return
		}

		authenticate(c, tokens, metrics, tokenString)
	}
}

// OptionalAuthMiddleware lets anonymous requests through. A request that does
// carry credentials must carry valid ones.
func OptionalAuthMiddleware(tokens *auth.TokenService, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(auth.AuthorizationHeader)
		if strings.TrimSpace(header) == "" {
			c.Next()
			return
		}

		tokenString, err := auth.ExtractBearerToken(header)
		if err != nil {
			reject(c, metrics, err)
			return
		}

		authenticate(c, tokens, metrics, tokenString)
	}
}

func authenticate(c *gin.Context, tokens *auth.TokenService, metrics *observability.Metrics, tokenString string) {
	claims, err := tokens.Verify(tokenString)
	if err != nil {
		reject(c, metrics, err)
		return
	}

	c.Set(auth.UserIDKey, claims.UserID)
	c.Request = c.Request.WithContext(auth.WithUserID(c.Request.Context(), claims.UserID))
	c.Next()
}

func reject(c *gin.Context, metrics *observability.Metrics, err error) {
	if metrics != nil {
		reason := string(apperror.KindOf(err))
		if errors.Is(err, auth.ErrExpiredToken) {
			reason = "expired"
		}
		metrics.TokenRejections.WithLabelValues(reason).Inc()
	}
	apperror.Respond(c, err)
}
