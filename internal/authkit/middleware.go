package authkit

import (
	"github.com/gin-gonic/gin"
)

// IdentityContextKey is where WithSession stores the authenticated Identity
// on the gin context.
const IdentityContextKey = "auth_identity"

// renewedPairContextKey is where WithSession stages a pair minted by silent
// renewal, so downstream handlers can see the rotation happened.
const renewedPairContextKey = "auth_renewed_pair"

// IdentityFrom reads the authenticated identity from the request context.
// The second return is false for anonymous callers.
func IdentityFrom(contextGin *gin.Context) (Identity, bool) {
	value, found := contextGin.Get(IdentityContextKey)
	if !found {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	if !ok {
		return Identity{}, false
	}
	return identity, true
}

// WithSession authenticates each request from its cookies: a valid access
// token wins; otherwise a valid refresh token is rotated and the renewed pair
// is attached to the response before the handler runs. The middleware never
// rejects a request itself. A caller with no usable credentials simply
// proceeds without an identity in context, and authorization stays with the
// downstream handler.
func WithSession(configuration ServerConfig, codec *TokenCodec, rotator *Rotator, metrics MetricsRecorder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if accessToken, cookieErr := contextGin.Cookie(configuration.AccessCookieName); cookieErr == nil && accessToken != "" {
			if claims, verifyErr := codec.Verify(accessToken, TokenKindAccess); verifyErr == nil {
				if metrics != nil {
					metrics.Increment(MetricAccessVerified)
				}
				contextGin.Set(IdentityContextKey, Identity{Subject: claims.Subject, Role: claims.Role})
				contextGin.Next()
				return
			}
		}

		if refreshToken, cookieErr := contextGin.Cookie(configuration.RefreshCookieName); cookieErr == nil && refreshToken != "" {
			pair, rotateErr := rotator.Rotate(contextGin.Request.Context(), refreshToken)
			if rotateErr == nil {
				contextGin.Set(IdentityContextKey, Identity{
					Subject: pair.AccessClaims.Subject,
					Role:    pair.AccessClaims.Role,
				})
				contextGin.Set(renewedPairContextKey, pair)
				// Rotation finished before the handler runs, so the renewed
				// cookies go out on this same response.
				writeTokenCookies(contextGin, configuration, pair)
			}
		}

		contextGin.Next()
	}
}
