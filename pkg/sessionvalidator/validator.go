// Package sessionvalidator verifies authd access tokens offline. A sibling
// service holding only the server's Ed25519 public key can authenticate
// requests without the private key, the database, or a network round-trip.
package sessionvalidator

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
	CookieName   string
	RejectWindow time.Duration
	Clock        Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "AccessToken"

// accessTokenKind is the header typ value stamped on access tokens.
const accessTokenKind = "AccessToken"

// Sentinel errors exposed by the validator.
var (
	ErrMissingPublicKey = errors.New("session.validator.missing_public_key")
	ErrMissingIssuer    = errors.New("session.validator.missing_issuer")
	ErrMissingAudience  = errors.New("session.validator.missing_audience")
	ErrMissingToken     = errors.New("session.validator.missing_token")
	ErrMissingCookie    = errors.New("session.validator.missing_cookie")
	ErrInvalidToken     = errors.New("session.validator.invalid_token")
	ErrWrongTokenKind   = errors.New("session.validator.wrong_kind")
	ErrTokenExpired     = errors.New("session.validator.expired")
)

// Validator validates authd access tokens.
type Validator struct {
	publicKey    ed25519.PublicKey
	issuer       string
	audience     string
	cookieName   string
	rejectWindow time.Duration
	clock        Clock
}

// Claims represent the session payload embedded inside authd access tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// wireClaims mirrors Claims for JWT parsing. Claims itself cannot be passed
// to jwt.ParseWithClaims because its GetSubject accessor shadows the embedded
// jwt.RegisteredClaims method and breaks the jwt.Claims interface.
type wireClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GetSubject returns the identity id carried by the session.
func (claims *Claims) GetSubject() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetRole returns the role carried by the session.
func (claims *Claims) GetRole() string {
	if claims == nil {
		return ""
	}
	return claims.Role
}

// GetTokenID returns the unique token id (jti).
func (claims *Claims) GetTokenID() string {
	if claims == nil {
		return ""
	}
	return claims.ID
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.PublicKeyPEM) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingPublicKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	if strings.TrimSpace(configuration.Audience) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingAudience)
	}
	parsedKey, parseErr := jwt.ParseEdPublicKeyFromPEM(configuration.PublicKeyPEM)
	if parseErr != nil {
		return nil, fmt.Errorf("session.validator.new: %w", parseErr)
	}
	publicKey, ok := parsedKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingPublicKey)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		publicKey:    publicKey,
		issuer:       configuration.Issuer,
		audience:     configuration.Audience,
		cookieName:   cookieName,
		rejectWindow: configuration.RejectWindow,
		clock:        clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &wireClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(validator.issuer),
		jwt.WithAudience(validator.audience),
		jwt.WithTimeFunc(func() time.Time {
			return validator.clock.Now()
		}),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	parsedClaims, ok := parsedToken.Claims.(*wireClaims)
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims := &Claims{Role: parsedClaims.Role, RegisteredClaims: parsedClaims.RegisteredClaims}
	if kindValue, _ := parsedToken.Header["typ"].(string); kindValue != accessTokenKind {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrWrongTokenKind)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if validator.clock.Now().Add(validator.rejectWindow).After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	}
	return claims, nil
}

// ValidateRequest reads the configured cookie from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCookie)
	}
	return validator.ValidateToken(cookie.Value)
}

// GinMiddleware returns a Gin middleware that validates the session cookie and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
