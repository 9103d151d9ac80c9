package authkit

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenKind distinguishes the two credential types. The kind is written into
// the token header so a refresh token can never be replayed as an access
// token even though both carry the same claims shape.
type TokenKind string

const (
	// TokenKindAccess marks short-lived tokens authorizing immediate requests.
	TokenKindAccess TokenKind = "AccessToken"
	// TokenKindRefresh marks long-lived tokens used only to obtain a new pair.
	TokenKindRefresh TokenKind = "RefreshToken"
)

// SessionClaims is the payload embedded in every signed token. Immutable once
// issued; never persisted in plaintext.
type SessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenPair is the result of issuing or rotating credentials: either both
// tokens are present or the operation failed as a whole.
type TokenPair struct {
	AccessToken   string
	AccessClaims  SessionClaims
	RefreshToken  string
	RefreshClaims SessionClaims
}

// Identity is the typed request-context value handed to downstream handlers
// after successful authentication. Its absence signals an anonymous caller.
type Identity struct {
	Subject string
	Role    string
}
