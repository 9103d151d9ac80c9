package authkit

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	errMissingPrivateKey = errors.New("codec.missing_private_key")
	errWrongKeyType      = errors.New("codec.wrong_key_type")
	errEmptySubject      = errors.New("codec.empty_subject")
	errMissingIssuer     = errors.New("codec.missing_issuer")
	errMissingAudience   = errors.New("codec.missing_audience")
)

// TokenCodec signs and verifies Ed25519 session tokens. Verification is a
// pure function of (token, clock, key material): no I/O, no hidden state,
// safe for concurrent use.
type TokenCodec struct {
	privateKey          ed25519.PrivateKey
	publicKey           ed25519.PublicKey
	issuer              string
	audience            string
	accessTTL           time.Duration
	refreshTTL          time.Duration
	accessRejectWindow  time.Duration
	refreshRejectWindow time.Duration
	clock               Clock
}

// NewTokenCodec parses the configured PEM keypair and builds a codec. When
// the public key PEM is absent it is derived from the private key.
func NewTokenCodec(configuration ServerConfig, clock Clock) (*TokenCodec, error) {
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("codec.new: %w", errMissingIssuer)
	}
	if strings.TrimSpace(configuration.Audience) == "" {
		return nil, fmt.Errorf("codec.new: %w", errMissingAudience)
	}
	if len(configuration.SigningPrivateKeyPEM) == 0 {
		return nil, fmt.Errorf("codec.new: %w", errMissingPrivateKey)
	}
	parsedPrivate, privateErr := jwt.ParseEdPrivateKeyFromPEM(configuration.SigningPrivateKeyPEM)
	if privateErr != nil {
		return nil, fmt.Errorf("codec.new.private_key: %w", privateErr)
	}
	privateKey, ok := parsedPrivate.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("codec.new.private_key: %w", errWrongKeyType)
	}

	var publicKey ed25519.PublicKey
	if len(configuration.SigningPublicKeyPEM) > 0 {
		parsedPublic, publicErr := jwt.ParseEdPublicKeyFromPEM(configuration.SigningPublicKeyPEM)
		if publicErr != nil {
			return nil, fmt.Errorf("codec.new.public_key: %w", publicErr)
		}
		publicKey, ok = parsedPublic.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("codec.new.public_key: %w", errWrongKeyType)
		}
	} else {
		publicKey = privateKey.Public().(ed25519.PublicKey)
	}

	if clock == nil {
		clock = NewSystemClock()
	}

	return &TokenCodec{
		privateKey:          privateKey,
		publicKey:           publicKey,
		issuer:              configuration.Issuer,
		audience:            configuration.Audience,
		accessTTL:           configuration.AccessTTL,
		refreshTTL:          configuration.RefreshTTL,
		accessRejectWindow:  configuration.AccessRejectWindow,
		refreshRejectWindow: configuration.RefreshRejectWindow,
		clock:               clock,
	}, nil
}

// Issue builds claims with a fresh token id and signs them. The kind is
// written into the token header as the typ field.
func (codec *TokenCodec) Issue(subject string, role string, kind TokenKind) (string, SessionClaims, error) {
	if strings.TrimSpace(subject) == "" {
		return "", SessionClaims{}, fmt.Errorf("codec.issue: %w", errEmptySubject)
	}
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(codec.ttl(kind))
	claims := SessionClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    codec.issuer,
			Audience:  jwt.ClaimStrings{codec.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["typ"] = string(kind)
	signed, signErr := token.SignedString(codec.privateKey)
	if signErr != nil {
		return "", SessionClaims{}, fmt.Errorf("codec.issue: %w", signErr)
	}
	return signed, claims, nil
}

// IssuePair issues a fresh access/refresh pair for the same subject and role.
func (codec *TokenCodec) IssuePair(subject string, role string) (TokenPair, error) {
	accessToken, accessClaims, accessErr := codec.Issue(subject, role, TokenKindAccess)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refreshToken, refreshClaims, refreshErr := codec.Issue(subject, role, TokenKindRefresh)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{
		AccessToken:   accessToken,
		AccessClaims:  accessClaims,
		RefreshToken:  refreshToken,
		RefreshClaims: refreshClaims,
	}, nil
}

// Verify checks the signature against the public key, the issuer and
// audience, the header kind tag, and the expiry. Tokens expiring within the
// kind's reject window are treated as already expired so a token accepted
// here stays valid for the remainder of the request.
func (codec *TokenCodec) Verify(tokenString string, expectedKind TokenKind) (SessionClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrSignatureInvalid)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(codec.issuer),
		jwt.WithAudience(codec.audience),
		jwt.WithTimeFunc(func() time.Time { return codec.clock.Now() }),
	)
	if parseErr != nil {
		switch {
		case errors.Is(parseErr, jwt.ErrTokenExpired):
			return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrTokenExpired)
		case errors.Is(parseErr, jwt.ErrTokenInvalidIssuer), errors.Is(parseErr, jwt.ErrTokenInvalidAudience):
			return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrClaimMismatch)
		default:
			return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrSignatureInvalid)
		}
	}
	if parsedToken == nil || !parsedToken.Valid {
		return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrSignatureInvalid)
	}
	claims, ok := parsedToken.Claims.(*SessionClaims)
	if !ok || claims == nil {
		return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrSignatureInvalid)
	}
	kindValue, _ := parsedToken.Header["typ"].(string)
	if TokenKind(kindValue) != expectedKind {
		return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrClaimMismatch)
	}
	if claims.ExpiresAt == nil {
		return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrClaimMismatch)
	}
	if codec.clock.Now().Add(codec.rejectWindow(expectedKind)).After(claims.ExpiresAt.Time) {
		return SessionClaims{}, fmt.Errorf("codec.verify: %w", ErrTokenExpired)
	}
	return *claims, nil
}

func (codec *TokenCodec) ttl(kind TokenKind) time.Duration {
	if kind == TokenKindRefresh {
		return codec.refreshTTL
	}
	return codec.accessTTL
}

func (codec *TokenCodec) rejectWindow(kind TokenKind) time.Duration {
	if kind == TokenKindRefresh {
		return codec.refreshRejectWindow
	}
	return codec.accessRejectWindow
}
