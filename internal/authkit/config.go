package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures keys, claims, cookies, and TTLs. Loaded once at
// startup and passed to constructors; nothing reads it as ambient state.
type ServerConfig struct {
	Issuer               string
	Audience             string
	SigningPrivateKeyPEM []byte
	SigningPublicKeyPEM  []byte
	AccessCookieName     string
	RefreshCookieName    string
	CookieDomain         string
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	AccessRejectWindow   time.Duration
	RefreshRejectWindow  time.Duration
	CacheTTL             time.Duration
	SameSiteMode         http.SameSite
	AccessCookieHTTPOnly bool
	AllowInsecureHTTP    bool
}
