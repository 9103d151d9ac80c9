package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func writeAccessCookie(contextGin *gin.Context, configuration ServerConfig, pair TokenPair) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.AccessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  pair.AccessClaims.ExpiresAt.Time,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: configuration.AccessCookieHTTPOnly,
		SameSite: configuration.SameSiteMode,
	})
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, pair TokenPair) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  pair.RefreshClaims.ExpiresAt.Time,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func writeTokenCookies(contextGin *gin.Context, configuration ServerConfig, pair TokenPair) {
	writeAccessCookie(contextGin, configuration, pair)
	writeRefreshCookie(contextGin, configuration, pair)
}

func clearCookie(contextGin *gin.Context, configuration ServerConfig, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}
