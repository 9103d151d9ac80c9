package authkit

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthDeps carries the collaborators the auth routes need.
type AuthDeps struct {
	Users   UserStore
	Hasher  PasswordHasher
	Codec   *TokenCodec
	Records RefreshRecordStore
	Logger  *zap.Logger
	Metrics MetricsRecorder
}

// MountAuthRoutes registers /auth/register, /auth/login, /auth/logout, and
// /auth/session.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, deps AuthDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/auth/register", func(contextGin *gin.Context) {
		var inbound struct {
			Nickname    string `json:"nickname"`
			DisplayName string `json:"display_name"`
			Password    string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil ||
			strings.TrimSpace(inbound.Nickname) == "" || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		secretHash, hashErr := deps.Hasher.Hash(contextGin.Request.Context(), inbound.Password)
		if hashErr != nil {
			logger.Error("password hashing failed during registration",
				zap.String("code", "auth.register.hash_failed"),
				zap.Error(hashErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		user, createErr := deps.Users.CreateUser(contextGin.Request.Context(), strings.TrimSpace(inbound.Nickname), inbound.DisplayName, secretHash)
		if createErr != nil {
			if errors.Is(createErr, ErrNicknameTaken) {
				contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "nickname_taken"})
				return
			}
			logger.Error("identity insert failed",
				zap.String("code", "auth.register.store_failed"),
				zap.Error(createErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		pair, issueErr := issueAndRecordPair(contextGin, deps, user)
		if issueErr != nil {
			logger.Error("token issuance failed during registration",
				zap.String("code", "auth.register.issue_failed"),
				zap.Error(issueErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		writeTokenCookies(contextGin, configuration, pair)
		contextGin.JSON(http.StatusOK, gin.H{
			"id":           user.ID,
			"nickname":     user.Nickname,
			"display_name": user.DisplayName,
		})
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Nickname string `json:"nickname"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || inbound.Nickname == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		user, lookupErr := deps.Users.UserByNickname(contextGin.Request.Context(), inbound.Nickname)
		if lookupErr != nil {
			if !errors.Is(lookupErr, ErrUserNotFound) {
				logger.Error("identity lookup failed during login",
					zap.String("code", "auth.login.store_failed"),
					zap.Error(lookupErr))
				contextGin.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			// Unknown nickname and wrong password collapse to one answer.
			incrementMetric(deps.Metrics, MetricLoginFailure)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}

		if verifyErr := deps.Hasher.Verify(contextGin.Request.Context(), user.SecretHash, inbound.Password); verifyErr != nil {
			incrementMetric(deps.Metrics, MetricLoginFailure)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}

		pair, issueErr := issueAndRecordPair(contextGin, deps, user)
		if issueErr != nil {
			logger.Error("token issuance failed during login",
				zap.String("code", "auth.login.issue_failed"),
				zap.Error(issueErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		incrementMetric(deps.Metrics, MetricLoginSuccess)
		writeTokenCookies(contextGin, configuration, pair)
		contextGin.JSON(http.StatusOK, gin.H{
			"id":           user.ID,
			"nickname":     user.Nickname,
			"display_name": user.DisplayName,
		})
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		refreshToken, cookieErr := contextGin.Cookie(configuration.RefreshCookieName)
		if cookieErr == nil && strings.TrimSpace(refreshToken) != "" {
			claims, verifyErr := deps.Codec.Verify(refreshToken, TokenKindRefresh)
			if verifyErr == nil {
				if retireErr := deps.Records.Retire(contextGin.Request.Context(), claims.Subject, claims.ID); retireErr != nil {
					logger.Error("refresh record retire failed during logout",
						zap.String("code", "auth.logout.store_failed"),
						zap.Error(retireErr))
					contextGin.AbortWithStatus(http.StatusInternalServerError)
					return
				}
			}
		}
		// The session middleware may already have rotated the cookie's token on
		// this same request; retire the renewed record too so logout leaves no
		// live chain behind.
		if value, exists := contextGin.Get(renewedPairContextKey); exists {
			if pair, ok := value.(TokenPair); ok {
				if retireErr := deps.Records.Retire(contextGin.Request.Context(), pair.RefreshClaims.Subject, pair.RefreshClaims.ID); retireErr != nil {
					logger.Error("refresh record retire failed during logout",
						zap.String("code", "auth.logout.store_failed"),
						zap.Error(retireErr))
					contextGin.AbortWithStatus(http.StatusInternalServerError)
					return
				}
			}
		}
		clearCookie(contextGin, configuration, configuration.AccessCookieName)
		clearCookie(contextGin, configuration, configuration.RefreshCookieName)
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/auth/session", func(contextGin *gin.Context) {
		identity, authenticated := IdentityFrom(contextGin)
		if !authenticated {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"subject": identity.Subject,
			"role":    identity.Role,
		})
	})
}

// issueAndRecordPair issues a fresh pair and persists the refresh record.
// The refresh token is re-verified before it is stored, matching rotation.
func issueAndRecordPair(contextGin *gin.Context, deps AuthDeps, user User) (TokenPair, error) {
	pair, issueErr := deps.Codec.IssuePair(strconv.FormatInt(user.ID, 10), "user")
	if issueErr != nil {
		return TokenPair{}, issueErr
	}
	if _, recheckErr := deps.Codec.Verify(pair.RefreshToken, TokenKindRefresh); recheckErr != nil {
		return TokenPair{}, recheckErr
	}
	if recordErr := deps.Records.Record(contextGin.Request.Context(), pair.RefreshClaims, pair.RefreshToken); recordErr != nil {
		return TokenPair{}, recordErr
	}
	return pair, nil
}

func incrementMetric(metrics MetricsRecorder, event string) {
	if metrics != nil {
		metrics.Increment(event)
	}
}
