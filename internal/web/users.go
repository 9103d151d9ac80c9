// Package web holds the downstream HTTP handlers that consume the identity
// context and the cache-aside user store.
package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mprlab/authd/internal/authkit"
)

type userPayload struct {
	ID          int64  `json:"id"`
	Nickname    string `json:"nickname"`
	DisplayName string `json:"display_name"`
}

func toPayload(user authkit.User) userPayload {
	return userPayload{
		ID:          user.ID,
		Nickname:    user.Nickname,
		DisplayName: user.DisplayName,
	}
}

// HandleProfileByNickname serves a public profile looked up by nickname.
func HandleProfileByNickname(users authkit.UserStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		nickname := strings.TrimSpace(contextGin.Param("nickname"))
		if nickname == "" {
			contextGin.AbortWithStatus(http.StatusNotFound)
			return
		}
		user, lookupErr := users.UserByNickname(contextGin.Request.Context(), nickname)
		if lookupErr != nil {
			if errors.Is(lookupErr, authkit.ErrUserNotFound) {
				contextGin.AbortWithStatus(http.StatusNotFound)
				return
			}
			logger.Error("profile lookup failed",
				zap.String("code", "web.profile.store_failed"),
				zap.String("nickname", nickname),
				zap.Error(lookupErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, toPayload(user))
	}
}

// HandleListUsers serves the all-identities listing.
func HandleListUsers(users authkit.UserStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		all, listErr := users.ListUsers(contextGin.Request.Context())
		if listErr != nil {
			logger.Error("user listing failed",
				zap.String("code", "web.users.store_failed"),
				zap.Error(listErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		payload := make([]userPayload, 0, len(all))
		for _, user := range all {
			payload = append(payload, toPayload(user))
		}
		contextGin.JSON(http.StatusOK, payload)
	}
}

// HandleOwnProfile serves the authenticated caller's own profile. Anonymous
// callers get 401; the decision sits here, not in the session middleware.
func HandleOwnProfile(users authkit.UserStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		user, ok := resolveIdentityUser(contextGin, users, logger)
		if !ok {
			return
		}
		contextGin.JSON(http.StatusOK, toPayload(user))
	}
}

// HandleUpdateDisplayName mutates the caller's display name; the cache layer
// underneath invalidates every key addressing the identity.
func HandleUpdateDisplayName(users authkit.UserStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		user, ok := resolveIdentityUser(contextGin, users, logger)
		if !ok {
			return
		}
		var inbound struct {
			DisplayName string `json:"display_name"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.DisplayName) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		updated, updateErr := users.UpdateDisplayName(contextGin.Request.Context(), user.ID, strings.TrimSpace(inbound.DisplayName))
		if updateErr != nil {
			logger.Error("display name update failed",
				zap.String("code", "web.profile.update_failed"),
				zap.Int64("user_id", user.ID),
				zap.Error(updateErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, toPayload(updated))
	}
}

func resolveIdentityUser(contextGin *gin.Context, users authkit.UserStore, logger *zap.Logger) (authkit.User, bool) {
	identity, authenticated := authkit.IdentityFrom(contextGin)
	if !authenticated {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return authkit.User{}, false
	}
	userID, parseErr := strconv.ParseInt(identity.Subject, 10, 64)
	if parseErr != nil {
		logger.Warn("non-numeric subject in identity context",
			zap.String("code", "web.profile.bad_subject"),
			zap.String("subject", identity.Subject))
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return authkit.User{}, false
	}
	user, lookupErr := users.UserByID(contextGin.Request.Context(), userID)
	if lookupErr != nil {
		if errors.Is(lookupErr, authkit.ErrUserNotFound) {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return authkit.User{}, false
		}
		logger.Error("identity lookup failed",
			zap.String("code", "web.profile.store_failed"),
			zap.Int64("user_id", userID),
			zap.Error(lookupErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return authkit.User{}, false
	}
	return user, true
}
