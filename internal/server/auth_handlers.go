package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/memoshare/internal/auth"
	"github.com/MarcoPoloResearchLab/memoshare/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerRequestPayload struct {
	LoginID     string `json:"loginId"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type registerResponsePayload struct {
	UserID      int64  `json:"userId"`
	LoginID     string `json:"loginId"`
	DisplayName string `json:"displayName"`
}

type loginRequestPayload struct {
	LoginID  string `json:"loginId"`
	Password string `json:"password"`
}

type changePasswordRequestPayload struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type profileRequestPayload struct {
	DisplayName string `json:"displayName"`
}

type profileResponsePayload struct {
	UserID           int64  `json:"userId"`
	LoginID          string `json:"loginId"`
	DisplayName      string `json:"displayName"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	user, err := h.accounts.Register(c.Request.Context(), request.LoginID, request.Password, request.DisplayName)
	switch {
	case errors.Is(err, users.ErrInvalidRegistration):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	case errors.Is(err, users.ErrDuplicateLogin):
		c.JSON(http.StatusConflict, gin.H{"error": "login_taken"})
		return
	case err != nil:
		h.logger.Error("failed to register user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	c.JSON(http.StatusCreated, registerResponsePayload{
		UserID:      user.ID,
		LoginID:     user.LoginID,
		DisplayName: user.DisplayName,
	})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.LoginID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	user, err := h.accounts.Authenticate(c.Request.Context(), request.LoginID, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed to authenticate user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	h.writeSession(c, user)
}

// writeSession issues a token for the user, sets the session cookie and
// writes the login response.
func (h *httpHandler) writeSession(c *gin.Context, user users.User) {
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.Principal{UserID: user.ID, DisplayName: user.DisplayName})
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookieName, token, int(expiresIn), "/", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	})
}

func (h *httpHandler) handleChangePassword(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request changePasswordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	err := h.accounts.ChangePassword(c.Request.Context(), principal.UserID, request.CurrentPassword, request.NewPassword)
	switch {
	case errors.Is(err, users.ErrInvalidProfile):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case err != nil:
		h.logger.Error("failed to change password", zap.Int64("user_id", principal.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "password_update_failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.accounts.Profile(c.Request.Context(), principal.UserID)
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
		return
	}
	if err != nil {
		h.logger.Error("failed to load profile", zap.Int64("user_id", principal.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return
	}
	c.JSON(http.StatusOK, profileResponsePayload{
		UserID:           user.ID,
		LoginID:          user.LoginID,
		DisplayName:      user.DisplayName,
		CreatedAtSeconds: user.CreatedAtSeconds,
	})
}

// handleUpdateProfile renames the caller and reissues the session so that
// later lock holders carry the new name.
func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request profileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	user, err := h.accounts.UpdateProfile(c.Request.Context(), principal.UserID, request.DisplayName)
	switch {
	case errors.Is(err, users.ErrInvalidProfile):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
		return
	case err != nil:
		h.logger.Error("failed to update profile", zap.Int64("user_id", principal.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_update_failed"})
		return
	}
	h.writeSession(c, user)
}
