package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memoshare/internal/auth"
	"github.com/MarcoPoloResearchLab/memoshare/internal/editlock"
	"github.com/MarcoPoloResearchLab/memoshare/internal/memos"
	"github.com/MarcoPoloResearchLab/memoshare/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey          = "memoshare_user_id"
	userDisplayNameContextKey = "memoshare_user_display_name"
	accessTokenQueryParameter = "access_token"
	defaultHeartbeatInterval  = 25 * time.Second
)

var (
	errMissingAccountService = errors.New("account service dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingMemoService    = errors.New("memo service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// AccountService registers, authenticates and maintains user accounts.
type AccountService interface {
	Register(ctx context.Context, loginID, password, displayName string) (users.User, error)
	Authenticate(ctx context.Context, loginID, password string) (users.User, error)
	Profile(ctx context.Context, userID int64) (users.User, error)
	UpdateProfile(ctx context.Context, userID int64, displayName string) (users.User, error)
	ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error
}

// TokenManager issues and validates access tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, principal auth.Principal) (string, int64, error)
	ValidateToken(token string) (auth.Principal, error)
}

// MemoService is the memo application surface exposed over HTTP.
type MemoService interface {
	Create(ctx context.Context, ownerID int64, request memos.CreateRequest) (memos.Memo, error)
	Get(ctx context.Context, userID, memoID int64) (memos.MemoDetail, error)
	List(ctx context.Context, userID int64, query memos.ListQuery) ([]memos.MemoSummary, error)
	SetFavorite(ctx context.Context, userID, memoID int64, favorite bool) error
	UpdateContent(ctx context.Context, userID, memoID int64, edit memos.ContentEdit) (memos.EditResult, error)
	Delete(ctx context.Context, userID, memoID int64) (memos.RemovalOutcome, error)
	Invite(ctx context.Context, inviterID, memoID int64, userIDs []int64) error
	EnterEditMode(ctx context.Context, userID, memoID int64, displayName string) (editlock.Acquisition, error)
	ExitEditMode(ctx context.Context, userID, memoID int64) (bool, error)
	MemberIDs(ctx context.Context, memoID int64) ([]int64, error)
}

type Dependencies struct {
	Accounts          AccountService
	TokenManager      TokenManager
	MemoService       MemoService
	Realtime          *RealtimeDispatcher
	Metrics           *Metrics
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.MemoService == nil {
		return nil, errMissingMemoService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.middleware())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		accounts:  deps.Accounts,
		tokens:    deps.TokenManager,
		memos:     deps.MemoService,
		realtime:  realtime,
		metrics:   metrics,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/auth/password", handler.handleChangePassword)
	protected.GET("/users", handler.handleGetProfile)
	protected.PUT("/users", handler.handleUpdateProfile)
	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/events", handler.handleRealtimeStream)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PUT("/notes/:id", handler.handleUpdateNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.POST("/notes/:id/members", handler.handleInviteMembers)
	protected.POST("/notes/:id/lock", handler.handleEnterEditMode)
	protected.DELETE("/notes/:id/lock", handler.handleExitEditMode)

	return router, nil
}

// corsMiddleware allows the listed origins, or any origin when none is listed.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{headerMemoVersion},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	accounts  AccountService
	tokens    TokenManager
	memos     MemoService
	realtime  *RealtimeDispatcher
	metrics   *Metrics
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request)
	if errors.Is(err, auth.ErrMissingToken) {
		// EventSource clients cannot send headers.
		token = strings.TrimSpace(c.Query(accessTokenQueryParameter))
		err = nil
	}
	if err != nil || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, principal.UserID)
	c.Set(userDisplayNameContextKey, principal.DisplayName)
	c.Next()
}

func principalFromContext(c *gin.Context) (auth.Principal, bool) {
	userID := c.GetInt64(userIDContextKey)
	if userID <= 0 {
		return auth.Principal{}, false
	}
	return auth.Principal{UserID: userID, DisplayName: c.GetString(userDisplayNameContextKey)}, true
}
