package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/hive"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	sessionIDContextKey  = "helperhive_session_id"
	controllerContextKey = "helperhive_controller"

	defaultHeartbeatInterval = 25 * time.Second
	eventState               = "state"
	eventHeartbeat           = "heartbeat"
)

var (
	errMissingSessions      = errors.New("session registry dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingContent       = errors.New("content generator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates the bearer tokens naming a client session.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, sessionID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// ContentGenerator serves the stateless generation endpoints.
type ContentGenerator interface {
	PolishRequestText(ctx context.Context, raw string) generation.PolishedRequest
	GenerateJokeOrFact(ctx context.Context, kind generation.Kind) string
	ExplainHomework(ctx context.Context, question, subject string) string
	AnalyzeReading(ctx context.Context, text string) generation.ReadingAnalysis
}

type Dependencies struct {
	Sessions            *Registry
	TokenManager        SessionTokenManager
	Content             ContentGenerator
	AllowedOrigins      []string
	MaxInlineImageBytes int
	HeartbeatInterval   time.Duration
	Logger              *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Content == nil {
		return nil, errMissingContent
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxInline := deps.MaxInlineImageBytes
	if maxInline <= 0 {
		maxInline = defaultMaxInlineImageBytes
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		tokens:    deps.TokenManager,
		content:   deps.Content,
		maxInline: maxInline,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/sessions", handler.handleCreateSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.DELETE("/sessions/current", handler.handleDeleteSession)
	protected.GET("/state", handler.handleState)
	protected.GET("/state/stream", handler.handleStateStream)
	protected.POST("/auth/password", handler.handlePasswordSignIn)
	protected.POST("/auth/federated", handler.handleFederatedSignIn)
	protected.POST("/auth/signout", handler.handleSignOut)
	protected.POST("/requests", handler.handleCreateRequest)
	protected.PUT("/requests/:id", handler.handleUpdateRequest)
	protected.POST("/requests/:id/match", handler.handleMatchRequest)
	protected.POST("/kindness", handler.handleLogKindness)
	protected.DELETE("/banner", handler.handleDismissBanner)
	protected.POST("/generate/polish", handler.handlePolish)
	protected.GET("/generate/smile", handler.handleSmile)
	protected.POST("/generate/homework", handler.handleHomework)
	protected.POST("/generate/reading", handler.handleReading)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			origins = nil
			break
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  *Registry
	tokens    SessionTokenManager
	content   ContentGenerator
	maxInline int
	heartbeat time.Duration
	logger    *zap.Logger
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type stateResponsePayload struct {
	Error string     `json:"error,omitempty"`
	Code  string     `json:"code,omitempty"`
	State hive.State `json:"state"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	sessionID, _, err := h.sessions.Create()
	if err != nil {
		h.logger.Error("failed to create client session", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session_unavailable"})
		return
	}
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), sessionID)
	if err != nil {
		h.sessions.Remove(sessionID)
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusCreated, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleDeleteSession(c *gin.Context) {
	h.sessions.Remove(c.GetString(sessionIDContextKey))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleState(c *gin.Context) {
	h.respondState(c, controllerFrom(c), nil)
}

func (h *httpHandler) handleStateStream(c *gin.Context) {
	controller := controllerFrom(c)
	sessionID := c.GetString(sessionIDContextKey)
	ctx := c.Request.Context()

	changes, stop := controller.Changes(ctx)
	defer stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.writeEvent(c, eventState, controller.Snapshot())

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			h.writeEvent(c, eventState, controller.Snapshot())
		case now := <-heartbeat.C:
			if _, ok := h.sessions.Lookup(sessionID); !ok {
				return
			}
			h.writeEvent(c, eventHeartbeat, gin.H{"timestamp": now.UTC().Unix()})
		}
	}
}

func (h *httpHandler) writeEvent(c *gin.Context, event string, payload any) {
	c.SSEvent(event, payload)
	c.Writer.Flush()
}

type passwordSignInPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (h *httpHandler) handlePasswordSignIn(c *gin.Context) {
	var request passwordSignInPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	controller := controllerFrom(c)
	err := controller.SignInWithPassword(c.Request.Context(), request.Email, request.Password, request.DisplayName)
	h.respondState(c, controller, err)
}

type federatedSignInPayload struct {
	IDToken string `json:"id_token"`
}

func (h *httpHandler) handleFederatedSignIn(c *gin.Context) {
	var request federatedSignInPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	controller := controllerFrom(c)
	err := controller.SignInWithFederated(c.Request.Context(), request.IDToken)
	h.respondState(c, controller, err)
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	controller := controllerFrom(c)
	h.respondState(c, controller, controller.SignOut(c.Request.Context()))
}

func (h *httpHandler) handleCreateRequest(c *gin.Context) {
	var draft hive.RequestDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	draft.ID = ""
	h.saveRequest(c, draft)
}

func (h *httpHandler) handleUpdateRequest(c *gin.Context) {
	var draft hive.RequestDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	draft.ID = c.Param("id")
	h.saveRequest(c, draft)
}

func (h *httpHandler) saveRequest(c *gin.Context, draft hive.RequestDraft) {
	controller := controllerFrom(c)
	if err := validateImageURL(draft.ImageURL, h.maxInline); err != nil {
		c.JSON(http.StatusBadRequest, stateResponsePayload{Error: "invalid_image", State: controller.Snapshot()})
		return
	}
	h.respondState(c, controller, controller.SaveRequest(c.Request.Context(), draft))
}

func (h *httpHandler) handleMatchRequest(c *gin.Context) {
	controller := controllerFrom(c)
	h.respondState(c, controller, controller.MarkMatched(c.Request.Context(), c.Param("id")))
}

func (h *httpHandler) handleLogKindness(c *gin.Context) {
	var draft hive.KindnessDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	controller := controllerFrom(c)
	if err := validateImageURL(draft.ImageURL, h.maxInline); err != nil {
		c.JSON(http.StatusBadRequest, stateResponsePayload{Error: "invalid_image", State: controller.Snapshot()})
		return
	}
	h.respondState(c, controller, controller.LogKindness(c.Request.Context(), draft))
}

func (h *httpHandler) handleDismissBanner(c *gin.Context) {
	controller := controllerFrom(c)
	controller.DismissBanner()
	h.respondState(c, controller, nil)
}

type textPayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handlePolish(c *gin.Context) {
	var request textPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, h.content.PolishRequestText(c.Request.Context(), request.Text))
}

func (h *httpHandler) handleSmile(c *gin.Context) {
	kind := generation.ParseKind(c.Query("kind"))
	text := h.content.GenerateJokeOrFact(c.Request.Context(), kind)
	c.JSON(http.StatusOK, gin.H{"kind": kind, "text": text})
}

type homeworkPayload struct {
	Question string `json:"question"`
	Subject  string `json:"subject"`
}

func (h *httpHandler) handleHomework(c *gin.Context) {
	var request homeworkPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	subject := strings.TrimSpace(request.Subject)
	if subject == "" {
		subject = "General"
	}
	c.JSON(http.StatusOK, gin.H{"explanation": h.content.ExplainHomework(c.Request.Context(), request.Question, subject)})
}

func (h *httpHandler) handleReading(c *gin.Context) {
	var request textPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, h.content.AnalyzeReading(c.Request.Context(), request.Text))
}

// respondState writes the controller state with the status that err maps to.
func (h *httpHandler) respondState(c *gin.Context, controller *hive.Controller, err error) {
	status, code, detail := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, stateResponsePayload{Error: code, Code: detail, State: controller.Snapshot()})
}

// classifyError maps controller errors onto an HTTP status, an error label and the typed error code.
func classifyError(err error) (int, string, string) {
	if err == nil {
		return http.StatusOK, "", ""
	}
	var authErr *identity.AuthError
	var writeErr *store.WriteError
	switch {
	case errors.Is(err, hive.ErrNotSignedIn):
		return http.StatusUnauthorized, "not_signed_in", ""
	case errors.Is(err, hive.ErrSaveInProgress):
		return http.StatusConflict, "save_in_progress", ""
	case errors.Is(err, hive.ErrInvalidDraft):
		return http.StatusBadRequest, "invalid_request", ""
	case errors.Is(err, hive.ErrClosed):
		return http.StatusGone, "session_closed", ""
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, "auth_failed", authErr.Code()
	case errors.As(err, &writeErr):
		return http.StatusBadGateway, "write_failed", writeErr.Code()
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	sessionID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	controller, found := h.sessions.Lookup(sessionID)
	if !found {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_not_found"})
		return
	}
	c.Set(sessionIDContextKey, sessionID)
	c.Set(controllerContextKey, controller)
	c.Next()
}

// bearerToken reads the Authorization header, or the access_token query parameter that
// EventSource clients use because they cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query("access_token"))
	return token, token != ""
}

func controllerFrom(c *gin.Context) *hive.Controller {
	return c.MustGet(controllerContextKey).(*hive.Controller)
}
