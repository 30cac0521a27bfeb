package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/auth"
	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"github.com/MarcoPoloResearchLab/ensemble/internal/sessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userContextKey = "ensemble_user"

var (
	errMissingValidator   = errors.New("session validator dependency required")
	errMissingUserService = errors.New("user service dependency required")
	errMissingSessions    = errors.New("session manager dependency required")
	errMissingInvitations = errors.New("invitation token dependency required")
)

// SessionValidator authenticates inbound requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps validated claims onto a collaboration profile.
type UserResolver interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (collab.User, error)
}

// InvitationTokens mints and verifies invitation links.
type InvitationTokens interface {
	IssueInvitationToken(ctx context.Context, grant auth.InvitationGrant) (string, int64, error)
	ValidateToken(token string) (auth.InvitationGrant, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Validator      SessionValidator
	Users          UserResolver
	Sessions       *sessions.Manager
	Invitations    InvitationTokens
	Gateway        *Gateway
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the session API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Invitations == nil {
		return nil, errMissingInvitations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator:   deps.Validator,
		users:       deps.Users,
		sessions:    deps.Sessions,
		invitations: deps.Invitations,
		gateway:     deps.Gateway,
		logger:      logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sessions", handler.handleCreateSession)
	protected.GET("/sessions", handler.handleListSessions)
	protected.GET("/sessions/current", handler.handleCurrentSession)
	protected.GET("/sessions/:id", handler.handleGetSession)
	protected.POST("/sessions/:id/join", handler.handleJoinSession)
	protected.POST("/sessions/:id/leave", handler.handleLeaveSession)
	protected.POST("/sessions/:id/start", handler.handleTransition((*sessions.Manager).StartSession))
	protected.POST("/sessions/:id/pause", handler.handleTransition((*sessions.Manager).PauseSession))
	protected.POST("/sessions/:id/resume", handler.handleTransition((*sessions.Manager).ResumeSession))
	protected.POST("/sessions/:id/end", handler.handleTransition((*sessions.Manager).EndSession))
	protected.POST("/sessions/:id/invitations", handler.handleInvite)
	protected.POST("/sessions/:id/requests/:invitationId/approve", handler.handleApproveRequest)
	protected.PUT("/sessions/:id/participants/:userId/role", handler.handleChangeRole)
	protected.DELETE("/sessions/:id/participants/:userId", handler.handleKick)
	protected.GET("/sessions/:id/analytics", handler.handleAnalytics)
	protected.GET("/sessions/:id/conflicts", handler.handleConflicts)
	protected.POST("/sessions/:id/conflicts/:conflictId/resolve", handler.handleResolveConflict)
	protected.GET("/sessions/:id/ws", handler.handleWebsocket)
	protected.POST("/invitations/accept", handler.handleAcceptInvitation)
	protected.POST("/invitations/:id/decline", handler.handleDeclineInvitation)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(origins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

// allowsAnyOrigin reports whether origins is empty or holds the wildcard.
// Credentialed responses cannot use "*", so the origin is echoed instead.
func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	validator   SessionValidator
	users       UserResolver
	sessions    *sessions.Manager
	invitations InvitationTokens
	gateway     *Gateway
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session token rejected", zap.Error(err))
		} else {
			h.logger.Warn("session token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.ResolveUser(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) collab.User {
	value, ok := c.Get(userContextKey)
	if !ok {
		return collab.User{}
	}
	user, _ := value.(collab.User)
	return user
}

type createSessionRequest struct {
	sessions.SessionConfig
	Password                string `json:"password"`
	AutoSaveIntervalSeconds int    `json:"autoSaveIntervalSeconds"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionRequest
	if !bindOptionalJSON(c, &request) {
		return
	}
	cfg := request.SessionConfig
	cfg.Security.Password = request.Password
	if request.AutoSaveIntervalSeconds > 0 {
		cfg.AutoSaveInterval = time.Duration(request.AutoSaveIntervalSeconds) * time.Second
	}
	session, err := h.sessions.CreateSession(c.Request.Context(), cfg, currentUser(c))
	if err != nil {
		h.writeError(c, "create session", err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.GetAllSessions()})
}

func (h *httpHandler) handleCurrentSession(c *gin.Context) {
	session, err := h.sessions.GetCurrentSession(currentUser(c).ID)
	if err != nil {
		h.writeError(c, "current session", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	session, err := h.sessions.GetSession(c.Param("id"))
	if err != nil {
		h.writeError(c, "get session", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type joinRequest struct {
	Password string `json:"password"`
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	var request joinRequest
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.sessions.JoinSession(c.Request.Context(), c.Param("id"), currentUser(c), request.Password)
	if err != nil {
		h.writeError(c, "join session", err)
		return
	}
	h.writeJoinResult(c, result)
}

func (h *httpHandler) writeJoinResult(c *gin.Context, result sessions.JoinResult) {
	status := http.StatusOK
	if result.Outcome == sessions.JoinPending {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (h *httpHandler) handleLeaveSession(c *gin.Context) {
	if err := h.sessions.LeaveSession(c.Request.Context(), c.Param("id"), currentUser(c).ID); err != nil {
		h.writeError(c, "leave session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sessionTransition func(*sessions.Manager, context.Context, string, string) (sessions.Session, error)

func (h *httpHandler) handleTransition(transition sessionTransition) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := transition(h.sessions, c.Request.Context(), c.Param("id"), currentUser(c).ID)
		if err != nil {
			h.writeError(c, "transition session", err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

type inviteRequest struct {
	UserID string      `json:"userId"`
	Email  string      `json:"email"`
	Role   collab.Role `json:"role"`
}

type inviteResponse struct {
	Invitation sessions.Invitation `json:"invitation"`
	Token      string              `json:"token"`
	ExpiresIn  int64               `json:"expiresIn"`
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	var request inviteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target := sessions.InvitationTarget{UserID: request.UserID, Email: request.Email}
	invitation, err := h.sessions.InviteUser(c.Request.Context(), c.Param("id"), currentUser(c).ID, target, request.Role)
	if err != nil {
		h.writeError(c, "invite user", err)
		return
	}
	recipient := invitation.Target.UserID
	if recipient == "" {
		recipient = invitation.Target.Email
	}
	token, expiresIn, err := h.invitations.IssueInvitationToken(c.Request.Context(), auth.InvitationGrant{
		InvitationID: invitation.ID,
		SessionID:    invitation.SessionID,
		Recipient:    recipient,
		ExpiresAt:    invitation.ExpiresAt,
	})
	if err != nil {
		h.logger.Error("failed to issue invitation token", zap.String("invitation_id", invitation.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusCreated, inviteResponse{Invitation: invitation, Token: token, ExpiresIn: expiresIn})
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleAcceptInvitation(c *gin.Context) {
	var request acceptInvitationRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	grant, err := h.invitations.ValidateToken(strings.TrimSpace(request.Token))
	if err != nil {
		h.logger.Info("invitation token rejected", zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid_invitation_token"})
		return
	}
	invitation, err := h.sessions.Invitation(grant.InvitationID)
	if err != nil {
		h.writeError(c, "accept invitation", err)
		return
	}
	if invitation.SessionID != grant.SessionID {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid_invitation_token"})
		return
	}
	result, err := h.sessions.AcceptInvitation(c.Request.Context(), invitation.ID, currentUser(c))
	if err != nil {
		h.writeError(c, "accept invitation", err)
		return
	}
	h.writeJoinResult(c, result)
}

func (h *httpHandler) handleDeclineInvitation(c *gin.Context) {
	invitation, err := h.sessions.DeclineInvitation(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.writeError(c, "decline invitation", err)
		return
	}
	c.JSON(http.StatusOK, invitation)
}

func (h *httpHandler) handleApproveRequest(c *gin.Context) {
	result, err := h.sessions.ApproveJoinRequest(c.Request.Context(), c.Param("id"), c.Param("invitationId"), currentUser(c).ID)
	if err != nil {
		h.writeError(c, "approve join request", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type changeRoleRequest struct {
	Role collab.Role `json:"role"`
}

func (h *httpHandler) handleChangeRole(c *gin.Context) {
	var request changeRoleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	participant, err := h.sessions.ChangeUserRole(c.Request.Context(), c.Param("id"), c.Param("userId"), request.Role, currentUser(c).ID)
	if err != nil {
		h.writeError(c, "change role", err)
		return
	}
	c.JSON(http.StatusOK, participant)
}

func (h *httpHandler) handleKick(c *gin.Context) {
	if err := h.sessions.KickUser(c.Request.Context(), c.Param("id"), c.Param("userId"), currentUser(c).ID); err != nil {
		h.writeError(c, "kick user", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAnalytics(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.sessions.IsParticipant(sessionID, currentUser(c).ID) {
		if _, err := h.sessions.GetSession(sessionID); err == nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
			return
		}
	}
	analytics, err := h.sessions.GetSessionAnalytics(c.Request.Context(), sessionID)
	if err != nil {
		h.writeError(c, "session analytics", err)
		return
	}
	c.JSON(http.StatusOK, analytics)
}

func (h *httpHandler) handleConflicts(c *gin.Context) {
	conflicts, err := h.sessions.Conflicts(c.Param("id"), currentUser(c).ID)
	if err != nil {
		h.writeError(c, "list conflicts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var resolution collab.ConflictResolution
	if err := c.ShouldBindJSON(&resolution); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.sessions.ResolveConflict(c.Request.Context(), c.Param("id"), c.Param("conflictId"), resolution, currentUser(c).ID); err != nil {
		h.writeError(c, "resolve conflict", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	if h.gateway == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "realtime_disabled"})
		return
	}
	sessionID := c.Param("id")
	participant, ok := h.sessions.Participant(sessionID, currentUser(c).ID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
		return
	}
	h.gateway.Serve(c.Writer, c.Request, sessionID, participant.User)
}

// bindOptionalJSON decodes a body when one is present.
func bindOptionalJSON(c *gin.Context, target any) bool {
	if c.Request.Body == nil {
		return true
	}
	if err := json.NewDecoder(c.Request.Body).Decode(target); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	return true
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status := statusForError(err)
	code := collab.Code(err)
	if code == "" {
		code = errorKind(status)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.String("code", code), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("operation", operation), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, collab.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrUnauthorized), errors.Is(err, collab.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, collab.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrCapacity), errors.Is(err, collab.ErrState):
		return http.StatusConflict
	case errors.Is(err, collab.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}
