package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/auth"
	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"github.com/MarcoPoloResearchLab/ensemble/internal/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testInvitationSecret = "invitation-secret"

// bearerValidator treats the bearer token as the user id.
type bearerValidator struct {
	err error
}

func (v bearerValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	if v.err != nil {
		return auth.SessionClaims{}, v.err
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get(auth.AccessTokenQueryParameter)
	}
	if token == "" {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	claims := auth.SessionClaims{UserID: token, UserEmail: token + "@example.com", UserDisplayName: token}
	if strings.HasPrefix(token, "guest-") {
		claims.UserRoles = []string{"guest"}
	}
	return claims, nil
}

type claimsResolver struct {
	err error
}

func (r claimsResolver) ResolveUser(_ context.Context, claims auth.SessionClaims) (collab.User, error) {
	if r.err != nil {
		return collab.User{}, r.err
	}
	user := collab.User{ID: claims.UserID, DisplayName: claims.UserDisplayName, Email: claims.UserEmail}
	if claims.HasRole("guest") {
		user.Role = collab.RoleGuest
	}
	return user, nil
}

type apiHarness struct {
	t        *testing.T
	handler  http.Handler
	manager  *sessions.Manager
	issuer   *auth.TokenIssuer
	removals []string
}

func newAPIHarness(t *testing.T, gateway func(*sessions.Manager) *Gateway) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	manager, err := sessions.NewManager(sessions.Config{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testInvitationSecret),
		Issuer:        "ensemble",
		Audience:      "ensemble-invitations",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	harness := &apiHarness{t: t, manager: manager, issuer: issuer}
	manager.OnRemoval(func(sessionID, userID string, reason sessions.EventType) {
		harness.removals = append(harness.removals, sessionID+"/"+userID+"/"+string(reason))
	})
	deps := Dependencies{
		Validator:   bearerValidator{},
		Users:       claimsResolver{},
		Sessions:    manager,
		Invitations: issuer,
	}
	if gateway != nil {
		deps.Gateway = gateway(manager)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	harness.handler = handler
	return harness
}

func (h *apiHarness) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+userID)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *apiHarness) expect(recorder *httptest.ResponseRecorder, status int) {
	h.t.Helper()
	if recorder.Code != status {
		h.t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func (h *apiHarness) createSession(creatorID string, body map[string]any) sessions.Session {
	h.t.Helper()
	recorder := h.do(http.MethodPost, "/sessions", creatorID, body)
	h.expect(recorder, http.StatusCreated)
	var session sessions.Session
	decodeBody(h.t, recorder, &session)
	return session
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &payload)
	return payload.Error
}

var errResolverUnavailable = errors.New("resolver unavailable")
