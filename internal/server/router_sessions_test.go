package server

import (
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/ensemble/internal/auth"
	"github.com/MarcoPoloResearchLab/ensemble/internal/sessions"
)

func TestSessionLifecycleOverHTTP(t *testing.T) {
	harness := newAPIHarness(t, nil)
	session := harness.createSession("alice", map[string]any{
		"name":            "Mix night",
		"maxParticipants": 3,
		"password":        "hunter2",
	})
	if session.Status != sessions.StatusWaiting || session.CreatorID != "alice" {
		t.Fatalf("unexpected created session: %+v", session)
	}
	if session.Config.Security.Password != "" {
		t.Fatalf("expected password to stay out of responses")
	}
	base := "/sessions/" + session.ID

	recorder := harness.do(http.MethodPost, base+"/join", "bob", map[string]string{"password": "wrong"})
	harness.expect(recorder, http.StatusForbidden)
	if code := errorCode(t, recorder); code != "sessions.join.bad_password" {
		t.Fatalf("unexpected error code %q", code)
	}

	recorder = harness.do(http.MethodPost, base+"/join", "bob", map[string]string{"password": "hunter2"})
	harness.expect(recorder, http.StatusOK)
	var joined sessions.JoinResult
	decodeBody(t, recorder, &joined)
	if joined.Outcome != sessions.JoinJoined || len(joined.Session.Participants) != 2 {
		t.Fatalf("unexpected join result: %+v", joined)
	}

	if joined.Session.Status != sessions.StatusActive {
		t.Fatalf("expected first join to activate the session, got %s", joined.Session.Status)
	}

	harness.expect(harness.do(http.MethodPost, base+"/start", "bob", nil), http.StatusForbidden)
	recorder = harness.do(http.MethodPost, base+"/start", "alice", nil)
	harness.expect(recorder, http.StatusConflict)
	if code := errorCode(t, recorder); code != "sessions.start.invalid_transition" {
		t.Fatalf("unexpected error code %q", code)
	}

	harness.expect(harness.do(http.MethodPost, base+"/pause", "alice", nil), http.StatusOK)
	recorder = harness.do(http.MethodPost, base+"/pause", "alice", nil)
	harness.expect(recorder, http.StatusConflict)
	if code := errorCode(t, recorder); code != "sessions.pause.invalid_transition" {
		t.Fatalf("unexpected error code %q", code)
	}
	harness.expect(harness.do(http.MethodPost, base+"/resume", "alice", nil), http.StatusOK)

	recorder = harness.do(http.MethodGet, "/sessions/current", "bob", nil)
	harness.expect(recorder, http.StatusOK)
	var current sessions.Session
	decodeBody(t, recorder, &current)
	if current.ID != session.ID {
		t.Fatalf("expected current session %s, got %s", session.ID, current.ID)
	}

	harness.expect(harness.do(http.MethodGet, base+"/analytics", "mallory", nil), http.StatusForbidden)
	harness.expect(harness.do(http.MethodGet, base+"/analytics", "bob", nil), http.StatusOK)

	harness.expect(harness.do(http.MethodDelete, base+"/participants/bob", "alice", nil), http.StatusNoContent)
	if harness.manager.IsParticipant(session.ID, "bob") {
		t.Fatalf("expected bob to be removed")
	}
	if len(harness.removals) != 1 || harness.removals[0] != session.ID+"/bob/participant_kicked" {
		t.Fatalf("unexpected removal notifications: %v", harness.removals)
	}

	recorder = harness.do(http.MethodPost, base+"/end", "alice", nil)
	harness.expect(recorder, http.StatusOK)
	var ended sessions.Session
	decodeBody(t, recorder, &ended)
	if ended.Status != sessions.StatusEnded {
		t.Fatalf("expected ended session, got %s", ended.Status)
	}
	harness.expect(harness.do(http.MethodPost, base+"/join", "carol", map[string]string{"password": "hunter2"}), http.StatusConflict)
}

func TestInvitationTokenFlow(t *testing.T) {
	harness := newAPIHarness(t, nil)
	session := harness.createSession("alice", map[string]any{"name": "Writing room"})
	base := "/sessions/" + session.ID

	recorder := harness.do(http.MethodPost, base+"/invitations", "alice", map[string]string{"userId": "carol", "role": "viewer"})
	harness.expect(recorder, http.StatusCreated)
	var invite inviteResponse
	decodeBody(t, recorder, &invite)
	if invite.Token == "" || invite.ExpiresIn <= 0 {
		t.Fatalf("expected invitation token, got %+v", invite)
	}
	grant, err := harness.issuer.ValidateToken(invite.Token)
	if err != nil {
		t.Fatalf("expected issued token to validate: %v", err)
	}
	if grant.InvitationID != invite.Invitation.ID || grant.SessionID != session.ID || grant.Recipient != "carol" {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	recorder = harness.do(http.MethodPost, "/invitations/accept", "dave", map[string]string{"token": invite.Token})
	harness.expect(recorder, http.StatusForbidden)
	if code := errorCode(t, recorder); code != "sessions.accept_invitation.wrong_recipient" {
		t.Fatalf("unexpected error code %q", code)
	}

	harness.expect(harness.do(http.MethodPost, "/invitations/accept", "carol", map[string]string{"token": "garbage"}), http.StatusForbidden)

	recorder = harness.do(http.MethodPost, "/invitations/accept", "carol", map[string]string{"token": invite.Token})
	harness.expect(recorder, http.StatusOK)
	participant, ok := harness.manager.Participant(session.ID, "carol")
	if !ok || participant.Role != "viewer" {
		t.Fatalf("expected carol to join as viewer, got %+v (%v)", participant, ok)
	}

	harness.expect(harness.do(http.MethodPost, base+"/invitations", "carol", map[string]string{"userId": "erin"}), http.StatusForbidden)
	harness.expect(harness.do(http.MethodPost, base+"/invitations", "alice", map[string]string{}), http.StatusBadRequest)
}

func TestInvitationTokenMustMatchSession(t *testing.T) {
	harness := newAPIHarness(t, nil)
	first := harness.createSession("alice", map[string]any{"name": "First"})
	second := harness.createSession("bob", map[string]any{"name": "Second"})

	invitation, err := harness.manager.InviteUser(t.Context(), first.ID, "alice", sessions.InvitationTarget{UserID: "carol"}, "editor")
	if err != nil {
		t.Fatalf("unexpected invite error: %v", err)
	}
	forged, _, err := harness.issuer.IssueInvitationToken(t.Context(), auth.InvitationGrant{
		InvitationID: invitation.ID,
		SessionID:    second.ID,
		Recipient:    "carol",
		ExpiresAt:    invitation.ExpiresAt,
	})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	recorder := harness.do(http.MethodPost, "/invitations/accept", "carol", map[string]string{"token": forged})
	harness.expect(recorder, http.StatusForbidden)
	if harness.manager.IsParticipant(first.ID, "carol") {
		t.Fatalf("expected mismatched token to be refused")
	}
}

func TestJoinRequestApprovalOverHTTP(t *testing.T) {
	harness := newAPIHarness(t, nil)
	session := harness.createSession("alice", map[string]any{"name": "Closed", "requiresApproval": true})
	base := "/sessions/" + session.ID

	recorder := harness.do(http.MethodPost, base+"/join", "bob", nil)
	harness.expect(recorder, http.StatusAccepted)
	var pending sessions.JoinResult
	decodeBody(t, recorder, &pending)
	if pending.Outcome != sessions.JoinPending || pending.InvitationID == "" {
		t.Fatalf("expected pending join request, got %+v", pending)
	}

	harness.expect(harness.do(http.MethodPost, base+"/requests/"+pending.InvitationID+"/approve", "bob", nil), http.StatusForbidden)
	harness.expect(harness.do(http.MethodPost, base+"/requests/"+pending.InvitationID+"/approve", "alice", nil), http.StatusOK)
	if !harness.manager.IsParticipant(session.ID, "bob") {
		t.Fatalf("expected bob to be admitted")
	}

	recorder = harness.do(http.MethodPut, base+"/participants/bob/role", "alice", map[string]string{"role": "admin"})
	harness.expect(recorder, http.StatusOK)
	var promoted sessions.Participant
	decodeBody(t, recorder, &promoted)
	if promoted.Role != "admin" {
		t.Fatalf("expected bob to be promoted, got %s", promoted.Role)
	}
	harness.expect(harness.do(http.MethodPut, base+"/participants/bob/role", "alice", map[string]string{"role": "wizard"}), http.StatusBadRequest)
}

func TestDeclineInvitationOverHTTP(t *testing.T) {
	harness := newAPIHarness(t, nil)
	session := harness.createSession("alice", nil)
	invitation, err := harness.manager.InviteUser(t.Context(), session.ID, "alice", sessions.InvitationTarget{Email: "carol@example.com"}, "viewer")
	if err != nil {
		t.Fatalf("unexpected invite error: %v", err)
	}

	harness.expect(harness.do(http.MethodPost, "/invitations/"+invitation.ID+"/decline", "dave", nil), http.StatusForbidden)
	recorder := harness.do(http.MethodPost, "/invitations/"+invitation.ID+"/decline", "carol", nil)
	harness.expect(recorder, http.StatusOK)
	var declined sessions.Invitation
	decodeBody(t, recorder, &declined)
	if declined.Status != sessions.InvitationDeclined {
		t.Fatalf("expected declined invitation, got %s", declined.Status)
	}
	harness.expect(harness.do(http.MethodPost, "/invitations/"+invitation.ID+"/decline", "carol", nil), http.StatusConflict)
}

func TestSessionRoutesRequireAuthentication(t *testing.T) {
	harness := newAPIHarness(t, nil)
	harness.expect(harness.do(http.MethodGet, "/sessions", "", nil), http.StatusUnauthorized)
	harness.expect(harness.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
}

func TestSessionErrorsMapToStatuses(t *testing.T) {
	harness := newAPIHarness(t, nil)
	session := harness.createSession("alice", map[string]any{"maxParticipants": 1})
	base := "/sessions/" + session.ID

	testCases := []struct {
		name   string
		method string
		path   string
		userID string
		body   any
		status int
		code   string
	}{
		{name: "unknown session", method: http.MethodGet, path: "/sessions/missing", userID: "alice", status: http.StatusNotFound, code: "sessions.get.unknown_session"},
		{name: "full session", method: http.MethodPost, path: base + "/join", userID: "bob", status: http.StatusConflict, code: "sessions.join.full"},
		{name: "guest refused", method: http.MethodPost, path: base + "/join", userID: "guest-zoe", status: http.StatusForbidden, code: "sessions.join.guests_not_allowed"},
		{name: "invalid config", method: http.MethodPost, path: "/sessions", userID: "alice", body: map[string]any{"maxParticipants": -2}, status: http.StatusBadRequest, code: "sessions.create.invalid_config"},
		{name: "malformed body", method: http.MethodPost, path: "/sessions", userID: "alice", body: "not an object", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "no current session", method: http.MethodGet, path: "/sessions/current", userID: "nobody", status: http.StatusNotFound, code: "sessions.current.none"},
		{name: "leave without joining", method: http.MethodPost, path: base + "/leave", userID: "nobody", status: http.StatusNotFound, code: "sessions.leave.not_participant"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := harness.do(testCase.method, testCase.path, testCase.userID, testCase.body)
			harness.expect(recorder, testCase.status)
			if code := errorCode(t, recorder); code != testCase.code {
				t.Fatalf("expected code %q, got %q", testCase.code, code)
			}
		})
	}
}

func TestWebsocketRouteRequiresGateway(t *testing.T) {
	harness := newAPIHarness(t, nil)
	session := harness.createSession("alice", nil)
	harness.expect(harness.do(http.MethodGet, "/sessions/"+session.ID+"/ws", "alice", nil), http.StatusNotImplemented)
}
