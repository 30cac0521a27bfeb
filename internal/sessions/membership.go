package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"go.uber.org/zap"
)

// InviteUser issues an invitation into sessionID. The inviter must be an
// admin or hold the share capability.
func (m *Manager) InviteUser(ctx context.Context, sessionID, inviterID string, target InvitationTarget, role collab.Role) (Invitation, error) {
	target = target.normalized()
	if target.empty() {
		return Invitation{}, collab.NewServiceError(opInvite, "missing_target", collab.ErrValidation)
	}
	parsedRole, err := collab.NewRole(string(role))
	if err != nil {
		return Invitation{}, collab.NewServiceError(opInvite, "invalid_role", err)
	}
	if parsedRole == collab.RoleOwner {
		return Invitation{}, collab.NewServiceError(opInvite, "invalid_role", collab.ErrValidation)
	}
	invitationID, err := m.ids.NewID()
	if err != nil {
		m.logError(opInvite, "id_failed", err)
		return Invitation{}, collab.NewServiceError(opInvite, "id_failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(opInvite, sessionID)
	if err != nil {
		return Invitation{}, err
	}
	session := &entry.session
	if session.Status == StatusEnded {
		return Invitation{}, collab.NewServiceError(opInvite, "ended", collab.ErrState)
	}
	inviter, ok := session.Participants[inviterID]
	if !ok || !(inviter.Role.IsAdmin() || inviter.Permissions.CanShare) {
		return Invitation{}, collab.NewServiceError(opInvite, "not_allowed", collab.ErrPermission)
	}
	cfg := session.Config
	if parsedRole == collab.RoleGuest && !cfg.AllowGuests {
		return Invitation{}, collab.NewServiceError(opInvite, "guests_not_allowed", collab.ErrValidation)
	}
	if target.Email != "" && !cfg.allowsEmail(target.Email) {
		return Invitation{}, collab.NewServiceError(opInvite, "domain_not_allowed", collab.ErrValidation)
	}
	if target.UserID != "" {
		if cfg.blocks(target.UserID) {
			return Invitation{}, collab.NewServiceError(opInvite, "blocked", collab.ErrUnauthorized)
		}
		if _, member := session.Participants[target.UserID]; member {
			return Invitation{}, collab.NewServiceError(opInvite, "already_participant", collab.ErrState)
		}
	}

	now := m.clock()
	invitation := Invitation{
		ID:        invitationID,
		SessionID: sessionID,
		Kind:      InvitationInvite,
		InviterID: inviterID,
		Target:    target,
		Role:      parsedRole,
		Status:    InvitationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.invitationTTL),
	}
	session.Invitations[invitationID] = invitation
	m.invitations[invitationID] = sessionID
	entry.appendEvent(EventInvitationCreated, inviterID, now, map[string]string{"invitation_id": invitationID, "role": string(parsedRole)})
	m.logger.Info("invitation created", zap.String(fieldSessionID, sessionID), zap.String("invitation_id", invitationID))
	return invitation.clone(), nil
}

// Invitation returns the invitation with invitationID.
func (m *Manager) Invitation(invitationID string) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, invitation, err := m.invitationLocked(opAccept, invitationID)
	if err != nil {
		return Invitation{}, err
	}
	return invitation.clone(), nil
}

// AcceptInvitation joins user through an invitation addressed to them. An
// invitation found past its expiry is marked expired.
func (m *Manager) AcceptInvitation(ctx context.Context, invitationID string, user collab.User) (JoinResult, error) {
	m.mu.Lock()
	entry, invitation, err := m.invitationLocked(opAccept, invitationID)
	if err != nil {
		m.mu.Unlock()
		return JoinResult{}, err
	}
	if invitation.Kind != InvitationInvite {
		m.mu.Unlock()
		return JoinResult{}, collab.NewServiceError(opAccept, "not_invitation", collab.ErrValidation)
	}
	if !invitation.Target.matches(user) {
		m.mu.Unlock()
		return JoinResult{}, collab.NewServiceError(opAccept, "wrong_recipient", collab.ErrPermission)
	}
	now := m.clock()
	if err := m.checkPendingLocked(entry, &invitation, opAccept, now); err != nil {
		m.mu.Unlock()
		return JoinResult{}, err
	}
	result, err := m.acceptLocked(entry, invitation, user, now)
	m.mu.Unlock()
	if err != nil {
		return JoinResult{}, err
	}
	m.logger.Info("invitation accepted", zap.String(fieldSessionID, invitation.SessionID), zap.String(fieldUserID, user.ID))
	return result, nil
}

// acceptLocked joins user under invitation's role and closes the invitation.
// A failed join leaves the invitation pending.
func (m *Manager) acceptLocked(entry *sessionEntry, invitation Invitation, user collab.User, now time.Time) (JoinResult, error) {
	result, err := m.joinLocked(entry, user, joinOptions{invited: true, role: invitation.Role})
	if err != nil {
		return JoinResult{}, err
	}
	invitation.Status = InvitationAccepted
	invitation.RespondedAt = now
	entry.session.Invitations[invitation.ID] = invitation
	entry.appendEvent(EventInvitationAccepted, user.ID, now, map[string]string{"invitation_id": invitation.ID})
	result.Session = entry.session.Clone()
	return result, nil
}

// DeclineInvitation closes a pending invitation. Invitations are declined by
// their recipient; join requests by the requester or a session admin.
func (m *Manager) DeclineInvitation(ctx context.Context, invitationID string, user collab.User) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, invitation, err := m.invitationLocked(opDecline, invitationID)
	if err != nil {
		return Invitation{}, err
	}
	allowed := invitation.Target.matches(user)
	if invitation.Kind == InvitationRequest && entry.requireAdmin(opDecline, user.ID) == nil {
		allowed = true
	}
	if !allowed {
		return Invitation{}, collab.NewServiceError(opDecline, "wrong_recipient", collab.ErrPermission)
	}
	now := m.clock()
	if err := m.checkPendingLocked(entry, &invitation, opDecline, now); err != nil {
		return Invitation{}, err
	}
	invitation.Status = InvitationDeclined
	invitation.RespondedAt = now
	entry.session.Invitations[invitationID] = invitation
	entry.appendEvent(EventInvitationDeclined, user.ID, now, map[string]string{"invitation_id": invitationID})
	return invitation.clone(), nil
}

// ApproveJoinRequest admits the requester behind a pending join request.
func (m *Manager) ApproveJoinRequest(ctx context.Context, sessionID, invitationID, approverID string) (JoinResult, error) {
	m.mu.Lock()
	entry, invitation, err := m.invitationLocked(opApprove, invitationID)
	if err != nil {
		m.mu.Unlock()
		return JoinResult{}, err
	}
	if entry.session.ID != sessionID {
		m.mu.Unlock()
		return JoinResult{}, collab.NewServiceError(opApprove, "unknown_request", collab.ErrNotFound)
	}
	if err := entry.requireAdmin(opApprove, approverID); err != nil {
		m.mu.Unlock()
		return JoinResult{}, err
	}
	if invitation.Kind != InvitationRequest {
		m.mu.Unlock()
		return JoinResult{}, collab.NewServiceError(opApprove, "not_request", collab.ErrValidation)
	}
	now := m.clock()
	if err := m.checkPendingLocked(entry, &invitation, opApprove, now); err != nil {
		m.mu.Unlock()
		return JoinResult{}, err
	}
	result, err := m.acceptLocked(entry, invitation, invitation.requester, now)
	m.mu.Unlock()
	if err != nil {
		return JoinResult{}, err
	}
	m.logger.Info("join request approved",
		zap.String(fieldSessionID, sessionID),
		zap.String(fieldUserID, invitation.requester.ID),
		zap.String("approver_id", approverID))
	return result, nil
}

// ChangeUserRole assigns role to targetID and recomputes their permissions.
// Connected replicas learn the change through the host engine.
func (m *Manager) ChangeUserRole(ctx context.Context, sessionID, targetID string, role collab.Role, actorID string) (Participant, error) {
	parsedRole, err := collab.NewRole(string(role))
	if err != nil {
		return Participant{}, collab.NewServiceError(opChangeRole, "invalid_role", err)
	}
	if parsedRole == collab.RoleOwner {
		return Participant{}, collab.NewServiceError(opChangeRole, "invalid_role", collab.ErrValidation)
	}

	m.mu.Lock()
	entry, err := m.entryLocked(opChangeRole, sessionID)
	if err != nil {
		m.mu.Unlock()
		return Participant{}, err
	}
	if err := entry.requireAdmin(opChangeRole, actorID); err != nil {
		m.mu.Unlock()
		return Participant{}, err
	}
	session := &entry.session
	if session.Status == StatusEnded {
		m.mu.Unlock()
		return Participant{}, collab.NewServiceError(opChangeRole, "ended", collab.ErrState)
	}
	participant, ok := session.Participants[targetID]
	if !ok {
		m.mu.Unlock()
		return Participant{}, collab.NewServiceError(opChangeRole, "unknown_participant", collab.ErrNotFound)
	}
	if targetID == actorID {
		m.mu.Unlock()
		return Participant{}, collab.NewServiceError(opChangeRole, "self", collab.ErrValidation)
	}
	if parsedRole == collab.RoleGuest && !session.Config.AllowGuests {
		m.mu.Unlock()
		return Participant{}, collab.NewServiceError(opChangeRole, "guests_not_allowed", collab.ErrValidation)
	}

	now := m.clock()
	previous := participant.Role
	permissions := session.Config.PermissionsFor(parsedRole)
	participant.Role = parsedRole
	participant.Permissions = permissions
	participant.User.Role = parsedRole
	participant.User.Permissions = permissions.Clone()
	session.Participants[targetID] = participant
	entry.appendEvent(EventRoleChanged, targetID, now, map[string]string{
		"from": string(previous),
		"to":   string(parsedRole),
		"by":   actorID,
	})
	host := entry.host
	updated := participant.clone()
	m.mu.Unlock()

	m.logger.Info("participant role changed",
		zap.String(fieldSessionID, sessionID),
		zap.String(fieldUserID, targetID),
		zap.String("role", string(parsedRole)))
	if host != nil {
		pushed := permissions.Clone()
		_, err := host.UpdateMember(ctx, targetID, collab.UserPatch{Role: &parsedRole, Permissions: &pushed})
		m.logHostPush(opChangeRole, sessionID, targetID, err)
	}
	return updated, nil
}

// KickUser removes targetID from the session and evicts them from every
// connected replica.
func (m *Manager) KickUser(ctx context.Context, sessionID, targetID, actorID string) error {
	m.mu.Lock()
	entry, err := m.entryLocked(opKick, sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := entry.requireAdmin(opKick, actorID); err != nil {
		m.mu.Unlock()
		return err
	}
	if entry.session.Status == StatusEnded {
		m.mu.Unlock()
		return collab.NewServiceError(opKick, "ended", collab.ErrState)
	}
	if _, ok := entry.session.Participants[targetID]; !ok {
		m.mu.Unlock()
		return collab.NewServiceError(opKick, "unknown_participant", collab.ErrNotFound)
	}
	if targetID == actorID {
		m.mu.Unlock()
		return collab.NewServiceError(opKick, "self", collab.ErrValidation)
	}
	now := m.clock()
	m.removeParticipantLocked(entry, targetID, EventParticipantKicked, now, map[string]string{"by": actorID})
	host := entry.host
	hooks := append([]RemovalHook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Info("participant kicked",
		zap.String(fieldSessionID, sessionID),
		zap.String(fieldUserID, targetID),
		zap.String("actor_id", actorID))
	if host != nil {
		m.logHostPush(opKick, sessionID, targetID, host.EvictUser(ctx, targetID))
	}
	for _, hook := range hooks {
		hook(sessionID, targetID, EventParticipantKicked)
	}
	return nil
}

func (m *Manager) invitationLocked(operation, invitationID string) (*sessionEntry, Invitation, error) {
	sessionID, ok := m.invitations[invitationID]
	if !ok {
		return nil, Invitation{}, collab.NewServiceError(operation, "unknown_invitation", collab.ErrNotFound)
	}
	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, Invitation{}, collab.NewServiceError(operation, "unknown_invitation", collab.ErrNotFound)
	}
	invitation, ok := entry.session.Invitations[invitationID]
	if !ok {
		return nil, Invitation{}, collab.NewServiceError(operation, "unknown_invitation", collab.ErrNotFound)
	}
	return entry, invitation, nil
}

// checkPendingLocked fails unless invitation is still pending in a session
// that has not ended, marking it expired when its deadline has passed.
func (m *Manager) checkPendingLocked(entry *sessionEntry, invitation *Invitation, operation string, now time.Time) error {
	if entry.session.Status == StatusEnded {
		return collab.NewServiceError(operation, "ended", collab.ErrState)
	}
	if invitation.Status != InvitationPending {
		return collab.NewServiceError(operation, "not_pending", collab.ErrState)
	}
	if invitation.expiredAt(now) {
		invitation.Status = InvitationExpired
		entry.session.Invitations[invitation.ID] = *invitation
		entry.appendEvent(EventInvitationExpired, "", now, map[string]string{"invitation_id": invitation.ID})
		return collab.NewServiceError(operation, "expired", collab.ErrState)
	}
	return nil
}

// logHostPush reports failed replica updates. Users the host replica has not
// seen yet are skipped silently.
func (m *Manager) logHostPush(operation, sessionID, userID string, err error) {
	if err == nil || errors.Is(err, collab.ErrNotFound) {
		return
	}
	m.logError(operation, "host_push_failed", err,
		zap.String(fieldSessionID, sessionID),
		zap.String(fieldUserID, userID))
}
