package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/transport"
	"go.uber.org/zap"
)

const awayAfterMissedHeartbeats = 3

// UpdatePresence merges patch into the local user's presence, stamps it and
// broadcasts the merged state.
func (e *Engine) UpdatePresence(ctx context.Context, patch PresencePatch) (PresenceState, error) {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return PresenceState{}, NewServiceError(opUpdatePresence, "not_connected", ErrNotConnected)
	}
	if e.observer {
		e.mu.Unlock()
		return PresenceState{}, NewServiceError(opUpdatePresence, "observer", fmt.Errorf("%w: observers have no presence", ErrState))
	}
	state := e.presence.mergeLocal(e.local.ID, patch, e.clock())
	fx := &effects{}
	fx.emit(PresenceUpdated{Presence: state.Clone()})
	e.queueLocked(fx, transport.KindPresenceUpdate, PresenceMessage{Presence: state.Clone()}, "")
	e.mu.Unlock()

	e.flush(ctx, fx)
	return state.Clone(), nil
}

// UpdateUser changes the local user's own profile fields. Role and
// permission changes go through UpdateMember.
func (e *Engine) UpdateUser(ctx context.Context, patch UserPatch) (User, error) {
	if patch.Privileged() {
		return User{}, NewServiceError(opUpdateUser, "privileged_field", fmt.Errorf("%w: role and permissions require manage_users", ErrPermission))
	}
	if patch.Empty() {
		return User{}, NewServiceError(opUpdateUser, "empty_patch", fmt.Errorf("%w: nothing to update", ErrValidation))
	}

	e.mu.Lock()
	e.local = patch.Apply(e.local)
	if _, listed := e.users[e.local.ID]; listed {
		e.users[e.local.ID] = e.local.Clone()
	}
	updated := e.local.Clone()
	fx := &effects{}
	fx.emit(UserUpdated{User: updated.Clone(), Patch: patch})
	if e.state == StateConnected && !e.observer {
		e.queueLocked(fx, transport.KindUserUpdate, UserUpdateMessage{UserID: e.local.ID, Patch: patch}, "")
	}
	e.mu.Unlock()

	e.flush(ctx, fx)
	return updated, nil
}

// UpdateMember changes another user's role or permissions. The local user
// needs manage_users.
func (e *Engine) UpdateMember(ctx context.Context, userID string, patch UserPatch) (User, error) {
	if patch.Role != nil {
		if _, err := NewRole(string(*patch.Role)); err != nil {
			return User{}, NewServiceError(opUpdateMember, "invalid_role", err)
		}
	}
	if patch.Empty() {
		return User{}, NewServiceError(opUpdateMember, "empty_patch", fmt.Errorf("%w: nothing to update", ErrValidation))
	}

	e.mu.Lock()
	if !e.local.Permissions.CanManageUsers {
		e.mu.Unlock()
		return User{}, NewServiceError(opUpdateMember, "forbidden", fmt.Errorf("%w: manage_users required", ErrPermission))
	}
	fx := &effects{}
	var updated User
	switch {
	case userID == e.local.ID:
		e.local = patch.Apply(e.local)
		if _, listed := e.users[userID]; listed {
			e.users[userID] = e.local.Clone()
		}
		updated = e.local.Clone()
	default:
		user, known := e.users[userID]
		if !known {
			e.mu.Unlock()
			return User{}, NewServiceError(opUpdateMember, "unknown_user", fmt.Errorf("%w: user %s", ErrNotFound, userID))
		}
		updated = patch.Apply(user)
		e.users[userID] = updated.Clone()
	}
	fx.emit(UserUpdated{User: updated.Clone(), Patch: patch})
	if e.state == StateConnected {
		e.queueLocked(fx, transport.KindUserUpdate, UserUpdateMessage{UserID: userID, Patch: patch}, "")
	}
	e.mu.Unlock()

	e.flush(ctx, fx)
	return updated, nil
}

// EvictUser removes userID from every replica. The local user needs
// manage_users; the evicted replica disconnects itself.
func (e *Engine) EvictUser(ctx context.Context, userID string) error {
	e.mu.Lock()
	if !e.local.Permissions.CanManageUsers {
		e.mu.Unlock()
		return NewServiceError(opEvictUser, "forbidden", fmt.Errorf("%w: manage_users required", ErrPermission))
	}
	if userID == e.local.ID {
		e.mu.Unlock()
		return NewServiceError(opEvictUser, "self", fmt.Errorf("%w: cannot evict the local user", ErrValidation))
	}
	fx := &effects{}
	e.removeUserLocked(userID, LeaveReasonEvicted, fx)
	if e.state == StateConnected {
		e.queueLocked(fx, transport.KindUserUpdate, UserUpdateMessage{UserID: userID, Evicted: true}, "")
	}
	e.mu.Unlock()

	e.flush(ctx, fx)
	return nil
}

func (e *Engine) removeUserLocked(userID, reason string, fx *effects) {
	user, known := e.users[userID]
	if !known {
		return
	}
	delete(e.users, userID)
	e.presence.remove(userID)
	e.releaseLocksHeldBy(userID)
	user.Status = UserOffline
	fx.emit(UserLeft{User: user.Clone(), Reason: reason})
}

// refreshSenderLocked records liveness for whoever sent a frame.
func (e *Engine) refreshSenderLocked(senderID string, now time.Time, fx *effects) {
	if senderID == e.local.ID {
		return
	}
	user, known := e.users[senderID]
	if !known {
		return
	}
	user.LastSeen = now
	if user.Status == UserAway {
		online := UserOnline
		user.Status = online
		fx.emit(UserUpdated{User: user.Clone(), Patch: UserPatch{Status: &online}})
	}
	e.users[senderID] = user
}

func (e *Engine) markAwayLocked(now time.Time, fx *effects) {
	threshold := time.Duration(awayAfterMissedHeartbeats) * e.settings.HeartbeatInterval
	for id, user := range e.users {
		if id == e.local.ID || user.Status != UserOnline {
			continue
		}
		if now.Sub(user.LastSeen) <= threshold {
			continue
		}
		away := UserAway
		user.Status = away
		e.users[id] = user
		fx.emit(UserUpdated{User: user.Clone(), Patch: UserPatch{Status: &away}})
	}
}

func (e *Engine) onPresenceJoin(envelope transport.Envelope, now time.Time, fx *effects) {
	var message MemberMessage
	if !e.decodeBody(envelope, &message) {
		return
	}
	user := message.User
	if user.ID == "" || user.ID != envelope.SenderID {
		e.logger.Warn("dropping join with mismatched sender", zap.String("sender_id", envelope.SenderID))
		return
	}
	if user.ID == e.local.ID {
		return
	}
	_, known := e.users[user.ID]
	e.admitLocked(user, message.Presence, now, fx)
	if known {
		e.logger.Debug("peer re-announced", zap.String("peer_id", user.ID))
	}
	if !e.observer {
		e.queueRosterSyncLocked(fx)
	}
}

// admitLocked adds or refreshes a roster entry and its presence.
func (e *Engine) admitLocked(user User, presence PresenceState, now time.Time, fx *effects) {
	_, known := e.users[user.ID]
	entry := user.Clone()
	entry.Status = UserOnline
	entry.LastSeen = now
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = now
	}
	if entry.Role == "" {
		entry.Role = RoleGuest
	}
	e.users[user.ID] = entry

	presence.UserID = user.ID
	if presence.LastUpdate.IsZero() {
		if _, held := e.presence.get(user.ID); !held {
			e.presence.seed(user.ID, now)
		}
	} else {
		e.presence.mergeRemote(presence)
	}
	if !known {
		fx.emit(UserJoined{User: entry.Clone()})
	}
}

func (e *Engine) queueRosterSyncLocked(fx *effects) {
	users := sortedUsers(e.users)
	if len(users) == 0 {
		return
	}
	batch := e.settings.BatchSize
	parts := (len(users) + batch - 1) / batch
	for part := 0; part < parts; part++ {
		end := (part + 1) * batch
		if end > len(users) {
			end = len(users)
		}
		members := make([]MemberMessage, 0, end-part*batch)
		for _, user := range users[part*batch : end] {
			state, ok := e.presence.get(user.ID)
			if !ok {
				state = DefaultPresence(user.ID, user.JoinedAt)
			}
			members = append(members, MemberMessage{User: user, Presence: state.Clone()})
		}
		e.queueLocked(fx, transport.KindPresenceSync, SyncMessage{Members: members, Part: part + 1, Parts: parts}, "")
	}
}

func (e *Engine) onPresenceSync(envelope transport.Envelope, now time.Time, fx *effects) {
	var message SyncMessage
	if !e.decodeBody(envelope, &message) {
		return
	}
	for _, member := range message.Members {
		id := member.User.ID
		if id == "" || id == e.local.ID {
			continue
		}
		if _, known := e.users[id]; known {
			member.Presence.UserID = id
			if !member.Presence.LastUpdate.IsZero() && e.presence.mergeRemote(member.Presence) {
				fx.emit(PresenceUpdated{Presence: member.Presence.Clone()})
			}
			continue
		}
		e.admitLocked(member.User, member.Presence, now, fx)
	}
}

func (e *Engine) onPresenceLeave(envelope transport.Envelope, fx *effects) {
	var message LeaveMessage
	if !e.decodeBody(envelope, &message) {
		return
	}
	if message.UserID != envelope.SenderID || message.UserID == e.local.ID {
		return
	}
	reason := message.Reason
	if reason == "" {
		reason = LeaveReasonLeft
	}
	e.removeUserLocked(message.UserID, reason, fx)
}

func (e *Engine) onPresenceUpdate(envelope transport.Envelope, fx *effects) {
	var message PresenceMessage
	if !e.decodeBody(envelope, &message) {
		return
	}
	state := message.Presence
	if state.UserID != envelope.SenderID || state.UserID == e.local.ID {
		return
	}
	if _, known := e.users[state.UserID]; !known {
		return
	}
	if e.presence.mergeRemote(state) {
		fx.emit(PresenceUpdated{Presence: state.Clone()})
	}
}

func (e *Engine) onUserUpdate(envelope transport.Envelope, fx *effects) {
	var message UserUpdateMessage
	if !e.decodeBody(envelope, &message) {
		return
	}
	privileged := message.Evicted || message.Patch.Privileged()
	if privileged && !envelope.Privileged {
		e.logger.Warn("dropping privileged user update from unprivileged sender", zap.String("sender_id", envelope.SenderID))
		return
	}
	if !privileged && message.UserID != envelope.SenderID {
		return
	}

	if message.Evicted {
		if message.UserID == e.local.ID {
			e.evictedLocked(fx)
			return
		}
		e.removeUserLocked(message.UserID, LeaveReasonEvicted, fx)
		return
	}

	if message.UserID == e.local.ID {
		if !privileged {
			return
		}
		e.local = message.Patch.Apply(e.local)
		if _, listed := e.users[e.local.ID]; listed {
			e.users[e.local.ID] = e.local.Clone()
		}
		fx.emit(UserUpdated{User: e.local.Clone(), Patch: message.Patch})
		return
	}
	user, known := e.users[message.UserID]
	if !known {
		return
	}
	updated := message.Patch.Apply(user)
	e.users[message.UserID] = updated
	fx.emit(UserUpdated{User: updated.Clone(), Patch: message.Patch})
}

// evictedLocked shuts the replica down after its user was removed.
func (e *Engine) evictedLocked(fx *effects) {
	local := e.local.Clone()
	subscription, cancel := e.teardownLocked()
	e.release(subscription, cancel)
	e.logger.Info("local user evicted")
	fx.emit(UserLeft{User: local, Reason: LeaveReasonEvicted})
	fx.emit(Disconnected{Reason: LeaveReasonEvicted})
}
