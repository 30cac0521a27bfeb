package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"go.uber.org/zap"
)

const hostListener = "sessions.manager"

// HostEngine is the replica a session runs server side. *collab.Engine
// satisfies it.
type HostEngine interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	On(owner string, kind collab.EventKind, handler collab.Handler)
	Off(owner string, kind collab.EventKind)
	Metrics() collab.SyncMetrics
	Conflicts() []collab.ConflictInfo
	ResolveConflict(ctx context.Context, conflictID string, resolution collab.ConflictResolution) error
	UpdateMember(ctx context.Context, userID string, patch collab.UserPatch) (collab.User, error)
	EvictUser(ctx context.Context, userID string) error
}

// HostFactory builds the host replica for a new session.
type HostFactory func(sessionID string, cfg SessionConfig) (HostEngine, error)

// HostIdentity is the roster entry host replicas run as.
func HostIdentity(sessionID string) collab.User {
	return collab.User{
		ID:          "host:" + sessionID,
		DisplayName: "Session host",
		Role:        collab.RoleOwner,
		Permissions: collab.DefaultPermissions(collab.RoleOwner),
	}
}

func (m *Manager) startHost(ctx context.Context, sessionID string, cfg SessionConfig) (HostEngine, error) {
	if m.hosts == nil {
		return nil, nil
	}
	host, err := m.hosts(sessionID, cfg)
	if err != nil {
		m.logError(opHost, "factory_failed", err, zap.String(fieldSessionID, sessionID))
		return nil, err
	}
	if host == nil {
		return nil, errMissingFactory
	}
	host.On(hostListener, collab.EventAny, func(event collab.Event) {
		m.observe(sessionID, event)
	})
	if err := host.Connect(ctx); err != nil {
		host.Off(hostListener, collab.EventAny)
		m.logError(opHost, "connect_failed", err, zap.String(fieldSessionID, sessionID))
		return nil, err
	}
	return host, nil
}

// observe folds host replica events into session state. Events for sessions
// that are unknown or ended are dropped.
func (m *Manager) observe(sessionID string, event collab.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok || entry.session.Status == StatusEnded {
		return
	}
	now := m.clock()
	session := &entry.session

	switch typed := event.(type) {
	case collab.OperationApplied:
		m.recordOperationLocked(entry, typed.Operation, now)
	case collab.ConflictDetected:
		session.Metrics.ConflictsDetected++
		if typed.Conflict.Type == collab.ConflictPermissionDenied {
			for _, id := range typed.Conflict.OperationIDs {
				entry.deniedOps[id] = struct{}{}
			}
			return
		}
		entry.appendEvent(EventConflictDetected, "", now, map[string]string{
			"conflict_id": typed.Conflict.ID,
			"type":        string(typed.Conflict.Type),
			"severity":    string(typed.Conflict.Severity),
		})
	case collab.ConflictResolved:
		session.Metrics.ConflictsResolved++
	case collab.OperationRejected:
		if _, denied := entry.deniedOps[typed.Operation.ID]; !denied {
			return
		}
		delete(entry.deniedOps, typed.Operation.ID)
		participant, member := session.Participants[typed.Operation.UserID]
		if !member {
			return
		}
		participant.Warnings++
		session.Participants[typed.Operation.UserID] = participant
		entry.appendEvent(EventPermissionWarning, typed.Operation.UserID, now, map[string]string{
			"operation_id": typed.Operation.ID,
			"type":         string(typed.Operation.Type),
		})
	case collab.OperationTimedOut:
		session.Metrics.OperationsTimedOut++
		entry.appendEvent(EventOperationTimedOut, typed.Operation.UserID, now, map[string]string{"operation_id": typed.Operation.ID})
	case collab.ConnectionFailed:
		entry.appendEvent(EventTransportFailed, "", now, nil)
		m.logError(opHost, "connection_failed", typed.Err, zap.String(fieldSessionID, sessionID), zap.Int("attempts", typed.Attempts))
	}
}

// recordOperationLocked credits op to its issuer and captures it for the
// session recording.
func (m *Manager) recordOperationLocked(entry *sessionEntry, op collab.Operation, now time.Time) {
	session := &entry.session
	session.Metrics.OperationsCount++
	session.LastActivity = now
	if participant, ok := session.Participants[op.UserID]; ok {
		participant.Contributions.record(op.Type)
		participant.LastActivity = now
		participant.Status = ParticipantActive
		session.Participants[op.UserID] = participant
	}
	recording := session.Recording
	if recording == nil || !recording.StoppedAt.IsZero() || m.store == nil {
		return
	}
	recording.Entries++
	entry.recording = append(entry.recording, RecordingEntry{
		SessionID:   session.ID,
		RecordingID: recording.ID,
		OperationID: op.ID,
		Type:        op.Type,
		UserID:      op.UserID,
		Payload:     append([]byte(nil), op.Payload...),
		RecordedAt:  now,
	})
}

// readHostMetrics samples the host replica of sessionID without holding the
// manager lock.
func (m *Manager) readHostMetrics(sessionID string) (collab.SyncMetrics, bool) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	var host HostEngine
	if ok {
		host = entry.host
	}
	m.mu.Unlock()
	if host == nil {
		return collab.SyncMetrics{}, false
	}
	return host.Metrics(), true
}

// Conflicts lists the open conflicts of sessionID's host replica.
func (m *Manager) Conflicts(sessionID, userID string) ([]collab.ConflictInfo, error) {
	host, err := m.hostFor(opConflicts, sessionID, userID, false)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return []collab.ConflictInfo{}, nil
	}
	return host.Conflicts(), nil
}

// ResolveConflict settles an open conflict through the host replica, which
// tells every connected replica. Only editors and admins may resolve.
func (m *Manager) ResolveConflict(ctx context.Context, sessionID, conflictID string, resolution collab.ConflictResolution, userID string) error {
	if _, err := collab.NewStrategy(string(resolution.Strategy)); err != nil {
		return collab.NewServiceError(opResolveConflict, "invalid_strategy", err)
	}
	host, err := m.hostFor(opResolveConflict, sessionID, userID, true)
	if err != nil {
		return err
	}
	if host == nil {
		return collab.NewServiceError(opResolveConflict, "unknown_conflict", collab.ErrNotFound)
	}
	if err := host.ResolveConflict(ctx, conflictID, resolution); err != nil {
		if errors.Is(err, collab.ErrNotFound) {
			return collab.NewServiceError(opResolveConflict, "unknown_conflict", err)
		}
		return collab.NewServiceError(opResolveConflict, "host_failed", err)
	}
	return nil
}

func (m *Manager) hostFor(operation, sessionID, userID string, requireEdit bool) (HostEngine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(operation, sessionID)
	if err != nil {
		return nil, err
	}
	participant, ok := entry.session.Participants[userID]
	if !ok {
		return nil, collab.NewServiceError(operation, "not_participant", collab.ErrPermission)
	}
	if requireEdit && !participant.Role.IsAdmin() && !participant.Permissions.CanEdit {
		return nil, collab.NewServiceError(operation, "not_allowed", collab.ErrPermission)
	}
	return entry.host, nil
}
