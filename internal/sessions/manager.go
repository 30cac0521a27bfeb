package sessions

import (
	"context"
	"crypto/subtle"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const (
	opManagerNew      = "sessions.manager.new"
	opCreate          = "sessions.create"
	opJoin            = "sessions.join"
	opLeave           = "sessions.leave"
	opStart           = "sessions.start"
	opPause           = "sessions.pause"
	opResume          = "sessions.resume"
	opEnd             = "sessions.end"
	opGet             = "sessions.get"
	opCurrent         = "sessions.current"
	opAnalytics       = "sessions.analytics"
	opInvite          = "sessions.invite"
	opAccept          = "sessions.accept_invitation"
	opDecline         = "sessions.decline_invitation"
	opApprove         = "sessions.approve_request"
	opChangeRole      = "sessions.change_role"
	opKick            = "sessions.kick"
	opConflicts       = "sessions.conflicts"
	opResolveConflict = "sessions.resolve_conflict"
	opHost            = "sessions.host"
	opAutoSave        = "sessions.auto_save"
	opFinish          = "sessions.finish"

	fieldSessionID   = "session_id"
	fieldUserID      = "user_id"
	fieldOperationID = "operation_id"

	defaultMetricsInterval       = 30 * time.Second
	defaultCleanupInterval       = time.Hour
	defaultAutoSaveCheckInterval = 5 * time.Second
	defaultInvitationTTL         = 24 * time.Hour
)

var errMissingFactory = errors.New("host factory returned no engine")

// JoinOutcome reports how a join attempt ended.
type JoinOutcome string

const (
	JoinJoined  JoinOutcome = "joined"
	JoinPending JoinOutcome = "pending"
)

// JoinResult is returned by the join flows. InvitationID names the join
// request when Outcome is JoinPending.
type JoinResult struct {
	Outcome      JoinOutcome `json:"outcome"`
	InvitationID string      `json:"invitationId,omitempty"`
	Session      Session     `json:"session"`
}

// RemovalHook is told when a participant leaves or is removed from a session.
type RemovalHook func(sessionID, userID string, reason EventType)

// Config wires a Manager.
type Config struct {
	// Store is optional; without one nothing is persisted.
	Store Store
	// Hosts is optional; without one sessions run without a host replica.
	Hosts      HostFactory
	IDProvider collab.IDProvider
	Clock      func() time.Time
	Timers     clockz.Clock
	Logger     *zap.Logger

	MetricsInterval       time.Duration
	CleanupInterval       time.Duration
	AutoSaveCheckInterval time.Duration
	DefaultTimeoutMinutes int
	InvitationTTL         time.Duration
}

// Manager owns every live session. All session state sits behind one lock;
// host engine mutators and store writes always run after it is released.
type Manager struct {
	store                 Store
	hosts                 HostFactory
	ids                   collab.IDProvider
	clock                 func() time.Time
	timers                clockz.Clock
	logger                *zap.Logger
	metricsInterval       time.Duration
	cleanupInterval       time.Duration
	autoSaveCheckInterval time.Duration
	defaultTimeoutMinutes int
	invitationTTL         time.Duration

	mu          sync.Mutex
	sessions    map[string]*sessionEntry
	invitations map[string]string
	current     map[string]string
	archive     map[string]SessionAnalytics
	hooks       []RemovalHook
}

type sessionEntry struct {
	session  Session
	departed map[string]Participant
	host     HostEngine
	// deniedOps holds operation ids flagged by permission_denied conflicts.
	deniedOps map[string]struct{}
	recording []RecordingEntry
	lastSaved time.Time
	sequence  int
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	ids := cfg.IDProvider
	if ids == nil {
		ids = collab.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timers := cfg.Timers
	if timers == nil {
		timers = clockz.RealClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MetricsInterval < 0 || cfg.CleanupInterval < 0 || cfg.AutoSaveCheckInterval < 0 || cfg.InvitationTTL < 0 {
		return nil, collab.NewServiceError(opManagerNew, "invalid_interval", collab.ErrValidation)
	}
	manager := &Manager{
		store:                 cfg.Store,
		hosts:                 cfg.Hosts,
		ids:                   ids,
		clock:                 clock,
		timers:                timers,
		logger:                logger,
		metricsInterval:       orDefault(cfg.MetricsInterval, defaultMetricsInterval),
		cleanupInterval:       orDefault(cfg.CleanupInterval, defaultCleanupInterval),
		autoSaveCheckInterval: orDefault(cfg.AutoSaveCheckInterval, defaultAutoSaveCheckInterval),
		defaultTimeoutMinutes: cfg.DefaultTimeoutMinutes,
		invitationTTL:         orDefault(cfg.InvitationTTL, defaultInvitationTTL),
		sessions:              make(map[string]*sessionEntry),
		invitations:           make(map[string]string),
		current:               make(map[string]string),
		archive:               make(map[string]SessionAnalytics),
	}
	if manager.defaultTimeoutMinutes <= 0 {
		manager.defaultTimeoutMinutes = defaultSessionTimeoutMins
	}
	return manager, nil
}

// OnRemoval registers hook for participant departures.
func (m *Manager) OnRemoval(hook RemovalHook) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// CreateSession opens a waiting session with creator admitted as admin.
func (m *Manager) CreateSession(ctx context.Context, cfg SessionConfig, creator collab.User) (Session, error) {
	creatorID, err := collab.NewUserID(creator.ID)
	if err != nil {
		return Session{}, collab.NewServiceError(opCreate, "invalid_creator", err)
	}
	normalized, err := cfg.normalized(m.defaultTimeoutMinutes)
	if err != nil {
		return Session{}, collab.NewServiceError(opCreate, "invalid_config", err)
	}
	sessionID, err := m.ids.NewID()
	if err != nil {
		m.logError(opCreate, "id_failed", err)
		return Session{}, collab.NewServiceError(opCreate, "id_failed", err)
	}

	now := m.clock()
	entry := &sessionEntry{
		session: Session{
			ID:           sessionID,
			CreatorID:    creatorID,
			Config:       normalized,
			Status:       StatusWaiting,
			CreatedAt:    now,
			LastActivity: now,
			Participants: make(map[string]Participant),
			Invitations:  make(map[string]Invitation),
		},
		departed:  make(map[string]Participant),
		deniedOps: make(map[string]struct{}),
	}
	creator.ID = creatorID
	entry.session.Participants[creatorID] = newParticipant(creator, collab.RoleAdmin, normalized.PermissionsFor(collab.RoleAdmin), now)
	entry.session.Metrics.PeakParticipants = 1
	entry.appendEvent(EventSessionCreated, creatorID, now, nil)

	host, err := m.startHost(ctx, sessionID, normalized)
	if err != nil {
		return Session{}, collab.NewServiceError(opCreate, "host_failed", err)
	}
	entry.host = host

	m.mu.Lock()
	m.sessions[sessionID] = entry
	m.current[creatorID] = sessionID
	snapshot := entry.session.Clone()
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String(fieldSessionID, sessionID),
		zap.String(fieldUserID, creatorID),
		zap.Int("max_participants", normalized.MaxParticipants))
	return snapshot, nil
}

// JoinSession admits user, or files a join request when the session requires
// approval. Checks run in order: ended, credentials, capacity, approval.
func (m *Manager) JoinSession(ctx context.Context, sessionID string, user collab.User, password string) (JoinResult, error) {
	m.mu.Lock()
	entry, err := m.entryLocked(opJoin, sessionID)
	if err != nil {
		m.mu.Unlock()
		return JoinResult{}, err
	}
	result, err := m.joinLocked(entry, user, joinOptions{password: password})
	m.mu.Unlock()
	if err != nil {
		return JoinResult{}, err
	}
	if result.Outcome == JoinJoined {
		m.logger.Info("participant joined", zap.String(fieldSessionID, sessionID), zap.String(fieldUserID, user.ID))
	}
	return result, nil
}

type joinOptions struct {
	password string
	// invited skips the password and approval gates.
	invited bool
	role    collab.Role
}

func (m *Manager) joinLocked(entry *sessionEntry, user collab.User, options joinOptions) (JoinResult, error) {
	session := &entry.session
	userID, err := collab.NewUserID(user.ID)
	if err != nil {
		return JoinResult{}, collab.NewServiceError(opJoin, "invalid_user", err)
	}
	user.ID = userID
	if session.Status == StatusEnded {
		return JoinResult{}, collab.NewServiceError(opJoin, "ended", collab.ErrState)
	}
	now := m.clock()
	if _, member := session.Participants[userID]; member {
		m.activateLocked(entry, now)
		return JoinResult{Outcome: JoinJoined, Session: session.Clone()}, nil
	}

	cfg := session.Config
	if !options.invited && cfg.Security.Password != "" &&
		subtle.ConstantTimeCompare([]byte(cfg.Security.Password), []byte(options.password)) != 1 {
		return JoinResult{}, collab.NewServiceError(opJoin, "bad_password", collab.ErrUnauthorized)
	}
	if cfg.blocks(userID) {
		return JoinResult{}, collab.NewServiceError(opJoin, "blocked", collab.ErrUnauthorized)
	}
	role := options.role
	if role == "" {
		role = cfg.DefaultRole
	}
	if user.Role == collab.RoleGuest {
		role = collab.RoleGuest
	}
	if role == collab.RoleGuest && !cfg.AllowGuests {
		return JoinResult{}, collab.NewServiceError(opJoin, "guests_not_allowed", collab.ErrUnauthorized)
	}
	if !cfg.allowsEmail(user.Email) {
		return JoinResult{}, collab.NewServiceError(opJoin, "domain_not_allowed", collab.ErrUnauthorized)
	}
	if len(session.Participants) >= cfg.MaxParticipants {
		return JoinResult{}, collab.NewServiceError(opJoin, "full", collab.ErrCapacity)
	}

	if cfg.RequiresApproval && !options.invited {
		invitation, found := entry.pendingFor(user, now)
		switch {
		case found && invitation.Kind == InvitationInvite:
			return m.acceptLocked(entry, invitation, user, now)
		case found:
			return JoinResult{Outcome: JoinPending, InvitationID: invitation.ID, Session: session.Clone()}, nil
		}
		requestID, err := m.ids.NewID()
		if err != nil {
			m.logError(opJoin, "id_failed", err)
			return JoinResult{}, collab.NewServiceError(opJoin, "id_failed", err)
		}
		request := Invitation{
			ID:        requestID,
			SessionID: session.ID,
			Kind:      InvitationRequest,
			Target:    InvitationTarget{UserID: userID, Email: user.Email}.normalized(),
			Role:      role,
			Status:    InvitationPending,
			CreatedAt: now,
			ExpiresAt: now.Add(m.invitationTTL),
			requester: user.Clone(),
		}
		session.Invitations[requestID] = request
		m.invitations[requestID] = session.ID
		entry.appendEvent(EventJoinRequested, userID, now, map[string]string{"invitation_id": requestID})
		return JoinResult{Outcome: JoinPending, InvitationID: requestID, Session: session.Clone()}, nil
	}

	m.admitLocked(entry, user, role, now)
	return JoinResult{Outcome: JoinJoined, Session: session.Clone()}, nil
}

// admitLocked adds user as a participant. A returning participant keeps the
// contributions recorded before they left.
func (m *Manager) admitLocked(entry *sessionEntry, user collab.User, role collab.Role, now time.Time) {
	session := &entry.session
	participant := newParticipant(user, role, session.Config.PermissionsFor(role), now)
	if previous, ok := entry.departed[user.ID]; ok {
		participant.Contributions = previous.Contributions
		participant.Warnings = previous.Warnings
		delete(entry.departed, user.ID)
	}
	if session.Status == StatusPaused {
		participant.activeSince = time.Time{}
	}
	session.Participants[user.ID] = participant
	if count := len(session.Participants); count > session.Metrics.PeakParticipants {
		session.Metrics.PeakParticipants = count
	}
	session.LastActivity = now
	m.current[user.ID] = session.ID
	entry.appendEvent(EventParticipantJoined, user.ID, now, map[string]string{"role": string(role)})
	m.activateLocked(entry, now)
}

// activateLocked moves a waiting session to active.
func (m *Manager) activateLocked(entry *sessionEntry, now time.Time) {
	if entry.session.Status != StatusWaiting {
		return
	}
	m.startLocked(entry, now)
}

func (m *Manager) startLocked(entry *sessionEntry, now time.Time) {
	session := &entry.session
	session.Status = StatusActive
	session.StartedAt = now
	session.LastActivity = now
	entry.appendEvent(EventSessionStarted, "", now, nil)
	if session.Config.RecordSession && session.Recording == nil {
		session.Recording = &Recording{
			ID:        session.ID + "-rec-" + strconv.FormatInt(now.UnixMilli(), 10),
			StartedAt: now,
		}
		entry.appendEvent(EventRecordingStarted, "", now, map[string]string{"recording_id": session.Recording.ID})
	}
}

// LeaveSession removes userID. The last participant leaving ends the session.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, userID string) error {
	reading, hasReading := m.readHostMetrics(sessionID)

	m.mu.Lock()
	entry, err := m.entryLocked(opLeave, sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if entry.session.Status == StatusEnded {
		m.mu.Unlock()
		return collab.NewServiceError(opLeave, "ended", collab.ErrState)
	}
	if _, ok := entry.session.Participants[userID]; !ok {
		m.mu.Unlock()
		return collab.NewServiceError(opLeave, "not_participant", collab.ErrNotFound)
	}
	now := m.clock()
	m.removeParticipantLocked(entry, userID, EventParticipantLeft, now, nil)
	var closing *endResult
	if len(entry.session.Participants) == 0 {
		closing = m.endLocked(entry, "empty", reading, hasReading, now)
	}
	hooks := append([]RemovalHook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Info("participant left", zap.String(fieldSessionID, sessionID), zap.String(fieldUserID, userID))
	for _, hook := range hooks {
		hook(sessionID, userID, EventParticipantLeft)
	}
	if closing != nil {
		m.finish(ctx, closing)
	}
	return nil
}

func (m *Manager) removeParticipantLocked(entry *sessionEntry, userID string, reason EventType, now time.Time, details map[string]string) {
	session := &entry.session
	participant := session.Participants[userID]
	participant.closeActiveTime(now)
	entry.departed[userID] = participant
	delete(session.Participants, userID)
	if m.current[userID] == session.ID {
		delete(m.current, userID)
	}
	session.LastActivity = now
	entry.appendEvent(reason, userID, now, details)
}

// StartSession moves a waiting session to active.
func (m *Manager) StartSession(ctx context.Context, sessionID, actorID string) (Session, error) {
	return m.transition(ctx, opStart, sessionID, actorID, StatusActive)
}

// PauseSession suspends an active session.
func (m *Manager) PauseSession(ctx context.Context, sessionID, actorID string) (Session, error) {
	return m.transition(ctx, opPause, sessionID, actorID, StatusPaused)
}

// ResumeSession reactivates a paused session.
func (m *Manager) ResumeSession(ctx context.Context, sessionID, actorID string) (Session, error) {
	return m.transition(ctx, opResume, sessionID, actorID, StatusActive)
}

// EndSession ends a session for good, producing its final analytics.
func (m *Manager) EndSession(ctx context.Context, sessionID, actorID string) (Session, error) {
	return m.transition(ctx, opEnd, sessionID, actorID, StatusEnded)
}

func (m *Manager) transition(ctx context.Context, operation, sessionID, actorID string, next Status) (Session, error) {
	var reading collab.SyncMetrics
	var hasReading bool
	if next == StatusEnded {
		reading, hasReading = m.readHostMetrics(sessionID)
	}

	m.mu.Lock()
	entry, err := m.entryLocked(operation, sessionID)
	if err != nil {
		m.mu.Unlock()
		return Session{}, err
	}
	if err := entry.requireAdmin(operation, actorID); err != nil {
		m.mu.Unlock()
		return Session{}, err
	}
	session := &entry.session
	previous := session.Status
	if !previous.canTransition(next) || !transitionAllowed(operation, previous) {
		m.mu.Unlock()
		return Session{}, collab.NewServiceError(operation, "invalid_transition", collab.ErrState)
	}

	now := m.clock()
	var closing *endResult
	switch {
	case next == StatusEnded:
		closing = m.endLocked(entry, "ended_by_admin", reading, hasReading, now)
	case next == StatusPaused:
		session.Status = StatusPaused
		for id, participant := range session.Participants {
			participant.closeActiveTime(now)
			session.Participants[id] = participant
		}
		entry.appendEvent(EventSessionPaused, actorID, now, nil)
	case previous == StatusPaused:
		session.Status = StatusActive
		for id, participant := range session.Participants {
			participant.activeSince = now
			session.Participants[id] = participant
		}
		session.LastActivity = now
		entry.appendEvent(EventSessionResumed, actorID, now, nil)
	default:
		m.startLocked(entry, now)
	}
	snapshot := session.Clone()
	m.mu.Unlock()

	m.logger.Info("session transition",
		zap.String(fieldSessionID, sessionID),
		zap.String("from", string(previous)),
		zap.String("to", string(snapshot.Status)))
	if closing != nil {
		m.finish(ctx, closing)
	}
	return snapshot, nil
}

// GetSession returns a copy of the session.
func (m *Manager) GetSession(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(opGet, sessionID)
	if err != nil {
		return Session{}, err
	}
	return entry.session.Clone(), nil
}

// GetCurrentSession returns the live session userID most recently joined.
func (m *Manager) GetCurrentSession(userID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.current[userID]
	if !ok {
		return Session{}, collab.NewServiceError(opCurrent, "none", collab.ErrNotFound)
	}
	entry, err := m.entryLocked(opCurrent, sessionID)
	if err != nil {
		return Session{}, err
	}
	return entry.session.Clone(), nil
}

// GetAllSessions returns every session still held in memory, oldest first.
func (m *Manager) GetAllSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Session, 0, len(m.sessions))
	for _, entry := range m.sessions {
		result = append(result, entry.session.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// GetSessionAnalytics returns the final report of an ended session or a live
// report otherwise. Evicted sessions are served from the archive or store.
func (m *Manager) GetSessionAnalytics(ctx context.Context, sessionID string) (SessionAnalytics, error) {
	m.mu.Lock()
	if entry, ok := m.sessions[sessionID]; ok {
		defer m.mu.Unlock()
		if entry.session.Analytics != nil {
			return entry.session.Analytics.clone(), nil
		}
		return buildAnalytics(&entry.session, entry.departed, m.clock()), nil
	}
	if archived, ok := m.archive[sessionID]; ok {
		m.mu.Unlock()
		return archived.clone(), nil
	}
	m.mu.Unlock()

	if m.store == nil {
		return SessionAnalytics{}, collab.NewServiceError(opAnalytics, "unknown_session", collab.ErrNotFound)
	}
	analytics, err := m.store.LoadAnalytics(ctx, sessionID)
	if err != nil {
		if errors.Is(err, collab.ErrNotFound) {
			return SessionAnalytics{}, collab.NewServiceError(opAnalytics, "unknown_session", collab.ErrNotFound)
		}
		return SessionAnalytics{}, err
	}
	return analytics, nil
}

// IsParticipant reports whether userID currently participates in sessionID.
func (m *Manager) IsParticipant(sessionID, userID string) bool {
	_, ok := m.Participant(sessionID, userID)
	return ok
}

// Participant returns userID's membership in sessionID.
func (m *Manager) Participant(sessionID, userID string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok || entry.session.Status == StatusEnded {
		return Participant{}, false
	}
	return entry.session.Participant(userID)
}

// transitionAllowed pins each command to its source state.
func transitionAllowed(operation string, from Status) bool {
	switch operation {
	case opStart:
		return from == StatusWaiting
	case opPause:
		return from == StatusActive
	case opResume:
		return from == StatusPaused
	default:
		return from != StatusEnded
	}
}

func (m *Manager) entryLocked(operation, sessionID string) (*sessionEntry, error) {
	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, collab.NewServiceError(operation, "unknown_session", collab.ErrNotFound)
	}
	return entry, nil
}

func (e *sessionEntry) requireAdmin(operation, actorID string) error {
	participant, ok := e.session.Participants[actorID]
	if !ok || !participant.Role.IsAdmin() {
		return collab.NewServiceError(operation, "not_admin", collab.ErrPermission)
	}
	return nil
}

// pendingFor returns a live pending invitation or join request naming user.
func (e *sessionEntry) pendingFor(user collab.User, now time.Time) (Invitation, bool) {
	var candidates []Invitation
	for _, invitation := range e.session.Invitations {
		if invitation.Status != InvitationPending || invitation.expiredAt(now) {
			continue
		}
		if invitation.Target.matches(user) {
			candidates = append(candidates, invitation)
		}
	}
	if len(candidates) == 0 {
		return Invitation{}, false
	}
	// Admin invitations win over the user's own requests.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Kind != candidates[j].Kind {
			return candidates[i].Kind == InvitationInvite
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], true
}

func (e *sessionEntry) appendEvent(kind EventType, userID string, now time.Time, details map[string]string) {
	e.sequence++
	e.session.Timeline = append(e.session.Timeline, SessionEvent{
		ID:      e.session.ID + "-" + strconv.Itoa(e.sequence),
		Type:    kind,
		UserID:  userID,
		At:      now,
		Details: details,
	})
}

func newParticipant(user collab.User, role collab.Role, permissions collab.Permissions, now time.Time) Participant {
	profile := user.Clone()
	profile.Role = role
	profile.Permissions = permissions.Clone()
	profile.Status = collab.UserOnline
	profile.JoinedAt = now
	profile.LastSeen = now
	return Participant{
		User:         profile,
		Role:         role,
		Permissions:  permissions,
		Status:       ParticipantActive,
		JoinedAt:     now,
		LastActivity: now,
		activeSince:  now,
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields,
		zap.String("operation", operation),
		zap.String("reason", reason),
	)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	allFields = append(allFields, fields...)
	m.logger.Error("session manager failure", allFields...)
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
