package sessions

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
)

const (
	maxIdentifierLength        = 190
	maxNameLength              = 190
	defaultMaxParticipants     = 8
	maxParticipantsLimit       = 256
	defaultAutoSaveInterval    = 30 * time.Second
	defaultSessionTimeoutMins  = 240
	defaultIdleTimeoutMins     = 15
	defaultSessionName         = "Untitled session"
	defaultQualityTier         = "standard"
	defaultQualityBufferFrames = 512
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusEnded   Status = "ended"
)

// canTransition encodes waiting→active⇄paused→ended; ended is terminal.
func (s Status) canTransition(next Status) bool {
	switch s {
	case StatusWaiting:
		return next == StatusActive || next == StatusEnded
	case StatusActive:
		return next == StatusPaused || next == StatusEnded
	case StatusPaused:
		return next == StatusActive || next == StatusEnded
	default:
		return false
	}
}

// NewSessionID validates a session identifier.
func NewSessionID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty session id", collab.ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: session id exceeds %d characters", collab.ErrValidation, maxIdentifierLength)
	}
	return trimmed, nil
}

// QualityProfile is the audio fidelity a session targets.
type QualityProfile struct {
	Tier          string        `json:"tier"`
	SyncFrequency time.Duration `json:"syncFrequency"`
	BufferSize    int           `json:"bufferSize"`
}

// SecurityProfile gates who may enter a session and for how long it lives.
type SecurityProfile struct {
	Password              string   `json:"-"`
	AllowedDomains        []string `json:"allowedDomains,omitempty"`
	BlockedUsers          []string `json:"blockedUsers,omitempty"`
	SessionTimeoutMinutes int      `json:"sessionTimeoutMinutes"`
	IdleTimeoutMinutes    int      `json:"idleTimeoutMinutes"`
}

// SessionConfig is fixed when the session is created.
type SessionConfig struct {
	Name             string                             `json:"name"`
	Description      string                             `json:"description,omitempty"`
	MaxParticipants  int                                `json:"maxParticipants"`
	IsPublic         bool                               `json:"isPublic"`
	RequiresApproval bool                               `json:"requiresApproval"`
	AllowGuests      bool                               `json:"allowGuests"`
	RecordSession    bool                               `json:"recordSession"`
	AutoSave         bool                               `json:"autoSave"`
	AutoSaveInterval time.Duration                      `json:"autoSaveInterval"`
	ConflictMode     collab.ConflictMode                `json:"conflictMode"`
	DefaultRole      collab.Role                        `json:"defaultRole"`
	Permissions      map[collab.Role]collab.Permissions `json:"permissions,omitempty"`
	Quality          QualityProfile                     `json:"quality"`
	Security         SecurityProfile                    `json:"security"`
}

// normalized validates cfg and fills defaults; defaultTimeoutMinutes comes
// from the manager.
func (cfg SessionConfig) normalized(defaultTimeoutMinutes int) (SessionConfig, error) {
	next := cfg.clone()
	next.Name = strings.TrimSpace(next.Name)
	if next.Name == "" {
		next.Name = defaultSessionName
	}
	if len(next.Name) > maxNameLength {
		return SessionConfig{}, fmt.Errorf("%w: name exceeds %d characters", collab.ErrValidation, maxNameLength)
	}
	if next.MaxParticipants == 0 {
		next.MaxParticipants = defaultMaxParticipants
	}
	if next.MaxParticipants < 1 || next.MaxParticipants > maxParticipantsLimit {
		return SessionConfig{}, fmt.Errorf("%w: max participants must be between 1 and %d", collab.ErrValidation, maxParticipantsLimit)
	}
	if next.AutoSaveInterval <= 0 {
		next.AutoSaveInterval = defaultAutoSaveInterval
	}
	mode, err := collab.NewConflictMode(string(next.ConflictMode))
	if err != nil {
		return SessionConfig{}, err
	}
	next.ConflictMode = mode
	if next.DefaultRole == "" {
		next.DefaultRole = collab.RoleEditor
	}
	role, err := collab.NewRole(string(next.DefaultRole))
	if err != nil {
		return SessionConfig{}, err
	}
	if role == collab.RoleOwner {
		return SessionConfig{}, fmt.Errorf("%w: owner cannot be the default role", collab.ErrValidation)
	}
	next.DefaultRole = role
	for matrixRole := range next.Permissions {
		if _, err := collab.NewRole(string(matrixRole)); err != nil {
			return SessionConfig{}, err
		}
	}
	if next.Quality.Tier == "" {
		next.Quality.Tier = defaultQualityTier
	}
	if next.Quality.BufferSize <= 0 {
		next.Quality.BufferSize = defaultQualityBufferFrames
	}
	if next.Security.SessionTimeoutMinutes <= 0 {
		next.Security.SessionTimeoutMinutes = defaultTimeoutMinutes
		if next.Security.SessionTimeoutMinutes <= 0 {
			next.Security.SessionTimeoutMinutes = defaultSessionTimeoutMins
		}
	}
	if next.Security.IdleTimeoutMinutes <= 0 {
		next.Security.IdleTimeoutMinutes = defaultIdleTimeoutMins
	}
	for index, domain := range next.Security.AllowedDomains {
		next.Security.AllowedDomains[index] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	}
	return next, nil
}

// PermissionsFor returns the session's permission row for role, falling back
// to the engine defaults.
func (cfg SessionConfig) PermissionsFor(role collab.Role) collab.Permissions {
	if permissions, ok := cfg.Permissions[role]; ok {
		return permissions.Clone()
	}
	return collab.DefaultPermissions(role)
}

func (cfg SessionConfig) blocks(userID string) bool {
	for _, blocked := range cfg.Security.BlockedUsers {
		if strings.TrimSpace(blocked) == userID {
			return true
		}
	}
	return false
}

func (cfg SessionConfig) allowsEmail(email string) bool {
	if len(cfg.Security.AllowedDomains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, allowed := range cfg.Security.AllowedDomains {
		if domain == allowed {
			return true
		}
	}
	return false
}

func (cfg SessionConfig) clone() SessionConfig {
	clone := cfg
	if cfg.Permissions != nil {
		clone.Permissions = make(map[collab.Role]collab.Permissions, len(cfg.Permissions))
		for role, permissions := range cfg.Permissions {
			clone.Permissions[role] = permissions.Clone()
		}
	}
	clone.Security.AllowedDomains = append([]string(nil), cfg.Security.AllowedDomains...)
	clone.Security.BlockedUsers = append([]string(nil), cfg.Security.BlockedUsers...)
	return clone
}

// ParticipantStatus is a participant's activity as the session sees it.
type ParticipantStatus string

const (
	ParticipantActive ParticipantStatus = "active"
	ParticipantIdle   ParticipantStatus = "idle"
)

// Contributions accumulates what a participant did during the session.
type Contributions struct {
	OperationsCount int           `json:"operationsCount"`
	TracksCreated   int           `json:"tracksCreated"`
	TracksEdited    int           `json:"tracksEdited"`
	Comments        int           `json:"comments"`
	EffectChanges   int           `json:"effectChanges"`
	MixChanges      int           `json:"mixChanges"`
	Recordings      int           `json:"recordings"`
	ActiveTime      time.Duration `json:"activeTime"`
	QualityScore    float64       `json:"qualityScore"`
}

func (c *Contributions) record(kind collab.OperationType) {
	c.OperationsCount++
	switch kind.Category() {
	case "track":
		if kind == collab.OpTrackCreate {
			c.TracksCreated++
		} else {
			c.TracksEdited++
		}
	case "clip":
		c.TracksEdited++
	case "comment":
		c.Comments++
	case "effect":
		c.EffectChanges++
	case "mix":
		c.MixChanges++
	case "recording":
		if kind == collab.OpRecordingStart {
			c.Recordings++
		}
	}
}

// Participant is a user's membership in one session.
type Participant struct {
	User          collab.User        `json:"user"`
	Role          collab.Role        `json:"role"`
	Permissions   collab.Permissions `json:"permissions"`
	Status        ParticipantStatus  `json:"status"`
	JoinedAt      time.Time          `json:"joinedAt"`
	LastActivity  time.Time          `json:"lastActivity"`
	Contributions Contributions      `json:"contributions"`
	Warnings      int                `json:"warnings"`
	// activeSince is zero while the session is paused.
	activeSince time.Time
}

func (p Participant) clone() Participant {
	clone := p
	clone.User = p.User.Clone()
	clone.Permissions = p.Permissions.Clone()
	return clone
}

// closeActiveTime folds the running interval into ActiveTime.
func (p *Participant) closeActiveTime(now time.Time) {
	if p.activeSince.IsZero() {
		return
	}
	if now.After(p.activeSince) {
		p.Contributions.ActiveTime += now.Sub(p.activeSince)
	}
	p.activeSince = time.Time{}
}

// activeTimeAt reports ActiveTime including the running interval.
func (p Participant) activeTimeAt(now time.Time) time.Duration {
	total := p.Contributions.ActiveTime
	if !p.activeSince.IsZero() && now.After(p.activeSince) {
		total += now.Sub(p.activeSince)
	}
	return total
}

// EventType names a timeline entry.
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventSessionStarted     EventType = "session_started"
	EventSessionPaused      EventType = "session_paused"
	EventSessionResumed     EventType = "session_resumed"
	EventSessionEnded       EventType = "session_ended"
	EventParticipantJoined  EventType = "participant_joined"
	EventParticipantLeft    EventType = "participant_left"
	EventParticipantKicked  EventType = "participant_kicked"
	EventParticipantIdle    EventType = "participant_idle"
	EventRoleChanged        EventType = "role_changed"
	EventInvitationCreated  EventType = "invitation_created"
	EventInvitationAccepted EventType = "invitation_accepted"
	EventInvitationDeclined EventType = "invitation_declined"
	EventInvitationExpired  EventType = "invitation_expired"
	EventJoinRequested      EventType = "join_requested"
	EventPermissionWarning  EventType = "permission_warning"
	EventConflictDetected   EventType = "conflict_detected"
	EventOperationTimedOut  EventType = "operation_timed_out"
	EventRecordingStarted   EventType = "recording_started"
	EventRecordingStopped   EventType = "recording_stopped"
	EventAutoSaved          EventType = "auto_saved"
	EventAutoSaveFailed     EventType = "auto_save_failed"
	EventTransportFailed    EventType = "transport_failed"
)

// SessionEvent is one timeline entry.
type SessionEvent struct {
	ID      string            `json:"id"`
	Type    EventType         `json:"type"`
	UserID  string            `json:"userId,omitempty"`
	At      time.Time         `json:"at"`
	Details map[string]string `json:"details,omitempty"`
}

// SessionMetrics aggregates session health. Engine-derived fields are
// refreshed by the metrics tick.
type SessionMetrics struct {
	Uptime                  time.Duration `json:"uptime"`
	OperationsCount         int           `json:"operationsCount"`
	OperationsTimedOut      int           `json:"operationsTimedOut"`
	ConflictsDetected       int           `json:"conflictsDetected"`
	ConflictsResolved       int           `json:"conflictsResolved"`
	OperationsPerSecond     float64       `json:"operationsPerSecond"`
	AverageLatency          time.Duration `json:"averageLatency"`
	ConflictRate            float64       `json:"conflictRate"`
	QueueSize               int           `json:"queueSize"`
	QualityScore            float64       `json:"qualityScore"`
	ParticipantSatisfaction float64       `json:"participantSatisfaction"`
	PeakParticipants        int           `json:"peakParticipants"`
}

// Recording is the handle of an in-progress or finished session recording.
type Recording struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	StoppedAt time.Time `json:"stoppedAt,omitempty"`
	Entries   int       `json:"entries"`
}

// RecordingEntry is one applied operation captured by a recording.
type RecordingEntry struct {
	SessionID   string
	RecordingID string
	OperationID string
	Type        collab.OperationType
	UserID      string
	Payload     []byte
	RecordedAt  time.Time
}

// Session is a bounded collaboration instance.
type Session struct {
	ID           string                 `json:"id"`
	CreatorID    string                 `json:"creatorId"`
	Config       SessionConfig          `json:"config"`
	Status       Status                 `json:"status"`
	CreatedAt    time.Time              `json:"createdAt"`
	StartedAt    time.Time              `json:"startedAt,omitempty"`
	EndedAt      time.Time              `json:"endedAt,omitempty"`
	LastActivity time.Time              `json:"lastActivity"`
	Participants map[string]Participant `json:"participants"`
	Invitations  map[string]Invitation  `json:"invitations"`
	Timeline     []SessionEvent         `json:"timeline"`
	Metrics      SessionMetrics         `json:"metrics"`
	Recording    *Recording             `json:"recording,omitempty"`
	Analytics    *SessionAnalytics      `json:"analytics,omitempty"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	clone := s
	clone.Config = s.Config.clone()
	clone.Participants = make(map[string]Participant, len(s.Participants))
	for id, participant := range s.Participants {
		clone.Participants[id] = participant.clone()
	}
	clone.Invitations = make(map[string]Invitation, len(s.Invitations))
	for id, invitation := range s.Invitations {
		clone.Invitations[id] = invitation.clone()
	}
	clone.Timeline = make([]SessionEvent, len(s.Timeline))
	for index, event := range s.Timeline {
		clone.Timeline[index] = event
		if event.Details != nil {
			details := make(map[string]string, len(event.Details))
			for key, value := range event.Details {
				details[key] = value
			}
			clone.Timeline[index].Details = details
		}
	}
	if s.Recording != nil {
		recording := *s.Recording
		clone.Recording = &recording
	}
	if s.Analytics != nil {
		analytics := s.Analytics.clone()
		clone.Analytics = &analytics
	}
	return clone
}

// Participant returns the participant with userID.
func (s Session) Participant(userID string) (Participant, bool) {
	participant, ok := s.Participants[userID]
	if !ok {
		return Participant{}, false
	}
	return participant.clone(), true
}
