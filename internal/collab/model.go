package collab

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// Role is a participant's standing within a session.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleGuest  Role = "guest"
)

// NewRole validates raw input and returns a Role.
func NewRole(rawInput string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(rawInput)))
	switch role {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer, RoleGuest:
		return role, nil
	case "":
		return "", fmt.Errorf("%w: empty role", ErrValidation)
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, rawInput)
	}
}

// IsAdmin reports whether the role may run administrative session commands.
func (r Role) IsAdmin() bool {
	return r == RoleOwner || r == RoleAdmin
}

// NewUserID validates a user identifier.
func NewUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty user id", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: user id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return trimmed, nil
}

// Capability is a single permission bit checked against operation types.
type Capability string

const (
	CapabilityEdit          Capability = "edit"
	CapabilityComment       Capability = "comment"
	CapabilityShare         Capability = "share"
	CapabilityManageUsers   Capability = "manage_users"
	CapabilityExport        Capability = "export"
	CapabilityDelete        Capability = "delete"
	CapabilityCreateTracks  Capability = "create_tracks"
	CapabilityModifyEffects Capability = "modify_effects"
	CapabilityRecord        Capability = "record"
	CapabilityMix           Capability = "mix"
)

// TimeWindow bounds when a permission set is in force. Zero ends are open.
type TimeWindow struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether at falls inside the window.
func (w TimeWindow) Contains(at time.Time) bool {
	if !w.Start.IsZero() && at.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && at.After(w.End) {
		return false
	}
	return true
}

// Permissions is the capability set of a user plus optional restrictions.
type Permissions struct {
	CanEdit          bool        `json:"canEdit"`
	CanComment       bool        `json:"canComment"`
	CanShare         bool        `json:"canShare"`
	CanManageUsers   bool        `json:"canManageUsers"`
	CanExport        bool        `json:"canExport"`
	CanDelete        bool        `json:"canDelete"`
	CanCreateTracks  bool        `json:"canCreateTracks"`
	CanModifyEffects bool        `json:"canModifyEffects"`
	CanRecord        bool        `json:"canRecord"`
	CanMix           bool        `json:"canMix"`
	AllowedResources []string    `json:"allowedResources,omitempty"`
	ActiveWindow     *TimeWindow `json:"activeWindow,omitempty"`
}

// Has reports whether the capability bit is set.
func (p Permissions) Has(capability Capability) bool {
	switch capability {
	case CapabilityEdit:
		return p.CanEdit
	case CapabilityComment:
		return p.CanComment
	case CapabilityShare:
		return p.CanShare
	case CapabilityManageUsers:
		return p.CanManageUsers
	case CapabilityExport:
		return p.CanExport
	case CapabilityDelete:
		return p.CanDelete
	case CapabilityCreateTracks:
		return p.CanCreateTracks
	case CapabilityModifyEffects:
		return p.CanModifyEffects
	case CapabilityRecord:
		return p.CanRecord
	case CapabilityMix:
		return p.CanMix
	default:
		return false
	}
}

// AllowsResource reports whether resourceID passes the resource restriction.
func (p Permissions) AllowsResource(resourceID string) bool {
	if len(p.AllowedResources) == 0 || resourceID == "" {
		return true
	}
	for _, allowed := range p.AllowedResources {
		if allowed == resourceID {
			return true
		}
	}
	return false
}

// ActiveAt reports whether the time-window restriction admits at.
func (p Permissions) ActiveAt(at time.Time) bool {
	if p.ActiveWindow == nil {
		return true
	}
	return p.ActiveWindow.Contains(at)
}

// Missing returns the capabilities in required that p lacks.
func (p Permissions) Missing(required []Capability) []Capability {
	var missing []Capability
	for _, capability := range required {
		if !p.Has(capability) {
			missing = append(missing, capability)
		}
	}
	return missing
}

// Clone returns a copy that shares no slices or pointers with p.
func (p Permissions) Clone() Permissions {
	clone := p
	if p.AllowedResources != nil {
		clone.AllowedResources = append([]string(nil), p.AllowedResources...)
	}
	if p.ActiveWindow != nil {
		window := *p.ActiveWindow
		clone.ActiveWindow = &window
	}
	return clone
}

// DefaultPermissions returns the permission matrix row for role.
func DefaultPermissions(role Role) Permissions {
	switch role {
	case RoleOwner, RoleAdmin:
		return Permissions{
			CanEdit: true, CanComment: true, CanShare: true, CanManageUsers: true, CanExport: true,
			CanDelete: true, CanCreateTracks: true, CanModifyEffects: true, CanRecord: true, CanMix: true,
		}
	case RoleEditor:
		return Permissions{
			CanEdit: true, CanComment: true, CanExport: true, CanDelete: true,
			CanCreateTracks: true, CanModifyEffects: true, CanRecord: true, CanMix: true,
		}
	case RoleViewer:
		return Permissions{CanComment: true}
	default:
		return Permissions{}
	}
}

// ConnectionStatus tracks a user's liveness as seen by one replica.
type ConnectionStatus string

const (
	UserOnline  ConnectionStatus = "online"
	UserAway    ConnectionStatus = "away"
	UserOffline ConnectionStatus = "offline"
)

// User is a roster entry.
type User struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Email       string            `json:"email,omitempty"`
	AvatarURL   string            `json:"avatarUrl,omitempty"`
	Color       string            `json:"color,omitempty"`
	Role        Role              `json:"role"`
	Status      ConnectionStatus  `json:"status"`
	Permissions Permissions       `json:"permissions"`
	Preferences map[string]string `json:"preferences,omitempty"`
	JoinedAt    time.Time         `json:"joinedAt"`
	LastSeen    time.Time         `json:"lastSeen"`
}

// Clone returns a deep copy of u.
func (u User) Clone() User {
	clone := u
	clone.Permissions = u.Permissions.Clone()
	clone.Preferences = clonePreferences(u.Preferences)
	return clone
}

// UserPatch carries partial user fields. Role and Permissions are privileged
// and only honoured from senders holding manage_users.
type UserPatch struct {
	DisplayName *string           `json:"displayName,omitempty"`
	AvatarURL   *string           `json:"avatarUrl,omitempty"`
	Color       *string           `json:"color,omitempty"`
	Status      *ConnectionStatus `json:"status,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	Role        *Role             `json:"role,omitempty"`
	Permissions *Permissions      `json:"permissions,omitempty"`
}

// Privileged reports whether the patch touches role or permissions.
func (p UserPatch) Privileged() bool {
	return p.Role != nil || p.Permissions != nil
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.DisplayName == nil && p.AvatarURL == nil && p.Color == nil && p.Status == nil &&
		len(p.Preferences) == 0 && !p.Privileged()
}

// Apply returns u with the patch merged in. A role change without explicit
// permissions resets permissions to the role's defaults.
func (p UserPatch) Apply(u User) User {
	next := u.Clone()
	if p.DisplayName != nil {
		next.DisplayName = strings.TrimSpace(*p.DisplayName)
	}
	if p.AvatarURL != nil {
		next.AvatarURL = strings.TrimSpace(*p.AvatarURL)
	}
	if p.Color != nil {
		next.Color = strings.TrimSpace(*p.Color)
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if len(p.Preferences) > 0 {
		if next.Preferences == nil {
			next.Preferences = make(map[string]string, len(p.Preferences))
		}
		for key, value := range p.Preferences {
			next.Preferences[key] = value
		}
	}
	if p.Role != nil {
		next.Role = *p.Role
		if p.Permissions == nil {
			next.Permissions = DefaultPermissions(*p.Role)
		}
	}
	if p.Permissions != nil {
		next.Permissions = p.Permissions.Clone()
	}
	return next
}

func clonePreferences(source map[string]string) map[string]string {
	if source == nil {
		return nil
	}
	clone := make(map[string]string, len(source))
	for key, value := range source {
		clone[key] = value
	}
	return clone
}

func sortedUsers(users map[string]User) []User {
	result := make([]User, 0, len(users))
	for _, user := range users {
		result = append(result, user.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}
