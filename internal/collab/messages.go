package collab

import "time"

// Wire bodies carried inside transport envelopes, one per message kind.

// MemberMessage is the presence-join body and a presence-sync entry.
type MemberMessage struct {
	User     User          `json:"user"`
	Presence PresenceState `json:"presence"`
}

// LeaveMessage is the presence-leave body.
type LeaveMessage struct {
	UserID   string         `json:"userId"`
	Reason   string         `json:"reason,omitempty"`
	Presence *PresenceState `json:"presence,omitempty"`
}

// SyncMessage is one chunk of a full roster.
type SyncMessage struct {
	Members []MemberMessage `json:"members"`
	Part    int             `json:"part"`
	Parts   int             `json:"parts"`
}

// PresenceMessage is the presence-update body.
type PresenceMessage struct {
	Presence PresenceState `json:"presence"`
}

// ConflictMessage is the conflict-notify body. Resolution is set when a
// replica settled the conflict by an explicit decision.
type ConflictMessage struct {
	Conflict   ConflictInfo        `json:"conflict"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
}

// UserUpdateMessage is the user-update body. Evicted removes the user.
type UserUpdateMessage struct {
	UserID  string    `json:"userId"`
	Patch   UserPatch `json:"patch"`
	Evicted bool      `json:"evicted,omitempty"`
}

// HeartbeatMessage is the heartbeat body.
type HeartbeatMessage struct {
	UserID string    `json:"userId"`
	SentAt time.Time `json:"sentAt"`
}
