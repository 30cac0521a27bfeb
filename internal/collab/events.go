package collab

import "time"

// EventKind names an engine event variant.
type EventKind string

const (
	EventUserJoined        EventKind = "user_joined"
	EventUserLeft          EventKind = "user_left"
	EventUserUpdated       EventKind = "user_updated"
	EventPresenceUpdated   EventKind = "presence_updated"
	EventOperationApplied  EventKind = "operation_applied"
	EventOperationRejected EventKind = "operation_rejected"
	EventOperationTimedOut EventKind = "operation_timed_out"
	EventConflictDetected  EventKind = "conflict_detected"
	EventConflictResolved  EventKind = "conflict_resolved"
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventConnectionLost    EventKind = "connection_lost"
	EventReconnected       EventKind = "reconnected"
	EventConnectionFailed  EventKind = "connection_failed"

	// EventAny subscribes a handler to every kind.
	EventAny EventKind = "*"
)

// Event is the closed set of notifications an Engine emits. The unexported
// method keeps the set closed to this package.
type Event interface {
	Kind() EventKind
	event()
}

// UserLeft reasons.
const (
	LeaveReasonLeft         = "left"
	LeaveReasonEvicted      = "evicted"
	LeaveReasonDisconnected = "disconnected"
)

type UserJoined struct{ User User }
type UserLeft struct {
	User   User
	Reason string
}
type UserUpdated struct {
	User  User
	Patch UserPatch
}
type PresenceUpdated struct{ Presence PresenceState }
type OperationApplied struct {
	Operation Operation
	Latency   time.Duration
	Local     bool
}
type OperationRejected struct {
	Operation Operation
	Reason    string
}
type OperationTimedOut struct {
	Operation Operation
	Waited    time.Duration
}

// ConflictDetected carries the strategy about to run, or manual.
type ConflictDetected struct {
	Conflict ConflictInfo
	Strategy Strategy
}

// ConflictResolved reports a settled conflict. Order lists the conflicting
// operations by (timestamp, id); replicas resolving the same set report the
// same order.
type ConflictResolved struct {
	Conflict   ConflictInfo
	Resolution ConflictResolution
	Order      []string
	Applied    []string
	Rejected   []string
}

type Connected struct{ ClientID string }
type Disconnected struct{ Reason string }
type ConnectionLost struct{ Err error }
type Reconnected struct{ Attempt int }
type ConnectionFailed struct {
	Attempts int
	Err      error
}

func (UserJoined) Kind() EventKind        { return EventUserJoined }
func (UserLeft) Kind() EventKind          { return EventUserLeft }
func (UserUpdated) Kind() EventKind       { return EventUserUpdated }
func (PresenceUpdated) Kind() EventKind   { return EventPresenceUpdated }
func (OperationApplied) Kind() EventKind  { return EventOperationApplied }
func (OperationRejected) Kind() EventKind { return EventOperationRejected }
func (OperationTimedOut) Kind() EventKind { return EventOperationTimedOut }
func (ConflictDetected) Kind() EventKind  { return EventConflictDetected }
func (ConflictResolved) Kind() EventKind  { return EventConflictResolved }
func (Connected) Kind() EventKind         { return EventConnected }
func (Disconnected) Kind() EventKind      { return EventDisconnected }
func (ConnectionLost) Kind() EventKind    { return EventConnectionLost }
func (Reconnected) Kind() EventKind       { return EventReconnected }
func (ConnectionFailed) Kind() EventKind  { return EventConnectionFailed }

func (UserJoined) event()        {}
func (UserLeft) event()          {}
func (UserUpdated) event()       {}
func (PresenceUpdated) event()   {}
func (OperationApplied) event()  {}
func (OperationRejected) event() {}
func (OperationTimedOut) event() {}
func (ConflictDetected) event()  {}
func (ConflictResolved) event()  {}
func (Connected) event()         {}
func (Disconnected) event()      {}
func (ConnectionLost) event()    {}
func (Reconnected) event()       {}
func (ConnectionFailed) event()  {}
