package collab

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultPermissionsMatrix(t *testing.T) {
	tests := []struct {
		role    Role
		allowed []Capability
		denied  []Capability
	}{
		{role: RoleOwner, allowed: []Capability{CapabilityEdit, CapabilityShare, CapabilityManageUsers, CapabilityMix}},
		{role: RoleAdmin, allowed: []Capability{CapabilityManageUsers, CapabilityDelete}},
		{role: RoleEditor, allowed: []Capability{CapabilityEdit, CapabilityRecord, CapabilityExport}, denied: []Capability{CapabilityShare, CapabilityManageUsers}},
		{role: RoleViewer, allowed: []Capability{CapabilityComment}, denied: []Capability{CapabilityEdit, CapabilityExport}},
		{role: RoleGuest, denied: []Capability{CapabilityComment, CapabilityEdit}},
	}
	for _, testCase := range tests {
		t.Run(string(testCase.role), func(t *testing.T) {
			permissions := DefaultPermissions(testCase.role)
			for _, capability := range testCase.allowed {
				if !permissions.Has(capability) {
					t.Fatalf("%s should have %s", testCase.role, capability)
				}
			}
			for _, capability := range testCase.denied {
				if permissions.Has(capability) {
					t.Fatalf("%s should not have %s", testCase.role, capability)
				}
			}
		})
	}
}

func TestNewRoleAndUserID(t *testing.T) {
	if role, err := NewRole(" Admin "); err != nil || role != RoleAdmin {
		t.Fatalf("expected admin, got %q (%v)", role, err)
	}
	if _, err := NewRole("root"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !RoleOwner.IsAdmin() || RoleEditor.IsAdmin() {
		t.Fatalf("unexpected admin classification")
	}
	long := make([]byte, maxIdentifierLength+1)
	for index := range long {
		long[index] = 'x'
	}
	if _, err := NewUserID(string(long)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected long id to be rejected")
	}
}

func TestUserPatchApply(t *testing.T) {
	user := testUser("alice", RoleEditor)
	user.Preferences = map[string]string{"theme": "dark"}
	name := "  Alice  "
	viewer := RoleViewer

	patched := UserPatch{DisplayName: &name, Preferences: map[string]string{"metronome": "on"}}.Apply(user)
	if patched.DisplayName != "Alice" || patched.Preferences["theme"] != "dark" || patched.Preferences["metronome"] != "on" {
		t.Fatalf("unexpected patch result %+v", patched)
	}
	if _, leaked := user.Preferences["metronome"]; leaked {
		t.Fatalf("apply must not mutate the source user")
	}

	demoted := UserPatch{Role: &viewer}.Apply(user)
	if demoted.Role != RoleViewer || demoted.Permissions.CanEdit || !demoted.Permissions.CanComment {
		t.Fatalf("role change should reset permissions, got %+v", demoted.Permissions)
	}

	custom := Permissions{CanComment: true, CanExport: true}
	explicit := UserPatch{Role: &viewer, Permissions: &custom}.Apply(user)
	if !explicit.Permissions.CanExport {
		t.Fatalf("explicit permissions win over role defaults")
	}
	if !(UserPatch{Role: &viewer}).Privileged() || (UserPatch{DisplayName: &name}).Privileged() {
		t.Fatalf("unexpected privileged classification")
	}
	if !(UserPatch{}).Empty() {
		t.Fatalf("expected empty patch")
	}
}

func TestOperationValidation(t *testing.T) {
	valid := remoteOperation("op-1", "alice", OpClipMove, testEpoch, "track-1", "clip-1")
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Operation)
	}{
		{name: "missing id", mutate: func(op *Operation) { op.ID = "" }},
		{name: "unknown type", mutate: func(op *Operation) { op.Type = "clip.teleport" }},
		{name: "missing timestamp", mutate: func(op *Operation) { op.Timestamp = time.Time{} }},
		{name: "priority too high", mutate: func(op *Operation) { op.Metadata.Priority = 11 }},
		{name: "payload not json", mutate: func(op *Operation) { op.Payload = []byte("{") }},
		{name: "empty dependency", mutate: func(op *Operation) { op.Dependencies = []string{" "} }},
		{name: "missing user", mutate: func(op *Operation) { op.UserID = "" }},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			op := valid.Clone()
			testCase.mutate(&op)
			if err := op.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestOperationTypeParts(t *testing.T) {
	if OpRecordingStart.Category() != "recording" || OpRecordingStart.Action() != "start" {
		t.Fatalf("unexpected parts for %s", OpRecordingStart)
	}
	if _, err := NewOperationType("mix.volume"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewOperationType("mix.explode"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown type error")
	}
}

func TestOperationStatusTransitions(t *testing.T) {
	op := Operation{ID: "op-1", Status: StatusPending}
	if err := op.transition(StatusConflicted); err != nil {
		t.Fatalf("pending may become conflicted: %v", err)
	}
	if err := op.transition(StatusApplied); err != nil {
		t.Fatalf("conflicted may become applied: %v", err)
	}
	if err := op.transition(StatusRejected); !errors.Is(err, ErrState) {
		t.Fatalf("applied is terminal, got %v", err)
	}
}

func TestPresenceTableLastWriteWins(t *testing.T) {
	table := newPresenceTable()
	table.seed("alice", testEpoch)

	newer := DefaultPresence("alice", testEpoch.Add(2*time.Second))
	newer.Cursor.Position = 40
	if !table.mergeRemote(newer) {
		t.Fatalf("expected newer state accepted")
	}
	older := DefaultPresence("alice", testEpoch.Add(time.Second))
	older.Cursor.Position = 10
	if table.mergeRemote(older) {
		t.Fatalf("expected older state rejected")
	}
	state, _ := table.get("alice")
	if state.Cursor.Position != 40 {
		t.Fatalf("expected newest cursor kept, got %v", state.Cursor.Position)
	}

	merged := table.mergeLocal("alice", PresencePatch{Activity: &Activity{Tool: "razor", Playing: true}}, testEpoch.Add(3*time.Second))
	if merged.Cursor.Position != 40 || merged.Activity.Tool != "razor" || !merged.LastUpdate.Equal(testEpoch.Add(3*time.Second)) {
		t.Fatalf("unexpected local merge %+v", merged)
	}
}

func TestMetricsTrackerWindows(t *testing.T) {
	var tracker metricsTracker
	for index := 0; index < 150; index++ {
		tracker.recordApply(testEpoch, time.Duration(index)*time.Millisecond)
	}
	snapshot := tracker.snapshot(testEpoch, 2, 1)
	if snapshot.OperationsApplied != 150 || snapshot.OperationsPerSecond != 150 {
		t.Fatalf("unexpected counters %+v", snapshot)
	}
	if snapshot.QueueSize != 2 || snapshot.OutboxSize != 1 {
		t.Fatalf("unexpected sizes %+v", snapshot)
	}
	// Only the last 100 samples (50ms..149ms) remain.
	if snapshot.AverageLatency != 99500*time.Microsecond {
		t.Fatalf("unexpected average latency %v", snapshot.AverageLatency)
	}

	later := tracker.snapshot(testEpoch.Add(2*time.Second), 0, 0)
	if later.OperationsPerSecond != 0 {
		t.Fatalf("expected throughput window to drain, got %v", later.OperationsPerSecond)
	}
}

func TestServiceErrorCodes(t *testing.T) {
	err := NewServiceError("sessions.join", "full", ErrCapacity)
	if Code(err) != "sessions.join.full" || Reason(err) != "full" {
		t.Fatalf("unexpected code %q reason %q", Code(err), Reason(err))
	}
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected wrapped sentinel")
	}
	if Code(errors.New("plain")) != "" || Reason(nil) != "" {
		t.Fatalf("plain errors carry no code")
	}
}
