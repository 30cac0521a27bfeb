package collab

import (
	"fmt"
	"strings"
	"time"
)

// DefaultConcurrentEditWindow is how close two edits on one target must be
// to count as concurrent.
const DefaultConcurrentEditWindow = time.Second

// Detector inspects an incoming operation against in-flight operations,
// resource locks and the issuer's permissions.
type Detector struct {
	window time.Duration
}

// NewDetector returns a Detector with the given concurrency window.
func NewDetector(window time.Duration) Detector {
	if window <= 0 {
		window = DefaultConcurrentEditWindow
	}
	return Detector{window: window}
}

// DetectionInput is everything the detector needs to judge one operation.
type DetectionInput struct {
	Operation Operation
	// Issuer is nil when the issuing user is not on the roster.
	Issuer *User
	// Recent holds the other operations still in the queue.
	Recent []Operation
	// Locks maps a resource id to the user recording on it.
	Locks map[string]string
	// Now is the detection time.
	Now time.Time
}

// Detect returns the conflicts for in.Operation; none means apply directly.
func (d Detector) Detect(in DetectionInput) []ConflictInfo {
	op := in.Operation
	var conflicts []ConflictInfo

	if denied, reason := d.permissionDenied(op, in.Issuer); denied {
		conflicts = append(conflicts, newConflict(
			ConflictPermissionDenied,
			[]string{op.ID},
			SeverityHigh,
			StrategyReject,
			fmt.Sprintf("user %s may not perform %s: %s", op.UserID, op.Type, reason),
			in.Now,
		))
	}

	if holder, locked := in.Locks[op.Metadata.ResourceID]; locked && op.Metadata.ResourceID != "" && holder != op.UserID {
		conflicts = append(conflicts, newConflict(
			ConflictResourceLocked,
			[]string{op.ID},
			SeverityMedium,
			StrategyManual,
			fmt.Sprintf("resource %s is being recorded by %s", op.Metadata.ResourceID, holder),
			in.Now,
		))
	}

	if matches := d.concurrentWith(op, in.Recent); len(matches) > 0 {
		ids := append([]string{op.ID}, matches...)
		conflicts = append(conflicts, newConflict(
			ConflictConcurrentEdit,
			ids,
			SeverityMedium,
			StrategyMerge,
			fmt.Sprintf("%d operations edited %s within %s", len(ids), describeTarget(op.Metadata), d.window),
			in.Now,
		))
	}

	sortConflicts(conflicts)
	return conflicts
}

func (d Detector) permissionDenied(op Operation, issuer *User) (bool, string) {
	if issuer == nil {
		return true, "issuer is not a session member"
	}
	if missing := issuer.Permissions.Missing(op.Type.RequiredCapabilities()); len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, capability := range missing {
			names = append(names, string(capability))
		}
		return true, "missing " + strings.Join(names, ", ")
	}
	if !issuer.Permissions.AllowsResource(op.Metadata.ResourceID) {
		return true, "resource " + op.Metadata.ResourceID + " is not allowed"
	}
	if !issuer.Permissions.ActiveAt(op.Timestamp) {
		return true, "outside the permitted time window"
	}
	return false, ""
}

func (d Detector) concurrentWith(op Operation, recent []Operation) []string {
	if op.Metadata.ResourceID == "" {
		return nil
	}
	var matches []string
	for _, other := range recent {
		if other.ID == op.ID || other.Status == StatusRejected {
			continue
		}
		if other.Metadata.ResourceID != op.Metadata.ResourceID || other.Metadata.ElementID != op.Metadata.ElementID {
			continue
		}
		delta := op.Timestamp.Sub(other.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < d.window {
			matches = append(matches, other.ID)
		}
	}
	return matches
}

func describeTarget(metadata OperationMetadata) string {
	if metadata.ElementID == "" {
		return metadata.ResourceID
	}
	return metadata.ResourceID + "/" + metadata.ElementID
}
