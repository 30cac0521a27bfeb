package collab

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConflictType classifies why operations cannot all be applied cleanly.
type ConflictType string

const (
	ConflictConcurrentEdit   ConflictType = "concurrent_edit"
	ConflictVersionMismatch  ConflictType = "version_mismatch"
	ConflictPermissionDenied ConflictType = "permission_denied"
	ConflictResourceLocked   ConflictType = "resource_locked"
)

// Severity ranks conflicts for surfacing and resolution order.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Strategy settles a conflict.
type Strategy string

const (
	StrategyMerge     Strategy = "merge"
	StrategyOverwrite Strategy = "overwrite"
	StrategyReject    Strategy = "reject"
	StrategyManual    Strategy = "manual"
)

// NewStrategy validates raw input and returns a Strategy.
func NewStrategy(rawInput string) (Strategy, error) {
	strategy := Strategy(strings.ToLower(strings.TrimSpace(rawInput)))
	switch strategy {
	case StrategyMerge, StrategyOverwrite, StrategyReject, StrategyManual:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: unknown resolution strategy %q", ErrValidation, rawInput)
	}
}

// ConflictInfo is a detected conflict. It is data, not an error.
type ConflictInfo struct {
	ID           string       `json:"id"`
	Type         ConflictType `json:"type"`
	Description  string       `json:"description"`
	OperationIDs []string     `json:"operationIds"`
	Suggested    Strategy     `json:"suggestedResolution"`
	Severity     Severity     `json:"severity"`
	DetectedAt   time.Time    `json:"detectedAt"`
	Remote       bool         `json:"remote,omitempty"`
}

// Clone returns a deep copy of c.
func (c ConflictInfo) Clone() ConflictInfo {
	clone := c
	clone.OperationIDs = append([]string(nil), c.OperationIDs...)
	return clone
}

func (c ConflictInfo) references(operationID string) bool {
	for _, id := range c.OperationIDs {
		if id == operationID {
			return true
		}
	}
	return false
}

// ConflictResolution is the decision applied to a conflict.
type ConflictResolution struct {
	Strategy     Strategy        `json:"strategy"`
	Action       string          `json:"action,omitempty"`
	MergePayload json.RawMessage `json:"mergePayload,omitempty"`
	Rationale    string          `json:"rationale,omitempty"`
}

// newConflict builds a ConflictInfo whose id every replica derives the same
// way from its type and operation set.
func newConflict(kind ConflictType, operationIDs []string, severity Severity, suggested Strategy, description string, now time.Time) ConflictInfo {
	ids := append([]string(nil), operationIDs...)
	sort.Strings(ids)
	return ConflictInfo{
		ID:           conflictID(kind, ids),
		Type:         kind,
		Description:  description,
		OperationIDs: ids,
		Suggested:    suggested,
		Severity:     severity,
		DetectedAt:   now,
	}
}

func conflictID(kind ConflictType, sortedIDs []string) string {
	digest := sha256.Sum256([]byte(string(kind) + "|" + strings.Join(sortedIDs, ",")))
	return hex.EncodeToString(digest[:16])
}

func sortConflicts(conflicts []ConflictInfo) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Severity.rank() != conflicts[j].Severity.rank() {
			return conflicts[i].Severity.rank() > conflicts[j].Severity.rank()
		}
		return conflicts[i].ID < conflicts[j].ID
	})
}
