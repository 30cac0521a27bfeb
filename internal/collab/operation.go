package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// OperationType enumerates the edit kinds a client may issue.
type OperationType string

const (
	OpTrackCreate    OperationType = "track.create"
	OpTrackUpdate    OperationType = "track.update"
	OpTrackDelete    OperationType = "track.delete"
	OpClipCreate     OperationType = "clip.create"
	OpClipUpdate     OperationType = "clip.update"
	OpClipMove       OperationType = "clip.move"
	OpClipDelete     OperationType = "clip.delete"
	OpEffectAdd      OperationType = "effect.add"
	OpEffectUpdate   OperationType = "effect.update"
	OpEffectRemove   OperationType = "effect.remove"
	OpMixVolume      OperationType = "mix.volume"
	OpMixPan         OperationType = "mix.pan"
	OpMixMute        OperationType = "mix.mute"
	OpMixSolo        OperationType = "mix.solo"
	OpCommentAdd     OperationType = "comment.add"
	OpCommentUpdate  OperationType = "comment.update"
	OpCommentDelete  OperationType = "comment.delete"
	OpRecordingStart OperationType = "recording.start"
	OpRecordingStop  OperationType = "recording.stop"
	OpProjectExport  OperationType = "project.export"
	OpProjectUpdate  OperationType = "project.update"
)

var requiredCapabilities = map[OperationType][]Capability{
	OpTrackCreate:    {CapabilityEdit, CapabilityCreateTracks},
	OpTrackUpdate:    {CapabilityEdit},
	OpTrackDelete:    {CapabilityEdit, CapabilityDelete},
	OpClipCreate:     {CapabilityEdit},
	OpClipUpdate:     {CapabilityEdit},
	OpClipMove:       {CapabilityEdit},
	OpClipDelete:     {CapabilityEdit, CapabilityDelete},
	OpEffectAdd:      {CapabilityEdit, CapabilityModifyEffects},
	OpEffectUpdate:   {CapabilityEdit, CapabilityModifyEffects},
	OpEffectRemove:   {CapabilityEdit, CapabilityModifyEffects},
	OpMixVolume:      {CapabilityEdit, CapabilityMix},
	OpMixPan:         {CapabilityEdit, CapabilityMix},
	OpMixMute:        {CapabilityEdit, CapabilityMix},
	OpMixSolo:        {CapabilityEdit, CapabilityMix},
	OpCommentAdd:     {CapabilityComment},
	OpCommentUpdate:  {CapabilityComment},
	OpCommentDelete:  {CapabilityComment, CapabilityDelete},
	OpRecordingStart: {CapabilityRecord},
	OpRecordingStop:  {CapabilityRecord},
	OpProjectExport:  {CapabilityExport},
	OpProjectUpdate:  {CapabilityEdit},
}

// NewOperationType validates raw input and returns an OperationType.
func NewOperationType(rawInput string) (OperationType, error) {
	candidate := OperationType(strings.TrimSpace(rawInput))
	if candidate == "" {
		return "", fmt.Errorf("%w: empty operation type", ErrValidation)
	}
	if _, ok := requiredCapabilities[candidate]; !ok {
		return "", fmt.Errorf("%w: unknown operation type %q", ErrValidation, rawInput)
	}
	return candidate, nil
}

// Valid reports whether t is a known type.
func (t OperationType) Valid() bool {
	_, ok := requiredCapabilities[t]
	return ok
}

// RequiredCapabilities lists what an issuer needs to perform t.
func (t OperationType) RequiredCapabilities() []Capability {
	return append([]Capability(nil), requiredCapabilities[t]...)
}

// Category is the prefix before the dot, e.g. "track".
func (t OperationType) Category() string {
	if index := strings.IndexByte(string(t), '.'); index > 0 {
		return string(t)[:index]
	}
	return string(t)
}

// Action is the suffix after the dot, e.g. "create".
func (t OperationType) Action() string {
	if index := strings.IndexByte(string(t), '.'); index >= 0 {
		return string(t)[index+1:]
	}
	return ""
}

// OperationStatus is the pipeline state of an operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusApplied    OperationStatus = "applied"
	StatusRejected   OperationStatus = "rejected"
	StatusConflicted OperationStatus = "conflicted"
)

// Terminal reports whether no further transition is possible.
func (s OperationStatus) Terminal() bool {
	return s == StatusApplied || s == StatusRejected
}

func (s OperationStatus) canTransition(next OperationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusApplied || next == StatusRejected || next == StatusConflicted
	case StatusConflicted:
		return next == StatusApplied || next == StatusRejected
	default:
		return false
	}
}

const (
	maxPriority       = 10
	defaultMaxRetries = 3
	maxDependencies   = 64
	maxPayloadBytes   = 1 << 20
)

// OperationMetadata targets an operation and carries its retry budget.
type OperationMetadata struct {
	ResourceID string   `json:"resourceId,omitempty"`
	ElementID  string   `json:"elementId,omitempty"`
	Position   *float64 `json:"position,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	MaxRetries int      `json:"maxRetries,omitempty"`
	TimeoutMs  int64    `json:"timeoutMs,omitempty"`
}

func (m OperationMetadata) clone() OperationMetadata {
	clone := m
	if m.Position != nil {
		position := *m.Position
		clone.Position = &position
	}
	return clone
}

func (m OperationMetadata) validate() error {
	if len(m.ResourceID) > maxIdentifierLength || len(m.ElementID) > maxIdentifierLength {
		return fmt.Errorf("%w: target id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	if m.Priority < 0 || m.Priority > maxPriority {
		return fmt.Errorf("%w: priority %d outside 0..%d", ErrValidation, m.Priority, maxPriority)
	}
	if m.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max retries", ErrValidation)
	}
	if m.TimeoutMs < 0 {
		return fmt.Errorf("%w: negative timeout", ErrValidation)
	}
	return nil
}

// OperationDraft is what a client submits; the pipeline fills in identity.
type OperationDraft struct {
	Type         OperationType     `json:"type"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Metadata     OperationMetadata `json:"metadata"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// Validate checks the draft against the operation schema.
func (d OperationDraft) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrValidation, d.Type)
	}
	if len(d.Payload) > maxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrValidation, maxPayloadBytes)
	}
	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrValidation)
	}
	if err := d.Metadata.validate(); err != nil {
		return err
	}
	if len(d.Dependencies) > maxDependencies {
		return fmt.Errorf("%w: more than %d dependencies", ErrValidation, maxDependencies)
	}
	for _, dependency := range d.Dependencies {
		if strings.TrimSpace(dependency) == "" {
			return fmt.Errorf("%w: empty dependency id", ErrValidation)
		}
	}
	return nil
}

// Operation is one identified edit distributed to every replica.
type Operation struct {
	ID           string            `json:"id"`
	Type         OperationType     `json:"type"`
	UserID       string            `json:"userId"`
	SessionID    string            `json:"sessionId"`
	Timestamp    time.Time         `json:"timestamp"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Metadata     OperationMetadata `json:"metadata"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Conflicts    []string          `json:"conflicts,omitempty"`
	Status       OperationStatus   `json:"status"`
}

// Validate checks a received operation against the schema.
func (o Operation) Validate() error {
	if strings.TrimSpace(o.ID) == "" || len(o.ID) > maxIdentifierLength {
		return fmt.Errorf("%w: invalid operation id", ErrValidation)
	}
	if _, err := NewUserID(o.UserID); err != nil {
		return err
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	}
	return OperationDraft{
		Type:         o.Type,
		Payload:      o.Payload,
		Metadata:     o.Metadata,
		Dependencies: o.Dependencies,
	}.Validate()
}

// Clone returns a deep copy of o.
func (o Operation) Clone() Operation {
	clone := o
	if o.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), o.Payload...)
	}
	clone.Metadata = o.Metadata.clone()
	if o.Dependencies != nil {
		clone.Dependencies = append([]string(nil), o.Dependencies...)
	}
	if o.Conflicts != nil {
		clone.Conflicts = append([]string(nil), o.Conflicts...)
	}
	return clone
}

func (o *Operation) transition(next OperationStatus) error {
	if !o.Status.canTransition(next) {
		return fmt.Errorf("%w: operation %s cannot move from %s to %s", ErrState, o.ID, o.Status, next)
	}
	o.Status = next
	return nil
}

func (o Operation) maxRetries() int {
	if o.Metadata.MaxRetries > 0 {
		return o.Metadata.MaxRetries
	}
	return defaultMaxRetries
}

// sortOperations orders by timestamp, breaking ties by id so every replica
// agrees on the sequence.
func sortOperations(operations []Operation) {
	sort.SliceStable(operations, func(i, j int) bool {
		if !operations[i].Timestamp.Equal(operations[j].Timestamp) {
			return operations[i].Timestamp.Before(operations[j].Timestamp)
		}
		return operations[i].ID < operations[j].ID
	})
}
