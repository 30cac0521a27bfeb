package collab

import "time"

// Cursor is the playhead or pointer position of a user.
type Cursor struct {
	ResourceID  string  `json:"resourceId,omitempty"`
	Position    float64 `json:"position"`
	ElementType string  `json:"elementType,omitempty"`
	ElementID   string  `json:"elementId,omitempty"`
	Visible     bool    `json:"visible"`
	Color       string  `json:"color,omitempty"`
}

// Selection is a highlighted range within a resource.
type Selection struct {
	ResourceID string   `json:"resourceId,omitempty"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	ElementIDs []string `json:"elementIds,omitempty"`
	Color      string   `json:"color,omitempty"`
}

// Viewport is the visible region of the user's editor.
type Viewport struct {
	Zoom         float64 `json:"zoom"`
	ScrollX      float64 `json:"scrollX"`
	ScrollY      float64 `json:"scrollY"`
	VisibleStart float64 `json:"visibleStart"`
	VisibleEnd   float64 `json:"visibleEnd"`
	Mode         string  `json:"mode,omitempty"`
}

// Activity is what the user is doing right now.
type Activity struct {
	Tool         string    `json:"tool,omitempty"`
	Mode         string    `json:"mode,omitempty"`
	Recording    bool      `json:"recording"`
	Playing      bool      `json:"playing"`
	LastAction   string    `json:"lastAction,omitempty"`
	LastActionAt time.Time `json:"lastActionAt,omitempty"`
}

// AudioState is the user's audio input/output sub-state.
type AudioState struct {
	InputDevice  string  `json:"inputDevice,omitempty"`
	OutputDevice string  `json:"outputDevice,omitempty"`
	Monitoring   bool    `json:"monitoring"`
	Muted        bool    `json:"muted"`
	InputLevel   float64 `json:"inputLevel"`
}

// PresenceState is a user's ephemeral editor state. Only the owning user
// writes it; replicas merge by LastUpdate.
type PresenceState struct {
	UserID     string     `json:"userId"`
	Cursor     Cursor     `json:"cursor"`
	Selection  Selection  `json:"selection"`
	Viewport   Viewport   `json:"viewport"`
	Activity   Activity   `json:"activity"`
	Audio      AudioState `json:"audio"`
	LastUpdate time.Time  `json:"lastUpdate"`
}

// PresencePatch replaces whole sub-states; nil fields are left untouched.
type PresencePatch struct {
	Cursor    *Cursor     `json:"cursor,omitempty"`
	Selection *Selection  `json:"selection,omitempty"`
	Viewport  *Viewport   `json:"viewport,omitempty"`
	Activity  *Activity   `json:"activity,omitempty"`
	Audio     *AudioState `json:"audio,omitempty"`
}

// DefaultPresence is the state seeded when a user joins: cursor at home,
// nothing selected, default zoom, idle.
func DefaultPresence(userID string, now time.Time) PresenceState {
	return PresenceState{
		UserID:     userID,
		Cursor:     Cursor{Visible: true},
		Viewport:   Viewport{Zoom: 1, Mode: "arrange"},
		Activity:   Activity{Tool: "select", Mode: "idle"},
		LastUpdate: now,
	}
}

// Clone returns a deep copy of p.
func (p PresenceState) Clone() PresenceState {
	clone := p
	if p.Selection.ElementIDs != nil {
		clone.Selection.ElementIDs = append([]string(nil), p.Selection.ElementIDs...)
	}
	return clone
}

func (p PresenceState) merge(patch PresencePatch, now time.Time) PresenceState {
	next := p.Clone()
	if patch.Cursor != nil {
		next.Cursor = *patch.Cursor
	}
	if patch.Selection != nil {
		next.Selection = *patch.Selection
		next.Selection.ElementIDs = append([]string(nil), patch.Selection.ElementIDs...)
	}
	if patch.Viewport != nil {
		next.Viewport = *patch.Viewport
	}
	if patch.Activity != nil {
		next.Activity = *patch.Activity
	}
	if patch.Audio != nil {
		next.Audio = *patch.Audio
	}
	next.LastUpdate = now
	return next
}

type presenceTable struct {
	states map[string]PresenceState
}

func newPresenceTable() *presenceTable {
	return &presenceTable{states: make(map[string]PresenceState)}
}

func (t *presenceTable) seed(userID string, now time.Time) PresenceState {
	state := DefaultPresence(userID, now)
	t.states[userID] = state
	return state
}

func (t *presenceTable) get(userID string) (PresenceState, bool) {
	state, ok := t.states[userID]
	return state, ok
}

func (t *presenceTable) mergeLocal(userID string, patch PresencePatch, now time.Time) PresenceState {
	current, ok := t.states[userID]
	if !ok {
		current = DefaultPresence(userID, now)
	}
	next := current.merge(patch, now)
	t.states[userID] = next
	return next
}

// mergeRemote stores incoming unless it is older than what is held.
func (t *presenceTable) mergeRemote(incoming PresenceState) bool {
	current, ok := t.states[incoming.UserID]
	if ok && incoming.LastUpdate.Before(current.LastUpdate) {
		return false
	}
	t.states[incoming.UserID] = incoming.Clone()
	return true
}

func (t *presenceTable) remove(userID string) {
	delete(t.states, userID)
}

func (t *presenceTable) reset() {
	t.states = make(map[string]PresenceState)
}

func (t *presenceTable) snapshot() map[string]PresenceState {
	result := make(map[string]PresenceState, len(t.states))
	for userID, state := range t.states {
		result[userID] = state.Clone()
	}
	return result
}
