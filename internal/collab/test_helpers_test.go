package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/transport"
)

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%03d", s.prefix, s.next), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: testEpoch}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Event
	for _, event := range r.events {
		if event.Kind() == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func (r *eventRecorder) count(kind EventKind) int {
	return len(r.ofKind(kind))
}

func testUser(id string, role Role) User {
	return User{ID: id, DisplayName: id, Role: role, Permissions: DefaultPermissions(role)}
}

func newTestEngine(t *testing.T, bus transport.Bus, local User, configure func(*Config)) (*Engine, *eventRecorder) {
	t.Helper()
	cfg := Config{
		SessionID:  "session-1",
		LocalUser:  local,
		Transport:  bus,
		IDProvider: &sequenceIDs{prefix: local.ID},
		Settings: Settings{
			ReconnectAttempts: 3,
			ReconnectDelay:    10 * time.Millisecond,
		},
	}
	if configure != nil {
		configure(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	recorder := &eventRecorder{}
	engine.On("test", EventAny, recorder.handle)
	t.Cleanup(func() {
		engine.Disconnect(context.Background()) //nolint:errcheck
	})
	return engine, recorder
}

func mustConnect(t *testing.T, engine *Engine) {
	t.Helper()
	if err := engine.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

// admit puts user on the engine's roster without going through the bus.
func admit(engine *Engine, user User) {
	engine.mu.Lock()
	fx := &effects{}
	engine.admitLocked(user, PresenceState{}, engine.clock(), fx)
	engine.mu.Unlock()
	engine.flush(context.Background(), fx)
}

// deliver runs op through the remote-receive path.
func deliver(engine *Engine, op Operation) {
	engine.mu.Lock()
	fx := &effects{}
	engine.receiveLocked(op, engine.clock(), fx)
	engine.mu.Unlock()
	engine.flush(context.Background(), fx)
}

func remoteOperation(id, userID string, kind OperationType, at time.Time, resourceID, elementID string) Operation {
	return Operation{
		ID:        id,
		Type:      kind,
		UserID:    userID,
		SessionID: "session-1",
		Timestamp: at,
		Payload:   []byte(`{"value":1}`),
		Metadata:  OperationMetadata{ResourceID: resourceID, ElementID: elementID},
		Status:    StatusPending,
	}
}
