package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
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

type memberUpdate struct {
	userID string
	patch  collab.UserPatch
}

// fakeHost stands in for a session's host replica and lets tests emit the
// events a real engine would.
type fakeHost struct {
	mu           sync.Mutex
	handlers     map[string]collab.Handler
	connected    bool
	disconnected bool
	metrics      collab.SyncMetrics
	conflicts    []collab.ConflictInfo
	resolved     []string
	updates      []memberUpdate
	evicted      []string
	connectErr   error
}

func newFakeHost() *fakeHost {
	return &fakeHost{handlers: make(map[string]collab.Handler)}
}

func (h *fakeHost) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connectErr != nil {
		return h.connectErr
	}
	h.connected = true
	return nil
}

func (h *fakeHost) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	h.disconnected = true
	return nil
}

func (h *fakeHost) On(owner string, kind collab.EventKind, handler collab.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[owner] = handler
}

func (h *fakeHost) Off(owner string, kind collab.EventKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, owner)
}

func (h *fakeHost) Metrics() collab.SyncMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metrics
}

func (h *fakeHost) setMetrics(metrics collab.SyncMetrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = metrics
}

func (h *fakeHost) Conflicts() []collab.ConflictInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]collab.ConflictInfo(nil), h.conflicts...)
}

func (h *fakeHost) ResolveConflict(ctx context.Context, conflictID string, resolution collab.ConflictResolution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for index, conflict := range h.conflicts {
		if conflict.ID == conflictID {
			h.conflicts = append(h.conflicts[:index], h.conflicts[index+1:]...)
			h.resolved = append(h.resolved, conflictID)
			return nil
		}
	}
	return fmt.Errorf("%w: conflict %s", collab.ErrNotFound, conflictID)
}

func (h *fakeHost) UpdateMember(ctx context.Context, userID string, patch collab.UserPatch) (collab.User, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, memberUpdate{userID: userID, patch: patch})
	return collab.User{ID: userID}, nil
}

func (h *fakeHost) EvictUser(ctx context.Context, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted = append(h.evicted, userID)
	return nil
}

func (h *fakeHost) emit(event collab.Event) {
	h.mu.Lock()
	handlers := make([]collab.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler)
	}
	h.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (h *fakeHost) isDisconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

// memoryStore is a Store kept in memory with switchable failures.
type memoryStore struct {
	mu        sync.Mutex
	snapshots map[string][][]byte
	hashes    map[string]bool
	entries   []RecordingEntry
	analytics map[string]SessionAnalytics
	failSaves bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		snapshots: make(map[string][][]byte),
		hashes:    make(map[string]bool),
		analytics: make(map[string]SessionAnalytics),
	}
}

var errStoreDown = errors.New("store unavailable")

func (s *memoryStore) SaveSnapshot(ctx context.Context, sessionID string, payload []byte, savedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return false, errStoreDown
	}
	key := sessionID + "/" + hashPayload(payload)
	if s.hashes[key] {
		return false, nil
	}
	s.hashes[key] = true
	s.snapshots[sessionID] = append(s.snapshots[sessionID], payload)
	return true, nil
}

func (s *memoryStore) AppendRecording(ctx context.Context, entries []RecordingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves && len(entries) > 0 {
		return errStoreDown
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memoryStore) SaveAnalytics(ctx context.Context, analytics SessionAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analytics[analytics.SessionID] = analytics
	return nil
}

func (s *memoryStore) LoadAnalytics(ctx context.Context, sessionID string) (SessionAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	analytics, ok := s.analytics[sessionID]
	if !ok {
		return SessionAnalytics{}, collab.ErrNotFound
	}
	return analytics, nil
}

func (s *memoryStore) setFailing(failing bool) {
	s.mu.Lock()
	s.failSaves = failing
	s.mu.Unlock()
}

func (s *memoryStore) snapshotCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots[sessionID])
}

func (s *memoryStore) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type testHarness struct {
	manager *Manager
	clock   *manualClock
	store   *memoryStore
	hosts   map[string]*fakeHost
	hostsMu sync.Mutex
}

func (h *testHarness) host(t *testing.T, sessionID string) *fakeHost {
	t.Helper()
	h.hostsMu.Lock()
	defer h.hostsMu.Unlock()
	host, ok := h.hosts[sessionID]
	if !ok {
		t.Fatalf("no host replica for session %s", sessionID)
	}
	return host
}

func newHarness(t *testing.T, configure func(*Config)) *testHarness {
	t.Helper()
	harness := &testHarness{
		clock: &manualClock{now: testEpoch},
		store: newMemoryStore(),
		hosts: make(map[string]*fakeHost),
	}
	cfg := Config{
		Store:      harness.store,
		IDProvider: &sequenceIDs{prefix: "id"},
		Clock:      harness.clock.Now,
		Hosts: func(sessionID string, cfg SessionConfig) (HostEngine, error) {
			host := newFakeHost()
			harness.hostsMu.Lock()
			harness.hosts[sessionID] = host
			harness.hostsMu.Unlock()
			return host, nil
		},
	}
	if configure != nil {
		configure(&cfg)
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	harness.manager = manager
	return harness
}

func testUser(id string) collab.User {
	return collab.User{ID: id, DisplayName: id, Email: id + "@example.com"}
}

func mustCreate(t *testing.T, manager *Manager, cfg SessionConfig, creatorID string) Session {
	t.Helper()
	session, err := manager.CreateSession(context.Background(), cfg, testUser(creatorID))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return session
}

func mustJoin(t *testing.T, manager *Manager, sessionID, userID string) JoinResult {
	t.Helper()
	result, err := manager.JoinSession(context.Background(), sessionID, testUser(userID), "")
	if err != nil {
		t.Fatalf("unexpected join error for %s: %v", userID, err)
	}
	return result
}

func mustSession(t *testing.T, manager *Manager, sessionID string) Session {
	t.Helper()
	session, err := manager.GetSession(sessionID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	return session
}

func appliedOperation(id, userID string, kind collab.OperationType) collab.OperationApplied {
	return collab.OperationApplied{Operation: collab.Operation{
		ID:        id,
		Type:      kind,
		UserID:    userID,
		Timestamp: testEpoch,
		Payload:   []byte(`{"gain":0.5}`),
		Status:    collab.StatusApplied,
	}}
}

func timelineCount(session Session, kind EventType) int {
	count := 0
	for _, event := range session.Timeline {
		if event.Type == kind {
			count++
		}
	}
	return count
}
