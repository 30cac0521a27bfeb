package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sessions.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewGormStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func TestNewGormStoreRequiresDatabase(t *testing.T) {
	if _, err := NewGormStore(nil, nil); collab.Reason(err) != reasonMissingDatabase {
		t.Fatalf("expected missing database, got %v", err)
	}
}

func TestGormStoreDeduplicatesSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	saved, err := store.SaveSnapshot(ctx, "session-1", []byte(`{"status":"active"}`), testEpoch)
	if err != nil || !saved {
		t.Fatalf("expected first snapshot stored, got %v (%v)", saved, err)
	}
	saved, err = store.SaveSnapshot(ctx, "session-1", []byte(`{"status":"active"}`), testEpoch.Add(time.Minute))
	if err != nil || saved {
		t.Fatalf("expected duplicate skipped, got %v (%v)", saved, err)
	}
	if saved, err = store.SaveSnapshot(ctx, "session-2", []byte(`{"status":"active"}`), testEpoch); err != nil || !saved {
		t.Fatalf("expected identical payload stored for another session, got %v (%v)", saved, err)
	}
	if _, err := store.SaveSnapshot(ctx, "session-1", []byte(`{"status":"ended"}`), testEpoch.Add(2*time.Minute)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	records, err := store.ListSnapshots(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != 2 || records[1].PayloadJSON != `{"status":"ended"}` {
		t.Fatalf("expected two ordered snapshots, got %+v", records)
	}
	if records[0].SavedAtUnixS != testEpoch.Unix() {
		t.Fatalf("expected saved timestamp kept, got %d", records[0].SavedAtUnixS)
	}
}

func TestGormStoreAppendsRecordingOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entry := func(operationID string) RecordingEntry {
		return RecordingEntry{
			SessionID:   "session-1",
			RecordingID: "session-1-rec-1",
			OperationID: operationID,
			Type:        collab.OpClipMove,
			UserID:      "alice",
			Payload:     []byte(`{"start":4}`),
			RecordedAt:  testEpoch,
		}
	}

	if err := store.AppendRecording(ctx, []RecordingEntry{entry("op-1"), entry("op-2")}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := store.AppendRecording(ctx, []RecordingEntry{entry("op-2"), entry("op-3")}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := store.AppendRecording(ctx, nil); err != nil {
		t.Fatalf("expected empty append to succeed, got %v", err)
	}

	records, err := store.ListRecording(ctx, "session-1-rec-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected three entries, got %d", len(records))
	}
	for index, expected := range []string{"op-1", "op-2", "op-3"} {
		if records[index].OperationID != expected {
			t.Fatalf("entry %d: expected %s, got %s", index, expected, records[index].OperationID)
		}
	}
	if records[0].OperationType != string(collab.OpClipMove) || records[0].RecordedAtMS != testEpoch.UnixMilli() {
		t.Fatalf("unexpected stored entry: %+v", records[0])
	}
}

func TestGormStoreAnalyticsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.LoadAnalytics(ctx, "session-1"); !errors.Is(err, collab.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	first := SessionAnalytics{SessionID: "session-1", Status: StatusActive, Duration: time.Minute, GeneratedAt: testEpoch}
	if err := store.SaveAnalytics(ctx, first); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	final := SessionAnalytics{
		SessionID:       "session-1",
		Status:          StatusEnded,
		Duration:        time.Hour,
		Participants:    []ParticipantAnalytics{{UserID: "alice", OperationsPerformed: 12}},
		Recommendations: []string{RecommendSideChannel},
		GeneratedAt:     testEpoch.Add(time.Hour),
	}
	if err := store.SaveAnalytics(ctx, final); err != nil {
		t.Fatalf("unexpected overwrite error: %v", err)
	}

	loaded, err := store.LoadAnalytics(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded.Status != StatusEnded || loaded.Duration != time.Hour || len(loaded.Participants) != 1 {
		t.Fatalf("expected the later report, got %+v", loaded)
	}
	if loaded.Participants[0].OperationsPerformed != 12 || loaded.Recommendations[0] != RecommendSideChannel {
		t.Fatalf("unexpected decoded report: %+v", loaded)
	}
	if !loaded.GeneratedAt.Equal(final.GeneratedAt) {
		t.Fatalf("expected generated time kept, got %v", loaded.GeneratedAt)
	}
}

func TestManagerPersistsThroughGormStore(t *testing.T) {
	store := newTestStore(t)
	harness := newHarness(t, func(cfg *Config) { cfg.Store = store })
	session := mustCreate(t, harness.manager, SessionConfig{AutoSave: true, RecordSession: true}, "alice")
	mustJoin(t, harness.manager, session.ID, "bob")
	harness.host(t, session.ID).emit(appliedOperation("op-1", "bob", collab.OpEffectAdd))

	ended, err := harness.manager.EndSession(context.Background(), session.ID, "alice")
	if err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	snapshots, err := store.ListSnapshots(context.Background(), session.ID)
	if err != nil || len(snapshots) != 1 {
		t.Fatalf("expected final snapshot, got %d (%v)", len(snapshots), err)
	}
	entries, err := store.ListRecording(context.Background(), ended.Recording.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one recorded entry, got %d (%v)", len(entries), err)
	}
	analytics, err := store.LoadAnalytics(context.Background(), session.ID)
	if err != nil || analytics.Status != StatusEnded {
		t.Fatalf("expected stored final analytics, got %+v (%v)", analytics, err)
	}
}
