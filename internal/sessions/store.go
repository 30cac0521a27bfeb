package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew            = "sessions.store.new"
	opSaveSnapshot        = "sessions.store.save_snapshot"
	opAppendRecording     = "sessions.store.append_recording"
	opSaveAnalytics       = "sessions.store.save_analytics"
	opLoadAnalytics       = "sessions.store.load_analytics"
	opListSnapshots       = "sessions.store.list_snapshots"
	reasonMissingDatabase = "missing_database"
	reasonInsertFailed    = "insert_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonQueryFailed     = "query_failed"
	reasonNotFound        = "not_found"
)

var errMissingDatabase = errors.New("database handle is required")

// SnapshotRecord stores one auto-saved session snapshot. Identical payloads
// are stored once per session.
type SnapshotRecord struct {
	SnapshotID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID    string `gorm:"column:session_id;size:190;not null;uniqueIndex:idx_session_snapshot_dedupe,priority:1"`
	PayloadHash  string `gorm:"column:hash;size:64;not null;uniqueIndex:idx_session_snapshot_dedupe,priority:2"`
	PayloadJSON  string `gorm:"column:payload_json;type:text;not null"`
	SavedAtUnixS int64  `gorm:"column:saved_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "session_snapshots"
}

// RecordingEntryRecord stores one applied operation of a session recording.
type RecordingEntryRecord struct {
	EntryID       int64  `gorm:"column:entry_id;primaryKey;autoIncrement"`
	SessionID     string `gorm:"column:session_id;size:190;not null;index"`
	RecordingID   string `gorm:"column:recording_id;size:190;not null;uniqueIndex:idx_recording_entry_dedupe,priority:1"`
	OperationID   string `gorm:"column:operation_id;size:190;not null;uniqueIndex:idx_recording_entry_dedupe,priority:2"`
	OperationType string `gorm:"column:type;size:64;not null"`
	UserID        string `gorm:"column:user_id;size:190;not null"`
	PayloadJSON   string `gorm:"column:payload_json;type:text"`
	RecordedAtMS  int64  `gorm:"column:recorded_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordingEntryRecord) TableName() string {
	return "session_recording_entries"
}

// AnalyticsRecord stores the final analytics of an ended session.
type AnalyticsRecord struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	GeneratedAtUnixS int64  `gorm:"column:generated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AnalyticsRecord) TableName() string {
	return "session_analytics"
}

// Models lists the tables the session store needs migrated.
func Models() []any {
	return []any{&SnapshotRecord{}, &RecordingEntryRecord{}, &AnalyticsRecord{}}
}

// Store persists what outlives a session's in-memory state.
type Store interface {
	// SaveSnapshot reports false when an identical snapshot already exists.
	SaveSnapshot(ctx context.Context, sessionID string, payload []byte, savedAt time.Time) (bool, error)
	AppendRecording(ctx context.Context, entries []RecordingEntry) error
	SaveAnalytics(ctx context.Context, analytics SessionAnalytics) error
	LoadAnalytics(ctx context.Context, sessionID string) (SessionAnalytics, error)
}

// GormStore implements Store over a gorm database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, collab.NewServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger}, nil
}

// SaveSnapshot implements Store.
func (s *GormStore) SaveSnapshot(ctx context.Context, sessionID string, payload []byte, savedAt time.Time) (bool, error) {
	record := SnapshotRecord{
		SessionID:    sessionID,
		PayloadHash:  hashPayload(payload),
		PayloadJSON:  string(payload),
		SavedAtUnixS: savedAt.UTC().Unix(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		s.logError(opSaveSnapshot, reasonInsertFailed, result.Error, zap.String(fieldSessionID, sessionID))
		return false, collab.NewServiceError(opSaveSnapshot, reasonInsertFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListSnapshots returns a session's snapshots, oldest first.
func (s *GormStore) ListSnapshots(ctx context.Context, sessionID string) ([]SnapshotRecord, error) {
	var records []SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListSnapshots, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID))
		return nil, collab.NewServiceError(opListSnapshots, reasonQueryFailed, err)
	}
	return records, nil
}

// AppendRecording implements Store. Entries already stored for the same
// recording are skipped.
func (s *GormStore) AppendRecording(ctx context.Context, entries []RecordingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, entry := range entries {
			record := RecordingEntryRecord{
				SessionID:     entry.SessionID,
				RecordingID:   entry.RecordingID,
				OperationID:   entry.OperationID,
				OperationType: string(entry.Type),
				UserID:        entry.UserID,
				PayloadJSON:   string(entry.Payload),
				RecordedAtMS:  entry.RecordedAt.UTC().UnixMilli(),
			}
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
				s.logError(opAppendRecording, reasonInsertFailed, err,
					zap.String(fieldSessionID, entry.SessionID),
					zap.String(fieldOperationID, entry.OperationID))
				return collab.NewServiceError(opAppendRecording, reasonInsertFailed, err)
			}
		}
		return nil
	})
}

// ListRecording returns the entries of one recording in capture order.
func (s *GormStore) ListRecording(ctx context.Context, recordingID string) ([]RecordingEntryRecord, error) {
	var records []RecordingEntryRecord
	err := s.db.WithContext(ctx).
		Where("recording_id = ?", recordingID).
		Order("entry_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, collab.NewServiceError(opAppendRecording, reasonQueryFailed, err)
	}
	return records, nil
}

// SaveAnalytics implements Store. A later report replaces an earlier one.
func (s *GormStore) SaveAnalytics(ctx context.Context, analytics SessionAnalytics) error {
	payload, err := json.Marshal(analytics)
	if err != nil {
		return collab.NewServiceError(opSaveAnalytics, reasonEncodeFailed, err)
	}
	record := AnalyticsRecord{
		SessionID:        analytics.SessionID,
		PayloadJSON:      string(payload),
		GeneratedAtUnixS: analytics.GeneratedAt.UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "generated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opSaveAnalytics, reasonInsertFailed, err, zap.String(fieldSessionID, analytics.SessionID))
		return collab.NewServiceError(opSaveAnalytics, reasonInsertFailed, err)
	}
	return nil
}

// LoadAnalytics implements Store.
func (s *GormStore) LoadAnalytics(ctx context.Context, sessionID string) (SessionAnalytics, error) {
	var record AnalyticsRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionAnalytics{}, collab.NewServiceError(opLoadAnalytics, reasonNotFound, collab.ErrNotFound)
	}
	if err != nil {
		s.logError(opLoadAnalytics, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID))
		return SessionAnalytics{}, collab.NewServiceError(opLoadAnalytics, reasonQueryFailed, err)
	}
	var analytics SessionAnalytics
	if err := json.Unmarshal([]byte(record.PayloadJSON), &analytics); err != nil {
		return SessionAnalytics{}, collab.NewServiceError(opLoadAnalytics, reasonDecodeFailed, err)
	}
	return analytics, nil
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("session store failure", allFields...)
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
