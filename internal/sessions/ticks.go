package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"go.uber.org/zap"
)

// endResult carries the work left after a session ends, done once the
// manager lock is released.
type endResult struct {
	sessionID string
	host      HostEngine
	entries   []RecordingEntry
	snapshot  []byte
	analytics SessionAnalytics
	endedAt   time.Time
}

type saveJob struct {
	sessionID string
	payload   []byte
	entries   []RecordingEntry
}

// Run drives the metrics, cleanup and auto-save ticks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	metricsTicker := m.timers.NewTicker(m.metricsInterval)
	defer metricsTicker.Stop()
	cleanupTicker := m.timers.NewTicker(m.cleanupInterval)
	defer cleanupTicker.Stop()
	autoSaveTicker := m.timers.NewTicker(m.autoSaveCheckInterval)
	defer autoSaveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-metricsTicker.C():
			m.RunMetricsTick(ctx)
		case <-cleanupTicker.C():
			m.RunCleanupTick(ctx)
		case <-autoSaveTicker.C():
			m.RunAutoSaveTick(ctx)
		}
	}
}

// Shutdown ends every live session and persists its final state.
func (m *Manager) Shutdown(ctx context.Context) {
	readings := m.readAllHostMetrics()
	m.mu.Lock()
	now := m.clock()
	var closing []*endResult
	for id, entry := range m.sessions {
		if entry.session.Status == StatusEnded {
			continue
		}
		reading, ok := readings[id]
		closing = append(closing, m.endLocked(entry, "shutdown", reading, ok, now))
	}
	m.mu.Unlock()
	for _, result := range closing {
		m.finish(ctx, result)
	}
}

// RunMetricsTick refreshes uptime and quality figures from each host replica.
func (m *Manager) RunMetricsTick(ctx context.Context) {
	readings := m.readAllHostMetrics()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for id, entry := range m.sessions {
		if entry.session.Status == StatusEnded {
			continue
		}
		reading, ok := readings[id]
		refreshMetricsLocked(entry, reading, ok, now)
	}
}

// RunCleanupTick ends sessions idle past their timeout, evicts ended
// sessions, marks idle participants and expires stale invitations.
func (m *Manager) RunCleanupTick(ctx context.Context) {
	readings := m.readAllHostMetrics()
	m.mu.Lock()
	now := m.clock()
	var closing []*endResult
	var evicted []string
	for id, entry := range m.sessions {
		session := &entry.session
		if session.Status != StatusEnded {
			timeout := time.Duration(session.Config.Security.SessionTimeoutMinutes) * time.Minute
			if now.Sub(session.LastActivity) > timeout {
				reading, ok := readings[id]
				closing = append(closing, m.endLocked(entry, "timeout", reading, ok, now))
			} else {
				m.markIdleLocked(entry, now)
				m.expireInvitationsLocked(entry, now)
			}
		}
		if session.Status == StatusEnded {
			m.evictLocked(id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	for _, result := range closing {
		m.finish(ctx, result)
	}
	for _, id := range evicted {
		m.logger.Info("session evicted", zap.String(fieldSessionID, id))
	}
}

// RunAutoSaveTick snapshots every due active or paused session and flushes
// buffered recording entries. Failures are retried on the next tick.
func (m *Manager) RunAutoSaveTick(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	now := m.clock()
	var jobs []saveJob
	for id, entry := range m.sessions {
		session := &entry.session
		if !session.Config.AutoSave || (session.Status != StatusActive && session.Status != StatusPaused) {
			continue
		}
		if !entry.lastSaved.IsZero() && now.Sub(entry.lastSaved) < session.Config.AutoSaveInterval {
			continue
		}
		payload, err := json.Marshal(session)
		if err != nil {
			m.logError(opAutoSave, reasonEncodeFailed, err, zap.String(fieldSessionID, id))
			continue
		}
		jobs = append(jobs, saveJob{sessionID: id, payload: payload, entries: entry.recording})
		entry.recording = nil
		entry.lastSaved = now
	}
	m.mu.Unlock()

	for _, job := range jobs {
		if err := m.store.AppendRecording(ctx, job.entries); err != nil {
			m.autoSaveFailed(job, err)
			continue
		}
		saved, err := m.store.SaveSnapshot(ctx, job.sessionID, job.payload, now)
		if err != nil {
			m.autoSaveFailed(saveJob{sessionID: job.sessionID}, err)
			continue
		}
		m.logger.Debug("session auto-saved", zap.String(fieldSessionID, job.sessionID), zap.Bool("new_snapshot", saved))
	}
}

// autoSaveFailed puts unsaved recording entries back and schedules a retry.
func (m *Manager) autoSaveFailed(job saveJob, err error) {
	m.logError(opAutoSave, "save_failed", err, zap.String(fieldSessionID, job.sessionID))
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[job.sessionID]
	if !ok {
		return
	}
	entry.recording = append(job.entries, entry.recording...)
	entry.lastSaved = time.Time{}
	entry.appendEvent(EventAutoSaveFailed, "", m.clock(), map[string]string{"error": err.Error()})
}

// endLocked ends the session, stops its recording and produces final
// analytics. reading carries the host replica's last metrics when hasReading.
func (m *Manager) endLocked(entry *sessionEntry, reason string, reading collab.SyncMetrics, hasReading bool, now time.Time) *endResult {
	session := &entry.session
	refreshMetricsLocked(entry, reading, hasReading, now)
	session.Status = StatusEnded
	session.EndedAt = now
	for id, participant := range session.Participants {
		participant.closeActiveTime(now)
		session.Participants[id] = participant
	}
	if session.Recording != nil && session.Recording.StoppedAt.IsZero() {
		session.Recording.StoppedAt = now
		entry.appendEvent(EventRecordingStopped, "", now, map[string]string{"recording_id": session.Recording.ID})
	}
	entry.appendEvent(EventSessionEnded, "", now, map[string]string{"reason": reason})

	analytics := buildAnalytics(session, entry.departed, now)
	session.Analytics = &analytics
	m.archive[session.ID] = analytics
	for userID, sessionID := range m.current {
		if sessionID == session.ID {
			delete(m.current, userID)
		}
	}

	result := &endResult{
		sessionID: session.ID,
		host:      entry.host,
		entries:   entry.recording,
		analytics: analytics.clone(),
		endedAt:   now,
	}
	entry.recording = nil
	if session.Config.AutoSave {
		if payload, err := json.Marshal(session); err == nil {
			result.snapshot = payload
		} else {
			m.logError(opFinish, reasonEncodeFailed, err, zap.String(fieldSessionID, session.ID))
		}
	}
	m.logger.Info("session ended", zap.String(fieldSessionID, session.ID), zap.String("reason", reason))
	return result
}

// finish persists an ended session and stops its host replica.
func (m *Manager) finish(ctx context.Context, result *endResult) {
	if m.store != nil {
		if err := m.store.AppendRecording(ctx, result.entries); err != nil {
			m.logError(opFinish, "recording_failed", err, zap.String(fieldSessionID, result.sessionID))
		}
		if result.snapshot != nil {
			if _, err := m.store.SaveSnapshot(ctx, result.sessionID, result.snapshot, result.endedAt); err != nil {
				m.logError(opFinish, "snapshot_failed", err, zap.String(fieldSessionID, result.sessionID))
			}
		}
		if err := m.store.SaveAnalytics(ctx, result.analytics); err != nil {
			m.logError(opFinish, "analytics_failed", err, zap.String(fieldSessionID, result.sessionID))
		}
	}
	if result.host != nil {
		result.host.Off(hostListener, collab.EventAny)
		if err := result.host.Disconnect(ctx); err != nil {
			m.logError(opFinish, "host_disconnect_failed", err, zap.String(fieldSessionID, result.sessionID))
		}
	}
}

func (m *Manager) markIdleLocked(entry *sessionEntry, now time.Time) {
	idle := time.Duration(entry.session.Config.Security.IdleTimeoutMinutes) * time.Minute
	for id, participant := range entry.session.Participants {
		if participant.Status != ParticipantActive || now.Sub(participant.LastActivity) <= idle {
			continue
		}
		participant.Status = ParticipantIdle
		entry.session.Participants[id] = participant
		entry.appendEvent(EventParticipantIdle, id, now, nil)
	}
}

func (m *Manager) expireInvitationsLocked(entry *sessionEntry, now time.Time) {
	for id, invitation := range entry.session.Invitations {
		if invitation.Status != InvitationPending || !invitation.expiredAt(now) {
			continue
		}
		invitation.Status = InvitationExpired
		entry.session.Invitations[id] = invitation
		entry.appendEvent(EventInvitationExpired, "", now, map[string]string{"invitation_id": id})
	}
}

func (m *Manager) evictLocked(sessionID string) {
	entry, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	for invitationID := range entry.session.Invitations {
		delete(m.invitations, invitationID)
	}
	for userID, current := range m.current {
		if current == sessionID {
			delete(m.current, userID)
		}
	}
	delete(m.sessions, sessionID)
}

func (m *Manager) readAllHostMetrics() map[string]collab.SyncMetrics {
	m.mu.Lock()
	hosts := make(map[string]HostEngine, len(m.sessions))
	for id, entry := range m.sessions {
		if entry.host != nil && entry.session.Status != StatusEnded {
			hosts[id] = entry.host
		}
	}
	m.mu.Unlock()
	readings := make(map[string]collab.SyncMetrics, len(hosts))
	for id, host := range hosts {
		readings[id] = host.Metrics()
	}
	return readings
}

// refreshMetricsLocked recomputes uptime, quality and satisfaction, taking
// pipeline figures from reading when present.
func refreshMetricsLocked(entry *sessionEntry, reading collab.SyncMetrics, hasReading bool, now time.Time) {
	session := &entry.session
	metrics := &session.Metrics
	if !session.StartedAt.IsZero() {
		metrics.Uptime = now.Sub(session.StartedAt)
	}
	if hasReading {
		metrics.AverageLatency = reading.AverageLatency
		metrics.ConflictRate = reading.ConflictRate
		metrics.OperationsPerSecond = reading.OperationsPerSecond
		metrics.QueueSize = reading.QueueSize
	}
	metrics.QualityScore = qualityScore(metrics.AverageLatency, metrics.ConflictRate)
	metrics.ParticipantSatisfaction = satisfaction(metrics.QualityScore, session.Participants)
	for id, participant := range session.Participants {
		participant.Contributions.QualityScore = metrics.QualityScore
		session.Participants[id] = participant
	}
}
