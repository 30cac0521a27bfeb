package sessions

import (
	"math"
	"sort"
	"time"
)

const (
	latencyWarnThreshold     = 100 * time.Millisecond
	latencyCriticalThreshold = 200 * time.Millisecond
	conflictWarnRate         = 0.05
	conflictCriticalRate     = 0.10
	largeSessionThreshold    = 8
	lowSatisfactionThreshold = 0.6

	contributionTarget = 20.0
	// operations per active minute at which the rate component saturates
	engagementRateTarget = 2.0
	warningPenalty       = 0.1
)

// Recommendation texts surfaced with session analytics.
const (
	RecommendReduceFidelity   = "High latency detected: consider lowering the audio quality tier or buffer size"
	RecommendAutoResolution   = "Frequent conflicts: enable automatic conflict resolution"
	RecommendSideChannel      = "Large session: consider a dedicated voice or chat side channel"
	RecommendReviewPermission = "Low participant satisfaction: review participant permissions"
)

// ParticipantAnalytics summarises one participant.
type ParticipantAnalytics struct {
	UserID              string        `json:"userId"`
	Role                string        `json:"role"`
	ActiveTime          time.Duration `json:"activeTime"`
	OperationsPerformed int           `json:"operationsPerformed"`
	Warnings            int           `json:"warnings"`
	CollaborationScore  float64       `json:"collaborationScore"`
	EngagementLevel     float64       `json:"engagementLevel"`
	Contributions       Contributions `json:"contributions"`
}

// CollaborationSummary covers how participants worked together.
type CollaborationSummary struct {
	ParticipantCount       int     `json:"participantCount"`
	PeakParticipants       int     `json:"peakParticipants"`
	TotalOperations        int     `json:"totalOperations"`
	ConflictsDetected      int     `json:"conflictsDetected"`
	ConflictsResolved      int     `json:"conflictsResolved"`
	ConflictResolutionRate float64 `json:"conflictResolutionRate"`
}

// PerformanceSummary covers transport and pipeline health.
type PerformanceSummary struct {
	AverageLatency      time.Duration `json:"averageLatency"`
	OperationsPerSecond float64       `json:"operationsPerSecond"`
	ConflictRate        float64       `json:"conflictRate"`
	OperationsTimedOut  int           `json:"operationsTimedOut"`
}

// QualitySummary covers the experience participants had.
type QualitySummary struct {
	QualityScore            float64 `json:"qualityScore"`
	ParticipantSatisfaction float64 `json:"participantSatisfaction"`
	Warnings                int     `json:"warnings"`
}

// SessionAnalytics is the report generated for a session.
type SessionAnalytics struct {
	SessionID       string                 `json:"sessionId"`
	Status          Status                 `json:"status"`
	Duration        time.Duration          `json:"duration"`
	Participants    []ParticipantAnalytics `json:"participants"`
	Collaboration   CollaborationSummary   `json:"collaboration"`
	Performance     PerformanceSummary     `json:"performance"`
	Quality         QualitySummary         `json:"quality"`
	Recommendations []string               `json:"recommendations"`
	GeneratedAt     time.Time              `json:"generatedAt"`
}

func (a SessionAnalytics) clone() SessionAnalytics {
	clone := a
	clone.Participants = append([]ParticipantAnalytics(nil), a.Participants...)
	clone.Recommendations = append([]string(nil), a.Recommendations...)
	return clone
}

// qualityScore starts at 1 and loses points for slow or conflicting sessions.
func qualityScore(latency time.Duration, conflictRate float64) float64 {
	score := 1.0
	switch {
	case latency > latencyCriticalThreshold:
		score -= 0.3
	case latency > latencyWarnThreshold:
		score -= 0.15
	}
	switch {
	case conflictRate > conflictCriticalRate:
		score -= 0.3
	case conflictRate > conflictWarnRate:
		score -= 0.15
	}
	return clamp01(score)
}

// satisfaction discounts the quality score by the average warnings per
// participant.
func satisfaction(quality float64, participants map[string]Participant) float64 {
	if len(participants) == 0 {
		return quality
	}
	warnings := 0
	for _, participant := range participants {
		warnings += participant.Warnings
	}
	average := float64(warnings) / float64(len(participants))
	return clamp01(quality - average*warningPenalty)
}

func collaborationScore(operations, warnings int) float64 {
	volume := math.Min(1, float64(operations)/contributionTarget)
	return clamp01(0.2 + 0.8*volume - float64(warnings)*warningPenalty)
}

func engagementLevel(activeTime, duration time.Duration, operations int) float64 {
	if duration <= 0 {
		return 0
	}
	activeRatio := math.Min(1, float64(activeTime)/float64(duration))
	rate := 0.0
	if minutes := activeTime.Minutes(); minutes > 0 {
		rate = math.Min(1, float64(operations)/minutes/engagementRateTarget)
	}
	return clamp01(0.6*activeRatio + 0.4*rate)
}

func recommendations(metrics SessionMetrics, satisfactionScore float64) []string {
	var result []string
	if metrics.AverageLatency > latencyCriticalThreshold {
		result = append(result, RecommendReduceFidelity)
	}
	if metrics.ConflictRate > conflictCriticalRate {
		result = append(result, RecommendAutoResolution)
	}
	if metrics.PeakParticipants > largeSessionThreshold {
		result = append(result, RecommendSideChannel)
	}
	if satisfactionScore < lowSatisfactionThreshold {
		result = append(result, RecommendReviewPermission)
	}
	return result
}

// buildAnalytics reports on session as of now. Participants who already left
// are covered through departed.
func buildAnalytics(session *Session, departed map[string]Participant, now time.Time) SessionAnalytics {
	start := session.StartedAt
	if start.IsZero() {
		start = session.CreatedAt
	}
	end := now
	if !session.EndedAt.IsZero() {
		end = session.EndedAt
	}
	duration := end.Sub(start)
	if duration < 0 {
		duration = 0
	}

	everyone := make(map[string]Participant, len(session.Participants)+len(departed))
	for id, participant := range departed {
		everyone[id] = participant
	}
	for id, participant := range session.Participants {
		everyone[id] = participant
	}

	report := SessionAnalytics{
		SessionID:   session.ID,
		Status:      session.Status,
		Duration:    duration,
		GeneratedAt: now,
	}
	totalWarnings := 0
	for id, participant := range everyone {
		activeTime := participant.activeTimeAt(end)
		operations := participant.Contributions.OperationsCount
		totalWarnings += participant.Warnings
		report.Participants = append(report.Participants, ParticipantAnalytics{
			UserID:              id,
			Role:                string(participant.Role),
			ActiveTime:          activeTime,
			OperationsPerformed: operations,
			Warnings:            participant.Warnings,
			CollaborationScore:  collaborationScore(operations, participant.Warnings),
			EngagementLevel:     engagementLevel(activeTime, duration, operations),
			Contributions:       participant.Contributions,
		})
	}
	sort.Slice(report.Participants, func(i, j int) bool {
		return report.Participants[i].UserID < report.Participants[j].UserID
	})

	metrics := session.Metrics
	resolutionRate := 1.0
	if metrics.ConflictsDetected > 0 {
		resolutionRate = math.Min(1, float64(metrics.ConflictsResolved)/float64(metrics.ConflictsDetected))
	}
	report.Collaboration = CollaborationSummary{
		ParticipantCount:       len(everyone),
		PeakParticipants:       metrics.PeakParticipants,
		TotalOperations:        metrics.OperationsCount,
		ConflictsDetected:      metrics.ConflictsDetected,
		ConflictsResolved:      metrics.ConflictsResolved,
		ConflictResolutionRate: resolutionRate,
	}
	report.Performance = PerformanceSummary{
		AverageLatency:      metrics.AverageLatency,
		OperationsPerSecond: metrics.OperationsPerSecond,
		ConflictRate:        metrics.ConflictRate,
		OperationsTimedOut:  metrics.OperationsTimedOut,
	}
	quality := qualityScore(metrics.AverageLatency, metrics.ConflictRate)
	satisfactionScore := satisfaction(quality, everyone)
	report.Quality = QualitySummary{
		QualityScore:            quality,
		ParticipantSatisfaction: satisfactionScore,
		Warnings:                totalWarnings,
	}
	report.Recommendations = recommendations(metrics, satisfactionScore)
	return report
}

func clamp01(value float64) float64 {
	return math.Max(0, math.Min(1, value))
}
