package collab

import "time"

const (
	throughputWindow = time.Second
	latencySamples   = 100
)

// SyncMetrics is a snapshot of one engine's pipeline health.
type SyncMetrics struct {
	OperationsApplied   int64         `json:"operationsApplied"`
	OperationsRejected  int64         `json:"operationsRejected"`
	OperationsTimedOut  int64         `json:"operationsTimedOut"`
	OperationsReceived  int64         `json:"operationsReceived"`
	OperationsProcessed int64         `json:"operationsProcessed"`
	ConflictsDetected   int64         `json:"conflictsDetected"`
	ConflictsResolved   int64         `json:"conflictsResolved"`
	OperationsPerSecond float64       `json:"operationsPerSecond"`
	AverageLatency      time.Duration `json:"averageLatency"`
	ConflictRate        float64       `json:"conflictRate"`
	QueueSize           int           `json:"queueSize"`
	OutboxSize          int           `json:"outboxSize"`
	LastSyncAt          time.Time     `json:"lastSyncAt"`
}

type metricsTracker struct {
	applied    int64
	rejected   int64
	timedOut   int64
	received   int64
	processed  int64
	detected   int64
	resolved   int64
	applyTimes []time.Time
	latencies  []time.Duration
	nextSample int
	lastSync   time.Time
}

func (m *metricsTracker) recordApply(now time.Time, latency time.Duration) {
	m.applied++
	if latency < 0 {
		latency = 0
	}
	if len(m.latencies) < latencySamples {
		m.latencies = append(m.latencies, latency)
	} else {
		m.latencies[m.nextSample] = latency
		m.nextSample = (m.nextSample + 1) % latencySamples
	}
	m.applyTimes = append(m.applyTimes, now)
	m.trimThroughput(now)
}

func (m *metricsTracker) trimThroughput(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	index := 0
	for index < len(m.applyTimes) && !m.applyTimes[index].After(cutoff) {
		index++
	}
	if index > 0 {
		m.applyTimes = append(m.applyTimes[:0], m.applyTimes[index:]...)
	}
}

func (m *metricsTracker) touch(now time.Time) {
	m.lastSync = now
}

func (m *metricsTracker) snapshot(now time.Time, queueSize, outboxSize int) SyncMetrics {
	m.trimThroughput(now)
	metrics := SyncMetrics{
		OperationsApplied:   m.applied,
		OperationsRejected:  m.rejected,
		OperationsTimedOut:  m.timedOut,
		OperationsReceived:  m.received,
		OperationsProcessed: m.processed,
		ConflictsDetected:   m.detected,
		ConflictsResolved:   m.resolved,
		OperationsPerSecond: float64(len(m.applyTimes)) / throughputWindow.Seconds(),
		QueueSize:           queueSize,
		OutboxSize:          outboxSize,
		LastSyncAt:          m.lastSync,
	}
	if len(m.latencies) > 0 {
		var total time.Duration
		for _, latency := range m.latencies {
			total += latency
		}
		metrics.AverageLatency = total / time.Duration(len(m.latencies))
	}
	if m.processed > 0 {
		metrics.ConflictRate = float64(m.detected) / float64(m.processed)
	}
	return metrics
}
