package collab

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/transport"
	"go.uber.org/zap"
)

type operationRecord struct {
	op         Operation
	receivedAt time.Time
	local      bool
}

// operationLog is the rolling queue of known operations plus the applied-id
// set. The applied set outlives trimmed records so redelivery stays a no-op
// until the retention window passes.
type operationLog struct {
	records map[string]*operationRecord
	order   []string
	applied map[string]time.Time
}

func newOperationLog() *operationLog {
	return &operationLog{
		records: make(map[string]*operationRecord),
		applied: make(map[string]time.Time),
	}
}

func (l *operationLog) known(id string) bool {
	if _, ok := l.applied[id]; ok {
		return true
	}
	_, ok := l.records[id]
	return ok
}

func (l *operationLog) isApplied(id string) bool {
	_, ok := l.applied[id]
	return ok
}

func (l *operationLog) get(id string) (*operationRecord, bool) {
	record, ok := l.records[id]
	return record, ok
}

func (l *operationLog) insert(op Operation, now time.Time, local bool) *operationRecord {
	record := &operationRecord{op: op, receivedAt: now, local: local}
	l.records[op.ID] = record
	l.order = append(l.order, op.ID)
	return record
}

func (l *operationLog) markApplied(id string, now time.Time) {
	l.applied[id] = now
}

func (l *operationLog) nonTerminal() []*operationRecord {
	var result []*operationRecord
	for _, id := range l.order {
		record := l.records[id]
		if record != nil && !record.op.Status.Terminal() {
			result = append(result, record)
		}
	}
	return result
}

func (l *operationLog) nonTerminalCount() int {
	count := 0
	for _, record := range l.records {
		if !record.op.Status.Terminal() {
			count++
		}
	}
	return count
}

// waiting returns pending operations that declared dependencies, in arrival
// order.
func (l *operationLog) waiting() []*operationRecord {
	var result []*operationRecord
	for _, id := range l.order {
		record := l.records[id]
		if record != nil && record.op.Status == StatusPending && len(record.op.Dependencies) > 0 {
			result = append(result, record)
		}
	}
	return result
}

// others returns every non-rejected operation except id.
func (l *operationLog) others(id string) []Operation {
	result := make([]Operation, 0, len(l.records))
	for _, otherID := range l.order {
		record := l.records[otherID]
		if record == nil || otherID == id || record.op.Status == StatusRejected {
			continue
		}
		result = append(result, record.op)
	}
	return result
}

// dependencyState reports whether op's dependencies are all applied, and
// names the first dependency that was rejected.
func (l *operationLog) dependencyState(op Operation) (bool, string) {
	ready := true
	for _, dependency := range op.Dependencies {
		if l.isApplied(dependency) {
			continue
		}
		if record, ok := l.records[dependency]; ok && record.op.Status == StatusRejected {
			return false, dependency
		}
		ready = false
	}
	return ready, ""
}

// trim drops the oldest terminal records while the queue exceeds limit.
func (l *operationLog) trim(limit int) {
	if len(l.order) <= limit {
		return
	}
	excess := len(l.order) - limit
	kept := make([]string, 0, limit)
	for _, id := range l.order {
		record := l.records[id]
		if excess > 0 && record != nil && record.op.Status.Terminal() {
			delete(l.records, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
}

// purge forgets terminal records and applied ids older than cutoff.
func (l *operationLog) purge(cutoff time.Time) int {
	removed := 0
	kept := make([]string, 0, len(l.order))
	for _, id := range l.order {
		record := l.records[id]
		if record != nil && record.op.Status.Terminal() && record.receivedAt.Before(cutoff) {
			delete(l.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	for id, appliedAt := range l.applied {
		if appliedAt.Before(cutoff) {
			if _, held := l.records[id]; !held {
				delete(l.applied, id)
			}
		}
	}
	return removed
}

// SendOperation validates draft, stamps identity, applies it locally and
// broadcasts it. A failed broadcast is retried from the outbox; the returned
// id is valid either way.
func (e *Engine) SendOperation(ctx context.Context, draft OperationDraft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", NewServiceError(opSendOperation, "invalid_draft", err)
	}

	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return "", NewServiceError(opSendOperation, "not_connected", ErrNotConnected)
	}
	if e.observer {
		e.mu.Unlock()
		return "", NewServiceError(opSendOperation, "observer", fmt.Errorf("%w: observers do not issue operations", ErrState))
	}
	if e.log.nonTerminalCount() >= e.settings.MaxOperationQueue {
		e.mu.Unlock()
		return "", NewServiceError(opSendOperation, "queue_full", fmt.Errorf("%w: %d operations in flight", ErrCapacity, e.settings.MaxOperationQueue))
	}
	for _, dependency := range draft.Dependencies {
		if !e.log.isApplied(dependency) {
			e.mu.Unlock()
			return "", NewServiceError(opSendOperation, "unmet_dependency", fmt.Errorf("%w: dependency %s is not applied", ErrValidation, dependency))
		}
	}

	now := e.clock()
	id, err := e.ids.NewID()
	if err != nil {
		e.mu.Unlock()
		return "", NewServiceError(opSendOperation, "id_generation_failed", err)
	}
	op := Operation{
		ID:        id,
		Type:      draft.Type,
		UserID:    e.local.ID,
		SessionID: e.sessionID,
		Timestamp: now,
		Metadata:  draft.Metadata.clone(),
		Status:    StatusPending,
	}
	if draft.Payload != nil {
		op.Payload = append(op.Payload, draft.Payload...)
	}
	if draft.Dependencies != nil {
		op.Dependencies = append([]string(nil), draft.Dependencies...)
	}
	local := e.local
	if denied, reason := e.detector.permissionDenied(op, &local); denied {
		e.mu.Unlock()
		return "", NewServiceError(opSendOperation, "permission_denied", fmt.Errorf("%w: %s", ErrPermission, reason))
	}

	fx := &effects{}
	e.log.insert(op, now, true)
	e.metrics.processed++
	e.applyLocked(id, now, fx)
	e.queueLocked(fx, transport.KindOperationBroadcast, op, id)
	e.log.trim(e.settings.MaxOperationQueue)
	e.mu.Unlock()

	e.flush(ctx, fx)
	return id, nil
}

func (e *Engine) onOperation(envelope transport.Envelope, now time.Time, fx *effects) {
	var op Operation
	if !e.decodeBody(envelope, &op) {
		return
	}
	if op.UserID != envelope.SenderID {
		e.logger.Warn("dropping operation with mismatched sender", zap.String("operation_id", op.ID), zap.String("sender_id", envelope.SenderID))
		return
	}
	e.receiveLocked(op, now, fx)
}

// receiveLocked is the remote-receive path. Redelivery of a known id has no
// side effects at all.
func (e *Engine) receiveLocked(op Operation, now time.Time, fx *effects) {
	if err := op.Validate(); err != nil {
		e.logger.Warn("dropping invalid operation", zap.String("operation_id", op.ID), zap.Error(err))
		return
	}
	if e.log.known(op.ID) {
		return
	}
	e.metrics.received++
	e.metrics.processed++
	incoming := op.Clone()
	incoming.Status = StatusPending
	incoming.Conflicts = nil
	e.log.insert(incoming, now, false)
	e.evaluateLocked(incoming.ID, now, fx)
	e.releaseDependentsLocked(now, fx)
	e.log.trim(e.settings.MaxOperationQueue)
}

// evaluateLocked moves a pending operation forward: it waits on unmet
// dependencies, raises conflicts, or applies.
func (e *Engine) evaluateLocked(id string, now time.Time, fx *effects) {
	record, ok := e.log.get(id)
	if !ok || record.op.Status != StatusPending {
		return
	}
	ready, failed := e.log.dependencyState(record.op)
	if failed != "" {
		conflict := newConflict(
			ConflictVersionMismatch,
			[]string{id},
			SeverityHigh,
			StrategyReject,
			fmt.Sprintf("operation %s depends on rejected operation %s", id, failed),
			now,
		)
		e.raiseLocked([]ConflictInfo{conflict}, record, now, fx)
		return
	}
	if !ready {
		return
	}

	var issuer *User
	if user, known := e.users[record.op.UserID]; known {
		issuer = &user
	}
	detected := e.detector.Detect(DetectionInput{
		Operation: record.op,
		Issuer:    issuer,
		Recent:    e.log.others(id),
		Locks:     e.locks,
		Now:       now,
	})
	conflicts := detected[:0]
	for _, conflict := range detected {
		if _, settled := e.resolved[conflict.ID]; settled {
			continue
		}
		conflicts = append(conflicts, conflict)
	}
	if len(conflicts) == 0 {
		e.applyLocked(id, now, fx)
		return
	}
	e.raiseLocked(conflicts, record, now, fx)
}

// raiseLocked records conflicts against record, announces new ones and runs
// the registered automatic strategies, most severe first.
func (e *Engine) raiseLocked(conflicts []ConflictInfo, record *operationRecord, now time.Time, fx *effects) {
	ids := make([]string, 0, len(conflicts))
	for index, conflict := range conflicts {
		if existing, open := e.conflicts[conflict.ID]; open {
			conflicts[index] = existing
			ids = append(ids, existing.ID)
			continue
		}
		delete(e.remoteConflicts, conflict.ID)
		e.conflicts[conflict.ID] = conflict
		e.metrics.detected++
		ids = append(ids, conflict.ID)
		fx.emit(ConflictDetected{Conflict: conflict.Clone(), Strategy: e.resolvers.StrategyFor(conflict.Type)})
		e.queueLocked(fx, transport.KindConflictNotify, ConflictMessage{Conflict: conflict.Clone()}, "")
	}
	if err := record.op.transition(StatusConflicted); err != nil {
		e.logError(opResolve, "illegal_transition", err)
		return
	}
	record.op.Conflicts = ids

	sortConflicts(conflicts)
	for _, conflict := range conflicts {
		strategy := e.resolvers.StrategyFor(conflict.Type)
		if strategy == StrategyManual {
			continue
		}
		if _, open := e.conflicts[conflict.ID]; !open {
			continue
		}
		resolution := ConflictResolution{
			Strategy:  strategy,
			Action:    "auto",
			Rationale: fmt.Sprintf("automatic %s for %s", strategy, conflict.Type),
		}
		if err := e.resolveLocked(conflict.ID, resolution, now, fx); err != nil {
			e.logError(opResolve, "auto_resolve_failed", err, zap.String("conflict_id", conflict.ID))
		}
	}
}

func (e *Engine) applyLocked(id string, now time.Time, fx *effects) bool {
	record, ok := e.log.get(id)
	if !ok {
		return false
	}
	if err := record.op.transition(StatusApplied); err != nil {
		e.logError(opResolve, "illegal_transition", err)
		return false
	}
	e.log.markApplied(id, now)
	latency := now.Sub(record.op.Timestamp)
	if latency < 0 {
		latency = 0
	}
	e.metrics.recordApply(now, latency)
	e.updateLocksLocked(record.op)
	fx.emit(OperationApplied{Operation: record.op.Clone(), Latency: latency, Local: record.local})
	return true
}

func (e *Engine) rejectLocked(id, reason string, fx *effects) bool {
	record, ok := e.log.get(id)
	if !ok {
		return false
	}
	if err := record.op.transition(StatusRejected); err != nil {
		e.logError(opResolve, "illegal_transition", err)
		return false
	}
	e.metrics.rejected++
	delete(e.outbox, id)
	fx.emit(OperationRejected{Operation: record.op.Clone(), Reason: reason})
	return true
}

func (e *Engine) updateLocksLocked(op Operation) {
	resource := op.Metadata.ResourceID
	if resource == "" {
		return
	}
	switch op.Type {
	case OpRecordingStart:
		e.locks[resource] = op.UserID
	case OpRecordingStop:
		if e.locks[resource] == op.UserID {
			delete(e.locks, resource)
		}
	}
}

func (e *Engine) releaseLocksHeldBy(userID string) {
	for resource, holder := range e.locks {
		if holder == userID {
			delete(e.locks, resource)
		}
	}
}

// releaseDependentsLocked re-evaluates waiting operations until none moves.
// It loops instead of recursing so long dependency chains cannot grow the
// stack.
func (e *Engine) releaseDependentsLocked(now time.Time, fx *effects) {
	for {
		progressed := false
		for _, record := range e.log.waiting() {
			ready, failed := e.log.dependencyState(record.op)
			if !ready && failed == "" {
				continue
			}
			e.evaluateLocked(record.op.ID, now, fx)
			if record.op.Status != StatusPending {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// subsumedConflictsLocked returns the other open conflicts of the same type
// whose operations all belong to conflict. Settling conflict settles them.
func (e *Engine) subsumedConflictsLocked(conflict ConflictInfo) []ConflictInfo {
	var subsumed []ConflictInfo
	for id, other := range e.conflicts {
		if id == conflict.ID || other.Type != conflict.Type {
			continue
		}
		covered := true
		for _, operationID := range other.OperationIDs {
			if !conflict.references(operationID) {
				covered = false
				break
			}
		}
		if covered {
			subsumed = append(subsumed, other)
		}
	}
	sortConflicts(subsumed)
	return subsumed
}

// referencedBy keeps the ids in ids that conflict covers, in order.
func referencedBy(conflict ConflictInfo, ids []string) []string {
	var kept []string
	for _, id := range ids {
		if conflict.references(id) {
			kept = append(kept, id)
		}
	}
	return kept
}

func (e *Engine) openConflictsReferencing(operationID string) int {
	count := 0
	for _, conflict := range e.conflicts {
		if conflict.references(operationID) {
			count++
		}
	}
	return count
}

// resolveLocked settles an open conflict against the operations as they are
// now, not as they were when the conflict was detected. Narrower open
// conflicts of the same type close with it so the whole set applies in order.
func (e *Engine) resolveLocked(conflictID string, resolution ConflictResolution, now time.Time, fx *effects) error {
	conflict, ok := e.conflicts[conflictID]
	if !ok {
		return fmt.Errorf("%w: conflict %s", ErrNotFound, conflictID)
	}
	if resolution.Strategy == StrategyManual {
		return nil
	}

	operations := make([]Operation, 0, len(conflict.OperationIDs))
	for _, id := range conflict.OperationIDs {
		if record, known := e.log.get(id); known {
			operations = append(operations, record.op)
		}
	}
	plan := planResolution(resolution.Strategy, operations)

	delete(e.conflicts, conflictID)
	e.resolved[conflictID] = now
	subsumed := e.subsumedConflictsLocked(conflict)
	for _, other := range subsumed {
		delete(e.conflicts, other.ID)
		e.resolved[other.ID] = now
	}

	reason := fmt.Sprintf("%s conflict resolved by %s", conflict.Type, resolution.Strategy)
	var rejected []string
	for _, id := range plan.reject {
		if e.rejectLocked(id, reason, fx) {
			rejected = append(rejected, id)
		}
	}
	var applied []string
	for _, id := range plan.apply {
		record, known := e.log.get(id)
		if !known || record.op.Status != StatusConflicted {
			continue
		}
		if e.openConflictsReferencing(id) > 0 {
			continue
		}
		if e.applyLocked(id, now, fx) {
			applied = append(applied, id)
		}
	}

	e.metrics.resolved++
	fx.emit(ConflictResolved{
		Conflict:   conflict.Clone(),
		Resolution: resolution,
		Order:      plan.order,
		Applied:    applied,
		Rejected:   rejected,
	})
	for _, other := range subsumed {
		e.metrics.resolved++
		fx.emit(ConflictResolved{
			Conflict:   other.Clone(),
			Resolution: resolution,
			Order:      referencedBy(other, plan.order),
			Applied:    referencedBy(other, applied),
			Rejected:   referencedBy(other, rejected),
		})
	}
	e.releaseDependentsLocked(now, fx)
	return nil
}

// ResolveConflict settles conflictID with resolution and tells peers so
// replicas holding the same conflict converge on the same decision. Manual
// leaves the conflict open.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution ConflictResolution) error {
	strategy, err := NewStrategy(string(resolution.Strategy))
	if err != nil {
		return NewServiceError(opResolve, "invalid_strategy", err)
	}
	resolution.Strategy = strategy

	e.mu.Lock()
	fx := &effects{}
	now := e.clock()
	conflict, open := e.conflicts[conflictID]
	if !open {
		remote, known := e.remoteConflicts[conflictID]
		if !known {
			e.mu.Unlock()
			return NewServiceError(opResolve, "unknown_conflict", fmt.Errorf("%w: conflict %s", ErrNotFound, conflictID))
		}
		conflict = remote
		if strategy != StrategyManual {
			delete(e.remoteConflicts, conflictID)
		}
	} else if err := e.resolveLocked(conflictID, resolution, now, fx); err != nil {
		e.mu.Unlock()
		return NewServiceError(opResolve, "resolve_failed", err)
	}
	if strategy != StrategyManual && e.state == StateConnected {
		decision := resolution
		e.queueLocked(fx, transport.KindConflictNotify, ConflictMessage{Conflict: conflict.Clone(), Resolution: &decision}, "")
	}
	e.mu.Unlock()

	e.flush(ctx, fx)
	return nil
}

func (e *Engine) onConflictNotify(envelope transport.Envelope, now time.Time, fx *effects) {
	var message ConflictMessage
	if !e.decodeBody(envelope, &message) {
		return
	}
	conflict := message.Conflict
	if conflict.ID == "" {
		return
	}
	if message.Resolution != nil {
		sender, known := e.users[envelope.SenderID]
		if !envelope.Privileged && (!known || !sender.Permissions.CanEdit) {
			e.logger.Warn("dropping conflict resolution from unauthorised sender", zap.String("sender_id", envelope.SenderID))
			return
		}
		if _, open := e.conflicts[conflict.ID]; open {
			if err := e.resolveLocked(conflict.ID, *message.Resolution, now, fx); err != nil {
				e.logError(opResolve, "remote_resolve_failed", err, zap.String("conflict_id", conflict.ID))
			}
		}
		delete(e.remoteConflicts, conflict.ID)
		return
	}
	if _, open := e.conflicts[conflict.ID]; open {
		return
	}
	if _, settled := e.resolved[conflict.ID]; settled {
		return
	}
	conflict.Remote = true
	e.remoteConflicts[conflict.ID] = conflict.Clone()
}

// housekeep runs on the sync tick: times out stale pending operations,
// marks silent peers away and retries the outbox.
func (e *Engine) housekeep(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateConnected && e.state != StateReconnecting {
		e.mu.Unlock()
		return
	}
	now := e.clock()
	fx := &effects{}
	e.expireLocked(now, fx)
	e.releaseDependentsLocked(now, fx)
	e.markAwayLocked(now, fx)
	e.log.trim(e.settings.MaxOperationQueue)
	retries := e.outboxFramesLocked()
	e.mu.Unlock()

	e.flush(ctx, fx)
	e.retryOutbox(ctx, retries)
}

func (e *Engine) expireLocked(now time.Time, fx *effects) {
	for _, record := range e.log.nonTerminal() {
		if record.op.Status != StatusPending {
			continue
		}
		timeout := e.settings.OperationTimeout
		if record.op.Metadata.TimeoutMs > 0 {
			timeout = time.Duration(record.op.Metadata.TimeoutMs) * time.Millisecond
		}
		waited := now.Sub(record.receivedAt)
		if waited <= timeout {
			continue
		}
		if err := record.op.transition(StatusRejected); err != nil {
			e.logError(opHousekeeping, "illegal_transition", err)
			continue
		}
		e.metrics.timedOut++
		e.logger.Info("operation timed out", zap.String("operation_id", record.op.ID), zap.Duration("waited", waited))
		fx.emit(OperationTimedOut{Operation: record.op.Clone(), Waited: waited})
	}
}

type outboxFrame struct {
	operationID string
	envelope    transport.Envelope
}

func (e *Engine) outboxFramesLocked() []outboxFrame {
	if len(e.outbox) == 0 || e.state != StateConnected {
		return nil
	}
	ids := make([]string, 0, len(e.outbox))
	for id := range e.outbox {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	frames := make([]outboxFrame, 0, len(ids))
	for _, id := range ids {
		record, ok := e.log.get(id)
		if !ok {
			delete(e.outbox, id)
			continue
		}
		wire := record.op.Clone()
		wire.Status = StatusPending
		wire.Conflicts = nil
		fx := &effects{}
		e.queueLocked(fx, transport.KindOperationBroadcast, wire, id)
		for _, frame := range fx.outgoing {
			frames = append(frames, outboxFrame{operationID: id, envelope: frame.envelope})
		}
	}
	return frames
}

func (e *Engine) retryOutbox(ctx context.Context, frames []outboxFrame) {
	for _, frame := range frames {
		err := e.publish(ctx, frame.envelope)
		e.mu.Lock()
		entry, ok := e.outbox[frame.operationID]
		if !ok {
			e.mu.Unlock()
			continue
		}
		if err == nil {
			delete(e.outbox, frame.operationID)
			e.mu.Unlock()
			continue
		}
		entry.attempts++
		attempts := entry.attempts
		exhausted := attempts >= entry.maxRetries
		if exhausted {
			delete(e.outbox, frame.operationID)
		}
		e.mu.Unlock()
		if exhausted {
			e.logError(opPublish, "retries_exhausted", err, zap.String("operation_id", frame.operationID), zap.Int("attempts", attempts))
		}
	}
}

// purge forgets operations, applied ids and settled conflicts older than
// the retention window.
func (e *Engine) purge() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.clock().Add(-e.settings.RetentionWindow)
	removed := e.log.purge(cutoff)
	for id, resolvedAt := range e.resolved {
		if resolvedAt.Before(cutoff) {
			delete(e.resolved, id)
		}
	}
	for id, conflict := range e.remoteConflicts {
		if conflict.DetectedAt.Before(cutoff) {
			delete(e.remoteConflicts, id)
		}
	}
	if removed > 0 {
		e.logger.Debug("purged operations", zap.Int("count", removed))
	}
}

// Conflicts returns open conflicts, local ones first, each group ordered by
// detection time.
func (e *Engine) Conflicts() []ConflictInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	local := make([]ConflictInfo, 0, len(e.conflicts))
	for _, conflict := range e.conflicts {
		local = append(local, conflict.Clone())
	}
	remote := make([]ConflictInfo, 0, len(e.remoteConflicts))
	for _, conflict := range e.remoteConflicts {
		remote = append(remote, conflict.Clone())
	}
	byDetection := func(list []ConflictInfo) {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].DetectedAt.Equal(list[j].DetectedAt) {
				return list[i].DetectedAt.Before(list[j].DetectedAt)
			}
			return list[i].ID < list[j].ID
		})
	}
	byDetection(local)
	byDetection(remote)
	return append(local, remote...)
}

// PendingOperations returns operations not yet applied or rejected, ordered
// by timestamp.
func (e *Engine) PendingOperations() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	records := e.log.nonTerminal()
	result := make([]Operation, 0, len(records))
	for _, record := range records {
		result = append(result, record.op.Clone())
	}
	sortOperations(result)
	return result
}

// Operation returns the logged operation with id.
func (e *Engine) Operation(id string) (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.log.get(id)
	if !ok {
		return Operation{}, false
	}
	return record.op.Clone(), true
}

// IsApplied reports whether id is in the applied set.
func (e *Engine) IsApplied(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.isApplied(id)
}
