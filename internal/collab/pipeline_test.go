package collab

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/transport"
)

func newPipelineEngine(t *testing.T, mode ConflictMode, clock *manualClock) (*Engine, *eventRecorder) {
	t.Helper()
	bus := transport.NewMemoryBus(16)
	engine, recorder := newTestEngine(t, bus, testUser("local", RoleEditor), func(cfg *Config) {
		cfg.ConflictMode = mode
		cfg.Clock = clock.Now
	})
	admit(engine, testUser("alice", RoleEditor))
	admit(engine, testUser("bob", RoleEditor))
	admit(engine, testUser("vera", RoleViewer))
	return engine, recorder
}

func TestRedeliveredOperationIsAppliedOnce(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)
	op := remoteOperation("op-1", "alice", OpTrackUpdate, clock.Now(), "track-1", "gain")

	deliver(engine, op)
	deliver(engine, op)
	deliver(engine, op)

	if got := recorder.count(EventOperationApplied); got != 1 {
		t.Fatalf("expected exactly one apply, got %d", got)
	}
	if !engine.IsApplied("op-1") {
		t.Fatalf("expected op-1 in the applied set")
	}
	metrics := engine.Metrics()
	if metrics.OperationsReceived != 1 || metrics.OperationsApplied != 1 || metrics.OperationsProcessed != 1 {
		t.Fatalf("redelivery should not move metrics: %+v", metrics)
	}
	if metrics.OperationsPerSecond != 1 {
		t.Fatalf("expected one operation in the throughput window, got %v", metrics.OperationsPerSecond)
	}
}

func TestConcurrentEditsConvergeRegardlessOfArrivalOrder(t *testing.T) {
	clockA := newManualClock()
	clockB := newManualClock()
	engineA, recorderA := newPipelineEngine(t, ConflictModeAuto, clockA)
	engineB, recorderB := newPipelineEngine(t, ConflictModeAuto, clockB)

	first := remoteOperation("op-a", "alice", OpClipUpdate, testEpoch, "track-1", "clip-7")
	second := remoteOperation("op-b", "bob", OpClipUpdate, testEpoch.Add(10*time.Millisecond), "track-1", "clip-7")

	deliver(engineA, first)
	deliver(engineA, second)
	deliver(engineB, second)
	deliver(engineB, first)

	resolvedA := recorderA.ofKind(EventConflictResolved)
	resolvedB := recorderB.ofKind(EventConflictResolved)
	if len(resolvedA) != 1 || len(resolvedB) != 1 {
		t.Fatalf("expected one resolution per replica, got %d and %d", len(resolvedA), len(resolvedB))
	}
	left := resolvedA[0].(ConflictResolved)
	right := resolvedB[0].(ConflictResolved)
	if left.Conflict.ID != right.Conflict.ID {
		t.Fatalf("replicas derived different conflict ids: %s vs %s", left.Conflict.ID, right.Conflict.ID)
	}
	if left.Conflict.Type != ConflictConcurrentEdit || left.Resolution.Strategy != StrategyMerge {
		t.Fatalf("unexpected resolution: %+v", left)
	}
	expectedOrder := []string{"op-a", "op-b"}
	if !reflect.DeepEqual(left.Order, expectedOrder) || !reflect.DeepEqual(right.Order, expectedOrder) {
		t.Fatalf("expected order %v on both replicas, got %v and %v", expectedOrder, left.Order, right.Order)
	}
	for _, engine := range []*Engine{engineA, engineB} {
		if !engine.IsApplied("op-a") || !engine.IsApplied("op-b") {
			t.Fatalf("expected both operations applied after merge")
		}
		if len(engine.Conflicts()) != 0 {
			t.Fatalf("expected no open conflicts")
		}
	}
	metrics := engineA.Metrics()
	if metrics.ConflictsDetected != 1 || metrics.ConflictsResolved != 1 {
		t.Fatalf("unexpected conflict counters: %+v", metrics)
	}
	if metrics.ConflictRate != 0.5 {
		t.Fatalf("expected conflict rate 0.5, got %v", metrics.ConflictRate)
	}
}

func TestEditsOnDifferentElementsDoNotConflict(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)

	deliver(engine, remoteOperation("op-1", "alice", OpClipUpdate, testEpoch, "track-1", "clip-1"))
	deliver(engine, remoteOperation("op-2", "bob", OpClipUpdate, testEpoch, "track-1", "clip-2"))
	deliver(engine, remoteOperation("op-3", "bob", OpClipUpdate, testEpoch.Add(2*time.Second), "track-1", "clip-1"))

	if got := recorder.count(EventConflictDetected); got != 0 {
		t.Fatalf("expected no conflicts, got %d", got)
	}
	if got := recorder.count(EventOperationApplied); got != 3 {
		t.Fatalf("expected three applies, got %d", got)
	}
}

func TestPermissionDeniedOperationIsRejected(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)

	deliver(engine, remoteOperation("op-viewer", "vera", OpTrackDelete, testEpoch, "track-1", ""))
	deliver(engine, remoteOperation("op-ghost", "ghost", OpCommentAdd, testEpoch, "", ""))

	rejected := recorder.ofKind(EventOperationRejected)
	if len(rejected) != 2 {
		t.Fatalf("expected two rejections, got %d", len(rejected))
	}
	detected := recorder.ofKind(EventConflictDetected)
	if len(detected) != 2 {
		t.Fatalf("expected two conflicts, got %d", len(detected))
	}
	for _, event := range detected {
		conflict := event.(ConflictDetected)
		if conflict.Conflict.Type != ConflictPermissionDenied || conflict.Strategy != StrategyReject {
			t.Fatalf("unexpected conflict: %+v", conflict)
		}
	}
	op, ok := engine.Operation("op-viewer")
	if !ok || op.Status != StatusRejected {
		t.Fatalf("expected op-viewer rejected, got %+v", op)
	}
	if engine.IsApplied("op-viewer") || engine.IsApplied("op-ghost") {
		t.Fatalf("rejected operations must not be applied")
	}
}

func TestViewerMayComment(t *testing.T) {
	clock := newManualClock()
	engine, _ := newPipelineEngine(t, ConflictModeAuto, clock)

	deliver(engine, remoteOperation("op-comment", "vera", OpCommentAdd, testEpoch, "track-1", ""))

	if !engine.IsApplied("op-comment") {
		t.Fatalf("expected viewer comment to apply")
	}
}

func TestManualModeWaitsForExplicitResolution(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeManual, clock)

	deliver(engine, remoteOperation("op-1", "alice", OpMixVolume, testEpoch, "bus-1", "fader"))
	deliver(engine, remoteOperation("op-2", "bob", OpMixVolume, testEpoch.Add(5*time.Millisecond), "bus-1", "fader"))

	conflicts := engine.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected one open conflict, got %d", len(conflicts))
	}
	detected := recorder.ofKind(EventConflictDetected)
	if len(detected) != 1 || detected[0].(ConflictDetected).Strategy != StrategyManual {
		t.Fatalf("expected manual strategy to be announced")
	}
	pending := engine.PendingOperations()
	if len(pending) != 1 || pending[0].ID != "op-2" || pending[0].Status != StatusConflicted {
		t.Fatalf("expected op-2 conflicted, got %+v", pending)
	}

	if err := engine.ResolveConflict(context.Background(), conflicts[0].ID, ConflictResolution{Strategy: StrategyManual}); err != nil {
		t.Fatalf("unexpected manual resolve error: %v", err)
	}
	if len(engine.Conflicts()) != 1 {
		t.Fatalf("manual resolution must leave the conflict open")
	}

	if err := engine.ResolveConflict(context.Background(), conflicts[0].ID, ConflictResolution{Strategy: StrategyReject, Rationale: "keep the original level"}); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if len(engine.Conflicts()) != 0 {
		t.Fatalf("expected conflict to close")
	}
	op, _ := engine.Operation("op-2")
	if op.Status != StatusRejected {
		t.Fatalf("expected op-2 rejected, got %s", op.Status)
	}
	if !engine.IsApplied("op-1") {
		t.Fatalf("reject leaves already applied operations alone")
	}
	resolved := recorder.ofKind(EventConflictResolved)
	if len(resolved) != 1 {
		t.Fatalf("expected one resolution event, got %d", len(resolved))
	}
	if got := resolved[0].(ConflictResolved).Rejected; !reflect.DeepEqual(got, []string{"op-2"}) {
		t.Fatalf("unexpected rejected set %v", got)
	}
}

func TestResolveConflictUnknownID(t *testing.T) {
	clock := newManualClock()
	engine, _ := newPipelineEngine(t, ConflictModeAuto, clock)

	err := engine.ResolveConflict(context.Background(), "missing", ConflictResolution{Strategy: StrategyMerge})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	err = engine.ResolveConflict(context.Background(), "missing", ConflictResolution{Strategy: "coin-flip"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOverwriteKeepsLatestPendingOperation(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeManual, clock)

	deliver(engine, remoteOperation("op-1", "alice", OpClipMove, testEpoch, "track-2", "clip-1"))
	deliver(engine, remoteOperation("op-2", "bob", OpClipMove, testEpoch.Add(10*time.Millisecond), "track-2", "clip-1"))
	deliver(engine, remoteOperation("op-3", "alice", OpClipMove, testEpoch.Add(20*time.Millisecond), "track-2", "clip-1"))

	var wide ConflictInfo
	for _, conflict := range engine.Conflicts() {
		if len(conflict.OperationIDs) == 3 {
			wide = conflict
		}
	}
	if wide.ID == "" {
		t.Fatalf("expected a conflict spanning all three operations")
	}
	if err := engine.ResolveConflict(context.Background(), wide.ID, ConflictResolution{Strategy: StrategyOverwrite}); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	resolved := recorder.ofKind(EventConflictResolved)
	if len(resolved) != 2 {
		t.Fatalf("expected the wide conflict and its narrower twin resolved, got %d", len(resolved))
	}
	outcome := resolved[0].(ConflictResolved)
	if !reflect.DeepEqual(outcome.Order, []string{"op-1", "op-2", "op-3"}) {
		t.Fatalf("unexpected order %v", outcome.Order)
	}
	if !reflect.DeepEqual(outcome.Applied, []string{"op-3"}) || !reflect.DeepEqual(outcome.Rejected, []string{"op-2"}) {
		t.Fatalf("unexpected outcome applied=%v rejected=%v", outcome.Applied, outcome.Rejected)
	}
	narrow := resolved[1].(ConflictResolved)
	if !reflect.DeepEqual(narrow.Order, []string{"op-1", "op-2"}) || !reflect.DeepEqual(narrow.Rejected, []string{"op-2"}) {
		t.Fatalf("unexpected narrow outcome order=%v rejected=%v", narrow.Order, narrow.Rejected)
	}
	if open := engine.Conflicts(); len(open) != 0 {
		t.Fatalf("expected no open conflicts, got %+v", open)
	}
}

func TestMergeOfOverlappingConflictsAppliesWholeSetInOrder(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeManual, clock)

	deliver(engine, remoteOperation("op-1", "alice", OpClipMove, testEpoch, "track-2", "clip-1"))
	deliver(engine, remoteOperation("op-2", "bob", OpClipMove, testEpoch.Add(10*time.Millisecond), "track-2", "clip-1"))
	deliver(engine, remoteOperation("op-3", "alice", OpClipMove, testEpoch.Add(20*time.Millisecond), "track-2", "clip-1"))

	conflicts := engine.Conflicts()
	if len(conflicts) != 2 {
		t.Fatalf("expected a narrow and a wide conflict, got %d", len(conflicts))
	}
	var wide ConflictInfo
	for _, conflict := range conflicts {
		if len(conflict.OperationIDs) == 3 {
			wide = conflict
		}
	}
	if wide.ID == "" {
		t.Fatalf("expected a conflict spanning all three operations")
	}
	if err := engine.ResolveConflict(context.Background(), wide.ID, ConflictResolution{Strategy: StrategyMerge}); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	var order []string
	for _, event := range recorder.ofKind(EventOperationApplied) {
		order = append(order, event.(OperationApplied).Operation.ID)
	}
	if !reflect.DeepEqual(order, []string{"op-1", "op-2", "op-3"}) {
		t.Fatalf("expected ascending apply order, got %v", order)
	}
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		if !engine.IsApplied(id) {
			t.Fatalf("expected %s applied", id)
		}
	}
	if open := engine.Conflicts(); len(open) != 0 {
		t.Fatalf("expected every overlapping conflict closed, got %+v", open)
	}
	if got := engine.Metrics().ConflictsResolved; got != 2 {
		t.Fatalf("expected both conflicts counted as resolved, got %d", got)
	}
}

func TestOperationWaitsForDependencies(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)

	child := remoteOperation("op-child", "alice", OpClipCreate, testEpoch.Add(time.Millisecond), "track-9", "clip-2")
	child.Dependencies = []string{"op-parent"}
	deliver(engine, child)

	if engine.IsApplied("op-child") {
		t.Fatalf("child must wait for its dependency")
	}
	if len(engine.PendingOperations()) != 1 {
		t.Fatalf("expected child pending")
	}

	deliver(engine, remoteOperation("op-parent", "alice", OpTrackCreate, testEpoch, "track-9", ""))

	applied := recorder.ofKind(EventOperationApplied)
	if len(applied) != 2 {
		t.Fatalf("expected both applied, got %d", len(applied))
	}
	if applied[0].(OperationApplied).Operation.ID != "op-parent" || applied[1].(OperationApplied).Operation.ID != "op-child" {
		t.Fatalf("dependency must apply first")
	}
}

func TestLongDependencyChainReleasesIteratively(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)

	const depth = 200
	for index := depth; index >= 1; index-- {
		op := remoteOperation(chainID(index), "alice", OpCommentAdd, testEpoch.Add(time.Duration(index)*time.Second), "", "")
		op.Dependencies = []string{chainID(index - 1)}
		deliver(engine, op)
	}
	deliver(engine, remoteOperation(chainID(0), "alice", OpCommentAdd, testEpoch, "", ""))

	if got := recorder.count(EventOperationApplied); got != depth+1 {
		t.Fatalf("expected %d applies, got %d", depth+1, got)
	}
}

func chainID(index int) string {
	return "chain-" + strconv.Itoa(index)
}

func TestDependencyOnRejectedOperationRaisesVersionMismatch(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)

	deliver(engine, remoteOperation("op-denied", "vera", OpTrackCreate, testEpoch, "track-3", ""))
	child := remoteOperation("op-child", "alice", OpClipCreate, testEpoch.Add(time.Millisecond), "track-3", "clip-1")
	child.Dependencies = []string{"op-denied"}
	deliver(engine, child)

	conflicts := engine.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Type != ConflictVersionMismatch {
		t.Fatalf("expected open version mismatch, got %+v", conflicts)
	}
	op, _ := engine.Operation("op-child")
	if op.Status != StatusConflicted {
		t.Fatalf("expected child conflicted, got %s", op.Status)
	}
	if recorder.count(EventConflictResolved) != 1 {
		t.Fatalf("only the permission conflict should auto-resolve")
	}
}

func TestRecordingLockBlocksOtherUsers(t *testing.T) {
	clock := newManualClock()
	engine, _ := newPipelineEngine(t, ConflictModeAuto, clock)

	deliver(engine, remoteOperation("op-rec", "alice", OpRecordingStart, testEpoch, "track-4", ""))
	deliver(engine, remoteOperation("op-edit", "bob", OpTrackUpdate, testEpoch.Add(5*time.Second), "track-4", ""))

	conflicts := engine.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Type != ConflictResourceLocked {
		t.Fatalf("expected resource locked conflict, got %+v", conflicts)
	}

	deliver(engine, remoteOperation("op-stop", "alice", OpRecordingStop, testEpoch.Add(10*time.Second), "track-4", ""))
	deliver(engine, remoteOperation("op-edit-2", "bob", OpTrackUpdate, testEpoch.Add(15*time.Second), "track-4", ""))
	if !engine.IsApplied("op-edit-2") {
		t.Fatalf("expected edit after recording stop to apply")
	}
}

func TestWithResolverRegistersAutomaticStrategy(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)
	engine.WithResolver(ConflictResourceLocked, StrategyReject)

	deliver(engine, remoteOperation("op-rec", "alice", OpRecordingStart, testEpoch, "track-4", ""))
	deliver(engine, remoteOperation("op-edit", "bob", OpTrackUpdate, testEpoch.Add(5*time.Second), "track-4", ""))

	detected := recorder.ofKind(EventConflictDetected)
	if len(detected) != 1 || detected[0].(ConflictDetected).Strategy != StrategyReject {
		t.Fatalf("expected the locked conflict announced with reject, got %+v", detected)
	}
	if open := engine.Conflicts(); len(open) != 0 {
		t.Fatalf("expected the locked conflict resolved automatically, got %+v", open)
	}
	op, _ := engine.Operation("op-edit")
	if op.Status != StatusRejected {
		t.Fatalf("expected op-edit rejected, got %s", op.Status)
	}
}

func TestWithResolverManualUnregistersStrategy(t *testing.T) {
	clock := newManualClock()
	engine, _ := newPipelineEngine(t, ConflictModeAuto, clock)
	engine.WithResolver(ConflictConcurrentEdit, StrategyManual)

	deliver(engine, remoteOperation("op-1", "alice", OpMixVolume, testEpoch, "bus-1", "fader"))
	deliver(engine, remoteOperation("op-2", "bob", OpMixVolume, testEpoch.Add(5*time.Millisecond), "bus-1", "fader"))

	open := engine.Conflicts()
	if len(open) != 1 || open[0].Type != ConflictConcurrentEdit {
		t.Fatalf("expected the concurrent edit left open, got %+v", open)
	}
	if engine.IsApplied("op-2") {
		t.Fatalf("op-2 must wait for an explicit decision")
	}
}

func TestPendingOperationTimesOut(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)

	waiting := remoteOperation("op-waiting", "alice", OpClipCreate, testEpoch, "track-1", "")
	waiting.Dependencies = []string{"op-never"}
	deliver(engine, waiting)

	expire := func() {
		engine.mu.Lock()
		fx := &effects{}
		engine.expireLocked(clock.Now(), fx)
		engine.mu.Unlock()
		engine.flush(context.Background(), fx)
	}

	clock.Advance(4 * time.Second)
	expire()
	if recorder.count(EventOperationTimedOut) != 0 {
		t.Fatalf("operation expired too early")
	}

	clock.Advance(2 * time.Second)
	expire()
	timedOut := recorder.ofKind(EventOperationTimedOut)
	if len(timedOut) != 1 {
		t.Fatalf("expected one timeout, got %d", len(timedOut))
	}
	if waited := timedOut[0].(OperationTimedOut).Waited; waited != 6*time.Second {
		t.Fatalf("unexpected wait %v", waited)
	}
	if engine.Metrics().OperationsTimedOut != 1 {
		t.Fatalf("expected timeout metric")
	}

	deliver(engine, waiting)
	if recorder.count(EventOperationApplied) != 0 {
		t.Fatalf("expired operation must not be revived by redelivery")
	}
}

func TestPurgeForgetsOldAppliedOperations(t *testing.T) {
	clock := newManualClock()
	engine, recorder := newPipelineEngine(t, ConflictModeAuto, clock)

	op := remoteOperation("op-old", "alice", OpCommentAdd, testEpoch, "", "")
	deliver(engine, op)
	clock.Advance(25 * time.Hour)
	engine.purge()

	if engine.IsApplied("op-old") {
		t.Fatalf("expected applied id purged after retention")
	}
	if _, ok := engine.Operation("op-old"); ok {
		t.Fatalf("expected record purged after retention")
	}
	if recorder.count(EventOperationApplied) != 1 {
		t.Fatalf("unexpected apply count")
	}
}

func TestSendOperationGuards(t *testing.T) {
	bus := transport.NewMemoryBus(16)
	clock := newManualClock()
	engine, _ := newTestEngine(t, bus, testUser("editor", RoleEditor), func(cfg *Config) {
		cfg.Clock = clock.Now
		cfg.Settings.MaxOperationQueue = 1
	})
	ctx := context.Background()
	draft := OperationDraft{Type: OpTrackUpdate, Metadata: OperationMetadata{ResourceID: "track-1"}}

	if _, err := engine.SendOperation(ctx, draft); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	mustConnect(t, engine)

	if _, err := engine.SendOperation(ctx, OperationDraft{Type: "track.explode"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := engine.SendOperation(ctx, OperationDraft{Type: OpClipCreate, Dependencies: []string{"unknown"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unmet dependency error, got %v", err)
	}
	if _, err := engine.SendOperation(ctx, OperationDraft{Type: OpProjectUpdate, Payload: []byte(`{"bpm":`)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}

	id, err := engine.SendOperation(ctx, draft)
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if !engine.IsApplied(id) {
		t.Fatalf("local operations apply optimistically")
	}

	admit(engine, testUser("alice", RoleEditor))
	waiting := remoteOperation("op-waiting", "alice", OpClipCreate, clock.Now(), "track-1", "")
	waiting.Dependencies = []string{"op-never"}
	deliver(engine, waiting)
	if _, err := engine.SendOperation(ctx, draft); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestSendOperationChecksLocalPermissions(t *testing.T) {
	bus := transport.NewMemoryBus(16)
	engine, _ := newTestEngine(t, bus, testUser("viewer", RoleViewer), nil)
	mustConnect(t, engine)

	_, err := engine.SendOperation(context.Background(), OperationDraft{Type: OpTrackDelete})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if Code(err) != "collab.send_operation.permission_denied" {
		t.Fatalf("unexpected code %q", Code(err))
	}
	if _, err := engine.SendOperation(context.Background(), OperationDraft{Type: OpCommentAdd}); err != nil {
		t.Fatalf("viewer should comment: %v", err)
	}
}

func TestObserverCannotSendOperations(t *testing.T) {
	bus := transport.NewMemoryBus(16)
	engine, _ := newTestEngine(t, bus, testUser("watcher", RoleViewer), func(cfg *Config) {
		cfg.Observer = true
	})
	mustConnect(t, engine)

	if _, err := engine.SendOperation(context.Background(), OperationDraft{Type: OpCommentAdd}); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
	if _, err := engine.UpdatePresence(context.Background(), PresencePatch{}); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
}
