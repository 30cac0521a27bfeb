package collab

import (
	"fmt"
	"strings"
)

// ConflictMode selects the default resolver registry.
type ConflictMode string

const (
	// ConflictModeAuto merges concurrent edits and rejects denied operations.
	ConflictModeAuto ConflictMode = "auto"
	// ConflictModeOverwrite keeps the latest of concurrent edits.
	ConflictModeOverwrite ConflictMode = "overwrite"
	// ConflictModeManual leaves concurrent edits for an explicit decision.
	ConflictModeManual ConflictMode = "manual"
)

// NewConflictMode validates raw input and returns a ConflictMode.
func NewConflictMode(rawInput string) (ConflictMode, error) {
	mode := ConflictMode(strings.ToLower(strings.TrimSpace(rawInput)))
	switch mode {
	case ConflictModeAuto, ConflictModeOverwrite, ConflictModeManual:
		return mode, nil
	case "":
		return ConflictModeAuto, nil
	default:
		return "", fmt.Errorf("%w: unknown conflict mode %q", ErrValidation, rawInput)
	}
}

// ResolverRegistry maps conflict types to automatic strategies. It is a
// value: With returns a new registry and leaves the receiver untouched.
type ResolverRegistry struct {
	strategies map[ConflictType]Strategy
}

// NewResolverRegistry returns the registry for mode. Permission denials are
// always rejected.
func NewResolverRegistry(mode ConflictMode) ResolverRegistry {
	registry := ResolverRegistry{}.With(ConflictPermissionDenied, StrategyReject)
	switch mode {
	case ConflictModeOverwrite:
		return registry.With(ConflictConcurrentEdit, StrategyOverwrite)
	case ConflictModeManual:
		return registry
	default:
		return registry.With(ConflictConcurrentEdit, StrategyMerge)
	}
}

// With returns a copy of r with kind mapped to strategy. Mapping to manual
// unregisters the type.
func (r ResolverRegistry) With(kind ConflictType, strategy Strategy) ResolverRegistry {
	next := make(map[ConflictType]Strategy, len(r.strategies)+1)
	for existing, value := range r.strategies {
		next[existing] = value
	}
	if strategy == StrategyManual {
		delete(next, kind)
	} else {
		next[kind] = strategy
	}
	return ResolverRegistry{strategies: next}
}

// StrategyFor returns the automatic strategy for kind, or manual.
func (r ResolverRegistry) StrategyFor(kind ConflictType) Strategy {
	if strategy, ok := r.strategies[kind]; ok {
		return strategy
	}
	return StrategyManual
}

// resolutionPlan lists what a strategy does to a conflicting set, in order.
type resolutionPlan struct {
	apply  []string
	reject []string
	order  []string
}

// planResolution decides the outcome of strategy over operations. The result
// depends only on the operations' timestamps, ids and statuses.
func planResolution(strategy Strategy, operations []Operation) resolutionPlan {
	sorted := make([]Operation, len(operations))
	copy(sorted, operations)
	sortOperations(sorted)

	plan := resolutionPlan{order: make([]string, 0, len(sorted))}
	for _, op := range sorted {
		plan.order = append(plan.order, op.ID)
	}

	switch strategy {
	case StrategyMerge:
		for _, op := range sorted {
			if !op.Status.Terminal() {
				plan.apply = append(plan.apply, op.ID)
			}
		}
	case StrategyOverwrite:
		if len(sorted) == 0 {
			return plan
		}
		winner := sorted[len(sorted)-1]
		for _, op := range sorted[:len(sorted)-1] {
			if !op.Status.Terminal() {
				plan.reject = append(plan.reject, op.ID)
			}
		}
		if !winner.Status.Terminal() {
			plan.apply = append(plan.apply, winner.ID)
		}
	case StrategyReject:
		for _, op := range sorted {
			if !op.Status.Terminal() {
				plan.reject = append(plan.reject, op.ID)
			}
		}
	}
	return plan
}
