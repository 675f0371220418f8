package keepsake

import (
	"encoding/json"
	"fmt"
)

// ConflictStrategy selects how concurrent versions of an entity are decided.
type ConflictStrategy string

const (
	// StrategyCausalOrdering re-checks happens-before, then falls back to
	// last-write-wins for genuinely concurrent versions.
	StrategyCausalOrdering ConflictStrategy = "causal_ordering"
	// StrategyLastWriteWins picks the newer timestamp; exact ties break on
	// the lexicographically greater device id so the outcome is symmetric.
	StrategyLastWriteWins ConflictStrategy = "last_write_wins"
	// StrategyDevicePriority picks the device ranked higher in a configured
	// priority list; absent devices rank last.
	StrategyDevicePriority ConflictStrategy = "device_priority"
	// StrategyMerge structurally merges both payloads.
	StrategyMerge ConflictStrategy = "merge"
	// StrategyManual always defers to the user.
	StrategyManual ConflictStrategy = "manual"
)

// OutcomeKind classifies the result of Resolve.
type OutcomeKind int

const (
	// OutcomeNoConflict means one version causally supersedes the other.
	OutcomeNoConflict OutcomeKind = iota
	// OutcomeResolved means the configured strategy picked a winner.
	OutcomeResolved
	// OutcomeUnresolvable means user action is required.
	OutcomeUnresolvable
)

// Outcome is the result of resolving two versions of an entity.
type Outcome struct {
	Kind     OutcomeKind
	Winner   *VersionedEntity
	Loser    *VersionedEntity
	Strategy ConflictStrategy
	Reason   string
}

// ConflictResolver decides between two versions of the same entity. It is a
// pure decision function: it never mutates stored state.
type ConflictResolver struct {
	strategy ConflictStrategy

	// devicePriority ranks device ids for StrategyDevicePriority; lower
	// index means higher priority.
	devicePriority []string
}

// NewConflictResolver creates a resolver with the given strategy.
func NewConflictResolver(strategy ConflictStrategy) *ConflictResolver {
	return &ConflictResolver{strategy: strategy}
}

// SetDevicePriority configures the ranking used by StrategyDevicePriority.
func (cr *ConflictResolver) SetDevicePriority(deviceIDs []string) {
	cr.devicePriority = append([]string(nil), deviceIDs...)
}

// Resolve decides between a local and a remote version. If one version
// causally supersedes the other the result is OutcomeNoConflict; otherwise
// the versions are concurrent and the configured strategy applies.
func (cr *ConflictResolver) Resolve(local, remote *VersionedEntity) (*Outcome, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("resolve: both versions are required")
	}

	if happensBeforeCounters(local.VectorClock, remote.VectorClock) ||
		happensBeforeCounters(remote.VectorClock, local.VectorClock) {
		return &Outcome{Kind: OutcomeNoConflict}, nil
	}

	switch cr.strategy {
	case StrategyCausalOrdering:
		// Concurrent at this point; causal ordering degrades to LWW.
		return cr.lastWriteWins(local, remote), nil
	case StrategyDevicePriority:
		return cr.byDevicePriority(local, remote), nil
	case StrategyMerge:
		return cr.structuralMerge(local, remote)
	case StrategyManual:
		return &Outcome{
			Kind:     OutcomeUnresolvable,
			Strategy: StrategyManual,
			Reason:   "manual resolution required",
		}, nil
	default:
		return cr.lastWriteWins(local, remote), nil
	}
}

func (cr *ConflictResolver) lastWriteWins(local, remote *VersionedEntity) *Outcome {
	winner, loser := local, remote
	if remote.Timestamp.After(local.Timestamp) {
		winner, loser = remote, local
	} else if remote.Timestamp.Equal(local.Timestamp) && remote.DeviceID > local.DeviceID {
		// Deterministic tiebreak independent of argument order.
		winner, loser = remote, local
	}
	return &Outcome{
		Kind:     OutcomeResolved,
		Winner:   winner,
		Loser:    loser,
		Strategy: StrategyLastWriteWins,
	}
}

func (cr *ConflictResolver) byDevicePriority(local, remote *VersionedEntity) *Outcome {
	localRank := cr.priorityRank(local.DeviceID)
	remoteRank := cr.priorityRank(remote.DeviceID)

	winner, loser := local, remote
	if remoteRank < localRank {
		winner, loser = remote, local
	} else if remoteRank == localRank && remote.DeviceID > local.DeviceID {
		winner, loser = remote, local
	}
	return &Outcome{
		Kind:     OutcomeResolved,
		Winner:   winner,
		Loser:    loser,
		Strategy: StrategyDevicePriority,
	}
}

func (cr *ConflictResolver) priorityRank(deviceID string) int {
	for i, id := range cr.devicePriority {
		if id == deviceID {
			return i
		}
	}
	return len(cr.devicePriority)
}

func (cr *ConflictResolver) structuralMerge(local, remote *VersionedEntity) (*Outcome, error) {
	merged, err := MergePayloads(local.Data, remote.Data)
	if err != nil {
		return &Outcome{
			Kind:     OutcomeUnresolvable,
			Strategy: StrategyMerge,
			Reason:   fmt.Sprintf("structural merge failed: %v", err),
		}, nil
	}

	// The merged result carries the newer of the two timestamps.
	result := &VersionedEntity{
		ID:        local.ID,
		Data:      merged,
		Timestamp: local.Timestamp,
		DeviceID:  local.DeviceID,
	}
	if remote.Timestamp.After(local.Timestamp) {
		result.Timestamp = remote.Timestamp
		result.DeviceID = remote.DeviceID
	}
	result.VectorClock = mergedCounters(local.VectorClock, remote.VectorClock)

	return &Outcome{
		Kind:     OutcomeResolved,
		Winner:   result,
		Loser:    nil,
		Strategy: StrategyMerge,
	}, nil
}

func mergedCounters(a, b map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// ClassifyConflict derives the conflict type from the operation pair.
func ClassifyConflict(localDeleted bool, remoteOp DeltaOperation) ConflictType {
	switch {
	case localDeleted && remoteOp != DeltaDelete:
		return ConflictDeleteUpdate
	case !localDeleted && remoteOp == DeltaDelete:
		return ConflictUpdateDelete
	default:
		return ConflictUpdateUpdate
	}
}

// MergePayloads structurally merges two opaque JSON payloads. Both payloads
// must decode as JSON; the merged document is re-encoded.
func MergePayloads(local, remote []byte) ([]byte, error) {
	var lv, rv any
	if err := json.Unmarshal(local, &lv); err != nil {
		return nil, fmt.Errorf("local payload: %w", err)
	}
	if err := json.Unmarshal(remote, &rv); err != nil {
		return nil, fmt.Errorf("remote payload: %w", err)
	}
	return json.Marshal(mergeValues(lv, rv))
}
