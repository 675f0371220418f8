package keepsake

import (
	"testing"
	"time"
)

func entityAt(deviceID string, ts time.Time, clock map[string]uint64) *VersionedEntity {
	return &VersionedEntity{
		ID:          "note-1",
		Data:        []byte(`{"title":"hello"}`),
		VectorClock: clock,
		Timestamp:   ts,
		DeviceID:    deviceID,
	}
}

func TestResolveCausallyOrderedIsNoConflict(t *testing.T) {
	cr := NewConflictResolver(StrategyLastWriteWins)
	now := time.Now()

	local := entityAt("laptop", now, map[string]uint64{"laptop": 1})
	remote := entityAt("phone", now.Add(time.Minute), map[string]uint64{"laptop": 1, "phone": 1})

	outcome, err := cr.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Kind != OutcomeNoConflict {
		t.Errorf("Expected OutcomeNoConflict for ordered versions, got %v", outcome.Kind)
	}
}

func TestResolveLastWriteWins(t *testing.T) {
	cr := NewConflictResolver(StrategyLastWriteWins)
	now := time.Now()

	local := entityAt("laptop", now, map[string]uint64{"laptop": 2, "phone": 1})
	remote := entityAt("phone", now.Add(time.Second), map[string]uint64{"laptop": 1, "phone": 2})

	outcome, err := cr.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Kind != OutcomeResolved {
		t.Fatalf("Expected OutcomeResolved, got %v", outcome.Kind)
	}
	if outcome.Winner.DeviceID != "phone" {
		t.Errorf("Expected newer write from phone to win, winner = %s", outcome.Winner.DeviceID)
	}
	if outcome.Loser.DeviceID != "laptop" {
		t.Errorf("Expected laptop as loser, got %s", outcome.Loser.DeviceID)
	}
}

func TestResolveLastWriteWinsSymmetric(t *testing.T) {
	// Exact timestamp tie: both devices must pick the same winner
	// regardless of which side is local.
	cr := NewConflictResolver(StrategyLastWriteWins)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := entityAt("laptop", ts, map[string]uint64{"laptop": 2, "phone": 1})
	b := entityAt("phone", ts, map[string]uint64{"laptop": 1, "phone": 2})

	fromA, err := cr.Resolve(a, b)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	fromB, err := cr.Resolve(b, a)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if fromA.Winner.DeviceID != fromB.Winner.DeviceID {
		t.Errorf("Winner differs by argument order: %s vs %s",
			fromA.Winner.DeviceID, fromB.Winner.DeviceID)
	}
	if fromA.Winner.DeviceID != "phone" {
		t.Errorf("Expected lexicographically greater device id to win ties, got %s", fromA.Winner.DeviceID)
	}
}

func TestResolveCausalOrderingFallsBackToLWW(t *testing.T) {
	cr := NewConflictResolver(StrategyCausalOrdering)
	now := time.Now()

	local := entityAt("laptop", now.Add(time.Second), map[string]uint64{"laptop": 2, "phone": 1})
	remote := entityAt("phone", now, map[string]uint64{"laptop": 1, "phone": 2})

	outcome, err := cr.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Kind != OutcomeResolved {
		t.Fatalf("Expected OutcomeResolved, got %v", outcome.Kind)
	}
	if outcome.Strategy != StrategyLastWriteWins {
		t.Errorf("Expected fallback to last_write_wins, got %s", outcome.Strategy)
	}
	if outcome.Winner.DeviceID != "laptop" {
		t.Errorf("Expected laptop (newer) to win, got %s", outcome.Winner.DeviceID)
	}
}

func TestResolveDevicePriority(t *testing.T) {
	cr := NewConflictResolver(StrategyDevicePriority)
	cr.SetDevicePriority([]string{"phone", "laptop"})
	now := time.Now()

	// Laptop wrote later but phone ranks higher.
	local := entityAt("laptop", now.Add(time.Hour), map[string]uint64{"laptop": 2, "phone": 1})
	remote := entityAt("phone", now, map[string]uint64{"laptop": 1, "phone": 2})

	outcome, err := cr.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Winner.DeviceID != "phone" {
		t.Errorf("Expected higher-priority phone to win, got %s", outcome.Winner.DeviceID)
	}
}

func TestResolveDevicePriorityUnlistedRanksLast(t *testing.T) {
	cr := NewConflictResolver(StrategyDevicePriority)
	cr.SetDevicePriority([]string{"laptop"})
	now := time.Now()

	local := entityAt("tablet", now, map[string]uint64{"tablet": 2, "laptop": 1})
	remote := entityAt("laptop", now, map[string]uint64{"tablet": 1, "laptop": 2})

	outcome, err := cr.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Winner.DeviceID != "laptop" {
		t.Errorf("Expected listed device to beat unlisted one, got %s", outcome.Winner.DeviceID)
	}
}

func TestResolveManualIsUnresolvable(t *testing.T) {
	cr := NewConflictResolver(StrategyManual)
	now := time.Now()

	local := entityAt("laptop", now, map[string]uint64{"laptop": 2, "phone": 1})
	remote := entityAt("phone", now, map[string]uint64{"laptop": 1, "phone": 2})

	outcome, err := cr.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Kind != OutcomeUnresolvable {
		t.Errorf("Expected OutcomeUnresolvable for manual strategy, got %v", outcome.Kind)
	}
}

func TestResolveMergeCombinesClocks(t *testing.T) {
	cr := NewConflictResolver(StrategyMerge)
	now := time.Now()

	local := entityAt("laptop", now, map[string]uint64{"laptop": 2, "phone": 1})
	local.Data = []byte(`{"title":"plan","body":"draft"}`)
	remote := entityAt("phone", now.Add(time.Minute), map[string]uint64{"laptop": 1, "phone": 2})
	remote.Data = []byte(`{"title":"plan","tags":["work"]}`)

	outcome, err := cr.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Kind != OutcomeResolved {
		t.Fatalf("Expected OutcomeResolved, got %v", outcome.Kind)
	}

	want := map[string]uint64{"laptop": 2, "phone": 2}
	for device, counter := range want {
		if outcome.Winner.VectorClock[device] != counter {
			t.Errorf("Expected merged clock %s=%d, got %d", device, counter, outcome.Winner.VectorClock[device])
		}
	}
	if !outcome.Winner.Timestamp.Equal(remote.Timestamp) {
		t.Error("Merged result should carry the newer timestamp")
	}
}

func TestResolveRequiresBothVersions(t *testing.T) {
	cr := NewConflictResolver(StrategyLastWriteWins)

	if _, err := cr.Resolve(nil, entityAt("phone", time.Now(), nil)); err == nil {
		t.Error("Expected error for nil local version")
	}
}

func TestClassifyConflict(t *testing.T) {
	tests := []struct {
		localDeleted bool
		remoteOp     DeltaOperation
		want         ConflictType
	}{
		{false, DeltaUpdate, ConflictUpdateUpdate},
		{false, DeltaDelete, ConflictUpdateDelete},
		{true, DeltaUpdate, ConflictDeleteUpdate},
		{true, DeltaDelete, ConflictUpdateUpdate},
	}

	for _, tc := range tests {
		if got := ClassifyConflict(tc.localDeleted, tc.remoteOp); got != tc.want {
			t.Errorf("ClassifyConflict(%v, %s) = %s, want %s", tc.localDeleted, tc.remoteOp, got, tc.want)
		}
	}
}
