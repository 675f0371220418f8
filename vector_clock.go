package keepsake

import (
	"encoding/json"
	"fmt"
	"sync"
)

// VectorClock tracks per-device monotonic counters to express causal order
// between versions of the same entity. A device increments only its own
// counter; missing entries compare as zero.
type VectorClock struct {
	ownerID string
	clocks  map[string]uint64
	mu      sync.RWMutex
}

// NewVectorClock creates a vector clock owned by the given device.
func NewVectorClock(ownerID string) *VectorClock {
	return &VectorClock{
		ownerID: ownerID,
		clocks:  make(map[string]uint64),
	}
}

// Increment advances the owning device's counter by one.
func (vc *VectorClock) Increment() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.clocks[vc.ownerID]++
}

// Get returns the counter for a device.
func (vc *VectorClock) Get(deviceID string) uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.clocks[deviceID]
}

// Set overwrites a single counter. Counters are monotonically
// non-decreasing: a lower value than the current one is ignored.
func (vc *VectorClock) Set(deviceID string, value uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if value > vc.clocks[deviceID] {
		vc.clocks[deviceID] = value
	}
}

// Merge folds another clock into this one, taking the max per device.
func (vc *VectorClock) Merge(other *VectorClock) {
	if other == nil {
		return
	}
	other.mu.RLock()
	snapshot := make(map[string]uint64, len(other.clocks))
	for k, v := range other.clocks {
		snapshot[k] = v
	}
	other.mu.RUnlock()

	vc.mu.Lock()
	defer vc.mu.Unlock()
	for device, counter := range snapshot {
		if counter > vc.clocks[device] {
			vc.clocks[device] = counter
		}
	}
}

// Compare compares two vector clocks.
// Returns -1 if vc happens-before other, 1 if other happens-before vc,
// and 0 if the clocks are concurrent or equal.
func (vc *VectorClock) Compare(other *VectorClock) int {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	return compareClockMaps(vc.clocks, other.clocks)
}

// HappensBefore returns true iff every counter in vc is <= the
// corresponding counter in other and at least one is strictly less.
func (vc *VectorClock) HappensBefore(other *VectorClock) bool {
	return vc.Compare(other) == -1
}

// Concurrent returns true if neither clock dominates the other and the
// clocks are not equal. Concurrency is the defining condition for a true
// conflict.
func (vc *VectorClock) Concurrent(other *VectorClock) bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	return compareClockMaps(vc.clocks, other.clocks) == 0 &&
		!equalClockMaps(vc.clocks, other.clocks)
}

// Equal returns true if both clocks hold identical counters.
func (vc *VectorClock) Equal(other *VectorClock) bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	return equalClockMaps(vc.clocks, other.clocks)
}

// Clone creates a deep copy owned by the same device.
func (vc *VectorClock) Clone() *VectorClock {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	clone := NewVectorClock(vc.ownerID)
	for k, v := range vc.clocks {
		clone.clocks[k] = v
	}
	return clone
}

// Counters returns a copy of the raw per-device counters.
func (vc *VectorClock) Counters() map[string]uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	out := make(map[string]uint64, len(vc.clocks))
	for k, v := range vc.clocks {
		out[k] = v
	}
	return out
}

// Encode serializes the counters to JSON.
func (vc *VectorClock) Encode() ([]byte, error) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return json.Marshal(vc.clocks)
}

// DecodeVectorClock deserializes counters into a clock owned by ownerID.
func DecodeVectorClock(ownerID string, data []byte) (*VectorClock, error) {
	vc := NewVectorClock(ownerID)
	if len(data) == 0 {
		return vc, nil
	}
	if err := json.Unmarshal(data, &vc.clocks); err != nil {
		return nil, fmt.Errorf("decode vector clock: %w", err)
	}
	return vc, nil
}

// ClockFromCounters builds a clock owned by ownerID from raw counters, as
// carried on SyncDelta and SyncManifest.
func ClockFromCounters(ownerID string, counters map[string]uint64) *VectorClock {
	vc := NewVectorClock(ownerID)
	for k, v := range counters {
		vc.clocks[k] = v
	}
	return vc
}

// compareClockMaps implements the standard partial order over counter maps.
func compareClockMaps(a, b map[string]uint64) int {
	less, greater := false, false

	seen := make(map[string]bool, len(a)+len(b))
	for d := range a {
		seen[d] = true
	}
	for d := range b {
		seen[d] = true
	}

	for device := range seen {
		va, vb := a[device], b[device]
		if va < vb {
			less = true
		} else if va > vb {
			greater = true
		}
	}

	if less && !greater {
		return -1
	}
	if greater && !less {
		return 1
	}
	return 0
}

func equalClockMaps(a, b map[string]uint64) bool {
	for d, v := range a {
		if b[d] != v {
			return false
		}
	}
	for d, v := range b {
		if a[d] != v {
			return false
		}
	}
	return true
}

// happensBeforeCounters compares raw counter maps as carried on wire deltas.
func happensBeforeCounters(a, b map[string]uint64) bool {
	return compareClockMaps(a, b) == -1
}
