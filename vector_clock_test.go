package keepsake

import (
	"testing"
)

func TestVectorClockIncrement(t *testing.T) {
	vc := NewVectorClock("laptop")

	vc.Increment()
	vc.Increment()
	vc.Increment()

	if got := vc.Get("laptop"); got != 3 {
		t.Errorf("Expected counter 3, got %d", got)
	}
	if got := vc.Get("phone"); got != 0 {
		t.Errorf("Expected missing counter to read 0, got %d", got)
	}
}

func TestVectorClockSetMonotone(t *testing.T) {
	vc := NewVectorClock("laptop")

	vc.Set("phone", 5)
	vc.Set("phone", 3)

	if got := vc.Get("phone"); got != 5 {
		t.Errorf("Expected Set to ignore lower value, counter = %d", got)
	}
}

func TestVectorClockHappensBefore(t *testing.T) {
	a := ClockFromCounters("a", map[string]uint64{"a": 1, "b": 2})
	b := ClockFromCounters("b", map[string]uint64{"a": 1, "b": 3})

	if !a.HappensBefore(b) {
		t.Error("a should happen before b")
	}
	if b.HappensBefore(a) {
		t.Error("b should not happen before a")
	}
	if a.Concurrent(b) {
		t.Error("ordered clocks should not be concurrent")
	}
}

func TestVectorClockConcurrent(t *testing.T) {
	a := ClockFromCounters("a", map[string]uint64{"a": 2, "b": 1})
	b := ClockFromCounters("b", map[string]uint64{"a": 1, "b": 2})

	if !a.Concurrent(b) {
		t.Error("clocks with crossing counters should be concurrent")
	}
	if !b.Concurrent(a) {
		t.Error("concurrency should be symmetric")
	}
	if a.HappensBefore(b) || b.HappensBefore(a) {
		t.Error("concurrent clocks should have no happens-before relation")
	}
}

func TestVectorClockEqualNotConcurrent(t *testing.T) {
	a := ClockFromCounters("a", map[string]uint64{"a": 1, "b": 1})
	b := ClockFromCounters("b", map[string]uint64{"a": 1, "b": 1})

	if !a.Equal(b) {
		t.Error("identical counters should compare equal")
	}
	if a.Concurrent(b) {
		t.Error("equal clocks are not concurrent")
	}
}

func TestVectorClockMissingEntriesReadZero(t *testing.T) {
	a := ClockFromCounters("a", map[string]uint64{"a": 1})
	b := ClockFromCounters("b", map[string]uint64{"a": 1, "b": 1})

	if !a.HappensBefore(b) {
		t.Error("clock missing an entry should compare as zero for that device")
	}
}

func TestVectorClockMerge(t *testing.T) {
	a := ClockFromCounters("a", map[string]uint64{"a": 3, "b": 1})
	b := ClockFromCounters("b", map[string]uint64{"a": 1, "b": 4, "c": 2})

	a.Merge(b)

	want := map[string]uint64{"a": 3, "b": 4, "c": 2}
	got := a.Counters()
	for device, counter := range want {
		if got[device] != counter {
			t.Errorf("Expected %s=%d after merge, got %d", device, counter, got[device])
		}
	}
}

func TestVectorClockMergeDominates(t *testing.T) {
	a := ClockFromCounters("a", map[string]uint64{"a": 2, "b": 1})
	b := ClockFromCounters("b", map[string]uint64{"a": 1, "b": 2})

	merged := a.Clone()
	merged.Merge(b)

	if a.HappensBefore(merged) == false && !a.Equal(merged) {
		t.Error("merged clock should dominate or equal a")
	}
	if b.HappensBefore(merged) == false && !b.Equal(merged) {
		t.Error("merged clock should dominate or equal b")
	}
	if merged.HappensBefore(a) || merged.HappensBefore(b) {
		t.Error("merged clock must not happen before either input")
	}
}

func TestVectorClockEncodeDecode(t *testing.T) {
	vc := ClockFromCounters("laptop", map[string]uint64{"laptop": 7, "phone": 2})

	data, err := vc.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := DecodeVectorClock("laptop", data)
	if err != nil {
		t.Fatalf("DecodeVectorClock failed: %v", err)
	}
	if !vc.Equal(decoded) {
		t.Errorf("Expected decoded clock %v to equal original %v", decoded.Counters(), vc.Counters())
	}
}

func TestDecodeVectorClockEmpty(t *testing.T) {
	vc, err := DecodeVectorClock("laptop", nil)
	if err != nil {
		t.Fatalf("DecodeVectorClock(nil) failed: %v", err)
	}
	if len(vc.Counters()) != 0 {
		t.Error("Expected empty clock from nil data")
	}
}

func TestVectorClockCloneIndependent(t *testing.T) {
	vc := NewVectorClock("laptop")
	vc.Increment()

	clone := vc.Clone()
	clone.Increment()

	if vc.Get("laptop") != 1 {
		t.Errorf("Expected original to stay at 1, got %d", vc.Get("laptop"))
	}
	if clone.Get("laptop") != 2 {
		t.Errorf("Expected clone at 2, got %d", clone.Get("laptop"))
	}
}
