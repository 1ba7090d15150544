package graphmesh

import (
	"encoding/json"
	"fmt"
)

// ClockRelation is the causal relationship between two vector clocks.
type ClockRelation int

const (
	// ClockEqual means both clocks have identical counters everywhere.
	ClockEqual ClockRelation = iota
	// ClockBefore means the receiver causally precedes the other clock.
	ClockBefore
	// ClockAfter means the receiver causally follows the other clock.
	ClockAfter
	// ClockConcurrent means neither clock precedes the other.
	ClockConcurrent
)

// String returns the name of the clock relation.
func (r ClockRelation) String() string {
	switch r {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	case ClockConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock is a map of instance ID to logical counter used for causal
// ordering. Counters only ever increase; a missing instance counts as zero.
type VectorClock map[string]uint64

// NewVectorClock creates an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Get returns the counter for an instance, or zero if absent.
func (vc VectorClock) Get(instanceID string) uint64 {
	return vc[instanceID]
}

// Set assigns the counter for an instance.
func (vc VectorClock) Set(instanceID string, counter uint64) {
	vc[instanceID] = counter
}

// Increment advances the counter for an instance and returns the new value.
func (vc VectorClock) Increment(instanceID string) uint64 {
	vc[instanceID]++
	return vc[instanceID]
}

// Merge combines another clock into this one by taking the pointwise maximum.
func (vc VectorClock) Merge(other VectorClock) {
	for id, counter := range other {
		if counter > vc[id] {
			vc[id] = counter
		}
	}
}

// Compare determines the causal relationship between two clocks. Every
// instance ID present in either clock is examined; absence counts as zero.
func (vc VectorClock) Compare(other VectorClock) ClockRelation {
	selfLE := true  // vc <= other at every instance
	otherLE := true // other <= vc at every instance

	for id, counter := range vc {
		if counter > other[id] {
			selfLE = false
		}
		if other[id] > counter {
			otherLE = false
		}
	}
	for id, counter := range other {
		if _, ok := vc[id]; ok {
			continue // already examined above
		}
		if counter > 0 {
			otherLE = false
		}
	}

	switch {
	case selfLE && otherLE:
		return ClockEqual
	case selfLE:
		return ClockBefore
	case otherLE:
		return ClockAfter
	default:
		return ClockConcurrent
	}
}

// HappensBefore returns true if vc causally precedes other.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.Compare(other) == ClockBefore
}

// IsConcurrent returns true if neither clock precedes the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == ClockConcurrent
}

// IsEqual returns true if both clocks have identical counters everywhere.
func (vc VectorClock) IsEqual(other VectorClock) bool {
	return vc.Compare(other) == ClockEqual
}

// IsEmpty returns true if the clock has no non-zero counters.
func (vc VectorClock) IsEmpty() bool {
	for _, counter := range vc {
		if counter > 0 {
			return false
		}
	}
	return true
}

// Copy returns a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	for id, counter := range vc {
		c[id] = counter
	}
	return c
}

// MarshalJSON encodes the clock as a JSON object. A nil or empty clock
// encodes as {} rather than null so that round-tripping is exact.
func (vc VectorClock) MarshalJSON() ([]byte, error) {
	if len(vc) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]uint64(vc))
}

// UnmarshalJSON decodes a clock from a JSON object. JSON null decodes as an
// empty clock.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*vc = make(VectorClock)
		return nil
	}
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("invalid vector clock: %w", err)
	}
	if m == nil {
		m = make(map[string]uint64)
	}
	*vc = VectorClock(m)
	return nil
}
