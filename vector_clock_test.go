package graphmesh

import (
	"encoding/json"
	"testing"
)

func TestVectorClockIncrement(t *testing.T) {
	vc := NewVectorClock()

	if got := vc.Increment("a"); got != 1 {
		t.Fatalf("expected counter 1 after first increment, got %d", got)
	}
	if got := vc.Increment("a"); got != 2 {
		t.Fatalf("expected counter 2 after second increment, got %d", got)
	}
	if got := vc.Get("a"); got != 2 {
		t.Fatalf("expected Get to return 2, got %d", got)
	}
	if got := vc.Get("missing"); got != 0 {
		t.Fatalf("expected missing instance to read 0, got %d", got)
	}
}

func TestVectorClockIncrementMonotonic(t *testing.T) {
	vc := NewVectorClock()
	prev := vc.Copy()

	for i := 0; i < 10; i++ {
		vc.Increment("a")
		if rel := prev.Compare(vc); rel != ClockBefore {
			t.Fatalf("expected previous clock to be before after increment %d, got %s", i, rel)
		}
		prev = vc.Copy()
	}
}

func TestVectorClockCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want ClockRelation
	}{
		{"both empty", VectorClock{}, VectorClock{}, ClockEqual},
		{"identical", VectorClock{"a": 1, "b": 2}, VectorClock{"a": 1, "b": 2}, ClockEqual},
		{"zero counter equals absent", VectorClock{"a": 1, "b": 0}, VectorClock{"a": 1}, ClockEqual},
		{"strictly before", VectorClock{"a": 1}, VectorClock{"a": 2}, ClockBefore},
		{"before via extra instance", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, ClockBefore},
		{"empty before non-empty", VectorClock{}, VectorClock{"a": 1}, ClockBefore},
		{"strictly after", VectorClock{"a": 3}, VectorClock{"a": 1}, ClockAfter},
		{"concurrent", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, ClockConcurrent},
		{"concurrent disjoint", VectorClock{"a": 1}, VectorClock{"b": 1}, ClockConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestVectorClockCompareInverse(t *testing.T) {
	clocks := []VectorClock{
		{},
		{"a": 1},
		{"a": 2, "b": 1},
		{"a": 1, "b": 2},
		{"a": 1, "b": 2, "c": 3},
		{"c": 5},
	}

	inverse := map[ClockRelation]ClockRelation{
		ClockEqual:      ClockEqual,
		ClockBefore:     ClockAfter,
		ClockAfter:      ClockBefore,
		ClockConcurrent: ClockConcurrent,
	}

	for _, a := range clocks {
		for _, b := range clocks {
			forward := a.Compare(b)
			backward := b.Compare(a)
			if backward != inverse[forward] {
				t.Fatalf("compare not inverse: %v vs %v gave %s and %s", a, b, forward, backward)
			}
		}
	}
}

func TestVectorClockMerge(t *testing.T) {
	a := VectorClock{"a": 3, "b": 1}
	b := VectorClock{"b": 5, "c": 2}

	a.Merge(b)

	if a.Get("a") != 3 || a.Get("b") != 5 || a.Get("c") != 2 {
		t.Fatalf("expected pointwise max {a:3 b:5 c:2}, got %v", a)
	}
	// The merged clock dominates both inputs.
	if rel := b.Compare(a); rel != ClockBefore {
		t.Fatalf("expected merged clock to dominate input, got %s", rel)
	}
}

func TestVectorClockMergeIdempotent(t *testing.T) {
	a := VectorClock{"a": 2, "b": 7}
	before := a.Copy()

	a.Merge(before)

	if !a.IsEqual(before) {
		t.Fatalf("expected self-merge to be a no-op, got %v", a)
	}
}

func TestVectorClockPredicates(t *testing.T) {
	earlier := VectorClock{"a": 1}
	later := VectorClock{"a": 2}
	sideways := VectorClock{"b": 1}

	if !earlier.HappensBefore(later) {
		t.Fatalf("expected %v to happen before %v", earlier, later)
	}
	if later.HappensBefore(earlier) {
		t.Fatalf("did not expect %v to happen before %v", later, earlier)
	}
	if !earlier.IsConcurrent(sideways) {
		t.Fatalf("expected %v concurrent with %v", earlier, sideways)
	}
	if !earlier.IsEqual(earlier.Copy()) {
		t.Fatalf("expected clock to equal its copy")
	}
}

func TestVectorClockIsEmpty(t *testing.T) {
	if !NewVectorClock().IsEmpty() {
		t.Fatalf("expected new clock to be empty")
	}
	if !(VectorClock{"a": 0}).IsEmpty() {
		t.Fatalf("expected all-zero clock to be empty")
	}
	if (VectorClock{"a": 1}).IsEmpty() {
		t.Fatalf("expected non-zero clock to be non-empty")
	}
}

func TestVectorClockCopyIsolated(t *testing.T) {
	orig := VectorClock{"a": 1}
	c := orig.Copy()
	c.Increment("a")

	if orig.Get("a") != 1 {
		t.Fatalf("expected original untouched after copy increment, got %d", orig.Get("a"))
	}
}

func TestVectorClockJSONRoundTrip(t *testing.T) {
	orig := VectorClock{"a": 1, "b": 42}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded VectorClock
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !decoded.IsEqual(orig) {
		t.Fatalf("expected round-trip to preserve clock, got %v", decoded)
	}
}

func TestVectorClockJSONEmpty(t *testing.T) {
	data, err := json.Marshal(NewVectorClock())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("expected empty clock to encode as {}, got %s", data)
	}

	var nilClock VectorClock
	data, err = json.Marshal(nilClock)
	if err != nil {
		t.Fatalf("marshal of nil clock failed: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("expected nil clock to encode as {}, got %s", data)
	}

	var decoded VectorClock
	if err := json.Unmarshal([]byte("{}"), &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !decoded.IsEmpty() {
		t.Fatalf("expected decoded empty clock to be empty, got %v", decoded)
	}

	if err := json.Unmarshal([]byte("null"), &decoded); err != nil {
		t.Fatalf("unmarshal of null failed: %v", err)
	}
	if decoded == nil || !decoded.IsEmpty() {
		t.Fatalf("expected null to decode as empty clock, got %v", decoded)
	}
}

func TestClockRelationString(t *testing.T) {
	tests := []struct {
		rel  ClockRelation
		want string
	}{
		{ClockEqual, "equal"},
		{ClockBefore, "before"},
		{ClockAfter, "after"},
		{ClockConcurrent, "concurrent"},
		{ClockRelation(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.rel.String(); got != tt.want {
			t.Fatalf("expected %q, got %q", tt.want, got)
		}
	}
}
