package graphmesh

import (
	"reflect"
	"testing"
	"time"
)

func newTestResolver(t *testing.T) (*ConflictResolver, *MemoryConflictLog) {
	t.Helper()
	log := NewMemoryConflictLog()
	return NewConflictResolver("inst-self", log), log
}

func mustRecords(t *testing.T, log ConflictLog) []ConflictRecord {
	t.Helper()
	records, err := log.Records()
	if err != nil {
		t.Fatalf("failed to read conflict log: %v", err)
	}
	return records
}

func TestResolveNodeRemoteNewer(t *testing.T) {
	resolver, log := newTestResolver(t)

	ourClock := VectorClock{"inst-a": 1}
	incoming := testNode("n1")
	incoming.VectorClock = VectorClock{"inst-a": 1, "inst-b": 1}

	res := resolver.ResolveNode(&incoming, nil, nil, ourClock)

	if res.Kind != ResolutionAcceptRemote {
		t.Fatalf("expected accept_remote, got %s", res.Kind)
	}
	if res.Relation != ClockBefore {
		t.Fatalf("expected before relation, got %s", res.Relation)
	}
	if ourClock.Get("inst-b") != 1 {
		t.Fatalf("expected clock merged, got %v", ourClock)
	}
	if got := len(mustRecords(t, log)); got != 0 {
		t.Fatalf("expected no conflict records for causal accept, got %d", got)
	}
}

func TestResolveNodeLocalNewer(t *testing.T) {
	resolver, log := newTestResolver(t)

	ourClock := VectorClock{"inst-a": 3}
	incoming := testNode("n1")
	incoming.VectorClock = VectorClock{"inst-a": 1}
	local := testNode("n1")
	local.VectorClock = VectorClock{"inst-a": 3}

	res := resolver.ResolveNode(&incoming, &local, nil, ourClock)

	if res.Kind != ResolutionKeepLocal {
		t.Fatalf("expected keep_local, got %s", res.Kind)
	}
	if !ourClock.IsEqual(VectorClock{"inst-a": 3}) {
		t.Fatalf("expected clock untouched, got %v", ourClock)
	}
	if got := len(mustRecords(t, log)); got != 0 {
		t.Fatalf("expected no conflict records, got %d", got)
	}
}

func TestResolveNodeEqualClocks(t *testing.T) {
	resolver, log := newTestResolver(t)

	ourClock := VectorClock{"inst-a": 2}
	incoming := testNode("n1")
	incoming.VectorClock = VectorClock{"inst-a": 2}
	local := testNode("n1")

	res := resolver.ResolveNode(&incoming, &local, nil, ourClock)

	if res.Kind != ResolutionKeepLocal {
		t.Fatalf("expected keep_local for equal clocks, got %s", res.Kind)
	}
	if got := len(mustRecords(t, log)); got != 0 {
		t.Fatalf("expected no conflict records, got %d", got)
	}
}

func TestResolveNodeConcurrentMerge(t *testing.T) {
	resolver, log := newTestResolver(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	local := testNode("n1")
	local.Properties = map[string]any{"x": float64(1), "local_only": "keep"}
	local.UpdatedAt = base
	local.LastModifiedBy = "inst-a"
	local.VectorClock = VectorClock{"inst-a": 1}

	incoming := testNode("n1")
	incoming.Properties = map[string]any{"x": float64(2), "remote_only": "keep"}
	incoming.UpdatedAt = base.Add(time.Minute)
	incoming.LastModifiedBy = "inst-b"
	incoming.VectorClock = VectorClock{"inst-b": 1}

	ourClock := VectorClock{"inst-a": 1}
	res := resolver.ResolveNode(&incoming, &local, nil, ourClock)

	if res.Kind != ResolutionMerged {
		t.Fatalf("expected merged, got %s", res.Kind)
	}
	if res.MergedNode == nil {
		t.Fatalf("expected merged node value")
	}

	merged := res.MergedNode
	if merged.Properties["x"] != float64(2) {
		t.Fatalf("expected later writer to win x, got %v", merged.Properties["x"])
	}
	if merged.Properties["local_only"] != "keep" || merged.Properties["remote_only"] != "keep" {
		t.Fatalf("expected one-sided keys kept, got %v", merged.Properties)
	}

	// The merge is a causal event for this instance.
	want := VectorClock{"inst-a": 1, "inst-b": 1, "inst-self": 1}
	if !ourClock.IsEqual(want) {
		t.Fatalf("expected clock %v, got %v", want, ourClock)
	}
	if !merged.VectorClock.IsEqual(want) {
		t.Fatalf("expected merged clock %v, got %v", want, merged.VectorClock)
	}
	if merged.LastModifiedBy != "inst-self" {
		t.Fatalf("expected merge attributed to inst-self, got %s", merged.LastModifiedBy)
	}
	if !merged.UpdatedAt.Equal(incoming.UpdatedAt) {
		t.Fatalf("expected merged UpdatedAt to be the later input, got %v", merged.UpdatedAt)
	}

	records := mustRecords(t, log)
	if len(records) != 1 {
		t.Fatalf("expected 1 conflict record, got %d", len(records))
	}
	rec := records[0]
	if rec.ConflictType != ConflictConcurrentUpdate || rec.Resolution != ResolutionMerged {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(rec.LocalVersion) == 0 || len(rec.RemoteVersion) == 0 {
		t.Fatalf("expected both versions captured in the record")
	}
}

func TestResolveNodeDeterministic(t *testing.T) {
	run := func() (*Resolution, VectorClock) {
		resolver, _ := newTestResolver(t)
		local := testNode("n1")
		local.Properties = map[string]any{"x": float64(1)}
		local.UpdatedAt = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		local.VectorClock = VectorClock{"inst-a": 1}

		incoming := testNode("n1")
		incoming.Properties = map[string]any{"x": float64(2)}
		incoming.UpdatedAt = time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
		incoming.VectorClock = VectorClock{"inst-b": 1}

		ourClock := VectorClock{"inst-a": 1}
		res := resolver.ResolveNode(&incoming, &local, nil, ourClock)
		return &res, ourClock
	}

	first, firstClock := run()
	second, secondClock := run()

	if first.Kind != second.Kind {
		t.Fatalf("expected deterministic resolution kind, got %s and %s", first.Kind, second.Kind)
	}
	if !reflect.DeepEqual(first.MergedNode, second.MergedNode) {
		t.Fatalf("expected identical merged values:\n%+v\n%+v", first.MergedNode, second.MergedNode)
	}
	if !firstClock.IsEqual(secondClock) {
		t.Fatalf("expected identical advanced clocks, got %v and %v", firstClock, secondClock)
	}
}

func TestResolveNodeTypeMismatchAlwaysEscalates(t *testing.T) {
	propVariants := []map[string]any{
		nil,
		{"x": float64(1)},
		{"x": float64(1), "y": "deep", "nested": map[string]any{"a": float64(2)}},
	}

	for _, props := range propVariants {
		resolver, log := newTestResolver(t)

		local := testNode("n1")
		local.NodeType = NodeEntity
		local.Properties = props
		local.VectorClock = VectorClock{"inst-a": 1}

		incoming := testNode("n1")
		incoming.NodeType = NodeConcept
		incoming.Properties = props
		incoming.VectorClock = VectorClock{"inst-b": 1}

		ourClock := VectorClock{"inst-a": 1}
		res := resolver.ResolveNode(&incoming, &local, nil, ourClock)

		if res.Kind != ResolutionManualReview {
			t.Fatalf("expected manual review for type mismatch, got %s", res.Kind)
		}
		records := mustRecords(t, log)
		if len(records) != 1 || records[0].ConflictType != ConflictTypeMismatch {
			t.Fatalf("expected one type_mismatch record, got %+v", records)
		}
	}
}

func TestResolveNodeMissingLocal(t *testing.T) {
	resolver, log := newTestResolver(t)

	incoming := testNode("n1")
	incoming.VectorClock = VectorClock{"inst-b": 1}

	ourClock := VectorClock{"inst-a": 2}
	res := resolver.ResolveNode(&incoming, nil, nil, ourClock)

	if res.Kind != ResolutionAcceptRemote {
		t.Fatalf("expected accept_remote for missing local, got %s", res.Kind)
	}
	if ourClock.Get("inst-b") != 1 {
		t.Fatalf("expected clock merged, got %v", ourClock)
	}

	records := mustRecords(t, log)
	if len(records) != 1 || records[0].ConflictType != ConflictMissingLocal {
		t.Fatalf("expected one missing_local record, got %+v", records)
	}
}

func TestResolveNodeTombstoneBlocksResurrection(t *testing.T) {
	resolver, log := newTestResolver(t)

	// The node was deleted here; the remote update never saw the deletion.
	tombstone := &Tombstone{
		EntityType:  EntityNode,
		EntityID:    "n1",
		SessionID:   "sess-1",
		GraphName:   "main",
		VectorClock: VectorClock{"inst-a": 2},
		DeletedBy:   "inst-a",
		DeletedAt:   time.Now(),
	}

	incoming := testNode("n1")
	incoming.VectorClock = VectorClock{"inst-b": 1}

	ourClock := VectorClock{"inst-a": 2}
	res := resolver.ResolveNode(&incoming, nil, tombstone, ourClock)

	if res.Kind != ResolutionKeepLocal {
		t.Fatalf("expected keep_local against tombstone, got %s", res.Kind)
	}
	if ourClock.Get("inst-b") != 0 {
		t.Fatalf("expected clock untouched when staying deleted, got %v", ourClock)
	}

	records := mustRecords(t, log)
	if len(records) != 1 || records[0].ConflictType != ConflictDeleteUpdate {
		t.Fatalf("expected one delete_update record, got %+v", records)
	}
}

func TestResolveNodeTombstoneSupersededByRemote(t *testing.T) {
	resolver, log := newTestResolver(t)

	tombstone := &Tombstone{
		EntityType:  EntityNode,
		EntityID:    "n1",
		VectorClock: VectorClock{"inst-a": 2},
	}

	// The remote write causally follows the deletion: a legitimate
	// re-creation, not a resurrection.
	incoming := testNode("n1")
	incoming.VectorClock = VectorClock{"inst-a": 2, "inst-b": 3}

	ourClock := VectorClock{"inst-a": 2, "inst-c": 1}
	res := resolver.ResolveNode(&incoming, nil, tombstone, ourClock)

	if res.Kind != ResolutionAcceptRemote {
		t.Fatalf("expected accept_remote when remote saw the delete, got %s", res.Kind)
	}
	records := mustRecords(t, log)
	if len(records) != 1 || records[0].ConflictType != ConflictMissingLocal {
		t.Fatalf("expected one missing_local record, got %+v", records)
	}
}

func TestResolveNodeEntityKeepsIdentityKeys(t *testing.T) {
	resolver, _ := newTestResolver(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	local := testNode("n1")
	local.NodeType = NodeEntity
	local.Properties = map[string]any{"id": "local-id", "created_by": "alice", "name": "old"}
	local.UpdatedAt = base
	local.VectorClock = VectorClock{"inst-a": 1}

	incoming := testNode("n1")
	incoming.NodeType = NodeEntity
	incoming.Properties = map[string]any{"id": "remote-id", "created_by": "bob", "name": "new"}
	incoming.UpdatedAt = base.Add(time.Hour)
	incoming.VectorClock = VectorClock{"inst-b": 1}

	res := resolver.ResolveNode(&incoming, &local, nil, VectorClock{"inst-a": 1})

	if res.Kind != ResolutionMerged {
		t.Fatalf("expected merged, got %s", res.Kind)
	}
	props := res.MergedNode.Properties
	if props["name"] != "new" {
		t.Fatalf("expected remote to win name, got %v", props["name"])
	}
	if props["id"] != "local-id" || props["created_by"] != "alice" {
		t.Fatalf("expected local identity keys preserved, got %v", props)
	}
}

func TestResolveNodeConceptPrefersRemote(t *testing.T) {
	resolver, _ := newTestResolver(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	local := testNode("n1")
	local.NodeType = NodeConcept
	local.Properties = map[string]any{"definition": "old", "local_note": "mine"}
	// Local is the later writer, but concept definitions still take the
	// remote side wholesale.
	local.UpdatedAt = base.Add(time.Hour)
	local.VectorClock = VectorClock{"inst-a": 1}

	incoming := testNode("n1")
	incoming.NodeType = NodeConcept
	incoming.Properties = map[string]any{"definition": "canonical"}
	incoming.UpdatedAt = base
	incoming.VectorClock = VectorClock{"inst-b": 1}

	res := resolver.ResolveNode(&incoming, &local, nil, VectorClock{"inst-a": 1})

	if res.Kind != ResolutionMerged {
		t.Fatalf("expected merged, got %s", res.Kind)
	}
	props := res.MergedNode.Properties
	if props["definition"] != "canonical" {
		t.Fatalf("expected remote definition, got %v", props["definition"])
	}
	if _, ok := props["local_note"]; ok {
		t.Fatalf("expected local-only concept keys dropped, got %v", props)
	}
}

func TestResolveNodeFactUnionsEvidence(t *testing.T) {
	resolver, _ := newTestResolver(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	local := testNode("n1")
	local.NodeType = NodeFact
	local.Properties = map[string]any{
		"claim":    "water is wet",
		"evidence": []any{"paper-1", "paper-2"},
	}
	local.UpdatedAt = base.Add(time.Hour)
	local.VectorClock = VectorClock{"inst-a": 1}

	incoming := testNode("n1")
	incoming.NodeType = NodeFact
	incoming.Properties = map[string]any{
		"claim":    "water is wet",
		"evidence": []any{"paper-2", "paper-3"},
		"sources":  []any{"site-1"},
	}
	incoming.UpdatedAt = base
	incoming.VectorClock = VectorClock{"inst-b": 1}

	res := resolver.ResolveNode(&incoming, &local, nil, VectorClock{"inst-a": 1})

	if res.Kind != ResolutionMerged {
		t.Fatalf("expected merged, got %s", res.Kind)
	}
	evidence, ok := res.MergedNode.Properties["evidence"].([]any)
	if !ok {
		t.Fatalf("expected evidence array, got %T", res.MergedNode.Properties["evidence"])
	}
	want := []any{"paper-1", "paper-2", "paper-3"}
	if !reflect.DeepEqual(evidence, want) {
		t.Fatalf("expected union %v, got %v", want, evidence)
	}
	sources, ok := res.MergedNode.Properties["sources"].([]any)
	if !ok || len(sources) != 1 {
		t.Fatalf("expected one-sided sources kept as union, got %v", res.MergedNode.Properties["sources"])
	}
}

func TestResolveNodeNestedAndArrayMerge(t *testing.T) {
	resolver, _ := newTestResolver(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	local := testNode("n1")
	local.Properties = map[string]any{
		"meta": map[string]any{"color": "red", "size": "small"},
		"tags": []any{"alpha", "beta"},
	}
	local.UpdatedAt = base
	local.VectorClock = VectorClock{"inst-a": 1}

	incoming := testNode("n1")
	incoming.Properties = map[string]any{
		"meta": map[string]any{"color": "blue", "weight": float64(3)},
		"tags": []any{"beta", "gamma"},
	}
	incoming.UpdatedAt = base.Add(time.Minute)
	incoming.VectorClock = VectorClock{"inst-b": 1}

	res := resolver.ResolveNode(&incoming, &local, nil, VectorClock{"inst-a": 1})

	meta, ok := res.MergedNode.Properties["meta"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested object to stay an object, got %T", res.MergedNode.Properties["meta"])
	}
	if meta["color"] != "blue" {
		t.Fatalf("expected later writer to win nested color, got %v", meta["color"])
	}
	if meta["size"] != "small" || meta["weight"] != float64(3) {
		t.Fatalf("expected one-sided nested keys kept, got %v", meta)
	}

	tags, ok := res.MergedNode.Properties["tags"].([]any)
	if !ok {
		t.Fatalf("expected tags array, got %T", res.MergedNode.Properties["tags"])
	}
	want := []any{"alpha", "beta", "gamma"}
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("expected de-duplicated union %v, got %v", want, tags)
	}
}

func TestResolveEdgeEndpointMismatchEscalates(t *testing.T) {
	resolver, log := newTestResolver(t)

	local := testEdge("e1", "n1", "n2")
	local.VectorClock = VectorClock{"inst-a": 1}

	incoming := testEdge("e1", "n1", "n99")
	incoming.VectorClock = VectorClock{"inst-b": 1}

	res := resolver.ResolveEdge(&incoming, &local, nil, VectorClock{"inst-a": 1})

	if res.Kind != ResolutionManualReview {
		t.Fatalf("expected manual review for endpoint mismatch, got %s", res.Kind)
	}
	records := mustRecords(t, log)
	if len(records) != 1 || records[0].ConflictType != ConflictEndpointMismatch {
		t.Fatalf("expected one endpoint_mismatch record, got %+v", records)
	}
}

func TestResolveEdgeKindMismatchEscalates(t *testing.T) {
	resolver, log := newTestResolver(t)

	local := testEdge("e1", "n1", "n2")
	local.EdgeKind = EdgeRelation
	local.VectorClock = VectorClock{"inst-a": 1}

	incoming := testEdge("e1", "n1", "n2")
	incoming.EdgeKind = EdgeCausal
	incoming.VectorClock = VectorClock{"inst-b": 1}

	res := resolver.ResolveEdge(&incoming, &local, nil, VectorClock{"inst-a": 1})

	if res.Kind != ResolutionManualReview {
		t.Fatalf("expected manual review for kind mismatch, got %s", res.Kind)
	}
	records := mustRecords(t, log)
	if len(records) != 1 || records[0].ConflictType != ConflictTypeMismatch {
		t.Fatalf("expected one type_mismatch record, got %+v", records)
	}
}

func TestResolveEdgeConcurrentMerge(t *testing.T) {
	resolver, log := newTestResolver(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	local := testEdge("e1", "n1", "n2")
	local.Weight = 1.0
	local.Properties = map[string]any{"confidence": float64(0.5)}
	local.UpdatedAt = base
	local.VectorClock = VectorClock{"inst-a": 1}

	incoming := testEdge("e1", "n1", "n2")
	incoming.Weight = 2.0
	incoming.Properties = map[string]any{"confidence": float64(0.9)}
	incoming.UpdatedAt = base.Add(time.Minute)
	incoming.VectorClock = VectorClock{"inst-b": 1}

	ourClock := VectorClock{"inst-a": 1}
	res := resolver.ResolveEdge(&incoming, &local, nil, ourClock)

	if res.Kind != ResolutionMerged {
		t.Fatalf("expected merged, got %s", res.Kind)
	}
	if res.MergedEdge == nil {
		t.Fatalf("expected merged edge value")
	}
	if res.MergedEdge.Weight != 2.0 {
		t.Fatalf("expected later writer to win weight, got %v", res.MergedEdge.Weight)
	}
	if res.MergedEdge.Properties["confidence"] != float64(0.9) {
		t.Fatalf("expected later writer to win confidence, got %v", res.MergedEdge.Properties)
	}

	want := VectorClock{"inst-a": 1, "inst-b": 1, "inst-self": 1}
	if !ourClock.IsEqual(want) {
		t.Fatalf("expected clock %v, got %v", want, ourClock)
	}
	records := mustRecords(t, log)
	if len(records) != 1 || records[0].EntityType != EntityEdge {
		t.Fatalf("expected one edge conflict record, got %+v", records)
	}
}

func TestLaterWriterTieBreak(t *testing.T) {
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if !laterWriter(at, "inst-b", at, "inst-a") {
		t.Fatalf("expected higher writer id to win the tie")
	}
	if laterWriter(at, "inst-a", at, "inst-b") {
		t.Fatalf("expected lower writer id to lose the tie")
	}
	if !laterWriter(at.Add(time.Second), "inst-a", at, "inst-z") {
		t.Fatalf("expected later timestamp to win regardless of writer id")
	}
}
