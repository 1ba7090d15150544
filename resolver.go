package graphmesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// Resolution is the outcome of resolving one incoming entity against local
// state. MergedNode or MergedEdge is set only when Kind is ResolutionMerged.
type Resolution struct {
	Kind       ResolutionKind
	Relation   ClockRelation
	MergedNode *SyncedNode
	MergedEdge *SyncedEdge
}

// IsConflict reports whether the clock comparison found a true conflict,
// i.e. concurrent versions with neither causally first.
func (r Resolution) IsConflict() bool {
	return r.Relation == ClockConcurrent
}

// Resolved reports whether a detected conflict was settled automatically.
func (r Resolution) Resolved() bool {
	return r.IsConflict() && r.Kind != ResolutionManualReview
}

// ---------------------------------------------------------------------------
// ConflictResolver
// ---------------------------------------------------------------------------

// Property keys with special merge treatment. Entity nodes keep their local
// identity keys through a merge; fact nodes union their named array fields
// instead of letting one side win.
var (
	entityIdentityKeys = []string{"id", "created_by"}
	factUnionKeys      = []string{"evidence", "sources"}
)

// ConflictResolver decides what happens to an incoming entity version given
// the local version and the graph's vector clock. Resolution is
// deterministic: identical inputs produce the same outcome, and merged
// values never depend on wall-clock time.
//
// The graph clock is passed by reference and advanced in place whenever
// remote state is accepted or merged. Every merge and every escalation is
// appended to the injected ConflictLog.
type ConflictResolver struct {
	instanceID string
	log        ConflictLog
}

// NewConflictResolver creates a resolver that attributes merge events to
// instanceID and records conflicts in log.
func NewConflictResolver(instanceID string, log ConflictLog) *ConflictResolver {
	return &ConflictResolver{
		instanceID: instanceID,
		log:        log,
	}
}

// ResolveNode resolves one incoming node version. local is nil when no
// local copy exists; tombstone is the local tombstone for this id, if any.
// Neither incoming nor local is mutated.
func (r *ConflictResolver) ResolveNode(incoming *SyncedNode, local *SyncedNode, tombstone *Tombstone, ourClock VectorClock) Resolution {
	relation := ourClock.Compare(incoming.VectorClock)

	switch relation {
	case ClockBefore:
		// The remote version causally follows everything we know.
		ourClock.Merge(incoming.VectorClock)
		return Resolution{Kind: ResolutionAcceptRemote, Relation: relation}
	case ClockAfter, ClockEqual:
		return Resolution{Kind: ResolutionKeepLocal, Relation: relation}
	}

	if local == nil {
		return r.resolveMissingNode(incoming, tombstone, ourClock)
	}

	if incoming.NodeType != local.NodeType {
		r.record(ConflictRecord{
			SessionID:     local.SessionID,
			GraphName:     local.GraphName,
			EntityType:    EntityNode,
			EntityID:      incoming.ID,
			ConflictType:  ConflictTypeMismatch,
			LocalVersion:  snapshotJSON(local),
			RemoteVersion: snapshotJSON(incoming),
			Resolution:    ResolutionManualReview,
		})
		return Resolution{Kind: ResolutionManualReview, Relation: relation}
	}

	merged := r.mergeNodes(incoming, local, ourClock)
	r.record(ConflictRecord{
		SessionID:     local.SessionID,
		GraphName:     local.GraphName,
		EntityType:    EntityNode,
		EntityID:      incoming.ID,
		ConflictType:  ConflictConcurrentUpdate,
		LocalVersion:  snapshotJSON(local),
		RemoteVersion: snapshotJSON(incoming),
		Resolution:    ResolutionMerged,
	})
	return Resolution{Kind: ResolutionMerged, Relation: relation, MergedNode: merged}
}

// resolveMissingNode handles a concurrent remote version for a node we hold
// no copy of. A local tombstone blocks the accept unless the remote write
// causally follows the deletion.
func (r *ConflictResolver) resolveMissingNode(incoming *SyncedNode, tombstone *Tombstone, ourClock VectorClock) Resolution {
	if tombstone != nil && tombstone.VectorClock.Compare(incoming.VectorClock) != ClockBefore {
		r.record(ConflictRecord{
			SessionID:     incoming.SessionID,
			GraphName:     incoming.GraphName,
			EntityType:    EntityNode,
			EntityID:      incoming.ID,
			ConflictType:  ConflictDeleteUpdate,
			LocalVersion:  snapshotJSON(tombstone),
			RemoteVersion: snapshotJSON(incoming),
			Resolution:    ResolutionKeepLocal,
		})
		return Resolution{Kind: ResolutionKeepLocal, Relation: ClockConcurrent}
	}

	ourClock.Merge(incoming.VectorClock)
	r.record(ConflictRecord{
		SessionID:     incoming.SessionID,
		GraphName:     incoming.GraphName,
		EntityType:    EntityNode,
		EntityID:      incoming.ID,
		ConflictType:  ConflictMissingLocal,
		RemoteVersion: snapshotJSON(incoming),
		Resolution:    ResolutionAcceptRemote,
	})
	return Resolution{Kind: ResolutionAcceptRemote, Relation: ClockConcurrent}
}

// mergeNodes builds the merged version of two concurrent nodes. The graph
// clock is advanced past both inputs and incremented once for this
// instance, since the merge itself is a new causal event.
func (r *ConflictResolver) mergeNodes(incoming, local *SyncedNode, ourClock VectorClock) *SyncedNode {
	ourClock.Merge(incoming.VectorClock)
	ourClock.Increment(r.instanceID)

	remoteWins := laterWriter(incoming.ModifiedAt(), incoming.LastModifiedBy, local.ModifiedAt(), local.LastModifiedBy)

	var merged *SyncedNode
	if remoteWins {
		merged = incoming.Copy()
	} else {
		merged = local.Copy()
	}
	merged.SessionID = local.SessionID
	merged.GraphName = local.GraphName
	merged.SyncEnabled = local.SyncEnabled

	switch local.NodeType {
	case NodeConcept:
		// Concept definitions are authoritative on the remote side.
		merged.Properties = copyProperties(incoming.Properties)
	case NodeEntity:
		merged.Properties = mergePropertyMaps(local.Properties, incoming.Properties, remoteWins)
		for _, key := range entityIdentityKeys {
			if v, ok := local.Properties[key]; ok {
				if merged.Properties == nil {
					merged.Properties = make(map[string]any)
				}
				merged.Properties[key] = v
			}
		}
	case NodeFact:
		merged.Properties = mergePropertyMaps(local.Properties, incoming.Properties, remoteWins)
		for _, key := range factUnionKeys {
			la, lok := asArray(local.Properties[key])
			ra, rok := asArray(incoming.Properties[key])
			if lok || rok {
				if merged.Properties == nil {
					merged.Properties = make(map[string]any)
				}
				merged.Properties[key] = unionArrays(la, ra)
			}
		}
	case NodeEvent:
		merged.Properties = mergePropertyMaps(local.Properties, incoming.Properties, remoteWins)
	default:
		// Unknown types from newer peers take the generic path.
		merged.Properties = mergePropertyMaps(local.Properties, incoming.Properties, remoteWins)
	}

	merged.VectorClock = ourClock.Copy()
	merged.CreatedAt = earlierNonZero(local.CreatedAt, incoming.CreatedAt)
	merged.UpdatedAt = laterTime(local.ModifiedAt(), incoming.ModifiedAt())
	merged.LastModifiedBy = r.instanceID
	merged.IsDeleted = false
	return merged
}

// ResolveEdge resolves one incoming edge version. Endpoint or kind
// disagreements always escalate; automatic merging never rewires an edge.
func (r *ConflictResolver) ResolveEdge(incoming *SyncedEdge, local *SyncedEdge, tombstone *Tombstone, ourClock VectorClock) Resolution {
	relation := ourClock.Compare(incoming.VectorClock)

	switch relation {
	case ClockBefore:
		ourClock.Merge(incoming.VectorClock)
		return Resolution{Kind: ResolutionAcceptRemote, Relation: relation}
	case ClockAfter, ClockEqual:
		return Resolution{Kind: ResolutionKeepLocal, Relation: relation}
	}

	if local == nil {
		return r.resolveMissingEdge(incoming, tombstone, ourClock)
	}

	if incoming.SourceID != local.SourceID || incoming.TargetID != local.TargetID {
		r.record(ConflictRecord{
			SessionID:     local.SessionID,
			GraphName:     local.GraphName,
			EntityType:    EntityEdge,
			EntityID:      incoming.ID,
			ConflictType:  ConflictEndpointMismatch,
			LocalVersion:  snapshotJSON(local),
			RemoteVersion: snapshotJSON(incoming),
			Resolution:    ResolutionManualReview,
		})
		return Resolution{Kind: ResolutionManualReview, Relation: relation}
	}
	if incoming.EdgeKind != local.EdgeKind {
		r.record(ConflictRecord{
			SessionID:     local.SessionID,
			GraphName:     local.GraphName,
			EntityType:    EntityEdge,
			EntityID:      incoming.ID,
			ConflictType:  ConflictTypeMismatch,
			LocalVersion:  snapshotJSON(local),
			RemoteVersion: snapshotJSON(incoming),
			Resolution:    ResolutionManualReview,
		})
		return Resolution{Kind: ResolutionManualReview, Relation: relation}
	}

	merged := r.mergeEdges(incoming, local, ourClock)
	r.record(ConflictRecord{
		SessionID:     local.SessionID,
		GraphName:     local.GraphName,
		EntityType:    EntityEdge,
		EntityID:      incoming.ID,
		ConflictType:  ConflictConcurrentUpdate,
		LocalVersion:  snapshotJSON(local),
		RemoteVersion: snapshotJSON(incoming),
		Resolution:    ResolutionMerged,
	})
	return Resolution{Kind: ResolutionMerged, Relation: relation, MergedEdge: merged}
}

func (r *ConflictResolver) resolveMissingEdge(incoming *SyncedEdge, tombstone *Tombstone, ourClock VectorClock) Resolution {
	if tombstone != nil && tombstone.VectorClock.Compare(incoming.VectorClock) != ClockBefore {
		r.record(ConflictRecord{
			SessionID:     incoming.SessionID,
			GraphName:     incoming.GraphName,
			EntityType:    EntityEdge,
			EntityID:      incoming.ID,
			ConflictType:  ConflictDeleteUpdate,
			LocalVersion:  snapshotJSON(tombstone),
			RemoteVersion: snapshotJSON(incoming),
			Resolution:    ResolutionKeepLocal,
		})
		return Resolution{Kind: ResolutionKeepLocal, Relation: ClockConcurrent}
	}

	ourClock.Merge(incoming.VectorClock)
	r.record(ConflictRecord{
		SessionID:     incoming.SessionID,
		GraphName:     incoming.GraphName,
		EntityType:    EntityEdge,
		EntityID:      incoming.ID,
		ConflictType:  ConflictMissingLocal,
		RemoteVersion: snapshotJSON(incoming),
		Resolution:    ResolutionAcceptRemote,
	})
	return Resolution{Kind: ResolutionAcceptRemote, Relation: ClockConcurrent}
}

func (r *ConflictResolver) mergeEdges(incoming, local *SyncedEdge, ourClock VectorClock) *SyncedEdge {
	ourClock.Merge(incoming.VectorClock)
	ourClock.Increment(r.instanceID)

	remoteWins := laterWriter(incoming.ModifiedAt(), incoming.LastModifiedBy, local.ModifiedAt(), local.LastModifiedBy)

	var merged *SyncedEdge
	if remoteWins {
		merged = incoming.Copy()
	} else {
		merged = local.Copy()
	}
	merged.SessionID = local.SessionID
	merged.GraphName = local.GraphName
	merged.SyncEnabled = local.SyncEnabled
	merged.Properties = mergePropertyMaps(local.Properties, incoming.Properties, remoteWins)

	merged.VectorClock = ourClock.Copy()
	merged.CreatedAt = earlierNonZero(local.CreatedAt, incoming.CreatedAt)
	merged.UpdatedAt = laterTime(local.ModifiedAt(), incoming.ModifiedAt())
	merged.LastModifiedBy = r.instanceID
	merged.IsDeleted = false
	return merged
}

// record stamps and appends a conflict record to the audit log.
func (r *ConflictResolver) record(rec ConflictRecord) {
	rec.ID = uuid.NewString()
	rec.Timestamp = time.Now()
	if err := r.log.Append(rec); err != nil {
		slog.Error("failed to append conflict record", "entity_id", rec.EntityID, "err", err)
	}
}

// ---------------------------------------------------------------------------
// Property merging
// ---------------------------------------------------------------------------

// mergePropertyMaps merges two property maps key by key. Keys present on
// one side only are kept; keys present on both take the winner's value,
// except that nested objects merge recursively and arrays union.
func mergePropertyMaps(local, remote map[string]any, remoteWins bool) map[string]any {
	if local == nil && remote == nil {
		return nil
	}
	merged := make(map[string]any, len(local)+len(remote))
	for k, lv := range local {
		rv, ok := remote[k]
		if !ok {
			merged[k] = lv
			continue
		}
		merged[k] = mergeValues(lv, rv, remoteWins)
	}
	for k, rv := range remote {
		if _, ok := local[k]; !ok {
			merged[k] = rv
		}
	}
	return merged
}

func mergeValues(lv, rv any, remoteWins bool) any {
	if lm, ok := lv.(map[string]any); ok {
		if rm, ok := rv.(map[string]any); ok {
			return mergePropertyMaps(lm, rm, remoteWins)
		}
	}
	la, lok := lv.([]any)
	ra, rok := rv.([]any)
	if lok && rok {
		return unionArrays(la, ra)
	}
	if remoteWins {
		return rv
	}
	return lv
}

// unionArrays unions two arrays, de-duplicating by canonical JSON encoding
// and keeping first-occurrence order.
func unionArrays(a, b []any) []any {
	seen := mapset.NewSet[string]()
	out := make([]any, 0, len(a)+len(b))
	for _, arr := range [][]any{a, b} {
		for _, v := range arr {
			if seen.Add(canonicalValue(v)) {
				out = append(out, v)
			}
		}
	}
	return out
}

func canonicalValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func asArray(v any) ([]any, bool) {
	arr, ok := v.([]any)
	return arr, ok
}

// laterWriter applies last-writer-wins with the writer id as a
// deterministic tie-break, so both sides of an exchange pick the same
// winner.
func laterWriter(remoteAt time.Time, remoteBy string, localAt time.Time, localBy string) bool {
	if !remoteAt.Equal(localAt) {
		return remoteAt.After(localAt)
	}
	return remoteBy > localBy
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func earlierNonZero(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}

func snapshotJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
