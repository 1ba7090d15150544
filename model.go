package graphmesh

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Entity Types
// ---------------------------------------------------------------------------

// NodeType classifies a graph node for merge-policy selection.
type NodeType string

const (
	NodeEntity  NodeType = "entity"
	NodeConcept NodeType = "concept"
	NodeFact    NodeType = "fact"
	NodeEvent   NodeType = "event"
)

// Known reports whether the node type is one this version understands.
// Payloads from newer peers may carry types we do not know; those take the
// generic merge path rather than failing.
func (t NodeType) Known() bool {
	switch t {
	case NodeEntity, NodeConcept, NodeFact, NodeEvent:
		return true
	default:
		return false
	}
}

// EdgeKind classifies a graph edge.
type EdgeKind string

const (
	EdgeRelation  EdgeKind = "relation"
	EdgeCausal    EdgeKind = "causal"
	EdgeTemporal  EdgeKind = "temporal"
	EdgeReference EdgeKind = "reference"
)

// Known reports whether the edge kind is one this version understands.
func (k EdgeKind) Known() bool {
	switch k {
	case EdgeRelation, EdgeCausal, EdgeTemporal, EdgeReference:
		return true
	default:
		return false
	}
}

// EntityType distinguishes nodes from edges in tombstones and audit records.
type EntityType string

const (
	EntityNode EntityType = "node"
	EntityEdge EntityType = "edge"
)

// ---------------------------------------------------------------------------
// Synced Entities
// ---------------------------------------------------------------------------

// SyncedNode is a graph node together with the metadata the sync layer
// needs: its vector clock, the last writer, and soft-delete state.
type SyncedNode struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	GraphName  string         `json:"graph_name"`
	NodeType   NodeType       `json:"node_type"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	VectorClock    VectorClock `json:"vector_clock"`
	LastModifiedBy string      `json:"last_modified_by,omitempty"`
	IsDeleted      bool        `json:"is_deleted"`
	SyncEnabled    bool        `json:"sync_enabled"`
}

// ModifiedAt returns the effective modification time used for conflict
// resolution: UpdatedAt, falling back to CreatedAt when unset.
func (n *SyncedNode) ModifiedAt() time.Time {
	if n.UpdatedAt.IsZero() {
		return n.CreatedAt
	}
	return n.UpdatedAt
}

// Copy returns a deep copy of the node, including its clock and properties.
func (n *SyncedNode) Copy() *SyncedNode {
	c := *n
	c.VectorClock = n.VectorClock.Copy()
	c.Properties = copyProperties(n.Properties)
	return &c
}

// SyncedEdge is a directed graph edge with the same sync metadata as a node.
type SyncedEdge struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	GraphName  string         `json:"graph_name"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	EdgeKind   EdgeKind       `json:"edge_kind"`
	Predicate  string         `json:"predicate"`
	Weight     float64        `json:"weight"`
	ValidFrom  *time.Time     `json:"valid_from,omitempty"`
	ValidTo    *time.Time     `json:"valid_to,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	VectorClock    VectorClock `json:"vector_clock"`
	LastModifiedBy string      `json:"last_modified_by,omitempty"`
	IsDeleted      bool        `json:"is_deleted"`
	SyncEnabled    bool        `json:"sync_enabled"`
}

// ModifiedAt returns UpdatedAt, falling back to CreatedAt when unset.
func (e *SyncedEdge) ModifiedAt() time.Time {
	if e.UpdatedAt.IsZero() {
		return e.CreatedAt
	}
	return e.UpdatedAt
}

// Copy returns a deep copy of the edge.
func (e *SyncedEdge) Copy() *SyncedEdge {
	c := *e
	c.VectorClock = e.VectorClock.Copy()
	c.Properties = copyProperties(e.Properties)
	if e.ValidFrom != nil {
		vf := *e.ValidFrom
		c.ValidFrom = &vf
	}
	if e.ValidTo != nil {
		vt := *e.ValidTo
		c.ValidTo = &vt
	}
	return &c
}

func copyProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	c := make(map[string]any, len(props))
	for k, v := range props {
		switch val := v.(type) {
		case map[string]any:
			c[k] = copyProperties(val)
		case []any:
			arr := make([]any, len(val))
			copy(arr, val)
			c[k] = arr
		default:
			c[k] = v
		}
	}
	return c
}

// Tombstone records a deletion so peers that still hold the entity can
// delete it too instead of resurrecting it. Tombstones are immutable once
// created.
type Tombstone struct {
	EntityType  EntityType  `json:"entity_type"`
	EntityID    string      `json:"entity_id"`
	SessionID   string      `json:"session_id"`
	GraphName   string      `json:"graph_name"`
	VectorClock VectorClock `json:"vector_clock"`
	DeletedBy   string      `json:"deleted_by"`
	DeletedAt   time.Time   `json:"deleted_at"`
}

// Copy returns a deep copy of the tombstone.
func (t *Tombstone) Copy() *Tombstone {
	c := *t
	c.VectorClock = t.VectorClock.Copy()
	return &c
}

// ---------------------------------------------------------------------------
// Sync Payload
// ---------------------------------------------------------------------------

// SyncType identifies the role of a sync payload in an exchange.
type SyncType string

const (
	// SyncRequestFull asks a peer for its complete graph state.
	SyncRequestFull SyncType = "request_full"
	// SyncRequestIncremental asks a peer for changes since the sender's
	// last known position.
	SyncRequestIncremental SyncType = "request_incremental"
	// SyncFull carries complete graph state.
	SyncFull SyncType = "full"
	// SyncIncremental carries changes since a known position.
	SyncIncremental SyncType = "incremental"
	// SyncAck acknowledges an exchange and carries only the sender's clock.
	SyncAck SyncType = "ack"
	// SyncConflict reports entities that require manual review.
	SyncConflict SyncType = "conflict"
)

// Known reports whether the sync type is valid.
func (s SyncType) Known() bool {
	switch s {
	case SyncRequestFull, SyncRequestIncremental, SyncFull, SyncIncremental, SyncAck, SyncConflict:
		return true
	default:
		return false
	}
}

// IsRequest reports whether the sync type is a request variant, which must
// carry no entities.
func (s SyncType) IsRequest() bool {
	return s == SyncRequestFull || s == SyncRequestIncremental
}

// GraphSyncPayload is the unit of exchange between instances. Request
// variants carry an empty entity set; response variants carry entities plus
// the sender's clock, which the receiver merges into its own rather than
// overwriting.
type GraphSyncPayload struct {
	SyncType       SyncType     `json:"sync_type"`
	SessionID      string       `json:"session_id"`
	GraphName      string       `json:"graph_name,omitempty"`
	SourceInstance string       `json:"source_instance"`
	VectorClock    VectorClock  `json:"vector_clock"`
	Nodes          []SyncedNode `json:"nodes"`
	Edges          []SyncedEdge `json:"edges"`
	Tombstones     []Tombstone  `json:"tombstones"`
	CorrelationID  string       `json:"correlation_id,omitempty"`
	SentAt         time.Time    `json:"sent_at"`
}

// Validate checks payload invariants before any of it is applied. A payload
// that fails validation is rejected whole; nothing is written.
func (p *GraphSyncPayload) Validate() error {
	if !p.SyncType.Known() {
		return newSchemaError(fmt.Sprintf("unknown sync type %q", p.SyncType))
	}
	if p.SessionID == "" {
		return newSchemaError("missing session_id")
	}
	if p.SourceInstance == "" {
		return newSchemaError("missing source_instance")
	}
	if p.SyncType.IsRequest() {
		if len(p.Nodes) > 0 || len(p.Edges) > 0 || len(p.Tombstones) > 0 {
			return newSchemaError(fmt.Sprintf("%s payload must not carry entities", p.SyncType))
		}
		return nil
	}
	for i := range p.Nodes {
		n := &p.Nodes[i]
		if n.ID == "" {
			return newSchemaError(fmt.Sprintf("node %d missing id", i))
		}
		if len(n.VectorClock) == 0 {
			return newSchemaError(fmt.Sprintf("node %q missing vector clock", n.ID))
		}
	}
	for i := range p.Edges {
		e := &p.Edges[i]
		if e.ID == "" {
			return newSchemaError(fmt.Sprintf("edge %d missing id", i))
		}
		if e.SourceID == "" || e.TargetID == "" {
			return newSchemaError(fmt.Sprintf("edge %q missing endpoints", e.ID))
		}
		if len(e.VectorClock) == 0 {
			return newSchemaError(fmt.Sprintf("edge %q missing vector clock", e.ID))
		}
	}
	for i := range p.Tombstones {
		ts := &p.Tombstones[i]
		if ts.EntityID == "" {
			return newSchemaError(fmt.Sprintf("tombstone %d missing entity_id", i))
		}
		if ts.EntityType != EntityNode && ts.EntityType != EntityEdge {
			return newSchemaError(fmt.Sprintf("tombstone %q has unknown entity type %q", ts.EntityID, ts.EntityType))
		}
		if len(ts.VectorClock) == 0 {
			return newSchemaError(fmt.Sprintf("tombstone %q missing vector clock", ts.EntityID))
		}
	}
	return nil
}

// SyncRequest is the body of a sync request from a peer: who is asking,
// for what, and how far their view of us extends.
type SyncRequest struct {
	SessionID          string      `json:"session_id"`
	GraphName          string      `json:"graph_name,omitempty"`
	RequestingInstance string      `json:"requesting_instance"`
	VectorClock        VectorClock `json:"vector_clock,omitempty"`
	CorrelationID      string      `json:"correlation_id,omitempty"`
}

// Validate checks the request fields.
func (r *SyncRequest) Validate() error {
	if r.SessionID == "" {
		return newSchemaError("missing session_id")
	}
	if r.RequestingInstance == "" {
		return newSchemaError("missing requesting_instance")
	}
	return nil
}

// SyncStats summarizes one apply: how many entities landed and how many
// conflicts were seen along the way.
type SyncStats struct {
	NodesApplied      int      `json:"nodes_applied"`
	EdgesApplied      int      `json:"edges_applied"`
	TombstonesApplied int      `json:"tombstones_applied"`
	ConflictsDetected int      `json:"conflicts_detected"`
	ConflictsResolved int      `json:"conflicts_resolved"`
	SyncType          SyncType `json:"sync_type"`
}

// ---------------------------------------------------------------------------
// Conflict Audit
// ---------------------------------------------------------------------------

// ConflictType classifies why two versions of an entity conflicted.
type ConflictType string

const (
	// ConflictConcurrentUpdate is the common case: both instances modified
	// the entity with neither seeing the other's write.
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	// ConflictTypeMismatch means the two versions disagree on the entity's
	// type, which automatic merging will not touch.
	ConflictTypeMismatch ConflictType = "type_mismatch"
	// ConflictEndpointMismatch means two versions of an edge disagree on
	// its source or target.
	ConflictEndpointMismatch ConflictType = "endpoint_mismatch"
	// ConflictDeleteUpdate means a remote update raced a local deletion.
	ConflictDeleteUpdate ConflictType = "delete_update"
	// ConflictMissingLocal means a concurrent remote version arrived for an
	// entity we have no local copy of.
	ConflictMissingLocal ConflictType = "missing_local"
)

// ResolutionKind is the outcome of conflict resolution for one entity.
type ResolutionKind string

const (
	ResolutionAcceptRemote ResolutionKind = "accept_remote"
	ResolutionKeepLocal    ResolutionKind = "keep_local"
	ResolutionMerged       ResolutionKind = "merged"
	ResolutionManualReview ResolutionKind = "requires_manual_review"
)

// ConflictRecord is one entry of the append-only conflict audit trail. Both
// versions are kept verbatim so manual review can see exactly what clashed.
type ConflictRecord struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	GraphName     string          `json:"graph_name"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	ConflictType  ConflictType    `json:"conflict_type"`
	LocalVersion  json.RawMessage `json:"local_version,omitempty"`
	RemoteVersion json.RawMessage `json:"remote_version,omitempty"`
	Resolution    ResolutionKind  `json:"resolution"`
	Timestamp     time.Time       `json:"timestamp"`
	Reviewed      bool            `json:"reviewed"`
	ReviewedAt    *time.Time      `json:"reviewed_at,omitempty"`
}
