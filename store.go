package graphmesh

import (
	"context"
	"time"
)

// ChangeOp is the kind of mutation a changelog entry records.
type ChangeOp string

const (
	ChangeUpsert ChangeOp = "upsert"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEntry records one storage mutation. The changelog drives the
// coordinator's pending-change detection and incremental archiving.
type ChangeEntry struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Op         ChangeOp   `json:"op"`
	At         time.Time  `json:"at"`
}

// GraphSyncConfig is the per-graph sync state reported by the configs
// endpoint.
type GraphSyncConfig struct {
	SessionID   string     `json:"session_id"`
	GraphName   string     `json:"graph_name"`
	SyncEnabled bool       `json:"sync_enabled"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
}

// SyncPair identifies one syncable (session, graph) pair.
type SyncPair struct {
	SessionID string `json:"session_id"`
	GraphName string `json:"graph_name"`
}

// GraphStore is the storage collaborator consumed by the sync engine and
// coordinator. Get methods return (nil, nil) when the entity is absent.
// Implementations must make the read-modify-write of a single entity's
// clock and properties atomic; the engine does no locking of its own.
//
// Soft deletes: a deleted entity keeps its row with IsDeleted set, and a
// tombstone records the deletion. GetNode/GetEdge return deleted rows;
// ListNodes/ListEdges return live ones only.
type GraphStore interface {
	// GetNode returns the node by id, deleted or not, or (nil, nil).
	GetNode(ctx context.Context, sessionID, graphName, id string) (*SyncedNode, error)
	// PutNode writes the node verbatim and appends a changelog entry.
	PutNode(ctx context.Context, node *SyncedNode) error
	// DeleteNode soft-deletes a local node: it advances the node's clock
	// for deletedBy, writes a tombstone carrying that clock, and marks the
	// row deleted.
	DeleteNode(ctx context.Context, sessionID, graphName, id, deletedBy string) error
	// ListNodes returns all live nodes of a graph, ordered by id.
	ListNodes(ctx context.Context, sessionID, graphName string) ([]SyncedNode, error)

	// GetEdge returns the edge by id, deleted or not, or (nil, nil).
	GetEdge(ctx context.Context, sessionID, graphName, id string) (*SyncedEdge, error)
	// PutEdge writes the edge verbatim and appends a changelog entry.
	PutEdge(ctx context.Context, edge *SyncedEdge) error
	// DeleteEdge soft-deletes a local edge, like DeleteNode.
	DeleteEdge(ctx context.Context, sessionID, graphName, id, deletedBy string) error
	// ListEdges returns all live edges of a graph, ordered by id.
	ListEdges(ctx context.Context, sessionID, graphName string) ([]SyncedEdge, error)

	// ChangelogSince returns mutations after since, oldest first. A zero
	// since returns everything.
	ChangelogSince(ctx context.Context, sessionID, graphName string, since time.Time) ([]ChangeEntry, error)
	// PendingChanges counts mutations since the last recorded sync.
	PendingChanges(ctx context.Context, sessionID, graphName string) (int, error)

	// PutTombstone records a deletion marker.
	PutTombstone(ctx context.Context, tombstone *Tombstone) error
	// Tombstones returns all deletion markers for a graph.
	Tombstones(ctx context.Context, sessionID, graphName string) ([]Tombstone, error)
	// TombstoneFor returns the marker for one entity, or (nil, nil).
	TombstoneFor(ctx context.Context, sessionID, graphName string, entityType EntityType, id string) (*Tombstone, error)

	// SyncEnabled reports the per-graph sync flag. Unknown graphs return
	// ErrUnknownGraph.
	SyncEnabled(ctx context.Context, sessionID, graphName string) (bool, error)
	// SetSyncEnabled sets the per-graph flag, registering the graph if it
	// was unknown.
	SetSyncEnabled(ctx context.Context, sessionID, graphName string, enabled bool) error
	// ListGraphs returns the sync state of every graph in a session.
	ListGraphs(ctx context.Context, sessionID string) ([]GraphSyncConfig, error)
	// SyncPairs returns every (session, graph) pair with sync enabled.
	SyncPairs(ctx context.Context) ([]SyncPair, error)

	// Clock returns the persisted vector clock for (instance, session,
	// graph) and when it was recorded. A pair never recorded returns an
	// empty clock and a zero time; that zero time is what marks first
	// contact.
	Clock(ctx context.Context, instanceID, sessionID, graphName string) (VectorClock, time.Time, error)
	// SetClock persists the clock for (instance, session, graph).
	SetClock(ctx context.Context, instanceID, sessionID, graphName string, clock VectorClock) error

	// LastSyncAt returns the time of the last completed sync for a graph,
	// or a zero time.
	LastSyncAt(ctx context.Context, sessionID, graphName string) (time.Time, error)
	// SetLastSyncAt records the time of a completed sync.
	SetLastSyncAt(ctx context.Context, sessionID, graphName string, at time.Time) error

	// Close releases the store's resources.
	Close() error
}

// Compile-time checks that implementations satisfy the interface.
var (
	_ GraphStore = (*MemoryStore)(nil)
	_ GraphStore = (*SQLiteStore)(nil)
)
