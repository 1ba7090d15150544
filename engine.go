package graphmesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sync engine
// ---------------------------------------------------------------------------

// SyncEngineConfig configures a SyncEngine.
type SyncEngineConfig struct {
	// InstanceID identifies this instance in vector clocks, merge
	// attribution, and conflict records. Required.
	InstanceID string

	// Log receives the audit trail of detected conflicts.
	// Default: an in-memory log.
	Log ConflictLog

	// Resolver decides the outcome of concurrent updates.
	// Default: a resolver for InstanceID writing to Log.
	Resolver *ConflictResolver

	// Events receives conflict events as they are detected. Optional.
	Events *SyncEventHub
}

// SyncEngine drives one sync exchange end to end: it decides the transfer
// strategy for a peer, builds outgoing payloads, and applies incoming
// payloads entity by entity through the conflict resolver.
//
// The engine does no locking of its own; it relies on the store's
// single-entity read-modify-write atomicity.
type SyncEngine struct {
	instanceID string
	store      GraphStore
	resolver   *ConflictResolver
	log        ConflictLog
	events     *SyncEventHub
}

// NewSyncEngine creates a sync engine on top of store.
func NewSyncEngine(store GraphStore, config SyncEngineConfig) (*SyncEngine, error) {
	if store == nil {
		return nil, errors.New("sync engine requires a store")
	}
	if config.InstanceID == "" {
		return nil, errors.New("sync engine requires an instance id")
	}

	log := config.Log
	if log == nil {
		log = NewMemoryConflictLog()
	}
	resolver := config.Resolver
	if resolver == nil {
		resolver = NewConflictResolver(config.InstanceID, log)
	}

	return &SyncEngine{
		instanceID: config.InstanceID,
		store:      store,
		resolver:   resolver,
		log:        log,
		events:     config.Events,
	}, nil
}

// InstanceID returns the identity this engine writes into clocks.
func (e *SyncEngine) InstanceID() string {
	return e.instanceID
}

// ConflictLog returns the audit log the engine records conflicts in.
func (e *SyncEngine) ConflictLog() ConflictLog {
	return e.log
}

// Store returns the storage collaborator.
func (e *SyncEngine) Store() GraphStore {
	return e.store
}

// CurrentClock derives this instance's vector clock for a graph: the
// persisted clock merged with every live entity clock and every tombstone
// clock. Deriving instead of trusting the persisted value alone means a
// restart or an out-of-band write can never regress the clock.
func (e *SyncEngine) CurrentClock(ctx context.Context, sessionID, graphName string) (VectorClock, error) {
	persisted, _, err := e.store.Clock(ctx, e.instanceID, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to read own clock: %w", err)
	}
	clock := persisted.Copy()

	nodes, err := e.store.ListNodes(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	for i := range nodes {
		clock.Merge(nodes[i].VectorClock)
	}

	edges, err := e.store.ListEdges(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	for i := range edges {
		clock.Merge(edges[i].VectorClock)
	}

	tombstones, err := e.store.Tombstones(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	for i := range tombstones {
		clock.Merge(tombstones[i].VectorClock)
	}

	return clock, nil
}

// DecideStrategy picks full or incremental transfer for a peer. Full is
// chosen when the peer advertises an empty clock or has never exchanged
// this graph with us before; otherwise the peer's known position allows a
// delta.
func (e *SyncEngine) DecideStrategy(ctx context.Context, peerInstance, sessionID, graphName string, peerClock VectorClock) (SyncType, error) {
	if peerClock.IsEmpty() {
		return SyncFull, nil
	}
	_, recordedAt, err := e.store.Clock(ctx, peerInstance, sessionID, graphName)
	if err != nil {
		return "", fmt.Errorf("failed to read peer clock: %w", err)
	}
	if recordedAt.IsZero() {
		return SyncFull, nil
	}
	return SyncIncremental, nil
}

// BuildRequest prepares the client half of an exchange: our current clock
// plus a correlation id the peer echoes back in its payload.
func (e *SyncEngine) BuildRequest(ctx context.Context, sessionID, graphName string) (*SyncRequest, error) {
	clock, err := e.CurrentClock(ctx, sessionID, graphName)
	if err != nil {
		return nil, err
	}
	return &SyncRequest{
		SessionID:          sessionID,
		GraphName:          graphName,
		RequestingInstance: e.instanceID,
		VectorClock:        clock,
		CorrelationID:      uuid.NewString(),
	}, nil
}

// BuildPayload assembles the outgoing payload for a peer. Full transfers
// carry every live sync-enabled entity plus all tombstones. Incremental
// transfers carry only what the peer's clock cannot already cover: entities
// and tombstones whose clocks compare After or Concurrent against it.
func (e *SyncEngine) BuildPayload(ctx context.Context, sessionID, graphName string, peerClock VectorClock, syncType SyncType) (*GraphSyncPayload, error) {
	switch syncType {
	case SyncFull, SyncIncremental:
	default:
		return nil, fmt.Errorf("cannot build an entity payload of type %q", syncType)
	}

	clock, err := e.CurrentClock(ctx, sessionID, graphName)
	if err != nil {
		return nil, err
	}

	payload := &GraphSyncPayload{
		SyncType:       syncType,
		SessionID:      sessionID,
		GraphName:      graphName,
		SourceInstance: e.instanceID,
		VectorClock:    clock,
		SentAt:         time.Now().UTC(),
	}

	nodes, err := e.store.ListNodes(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	for i := range nodes {
		node := nodes[i]
		if !node.SyncEnabled {
			continue
		}
		if syncType == SyncIncremental && !aheadOf(node.VectorClock, peerClock) {
			continue
		}
		payload.Nodes = append(payload.Nodes, node)
	}

	edges, err := e.store.ListEdges(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	for i := range edges {
		edge := edges[i]
		if !edge.SyncEnabled {
			continue
		}
		if syncType == SyncIncremental && !aheadOf(edge.VectorClock, peerClock) {
			continue
		}
		payload.Edges = append(payload.Edges, edge)
	}

	tombstones, err := e.store.Tombstones(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	for i := range tombstones {
		tombstone := tombstones[i]
		if syncType == SyncIncremental && !aheadOf(tombstone.VectorClock, peerClock) {
			continue
		}
		payload.Tombstones = append(payload.Tombstones, tombstone)
	}

	return payload, nil
}

// BuildAck acknowledges an applied payload, carrying our advanced clock
// back to the sender.
func (e *SyncEngine) BuildAck(ctx context.Context, sessionID, graphName, correlationID string) (*GraphSyncPayload, error) {
	clock, err := e.CurrentClock(ctx, sessionID, graphName)
	if err != nil {
		return nil, err
	}
	return &GraphSyncPayload{
		SyncType:       SyncAck,
		SessionID:      sessionID,
		GraphName:      graphName,
		SourceInstance: e.instanceID,
		VectorClock:    clock,
		CorrelationID:  correlationID,
		SentAt:         time.Now().UTC(),
	}, nil
}

// aheadOf reports whether an entity clock carries history the peer's clock
// does not already cover.
func aheadOf(entity, peer VectorClock) bool {
	switch entity.Compare(peer) {
	case ClockAfter, ClockConcurrent:
		return true
	default:
		return false
	}
}

// HandleRequest serves the peer half of an exchange: validate, decide the
// strategy for the requesting instance, build the matching payload, and
// remember the peer's clock so the next strategy decision sees it. Unknown
// graphs surface ErrUnknownGraph; graphs with sync disabled surface
// ErrSyncDisabled.
func (e *SyncEngine) HandleRequest(ctx context.Context, req *SyncRequest) (*GraphSyncPayload, error) {
	if req == nil {
		return nil, newSchemaError("sync request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	enabled, err := e.store.SyncEnabled(ctx, req.SessionID, req.GraphName)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync config: %w", err)
	}
	if !enabled {
		return nil, &SyncError{
			Type:      SyncErrorTypeDisabled,
			Message:   "sync is disabled for this graph",
			Peer:      req.RequestingInstance,
			SessionID: req.SessionID,
			GraphName: req.GraphName,
		}
	}

	peerClock := req.VectorClock
	if peerClock == nil {
		peerClock = NewVectorClock()
	}

	syncType, err := e.DecideStrategy(ctx, req.RequestingInstance, req.SessionID, req.GraphName, peerClock)
	if err != nil {
		return nil, err
	}

	payload, err := e.BuildPayload(ctx, req.SessionID, req.GraphName, peerClock, syncType)
	if err != nil {
		return nil, err
	}
	payload.CorrelationID = req.CorrelationID

	if err := e.rememberPeerClock(ctx, req.RequestingInstance, req.SessionID, req.GraphName, peerClock); err != nil {
		return nil, err
	}

	return payload, nil
}

// Apply ingests a peer's payload entity by entity through the conflict
// resolver and reports what changed.
//
// A schema violation rejects the whole payload before any write. A single
// entity's escalation to manual review never aborts the rest. A storage
// failure aborts the remainder and returns the partial stats together with
// the error.
//
// A payload for a graph this instance has never seen registers the graph
// with sync enabled; a payload for a graph with sync switched off is
// rejected with ErrSyncDisabled.
func (e *SyncEngine) Apply(ctx context.Context, payload *GraphSyncPayload) (*SyncStats, error) {
	if payload == nil {
		return nil, newSchemaError("payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if payload.SyncType.IsRequest() {
		return nil, newSchemaError(fmt.Sprintf("cannot apply a payload of type %q", payload.SyncType))
	}

	sessionID, graphName := payload.SessionID, payload.GraphName
	stats := &SyncStats{SyncType: payload.SyncType}

	enabled, err := e.store.SyncEnabled(ctx, sessionID, graphName)
	switch {
	case errors.Is(err, ErrUnknownGraph):
		// First replica of a graph this instance has never seen.
		if err := e.store.SetSyncEnabled(ctx, sessionID, graphName, true); err != nil {
			return stats, newStorageOpError("register graph", graphName, err)
		}
		enabled = true
	case err != nil:
		return stats, newStorageOpError("read sync config", graphName, err)
	}
	if !enabled {
		return nil, &SyncError{
			Type:      SyncErrorTypeDisabled,
			Message:   "sync is disabled for this graph",
			Peer:      payload.SourceInstance,
			SessionID: sessionID,
			GraphName: graphName,
		}
	}

	ourClock, err := e.CurrentClock(ctx, sessionID, graphName)
	if err != nil {
		return stats, newStorageOpError("derive clock", graphName, err)
	}

	for i := range payload.Nodes {
		if err := e.applyNode(ctx, &payload.Nodes[i], payload, ourClock, stats); err != nil {
			return stats, err
		}
	}
	for i := range payload.Edges {
		if err := e.applyEdge(ctx, &payload.Edges[i], payload, ourClock, stats); err != nil {
			return stats, err
		}
	}
	for i := range payload.Tombstones {
		if err := e.applyTombstone(ctx, &payload.Tombstones[i], payload, ourClock, stats); err != nil {
			return stats, err
		}
	}

	// The payload clock is the sender's post-exchange position; merge it,
	// never overwrite, so our clock keeps dominating everything applied.
	ourClock.Merge(payload.VectorClock)

	if err := e.store.SetClock(ctx, e.instanceID, sessionID, graphName, ourClock); err != nil {
		return stats, newStorageOpError("persist clock", graphName, err)
	}
	if payload.SourceInstance != e.instanceID {
		if err := e.rememberPeerClock(ctx, payload.SourceInstance, sessionID, graphName, payload.VectorClock); err != nil {
			return stats, err
		}
	}
	if err := e.store.SetLastSyncAt(ctx, sessionID, graphName, time.Now()); err != nil {
		return stats, newStorageOpError("persist last sync", graphName, err)
	}

	return stats, nil
}

func (e *SyncEngine) applyNode(ctx context.Context, incoming *SyncedNode, payload *GraphSyncPayload, ourClock VectorClock, stats *SyncStats) error {
	sessionID, graphName := payload.SessionID, payload.GraphName

	local, err := e.store.GetNode(ctx, sessionID, graphName, incoming.ID)
	if err != nil {
		return newStorageOpError("read node", incoming.ID, err)
	}

	// A soft-deleted row counts as absent; the tombstone speaks for it.
	var tombstone *Tombstone
	if local == nil || local.IsDeleted {
		local = nil
		tombstone, err = e.store.TombstoneFor(ctx, sessionID, graphName, EntityNode, incoming.ID)
		if err != nil {
			return newStorageOpError("read tombstone", incoming.ID, err)
		}
	}

	res := e.resolver.ResolveNode(incoming, local, tombstone, ourClock)
	e.countConflict(res, EntityNode, incoming.ID, payload, stats)

	switch res.Kind {
	case ResolutionAcceptRemote:
		accepted := incoming.Copy()
		accepted.SessionID = sessionID
		accepted.GraphName = graphName
		if err := e.store.PutNode(ctx, accepted); err != nil {
			return newStorageOpError("write node", incoming.ID, err)
		}
		stats.NodesApplied++
	case ResolutionMerged:
		if err := e.store.PutNode(ctx, res.MergedNode); err != nil {
			return newStorageOpError("write node", incoming.ID, err)
		}
		stats.NodesApplied++
	case ResolutionKeepLocal, ResolutionManualReview:
		// No write.
	}
	return nil
}

func (e *SyncEngine) applyEdge(ctx context.Context, incoming *SyncedEdge, payload *GraphSyncPayload, ourClock VectorClock, stats *SyncStats) error {
	sessionID, graphName := payload.SessionID, payload.GraphName

	local, err := e.store.GetEdge(ctx, sessionID, graphName, incoming.ID)
	if err != nil {
		return newStorageOpError("read edge", incoming.ID, err)
	}

	var tombstone *Tombstone
	if local == nil || local.IsDeleted {
		local = nil
		tombstone, err = e.store.TombstoneFor(ctx, sessionID, graphName, EntityEdge, incoming.ID)
		if err != nil {
			return newStorageOpError("read tombstone", incoming.ID, err)
		}
	}

	res := e.resolver.ResolveEdge(incoming, local, tombstone, ourClock)
	e.countConflict(res, EntityEdge, incoming.ID, payload, stats)

	switch res.Kind {
	case ResolutionAcceptRemote:
		accepted := incoming.Copy()
		accepted.SessionID = sessionID
		accepted.GraphName = graphName
		if err := e.store.PutEdge(ctx, accepted); err != nil {
			return newStorageOpError("write edge", incoming.ID, err)
		}
		stats.EdgesApplied++
	case ResolutionMerged:
		if err := e.store.PutEdge(ctx, res.MergedEdge); err != nil {
			return newStorageOpError("write edge", incoming.ID, err)
		}
		stats.EdgesApplied++
	case ResolutionKeepLocal, ResolutionManualReview:
		// No write.
	}
	return nil
}

// applyTombstone applies a remote deletion. The delete wins unless the
// local entity's clock strictly dominates the tombstone clock, meaning a
// later local update superseded the delete. A concurrent local update is a
// delete/update conflict escalated for review rather than silently
// destroying data.
func (e *SyncEngine) applyTombstone(ctx context.Context, incoming *Tombstone, payload *GraphSyncPayload, ourClock VectorClock, stats *SyncStats) error {
	sessionID, graphName := payload.SessionID, payload.GraphName

	tombstone := incoming.Copy()
	tombstone.SessionID = sessionID
	tombstone.GraphName = graphName

	switch tombstone.EntityType {
	case EntityNode:
		local, err := e.store.GetNode(ctx, sessionID, graphName, tombstone.EntityID)
		if err != nil {
			return newStorageOpError("read node", tombstone.EntityID, err)
		}
		if local == nil || local.IsDeleted {
			return e.storeTombstone(ctx, tombstone, ourClock, local == nil, stats)
		}
		switch local.VectorClock.Compare(tombstone.VectorClock) {
		case ClockAfter:
			// The local update already supersedes the delete.
			return nil
		case ClockConcurrent:
			e.recordDeleteConflict(EntityNode, tombstone.EntityID, payload, snapshotJSON(local), snapshotJSON(tombstone))
			stats.ConflictsDetected++
			return nil
		}
		deleted := local.Copy()
		deleted.IsDeleted = true
		deleted.VectorClock.Merge(tombstone.VectorClock)
		deleted.UpdatedAt = laterTime(deleted.ModifiedAt(), tombstone.DeletedAt)
		deleted.LastModifiedBy = tombstone.DeletedBy
		if err := e.store.PutNode(ctx, deleted); err != nil {
			return newStorageOpError("write node", tombstone.EntityID, err)
		}
		return e.storeTombstone(ctx, tombstone, ourClock, true, stats)

	case EntityEdge:
		local, err := e.store.GetEdge(ctx, sessionID, graphName, tombstone.EntityID)
		if err != nil {
			return newStorageOpError("read edge", tombstone.EntityID, err)
		}
		if local == nil || local.IsDeleted {
			return e.storeTombstone(ctx, tombstone, ourClock, local == nil, stats)
		}
		switch local.VectorClock.Compare(tombstone.VectorClock) {
		case ClockAfter:
			return nil
		case ClockConcurrent:
			e.recordDeleteConflict(EntityEdge, tombstone.EntityID, payload, snapshotJSON(local), snapshotJSON(tombstone))
			stats.ConflictsDetected++
			return nil
		}
		deleted := local.Copy()
		deleted.IsDeleted = true
		deleted.VectorClock.Merge(tombstone.VectorClock)
		deleted.UpdatedAt = laterTime(deleted.ModifiedAt(), tombstone.DeletedAt)
		deleted.LastModifiedBy = tombstone.DeletedBy
		if err := e.store.PutEdge(ctx, deleted); err != nil {
			return newStorageOpError("write edge", tombstone.EntityID, err)
		}
		return e.storeTombstone(ctx, tombstone, ourClock, true, stats)

	default:
		return newSchemaError(fmt.Sprintf("unknown tombstone entity type %q", tombstone.EntityType))
	}
}

// storeTombstone persists a remote tombstone and folds its clock into ours.
// counted is false when the entity was already deleted locally and the
// tombstone adds nothing new.
func (e *SyncEngine) storeTombstone(ctx context.Context, tombstone *Tombstone, ourClock VectorClock, counted bool, stats *SyncStats) error {
	existing, err := e.store.TombstoneFor(ctx, tombstone.SessionID, tombstone.GraphName, tombstone.EntityType, tombstone.EntityID)
	if err != nil {
		return newStorageOpError("read tombstone", tombstone.EntityID, err)
	}
	if existing != nil {
		merged := existing.Copy()
		merged.VectorClock.Merge(tombstone.VectorClock)
		tombstone = merged
		counted = false
	}
	if err := e.store.PutTombstone(ctx, tombstone); err != nil {
		return newStorageOpError("write tombstone", tombstone.EntityID, err)
	}
	ourClock.Merge(tombstone.VectorClock)
	if counted {
		stats.TombstonesApplied++
	}
	return nil
}

// countConflict updates stats for one resolution and publishes the
// matching event.
func (e *SyncEngine) countConflict(res Resolution, entityType EntityType, entityID string, payload *GraphSyncPayload, stats *SyncStats) {
	if !res.IsConflict() {
		return
	}
	stats.ConflictsDetected++
	eventType := EventConflictDetected
	if res.Kind == ResolutionManualReview {
		eventType = EventConflictEscalated
	} else {
		stats.ConflictsResolved++
	}
	e.publish(SyncEvent{
		Type:       eventType,
		SessionID:  payload.SessionID,
		GraphName:  payload.GraphName,
		Peer:       payload.SourceInstance,
		EntityType: entityType,
		EntityID:   entityID,
	})
}

// recordDeleteConflict writes a delete/update audit record for a tombstone
// that arrived concurrently with local edits.
func (e *SyncEngine) recordDeleteConflict(entityType EntityType, entityID string, payload *GraphSyncPayload, localVersion, remoteVersion []byte) {
	e.resolver.record(ConflictRecord{
		SessionID:     payload.SessionID,
		GraphName:     payload.GraphName,
		EntityType:    entityType,
		EntityID:      entityID,
		ConflictType:  ConflictDeleteUpdate,
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
		Resolution:    ResolutionManualReview,
	})
	e.publish(SyncEvent{
		Type:       EventConflictEscalated,
		SessionID:  payload.SessionID,
		GraphName:  payload.GraphName,
		Peer:       payload.SourceInstance,
		EntityType: entityType,
		EntityID:   entityID,
		Message:    "deletion conflicts with concurrent local update",
	})
}

// rememberPeerClock merges an advertised peer clock into what we already
// know about the peer. Merging keeps the record monotonic even if payloads
// arrive out of order.
func (e *SyncEngine) rememberPeerClock(ctx context.Context, peerInstance, sessionID, graphName string, clock VectorClock) error {
	if peerInstance == "" {
		return nil
	}
	known, _, err := e.store.Clock(ctx, peerInstance, sessionID, graphName)
	if err != nil {
		return newStorageOpError("read peer clock", peerInstance, err)
	}
	merged := known.Copy()
	merged.Merge(clock)
	if err := e.store.SetClock(ctx, peerInstance, sessionID, graphName, merged); err != nil {
		return newStorageOpError("persist peer clock", peerInstance, err)
	}
	return nil
}

func (e *SyncEngine) publish(event SyncEvent) {
	if e.events == nil {
		return
	}
	e.events.Publish(event)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// SyncStatus describes one graph's sync state.
type SyncStatus struct {
	SessionID      string      `json:"session_id"`
	GraphName      string      `json:"graph_name"`
	SyncEnabled    bool        `json:"sync_enabled"`
	PendingChanges int         `json:"pending_changes"`
	LastSyncAt     *time.Time  `json:"last_sync_at,omitempty"`
	VectorClock    VectorClock `json:"vector_clock"`
}

// Status reports the sync state of one graph. Unknown graphs surface
// ErrUnknownGraph.
func (e *SyncEngine) Status(ctx context.Context, sessionID, graphName string) (*SyncStatus, error) {
	enabled, err := e.store.SyncEnabled(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync config: %w", err)
	}
	pending, err := e.store.PendingChanges(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending changes: %w", err)
	}
	clock, err := e.CurrentClock(ctx, sessionID, graphName)
	if err != nil {
		return nil, err
	}

	status := &SyncStatus{
		SessionID:      sessionID,
		GraphName:      graphName,
		SyncEnabled:    enabled,
		PendingChanges: pending,
		VectorClock:    clock,
	}
	lastSync, err := e.store.LastSyncAt(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync time: %w", err)
	}
	if !lastSync.IsZero() {
		status.LastSyncAt = &lastSync
	}
	return status, nil
}
