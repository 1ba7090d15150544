package graphmesh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// graphState is everything the memory store tracks for one (session, graph)
// pair.
type graphState struct {
	sessionID   string
	graphName   string
	nodes       map[string]*SyncedNode
	edges       map[string]*SyncedEdge
	tombstones  map[string]*Tombstone
	changelog   []ChangeEntry
	syncEnabled bool
	lastSyncAt  time.Time
	clocks      map[string]VectorClock
	clockAt     map[string]time.Time
}

func newGraphState(sessionID, graphName string) *graphState {
	return &graphState{
		sessionID:  sessionID,
		graphName:  graphName,
		nodes:      make(map[string]*SyncedNode),
		edges:      make(map[string]*SyncedEdge),
		tombstones: make(map[string]*Tombstone),
		clocks:     make(map[string]VectorClock),
		clockAt:    make(map[string]time.Time),
	}
}

// MemoryStore is a mutex-guarded in-memory GraphStore. It backs tests,
// examples, and embedded single-process deployments; durable deployments
// use SQLiteStore.
type MemoryStore struct {
	mu     sync.RWMutex
	graphs map[string]*graphState
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs: make(map[string]*graphState),
	}
}

func graphKey(sessionID, graphName string) string {
	return sessionID + "/" + graphName
}

func tombstoneKey(entityType EntityType, id string) string {
	return string(entityType) + "/" + id
}

// graph returns the state for a pair, or nil if the pair is unknown.
func (s *MemoryStore) graph(sessionID, graphName string) *graphState {
	return s.graphs[graphKey(sessionID, graphName)]
}

// graphOrCreate returns the state for a pair, registering it if needed.
func (s *MemoryStore) graphOrCreate(sessionID, graphName string) *graphState {
	key := graphKey(sessionID, graphName)
	g, ok := s.graphs[key]
	if !ok {
		g = newGraphState(sessionID, graphName)
		s.graphs[key] = g
	}
	return g
}

func (s *MemoryStore) logChange(g *graphState, entityType EntityType, id string, op ChangeOp) {
	g.changelog = append(g.changelog, ChangeEntry{
		EntityType: entityType,
		EntityID:   id,
		Op:         op,
		At:         time.Now(),
	})
}

// GetNode returns the node by id, deleted or not, or (nil, nil).
func (s *MemoryStore) GetNode(ctx context.Context, sessionID, graphName, id string) (*SyncedNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return nil, nil
	}
	node, ok := g.nodes[id]
	if !ok {
		return nil, nil
	}
	return node.Copy(), nil
}

// PutNode writes the node verbatim and appends a changelog entry.
func (s *MemoryStore) PutNode(ctx context.Context, node *SyncedNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	g := s.graphOrCreate(node.SessionID, node.GraphName)
	g.nodes[node.ID] = node.Copy()
	op := ChangeUpsert
	if node.IsDeleted {
		op = ChangeDelete
	}
	s.logChange(g, EntityNode, node.ID, op)
	return nil
}

// DeleteNode soft-deletes a local node and writes its tombstone.
func (s *MemoryStore) DeleteNode(ctx context.Context, sessionID, graphName, id, deletedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return fmt.Errorf("node %q not found", id)
	}
	node, ok := g.nodes[id]
	if !ok || node.IsDeleted {
		return fmt.Errorf("node %q not found", id)
	}

	now := time.Now()
	clock := node.VectorClock.Copy()
	clock.Increment(deletedBy)

	node.IsDeleted = true
	node.VectorClock = clock
	node.UpdatedAt = now
	node.LastModifiedBy = deletedBy

	g.tombstones[tombstoneKey(EntityNode, id)] = &Tombstone{
		EntityType:  EntityNode,
		EntityID:    id,
		SessionID:   sessionID,
		GraphName:   graphName,
		VectorClock: clock.Copy(),
		DeletedBy:   deletedBy,
		DeletedAt:   now,
	}
	s.logChange(g, EntityNode, id, ChangeDelete)
	return nil
}

// ListNodes returns all live nodes of a graph, ordered by id.
func (s *MemoryStore) ListNodes(ctx context.Context, sessionID, graphName string) ([]SyncedNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return nil, nil
	}
	out := make([]SyncedNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		if node.IsDeleted {
			continue
		}
		out = append(out, *node.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetEdge returns the edge by id, deleted or not, or (nil, nil).
func (s *MemoryStore) GetEdge(ctx context.Context, sessionID, graphName, id string) (*SyncedEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return nil, nil
	}
	edge, ok := g.edges[id]
	if !ok {
		return nil, nil
	}
	return edge.Copy(), nil
}

// PutEdge writes the edge verbatim and appends a changelog entry.
func (s *MemoryStore) PutEdge(ctx context.Context, edge *SyncedEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	g := s.graphOrCreate(edge.SessionID, edge.GraphName)
	g.edges[edge.ID] = edge.Copy()
	op := ChangeUpsert
	if edge.IsDeleted {
		op = ChangeDelete
	}
	s.logChange(g, EntityEdge, edge.ID, op)
	return nil
}

// DeleteEdge soft-deletes a local edge and writes its tombstone.
func (s *MemoryStore) DeleteEdge(ctx context.Context, sessionID, graphName, id, deletedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return fmt.Errorf("edge %q not found", id)
	}
	edge, ok := g.edges[id]
	if !ok || edge.IsDeleted {
		return fmt.Errorf("edge %q not found", id)
	}

	now := time.Now()
	clock := edge.VectorClock.Copy()
	clock.Increment(deletedBy)

	edge.IsDeleted = true
	edge.VectorClock = clock
	edge.UpdatedAt = now
	edge.LastModifiedBy = deletedBy

	g.tombstones[tombstoneKey(EntityEdge, id)] = &Tombstone{
		EntityType:  EntityEdge,
		EntityID:    id,
		SessionID:   sessionID,
		GraphName:   graphName,
		VectorClock: clock.Copy(),
		DeletedBy:   deletedBy,
		DeletedAt:   now,
	}
	s.logChange(g, EntityEdge, id, ChangeDelete)
	return nil
}

// ListEdges returns all live edges of a graph, ordered by id.
func (s *MemoryStore) ListEdges(ctx context.Context, sessionID, graphName string) ([]SyncedEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return nil, nil
	}
	out := make([]SyncedEdge, 0, len(g.edges))
	for _, edge := range g.edges {
		if edge.IsDeleted {
			continue
		}
		out = append(out, *edge.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ChangelogSince returns mutations after since, oldest first.
func (s *MemoryStore) ChangelogSince(ctx context.Context, sessionID, graphName string, since time.Time) ([]ChangeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return nil, nil
	}
	var out []ChangeEntry
	for _, entry := range g.changelog {
		if entry.At.After(since) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// PendingChanges counts mutations since the last recorded sync.
func (s *MemoryStore) PendingChanges(ctx context.Context, sessionID, graphName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return 0, nil
	}
	count := 0
	for _, entry := range g.changelog {
		if entry.At.After(g.lastSyncAt) {
			count++
		}
	}
	return count, nil
}

// PutTombstone records a deletion marker.
func (s *MemoryStore) PutTombstone(ctx context.Context, tombstone *Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	g := s.graphOrCreate(tombstone.SessionID, tombstone.GraphName)
	g.tombstones[tombstoneKey(tombstone.EntityType, tombstone.EntityID)] = tombstone.Copy()
	return nil
}

// Tombstones returns all deletion markers for a graph, oldest first.
func (s *MemoryStore) Tombstones(ctx context.Context, sessionID, graphName string) ([]Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return nil, nil
	}
	out := make([]Tombstone, 0, len(g.tombstones))
	for _, ts := range g.tombstones {
		out = append(out, *ts.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeletedAt.Equal(out[j].DeletedAt) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].DeletedAt.Before(out[j].DeletedAt)
	})
	return out, nil
}

// TombstoneFor returns the marker for one entity, or (nil, nil).
func (s *MemoryStore) TombstoneFor(ctx context.Context, sessionID, graphName string, entityType EntityType, id string) (*Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return nil, nil
	}
	ts, ok := g.tombstones[tombstoneKey(entityType, id)]
	if !ok {
		return nil, nil
	}
	return ts.Copy(), nil
}

// SyncEnabled reports the per-graph sync flag.
func (s *MemoryStore) SyncEnabled(ctx context.Context, sessionID, graphName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return false, ErrUnknownGraph
	}
	return g.syncEnabled, nil
}

// SetSyncEnabled sets the per-graph flag, registering the graph if needed.
func (s *MemoryStore) SetSyncEnabled(ctx context.Context, sessionID, graphName string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	g := s.graphOrCreate(sessionID, graphName)
	g.syncEnabled = enabled
	return nil
}

// ListGraphs returns the sync state of every graph in a session.
func (s *MemoryStore) ListGraphs(ctx context.Context, sessionID string) ([]GraphSyncConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []GraphSyncConfig
	for _, g := range s.graphs {
		if g.sessionID != sessionID {
			continue
		}
		cfg := GraphSyncConfig{
			SessionID:   g.sessionID,
			GraphName:   g.graphName,
			SyncEnabled: g.syncEnabled,
		}
		if !g.lastSyncAt.IsZero() {
			at := g.lastSyncAt
			cfg.LastSyncAt = &at
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GraphName < out[j].GraphName })
	return out, nil
}

// SyncPairs returns every (session, graph) pair with sync enabled.
func (s *MemoryStore) SyncPairs(ctx context.Context) ([]SyncPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []SyncPair
	for _, g := range s.graphs {
		if g.syncEnabled {
			out = append(out, SyncPair{SessionID: g.sessionID, GraphName: g.graphName})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID == out[j].SessionID {
			return out[i].GraphName < out[j].GraphName
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// Clock returns the persisted clock for (instance, session, graph).
func (s *MemoryStore) Clock(ctx context.Context, instanceID, sessionID, graphName string) (VectorClock, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, time.Time{}, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return NewVectorClock(), time.Time{}, nil
	}
	clock, ok := g.clocks[instanceID]
	if !ok {
		return NewVectorClock(), time.Time{}, nil
	}
	return clock.Copy(), g.clockAt[instanceID], nil
}

// SetClock persists the clock for (instance, session, graph).
func (s *MemoryStore) SetClock(ctx context.Context, instanceID, sessionID, graphName string, clock VectorClock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	g := s.graphOrCreate(sessionID, graphName)
	g.clocks[instanceID] = clock.Copy()
	g.clockAt[instanceID] = time.Now()
	return nil
}

// LastSyncAt returns the time of the last completed sync, or a zero time.
func (s *MemoryStore) LastSyncAt(ctx context.Context, sessionID, graphName string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return time.Time{}, ErrClosed
	}
	g := s.graph(sessionID, graphName)
	if g == nil {
		return time.Time{}, nil
	}
	return g.lastSyncAt, nil
}

// SetLastSyncAt records the time of a completed sync.
func (s *MemoryStore) SetLastSyncAt(ctx context.Context, sessionID, graphName string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	g := s.graphOrCreate(sessionID, graphName)
	g.lastSyncAt = at
	return nil
}

// Close marks the store closed; subsequent calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
