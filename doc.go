// Package graphmesh synchronizes property graphs across instances without
// a central coordinator.
//
// Each instance keeps its own copy of every synced graph. Background sync
// cycles exchange changed entities with peers over HTTP; vector clocks
// order the changes, and concurrent updates are merged by type-aware
// conflict resolution with a full audit trail.
//
// # Basic Usage
//
// Create an engine over a store:
//
//	store := graphmesh.NewMemoryStore()
//	engine, err := graphmesh.NewSyncEngine(store, graphmesh.SyncEngineConfig{
//	    InstanceID: "inst-a",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Write graph entities through the store:
//
//	err := store.PutNode(ctx, &graphmesh.SyncedNode{
//	    ID:          "n1",
//	    SessionID:   "sess-1",
//	    GraphName:   "main",
//	    NodeType:    graphmesh.NodeEntity,
//	    Label:       "Ada Lovelace",
//	    VectorClock: graphmesh.VectorClock{"inst-a": 1},
//	    SyncEnabled: true,
//	})
//
// Exchange with a peer:
//
//	req, err := engine.BuildRequest(ctx, "sess-1", "main")
//	payload, err := client.RequestSync(ctx, peer, req)
//	stats, err := engine.Apply(ctx, payload)
//
// # Features
//
// Causal Ordering:
//   - Per-entity vector clocks with equal/before/after/concurrent comparison
//   - Persisted per-peer clocks driving full versus incremental transfers
//   - Soft deletes with tombstones so deletions win over stale updates
//
// Conflict Resolution:
//   - Type-aware merge policies for entity, concept, fact, and event nodes
//   - Property-level merge with array union and last-writer-wins fallback
//   - Append-only conflict audit log with operator review
//
// Sync Protocol:
//   - HTTP exchange API with msgpack or JSON bodies and snappy compression
//   - Background coordinator with bounded concurrency and retry
//   - Per-peer circuit breakers
//   - Live event stream over WebSocket
//
// Operations:
//   - SQLite or in-memory graph stores
//   - bbolt-backed conflict audit trail
//   - Full and incremental snapshot archival to S3 with optional
//     AES-256-GCM encryption at rest
//
// # Configuration
//
// The daemon loads [Config] from YAML; see graphmesh.example.yaml. Library
// users configure each component directly through [SyncEngineConfig],
// [CoordinatorConfig], [ServerConfig], and [ArchiveConfig].
package graphmesh
