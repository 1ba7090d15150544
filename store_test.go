package graphmesh

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// runGraphStoreTests exercises the shared GraphStore contract against any
// implementation.
func runGraphStoreTests(t *testing.T, open func(t *testing.T) GraphStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("node round trip", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		node := testNode("n1")
		node.Properties = map[string]any{
			"name":   "Ada",
			"tags":   []any{"pioneer", "math"},
			"nested": map[string]any{"born": float64(1815)},
		}
		if err := store.PutNode(ctx, &node); err != nil {
			t.Fatalf("put node failed: %v", err)
		}

		got, err := store.GetNode(ctx, "sess-1", "main", "n1")
		if err != nil {
			t.Fatalf("get node failed: %v", err)
		}
		if got == nil {
			t.Fatalf("expected node, got nil")
		}
		if got.Label != node.Label || got.NodeType != node.NodeType {
			t.Fatalf("expected node preserved, got %+v", got)
		}
		if !got.VectorClock.IsEqual(node.VectorClock) {
			t.Fatalf("expected clock preserved, got %v", got.VectorClock)
		}
		if got.Properties["name"] != "Ada" {
			t.Fatalf("expected properties preserved, got %v", got.Properties)
		}
		nested, ok := got.Properties["nested"].(map[string]any)
		if !ok || nested["born"] != float64(1815) {
			t.Fatalf("expected nested properties preserved, got %v", got.Properties["nested"])
		}

		missing, err := store.GetNode(ctx, "sess-1", "main", "nope")
		if err != nil {
			t.Fatalf("get missing node failed: %v", err)
		}
		if missing != nil {
			t.Fatalf("expected nil for missing node, got %+v", missing)
		}
	})

	t.Run("delete node writes tombstone", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		node := testNode("n1")
		node.VectorClock = VectorClock{"inst-a": 1}
		if err := store.PutNode(ctx, &node); err != nil {
			t.Fatalf("put node failed: %v", err)
		}

		if err := store.DeleteNode(ctx, "sess-1", "main", "n1", "inst-a"); err != nil {
			t.Fatalf("delete node failed: %v", err)
		}

		got, err := store.GetNode(ctx, "sess-1", "main", "n1")
		if err != nil {
			t.Fatalf("get node failed: %v", err)
		}
		if got == nil || !got.IsDeleted {
			t.Fatalf("expected soft-deleted row, got %+v", got)
		}
		if got.VectorClock.Get("inst-a") != 2 {
			t.Fatalf("expected delete to advance clock, got %v", got.VectorClock)
		}

		ts, err := store.TombstoneFor(ctx, "sess-1", "main", EntityNode, "n1")
		if err != nil {
			t.Fatalf("tombstone lookup failed: %v", err)
		}
		if ts == nil {
			t.Fatalf("expected tombstone after delete")
		}
		if ts.VectorClock.Get("inst-a") != 2 || ts.DeletedBy != "inst-a" {
			t.Fatalf("unexpected tombstone %+v", ts)
		}

		nodes, err := store.ListNodes(ctx, "sess-1", "main")
		if err != nil {
			t.Fatalf("list nodes failed: %v", err)
		}
		if len(nodes) != 0 {
			t.Fatalf("expected deleted node excluded from list, got %d", len(nodes))
		}

		if err := store.DeleteNode(ctx, "sess-1", "main", "n1", "inst-a"); err == nil {
			t.Fatalf("expected error deleting an already deleted node")
		}
	})

	t.Run("edge round trip and delete", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		validFrom := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		edge := testEdge("e1", "n1", "n2")
		edge.ValidFrom = &validFrom
		edge.Weight = 0.75
		if err := store.PutEdge(ctx, &edge); err != nil {
			t.Fatalf("put edge failed: %v", err)
		}

		got, err := store.GetEdge(ctx, "sess-1", "main", "e1")
		if err != nil {
			t.Fatalf("get edge failed: %v", err)
		}
		if got == nil || got.SourceID != "n1" || got.TargetID != "n2" {
			t.Fatalf("expected edge preserved, got %+v", got)
		}
		if got.Weight != 0.75 {
			t.Fatalf("expected weight preserved, got %v", got.Weight)
		}
		if got.ValidFrom == nil || !got.ValidFrom.Equal(validFrom) {
			t.Fatalf("expected valid_from preserved, got %v", got.ValidFrom)
		}
		if got.ValidTo != nil {
			t.Fatalf("expected nil valid_to, got %v", got.ValidTo)
		}

		if err := store.DeleteEdge(ctx, "sess-1", "main", "e1", "inst-a"); err != nil {
			t.Fatalf("delete edge failed: %v", err)
		}
		ts, err := store.TombstoneFor(ctx, "sess-1", "main", EntityEdge, "e1")
		if err != nil || ts == nil {
			t.Fatalf("expected edge tombstone, got %+v err %v", ts, err)
		}
		edges, err := store.ListEdges(ctx, "sess-1", "main")
		if err != nil {
			t.Fatalf("list edges failed: %v", err)
		}
		if len(edges) != 0 {
			t.Fatalf("expected deleted edge excluded from list, got %d", len(edges))
		}
	})

	t.Run("changelog and pending changes", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		start := time.Now().Add(-time.Second)

		n1 := testNode("n1")
		n2 := testNode("n2")
		if err := store.PutNode(ctx, &n1); err != nil {
			t.Fatalf("put node failed: %v", err)
		}
		if err := store.PutNode(ctx, &n2); err != nil {
			t.Fatalf("put node failed: %v", err)
		}
		if err := store.DeleteNode(ctx, "sess-1", "main", "n2", "inst-a"); err != nil {
			t.Fatalf("delete node failed: %v", err)
		}

		entries, err := store.ChangelogSince(ctx, "sess-1", "main", start)
		if err != nil {
			t.Fatalf("changelog failed: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 changelog entries, got %d", len(entries))
		}
		if entries[0].Op != ChangeUpsert || entries[2].Op != ChangeDelete {
			t.Fatalf("unexpected changelog ops %+v", entries)
		}

		entries, err = store.ChangelogSince(ctx, "sess-1", "main", time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("changelog failed: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected no entries after future watermark, got %d", len(entries))
		}

		pending, err := store.PendingChanges(ctx, "sess-1", "main")
		if err != nil {
			t.Fatalf("pending changes failed: %v", err)
		}
		if pending != 3 {
			t.Fatalf("expected 3 pending changes, got %d", pending)
		}

		if err := store.SetLastSyncAt(ctx, "sess-1", "main", time.Now()); err != nil {
			t.Fatalf("set last sync failed: %v", err)
		}
		pending, err = store.PendingChanges(ctx, "sess-1", "main")
		if err != nil {
			t.Fatalf("pending changes failed: %v", err)
		}
		if pending != 0 {
			t.Fatalf("expected 0 pending changes after sync, got %d", pending)
		}
	})

	t.Run("sync flags and pairs", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		if _, err := store.SyncEnabled(ctx, "sess-1", "ghost"); !errors.Is(err, ErrUnknownGraph) {
			t.Fatalf("expected ErrUnknownGraph, got %v", err)
		}

		node := testNode("n1")
		if err := store.PutNode(ctx, &node); err != nil {
			t.Fatalf("put node failed: %v", err)
		}

		enabled, err := store.SyncEnabled(ctx, "sess-1", "main")
		if err != nil {
			t.Fatalf("sync enabled failed: %v", err)
		}
		if enabled {
			t.Fatalf("expected sync disabled by default")
		}

		if err := store.SetSyncEnabled(ctx, "sess-1", "main", true); err != nil {
			t.Fatalf("set sync enabled failed: %v", err)
		}
		if err := store.SetSyncEnabled(ctx, "sess-1", "scratch", false); err != nil {
			t.Fatalf("set sync enabled failed: %v", err)
		}

		enabled, err = store.SyncEnabled(ctx, "sess-1", "main")
		if err != nil || !enabled {
			t.Fatalf("expected sync enabled, got %v err %v", enabled, err)
		}

		graphs, err := store.ListGraphs(ctx, "sess-1")
		if err != nil {
			t.Fatalf("list graphs failed: %v", err)
		}
		if len(graphs) != 2 {
			t.Fatalf("expected 2 graphs, got %+v", graphs)
		}

		pairs, err := store.SyncPairs(ctx)
		if err != nil {
			t.Fatalf("sync pairs failed: %v", err)
		}
		if len(pairs) != 1 || pairs[0].GraphName != "main" {
			t.Fatalf("expected only the enabled pair, got %+v", pairs)
		}
	})

	t.Run("clock persistence", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		clock, recordedAt, err := store.Clock(ctx, "inst-b", "sess-1", "main")
		if err != nil {
			t.Fatalf("clock failed: %v", err)
		}
		if !clock.IsEmpty() || !recordedAt.IsZero() {
			t.Fatalf("expected empty clock and zero time for first contact, got %v at %v", clock, recordedAt)
		}

		want := VectorClock{"inst-a": 3, "inst-b": 1}
		if err := store.SetClock(ctx, "inst-b", "sess-1", "main", want); err != nil {
			t.Fatalf("set clock failed: %v", err)
		}

		clock, recordedAt, err = store.Clock(ctx, "inst-b", "sess-1", "main")
		if err != nil {
			t.Fatalf("clock failed: %v", err)
		}
		if !clock.IsEqual(want) {
			t.Fatalf("expected clock %v, got %v", want, clock)
		}
		if recordedAt.IsZero() {
			t.Fatalf("expected recorded time after set")
		}
	})

	t.Run("last sync at", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		at, err := store.LastSyncAt(ctx, "sess-1", "main")
		if err != nil {
			t.Fatalf("last sync failed: %v", err)
		}
		if !at.IsZero() {
			t.Fatalf("expected zero last sync, got %v", at)
		}

		want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		if err := store.SetLastSyncAt(ctx, "sess-1", "main", want); err != nil {
			t.Fatalf("set last sync failed: %v", err)
		}
		at, err = store.LastSyncAt(ctx, "sess-1", "main")
		if err != nil {
			t.Fatalf("last sync failed: %v", err)
		}
		if !at.Equal(want) {
			t.Fatalf("expected %v, got %v", want, at)
		}
	})

	t.Run("closed store rejects operations", func(t *testing.T) {
		store := open(t)
		if err := store.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if _, err := store.GetNode(ctx, "sess-1", "main", "n1"); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
		node := testNode("n1")
		if err := store.PutNode(ctx, &node); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runGraphStoreTests(t, func(t *testing.T) GraphStore {
		t.Helper()
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runGraphStoreTests(t, func(t *testing.T) GraphStore {
		t.Helper()
		store, err := NewSQLiteStore(context.Background(), SQLiteStoreConfig{
			Path: filepath.Join(t.TempDir(), "graph.db"),
		})
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		return store
	})
}

func TestSQLiteStorePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")

	store, err := NewSQLiteStore(ctx, SQLiteStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	node := testNode("n1")
	if err := store.PutNode(ctx, &node); err != nil {
		t.Fatalf("put node failed: %v", err)
	}
	if err := store.SetSyncEnabled(ctx, "sess-1", "main", true); err != nil {
		t.Fatalf("set sync enabled failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, SQLiteStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen sqlite store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetNode(ctx, "sess-1", "main", "n1")
	if err != nil || got == nil {
		t.Fatalf("expected node to survive reopen, got %+v err %v", got, err)
	}
	enabled, err := reopened.SyncEnabled(ctx, "sess-1", "main")
	if err != nil || !enabled {
		t.Fatalf("expected sync flag to survive reopen, got %v err %v", enabled, err)
	}
}
