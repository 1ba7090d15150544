package graphmesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// manifestKey is the backend object holding the snapshot manifest.
const manifestKey = "manifest.json"

// ArchiveBackend abstracts the object store holding archived snapshots.
// Read must return os.ErrNotExist for a missing key so callers can treat
// local and remote backends uniformly.
type ArchiveBackend interface {
	// Read reads an object from the archive.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write writes an object to the archive.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes an object from the archive.
	Delete(ctx context.Context, key string) error

	// List returns all object keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases backend resources.
	Close() error
}

var (
	_ ArchiveBackend = (*MemoryArchiveBackend)(nil)
	_ ArchiveBackend = (*S3ArchiveBackend)(nil)
)

// MemoryArchiveBackend keeps archive objects in memory. Intended for
// tests and ephemeral deployments.
type MemoryArchiveBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryArchiveBackend creates an empty in-memory archive backend.
func NewMemoryArchiveBackend() *MemoryArchiveBackend {
	return &MemoryArchiveBackend{data: make(map[string][]byte)}
}

func (m *MemoryArchiveBackend) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryArchiveBackend) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryArchiveBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryArchiveBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryArchiveBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *MemoryArchiveBackend) Close() error {
	return nil
}

// Size returns the number of stored objects.
func (m *MemoryArchiveBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// ArchiveConfig configures the snapshot archive.
type ArchiveConfig struct {
	// Backend stores snapshot objects. Required.
	Backend ArchiveBackend

	// Codec encodes snapshot bundles. Default: MsgpackCodec.
	Codec Codec

	// Encryption configures encryption at rest for snapshot objects.
	// Nil or disabled means snapshots are stored unencrypted.
	Encryption *EncryptionConfig

	// RetentionCount is the number of snapshots retained per graph.
	// Default: 10.
	RetentionCount int
}

// ArchiveManifest tracks archived snapshots and their order.
type ArchiveManifest struct {
	LastFullSnapshot        time.Time        `json:"last_full_snapshot"`
	LastIncrementalSnapshot time.Time        `json:"last_incremental_snapshot"`
	Snapshots               []SnapshotRecord `json:"snapshots"`
}

// SnapshotRecord describes a single archived snapshot.
type SnapshotRecord struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"` // "full" or "incremental"
	SessionID      string      `json:"session_id"`
	GraphName      string      `json:"graph_name"`
	Timestamp      time.Time   `json:"timestamp"`
	Size           int64       `json:"size"`
	Encrypted      bool        `json:"encrypted"`
	VectorClock    VectorClock `json:"vector_clock"`
	NodeCount      int         `json:"node_count"`
	EdgeCount      int         `json:"edge_count"`
	TombstoneCount int         `json:"tombstone_count"`
	Key            string      `json:"key"`
}

// SnapshotResult contains the outcome of a snapshot operation.
type SnapshotResult struct {
	Record   SnapshotRecord
	Duration time.Duration
}

// snapshotBundle is the serialized content of one snapshot object.
type snapshotBundle struct {
	SessionID   string       `json:"session_id"`
	GraphName   string       `json:"graph_name"`
	VectorClock VectorClock  `json:"vector_clock"`
	Nodes       []SyncedNode `json:"nodes,omitempty"`
	Edges       []SyncedEdge `json:"edges,omitempty"`
	Tombstones  []Tombstone  `json:"tombstones,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ArchiveManager writes point-in-time snapshots of synced graphs to an
// archive backend and restores them. A full snapshot carries the whole
// graph; an incremental snapshot carries only entities whose clocks moved
// past the previous snapshot of the same graph. Snapshot objects are
// codec-encoded, snappy-compressed, and optionally encrypted.
type ArchiveManager struct {
	store    GraphStore
	config   ArchiveConfig
	mu       sync.Mutex
	manifest *ArchiveManifest
}

// NewArchiveManager creates an archive manager over store, loading any
// manifest already present in the backend.
func NewArchiveManager(ctx context.Context, store GraphStore, config ArchiveConfig) (*ArchiveManager, error) {
	if store == nil {
		return nil, errors.New("archive manager requires a graph store")
	}
	if config.Backend == nil {
		return nil, errors.New("archive manager requires a backend")
	}
	if config.Codec == nil {
		config.Codec = MsgpackCodec{}
	}
	if config.RetentionCount <= 0 {
		config.RetentionCount = 10
	}

	am := &ArchiveManager{
		store:  store,
		config: config,
		manifest: &ArchiveManifest{
			Snapshots: make([]SnapshotRecord, 0),
		},
	}

	if err := am.loadManifest(ctx); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load archive manifest: %w", err)
		}
	}

	return am, nil
}

// SnapshotFull archives the complete current state of one graph,
// including tombstones, under a fresh full snapshot ID.
func (am *ArchiveManager) SnapshotFull(ctx context.Context, sessionID, graphName string) (*SnapshotResult, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	start := time.Now()

	bundle, err := am.collect(ctx, sessionID, graphName, nil)
	if err != nil {
		return nil, err
	}

	record, err := am.writeSnapshot(ctx, fmt.Sprintf("full_%d", start.UnixNano()), "full", bundle, start)
	if err != nil {
		return nil, err
	}

	am.manifest.Snapshots = append(am.manifest.Snapshots, record)
	am.manifest.LastFullSnapshot = start
	if err := am.saveManifest(ctx); err != nil {
		return nil, err
	}
	_ = am.pruneLocked(ctx, am.config.RetentionCount)

	return &SnapshotResult{Record: record, Duration: time.Since(start)}, nil
}

// SnapshotIncremental archives the entities that moved past the previous
// snapshot of the same graph. The previous snapshot's clock is the
// baseline; entities at or behind it are skipped.
func (am *ArchiveManager) SnapshotIncremental(ctx context.Context, sessionID, graphName string) (*SnapshotResult, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	baseline := am.lastSnapshotClock(sessionID, graphName)
	if baseline == nil {
		return nil, errors.New("no full snapshot exists; take a full snapshot first")
	}

	start := time.Now()

	bundle, err := am.collect(ctx, sessionID, graphName, baseline)
	if err != nil {
		return nil, err
	}

	record, err := am.writeSnapshot(ctx, fmt.Sprintf("incr_%d", start.UnixNano()), "incremental", bundle, start)
	if err != nil {
		return nil, err
	}

	am.manifest.Snapshots = append(am.manifest.Snapshots, record)
	am.manifest.LastIncrementalSnapshot = start
	if err := am.saveManifest(ctx); err != nil {
		return nil, err
	}
	_ = am.pruneLocked(ctx, am.config.RetentionCount)

	return &SnapshotResult{Record: record, Duration: time.Since(start)}, nil
}

// Snapshot archives one graph, choosing the type automatically: the
// first snapshot of a graph is full, later ones are incremental.
func (am *ArchiveManager) Snapshot(ctx context.Context, sessionID, graphName string) (*SnapshotResult, error) {
	am.mu.Lock()
	first := len(am.recordsFor(sessionID, graphName)) == 0
	am.mu.Unlock()

	if first {
		return am.SnapshotFull(ctx, sessionID, graphName)
	}
	return am.SnapshotIncremental(ctx, sessionID, graphName)
}

// Restore writes one snapshot's contents back into the store. Entities
// are written verbatim on top of the current graph state; restoring does
// not run conflict resolution.
func (am *ArchiveManager) Restore(ctx context.Context, snapshotID string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	record := am.findRecord(snapshotID)
	if record == nil {
		return fmt.Errorf("%w: %q", ErrSnapshotNotFound, snapshotID)
	}
	return am.restoreRecord(ctx, record)
}

// RestoreLatest restores the most recent full snapshot of a graph and
// replays every later incremental snapshot in chronological order.
func (am *ArchiveManager) RestoreLatest(ctx context.Context, sessionID, graphName string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	records := am.recordsFor(sessionID, graphName)
	if len(records) == 0 {
		return fmt.Errorf("%w: no snapshots for %s/%s", ErrSnapshotNotFound, sessionID, graphName)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	var full *SnapshotRecord
	var incrementals []*SnapshotRecord
	for i := range records {
		if records[i].Type == "full" {
			full = &records[i]
			break
		}
		incrementals = append(incrementals, &records[i])
	}
	if full == nil {
		return fmt.Errorf("%w: no full snapshot for %s/%s", ErrSnapshotNotFound, sessionID, graphName)
	}

	if err := am.restoreRecord(ctx, full); err != nil {
		return err
	}

	// Incrementals were collected newest-first; replay oldest-first.
	for i := len(incrementals) - 1; i >= 0; i-- {
		if err := am.restoreRecord(ctx, incrementals[i]); err != nil {
			return err
		}
	}
	return nil
}

// List returns all snapshot records in the order they were taken.
func (am *ArchiveManager) List() []SnapshotRecord {
	am.mu.Lock()
	defer am.mu.Unlock()

	out := make([]SnapshotRecord, len(am.manifest.Snapshots))
	copy(out, am.manifest.Snapshots)
	return out
}

// Delete removes one snapshot object and its manifest entry.
func (am *ArchiveManager) Delete(ctx context.Context, snapshotID string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	for i, record := range am.manifest.Snapshots {
		if record.ID == snapshotID {
			if err := am.config.Backend.Delete(ctx, record.Key); err != nil {
				return fmt.Errorf("failed to delete snapshot object: %w", err)
			}
			am.manifest.Snapshots = append(am.manifest.Snapshots[:i], am.manifest.Snapshots[i+1:]...)
			return am.saveManifest(ctx)
		}
	}
	return fmt.Errorf("%w: %q", ErrSnapshotNotFound, snapshotID)
}

// Prune drops the oldest snapshots of every graph beyond retain, always
// keeping at least one full snapshot per graph. A retain of zero or less
// uses the configured retention count.
func (am *ArchiveManager) Prune(ctx context.Context, retain int) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	if retain <= 0 {
		retain = am.config.RetentionCount
	}
	return am.pruneLocked(ctx, retain)
}

// Close releases the archive backend.
func (am *ArchiveManager) Close() error {
	return am.config.Backend.Close()
}

// collect reads one graph from the store into a bundle. A nil since clock
// selects everything; otherwise only entities ahead of since are kept.
// The bundle clock covers every entity seen, so chained incrementals
// advance even past entities they skip.
func (am *ArchiveManager) collect(ctx context.Context, sessionID, graphName string, since VectorClock) (*snapshotBundle, error) {
	nodes, err := am.store.ListNodes(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	edges, err := am.store.ListEdges(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	tombstones, err := am.store.Tombstones(ctx, sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}

	bundle := &snapshotBundle{
		SessionID:   sessionID,
		GraphName:   graphName,
		VectorClock: NewVectorClock(),
		CreatedAt:   time.Now(),
	}
	if since != nil {
		bundle.VectorClock = since.Copy()
	}

	for i := range nodes {
		if since == nil || aheadOf(nodes[i].VectorClock, since) {
			bundle.Nodes = append(bundle.Nodes, nodes[i])
		}
		bundle.VectorClock.Merge(nodes[i].VectorClock)
	}
	for i := range edges {
		if since == nil || aheadOf(edges[i].VectorClock, since) {
			bundle.Edges = append(bundle.Edges, edges[i])
		}
		bundle.VectorClock.Merge(edges[i].VectorClock)
	}
	for i := range tombstones {
		if since == nil || aheadOf(tombstones[i].VectorClock, since) {
			bundle.Tombstones = append(bundle.Tombstones, tombstones[i])
		}
		bundle.VectorClock.Merge(tombstones[i].VectorClock)
	}

	return bundle, nil
}

// writeSnapshot encodes, compresses, optionally encrypts, and stores one
// bundle, returning its manifest record.
func (am *ArchiveManager) writeSnapshot(ctx context.Context, snapshotID, snapshotType string, bundle *snapshotBundle, start time.Time) (SnapshotRecord, error) {
	encoded, err := am.config.Codec.Marshal(bundle)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	blob := compressBody(encoded)

	encrypted := false
	if am.config.Encryption != nil && am.config.Encryption.Enabled {
		sealed, err := am.seal(blob)
		if err != nil {
			return SnapshotRecord{}, err
		}
		blob = sealed
		encrypted = true
	}

	key := snapshotKey(bundle.SessionID, bundle.GraphName, snapshotID)
	if err := am.config.Backend.Write(ctx, key, blob); err != nil {
		return SnapshotRecord{}, fmt.Errorf("failed to write snapshot object: %w", err)
	}

	return SnapshotRecord{
		ID:             snapshotID,
		Type:           snapshotType,
		SessionID:      bundle.SessionID,
		GraphName:      bundle.GraphName,
		Timestamp:      start,
		Size:           int64(len(blob)),
		Encrypted:      encrypted,
		VectorClock:    bundle.VectorClock.Copy(),
		NodeCount:      len(bundle.Nodes),
		EdgeCount:      len(bundle.Edges),
		TombstoneCount: len(bundle.Tombstones),
		Key:            key,
	}, nil
}

// restoreRecord reads, opens, and applies one snapshot object.
func (am *ArchiveManager) restoreRecord(ctx context.Context, record *SnapshotRecord) error {
	blob, err := am.config.Backend.Read(ctx, record.Key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrSnapshotNotFound, record.ID)
		}
		return fmt.Errorf("failed to read snapshot object: %w", err)
	}

	blob, err = am.open(blob)
	if err != nil {
		return err
	}
	encoded, err := decompressBody(blob)
	if err != nil {
		return err
	}

	var bundle snapshotBundle
	if err := am.config.Codec.Unmarshal(encoded, &bundle); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	for i := range bundle.Nodes {
		if err := am.store.PutNode(ctx, &bundle.Nodes[i]); err != nil {
			return newStorageOpError("restore node", bundle.Nodes[i].ID, err)
		}
	}
	for i := range bundle.Edges {
		if err := am.store.PutEdge(ctx, &bundle.Edges[i]); err != nil {
			return newStorageOpError("restore edge", bundle.Edges[i].ID, err)
		}
	}
	for i := range bundle.Tombstones {
		if err := am.store.PutTombstone(ctx, &bundle.Tombstones[i]); err != nil {
			return newStorageOpError("restore tombstone", bundle.Tombstones[i].EntityID, err)
		}
	}
	return nil
}

// seal encrypts a compressed snapshot blob and prepends the versioned
// header carrying the key-derivation salt.
func (am *ArchiveManager) seal(blob []byte) ([]byte, error) {
	enc, err := NewEncryptor(*am.config.Encryption)
	if err != nil {
		return nil, err
	}
	ciphertext, err := enc.Encrypt(blob)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := WriteEncryptedHeader(&buf, enc.Salt()); err != nil {
		return nil, err
	}
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

// open decrypts a snapshot blob if it carries the encryption header,
// otherwise returns it unchanged.
func (am *ArchiveManager) open(blob []byte) ([]byte, error) {
	if len(blob) < EncryptedHeaderSize || !bytes.Equal(blob[:4], MagicEncrypted[:]) {
		return blob, nil
	}

	header, err := ReadEncryptedHeader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}

	cfg := am.config.Encryption
	if cfg == nil || (len(cfg.Key) == 0 && cfg.KeyPassword == "") {
		return nil, errors.New("snapshot is encrypted but no key or password is configured")
	}

	var enc *Encryptor
	if len(cfg.Key) > 0 {
		enc, err = NewEncryptorWithKey(cfg.Key)
	} else {
		enc, err = NewEncryptorWithSalt(cfg.KeyPassword, header.Salt[:])
	}
	if err != nil {
		return nil, err
	}
	return enc.Decrypt(blob[EncryptedHeaderSize:])
}

// lastSnapshotClock returns a copy of the clock recorded by the most
// recent snapshot of a graph, or nil when it has never been archived.
func (am *ArchiveManager) lastSnapshotClock(sessionID, graphName string) VectorClock {
	var clock VectorClock
	for _, record := range am.manifest.Snapshots {
		if record.SessionID == sessionID && record.GraphName == graphName {
			clock = record.VectorClock
		}
	}
	if clock == nil {
		return nil
	}
	return clock.Copy()
}

func (am *ArchiveManager) findRecord(snapshotID string) *SnapshotRecord {
	for i := range am.manifest.Snapshots {
		if am.manifest.Snapshots[i].ID == snapshotID {
			return &am.manifest.Snapshots[i]
		}
	}
	return nil
}

func (am *ArchiveManager) recordsFor(sessionID, graphName string) []SnapshotRecord {
	var out []SnapshotRecord
	for _, record := range am.manifest.Snapshots {
		if record.SessionID == sessionID && record.GraphName == graphName {
			out = append(out, record)
		}
	}
	return out
}

// pruneLocked enforces retention per graph. Caller holds am.mu.
func (am *ArchiveManager) pruneLocked(ctx context.Context, retain int) error {
	byGraph := make(map[SyncPair][]SnapshotRecord)
	for _, record := range am.manifest.Snapshots {
		pair := SyncPair{SessionID: record.SessionID, GraphName: record.GraphName}
		byGraph[pair] = append(byGraph[pair], record)
	}

	drop := make(map[string]bool)
	for _, records := range byGraph {
		if len(records) <= retain {
			continue
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].Timestamp.Before(records[j].Timestamp)
		})

		fullCount := 0
		for _, record := range records {
			if record.Type == "full" {
				fullCount++
			}
		}

		toRemove := len(records) - retain
		for _, record := range records {
			if toRemove == 0 {
				break
			}
			if record.Type == "full" {
				// Never drop the last full snapshot of a graph.
				if fullCount <= 1 {
					continue
				}
				fullCount--
			}
			drop[record.ID] = true
			toRemove--
		}
	}
	if len(drop) == 0 {
		return nil
	}

	kept := make([]SnapshotRecord, 0, len(am.manifest.Snapshots)-len(drop))
	for _, record := range am.manifest.Snapshots {
		if !drop[record.ID] {
			kept = append(kept, record)
			continue
		}
		if err := am.config.Backend.Delete(ctx, record.Key); err != nil {
			return fmt.Errorf("failed to delete snapshot object: %w", err)
		}
	}
	am.manifest.Snapshots = kept
	return am.saveManifest(ctx)
}

func (am *ArchiveManager) loadManifest(ctx context.Context) error {
	data, err := am.config.Backend.Read(ctx, manifestKey)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, am.manifest)
}

func (am *ArchiveManager) saveManifest(ctx context.Context) error {
	data, err := json.MarshalIndent(am.manifest, "", "  ")
	if err != nil {
		return err
	}
	return am.config.Backend.Write(ctx, manifestKey, data)
}

func snapshotKey(sessionID, graphName, snapshotID string) string {
	return fmt.Sprintf("%s/%s/%s.snap", sessionID, graphName, snapshotID)
}
