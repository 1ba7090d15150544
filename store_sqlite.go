package graphmesh

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStoreConfig configures the durable SQLite-backed store.
type SQLiteStoreConfig struct {
	// Path is the database file. Use ":memory:" for throwaway stores.
	Path string

	// BusyTimeout is how long SQLite waits on a locked database before
	// returning SQLITE_BUSY. Default: 5s.
	BusyTimeout time.Duration

	// MaxOpenConns bounds the connection pool. WAL mode supports a single
	// writer; keep this at 1 unless reads dominate. Default: 1.
	MaxOpenConns int
}

// SQLiteStore is a GraphStore backed by a SQLite database. Schema setup and
// upgrades run through embedded goose migrations at open time.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool

	getNodeStmt      *sql.Stmt
	putNodeStmt      *sql.Stmt
	getEdgeStmt      *sql.Stmt
	putEdgeStmt      *sql.Stmt
	tombstoneForStmt *sql.Stmt
	putTombstoneStmt *sql.Stmt
	logChangeStmt    *sql.Stmt
	getClockStmt     *sql.Stmt
	setClockStmt     *sql.Stmt
	ensureConfigStmt *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at
// cfg.Path and migrates its schema.
func NewSQLiteStore(ctx context.Context, cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		target **sql.Stmt
		query  string
	}{
		{&s.getNodeStmt, `SELECT session_id, graph_name, id, node_type, label, properties,
			created_at, updated_at, vector_clock, last_modified_by, is_deleted, sync_enabled
			FROM synced_nodes WHERE session_id = ? AND graph_name = ? AND id = ?`},
		{&s.putNodeStmt, `INSERT INTO synced_nodes (session_id, graph_name, id, node_type, label,
			properties, created_at, updated_at, vector_clock, last_modified_by, is_deleted, sync_enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, graph_name, id) DO UPDATE SET
				node_type = excluded.node_type,
				label = excluded.label,
				properties = excluded.properties,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at,
				vector_clock = excluded.vector_clock,
				last_modified_by = excluded.last_modified_by,
				is_deleted = excluded.is_deleted,
				sync_enabled = excluded.sync_enabled`},
		{&s.getEdgeStmt, `SELECT session_id, graph_name, id, source_id, target_id, edge_kind,
			predicate, weight, valid_from, valid_to, properties, created_at, updated_at,
			vector_clock, last_modified_by, is_deleted, sync_enabled
			FROM synced_edges WHERE session_id = ? AND graph_name = ? AND id = ?`},
		{&s.putEdgeStmt, `INSERT INTO synced_edges (session_id, graph_name, id, source_id, target_id,
			edge_kind, predicate, weight, valid_from, valid_to, properties, created_at, updated_at,
			vector_clock, last_modified_by, is_deleted, sync_enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, graph_name, id) DO UPDATE SET
				source_id = excluded.source_id,
				target_id = excluded.target_id,
				edge_kind = excluded.edge_kind,
				predicate = excluded.predicate,
				weight = excluded.weight,
				valid_from = excluded.valid_from,
				valid_to = excluded.valid_to,
				properties = excluded.properties,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at,
				vector_clock = excluded.vector_clock,
				last_modified_by = excluded.last_modified_by,
				is_deleted = excluded.is_deleted,
				sync_enabled = excluded.sync_enabled`},
		{&s.tombstoneForStmt, `SELECT session_id, graph_name, entity_type, entity_id, vector_clock,
			deleted_by, deleted_at FROM tombstones
			WHERE session_id = ? AND graph_name = ? AND entity_type = ? AND entity_id = ?`},
		{&s.putTombstoneStmt, `INSERT INTO tombstones (session_id, graph_name, entity_type, entity_id,
			vector_clock, deleted_by, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, graph_name, entity_type, entity_id) DO UPDATE SET
				vector_clock = excluded.vector_clock,
				deleted_by = excluded.deleted_by,
				deleted_at = excluded.deleted_at`},
		{&s.logChangeStmt, `INSERT INTO changelog (session_id, graph_name, entity_type, entity_id, op, at)
			VALUES (?, ?, ?, ?, ?, ?)`},
		{&s.getClockStmt, `SELECT clock, recorded_at FROM sync_clocks
			WHERE instance_id = ? AND session_id = ? AND graph_name = ?`},
		{&s.setClockStmt, `INSERT INTO sync_clocks (instance_id, session_id, graph_name, clock, recorded_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (instance_id, session_id, graph_name) DO UPDATE SET
				clock = excluded.clock,
				recorded_at = excluded.recorded_at`},
		{&s.ensureConfigStmt, `INSERT OR IGNORE INTO sync_configs (session_id, graph_name, sync_enabled)
			VALUES (?, ?, 0)`},
	}

	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		*st.target = prepared
	}
	return nil
}

// timeToNS converts a time to the integer column representation. The zero
// time maps to 0 and back.
func timeToNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nsToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func jsonColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*SyncedNode, error) {
	var (
		n                    SyncedNode
		props, clock         string
		createdNS, updatedNS int64
	)
	err := row.Scan(&n.SessionID, &n.GraphName, &n.ID, &n.NodeType, &n.Label, &props,
		&createdNS, &updatedNS, &clock, &n.LastModifiedBy, &n.IsDeleted, &n.SyncEnabled)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node properties: %w", err)
	}
	if err := json.Unmarshal([]byte(clock), &n.VectorClock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node clock: %w", err)
	}
	n.CreatedAt = nsToTime(createdNS)
	n.UpdatedAt = nsToTime(updatedNS)
	return &n, nil
}

func scanEdge(row rowScanner) (*SyncedEdge, error) {
	var (
		e                    SyncedEdge
		props, clock         string
		createdNS, updatedNS int64
		validFrom, validTo   sql.NullInt64
	)
	err := row.Scan(&e.SessionID, &e.GraphName, &e.ID, &e.SourceID, &e.TargetID, &e.EdgeKind,
		&e.Predicate, &e.Weight, &validFrom, &validTo, &props, &createdNS, &updatedNS,
		&clock, &e.LastModifiedBy, &e.IsDeleted, &e.SyncEnabled)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edge properties: %w", err)
	}
	if err := json.Unmarshal([]byte(clock), &e.VectorClock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edge clock: %w", err)
	}
	e.CreatedAt = nsToTime(createdNS)
	e.UpdatedAt = nsToTime(updatedNS)
	if validFrom.Valid {
		vf := nsToTime(validFrom.Int64)
		e.ValidFrom = &vf
	}
	if validTo.Valid {
		vt := nsToTime(validTo.Int64)
		e.ValidTo = &vt
	}
	return &e, nil
}

func scanTombstone(row rowScanner) (*Tombstone, error) {
	var (
		ts        Tombstone
		clock     string
		deletedNS int64
	)
	err := row.Scan(&ts.SessionID, &ts.GraphName, &ts.EntityType, &ts.EntityID, &clock,
		&ts.DeletedBy, &deletedNS)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(clock), &ts.VectorClock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tombstone clock: %w", err)
	}
	ts.DeletedAt = nsToTime(deletedNS)
	return &ts, nil
}

func nodeArgs(node *SyncedNode) ([]any, error) {
	props, err := jsonColumn(node.Properties)
	if err != nil {
		return nil, err
	}
	clock, err := jsonColumn(node.VectorClock)
	if err != nil {
		return nil, err
	}
	return []any{
		node.SessionID, node.GraphName, node.ID, string(node.NodeType), node.Label, props,
		timeToNS(node.CreatedAt), timeToNS(node.UpdatedAt), clock, node.LastModifiedBy,
		node.IsDeleted, node.SyncEnabled,
	}, nil
}

func edgeArgs(edge *SyncedEdge) ([]any, error) {
	props, err := jsonColumn(edge.Properties)
	if err != nil {
		return nil, err
	}
	clock, err := jsonColumn(edge.VectorClock)
	if err != nil {
		return nil, err
	}
	var validFrom, validTo any
	if edge.ValidFrom != nil {
		validFrom = timeToNS(*edge.ValidFrom)
	}
	if edge.ValidTo != nil {
		validTo = timeToNS(*edge.ValidTo)
	}
	return []any{
		edge.SessionID, edge.GraphName, edge.ID, edge.SourceID, edge.TargetID,
		string(edge.EdgeKind), edge.Predicate, edge.Weight, validFrom, validTo, props,
		timeToNS(edge.CreatedAt), timeToNS(edge.UpdatedAt), clock, edge.LastModifiedBy,
		edge.IsDeleted, edge.SyncEnabled,
	}, nil
}

// GetNode returns the node by id, deleted or not, or (nil, nil).
func (s *SQLiteStore) GetNode(ctx context.Context, sessionID, graphName, id string) (*SyncedNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	node, err := scanNode(s.getNodeStmt.QueryRowContext(ctx, sessionID, graphName, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// PutNode writes the node and its changelog entry in one transaction.
func (s *SQLiteStore) PutNode(ctx context.Context, node *SyncedNode) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	args, err := nodeArgs(node)
	if err != nil {
		return err
	}
	op := ChangeUpsert
	if node.IsDeleted {
		op = ChangeDelete
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.putNodeStmt).ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("failed to put node: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.logChangeStmt).ExecContext(ctx,
		node.SessionID, node.GraphName, string(EntityNode), node.ID, string(op), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.ensureConfigStmt).ExecContext(ctx, node.SessionID, node.GraphName); err != nil {
		return fmt.Errorf("failed to ensure sync config: %w", err)
	}
	return tx.Commit()
}

// DeleteNode soft-deletes a local node and writes its tombstone.
func (s *SQLiteStore) DeleteNode(ctx context.Context, sessionID, graphName, id, deletedBy string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	node, err := scanNode(tx.StmtContext(ctx, s.getNodeStmt).QueryRowContext(ctx, sessionID, graphName, id))
	if err == sql.ErrNoRows {
		return fmt.Errorf("node %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get node: %w", err)
	}
	if node.IsDeleted {
		return fmt.Errorf("node %q not found", id)
	}

	now := time.Now()
	clock := node.VectorClock.Copy()
	clock.Increment(deletedBy)

	node.IsDeleted = true
	node.VectorClock = clock
	node.UpdatedAt = now
	node.LastModifiedBy = deletedBy

	args, err := nodeArgs(node)
	if err != nil {
		return err
	}
	clockJSON, err := jsonColumn(clock)
	if err != nil {
		return err
	}

	if _, err := tx.StmtContext(ctx, s.putNodeStmt).ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("failed to mark node deleted: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.putTombstoneStmt).ExecContext(ctx,
		sessionID, graphName, string(EntityNode), id, clockJSON, deletedBy, now.UnixNano()); err != nil {
		return fmt.Errorf("failed to put tombstone: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.logChangeStmt).ExecContext(ctx,
		sessionID, graphName, string(EntityNode), id, string(ChangeDelete), now.UnixNano()); err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	return tx.Commit()
}

// ListNodes returns all live nodes of a graph, ordered by id.
func (s *SQLiteStore) ListNodes(ctx context.Context, sessionID, graphName string) ([]SyncedNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT session_id, graph_name, id, node_type, label,
		properties, created_at, updated_at, vector_clock, last_modified_by, is_deleted, sync_enabled
		FROM synced_nodes WHERE session_id = ? AND graph_name = ? AND is_deleted = 0 ORDER BY id`,
		sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []SyncedNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *node)
	}
	return out, rows.Err()
}

// GetEdge returns the edge by id, deleted or not, or (nil, nil).
func (s *SQLiteStore) GetEdge(ctx context.Context, sessionID, graphName, id string) (*SyncedEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	edge, err := scanEdge(s.getEdgeStmt.QueryRowContext(ctx, sessionID, graphName, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edge: %w", err)
	}
	return edge, nil
}

// PutEdge writes the edge and its changelog entry in one transaction.
func (s *SQLiteStore) PutEdge(ctx context.Context, edge *SyncedEdge) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	args, err := edgeArgs(edge)
	if err != nil {
		return err
	}
	op := ChangeUpsert
	if edge.IsDeleted {
		op = ChangeDelete
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.putEdgeStmt).ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("failed to put edge: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.logChangeStmt).ExecContext(ctx,
		edge.SessionID, edge.GraphName, string(EntityEdge), edge.ID, string(op), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.ensureConfigStmt).ExecContext(ctx, edge.SessionID, edge.GraphName); err != nil {
		return fmt.Errorf("failed to ensure sync config: %w", err)
	}
	return tx.Commit()
}

// DeleteEdge soft-deletes a local edge and writes its tombstone.
func (s *SQLiteStore) DeleteEdge(ctx context.Context, sessionID, graphName, id, deletedBy string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	edge, err := scanEdge(tx.StmtContext(ctx, s.getEdgeStmt).QueryRowContext(ctx, sessionID, graphName, id))
	if err == sql.ErrNoRows {
		return fmt.Errorf("edge %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get edge: %w", err)
	}
	if edge.IsDeleted {
		return fmt.Errorf("edge %q not found", id)
	}

	now := time.Now()
	clock := edge.VectorClock.Copy()
	clock.Increment(deletedBy)

	edge.IsDeleted = true
	edge.VectorClock = clock
	edge.UpdatedAt = now
	edge.LastModifiedBy = deletedBy

	args, err := edgeArgs(edge)
	if err != nil {
		return err
	}
	clockJSON, err := jsonColumn(clock)
	if err != nil {
		return err
	}

	if _, err := tx.StmtContext(ctx, s.putEdgeStmt).ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("failed to mark edge deleted: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.putTombstoneStmt).ExecContext(ctx,
		sessionID, graphName, string(EntityEdge), id, clockJSON, deletedBy, now.UnixNano()); err != nil {
		return fmt.Errorf("failed to put tombstone: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.logChangeStmt).ExecContext(ctx,
		sessionID, graphName, string(EntityEdge), id, string(ChangeDelete), now.UnixNano()); err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	return tx.Commit()
}

// ListEdges returns all live edges of a graph, ordered by id.
func (s *SQLiteStore) ListEdges(ctx context.Context, sessionID, graphName string) ([]SyncedEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT session_id, graph_name, id, source_id, target_id,
		edge_kind, predicate, weight, valid_from, valid_to, properties, created_at, updated_at,
		vector_clock, last_modified_by, is_deleted, sync_enabled
		FROM synced_edges WHERE session_id = ? AND graph_name = ? AND is_deleted = 0 ORDER BY id`,
		sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var out []SyncedEdge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *edge)
	}
	return out, rows.Err()
}

// ChangelogSince returns mutations after since, oldest first.
func (s *SQLiteStore) ChangelogSince(ctx context.Context, sessionID, graphName string, since time.Time) ([]ChangeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entity_type, entity_id, op, at FROM changelog
		WHERE session_id = ? AND graph_name = ? AND at > ? ORDER BY seq`,
		sessionID, graphName, timeToNS(since))
	if err != nil {
		return nil, fmt.Errorf("failed to read changelog: %w", err)
	}
	defer rows.Close()

	var out []ChangeEntry
	for rows.Next() {
		var entry ChangeEntry
		var atNS int64
		if err := rows.Scan(&entry.EntityType, &entry.EntityID, &entry.Op, &atNS); err != nil {
			return nil, fmt.Errorf("failed to scan changelog entry: %w", err)
		}
		entry.At = nsToTime(atNS)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PendingChanges counts mutations since the last recorded sync.
func (s *SQLiteStore) PendingChanges(ctx context.Context, sessionID, graphName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var lastSync sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_at FROM sync_configs WHERE session_id = ? AND graph_name = ?`,
		sessionID, graphName).Scan(&lastSync)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sync config: %w", err)
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changelog WHERE session_id = ? AND graph_name = ? AND at > ?`,
		sessionID, graphName, lastSync.Int64).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// PutTombstone records a deletion marker.
func (s *SQLiteStore) PutTombstone(ctx context.Context, tombstone *Tombstone) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	clockJSON, err := jsonColumn(tombstone.VectorClock)
	if err != nil {
		return err
	}
	if _, err := s.putTombstoneStmt.ExecContext(ctx,
		tombstone.SessionID, tombstone.GraphName, string(tombstone.EntityType), tombstone.EntityID,
		clockJSON, tombstone.DeletedBy, timeToNS(tombstone.DeletedAt)); err != nil {
		return fmt.Errorf("failed to put tombstone: %w", err)
	}
	if _, err := s.ensureConfigStmt.ExecContext(ctx, tombstone.SessionID, tombstone.GraphName); err != nil {
		return fmt.Errorf("failed to ensure sync config: %w", err)
	}
	return nil
}

// Tombstones returns all deletion markers for a graph, oldest first.
func (s *SQLiteStore) Tombstones(ctx context.Context, sessionID, graphName string) ([]Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT session_id, graph_name, entity_type, entity_id,
		vector_clock, deleted_by, deleted_at FROM tombstones
		WHERE session_id = ? AND graph_name = ? ORDER BY deleted_at, entity_id`,
		sessionID, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		ts, err := scanTombstone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ts)
	}
	return out, rows.Err()
}

// TombstoneFor returns the marker for one entity, or (nil, nil).
func (s *SQLiteStore) TombstoneFor(ctx context.Context, sessionID, graphName string, entityType EntityType, id string) (*Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	ts, err := scanTombstone(s.tombstoneForStmt.QueryRowContext(ctx, sessionID, graphName, string(entityType), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tombstone: %w", err)
	}
	return ts, nil
}

// SyncEnabled reports the per-graph sync flag.
func (s *SQLiteStore) SyncEnabled(ctx context.Context, sessionID, graphName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT sync_enabled FROM sync_configs WHERE session_id = ? AND graph_name = ?`,
		sessionID, graphName).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, ErrUnknownGraph
	}
	if err != nil {
		return false, fmt.Errorf("failed to read sync config: %w", err)
	}
	return enabled, nil
}

// SetSyncEnabled sets the per-graph flag, registering the graph if needed.
func (s *SQLiteStore) SetSyncEnabled(ctx context.Context, sessionID, graphName string, enabled bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_configs (session_id, graph_name, sync_enabled)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id, graph_name) DO UPDATE SET sync_enabled = excluded.sync_enabled`,
		sessionID, graphName, enabled)
	if err != nil {
		return fmt.Errorf("failed to set sync enabled: %w", err)
	}
	return nil
}

// ListGraphs returns the sync state of every graph in a session.
func (s *SQLiteStore) ListGraphs(ctx context.Context, sessionID string) ([]GraphSyncConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT graph_name, sync_enabled, last_sync_at FROM sync_configs
		WHERE session_id = ? ORDER BY graph_name`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}
	defer rows.Close()

	var out []GraphSyncConfig
	for rows.Next() {
		cfg := GraphSyncConfig{SessionID: sessionID}
		var lastSync sql.NullInt64
		if err := rows.Scan(&cfg.GraphName, &cfg.SyncEnabled, &lastSync); err != nil {
			return nil, fmt.Errorf("failed to scan sync config: %w", err)
		}
		if lastSync.Valid && lastSync.Int64 != 0 {
			at := nsToTime(lastSync.Int64)
			cfg.LastSyncAt = &at
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// SyncPairs returns every (session, graph) pair with sync enabled.
func (s *SQLiteStore) SyncPairs(ctx context.Context) ([]SyncPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, graph_name FROM sync_configs WHERE sync_enabled = 1
		ORDER BY session_id, graph_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync pairs: %w", err)
	}
	defer rows.Close()

	var out []SyncPair
	for rows.Next() {
		var pair SyncPair
		if err := rows.Scan(&pair.SessionID, &pair.GraphName); err != nil {
			return nil, fmt.Errorf("failed to scan sync pair: %w", err)
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}

// Clock returns the persisted clock for (instance, session, graph).
func (s *SQLiteStore) Clock(ctx context.Context, instanceID, sessionID, graphName string) (VectorClock, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, time.Time{}, ErrClosed
	}

	var clockJSON string
	var recordedNS int64
	err := s.getClockStmt.QueryRowContext(ctx, instanceID, sessionID, graphName).Scan(&clockJSON, &recordedNS)
	if err == sql.ErrNoRows {
		return NewVectorClock(), time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to get clock: %w", err)
	}

	var clock VectorClock
	if err := json.Unmarshal([]byte(clockJSON), &clock); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to unmarshal clock: %w", err)
	}
	return clock, nsToTime(recordedNS), nil
}

// SetClock persists the clock for (instance, session, graph).
func (s *SQLiteStore) SetClock(ctx context.Context, instanceID, sessionID, graphName string, clock VectorClock) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	clockJSON, err := jsonColumn(clock)
	if err != nil {
		return err
	}
	if _, err := s.setClockStmt.ExecContext(ctx, instanceID, sessionID, graphName, clockJSON, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to set clock: %w", err)
	}
	return nil
}

// LastSyncAt returns the time of the last completed sync, or a zero time.
func (s *SQLiteStore) LastSyncAt(ctx context.Context, sessionID, graphName string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return time.Time{}, ErrClosed
	}

	var lastSync sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_at FROM sync_configs WHERE session_id = ? AND graph_name = ?`,
		sessionID, graphName).Scan(&lastSync)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read sync config: %w", err)
	}
	if !lastSync.Valid {
		return time.Time{}, nil
	}
	return nsToTime(lastSync.Int64), nil
}

// SetLastSyncAt records the time of a completed sync.
func (s *SQLiteStore) SetLastSyncAt(ctx context.Context, sessionID, graphName string, at time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_configs (session_id, graph_name, sync_enabled, last_sync_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (session_id, graph_name) DO UPDATE SET last_sync_at = excluded.last_sync_at`,
		sessionID, graphName, timeToNS(at))
	if err != nil {
		return fmt.Errorf("failed to set last sync time: %w", err)
	}
	return nil
}

// Close closes prepared statements and the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.getNodeStmt, s.putNodeStmt, s.getEdgeStmt, s.putEdgeStmt,
		s.tombstoneForStmt, s.putTombstoneStmt, s.logChangeStmt,
		s.getClockStmt, s.setClockStmt, s.ensureConfigStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
