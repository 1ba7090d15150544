package graphmesh

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the daemon configuration. Duration fields are strings in
// time.ParseDuration syntax ("30s", "5m"); empty fields fall back to the
// documented defaults.
type Config struct {
	// Instance identifies this node in vector clocks and peer exchanges.
	Instance InstanceConfig `yaml:"instance"`

	// Storage selects where synced graphs live.
	Storage StorageConfig `yaml:"storage"`

	// ConflictLog selects where conflict audit records live.
	ConflictLog ConflictLogConfig `yaml:"conflict_log"`

	// HTTP configures the sync API server.
	HTTP HTTPConfig `yaml:"http"`

	// Sync configures the background coordinator.
	Sync SyncConfig `yaml:"sync"`

	// Peers lists the remote instances to exchange with.
	Peers []PeerConfig `yaml:"peers"`

	// Stream configures the live sync event stream.
	Stream StreamingConfig `yaml:"stream"`

	// Archive configures periodic graph snapshots.
	// If nil or Enabled is false, no snapshots are taken.
	Archive *SnapshotConfig `yaml:"archive"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	// ID is the writer id recorded in vector clocks. Required, and must
	// stay stable across restarts: changing it forks clock history.
	ID string `yaml:"id"`
}

// StorageConfig groups graph store settings.
type StorageConfig struct {
	// Driver selects the store implementation: "sqlite" or "memory".
	// Default: "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	// Default: "graphmesh.db".
	Path string `yaml:"path"`

	// BusyTimeout is how long SQLite waits on a locked database.
	// Default: 5s.
	BusyTimeout string `yaml:"busy_timeout"`
}

// ConflictLogConfig groups conflict audit trail settings.
type ConflictLogConfig struct {
	// Driver selects the log implementation: "bolt" or "memory".
	// Default: "bolt".
	Driver string `yaml:"driver"`

	// Path is the bbolt file holding conflict records.
	// Default: "graphmesh-conflicts.db".
	Path string `yaml:"path"`
}

// HTTPConfig groups sync API server settings.
type HTTPConfig struct {
	// Addr is the listen address.
	// Default: ":7600".
	Addr string `yaml:"addr"`

	// MaxBodyBytes caps the size of request bodies.
	// Default: 32 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s.
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// SyncConfig groups background coordinator settings.
type SyncConfig struct {
	// Interval between sync cycles.
	// Default: 60s.
	Interval string `yaml:"interval"`

	// MaxConcurrentSyncs bounds peer exchanges in flight at once.
	// Default: 3.
	MaxConcurrentSyncs int `yaml:"max_concurrent_syncs"`

	// ExchangeTimeout bounds one full pull-then-push exchange.
	// Default: 30s.
	ExchangeTimeout string `yaml:"exchange_timeout"`

	// RetryAttempts is the number of tries per exchange within one cycle.
	// Default: 2.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the initial backoff between exchange retries.
	// Default: 1s.
	RetryBackoff string `yaml:"retry_backoff"`
}

// PeerConfig is one remote instance in the peers list.
type PeerConfig struct {
	// InstanceID of the remote peer. Required.
	InstanceID string `yaml:"instance_id"`

	// Host of the peer's sync API. Required.
	Host string `yaml:"host"`

	// Port of the peer's sync API. Required.
	Port int `yaml:"port"`
}

// StreamingConfig groups live event stream settings.
type StreamingConfig struct {
	// Enabled exposes the websocket stream at /sync/stream.
	// Default: true.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the per-subscriber event buffer. Events beyond a
	// full buffer are dropped. Default: 256.
	BufferSize int `yaml:"buffer_size"`

	// WriteTimeout bounds websocket writes.
	// Default: 10s.
	WriteTimeout string `yaml:"write_timeout"`
}

// SnapshotConfig groups graph snapshot archival settings.
type SnapshotConfig struct {
	// Enabled turns on periodic snapshots of every sync-enabled graph.
	Enabled bool `yaml:"enabled"`

	// Backend selects the archive backend: "memory" or "s3".
	// Default: "memory".
	Backend string `yaml:"backend"`

	// Interval between snapshots. The first snapshot of a graph is full,
	// later ones are incremental. Default: 1h.
	Interval string `yaml:"interval"`

	// RetentionCount is the number of snapshots kept per graph.
	// Default: 10.
	RetentionCount int `yaml:"retention_count"`

	// KeyPassword enables encryption at rest for snapshot objects.
	// Empty means snapshots are stored unencrypted.
	KeyPassword string `yaml:"key_password"`

	// S3 configures the bucket when Backend is "s3".
	S3 S3SnapshotConfig `yaml:"s3"`
}

// S3SnapshotConfig configures the S3 snapshot backend.
type S3SnapshotConfig struct {
	// Bucket holding snapshot objects. Required for the s3 backend.
	Bucket string `yaml:"bucket"`

	// Region of the bucket. Default: "us-east-1".
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint (MinIO, etc.).
	Endpoint string `yaml:"endpoint"`

	// AccessKeyID for authentication. Prefer using IAM roles, instance
	// profiles, or environment variables (AWS_ACCESS_KEY_ID,
	// AWS_SECRET_ACCESS_KEY) instead of setting these directly. DO NOT
	// commit credentials to source control.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// Prefix prepended to all object keys.
	Prefix string `yaml:"prefix"`

	// UsePathStyle switches to path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`
}

// DefaultConfig returns a configuration with sensible defaults. The
// instance id is left empty and must be provided.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "graphmesh.db",
			BusyTimeout: "5s",
		},
		ConflictLog: ConflictLogConfig{
			Driver: "bolt",
			Path:   "graphmesh-conflicts.db",
		},
		HTTP: HTTPConfig{
			Addr:            ":7600",
			MaxBodyBytes:    32 << 20,
			ShutdownTimeout: "10s",
		},
		Sync: SyncConfig{
			Interval:           "60s",
			MaxConcurrentSyncs: 3,
			ExchangeTimeout:    "30s",
			RetryAttempts:      2,
			RetryBackoff:       "1s",
		},
		Stream: StreamingConfig{
			Enabled:      true,
			BufferSize:   256,
			WriteTimeout: "10s",
		},
	}
}

// LoadConfig reads a YAML file over the defaults: fields absent from the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and duration syntax.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Storage.Driver {
	case "", "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := parseDuration(c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("storage.busy_timeout: %w", err)
	}

	switch c.ConflictLog.Driver {
	case "", "bolt":
		if c.ConflictLog.Path == "" {
			return errors.New("conflict_log.path is required for the bolt driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown conflict log driver %q", c.ConflictLog.Driver)
	}

	if _, err := c.ShutdownTimeout(); err != nil {
		return err
	}
	if _, err := c.CoordinatorSettings(); err != nil {
		return err
	}
	if _, err := c.StreamSettings(); err != nil {
		return err
	}

	for i, p := range c.Peers {
		if p.InstanceID == "" {
			return fmt.Errorf("peers[%d].instance_id is required", i)
		}
		if p.Host == "" || p.Port <= 0 {
			return fmt.Errorf("peers[%d] needs host and port", i)
		}
	}

	if c.Archive != nil && c.Archive.Enabled {
		switch c.Archive.Backend {
		case "", "memory":
		case "s3":
			if c.Archive.S3.Bucket == "" {
				return errors.New("archive.s3.bucket is required for the s3 backend")
			}
		default:
			return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
		}
		if _, err := c.ArchiveInterval(); err != nil {
			return err
		}
	}

	return nil
}

// CoordinatorSettings builds the coordinator configuration from the sync
// section. Events and Logger are left for the caller to wire.
func (c *Config) CoordinatorSettings() (CoordinatorConfig, error) {
	out := DefaultCoordinatorConfig()
	var err error

	if out.Interval, err = parseDuration(c.Sync.Interval, out.Interval); err != nil {
		return CoordinatorConfig{}, fmt.Errorf("sync.interval: %w", err)
	}
	if out.ExchangeTimeout, err = parseDuration(c.Sync.ExchangeTimeout, out.ExchangeTimeout); err != nil {
		return CoordinatorConfig{}, fmt.Errorf("sync.exchange_timeout: %w", err)
	}
	if out.RetryBackoff, err = parseDuration(c.Sync.RetryBackoff, out.RetryBackoff); err != nil {
		return CoordinatorConfig{}, fmt.Errorf("sync.retry_backoff: %w", err)
	}
	if c.Sync.MaxConcurrentSyncs > 0 {
		out.MaxConcurrentSyncs = c.Sync.MaxConcurrentSyncs
	}
	if c.Sync.RetryAttempts > 0 {
		out.RetryAttempts = c.Sync.RetryAttempts
	}
	return out, nil
}

// StreamSettings builds the event hub configuration.
func (c *Config) StreamSettings() (StreamConfig, error) {
	out := DefaultStreamConfig()
	out.Enabled = c.Stream.Enabled
	if c.Stream.BufferSize > 0 {
		out.BufferSize = c.Stream.BufferSize
	}
	var err error
	if out.WriteTimeout, err = parseDuration(c.Stream.WriteTimeout, out.WriteTimeout); err != nil {
		return StreamConfig{}, fmt.Errorf("stream.write_timeout: %w", err)
	}
	return out, nil
}

// StoreBusyTimeout returns the parsed SQLite busy timeout.
func (c *Config) StoreBusyTimeout() (time.Duration, error) {
	d, err := parseDuration(c.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return 0, fmt.Errorf("storage.busy_timeout: %w", err)
	}
	return d, nil
}

// ShutdownTimeout returns the parsed HTTP shutdown timeout.
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	d, err := parseDuration(c.HTTP.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return 0, fmt.Errorf("http.shutdown_timeout: %w", err)
	}
	return d, nil
}

// ArchiveInterval returns the parsed snapshot interval.
func (c *Config) ArchiveInterval() (time.Duration, error) {
	if c.Archive == nil {
		return time.Hour, nil
	}
	d, err := parseDuration(c.Archive.Interval, time.Hour)
	if err != nil {
		return 0, fmt.Errorf("archive.interval: %w", err)
	}
	return d, nil
}

// DirectoryPeers converts the peers section for the membership directory.
func (c *Config) DirectoryPeers() []Peer {
	peers := make([]Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		peers = append(peers, Peer{InstanceID: p.InstanceID, Host: p.Host, Port: p.Port})
	}
	return peers
}

// parseDuration parses a config duration string, returning def when the
// string is empty.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("duration must be positive")
	}
	return d, nil
}
