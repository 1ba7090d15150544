package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphmesh/graphmesh"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "graphmeshd",
		Short:        "Graph synchronization daemon",
		Long:         "graphmeshd keeps graphs on this instance in sync with its peers and serves the sync HTTP API.",
		SilenceUsage: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Load the config and run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "graphmesh.yaml", "path to the YAML config file")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}

	root.AddCommand(serve, version)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("graphmeshd\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}

func runServe(configPath string) error {
	cfg, err := graphmesh.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	logger = logger.With("instance", cfg.Instance.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	conflicts, err := openConflictLog(cfg)
	if err != nil {
		return err
	}
	defer conflicts.Close()

	streamCfg, err := cfg.StreamSettings()
	if err != nil {
		return err
	}
	var events *graphmesh.SyncEventHub
	if streamCfg.Enabled {
		events = graphmesh.NewSyncEventHub(streamCfg)
	}

	engine, err := graphmesh.NewSyncEngine(store, graphmesh.SyncEngineConfig{
		InstanceID: cfg.Instance.ID,
		Log:        conflicts,
		Events:     events,
	})
	if err != nil {
		return err
	}

	coordCfg, err := cfg.CoordinatorSettings()
	if err != nil {
		return err
	}
	coordCfg.Events = events
	coordCfg.Logger = logger

	clientCfg := graphmesh.DefaultPeerClientConfig()
	clientCfg.InstanceID = cfg.Instance.ID
	clientCfg.Timeout = coordCfg.ExchangeTimeout
	client := graphmesh.NewHTTPPeerClient(clientCfg)

	directory := graphmesh.NewStaticDirectory(cfg.Instance.ID, cfg.DirectoryPeers()...)

	coordinator, err := graphmesh.NewSyncCoordinator(engine, directory, client, coordCfg)
	if err != nil {
		return err
	}

	server, err := graphmesh.NewServer(engine, graphmesh.ServerConfig{
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Coordinator:  coordinator,
		Events:       events,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if cfg.Archive != nil && cfg.Archive.Enabled {
		archive, err := openArchive(ctx, store, cfg)
		if err != nil {
			return err
		}
		defer archive.Close()

		interval, err := cfg.ArchiveInterval()
		if err != nil {
			return err
		}
		go snapshotLoop(ctx, logger, archive, store, interval)
		logger.Info("snapshot archive enabled", "backend", cfg.Archive.Backend, "interval", interval)
	}

	if err := coordinator.Start(); err != nil {
		return err
	}

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: server.Routes()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sync api listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		_ = coordinator.Stop()
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	cancel()
	if err := coordinator.Stop(); err != nil {
		logger.Error("coordinator stop failed", "error", err)
	}

	shutdownTimeout, err := cfg.ShutdownTimeout()
	if err != nil {
		return err
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("graphmeshd stopped")
	return nil
}

func openStore(ctx context.Context, cfg graphmesh.Config) (graphmesh.GraphStore, error) {
	if cfg.Storage.Driver == "memory" {
		return graphmesh.NewMemoryStore(), nil
	}
	busy, err := cfg.StoreBusyTimeout()
	if err != nil {
		return nil, err
	}
	return graphmesh.NewSQLiteStore(ctx, graphmesh.SQLiteStoreConfig{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	})
}

func openConflictLog(cfg graphmesh.Config) (graphmesh.ConflictLog, error) {
	if cfg.ConflictLog.Driver == "memory" {
		return graphmesh.NewMemoryConflictLog(), nil
	}
	return graphmesh.NewBoltConflictLog(cfg.ConflictLog.Path)
}

func openArchive(ctx context.Context, store graphmesh.GraphStore, cfg graphmesh.Config) (*graphmesh.ArchiveManager, error) {
	var backend graphmesh.ArchiveBackend
	if cfg.Archive.Backend == "s3" {
		s3Backend, err := graphmesh.NewS3ArchiveBackend(ctx, graphmesh.S3ArchiveConfig{
			Bucket:          cfg.Archive.S3.Bucket,
			Region:          cfg.Archive.S3.Region,
			Endpoint:        cfg.Archive.S3.Endpoint,
			AccessKeyID:     cfg.Archive.S3.AccessKeyID,
			SecretAccessKey: cfg.Archive.S3.SecretAccessKey,
			Prefix:          cfg.Archive.S3.Prefix,
			UsePathStyle:    cfg.Archive.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		backend = s3Backend
	} else {
		backend = graphmesh.NewMemoryArchiveBackend()
	}

	archiveCfg := graphmesh.ArchiveConfig{
		Backend:        backend,
		RetentionCount: cfg.Archive.RetentionCount,
	}
	if cfg.Archive.KeyPassword != "" {
		archiveCfg.Encryption = &graphmesh.EncryptionConfig{
			Enabled:     true,
			KeyPassword: cfg.Archive.KeyPassword,
		}
	}
	return graphmesh.NewArchiveManager(ctx, store, archiveCfg)
}

// snapshotLoop archives every sync-enabled graph once per interval. The
// first snapshot of a graph is full, later ones are incremental.
func snapshotLoop(ctx context.Context, logger *slog.Logger, archive *graphmesh.ArchiveManager, store graphmesh.GraphStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pairs, err := store.SyncPairs(ctx)
			if err != nil {
				logger.Error("snapshot cycle failed", "error", err)
				continue
			}
			for _, pair := range pairs {
				result, err := archive.Snapshot(ctx, pair.SessionID, pair.GraphName)
				if err != nil {
					logger.Error("snapshot failed",
						"session", pair.SessionID,
						"graph", pair.GraphName,
						"error", err)
					continue
				}
				logger.Info("snapshot taken",
					"id", result.Record.ID,
					"type", result.Record.Type,
					"session", pair.SessionID,
					"graph", pair.GraphName,
					"size", result.Record.Size)
			}
		}
	}
}
