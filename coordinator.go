package graphmesh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CoordinatorConfig configures the background sync coordinator.
type CoordinatorConfig struct {
	// Interval between sync cycles.
	// Default: 60s
	Interval time.Duration

	// MaxConcurrentSyncs bounds the number of peer exchanges in flight
	// at once. There is no queue beyond this pool; a cycle simply waits
	// for a permit. Default: 3
	MaxConcurrentSyncs int

	// ExchangeTimeout bounds one full pull-then-push exchange with a
	// peer. Default: 30s
	ExchangeTimeout time.Duration

	// RetryAttempts is the number of tries per exchange within one
	// cycle before deferring the pair to the next tick. Default: 2
	RetryAttempts int

	// RetryBackoff is the initial backoff between exchange retries.
	// Default: 1s
	RetryBackoff time.Duration

	// Events receives sync lifecycle events. Optional.
	Events *SyncEventHub

	// Logger for cycle and exchange outcomes. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultCoordinatorConfig returns the default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Interval:           60 * time.Second,
		MaxConcurrentSyncs: 3,
		ExchangeTimeout:    30 * time.Second,
		RetryAttempts:      2,
		RetryBackoff:       time.Second,
	}
}

// CoordinatorStats counts what the coordinator has done since start.
type CoordinatorStats struct {
	CyclesRun          int64     `json:"cycles_run"`
	ExchangesAttempted int64     `json:"exchanges_attempted"`
	ExchangesSucceeded int64     `json:"exchanges_succeeded"`
	ExchangesFailed    int64     `json:"exchanges_failed"`
	LastCycleAt        time.Time `json:"last_cycle_at"`
	LastError          string    `json:"last_error,omitempty"`
}

// SyncCoordinator drives periodic synchronization with every active peer.
// Each cycle it enumerates the sync-enabled (session, graph) pairs that
// have pending changes, then runs one pull-then-push exchange per
// (pair, peer) under a bounded permit pool. One peer failing never stops
// the others; a failed exchange is retried within the cycle and then
// deferred to the next tick.
type SyncCoordinator struct {
	engine    *SyncEngine
	directory Directory
	client    PeerClient
	config    CoordinatorConfig
	retryer   *Retryer
	logger    *slog.Logger

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   CoordinatorStats
}

// NewSyncCoordinator creates a coordinator over the given engine,
// membership directory, and peer client.
func NewSyncCoordinator(engine *SyncEngine, directory Directory, client PeerClient, config CoordinatorConfig) (*SyncCoordinator, error) {
	if engine == nil {
		return nil, errors.New("coordinator requires a sync engine")
	}
	if directory == nil {
		return nil, errors.New("coordinator requires a peer directory")
	}
	if client == nil {
		return nil, errors.New("coordinator requires a peer client")
	}

	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.MaxConcurrentSyncs <= 0 {
		config.MaxConcurrentSyncs = 3
	}
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = 30 * time.Second
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 2
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncCoordinator{
		engine:    engine,
		directory: directory,
		client:    client,
		config:    config,
		logger:    logger,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    config.RetryAttempts,
			InitialBackoff: config.RetryBackoff,
			RetryIf:        IsRetryable,
		}),
	}, nil
}

// Start launches the periodic sync loop.
func (c *SyncCoordinator) Start() error {
	if c.running.Swap(true) {
		return errors.New("coordinator already running")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.loop()

	c.logger.Info("sync coordinator started",
		"interval", c.config.Interval,
		"max_concurrent", c.config.MaxConcurrentSyncs)
	return nil
}

// Stop cancels the loop and waits for in-flight exchanges to finish.
// An apply that has already started runs to completion.
func (c *SyncCoordinator) Stop() error {
	if !c.running.Swap(false) {
		return nil
	}

	c.cancel()
	c.wg.Wait()

	c.logger.Info("sync coordinator stopped")
	return nil
}

// Running reports whether the background loop is active.
func (c *SyncCoordinator) Running() bool {
	return c.running.Load()
}

// SyncNow runs one synchronization cycle immediately. It works whether or
// not the background loop is running.
func (c *SyncCoordinator) SyncNow(ctx context.Context) error {
	return c.runCycle(ctx)
}

// Stats returns a snapshot of the coordinator counters.
func (c *SyncCoordinator) Stats() CoordinatorStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *SyncCoordinator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.runCycle(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

func (c *SyncCoordinator) runCycle(ctx context.Context) error {
	pairs, err := c.engine.Store().SyncPairs(ctx)
	if err != nil {
		c.recordCycleError(err)
		return err
	}
	peers, err := c.directory.ListActivePeers(ctx)
	if err != nil {
		c.recordCycleError(err)
		return err
	}

	due := c.duePairs(ctx, pairs)

	if len(due) > 0 && len(peers) > 0 {
		permits := make(chan struct{}, c.config.MaxConcurrentSyncs)
		var wg sync.WaitGroup

	cycle:
		for _, pair := range due {
			for _, peer := range peers {
				select {
				case permits <- struct{}{}:
				case <-ctx.Done():
					break cycle
				}

				wg.Add(1)
				go func(pair SyncPair, peer Peer) {
					defer wg.Done()
					defer func() { <-permits }()
					c.syncPair(ctx, pair, peer)
				}(pair, peer)
			}
		}
		wg.Wait()
	}

	c.statsMu.Lock()
	c.stats.CyclesRun++
	c.stats.LastCycleAt = time.Now()
	c.statsMu.Unlock()

	c.logger.Debug("sync cycle complete", "pairs", len(due), "peers", len(peers))
	return ctx.Err()
}

// duePairs filters the enabled pairs down to the ones worth an exchange:
// anything with pending changes, plus pairs that have never synced at all.
func (c *SyncCoordinator) duePairs(ctx context.Context, pairs []SyncPair) []SyncPair {
	due := make([]SyncPair, 0, len(pairs))
	for _, pair := range pairs {
		pending, err := c.engine.Store().PendingChanges(ctx, pair.SessionID, pair.GraphName)
		if err != nil {
			c.logger.Error("failed to count pending changes",
				"session", pair.SessionID, "graph", pair.GraphName, "error", err)
			continue
		}
		if pending > 0 {
			due = append(due, pair)
			continue
		}
		lastSync, err := c.engine.Store().LastSyncAt(ctx, pair.SessionID, pair.GraphName)
		if err != nil {
			c.logger.Error("failed to read last sync time",
				"session", pair.SessionID, "graph", pair.GraphName, "error", err)
			continue
		}
		if lastSync.IsZero() {
			due = append(due, pair)
		}
	}
	return due
}

func (c *SyncCoordinator) syncPair(ctx context.Context, pair SyncPair, peer Peer) {
	c.statsMu.Lock()
	c.stats.ExchangesAttempted++
	c.statsMu.Unlock()

	c.publish(SyncEvent{
		Type:      EventSyncStarted,
		SessionID: pair.SessionID,
		GraphName: pair.GraphName,
		Peer:      peer.InstanceID,
	})

	var stats *SyncStats
	result := c.retryer.Do(ctx, func() error {
		var err error
		stats, err = c.exchange(ctx, pair, peer)
		return err
	})

	if result.LastErr != nil {
		c.statsMu.Lock()
		c.stats.ExchangesFailed++
		c.stats.LastError = result.LastErr.Error()
		c.statsMu.Unlock()

		c.logger.Error("sync exchange failed",
			"session", pair.SessionID,
			"graph", pair.GraphName,
			"peer", peer.InstanceID,
			"attempts", result.Attempts,
			"error", result.LastErr)
		c.publish(SyncEvent{
			Type:      EventSyncFailed,
			SessionID: pair.SessionID,
			GraphName: pair.GraphName,
			Peer:      peer.InstanceID,
			Message:   result.LastErr.Error(),
		})
		return
	}

	c.statsMu.Lock()
	c.stats.ExchangesSucceeded++
	c.statsMu.Unlock()

	c.logger.Info("sync exchange complete",
		"session", pair.SessionID,
		"graph", pair.GraphName,
		"peer", peer.InstanceID,
		"nodes_applied", stats.NodesApplied,
		"edges_applied", stats.EdgesApplied,
		"conflicts", stats.ConflictsDetected)
	c.publish(SyncEvent{
		Type:      EventSyncCompleted,
		SessionID: pair.SessionID,
		GraphName: pair.GraphName,
		Peer:      peer.InstanceID,
		Stats:     stats,
	})
}

// exchange runs one pull-then-push conversation with a peer: fetch the
// peer's payload for our clock, apply it locally, then send our side
// built against the clock the peer advertised.
func (c *SyncCoordinator) exchange(ctx context.Context, pair SyncPair, peer Peer) (*SyncStats, error) {
	exCtx, cancel := context.WithTimeout(ctx, c.config.ExchangeTimeout)
	defer cancel()

	req, err := c.engine.BuildRequest(exCtx, pair.SessionID, pair.GraphName)
	if err != nil {
		return nil, err
	}

	payload, err := c.client.RequestSync(exCtx, peer, req)
	if err != nil {
		return nil, err
	}

	// Once the peer's payload is in hand, the apply must not be cut
	// short by shutdown or the exchange deadline.
	stats, err := c.engine.Apply(context.WithoutCancel(exCtx), payload)
	if err != nil {
		return stats, err
	}

	syncType, err := c.engine.DecideStrategy(exCtx, payload.SourceInstance, pair.SessionID, pair.GraphName, payload.VectorClock)
	if err != nil {
		return stats, err
	}
	out, err := c.engine.BuildPayload(exCtx, pair.SessionID, pair.GraphName, payload.VectorClock, syncType)
	if err != nil {
		return stats, err
	}

	peerStats, err := c.client.SendApply(exCtx, peer, out)
	if err != nil {
		return stats, err
	}
	c.logger.Debug("peer applied payload",
		"peer", peer.InstanceID,
		"nodes_applied", peerStats.NodesApplied,
		"edges_applied", peerStats.EdgesApplied)

	return stats, nil
}

func (c *SyncCoordinator) recordCycleError(err error) {
	c.statsMu.Lock()
	c.stats.LastError = err.Error()
	c.statsMu.Unlock()
}

func (c *SyncCoordinator) publish(event SyncEvent) {
	if c.config.Events == nil {
		return
	}
	c.config.Events.Publish(event)
}
