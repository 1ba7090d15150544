package graphmesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPDoer abstracts the HTTP client used for peer exchanges so they can
// be exercised without a network.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PeerClient performs sync exchanges against a remote instance.
type PeerClient interface {
	// RequestSync asks the peer to build a payload for the given request.
	RequestSync(ctx context.Context, peer Peer, req *SyncRequest) (*GraphSyncPayload, error)
	// SendApply pushes a payload to the peer and returns the stats the
	// peer reported for applying it.
	SendApply(ctx context.Context, peer Peer, payload *GraphSyncPayload) (*SyncStats, error)
}

// SyncResponse is the wire envelope for a payload returned by a peer.
type SyncResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Payload *GraphSyncPayload `json:"payload,omitempty"`
}

// ApplyResponse is the wire envelope for the result of applying a payload.
type ApplyResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Stats   *SyncStats `json:"stats,omitempty"`
}

// PeerClientConfig configures the HTTP peer client.
type PeerClientConfig struct {
	// InstanceID identifies this instance to peers via the
	// X-Instance-ID header. Optional.
	InstanceID string

	// Timeout bounds a single HTTP exchange with a peer.
	// Default: 30s
	Timeout time.Duration

	// Codec encodes exchange bodies on the wire.
	// Default: MsgpackCodec
	Codec Codec

	// Compress applies snappy compression to request bodies.
	// Default: true
	Compress bool

	// RetryAttempts is the number of attempts per exchange.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff between attempts.
	// Default: 500ms
	RetryBackoff time.Duration

	// BreakerThreshold is the consecutive failure count that opens a
	// peer's circuit. Default: 5
	BreakerThreshold int

	// BreakerResetTimeout is how long an open circuit waits before
	// probing the peer again. Default: 30s
	BreakerResetTimeout time.Duration

	// HTTPClient overrides the underlying HTTP client. Tests inject a
	// stub here. Default: http.Client with Timeout
	HTTPClient HTTPDoer
}

// DefaultPeerClientConfig returns the default peer client configuration.
func DefaultPeerClientConfig() PeerClientConfig {
	return PeerClientConfig{
		Timeout:             30 * time.Second,
		Codec:               MsgpackCodec{},
		Compress:            true,
		RetryAttempts:       3,
		RetryBackoff:        500 * time.Millisecond,
		BreakerThreshold:    5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// HTTPPeerClient exchanges sync payloads with peers over HTTP. Each peer
// gets its own circuit breaker so one unreachable instance does not stall
// exchanges with the rest of the mesh. It is safe for concurrent use.
type HTTPPeerClient struct {
	config  PeerClientConfig
	client  HTTPDoer
	retryer *Retryer

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewHTTPPeerClient creates a peer client with the given configuration.
func NewHTTPPeerClient(config PeerClientConfig) *HTTPPeerClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Codec == nil {
		config.Codec = MsgpackCodec{}
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerResetTimeout <= 0 {
		config.BreakerResetTimeout = 30 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &HTTPPeerClient{
		config: config,
		client: config.HTTPClient,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    config.RetryAttempts,
			InitialBackoff: config.RetryBackoff,
			RetryIf:        IsRetryable,
		}),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// RequestSync asks the peer to build a payload for the given request.
func (c *HTTPPeerClient) RequestSync(ctx context.Context, peer Peer, req *SyncRequest) (*GraphSyncPayload, error) {
	var resp SyncResponse
	url := fmt.Sprintf("http://%s/sync/request", peer.Addr())
	if err := c.exchange(ctx, peer, url, req, &resp); err != nil {
		return nil, err
	}
	if resp.Payload == nil {
		return nil, newSyncError(SyncErrorTypeTransport,
			fmt.Sprintf("peer returned no payload: %s", resp.Message), peer.Addr(), nil)
	}
	return resp.Payload, nil
}

// SendApply pushes a payload to the peer.
func (c *HTTPPeerClient) SendApply(ctx context.Context, peer Peer, payload *GraphSyncPayload) (*SyncStats, error) {
	var resp ApplyResponse
	url := fmt.Sprintf("http://%s/sync/apply", peer.Addr())
	if err := c.exchange(ctx, peer, url, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Stats == nil {
		return &SyncStats{}, nil
	}
	return resp.Stats, nil
}

// BreakerState reports the circuit state for a peer address. Peers that
// have never been contacted report "closed".
func (c *HTTPPeerClient) BreakerState(addr string) string {
	c.mu.Lock()
	cb, ok := c.breakers[addr]
	c.mu.Unlock()
	if !ok {
		return "closed"
	}
	return cb.State()
}

func (c *HTTPPeerClient) breakerFor(addr string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[addr]
	if !ok {
		cb = NewCircuitBreaker(c.config.BreakerThreshold, c.config.BreakerResetTimeout)
		c.breakers[addr] = cb
	}
	return cb
}

func (c *HTTPPeerClient) exchange(ctx context.Context, peer Peer, url string, in, out any) error {
	cb := c.breakerFor(peer.Addr())
	result := c.retryer.Do(ctx, func() error {
		return cb.Execute(func() error {
			return c.roundTrip(ctx, peer, url, in, out)
		})
	})
	return result.LastErr
}

func (c *HTTPPeerClient) roundTrip(ctx context.Context, peer Peer, url string, in, out any) error {
	body, err := c.config.Codec.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode exchange body: %w", err)
	}
	if c.config.Compress {
		body = compressBody(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", c.config.Codec.ContentType())
	if c.config.Compress {
		httpReq.Header.Set("Content-Encoding", contentEncodingSnappy)
	}
	if c.config.InstanceID != "" {
		httpReq.Header.Set("X-Instance-ID", c.config.InstanceID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return newSyncError(SyncErrorTypeTransport, "peer exchange failed", peer.Addr(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return newSyncError(SyncErrorTypeTransport, "failed to read peer response", peer.Addr(), err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("peer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		// Server faults and throttling are worth retrying. Client-side
		// rejections like a schema failure are not.
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return newSyncError(SyncErrorTypeTransport, msg, peer.Addr(), nil)
		}
		return errors.New(msg)
	}

	if resp.Header.Get("Content-Encoding") == contentEncodingSnappy {
		respBody, err = decompressBody(respBody)
		if err != nil {
			return err
		}
	}

	respCodec, err := codecForContentType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("peer response: %w", err)
	}
	if err := respCodec.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode peer response: %w", err)
	}
	return nil
}
