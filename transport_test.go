package graphmesh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubDoer struct {
	mu    sync.Mutex
	calls int
	fn    func(req *http.Request) (*http.Response, error)
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.fn(req)
}

func (d *stubDoer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func codecResponse(t *testing.T, codec Codec, status int, v any) *http.Response {
	t.Helper()
	body, err := codec.Marshal(v)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{codec.ContentType()}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func textResponse(status int, msg string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(msg)),
	}
}

func testPeer() Peer {
	return Peer{InstanceID: "inst-b", Host: "node-b.local", Port: 8080}
}

func TestHTTPPeerClientRequestSync(t *testing.T) {
	codec := JSONCodec{}
	want := testPayload()

	var gotReq SyncRequest
	doer := &stubDoer{fn: func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", req.Method)
		}
		if req.URL.Path != "/sync/request" {
			t.Errorf("expected /sync/request, got %s", req.URL.Path)
		}
		if got := req.Header.Get("X-Instance-ID"); got != "inst-a" {
			t.Errorf("expected X-Instance-ID inst-a, got %q", got)
		}
		body, _ := io.ReadAll(req.Body)
		if err := codec.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		return codecResponse(t, codec, http.StatusOK, SyncResponse{Success: true, Payload: want}), nil
	}}

	client := NewHTTPPeerClient(PeerClientConfig{
		InstanceID: "inst-a",
		Codec:      codec,
		Compress:   false,
		HTTPClient: doer,
	})

	req := &SyncRequest{
		SessionID:          "sess-1",
		GraphName:          "main",
		RequestingInstance: "inst-a",
		VectorClock:        VectorClock{"inst-a": 1},
	}
	payload, err := client.RequestSync(context.Background(), testPeer(), req)
	if err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	if payload.SessionID != want.SessionID || len(payload.Nodes) != len(want.Nodes) {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if gotReq.SessionID != "sess-1" || gotReq.RequestingInstance != "inst-a" {
		t.Errorf("request body not preserved: %+v", gotReq)
	}
}

func TestHTTPPeerClientSendApplyCompressed(t *testing.T) {
	codec := MsgpackCodec{}

	doer := &stubDoer{fn: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/sync/apply" {
			t.Errorf("expected /sync/apply, got %s", req.URL.Path)
		}
		if got := req.Header.Get("Content-Type"); got != contentTypeMsgpack {
			t.Errorf("expected msgpack content type, got %q", got)
		}
		if got := req.Header.Get("Content-Encoding"); got != contentEncodingSnappy {
			t.Errorf("expected snappy encoding, got %q", got)
		}

		body, _ := io.ReadAll(req.Body)
		body, err := decompressBody(body)
		if err != nil {
			t.Fatalf("decompress request body: %v", err)
		}
		var payload GraphSyncPayload
		if err := codec.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if payload.SessionID != "sess-1" {
			t.Errorf("expected sess-1, got %s", payload.SessionID)
		}

		stats := &SyncStats{NodesApplied: 2, EdgesApplied: 1}
		return codecResponse(t, codec, http.StatusOK, ApplyResponse{Success: true, Stats: stats}), nil
	}}

	client := NewHTTPPeerClient(PeerClientConfig{
		Codec:      codec,
		Compress:   true,
		HTTPClient: doer,
	})

	stats, err := client.SendApply(context.Background(), testPeer(), testPayload())
	if err != nil {
		t.Fatalf("SendApply: %v", err)
	}
	if stats.NodesApplied != 2 || stats.EdgesApplied != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHTTPPeerClientRetriesTransportErrors(t *testing.T) {
	codec := JSONCodec{}
	doer := &stubDoer{}
	doer.fn = func(req *http.Request) (*http.Response, error) {
		if doer.count() < 3 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return codecResponse(t, codec, http.StatusOK, SyncResponse{Success: true, Payload: testPayload()}), nil
	}

	client := NewHTTPPeerClient(PeerClientConfig{
		Codec:         codec,
		Compress:      false,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
		HTTPClient:    doer,
	})

	req := &SyncRequest{SessionID: "sess-1", GraphName: "main", RequestingInstance: "inst-a"}
	if _, err := client.RequestSync(context.Background(), testPeer(), req); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if doer.count() != 3 {
		t.Errorf("expected 3 attempts, got %d", doer.count())
	}
}

func TestHTTPPeerClientRejectionNotRetried(t *testing.T) {
	doer := &stubDoer{fn: func(req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusBadRequest, "invalid sync payload: missing session_id"), nil
	}}

	client := NewHTTPPeerClient(PeerClientConfig{
		Codec:         JSONCodec{},
		Compress:      false,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
		HTTPClient:    doer,
	})

	req := &SyncRequest{SessionID: "sess-1", GraphName: "main", RequestingInstance: "inst-a"}
	_, err := client.RequestSync(context.Background(), testPeer(), req)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("a rejection must not look like an unavailable peer: %v", err)
	}
	if doer.count() != 1 {
		t.Errorf("expected 1 attempt for non-retryable rejection, got %d", doer.count())
	}
}

func TestHTTPPeerClientServerFaultRetryable(t *testing.T) {
	doer := &stubDoer{fn: func(req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusServiceUnavailable, "shutting down"), nil
	}}

	client := NewHTTPPeerClient(PeerClientConfig{
		Codec:         JSONCodec{},
		Compress:      false,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
		HTTPClient:    doer,
	})

	req := &SyncRequest{SessionID: "sess-1", GraphName: "main", RequestingInstance: "inst-a"}
	_, err := client.RequestSync(context.Background(), testPeer(), req)
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("expected ErrPeerUnavailable, got %v", err)
	}
	if doer.count() != 2 {
		t.Errorf("expected 2 attempts, got %d", doer.count())
	}
}

func TestHTTPPeerClientCircuitBreaker(t *testing.T) {
	doer := &stubDoer{fn: func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}

	client := NewHTTPPeerClient(PeerClientConfig{
		Codec:            JSONCodec{},
		Compress:         false,
		RetryAttempts:    1,
		RetryBackoff:     time.Millisecond,
		BreakerThreshold: 2,
		HTTPClient:       doer,
	})

	peer := testPeer()
	req := &SyncRequest{SessionID: "sess-1", GraphName: "main", RequestingInstance: "inst-a"}

	for i := 0; i < 2; i++ {
		if _, err := client.RequestSync(context.Background(), peer, req); err == nil {
			t.Fatal("expected transport error")
		}
	}
	if got := client.BreakerState(peer.Addr()); got != "open" {
		t.Fatalf("expected open breaker after failures, got %s", got)
	}

	before := doer.count()
	_, err := client.RequestSync(context.Background(), peer, req)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if doer.count() != before {
		t.Errorf("open circuit must not reach the peer")
	}
}
