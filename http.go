package graphmesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultMaxBodyBytes = 32 << 20 // 32 MiB

// ServerConfig configures the sync HTTP server.
type ServerConfig struct {
	// MaxBodyBytes caps the size of request bodies.
	// Default: 32 MiB
	MaxBodyBytes int64

	// Coordinator, when set, exposes POST /sync/now and GET /sync/stats.
	Coordinator *SyncCoordinator

	// Events, when set, exposes the websocket stream at /sync/stream.
	Events *SyncEventHub

	// Logger for request handling. Default: slog.Default()
	Logger *slog.Logger
}

// Server exposes the sync engine over HTTP. Peers call /sync/request and
// /sync/apply; operators use the status, config, and conflict endpoints.
type Server struct {
	engine *SyncEngine
	config ServerConfig
	logger *slog.Logger
}

// NewServer creates an HTTP server around the sync engine.
func NewServer(engine *SyncEngine, config ServerConfig) (*Server, error) {
	if engine == nil {
		return nil, errors.New("server requires a sync engine")
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, config: config, logger: logger}, nil
}

// Routes registers all sync endpoints on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/request", s.handleSyncRequest)
	mux.HandleFunc("/sync/apply", s.handleSyncApply)
	mux.HandleFunc("/sync/status/", s.handleSyncStatus)
	mux.HandleFunc("/sync/enable/", s.handleSyncEnable)
	mux.HandleFunc("/sync/configs/", s.handleSyncConfigs)
	mux.HandleFunc("/sync/bulk/", s.handleSyncBulk)
	mux.HandleFunc("/sync/conflicts", s.handleConflicts)
	mux.HandleFunc("/sync/conflicts/", s.handleConflictReview)
	if s.config.Coordinator != nil {
		mux.HandleFunc("/sync/now", s.handleSyncNow)
		mux.HandleFunc("/sync/stats", s.handleSyncStats)
	}
	if s.config.Events != nil {
		mux.HandleFunc("/sync/stream", s.config.Events.WebSocketHandler())
	}
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// decodeBody reads a request body, transparently handling snappy
// compression, and decodes it with the codec named by Content-Type. The
// codec is returned so the response can be written in the same encoding.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) (Codec, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if r.Header.Get("Content-Encoding") == contentEncodingSnappy {
		body, err = decompressBody(body)
		if err != nil {
			return nil, err
		}
	}
	codec, err := codecForContentType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("failed to decode request body: %w", err)
	}
	return codec, nil
}

func (s *Server) handleSyncRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SyncRequest
	codec, err := s.decodeBody(w, r, &req)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := s.engine.HandleRequest(r.Context(), &req)
	if err != nil {
		writeFailure(w, statusForError(err), err.Error())
		return
	}

	s.logger.Debug("served sync request",
		"session", req.SessionID,
		"graph", req.GraphName,
		"peer", req.RequestingInstance,
		"type", payload.SyncType,
		"nodes", len(payload.Nodes),
		"edges", len(payload.Edges))
	writeCodec(w, codec, http.StatusOK, SyncResponse{Success: true, Payload: payload})
}

func (s *Server) handleSyncApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload GraphSyncPayload
	codec, err := s.decodeBody(w, r, &payload)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.engine.Apply(r.Context(), &payload)
	if err != nil {
		status := statusForError(err)
		// A storage fault aborts mid-payload; report what landed.
		writeJSONStatus(w, status, ApplyResponse{Success: false, Message: err.Error(), Stats: stats})
		return
	}

	s.logger.Debug("applied sync payload",
		"session", payload.SessionID,
		"graph", payload.GraphName,
		"source", payload.SourceInstance,
		"nodes_applied", stats.NodesApplied,
		"edges_applied", stats.EdgesApplied,
		"conflicts", stats.ConflictsDetected)
	writeCodec(w, codec, http.StatusOK, ApplyResponse{Success: true, Stats: stats})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID, graphName, ok := splitPairPath(r.URL.Path, "/sync/status/")
	if !ok {
		writeFailure(w, http.StatusBadRequest, "expected /sync/status/{session_id}/{graph_name}")
		return
	}

	status, err := s.engine.Status(r.Context(), sessionID, graphName)
	if err != nil {
		writeFailure(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleSyncEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID, graphName, ok := splitPairPath(r.URL.Path, "/sync/enable/")
	if !ok {
		writeFailure(w, http.StatusBadRequest, "expected /sync/enable/{session_id}/{graph_name}")
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.Store().SetSyncEnabled(r.Context(), sessionID, graphName, req.Enabled); err != nil {
		writeFailure(w, statusForError(err), err.Error())
		return
	}

	s.logger.Info("sync flag updated", "session", sessionID, "graph", graphName, "enabled", req.Enabled)
	writeJSON(w, map[string]any{
		"success":      true,
		"session_id":   sessionID,
		"graph_name":   graphName,
		"sync_enabled": req.Enabled,
	})
}

func (s *Server) handleSyncConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sync/configs/"), "/")
	if sessionID == "" {
		writeFailure(w, http.StatusBadRequest, "expected /sync/configs/{session_id}")
		return
	}

	configs, err := s.engine.Store().ListGraphs(r.Context(), sessionID)
	if err != nil {
		writeFailure(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"success":    true,
		"session_id": sessionID,
		"graphs":     configs,
	})
}

func (s *Server) handleSyncBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sync/bulk/"), "/")
	if sessionID == "" {
		writeFailure(w, http.StatusBadRequest, "expected /sync/bulk/{session_id}")
		return
	}

	var req struct {
		Graphs  []string `json:"graphs"`
		Enabled bool     `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Graphs) == 0 {
		writeFailure(w, http.StatusBadRequest, "no graphs given")
		return
	}

	// Best effort: one bad graph does not abort the rest.
	updated := make([]string, 0, len(req.Graphs))
	failed := make([]map[string]string, 0)
	for _, graph := range req.Graphs {
		if err := s.engine.Store().SetSyncEnabled(r.Context(), sessionID, graph, req.Enabled); err != nil {
			failed = append(failed, map[string]string{"graph_name": graph, "error": err.Error()})
			continue
		}
		updated = append(updated, graph)
	}

	s.logger.Info("bulk sync update",
		"session", sessionID,
		"enabled", req.Enabled,
		"updated", len(updated),
		"failed", len(failed))
	writeJSON(w, map[string]any{
		"success": len(failed) == 0,
		"updated": updated,
		"failed":  failed,
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		records []ConflictRecord
		err     error
	)
	if r.URL.Query().Get("include_resolved") == "true" {
		records, err = s.engine.ConflictLog().Records()
	} else {
		records, err = s.engine.ConflictLog().Unresolved()
	}
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	if session := r.URL.Query().Get("session_id"); session != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.SessionID == session {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if graph := r.URL.Query().Get("graph_name"); graph != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.GraphName == graph {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	writeJSON(w, map[string]any{
		"success":   true,
		"conflicts": records,
		"count":     len(records),
	})
}

func (s *Server) handleConflictReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/sync/conflicts/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || action != "review" || id == "" {
		writeFailure(w, http.StatusBadRequest, "expected /sync/conflicts/{id}/review")
		return
	}

	if err := s.engine.ConflictLog().MarkReviewed(id); err != nil {
		writeFailure(w, http.StatusNotFound, err.Error())
		return
	}

	s.logger.Info("conflict marked reviewed", "id", id)
	writeJSON(w, map[string]any{"success": true, "id": id})
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.config.Coordinator.SyncNow(r.Context()); err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"success": true, "stats": s.config.Coordinator.Stats()})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.config.Coordinator.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"instance_id": s.engine.InstanceID(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

// splitPairPath parses "{prefix}{session_id}/{graph_name}" paths.
func splitPairPath(path, prefix string) (sessionID, graphName string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	sessionID, graphName, found := strings.Cut(rest, "/")
	if !found || sessionID == "" || graphName == "" || strings.Contains(graphName, "/") {
		return "", "", false
	}
	return sessionID, graphName, true
}
