package graphmesh

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// writeJSON encodes data as JSON and writes it to the response.
// Logs any encoding errors instead of silently ignoring them.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}

// writeJSONStatus writes a JSON response with a specific status code.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}

// writeFailure writes the {success:false, message} envelope every sync
// endpoint uses for errors.
func writeFailure(w http.ResponseWriter, status int, message string) {
	slog.Warn("HTTP error", "status", status, "message", message)
	writeJSONStatus(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}

// writeCodec writes data encoded with the given codec. Peers that speak
// msgpack get msgpack back.
func writeCodec(w http.ResponseWriter, codec Codec, status int, data any) {
	body, err := codec.Marshal(data)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", codec.ContentType())
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

// statusForError maps the sync error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrPayloadSchema):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownGraph):
		return http.StatusNotFound
	case errors.Is(err, ErrSyncDisabled):
		return http.StatusConflict
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
