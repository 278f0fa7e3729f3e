package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/pubsync/coordinator"
	"github.com/maxpert/pubsync/hlc"
	"github.com/maxpert/pubsync/lock"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/queue"
	"github.com/maxpert/pubsync/source"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves read and control endpoints over the coordinator
type AdminHandlers struct {
	coord *coordinator.Coordinator
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(coord *coordinator.Coordinator) *AdminHandlers {
	return &AdminHandlers{coord: coord}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	response := map[string]interface{}{
		"error": message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps domain errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	var conflict *coordinator.ConflictError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &conflict),
		errors.Is(err, coordinator.ErrForeignChain),
		errors.Is(err, lock.ErrHeld):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrNoChain),
		errors.Is(err, queue.ErrUnknownTask):
		status = http.StatusNotFound
	case errors.Is(err, publication.ErrInvalidName),
		errors.Is(err, publication.ErrInvalidKind),
		errors.Is(err, source.ErrUnknownType),
		errors.Is(err, source.ErrUnknownSource):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, queue.ErrStopped):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Admin request failed")
	}
	writeErrorResponse(w, status, err.Error())
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

// parseWait reads the optional wait parameter, capped at one minute
func parseWait(r *http.Request) (time.Duration, error) {
	s := r.URL.Query().Get("wait")
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait parameter: %q", s)
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d, nil
}

// formatTimestamp converts an HLC wall time to ISO 8601
func formatTimestamp(ts hlc.Timestamp) string {
	if ts.WallTime == 0 {
		return ""
	}
	return time.Unix(0, ts.WallTime).UTC().Format(time.RFC3339Nano)
}
