package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// BidArchive is the read side of the bid archive
type BidArchive interface {
	GetBidHistory(ctx context.Context, unitID string, limit int) ([]models.Bid, error)
	Ping(ctx context.Context) error
}

// ArchiveHandler serves archived bids from the archival worker
type ArchiveHandler struct {
	archive BidArchive
	logger  *slog.Logger
	checks  map[string]HealthCheckFunc
}

// NewArchiveHandler creates the archive read API
func NewArchiveHandler(archive BidArchive, logger *slog.Logger) *ArchiveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveHandler{
		archive: archive,
		logger:  logger.With("component", "archive-http"),
		checks:  map[string]HealthCheckFunc{"postgres": archive.Ping},
	}
}

// AddHealthCheck registers another dependency the health endpoint checks
func (h *ArchiveHandler) AddHealthCheck(name string, check HealthCheckFunc) {
	h.checks[name] = check
}

// SetupRoutes configures the archive routes
func (h *ArchiveHandler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/v1/archive/units/{id}/bids", h.GetBidHistory).Methods("GET")
	router.HandleFunc("/api/v1/archive/auctions/{id}/lots/{lot}/bids", h.GetBidHistory).Methods("GET")
	return router
}

// HealthCheck reports the worker and its database
func (h *ArchiveHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, deps := runHealthChecks(r.Context(), h.checks)
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":       status,
		"service":      "archival-worker",
		"dependencies": deps,
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

// GetBidHistory returns archived bids of a unit, newest first.
// ?limit= caps the page, default 50, at most 500.
func (h *ArchiveHandler) GetBidHistory(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	bids, err := h.archive.GetBidHistory(r.Context(), unitID, limit)
	if err != nil {
		h.logger.Error("failed to read archived bids", "unit_id", unitID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to read bid archive")
		return
	}
	if bids == nil {
		bids = []models.Bid{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"unit_id": unitID,
		"bids":    bids,
	})
}
