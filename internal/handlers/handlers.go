package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/internal/engine"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/gorilla/mux"
)

// HealthCheckFunc reports whether a dependency is reachable
type HealthCheckFunc func(ctx context.Context) error

// Handler contains HTTP request handlers
type Handler struct {
	engine *engine.Engine
	auth   *auth.Authenticator
	logger *slog.Logger
	checks map[string]HealthCheckFunc
}

// NewHandler creates a new HTTP handler
func NewHandler(e *engine.Engine, a *auth.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: e,
		auth:   a,
		logger: logger.With("component", "http"),
		checks: make(map[string]HealthCheckFunc),
	}
}

// AddHealthCheck registers a dependency the health endpoint checks
func (h *Handler) AddHealthCheck(name string, check HealthCheckFunc) {
	h.checks[name] = check
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// Public read side
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/units/{id}", h.GetUnit).Methods("GET")
	api.HandleFunc("/units/{id}/bids", h.GetBidHistory).Methods("GET")
	api.HandleFunc("/auctions/{id}/lots/{lot}", h.GetUnit).Methods("GET")

	// Authenticated bidding
	bids := api.NewRoute().Subrouter()
	bids.Use(h.auth.Required)
	bids.HandleFunc("/units/{id}/bids", h.PlaceBid).Methods("POST")
	bids.HandleFunc("/auctions/{id}/lots/{lot}/bids", h.PlaceBid).Methods("POST")
	bids.HandleFunc("/units/{id}/buy-now", h.BuyNow).Methods("POST")

	admin := api.NewRoute().Subrouter()
	admin.Use(h.auth.Required, auth.RoleAllowed(auth.RoleAdmin))
	admin.HandleFunc("/units/{id}/close", h.ForceClose).Methods("POST")

	sellers := api.NewRoute().Subrouter()
	sellers.Use(h.auth.Required, auth.RoleAllowed(auth.RoleAdmin, auth.RoleSeller))
	sellers.HandleFunc("/listings", h.RegisterListing).Methods("POST")
	sellers.HandleFunc("/auctions", h.RegisterAuction).Methods("POST")

	// Middleware
	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status. Any failing dependency turns it
// into a 503.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, deps := runHealthChecks(r.Context(), h.checks)
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":       status,
		"service":      "api-gateway",
		"dependencies": deps,
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

func runHealthChecks(ctx context.Context, checks map[string]HealthCheckFunc) (string, map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "unhealthy"
			continue
		}
		deps[name] = "ok"
	}
	return status, deps
}

// GetUnit returns the current state of a unit with its derived status
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Get(r.Context(), unitID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// GetBidHistory returns the committed bids of a unit, oldest first
func (h *Handler) GetBidHistory(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(w, r)
	if !ok {
		return
	}
	bids, err := h.engine.History(r.Context(), unitID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"unit_id": unitID,
		"bids":    bids,
	})
}

// PlaceBid handles bid placement requests. A buy_now bid_type is routed to BuyNow.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(w, r)
	if !ok {
		return
	}
	caller, _ := auth.FromContext(r.Context())

	// Parse request body
	var bidReq models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&bidReq); err != nil {
		respondBidError(w, engine.ErrInvalid("Invalid request body: %v", err))
		return
	}
	parsed, err := bidReq.Parse()
	if err != nil {
		respondBidError(w, engine.ErrInvalid("%v", err))
		return
	}

	var result *models.BidResult
	if parsed.Type == models.BidTypeBuyNow {
		result, err = h.engine.BuyNow(r.Context(), unitID, caller.UserID)
	} else {
		result, err = h.engine.PlaceBid(r.Context(), engine.BidCommand{
			UnitID:   unitID,
			BidderID: caller.UserID,
			Amount:   parsed.Amount,
		})
	}
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// BuyNow ends the unit at its buy-now price
func (h *Handler) BuyNow(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(w, r)
	if !ok {
		return
	}
	caller, _ := auth.FromContext(r.Context())

	result, err := h.engine.BuyNow(r.Context(), unitID, caller.UserID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// ForceClose ends a unit by administrative action
func (h *Handler) ForceClose(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(w, r)
	if !ok {
		return
	}
	view, err := h.engine.ForceClose(r.Context(), unitID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// RegisterListing creates the unit of a single-item listing.
// Sellers can only register their own listings.
func (h *Handler) RegisterListing(w http.ResponseWriter, r *http.Request) {
	var req models.ListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBidError(w, engine.ErrInvalid("Invalid request body: %v", err))
		return
	}
	caller, _ := auth.FromContext(r.Context())
	if !caller.HasRole(auth.RoleAdmin) {
		req.SellerID = caller.UserID
	}

	view, err := h.engine.RegisterListing(r.Context(), &req)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

// RegisterAuction creates one unit per lot of a multi-lot auction
func (h *Handler) RegisterAuction(w http.ResponseWriter, r *http.Request) {
	var req models.AuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBidError(w, engine.ErrInvalid("Invalid request body: %v", err))
		return
	}
	caller, _ := auth.FromContext(r.Context())
	if !caller.HasRole(auth.RoleAdmin) {
		req.SellerID = caller.UserID
	}

	views, err := h.engine.RegisterAuction(r.Context(), &req)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"auction_id": req.ID,
		"lots":       views,
	})
}

// unitIDFromPath resolves {id} or, on lot routes, {id} + {lot} to a unit id
func unitIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	vars := mux.Vars(r)
	id := vars["id"]
	if id == "" {
		respondBidError(w, engine.ErrInvalid("Item ID is required"))
		return "", false
	}

	lot, isLot := vars["lot"]
	if !isLot {
		return id, true
	}
	n, err := strconv.Atoi(lot)
	if err != nil || n <= 0 {
		respondBidError(w, engine.ErrInvalid("Lot number must be a positive integer"))
		return "", false
	}
	return models.LotUnitID(id, n), true
}

// statusFor maps a rejection reason to its HTTP status code
func statusFor(reason engine.Reason) int {
	switch reason {
	case engine.ReasonNotFound:
		return http.StatusNotFound
	case engine.ReasonSelfBid, engine.ReasonFeatureDisabled:
		return http.StatusForbidden
	case engine.ReasonBidTooLow:
		return http.StatusUnprocessableEntity
	case engine.ReasonAuctionClosed, engine.ReasonBuyNowUnavailable:
		return http.StatusConflict
	case engine.ReasonRateLimited:
		return http.StatusTooManyRequests
	case engine.ReasonConcurrencyConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var bidErr *engine.BidError
	if errors.As(err, &bidErr) {
		respondBidError(w, bidErr)
		return
	}
	h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	respondError(w, http.StatusInternalServerError, "Internal server error")
}

func respondBidError(w http.ResponseWriter, e *engine.BidError) {
	body := map[string]string{
		"error":  e.Message,
		"reason": string(e.Reason),
	}
	if e.MinimumBid != nil {
		body["minimum_bid"] = e.MinimumBid.StringFixed(2)
	}
	if e.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, statusFor(e.Reason), body)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs all HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// corsMiddleware adds CORS headers (for development)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
