package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development (use proper CORS in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	manager *Manager
	auth    *auth.Authenticator
	logger  *slog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager, a *auth.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		auth:    a,
		logger:  logger.With("component", "websocket"),
	}
}

// SetupRoutes configures WebSocket routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// WebSocket endpoints, one topic per unit
	router.HandleFunc("/ws/units/{id}", h.HandleWebSocket)
	router.HandleFunc("/ws/auctions/{id}/lots/{lot}", h.HandleWebSocket)

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// Stats endpoint
	router.HandleFunc("/stats/units/{id}", h.GetStats).Methods("GET")

	return router
}

// HandleWebSocket upgrades HTTP connection to WebSocket. A valid token makes the
// connection personal (bidder_status is filled in); without one the client
// watches anonymously.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	unitID := unitIDFromVars(mux.Vars(r))
	if unitID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Unit ID is required"})
		return
	}

	userID := ""
	id, err := h.auth.FromRequest(r, true)
	switch {
	case err == nil:
		userID = id.UserID
	case !errors.Is(err, auth.ErrMissingToken):
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
		return
	}

	// Upgrade connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	// Create client
	client := &Client{
		ID:     uuid.New().String(),
		UnitID: unitID,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer), // Buffered channel for non-blocking sends
	}

	// Send welcome message before the client can receive events
	welcome, _ := json.Marshal(map[string]string{
		"type":      "connected",
		"unit_id":   unitID,
		"client_id": client.ID,
	})
	client.Send <- welcome

	// Register client with manager
	if !h.manager.RegisterClient(client) {
		conn.Close()
		return
	}

	// Start reading from client (handles disconnects)
	go client.readPump(h.manager)
}

func unitIDFromVars(vars map[string]string) string {
	id := vars["id"]
	lot, isLot := vars["lot"]
	if !isLot || id == "" {
		return id
	}
	n, err := strconv.Atoi(lot)
	if err != nil || n <= 0 {
		return ""
	}
	return models.LotUnitID(id, n)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "broadcast-service",
	})
}

// GetStats returns statistics for a unit
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	unitID := mux.Vars(r)["id"]
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"unit_id":     unitID,
		"subscribers": h.manager.GetSubscriberCount(unitID),
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
