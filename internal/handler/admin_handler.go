// Package handler exposes the matchmaker's operator API over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	mmerrors "github.com/devrev/matchmaker/internal/errors"
	"github.com/devrev/matchmaker/internal/middleware"
	"github.com/devrev/matchmaker/internal/model"
	"github.com/devrev/matchmaker/internal/service"
)

// QueueAdmin is the part of the queue service the admin API drives
type QueueAdmin interface {
	GetStats(ctx context.Context) (*model.QueueStats, error)
	CleanupExpiredRequests(ctx context.Context) (*service.SweepResult, error)
	ClearQueues(ctx context.Context) (int64, error)
	GetUserRequest(ctx context.Context, userID string) (*model.QueueEntry, error)
	GetQueueRequests(ctx context.Context, key model.QueueKey) ([]*model.MatchRequest, error)
	RemoveRequest(ctx context.Context, userID, requestID string, opts service.RemoveOptions) (bool, error)
}

// CycleRunner triggers a matching cycle on demand
type CycleRunner interface {
	RunCycle(ctx context.Context) (*service.CycleResult, error)
}

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status    string `json:"status"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// SweepResponse is returned by POST /admin/sweep
type SweepResponse struct {
	Expired       int   `json:"expired"`
	Stale         int   `json:"stale"`
	MarkedExpired int64 `json:"marked_expired"`
}

// ClearResponse is returned by POST /admin/queues/clear
type ClearResponse struct {
	KeysDeleted int64 `json:"keys_deleted"`
}

// EntryResponse is the queue projection of a user's active request
type EntryResponse struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	GameID    string    `json:"game_id"`
	GameMode  string    `json:"game_mode"`
	Region    string    `json:"region"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RemoveResponse is returned by DELETE /admin/requests/{requestId}
type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// CycleResponse is returned by POST /admin/cycle
type CycleResponse struct {
	Partitions    int `json:"partitions"`
	Candidates    int `json:"candidates"`
	MatchesFormed int `json:"matches_formed"`
	Conflicts     int `json:"conflicts"`
	Failures      int `json:"failures"`
}

// AdminHandler serves queue inspection and maintenance endpoints
type AdminHandler struct {
	queue  QueueAdmin
	cycle  CycleRunner
	logger *zap.Logger
}

// NewAdminHandler creates a new admin handler. cycle may be nil.
func NewAdminHandler(queue QueueAdmin, cycle CycleRunner, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		queue:  queue,
		cycle:  cycle,
		logger: logger,
	}
}

// RegisterRoutes mounts the admin endpoints under /admin. Routes go on r
// itself so a method mismatch answers 405 rather than 404.
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/admin/stats", h.GetStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/sweep", h.Sweep).Methods(http.MethodPost)
	r.HandleFunc("/admin/queues/clear", h.ClearQueues).Methods(http.MethodPost)
	r.HandleFunc("/admin/queues/{gameId}/{gameMode}/{region}", h.GetQueue).Methods(http.MethodGet)
	r.HandleFunc("/admin/users/{userId}/request", h.GetUserRequest).Methods(http.MethodGet)
	r.HandleFunc("/admin/requests/{requestId}", h.RemoveRequest).Methods(http.MethodDelete)
	if h.cycle != nil {
		r.HandleFunc("/admin/cycle", h.RunCycle).Methods(http.MethodPost)
	}
	if r.MethodNotAllowedHandler == nil {
		r.MethodNotAllowedHandler = http.HandlerFunc(h.methodNotAllowed)
	}
}

func (h *AdminHandler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, r, http.StatusMethodNotAllowed, int(mmerrors.ErrCodeInvalidArgument), "method not allowed")
}

// GetStats handles GET /admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.GetStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Sweep handles POST /admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.CleanupExpiredRequests(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("Manual sweep completed",
		zap.Int("expired", res.Expired),
		zap.Int("stale", res.Stale),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusOK, SweepResponse{
		Expired:       res.Expired,
		Stale:         res.Stale,
		MarkedExpired: res.MarkedExpired,
	})
}

// ClearQueues handles POST /admin/queues/clear
func (h *AdminHandler) ClearQueues(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.queue.ClearQueues(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Warn("Queues cleared via admin API",
		zap.Int64("keys_deleted", deleted),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusOK, ClearResponse{KeysDeleted: deleted})
}

// GetQueue handles GET /admin/queues/{gameId}/{gameMode}/{region}
func (h *AdminHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := model.QueueKey{GameID: vars["gameId"], GameMode: vars["gameMode"], Region: vars["region"]}

	reqs, err := h.queue.GetQueueRequests(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// GetUserRequest handles GET /admin/users/{userId}/request
func (h *AdminHandler) GetUserRequest(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	entry, err := h.queue.GetUserRequest(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entry == nil {
		h.writeError(w, r, mmerrors.NotQueued(userID))
		return
	}

	writeJSON(w, http.StatusOK, EntryResponse{
		RequestID: entry.RequestID,
		UserID:    entry.UserID,
		GameID:    entry.GameID,
		GameMode:  entry.GameMode,
		Region:    entry.Region,
		Status:    string(entry.Status),
		CreatedAt: entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
	})
}

// RemoveRequest handles DELETE /admin/requests/{requestId}?userId=
func (h *AdminHandler) RemoveRequest(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]
	userID := r.URL.Query().Get("userId")

	removed, err := h.queue.RemoveRequest(r.Context(), userID, requestID, service.RemoveOptions{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveResponse{Removed: removed})
}

// RunCycle handles POST /admin/cycle
func (h *AdminHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	res, err := h.cycle.RunCycle(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CycleResponse{
		Partitions:    res.Partitions,
		Candidates:    res.Candidates,
		MatchesFormed: res.MatchesFormed,
		Conflicts:     res.Conflicts,
		Failures:      res.Failures,
	})
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := http.StatusInternalServerError
	code := int(mmerrors.ErrCodeInternal)
	message := "internal error"

	var me *mmerrors.MatchError
	if errors.As(err, &me) {
		statusCode = me.HTTPStatus()
		code = int(me.Code)
		message = me.Message
	} else if errors.Is(err, context.DeadlineExceeded) {
		statusCode = http.StatusGatewayTimeout
	}

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	h.writeErrorResponse(w, r, statusCode, code, message)
}

func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode, code int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Status:    "error",
		Code:      code,
		Message:   message,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
