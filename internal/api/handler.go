// Package api provides HTTP handlers for the chat backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/teverse/leadchat/internal/chat"
	"github.com/teverse/leadchat/internal/domain"
	"github.com/teverse/leadchat/internal/store"
)

// defaultMaxRequestBodySize is the maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// ChatService answers one user query.
type ChatService interface {
	Handle(ctx context.Context, query string) (chat.Reply, error)
}

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	UserQuery string `json:"user_query"`
}

// ChatResponse is the body of a successful chat call.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// Handler serves the chat and lead endpoints.
type Handler struct {
	chat           ChatService
	leads          store.LeadIndex
	allowedOrigins []string
	maxBodySize    int64
}

// NewHandler creates a Handler. leads may be nil, in which case the lead
// listing endpoint is not registered.
func NewHandler(svc ChatService, leads store.LeadIndex, allowedOrigins []string) *Handler {
	return &Handler{
		chat:           svc,
		leads:          leads,
		allowedOrigins: allowedOrigins,
		maxBodySize:    defaultMaxRequestBodySize,
	}
}

// RegisterRoutes registers chat, lead and websocket routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.Chat)
	r.Get("/ws/chat", h.ChatSocket)
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		if h.leads != nil {
			r.Get("/leads", h.ListLeads)
		}
	})
}

// Chat handles one query and returns the assistant's reply.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.chat.Handle(r.Context(), req.UserQuery)
	if err != nil {
		status, msg := chatErrorStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Chat request failed", "error", err, "request_id", chiMiddleware.GetReqID(r.Context()))
		}
		Error(w, status, msg)
		return
	}

	slog.Info("Chat request handled",
		"session", reply.SessionName,
		"degraded", reply.Degraded,
		"query_length", len(req.UserQuery),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	JSON(w, http.StatusOK, ChatResponse{Reply: reply.Text})
}

// ListLeads returns indexed leads. ?complete=true limits the list to leads
// that have both a name and a phone number.
func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	completeOnly, _ := strconv.ParseBool(r.URL.Query().Get("complete"))

	leads, err := h.leads.ListLeads(r.Context(), completeOnly)
	if err != nil {
		slog.Error("Failed to list leads", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	if leads == nil {
		leads = []domain.IndexedLead{}
	}
	JSON(w, http.StatusOK, map[string]any{"leads": leads, "count": len(leads)})
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrEmptyQuery):
		return http.StatusBadRequest, "No query provided"
	case errors.Is(err, chat.ErrInferenceFailure):
		return http.StatusInternalServerError, err.Error()
	default:
		return http.StatusInternalServerError, "failed to save conversation"
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
