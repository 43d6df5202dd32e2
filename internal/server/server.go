// Package server wires the orchestrator's HTTP surface: stream admission,
// the SSE stream endpoint, cancellation, conversation reads, and health
// probes.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/txn2/streamgate/pkg/admission"
	"github.com/txn2/streamgate/pkg/auth"
	"github.com/txn2/streamgate/pkg/conversation"
	"github.com/txn2/streamgate/pkg/dispatch"
	"github.com/txn2/streamgate/pkg/health"
)

// Version is set at build time.
var Version = "dev"

// streamPath is where an issued ticket is redeemed.
const streamPath = "/v1/chat/stream"

// Config configures the HTTP server.
type Config struct {
	Admission     *admission.Controller
	Dispatcher    *dispatch.Dispatcher
	Conversations conversation.Store
	Health        *health.Checker
	AuthMiddle    func(http.Handler) http.Handler
	Logger        *slog.Logger
}

// Server is the orchestrator's HTTP handler.
type Server struct {
	mux           *http.ServeMux
	admission     *admission.Controller
	dispatcher    *dispatch.Dispatcher
	conversations conversation.Store
	health        *health.Checker
	authMiddle    func(http.Handler) http.Handler
	logger        *slog.Logger
}

// New creates the HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Admission == nil || cfg.Dispatcher == nil || cfg.Conversations == nil {
		return nil, errors.New("server: admission, dispatcher, and conversations are required")
	}
	if cfg.AuthMiddle == nil {
		return nil, errors.New("server: auth middleware is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		mux:           http.NewServeMux(),
		admission:     cfg.Admission,
		dispatcher:    cfg.Dispatcher,
		conversations: cfg.Conversations,
		health:        cfg.Health,
		authMiddle:    cfg.AuthMiddle,
		logger:        cfg.Logger,
	}
	s.registerRoutes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// registerRoutes registers all routes. The stream endpoint authenticates by
// ticket alone; health probes are unauthenticated.
func (s *Server) registerRoutes() {
	authed := func(h http.HandlerFunc) http.Handler {
		return s.authMiddle(h)
	}

	s.mux.Handle("POST /v1/chat/start", authed(s.handleStart))
	s.mux.HandleFunc("GET "+streamPath, s.handleStream)
	s.mux.Handle("POST /v1/chat/cancel", authed(s.handleCancel))

	s.mux.Handle("GET /v1/conversations", authed(s.handleListConversations))
	s.mux.Handle("GET /v1/conversations/{id}/messages", authed(s.handleListMessages))
	s.mux.Handle("DELETE /v1/conversations/{id}", authed(s.handleDeleteConversation))

	if s.health != nil {
		s.mux.HandleFunc("GET /healthz", s.health.LivenessHandler())
		s.mux.HandleFunc("GET /readyz", s.health.ReadinessHandler())
	}
}

// startRequest is the body of POST /v1/chat/start.
type startRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// startResponse carries the grant for an admitted stream. The ticket is
// returned both bare and pre-bound into a relative stream URL.
type startResponse struct {
	StreamID  string `json:"stream_id"`
	Ticket    string `json:"ticket"`
	StreamURL string `json:"stream_url"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	grant, err := s.admission.Admit(r.Context(), principal.ID, req.Question, req.ConversationID)
	if err != nil {
		var quota *admission.ErrQuotaExceeded
		if errors.As(err, &quota) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "too many concurrent streams",
				"limit": quota.Limit,
			})
			return
		}
		s.logger.Error("server: admitting stream", "principal_id", principal.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start stream")
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		StreamID:  grant.StreamID,
		Ticket:    grant.Ticket,
		StreamURL: streamPath + "?ticket=" + url.QueryEscape(grant.Ticket),
		ExpiresAt: grant.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Open(r.Context(), w, r.URL.Query().Get("ticket"))
}

// cancelRequest is the body of POST /v1/chat/cancel.
type cancelRequest struct {
	StreamID string `json:"stream_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamID == "" {
		writeError(w, http.StatusBadRequest, "stream_id is required")
		return
	}

	if err := s.dispatcher.Cancel(r.Context(), req.StreamID); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			writeError(w, http.StatusNotFound, "stream not found")
			return
		}
		s.logger.Error("server: cancelling stream", "stream_id", req.StreamID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel stream")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"stream_id": req.StreamID,
		"status":    "cancelled",
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conversations, err := s.conversations.ListByPrincipal(r.Context(), principal.ID)
	if err != nil {
		s.logger.Error("server: listing conversations", "principal_id", principal.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

// authorizeConversation loads a conversation and checks ownership. Foreign
// and absent conversations are both reported as absent.
func (s *Server) authorizeConversation(w http.ResponseWriter, r *http.Request) *conversation.Conversation {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}

	conv, err := s.conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("server: loading conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return nil
	}
	if conv == nil || conv.PrincipalID != principal.ID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv := s.authorizeConversation(w, r)
	if conv == nil {
		return
	}

	messages, err := s.conversations.ListMessages(r.Context(), conv.ID)
	if err != nil {
		s.logger.Error("server: listing messages", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.authorizeConversation(w, r)
	if conv == nil {
		return
	}

	if err := s.conversations.Delete(r.Context(), conv.ID); err != nil {
		s.logger.Error("server: deleting conversation", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
