package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"chatmeter/internal/identity"
	"chatmeter/internal/metrics"
	"chatmeter/internal/ratelimit"
	"chatmeter/internal/relay"
	"chatmeter/internal/storage"
)

// Server is the HTTP surface of the gateway.
type Server struct {
	resolver    identity.Resolver
	coordinator *relay.Coordinator
	limiter     *ratelimit.Limiter
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Resolver    identity.Resolver
	Coordinator *relay.Coordinator
	Limiter     *ratelimit.Limiter
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Server{
		resolver:    cfg.Resolver,
		coordinator: cfg.Coordinator,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/chat", s.withIdentity(s.admit(http.HandlerFunc(s.handleChat))))
	mux.Handle("GET /api/conversations", s.withIdentity(http.HandlerFunc(s.handleConversations)))
	mux.Handle("GET /api/credits", s.withIdentity(http.HandlerFunc(s.handleCredits)))
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	Stream         *bool  `json:"stream"`
}

type chatReply struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
	Credits        int64  `json:"credits"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ex, err := s.coordinator.Send(r.Context(), relay.SendInput{
		AccountID:      caller.AccountID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Model:          req.Model,
	})
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	defer func() { _ = ex.Close() }()

	w.Header().Set("X-Conversation-Id", ex.ConversationID)
	w.Header().Set("X-User-Credits", strconv.FormatInt(ex.Balance, 10))

	if req.Stream != nil && !*req.Stream {
		reply, err := ex.Drain()
		if err != nil {
			s.writeRelayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chatReply{
			Reply:          reply,
			ConversationID: ex.ConversationID,
			Credits:        ex.Balance,
		})
		return
	}

	s.streamChat(w, r, ex)
}

// streamChat forwards fragments as they arrive. Whatever already reached the
// caller stays flushed; a mid-stream failure ends the stream with an error
// event instead of hanging or silently truncating.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, ex *relay.Exchange) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	for {
		frag, err := ex.Next()
		if errors.Is(err, io.EOF) {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flush()
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("conversation_id", ex.ConversationID).Msg("stream failed")
			fmt.Fprint(w, "data: {\"error\":\"stream failed\"}\n\n")
			flush()
			return
		}

		payload, err := json.Marshal(map[string]string{"content": frag})
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flush()

		if r.Context().Err() != nil {
			return
		}
	}
}

type conversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	limit := uint64(20)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 32); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}

	convs, err := s.coordinator.Conversations(r.Context(), caller.AccountID, limit)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}

	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, summarize(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]int64{"credits": caller.Balance})
}

func summarize(c storage.Conversation) conversationSummary {
	return conversationSummary{
		ID:        c.ID,
		Title:     c.Title,
		Archived:  c.Archived,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrPaymentRequired):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, relay.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, relay.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "no identity")
	case errors.Is(err, relay.ErrUpstreamFailure):
		s.logger.Error().Err(err).Msg("upstream failure")
		writeError(w, http.StatusInternalServerError, "completion provider failed")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "service unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
