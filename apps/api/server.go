package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

// Broadcaster publishes server-originated broadcasts. *redisrelay.Relay
// satisfies it.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic, event string, payload any) error
}

type PresenceReader interface {
	Presence(ctx context.Context, topic string) ([]model.PresenceRecord, error)
}

type NotificationLister interface {
	List(ctx context.Context, userID string, limit int64) ([]model.NotificationEvent, error)
}

type Server struct {
	store         store.Store
	signer        *auth.Signer
	relay         Broadcaster
	presence      PresenceReader
	notifications NotificationLister
	log           zerolog.Logger
}

func NewServer(st store.Store, signer *auth.Signer, relay Broadcaster, presence PresenceReader, notifications NotificationLister, log zerolog.Logger) *Server {
	return &Server{
		store:         st,
		signer:        signer,
		relay:         relay,
		presence:      presence,
		notifications: notifications,
		log:           log.With().Str("component", "api").Logger(),
	}
}

// Routes builds the API mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	protect := func(route string, h http.HandlerFunc) {
		mux.Handle(route, instrument(route, s.signer.Middleware(h)))
	}

	mux.Handle("POST /login", instrument("POST /login", http.HandlerFunc(s.handleLogin)))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	protect("GET /conversations", s.handleListConversations)
	protect("POST /conversations", s.handleCreateConversation)
	protect("GET /conversations/{id}", s.handleGetConversation)
	protect("POST /conversations/{id}/messages", s.handleSendMessage)
	protect("POST /conversations/{id}/participants", s.handleAddParticipants)
	protect("POST /conversations/{id}/read", s.handleRead)
	protect("GET /channels/{topic}/presence", s.handlePresence)
	protect("GET /notifications", s.handleNotifications)

	return CORSMiddleware(mux)
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]any{"error": map[string]string{"code": code, "message": message}}
	writeJSON(w, status, body)
}

// writeStoreError maps store errors to responses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation_not_found", err.Error())
	case errors.Is(err, store.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not_participant", err.Error())
	case errors.Is(err, store.ErrInvalidKind), errors.Is(err, store.ErrInvalidMembers), errors.Is(err, store.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.log.Error().Err(err).Msg("store call failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return false
	}
	return true
}

func claims(r *http.Request) *auth.Claims {
	c, _ := auth.FromContext(r.Context())
	return c
}

func member(c *auth.Claims) store.Member {
	return store.Member{UserID: c.UserID, DisplayName: c.DisplayName}
}
