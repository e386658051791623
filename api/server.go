// Package api implements the operator HTTP surface: the routes an
// operator/mobile application uses to drive a refill and poll its
// progress (spec.md §6).
//
// Grounded on gorilla/mux path-param routing (as used throughout
// whocaresleft-dp-distributed-chat-system's handlers) and the
// method-check-then-JSON-encode style of kilianp07-v2g's HTTP
// handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"fascb/config"
	"fascb/refill"
)

// Server wires the refill supervisor into an HTTP handler.
type Server struct {
	sv        *refill.Supervisor
	cfg       *config.Config
	log       *slog.Logger
	router    *mux.Router
	uploadDir string

	tokMu  sync.Mutex
	tokens map[string]time.Time

	authMu     sync.Mutex
	challenges map[string]challengeEntry
}

// New builds the operator HTTP surface. Call Handler to obtain the
// http.Handler to serve.
func New(sv *refill.Supervisor, cfg *config.Config, log *slog.Logger) *Server {
	s := &Server{
		sv:         sv,
		cfg:        cfg,
		log:        log,
		uploadDir:  cfg.HTTP.UploadDir,
		tokens:     map[string]time.Time{},
		challenges: map[string]challengeEntry{},
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fill", s.watched(s.handleFill)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/drf-submit", s.watched(s.handleDRFSubmit)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/state", s.watched(s.handleState)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/operation", s.watched(s.handleOperation)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/auth", s.watched(s.handleAuth)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/hls/{socketId}", s.watched(s.handleHLS)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/uart", s.watched(s.handleUART)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/upload", s.watched(s.handleUpload)).Methods(http.MethodPost)
}

// watched wraps h so that every request reaching a handler — success
// or rejection — refreshes the operator-contact watch, per spec.md §6
// ("every operator interaction refreshes the operator-contact watch").
func (s *Server) watched(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.sv.NoteOperatorContact()
		h(w, r)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, extra map[string]interface{}) {
	body := map[string]interface{}{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func (s *Server) newToken() string {
	s.tokMu.Lock()
	defer s.tokMu.Unlock()
	tok := uuid.NewString()
	s.tokens[tok] = time.Now().Add(1 * time.Hour)
	return tok
}

func (s *Server) validToken(tok string) bool {
	s.tokMu.Lock()
	defer s.tokMu.Unlock()
	exp, ok := s.tokens[tok]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(s.tokens, tok)
		return false
	}
	return true
}

func ensureUploadDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
