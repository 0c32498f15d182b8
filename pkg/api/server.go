// Package api exposes the hub's HTTP surface: gated peer registration for
// nodes, and gate control, plane inspection, convergence triggering and the
// event feed for operators.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"backplane/pkg/gate"
	"backplane/pkg/journal"
	"backplane/pkg/metadata"
	"backplane/pkg/planestore"
	"backplane/pkg/reflector"
	"backplane/pkg/registrar"
	"backplane/pkg/version"
)

type Config struct {
	Store     *planestore.Store
	Gate      *gate.Gate
	Registrar *registrar.Registrar
	Reflector *reflector.Reflector
	Journal   *journal.Journal
	Doc       metadata.Document
	Planes    []string

	// Token is the shared node credential. Empty disables node auth, for
	// lab setups where the underlay is already private.
	Token string
}

type Server struct {
	cfg    Config
	mux    *http.ServeMux
	events *EventHub

	adminHash string // bcrypt hash for operator login
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		events:    NewEventHub(),
		adminHash: os.Getenv("BACKPLANE_ADMIN_HASH"),
	}
	s.routes()
	return s
}

func (s *Server) Events() *EventHub { return s.events }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "build": version.Build})
	})
	s.mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	// Node surface.
	s.mux.HandleFunc("GET /api/v1/gate", s.nodeAuth(s.handleGateState))
	s.mux.HandleFunc("GET /api/v1/metadata", s.nodeAuth(s.handleMetadata))
	s.mux.HandleFunc("POST /api/v1/planes/{plane}/peers", s.nodeAuth(s.handleRegister))

	// Operator surface.
	s.mux.HandleFunc("POST /api/v1/gate/open", s.operatorAuth(s.handleGateOpen))
	s.mux.HandleFunc("POST /api/v1/gate/close", s.operatorAuth(s.handleGateClose))
	s.mux.HandleFunc("GET /api/v1/planes", s.operatorAuth(s.handlePlanes))
	s.mux.HandleFunc("GET /api/v1/planes/{plane}/peers", s.operatorAuth(s.handlePeers))
	s.mux.HandleFunc("POST /api/v1/reflect", s.operatorAuth(s.handleReflect))
	s.mux.HandleFunc("GET /api/v1/journal", s.operatorAuth(s.handleJournal))
	s.mux.HandleFunc("GET /api/v1/events", s.operatorAuth(s.events.Handle))
}

// handleLogin exchanges the operator password for a short-lived token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if s.adminHash == "" {
		http.Error(w, "operator login not configured", http.StatusForbidden)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.adminHash), []byte(body.Password)); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := generateOperatorToken(12 * time.Hour)
	if err != nil {
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGateState(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"open": s.cfg.Gate.Check()}
	if d := s.cfg.Gate.Deadline(); !d.IsZero() {
		resp["deadline"] = d.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGateOpen(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TTLSeconds int `json:"ttlSeconds"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // empty body means no deadline
	}

	var err error
	if body.TTLSeconds > 0 {
		err = s.cfg.Gate.OpenFor(time.Duration(body.TTLSeconds) * time.Second)
	} else {
		err = s.cfg.Gate.Open()
	}
	if err != nil {
		http.Error(w, "gate open failed", http.StatusInternalServerError)
		return
	}

	waveTTL := time.Hour
	if body.TTLSeconds > 0 {
		waveTTL = time.Duration(body.TTLSeconds) * time.Second
	}
	wave := time.Now().UTC().Format("20060102-150405")
	token, terr := generateWaveToken(wave, waveTTL)
	if terr != nil {
		http.Error(w, "wave token generation failed", http.StatusInternalServerError)
		return
	}
	log.Printf("api: gate opened, wave %s", wave)
	s.events.Broadcast(Event{Type: "gate_open", Detail: wave})

	resp := map[string]any{"open": true, "wave": wave, "waveToken": token}
	if d := s.cfg.Gate.Deadline(); !d.IsZero() {
		resp["deadline"] = d.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGateClose(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.Gate.Close(); err != nil {
		http.Error(w, "gate close failed", http.StatusInternalServerError)
		return
	}
	log.Printf("api: gate closed")
	s.events.Broadcast(Event{Type: "gate_closed"})
	writeJSON(w, http.StatusOK, map[string]any{"open": false})
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Doc)
}

func (s *Server) handlePlanes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Doc.Planes)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	planeID := r.PathValue("plane")
	peers, err := s.cfg.Store.Peers(planeID)
	if err != nil {
		if errors.Is(err, planestore.ErrNotProvisioned) {
			http.Error(w, "unknown plane", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	planeID := r.PathValue("plane")
	var reg registrar.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	err := s.cfg.Registrar.Register(planeID, reg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "registered",
			"address": reg.AllowedAddress.String(),
		})
	case errors.Is(err, registrar.ErrGateClosed):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, registrar.ErrInvalidPeer):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, planestore.ErrNotProvisioned):
		http.Error(w, "unknown plane", http.StatusNotFound)
	default:
		log.Printf("api: register plane %s node %s: %v", planeID, reg.NodeID, err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reflector == nil {
		http.Error(w, "reflector not running", http.StatusServiceUnavailable)
		return
	}
	s.cfg.Reflector.ReflectAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reflected"})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.cfg.Journal.Registrations(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Registration{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// nodeAuth admits the shared node token or a live wave token. An empty
// configured token disables the check.
func (s *Server) nodeAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next(w, r)
			return
		}
		tok := bearerToken(r)
		if tok == s.cfg.Token {
			next(w, r)
			return
		}
		if _, err := parseWaveToken(tok); err == nil {
			next(w, r)
			return
		}
		if _, err := parseOperatorToken(tok); err == nil {
			next(w, r)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

// operatorAuth admits the shared node token (lab setups run with a single
// credential) or an operator login token. Wave tokens do not qualify.
func (s *Server) operatorAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next(w, r)
			return
		}
		tok := bearerToken(r)
		if tok == s.cfg.Token {
			next(w, r)
			return
		}
		if _, err := parseOperatorToken(tok); err == nil {
			next(w, r)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Browser websocket clients cannot set headers.
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}
