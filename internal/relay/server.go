package relay

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server exposes the relay over HTTP: the push channel on /ws and a small
// REST surface for health and mission event catch-up.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	hub      *Hub
	store    *Store
	router   *chi.Mux
	upgrader websocket.Upgrader
}

// NewServer creates a relay server. store may be nil to disable the
// journal and the events endpoint backing.
func NewServer(cfg *Config, store *Store, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		log:   log.With().Str("component", "relay").Logger(),
		hub:   NewHub(log, store),
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.setupRouter()
	return s
}

// Hub returns the server's hub, which the caller must Run.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler for the relay.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/ws", s.handleWebSocket)
		r.Get("/api/missions/{missionID}/events", s.handleMissionEvents)
	})

	s.router = r
}

// requireToken checks the bearer token supplied on the handshake.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("rejected unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		hub:     s.hub,
		intents: make(map[intent]struct{}),
	}
	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// handleMissionEvents returns recent journaled events for one mission.
func (s *Server) handleMissionEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "event journal disabled", http.StatusNotFound)
		return
	}

	missionID := chi.URLParam(r, "missionID")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be 1-1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.store.RecentByMission(missionID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("mission_id", missionID).Msg("failed to load events")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.log.Debug().Err(err).Msg("failed to write events response")
	}
}
