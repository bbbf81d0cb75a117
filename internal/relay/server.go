package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/op/go-logging.v1"

	"vesper/internal/domain"
)

// Server is an in-memory relay. State does not survive a restart; clients
// re-register their bundles on startup.
type Server struct {
	log *logging.Logger

	mu      sync.Mutex
	bundles map[string]*storedBundle
	queues  map[string][]domain.RelayEnvelope
}

// storedBundle separates the static bundle from the consumable one-time
// prekey pool.
type storedBundle struct {
	bundle domain.PreKeyBundle
	pool   []domain.OneTimePub
}

// NewServer returns an empty relay.
func NewServer(log *logging.Logger) *Server {
	return &Server{
		log:     log,
		bundles: make(map[string]*storedBundle),
		queues:  make(map[string][]domain.RelayEnvelope),
	}
}

// Router builds the HTTP API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/bundles", s.handleRegisterBundle)
		r.Get("/bundles/{username}", s.handleFetchBundle)
		r.Post("/envelopes", s.handleSendEnvelope)
		r.Get("/envelopes/{username}", s.handleFetchEnvelopes)
		r.Post("/envelopes/{username}/ack", s.handleAckEnvelopes)
	})
	return r
}

func (s *Server) handleRegisterBundle(w http.ResponseWriter, r *http.Request) {
	var b domain.PreKeyBundle
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "bad bundle", http.StatusBadRequest)
		return
	}
	if b.Username == "" || b.IdentityKey.IsZero() {
		http.Error(w, "incomplete bundle", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.bundles[b.Username] = &storedBundle{
		bundle: b,
		pool:   append([]domain.OneTimePub(nil), b.OneTime...),
	}
	s.mu.Unlock()

	s.log.Debugf("registered bundle for %s (%d one-time prekeys)", b.Username, len(b.OneTime))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchBundle(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	s.mu.Lock()
	sb, ok := s.bundles[username]
	var out domain.PreKeyBundle
	if ok {
		out = sb.bundle
		out.OneTime = nil
		if len(sb.pool) > 0 {
			out.OneTime = []domain.OneTimePub{sb.pool[0]}
			sb.pool = sb.pool[1:]
		}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	if len(out.OneTime) == 0 {
		s.log.Warningf("one-time prekey pool for %s exhausted", username)
	}
	writeJSON(w, out)
}

func (s *Server) handleSendEnvelope(w http.ResponseWriter, r *http.Request) {
	var env domain.RelayEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}
	if env.To == "" || len(env.Payload) == 0 {
		http.Error(w, "incomplete envelope", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.queues[env.To] = append(s.queues[env.To], env)
	n := len(s.queues[env.To])
	s.mu.Unlock()

	s.log.Debugf("queued envelope %s -> %s (depth %d)", env.From, env.To, n)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFetchEnvelopes(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	s.mu.Lock()
	q := s.queues[username]
	if len(q) > limit {
		q = q[:limit]
	}
	out := append([]domain.RelayEnvelope(nil), q...)
	s.mu.Unlock()

	writeJSON(w, out)
}

// handleAckEnvelopes drops the first count queued envelopes. Fetch does not
// consume, so a client that crashes mid-drain sees the same envelopes again
// and relies on replay detection to skip the ones it already processed.
func (s *Server) handleAckEnvelopes(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count <= 0 {
		http.Error(w, "bad ack", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	q := s.queues[username]
	if req.Count >= len(q) {
		delete(s.queues, username)
	} else {
		s.queues[username] = q[req.Count:]
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
