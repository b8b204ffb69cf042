// Package api serves the HTTP session API the game client talks to.
//
// Routes:
//
//	GET  /status                     readiness and collection sizes
//	POST /chat                       one dialogue turn
//	GET  /chat/stream                dialogue turns over a websocket
//	POST /sessions                   start a new session
//	GET  /sessions/current/summary   last turns of the current session
//	GET  /debug/places               catalog size and a sample
//	POST /debug/identify             identify a frame directly
//	GET  /healthz, /readyz           liveness and readiness
//	GET  /metrics                    Prometheus scrape endpoint
//
// Chat and debug routes answer 503 until the readiness flag is set. All
// routes except the probes and /metrics share one token bucket; requests
// beyond it get 429.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/hemdan/internal/dialogue"
	"github.com/MrWong99/hemdan/internal/health"
	"github.com/MrWong99/hemdan/internal/observe"
	"github.com/MrWong99/hemdan/internal/places"
)

// summaryTurns is the number of turns in a session summary.
const summaryTurns = 3

// sampleSize is the number of records in the places debug sample.
const sampleSize = 3

// Dialogue runs conversation turns.
type Dialogue interface {
	Respond(ctx context.Context, sessionID, utterance string, opts ...dialogue.TurnOption) (dialogue.Reply, error)
	Stream(ctx context.Context, sessionID, utterance string, sink dialogue.Sink, opts ...dialogue.TurnOption) (dialogue.Reply, error)
	Sessions() *dialogue.Sessions
}

// Places is the identification engine as seen by the debug routes.
type Places interface {
	Count(ctx context.Context) (int, error)
	Sample(ctx context.Context, n int) ([]places.Record, error)
	Identify(ctx context.Context, imagePath string, opts ...places.Option) (places.Identification, places.Outcome, error)
}

// Counter reports the size of a collection.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Config wires a [Server]. Dialogue, Places, Lore, and Ready are required.
type Config struct {
	Dialogue Dialogue
	Places   Places
	Lore     Counter
	// Memory is optional.
	Memory Counter

	// Ready gates the chat and debug routes.
	Ready *health.Flag
	// ModelLoaded reports whether the image model is serving. Nil reports
	// the state of Ready.
	ModelLoaded func() bool

	// Health serves the probes. Nil builds one from Ready.
	Health  *health.Handler
	Metrics *observe.Metrics

	// RateLimit is the sustained request rate per second. Zero disables
	// limiting.
	RateLimit float64
	RateBurst int
}

// Server is the HTTP surface.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	limiter *rate.Limiter
}

// New returns a server with every route registered.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = health.New(health.Checker{Name: "startup", Check: cfg.Ready.Check})
	}
	if cfg.ModelLoaded == nil {
		cfg.ModelLoaded = cfg.Ready.Ready
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("GET /chat/stream", s.handleStream)
	s.mux.HandleFunc("POST /sessions", s.handleNewSession)
	s.mux.HandleFunc("GET /sessions/current/summary", s.handleSummary)
	s.mux.HandleFunc("GET /debug/places", s.handleDebugPlaces)
	s.mux.HandleFunc("POST /debug/identify", s.handleDebugIdentify)
	cfg.Health.Register(s.mux)
	s.mux.Handle("GET /metrics", observe.MetricsHandler())
	return s
}

// Mount registers an additional handler, such as the MCP endpoint.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the complete handler chain.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.cfg.Metrics)(s.limit(s.mux))
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
		default:
			if !s.limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireReady writes 503 and returns false while startup is incomplete.
func (s *Server) requireReady(w http.ResponseWriter) bool {
	if s.cfg.Ready.Ready() {
		return true
	}
	w.Header().Set("Retry-After", "5")
	writeError(w, http.StatusServiceUnavailable, "system is still starting")
	return false
}

type statusResponse struct {
	Ready       bool   `json:"ready"`
	ModelLoaded bool   `json:"model_loaded"`
	SessionID   string `json:"session_id"`
	LoreCount   int    `json:"lore_count"`
	PlacesCount int    `json:"places_count"`
	MemoryCount int    `json:"memory_count"`
}

// handleStatus handles GET /status. Counts that cannot be read are
// reported as zero.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Ready:       s.cfg.Ready.Ready(),
		ModelLoaded: s.cfg.ModelLoaded(),
		SessionID:   s.cfg.Dialogue.Sessions().Current(),
	}
	counters := []struct {
		name string
		c    Counter
		dst  *int
	}{
		{"lore", s.cfg.Lore, &resp.LoreCount},
		{"places", s.cfg.Places, &resp.PlacesCount},
		{"memory", s.cfg.Memory, &resp.MemoryCount},
	}
	var g errgroup.Group
	for _, c := range counters {
		if c.c == nil {
			continue
		}
		g.Go(func() error {
			n, err := c.c.Count(r.Context())
			if err != nil {
				observe.Logger(r.Context()).Warn("status count failed", "collection", c.name, "err", err)
				return nil
			}
			*c.dst = n
			return nil
		})
	}
	_ = g.Wait()
	writeJSON(w, http.StatusOK, resp)
}

type chatRequest struct {
	Message   string `json:"message"`
	ImagePath string `json:"image_path,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (c chatRequest) options() []dialogue.TurnOption {
	if c.ImagePath == "" {
		return nil
	}
	return []dialogue.TurnOption{dialogue.WithImagePath(c.ImagePath)}
}

type chatResponse struct {
	Response        string                   `json:"response"`
	Intent          string                   `json:"intent"`
	RetrievedChunks []dialogue.RetrievedChunk `json:"retrieved_chunks"`
	Identification  *places.Identification   `json:"identification,omitempty"`
	SessionID       string                   `json:"session_id"`
	TurnNumber      int                      `json:"turn_number,omitempty"`
	Degraded        bool                     `json:"degraded,omitempty"`
}

func newChatResponse(r dialogue.Reply) chatResponse {
	chunks := r.Chunks
	if chunks == nil {
		chunks = []dialogue.RetrievedChunk{}
	}
	return chatResponse{
		Response:        r.Text,
		Intent:          string(r.Intent),
		RetrievedChunks: chunks,
		Identification:  r.Identification,
		SessionID:       r.SessionID,
		TurnNumber:      r.TurnNumber,
		Degraded:        r.Degraded,
	}
}

// handleChat handles POST /chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.cfg.Dialogue.Respond(r.Context(), req.SessionID, req.Message, req.options()...)
	switch {
	case errors.Is(err, dialogue.ErrEmptyUtterance):
		writeError(w, http.StatusBadRequest, "message is required")
		return
	case err != nil:
		observe.Logger(r.Context()).Warn("chat turn aborted", "err", err)
		writeError(w, http.StatusServiceUnavailable, "turn aborted")
		return
	}
	writeJSON(w, http.StatusOK, newChatResponse(reply))
}

// handleNewSession handles POST /sessions.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	id := s.cfg.Dialogue.Sessions().New()
	slog.Info("new session started", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

type summaryResponse struct {
	SessionID string          `json:"session_id"`
	Turns     []dialogue.Turn `json:"turns"`
}

// handleSummary handles GET /sessions/current/summary.
func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	id, turns := s.cfg.Dialogue.Sessions().Summary(summaryTurns)
	writeJSON(w, http.StatusOK, summaryResponse{SessionID: id, Turns: turns})
}

type debugPlacesResponse struct {
	Count  int             `json:"count"`
	Sample []places.Record `json:"sample"`
}

// handleDebugPlaces handles GET /debug/places.
func (s *Server) handleDebugPlaces(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Places.Count(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("places count failed", "err", err)
		writeError(w, http.StatusInternalServerError, "places collection unavailable")
		return
	}
	sample, err := s.cfg.Places.Sample(r.Context(), sampleSize)
	if err != nil {
		observe.Logger(r.Context()).Error("places sample failed", "err", err)
		writeError(w, http.StatusInternalServerError, "places collection unavailable")
		return
	}
	if sample == nil {
		sample = []places.Record{}
	}
	writeJSON(w, http.StatusOK, debugPlacesResponse{Count: n, Sample: sample})
}

type identifyRequest struct {
	ImagePath  string `json:"image_path"`
	NResults   int    `json:"n_results,omitempty"`
	MinMatches int    `json:"min_matches,omitempty"`
}

type identifyResponse struct {
	Outcome        places.Outcome         `json:"outcome"`
	Identification *places.Identification `json:"identification,omitempty"`
}

// handleDebugIdentify handles POST /debug/identify.
func (s *Server) handleDebugIdentify(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}
	var req identifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ImagePath == "" {
		writeError(w, http.StatusBadRequest, "image_path is required")
		return
	}
	id, outcome, err := s.cfg.Places.Identify(r.Context(), req.ImagePath,
		places.WithResultsToCheck(req.NResults), places.WithMinMatches(req.MinMatches))
	if err != nil {
		observe.Logger(r.Context()).Error("debug identification failed", "err", err)
		writeError(w, http.StatusBadGateway, "identification failed: "+err.Error())
		return
	}
	resp := identifyResponse{Outcome: outcome}
	if outcome == places.OutcomeIdentified {
		resp.Identification = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
