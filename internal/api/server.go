// Package api provides the HTTP API for observing a running simulation.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/angiogenesis/internal/agents"
	"github.com/talgya/angiogenesis/internal/diffusion"
	"github.com/talgya/angiogenesis/internal/engine"
	"github.com/talgya/angiogenesis/internal/persistence"
	"github.com/talgya/angiogenesis/internal/vessel"
)

// Server serves the simulation state over HTTP.
type Server struct {
	Sim      *engine.Simulation
	DB       *persistence.DB // Optional; enables history and snapshots
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	srv *http.Server
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	snapshotLimiter := NewRateLimiter(6, time.Minute)

	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/segments", s.handleSegments)
		r.Get("/segments/{id}", s.handleSegmentDetail)
		r.Get("/cells", s.handleCells)
		r.Get("/field/slice", s.handleFieldSlice)
		r.Get("/field/history", s.handleFieldHistory)

		r.With(s.adminOnly, snapshotLimiter.Middleware).Post("/snapshot", s.handleSnapshot)
	})

	if s.Sim.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Sim.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set ANGIO_CORS_ORIGINS to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("ANGIO_CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminOnly requires the admin bearer token.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no ANGIO_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.AdminKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type segmentView struct {
	ID        vessel.SegmentID   `json:"id"`
	Parent    vessel.SegmentID   `json:"parent"`
	Children  []vessel.SegmentID `json:"children"`
	Proximal  vec                `json:"proximal"`
	Position  vec                `json:"position"`
	Direction vec                `json:"direction"`
	Length    float64            `json:"length"`
	Diameter  float64            `json:"diameter"`
	CanBranch bool               `json:"can_branch"`
	Terminal  bool               `json:"terminal"`
	Born      uint64             `json:"born_tick"`
}

func viewSegment(s vessel.Segment) segmentView {
	children := s.Children()
	if children == nil {
		children = []vessel.SegmentID{}
	}
	return segmentView{
		ID:        s.ID,
		Parent:    s.Parent,
		Children:  children,
		Proximal:  vec{s.Proximal.X, s.Proximal.Y, s.Proximal.Z},
		Position:  vec{s.Position.X, s.Position.Y, s.Position.Z},
		Direction: vec{s.Direction.X, s.Direction.Y, s.Direction.Z},
		Length:    s.Length,
		Diameter:  s.Diameter,
		CanBranch: s.CanBranch,
		Terminal:  s.Terminal(),
		Born:      s.Born,
	}
}

type cellView struct {
	ID        agents.AgentID `json:"id"`
	Position  vec            `json:"position"`
	Diameter  float64        `json:"diameter"`
	Volume    float64        `json:"volume"`
	Divisions int            `json:"divisions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Sim.Status()
	writeJSON(w, map[string]any{
		"run_id":  s.Sim.RunID,
		"seed":    s.Sim.Seed,
		"tick":    st.Tick,
		"stats":   st,
		"totals":  s.Sim.TotalTally(),
		"storage": s.DB != nil,
	})
}

// handleSegments lists the vessel tree; ?tips=1 restricts it to terminals.
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	tips := r.URL.Query().Get("tips")
	segs := s.Sim.Segments(tips == "1" || tips == "true")
	out := make([]segmentView, 0, len(segs))
	for _, seg := range segs {
		out = append(out, viewSegment(seg))
	}
	writeJSON(w, out)
}

func (s *Server) handleSegmentDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		http.Error(w, "invalid segment id", http.StatusBadRequest)
		return
	}
	seg, err := s.Sim.Segment(vessel.SegmentID(id))
	if errors.Is(err, vessel.ErrUnknownSegment) {
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, viewSegment(seg))
}

func (s *Server) handleCells(w http.ResponseWriter, r *http.Request) {
	cells := s.Sim.Cells()
	out := make([]cellView, 0, len(cells))
	for _, c := range cells {
		out = append(out, cellView{
			ID:        c.ID,
			Position:  vec{c.Position.X, c.Position.Y, c.Position.Z},
			Diameter:  c.Diameter,
			Volume:    c.Volume,
			Divisions: c.Divisions,
		})
	}
	writeJSON(w, out)
}

// handleFieldSlice returns one z-layer of the growth factor as rows [j][i].
func (s *Server) handleFieldSlice(w http.ResponseWriter, r *http.Request) {
	k, err := strconv.Atoi(r.URL.Query().Get("z"))
	if err != nil {
		http.Error(w, "z must be an integer layer index", http.StatusBadRequest)
		return
	}
	rows, err := s.Sim.FieldSlice(diffusion.VEGF, k)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"substance": s.Sim.Substances.Name(diffusion.VEGF),
		"z":         k,
		"rows":      rows,
	})
}

func (s *Server) handleFieldHistory(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	name := r.URL.Query().Get("substance")
	if name == "" {
		name = s.Sim.Substances.Name(diffusion.VEGF)
	}
	samples, err := s.DB.FieldHistory(name)
	if err != nil {
		slog.Error("field history query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []persistence.FieldSample{}
	}
	writeJSON(w, samples)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	if err := s.DB.SaveRun(s.Sim); err != nil {
		slog.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"tick":    s.Sim.CurrentTick(),
		"message": "snapshot saved",
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}
