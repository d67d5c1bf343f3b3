package main

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	tapestrycache "github.com/always-cache/tapestry-cache"
	"github.com/always-cache/tapestry-cache/page"
)

const adminPrefix = "/.tapestry"

type server struct {
	proxy *tapestrycache.Proxy
	// page is set once the proxy is active and the page agent started.
	page atomic.Pointer[page.Page]
}

type status struct {
	State       string         `json:"state"`
	Tiers       map[string]int `json:"tiers"`
	Updating    bool           `json:"updating"`
	Language    string         `json:"language,omitempty"`
	LastRefresh *time.Time     `json:"lastRefresh,omitempty"`
}

func (s *server) routes(logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))

	r.Route(adminPrefix, func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/update-content", s.handleUpdateContent)
		r.Post("/reset", s.handleReset)
	})
	r.Handle("/*", s.proxy)
	return r
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sizes, err := s.proxy.TierSizes()
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not read tier sizes")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	st := status{
		State: s.proxy.State().String(),
		Tiers: sizes,
	}
	if p := s.page.Load(); p != nil {
		st.Updating = p.Updating().Get()
		st.Language = p.Language()
		if last, ok, err := p.LastRefresh(r.Context()); err == nil && ok {
			st.LastRefresh = &last
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p := s.page.Load()
	if p == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	refreshed := p.Refresh(r.Context())
	counts := make(map[string]int, len(refreshed))
	for key, snapshot := range refreshed {
		counts[key] = len(snapshot)
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.UpdateContent(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Content update incomplete")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	p := s.page.Load()
	if p == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if !p.ResetCache(r.Context(), p.Language()) {
		http.Error(w, "reset not done", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
