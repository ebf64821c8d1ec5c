// Package api exposes a read-only HTTP query surface over a
// *registry.Registry and zero or more named playback streams, per spec.md
// §2's "exposes a query surface (by-name field access, struct lookup) to
// callers" and SPEC_FULL.md §4.10.
package api

import (
	"crypto/rsa"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/monitor/internal/index"
	"github.com/tripwire/monitor/internal/playback"
	"github.com/tripwire/monitor/internal/registry"
)

// Stream bundles one named playback engine with the index it plays, so
// handlers can answer both index-stats and playback-state queries for the
// same name.
type Stream struct {
	Engine *playback.Engine
	Index  *index.Index
}

// Server holds the dependencies read-only HTTP handlers need.
type Server struct {
	logger   *slog.Logger
	registry *registry.Registry
	streams  map[string]*Stream
}

// NewServer creates a Server over reg and the named streams.
func NewServer(logger *slog.Logger, reg *registry.Registry, streams map[string]*Stream) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if streams == nil {
		streams = map[string]*Stream{}
	}
	return &Server{logger: logger, registry: reg, streams: streams}
}

func (s *Server) stream(name string) (*Stream, bool) {
	st, ok := s.streams[name]
	return st, ok
}

// NewRouter returns a configured chi.Router for the monitor query API.
//
// Route layout:
//
//	GET  /healthz                             – liveness probe (no authentication)
//	GET  /v1/structs/{name}                    – struct/union descriptor; typedef names get 404 (JWT required)
//	GET  /v1/structs/{name}/layout              – computed layout (JWT required)
//	GET  /v1/structs/{name}/fields/{path}       – field-path resolution (JWT required)
//	GET  /v1/index/{stream}/stats               – index statistics (JWT required)
//	GET  /v1/playback/{stream}/state            – playback state/position (JWT required)
//	POST /v1/playback/{stream}/command          – playback command (JWT required)
//
// pubKey verifies RS256 Bearer tokens on all /v1 routes; pass nil to disable
// JWT validation (useful for tests that only cover request parsing).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/structs/{name}", srv.handleGetStruct)
		r.Get("/structs/{name}/layout", srv.handleGetLayout)
		r.Get("/structs/{name}/fields/{path}", srv.handleGetField)
		r.Get("/index/{stream}/stats", srv.handleIndexStats)
		r.Get("/playback/{stream}/state", srv.handlePlaybackState)
		r.Post("/playback/{stream}/command", srv.handlePlaybackCommand)
	})

	return r
}
