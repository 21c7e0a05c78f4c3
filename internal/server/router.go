package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/carebridge/medgate/internal/catalog"
	"github.com/carebridge/medgate/internal/turn"
)

// TurnRunner runs one conversational turn, streaming events through emit.
type TurnRunner interface {
	Run(ctx context.Context, id turn.Identity, message string, emit turn.Emitter) error
}

// HTTPServer wraps the gateway's HTTP routing state.
type HTTPServer struct {
	version string
	commit  string
	build   string
	store   *catalog.Store
	runner  TurnRunner
	authn   SessionAuthenticator
	logger  zerolog.Logger

	contractMu sync.RWMutex
	contract   []byte
}

// NewHTTPServer creates the caller-facing HTTP transport.
func NewHTTPServer(
	version, commit, buildDate string,
	contract []byte,
	store *catalog.Store,
	runner TurnRunner,
	authn SessionAuthenticator,
	logger zerolog.Logger,
) *HTTPServer {
	return &HTTPServer{
		version:  version,
		commit:   commit,
		build:    buildDate,
		contract: contract,
		store:    store,
		runner:   runner,
		authn:    authn,
		logger:   logger.With().Str("component", "server").Logger(),
	}
}

// Router builds the gateway HTTP router.
func (s *HTTPServer) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(1 << 20))

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/capabilities", s.handleCapabilities)
		r.Post("/turns", s.handleTurn)
		r.Post("/turns/sse", s.handleTurnSSE)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/catalog.yaml", s.handleContract)
		r.Post("/catalog", s.handleCatalogSwap)
	})

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"name":       "medgate",
		"version":    s.version,
		"commit":     s.commit,
		"build_date": s.build,
	})
}
