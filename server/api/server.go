package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/server/api/middleware"
)

type Server struct {
	cfg Config
	log zerolog.Logger

	Router *mux.Router
	http   *http.Server
	chain  []func(http.Handler) http.Handler

	mtx      sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

func NewServer(cfg Config, log zerolog.Logger) *Server {
	r := mux.NewRouter()
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "http-api").Logger(),
		Router: r,
		chain:  make([]func(http.Handler) http.Handler, 0),
		ready:  make(chan struct{}),
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "route_not_found", "no route for "+r.URL.Path, nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed", nil)
	})

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	return s
}

// UseDefaultMiddleware installs request ids, access logging and panic recovery.
func (s *Server) UseDefaultMiddleware() {
	s.Use(middleware.RequestID())
	s.Use(middleware.Logger(s.log))
	s.Use(middleware.Recover(s.log))
}

// Use appends middleware to the chain and rebuilds the handler
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.chain = append(s.chain, mw)
	s.http.Handler = s.buildHandler()
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// buildHandler constructs the middleware chain
func (s *Server) buildHandler() http.Handler {
	h := http.Handler(s.Router)
	for i := len(s.chain) - 1; i >= 0; i-- {
		h = s.chain[i](h)
	}
	return h
}

// Start runs the HTTP server with a dedicated listener and graceful shutdown
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	s.listener = ln
	s.mtx.Unlock()
	close(s.ready)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server starting")
	err = s.http.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info().Msg("HTTP API server stopped")
	return nil
}

// Addr blocks until the server listens and returns the bound address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.listener.Addr(), nil
}

// EnableCORS allows cross-origin calls from origins; none means any.
func (s *Server) EnableCORS(origins ...string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.Use(func(next http.Handler) http.Handler {
		return handlers.CORS(
			handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
			handlers.ExposedHeaders([]string{"X-Request-ID", "Location"}),
		)(next)
	})
}
