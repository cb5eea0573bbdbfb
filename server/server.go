// Package server assembles the proxy: it builds the content pipeline,
// translator and handlers from configuration and runs the HTTP listener
// with graceful shutdown.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/server/handlers"
	"github.com/teilomillet/lorebridge/server/metrics"
	"github.com/teilomillet/lorebridge/server/processing"
	"github.com/teilomillet/lorebridge/server/provider"
	"github.com/teilomillet/lorebridge/server/routing"
	"github.com/teilomillet/lorebridge/server/translator"
	"github.com/teilomillet/lorebridge/templates"
)

// Deps are the collaborators built outside the server package.
type Deps struct {
	Store    *templates.Store
	Upstream provider.Client
	Logger   *zap.Logger

	// Counter estimates tokens; nil falls back to the character estimate.
	Counter translator.Counter

	// Metrics may be nil to disable instrumentation.
	Metrics *metrics.Metrics

	// Random overrides the per-request pipeline randomness (tests).
	Random func() processing.Random

	// Started is the process start time reported by /health.
	Started time.Time
}

// NewHandler wires the full HTTP surface for cfg.
func NewHandler(cfg *config.Config, deps Deps) (http.Handler, error) {
	if deps.Store == nil || deps.Upstream == nil || deps.Logger == nil {
		return nil, fmt.Errorf("server: store, upstream and logger are required")
	}
	proc, err := processing.NewProcessor(cfg.Pipeline, deps.Store)
	if err != nil {
		return nil, fmt.Errorf("server: build pipeline: %w", err)
	}

	var trOpts []translator.Option
	if deps.Counter != nil {
		trOpts = append(trOpts, translator.WithCounter(deps.Counter))
	}
	if deps.Metrics != nil {
		trOpts = append(trOpts, translator.WithClampObserver(deps.Metrics))
	}
	tr := translator.New(cfg.Upstream, deps.Logger, trOpts...)

	hOpts := []handlers.Option{handlers.WithMaxBodyBytes(cfg.Server.MaxBodyBytes)}
	if deps.Metrics != nil {
		hOpts = append(hOpts, handlers.WithMetrics(deps.Metrics))
	}
	if deps.Random != nil {
		hOpts = append(hOpts, handlers.WithRandom(deps.Random))
	}
	completion := handlers.NewCompletionHandler(tr, proc, deps.Upstream, deps.Logger, hOpts...)

	configHandler, err := handlers.NewConfigHandler(handlers.NewConfigView(cfg, deps.Store))
	if err != nil {
		return nil, fmt.Errorf("server: render config view: %w", err)
	}

	started := deps.Started
	if started.IsZero() {
		started = time.Now()
	}

	return routing.NewRouter(cfg, routing.Handlers{
		Completion: completion,
		Health:     handlers.NewHealthHandler(started),
		Config:     configHandler,
	}, deps.Metrics, deps.Logger), nil
}

// Server represents the HTTP server
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewServer creates a new server instance
func NewServer(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:           fmt.Sprintf(":%d", cfg.Port),
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			ErrorLog:       zap.NewStdLog(logger),
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}
}

// Start listens on the configured address and blocks until ctx is done
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then drains
// in-flight requests for up to the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server started", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server", zap.Duration("timeout", s.shutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error during server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
