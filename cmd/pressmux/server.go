package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pressmux/pressmux/internal/core/vhost"
	"github.com/pressmux/pressmux/internal/shell/api"
	"github.com/pressmux/pressmux/internal/shell/engine"
	"github.com/pressmux/pressmux/internal/shell/importer"
	"github.com/pressmux/pressmux/internal/shell/lifecycle"
	"github.com/pressmux/pressmux/internal/shell/nginx"
	"github.com/pressmux/pressmux/internal/shell/store"
	"github.com/pressmux/pressmux/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the pressmux control plane.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	docker     engine.Client
	reconciler *workers.Reconciler
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	var encryptionKey []byte
	if cfg.Registry.EncryptionKey != "" {
		encryptionKey = []byte(cfg.Registry.EncryptionKey)
		if len(encryptionKey) != 32 {
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      errors.New("registry.encryption_key must be exactly 32 bytes for AES-256-GCM"),
				ExitCode: ExitConfigError,
			}
		}
	}

	// First run on an empty host: the registry file and site
	// directories need their parents to exist.
	if err := os.MkdirAll(filepath.Dir(cfg.Registry.DSN), 0o755); err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}
	if err := os.MkdirAll(cfg.Sites.Dir, 0o755); err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	// Open the site registry
	st, err := store.NewSQLiteStore(cfg.Registry.DSN, encryptionKey)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to Docker
	d, err := engine.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		st.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Verify Docker connection
	if err := d.Ping(); err != nil {
		st.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	stacks := engine.NewStackDriver(d, logger)

	var proxy lifecycle.VhostPublisher
	if cfg.Nginx.Enabled {
		runner := &nginx.CommandRunner{Binary: cfg.Nginx.Binary}
		proxy = nginx.NewManager(cfg.Nginx.AvailableDir, cfg.Nginx.EnabledDir, runner, logger)
	} else {
		logger.Info("nginx vhost publishing disabled, sites reachable on direct ports only")
		proxy = noopVhosts{}
	}

	imp := importer.NewImporter(stacks, logger)

	controller := lifecycle.NewController(lifecycle.Config{
		SitesDir:         cfg.Sites.Dir,
		PortRangeStart:   cfg.Sites.PortRangeStart,
		ReadinessTimeout: cfg.Sites.ReadinessTimeout,
		ControlPlanePort: cfg.Server.Port,
		WebImage:         cfg.Sites.WebImage,
		DBImage:          cfg.Sites.DBImage,
	}, st, stacks, proxy, imp, logger)

	handler := api.NewHandler(controller, d, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	reconciler := workers.NewReconciler(st, stacks, workers.ReconcilerConfig{
		Interval: cfg.Reconcile.Interval,
		StuckAge: cfg.Reconcile.StuckAge,
	}, logger)

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      st,
		docker:     d,
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	s.reconciler.Start()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		sErr := &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
		if shutErr := s.Shutdown(context.Background()); shutErr != nil {
			s.logger.Error("shutdown after server error failed", "error", shutErr)
		}
		return sErr
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.reconciler.Stop()

	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("registry close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Vhost Publishing Stub
// =============================================================================

// noopVhosts stands in for the nginx manager when vhost publishing is
// disabled. Site creation proceeds without touching proxy configuration.
type noopVhosts struct{}

func (noopVhosts) Publish(ctx context.Context, p vhost.Params) error { return nil }

func (noopVhosts) Remove(ctx context.Context, domain string) error { return nil }

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server startup or operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
