// Package app wires the license server together: configuration, logging,
// tracing, storage, the state machine and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/services"
	"keygate/internal/store"
	transport "keygate/internal/transport/http"
)

// Application is the composed license server.
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   *store.Store
	Service *services.LicenseService
	Router  chi.Router
	Server  *http.Server

	otel *infrastructure.OTelProviders
}

// New builds the application from the given config file (optional) and the
// environment.
func New(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		logger.Warn("tracing disabled", slog.String("error", err.Error()))
		otelProviders = &infrastructure.OTelProviders{}
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open license store: %w", err)
	}

	svc := services.NewLicenseService(st, cfg.Security.StorePepper, cfg.License.RebindLimit, logger)
	router := transport.NewRouter(cfg, svc, logger)

	return &Application{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Service: svc,
		Router:  router,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		otel: otelProviders,
	}, nil
}

// Run serves until SIGINT/SIGTERM, then drains connections within the
// configured shutdown timeout.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("license server listening",
			slog.String("addr", a.Server.Addr),
			slog.String("database", a.Config.Storage.Path))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *Application) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.otel.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("store close failed", slog.String("error", err.Error()))
	}
	infrastructure.CloseLogger()
}
