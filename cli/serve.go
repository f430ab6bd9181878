package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"midas.oar.dev/api"
	"midas.oar.dev/common"
	"midas.oar.dev/config"
	"midas.oar.dev/dbio"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authoring API server",
	Long: `serve runs the MIDAS authoring API: the DBIO-backed project
services (DMP and DAP flavours), the external-review callback endpoints,
and their JWT-authenticated HTTP surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

// buildBackend constructs the configured storage backend.
func buildBackend(cfg *config.Config) (dbio.Backend, error) {
	switch cfg.DBIO.Backend {
	case "inmem":
		return dbio.NewInMemoryBackend(), nil
	case "fsbased":
		return dbio.NewFSBasedBackend(cfg.DBIO.Root)
	case "couch":
		return dbio.NewCouchBackend(cfg.DBIO.Couch)
	}
	return nil, dbio.ConfigError("unrecognized dbio backend: %s", cfg.DBIO.Backend)
}

// buildFactories wires one project-service factory per configured service
// convention, all sharing the backend and notifier.
func buildFactories(cfg *config.Config, backend dbio.Backend, notifier dbio.Notifier) map[string]*dbio.ProjectServiceFactory {
	factories := map[string]*dbio.ProjectServiceFactory{}
	for svc, block := range cfg.Services {
		for _, conv := range block.Conventions {
			clifactory := dbio.NewBackendClientFactory(backend, cfg.ClientConfigFor(conv), nil, notifier)
			svccfg := dbio.ServiceConfig{
				ARKNaan:         cfg.ARKNaan,
				DefaultPerms:    conv.DefaultPerms,
				ResolverBaseURL: cfg.Resolver.BaseURL,
			}
			factories[conv.Type] = dbio.NewProjectServiceFactory(svc, clifactory, svccfg, nil)
		}
	}
	return factories
}

func runServe(cfg *config.Config) error {
	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	var notifier dbio.Notifier
	if cfg.Notifier.URL != "" {
		amqpNotifier, err := dbio.NewAMQPNotifier(cfg.Notifier)
		if err != nil {
			common.Logger.Warnf("record-event notifier unavailable: %v", err)
		} else {
			notifier = amqpNotifier
			defer amqpNotifier.Close()
		}
	}

	factories := buildFactories(cfg, backend, notifier)
	if len(factories) == 0 {
		return dbio.ConfigError("no project services configured under services.*")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(api.CorrelationMiddleware())
	api.SetupProjectRoutes(e, api.NewProjectHandlers(factories), cfg.JWTAuth)
	e.GET("/ready", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})

	return runServer(e, cfg)
}

// runServer starts the echo server and blocks until a termination signal,
// then shuts down gracefully.
func runServer(e *echo.Echo, cfg *config.Config) error {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	common.Logger.Infof("listening on %s", addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	common.Logger.Info("shutting down")
	return e.Shutdown(ctx)
}
