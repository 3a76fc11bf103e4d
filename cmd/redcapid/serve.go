package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/redcapid/internal/config"
	"github.com/ehr/redcapid/internal/domain/identity"
	"github.com/ehr/redcapid/internal/platform/auth"
	"github.com/ehr/redcapid/internal/platform/middleware"
)

const (
	version         = "0.1.0"
	requestBodyMax  = "64K"
	healthTimeout   = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the identifier HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, logger, err := opts.setup(cmd, false)
			if err != nil {
				return err
			}
			return runServer(cfg, svc, logger)
		},
	}
}

func runServer(cfg *config.Config, svc *identity.Service, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// The API still starts without a session; identity routes answer 503
	// until REDCap credentials are fixed and the process restarted.
	if err := svc.Connect(cfg.RedcapURL, cfg.RedcapToken); err != nil {
		logger.Error().Err(err).Str("key_file", svc.KeyFile().Path()).Msg("failed to connect to redcap")
	}

	e := newServer(cfg, svc, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, svc *identity.Service, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.BodyLimit(requestBodyMax))

	e.GET("/health", healthHandler(svc))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	apiV1 := e.Group("/api/v1", authMW, middleware.Audit(logger))

	identity.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}

func healthHandler(svc *identity.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !svc.Connected() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"redcap":  "not connected",
				"version": version,
			})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		project, err := svc.Project(ctx)
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"redcap":  "unreachable",
				"version": version,
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"redcap":  "connected",
			"project": project.Title,
			"version": version,
		})
	}
}
