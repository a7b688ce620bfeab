package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"chatrelay/internal/config"
	"chatrelay/internal/generator"
	"chatrelay/internal/logging"
	"chatrelay/internal/metrics"
	"chatrelay/internal/realtime"
	"chatrelay/internal/router"
	"chatrelay/internal/session"
	"chatrelay/internal/stream"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "WebSocket relay that streams query responses with replay on reconnect",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, v, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if configPath != "" {
		config.Watch(v, func(fresh *config.Config) {
			logging.SetLevel(fresh.Log.Level)
			logger.Info().Str("level", fresh.Log.Level).Msg("log level reloaded")
		})
	}

	registry := session.NewRegistry(session.RegistryConfig{
		BufferSize:    cfg.Session.BufferSize,
		GracePeriod:   cfg.Session.GracePeriod,
		SweepInterval: cfg.Session.SweepInterval,
		Logger:        logger,
	})
	defer registry.Close()

	gen := &generator.Loopback{Delay: cfg.Generator.ChunkDelay}
	streamer := stream.NewStreamer(gen, registry, logger)
	registry.OnEvict(streamer.CancelSession)
	rt := router.New(registry, streamer, logger)

	srv := realtime.New(realtime.Config{
		KeepaliveInterval: cfg.Server.KeepaliveInterval,
		ReadDeadline:      cfg.Server.ReadDeadline,
		WriteDeadline:     cfg.Server.WriteDeadline,
		MaxMessageSize:    cfg.Server.MaxMessageSize,
	}, registry, rt, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	srv.Routes(e)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.Server.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("shutdown did not complete cleanly")
	}
	return nil
}
