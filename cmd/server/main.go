package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/mlipovsky/callbridge/internal/adapters/http"
	"github.com/mlipovsky/callbridge/internal/adapters/kurento"
	"github.com/mlipovsky/callbridge/internal/app"
	"github.com/mlipovsky/callbridge/internal/app/orch"
	"github.com/mlipovsky/callbridge/internal/config"
	"github.com/mlipovsky/callbridge/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	media, err := kurento.Dial(ctx, cfg.MediaServerURL, cfg.RecordingPath)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.MediaServerURL).Msg("failed to reach media server")
	}
	defer media.Close()

	m := metrics.New()
	users := app.NewUserRegistry()
	pipelines := app.NewPipelineRegistry(m)

	o := orch.New(users, pipelines, media, cfg, m)
	go o.Run(ctx)

	r := router.SetupRouter(ctx, cfg, o, m)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("callbridge server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
