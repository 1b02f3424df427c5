// Command agentloop runs either the webhook server or the job worker,
// mirroring the reference implementation's single-binary server/worker
// subcommand split.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/config"
	"github.com/CREVIOS/agentloop/internal/httpapi"
	"github.com/CREVIOS/agentloop/internal/ingress"
	"github.com/CREVIOS/agentloop/internal/maintenance"
	"github.com/CREVIOS/agentloop/internal/store"
	"github.com/CREVIOS/agentloop/internal/translator"
	"github.com/CREVIOS/agentloop/internal/worker"
	"github.com/CREVIOS/agentloop/pkg/models"
)

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	cmd := "server"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "server":
		runServer(cfg)
	case "worker":
		runWorker(cfg)
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command, expected \"server\" or \"worker\"")
	}
}

func runServer(cfg *models.Config) {
	db, err := store.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	st := store.NewStore(db)
	t := translator.New(st, cfg.AgentRetryLabels)
	webhook := ingress.New(cfg, st, t)
	router := httpapi.NewRouter(webhook, st)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-quit
		log.Info().Msg("server shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		httpServer.SetKeepAlivesEnabled(false)
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
		close(done)
	}()

	log.Info().Str("port", cfg.Port).Msg("agentloop server starting")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
	<-done
	log.Info().Msg("server stopped")
}

func runWorker(cfg *models.Config) {
	db, err := store.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	st := store.NewStore(db)
	w, err := worker.New(cfg, st)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build worker")
	}

	sweeper := maintenance.New(cfg, st)
	cronRunner := sweeper.Start()

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("worker shutting down")
		cronRunner.Stop()
		cancel()
	}()

	log.Info().Msg("agentloop worker starting")
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("worker error")
	}
	log.Info().Msg("worker stopped")
}

func setupLogging() {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if os.Getenv("LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
}
