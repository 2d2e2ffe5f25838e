// Package main provides the mailshard HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halvard-dev/mailshard/internal/auth"
	"github.com/halvard-dev/mailshard/internal/config"
	"github.com/halvard-dev/mailshard/internal/ingest"
	"github.com/halvard-dev/mailshard/internal/notify"
	"github.com/halvard-dev/mailshard/internal/providers"
	"github.com/halvard-dev/mailshard/internal/server"
	"github.com/halvard-dev/mailshard/internal/shard"
	"github.com/halvard-dev/mailshard/internal/summarize"
)

func main() {
	cfg := config.Load()
	log := cfg.SetupLogger()

	sources, err := providers.NewSessionFactory(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("configure mail source")
	}

	var publisher ingest.RunPublisher
	if cfg.NATSUrl != "" {
		pub, err := notify.NewPublisher(cfg.NATSUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("connect to NATS")
		}
		defer pub.Close()
		publisher = pub
	}

	var verifier *auth.Verifier
	if cfg.JWKSURL != "" {
		verifier, err = auth.NewVerifier(cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("configure bearer auth")
		}
	}

	engineFor := func(ctx context.Context, model string) ingest.Summarizer {
		return summarize.NewEngine(ctx, cfg.OllamaHost, model, cfg.SummarizeTimeout, log)
	}

	mgr := ingest.NewManager(
		ingest.NewConfigStore(cfg.BasePath, log),
		sources,
		engineFor,
		summarize.NewInspector(cfg.OllamaHost, log, cfg.DefaultModel),
		shard.OpenWriter,
		publisher,
		log,
		ingest.Options{
			SessionTimeout:   cfg.SessionTimeout,
			SummarizeTimeout: cfg.SummarizeTimeout,
		},
	)

	srv := server.New(mgr, verifier, log)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: dependency installs stream model pulls
		// that can run for many minutes.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("mailshard server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	if mgr.Running() {
		mgr.CancelCurrentRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	log.Info().Msg("server stopped")
}
