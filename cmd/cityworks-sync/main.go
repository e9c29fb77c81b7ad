package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crowdsource-scripts/cityworks-sync/internal/arcgis"
	"github.com/crowdsource-scripts/cityworks-sync/internal/cityworks"
	"github.com/crowdsource-scripts/cityworks-sync/internal/config"
	httpapi "github.com/crowdsource-scripts/cityworks-sync/internal/http"
	"github.com/crowdsource-scripts/cityworks-sync/internal/report"
	"github.com/crowdsource-scripts/cityworks-sync/internal/service"
)

func main() {
	serve := flag.Bool("serve", false, "expose the sync over HTTP instead of running once")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: cityworks-sync [-serve] <config.json>")
		os.Exit(2)
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "cityworks-sync").Logger()

	var sink report.Sink = report.ConsoleSink{}
	if cfg.Log.File != "" {
		fileSink, err := report.NewFileSink(cfg.Log.File)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open run log")
		}
		sink = fileSink
	}
	defer sink.Close()

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	syncer := &service.Syncer{
		Cfg:       cfg,
		ArcGIS:    arcgis.New(cfg.ArcGIS.URL, timeout, logger),
		Cityworks: cityworks.New(cfg.Cityworks.URL, timeout, logger),
		Report:    sink,
		Logger:    logger,
	}

	if *serve {
		runServer(cfg, syncer, logger)
		return
	}

	// One-shot batch mode. All top-level failures are logged and the
	// process still exits normally; the run log is the record of what
	// happened.
	summary, err := syncer.Run(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("sync run failed")
		return
	}
	logger.Info().
		Str("run_id", summary.RunID).
		Interface("counts", summary.Counts).
		Msg("sync run complete")
}

func runServer(cfg config.Config, syncer *service.Syncer, logger zerolog.Logger) {
	router := httpapi.Router(cfg, syncer, logger)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
