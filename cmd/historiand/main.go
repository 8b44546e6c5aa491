// historiand is the historian storage daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage"
	"github.com/xtxerr/historian/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("historiand")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "historian.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	metricsListen := flag.String("metrics-listen", "", "metrics listen address (overrides config)")
	requirements := flag.Bool("requirements", false, "print resource requirements of the config and exit")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fatal("load config", err)
		}
		cfg = config.DefaultConfig()
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}

	if *requirements {
		req := cfg.CalculateRequirements()
		fmt.Print(req.FormatRequirements())
		return
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fatal("parse log level", err)
	}
	logging.Init(level, cfg.Logging.JSON)
	log.Info("historiand starting", "version", Version, "config", *cfgPath, "data_dir", cfg.DataDir)

	// =========================================================================
	// Storage
	// =========================================================================

	svc, err := storage.New(cfg)
	if err != nil {
		fatal("create storage", err)
	}
	if err := svc.Start(); err != nil {
		svc.Stop()
		fatal("start storage", err)
	}
	log.Info("storage started",
		"backend", cfg.Store.Backend,
		"points", len(cfg.Points),
		"pre_aggregation", cfg.PreAggregation.Enabled)

	req := cfg.CalculateRequirements()
	log.Info("expected load",
		"samples_per_sec", req.SamplesPerSecond,
		"ram_bytes", req.TotalRAMBytes,
		"raw_bytes_per_day", req.RawBytesPerDay,
		"rollup_bytes_per_day", req.RollupBytesPerDay)

	// =========================================================================
	// Metrics
	// =========================================================================

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("serving metrics", "listen", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())

	// Stop serving first, then flush and close storage.
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics shutdown", "error", err)
		}
		cancel()
	}
	if err := svc.Stop(); err != nil {
		log.Error("storage stop", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

func fatal(msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
