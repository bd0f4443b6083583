// Command crowdsieve runs the filtering proxy between CrowdSec LAPIs
// and the Central API, plus the analyzer engine and operator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/crowdsieve/crowdsieve/internal/analyzer"
	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/filter"
	"github.com/crowdsieve/crowdsieve/internal/lapi"
	"github.com/crowdsieve/crowdsieve/internal/pipeline"
	"github.com/crowdsieve/crowdsieve/internal/server"
	"github.com/crowdsieve/crowdsieve/internal/storage"
	"github.com/crowdsieve/crowdsieve/internal/validator"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("crowdsieve " + version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting crowdsieve",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.Int("lapi_servers", len(cfg.LAPIServers)),
		zap.Int("filter_rules", len(cfg.Filters.Rules)))
	for _, msg := range cfg.RuleErrors {
		log.Warn("skipping filter rule file", zap.String("error", msg))
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Error("failed to open storage", zap.Error(err))
		os.Exit(1)
	}

	capiClient := capi.New(cfg.Proxy.CAPIURL, cfg.Proxy.Timeout())
	lapis := lapi.NewPool(cfg.LAPIServers, cfg.Proxy.Timeout())
	filters := filter.New(cfg.Filters, log)

	var v *validator.Validator
	if cfg.ClientValidation.Enabled {
		v, err = validator.New(cfg.ClientValidation, store, capiClient, log)
		if err != nil {
			log.Error("failed to build client validator", zap.Error(err))
			os.Exit(1)
		}
		log.Info("client validation enabled",
			zap.Bool("fail_closed", cfg.ClientValidation.FailClosed))
	}

	pipe := pipeline.New(filters, store, capiClient, v, cfg.Proxy.Forward(), log)

	var analyzers *analyzer.Engine
	if cfg.Analyzers.Enabled {
		analyzers = analyzer.New(cfg.Analyzers, store, lapis, cfg.Proxy.Timeout(), log)
		analyzers.Start()
	}

	srv := server.New(cfg, pipe, capiClient, store, lapis, analyzers, log)

	retentionCtx, stopRetention := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if cfg.Storage.RetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRetention(retentionCtx, cfg, store, log)
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}

	if analyzers != nil {
		analyzers.Stop()
	}
	stopRetention()
	wg.Wait()

	if err := store.Close(); err != nil {
		log.Error("failed to close storage", zap.Error(err))
	}
	log.Info("stopped")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Format == "pretty" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "relational":
		return storage.OpenRelational(cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
	default:
		return storage.OpenEmbedded(cfg.Path)
	}
}

// runRetention prunes expired alerts and validation records once a day.
func runRetention(ctx context.Context, cfg *config.Config, store storage.Store, log *zap.Logger) {
	sweep := func() {
		cutoff := time.Now().AddDate(0, 0, -cfg.Storage.RetentionDays)
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if n, err := store.PruneAlerts(sweepCtx, cutoff); err != nil {
			log.Error("alert retention sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned expired alerts", zap.Int64("count", n))
		}
		if n, err := store.PruneValidatedClients(sweepCtx, time.Now()); err != nil {
			log.Error("validated-client sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned expired validated clients", zap.Int64("count", n))
		}
	}

	sweep()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
