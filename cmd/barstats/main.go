package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/barstats/internal/api"
	"github.com/rewired-gh/barstats/internal/config"
	"github.com/rewired-gh/barstats/internal/export"
	"github.com/rewired-gh/barstats/internal/kraken"
	"github.com/rewired-gh/barstats/internal/logger"
	"github.com/rewired-gh/barstats/internal/monitor"
	"github.com/rewired-gh/barstats/internal/stats"
	"github.com/rewired-gh/barstats/internal/storage"
	"github.com/rewired-gh/barstats/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.MaxBars, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	engine := stats.New(cfg.Engine.Capacity)
	mon := monitor.New(engine, store, monitor.Config{
		Symbol:  cfg.Kraken.Pair,
		Windows: cfg.Engine.Windows,
	})

	krakenClient := kraken.NewClient(
		cfg.Kraken.BaseURL,
		cfg.Kraken.Timeout,
		kraken.ClientConfig{
			MaxRetries:     cfg.Kraken.MaxRetries,
			RetryDelayBase: cfg.Kraken.RetryDelayBase,
		},
	)

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := mon.Warm(ctx); err != nil {
		logger.Warn("Failed to warm window from archive: %v", err)
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, mon.BuildReport)
	}

	logger.Info("Starting %s feed (interval: %dm, poll: %v, capacity: %d, windows: %v)",
		cfg.Kraken.Pair, cfg.Kraken.Interval, cfg.Kraken.PollInterval, cfg.Engine.Capacity, cfg.Engine.Windows)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runFeed(gctx, cfg, krakenClient, mon, store, telegramClient)
		return nil
	})

	if cfg.Report.Enabled {
		g.Go(func() error {
			runReports(gctx, cfg.Report.Interval, mon, store, telegramClient)
			return nil
		})
	}

	if cfg.API.Enabled {
		srv := &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           api.NewHandler(engine, store, cfg.Kraken.Pair, cfg.Engine.Windows),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("API listening on %s", cfg.API.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error: %v", err)
	}

	logger.Info("Shutdown signal received, cleaning up...")
	mon.Shutdown()
	if cfg.Export.Path != "" {
		exportWindow(engine, cfg.Export)
	}
	logger.Info("Service stopped")
}

// runFeed polls Kraken until ctx is done, sending an error notification on
// the first failure of a streak and a recovery notification when it ends.
func runFeed(
	ctx context.Context,
	cfg *config.Config,
	client *kraken.Client,
	mon *monitor.Monitor,
	store *storage.Storage,
	telegramClient *telegram.Client,
) {
	ticker := time.NewTicker(cfg.Kraken.PollInterval)
	defer ticker.Stop()

	since := mon.ResumeFrom()
	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Feed cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && telegramClient != nil {
			if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		consecutiveFailures = 0
	}

	cycle := func() {
		start := time.Now()
		bars, last, err := client.FetchOHLC(ctx, cfg.Kraken.Pair, cfg.Kraken.Interval, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			handleCycleResult(fmt.Errorf("failed to fetch bars: %w", err))
			return
		}
		res, err := mon.Ingest(ctx, bars)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			handleCycleResult(fmt.Errorf("failed to ingest bars: %w", err))
			return
		}
		if last > 0 {
			since = last
		}
		logger.Info("Feed cycle: %d bars fetched, %d ingested, %d skipped, %d evicted in %v",
			len(bars), res.Ingested, res.Skipped, res.Evicted, time.Since(start))
		handleCycleResult(nil)
	}

	logger.Debug("Running initial feed cycle")
	cycle()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle()
			if err := store.RotateBars(cfg.Kraken.Pair); err != nil {
				logger.Warn("Failed to rotate bars: %v", err)
			}
		}
	}
}

// runReports builds, stores and (when enabled) sends a report every interval.
func runReports(
	ctx context.Context,
	interval time.Duration,
	mon *monitor.Monitor,
	store *storage.Storage,
	telegramClient *telegram.Client,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		report, err := mon.BuildReport(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Failed to build report: %v", err)
			}
			continue
		}
		if !report.Ready() {
			logger.Debug("Skipping report: %d/%d bars held, no window filled yet", report.BarsHeld, report.Capacity)
			continue
		}
		if err := mon.Checkpoint(report); err != nil {
			logger.Warn("%v", err)
			continue
		}
		logger.WithFields(map[string]interface{}{
			"report_id": report.ID,
			"symbol":    report.Symbol,
			"held":      report.BarsHeld,
		}).Info("Report generated")

		if telegramClient == nil {
			continue
		}
		if err := telegramClient.Send(report); err != nil {
			logger.Error("Failed to send Telegram report: %v", err)
			continue
		}
		if err := store.MarkNotified(report.ID); err != nil {
			logger.Warn("Failed to mark report %s notified: %v", report.ID, err)
		}
	}
}

// exportWindow writes the final window to cfg.Path.
func exportWindow(engine *stats.MovingStatistics, cfg config.ExportConfig) {
	saver, err := export.NewSaver(cfg.Format)
	if err != nil {
		logger.Error("Export skipped: %v", err)
		return
	}
	// The signal context is already cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	bars, err := engine.Snapshot(ctx)
	if err != nil {
		logger.Error("Export skipped: %v", err)
		return
	}
	if err := saver.Save(bars, cfg.Path); err != nil {
		logger.Error("Failed to export window to %s: %v", cfg.Path, err)
		return
	}
	logger.Info("Exported %d bars to %s (%s)", len(bars), cfg.Path, saver.Extension())
}
