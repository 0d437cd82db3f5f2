package main

import (
	"context"
	"os"
	"time"

	"conto/internal/amqp"
	"conto/internal/cli"
	"conto/internal/ledger"
	"conto/internal/log"
	"conto/internal/sheets"
	gsheet "conto/internal/sheets/google"
	"conto/internal/sheets/memory"
	"conto/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel, log.ComponentWorker)

	logger.Info("Starting conto-worker", log.FieldOperation, log.OpStartup)

	if cfg.DataBackend == "memory" {
		logger.Warn("Memory backend is private to this process; exports will only see data written by the worker")
	}
	store := cli.OpenStore(context.Background(), logger, cfg)

	var writer sheets.BalanceWriter
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.NewFromEnv(context.Background(), cfg.GoogleSpreadsheetID)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
			_ = store.Close()
			os.Exit(1)
		}
		writer = sheets.NewBreakerWriter(client, sheets.DefaultBreakerConfig())
		logger.Info("Google Sheets export enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		writer = memory.New()
		logger.Info("Google Sheets disabled - no GOOGLE_SPREADSHEET_ID provided, exporting to memory")
	}

	var events worker.EventSource
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			_ = store.Close()
			os.Exit(1)
		}
		amqpClient = client
		events = client
	} else {
		logger.Info("Skipping AMQP message consumption - periodic sweep only", "interval", cfg.ExportInterval.String())
	}

	balances := ledger.New(store.Store, nil, ledger.Config{
		CacheSize: cfg.BalanceCacheSize,
		CacheTTL:  cfg.BalanceCacheTTL,
	})
	w := worker.NewExportWorker(balances, store.Store, writer, cfg.ExportConcurrency)

	cleanup := func() {
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("AMQP close error", log.FieldError, err)
			}
		}
		if err := store.Close(); err != nil {
			logger.Warn("Store close error", log.FieldError, err)
		}
	}
	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, cleanup)

	if err := w.Run(ctx, events, cfg.ExportInterval); err != nil {
		logger.Error("Export worker stopped", log.FieldError, err)
		cleanup()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully", log.FieldOperation, log.OpShutdown)
}
