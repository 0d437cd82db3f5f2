package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"conto/internal/amqp"
	"conto/internal/cache"
	"conto/internal/cli"
	apphttp "conto/internal/http"
	"conto/internal/ledger"
	"conto/internal/log"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel, log.ComponentApp)

	store := cli.OpenStore(context.Background(), logger, cfg)

	// Commit events are optional: without a broker the export worker relies on its sweep.
	var publisher ledger.EventPublisher
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			_ = store.Close()
			os.Exit(1)
		}
		amqpClient = client
		publisher = client
		logger.Info("AMQP publisher ready", "exchange", cfg.AMQPExchange)
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}

	ledgerCfg := ledger.Config{
		CacheSize: cfg.BalanceCacheSize,
		CacheTTL:  cfg.BalanceCacheTTL,
	}
	if amqpClient == nil && cfg.SharedBackend() {
		ledgerCfg.DisableCache = true
		logger.Warn("Balance cache disabled - shared backend without AMQP cannot see other instances' commits",
			"backend", cfg.DataBackend)
	}
	l := ledger.New(store.Store, publisher, ledgerCfg)

	srv := apphttp.NewServer(":"+cfg.Port, l, apphttp.Options{
		PublicBaseURL: cfg.PublicBaseURL,
		RateLimit:     cfg.RateLimit,
		Logger:        logger,
		Ready: func(ctx context.Context) error {
			_, err := store.Store.GroupIDs(ctx)
			return err
		},
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("AMQP close error", log.FieldError, err)
			}
		}
		if err := store.Close(); err != nil {
			logger.Warn("Store close error", log.FieldError, err)
		}
	})

	go cache.NewJanitor(l.BalanceCache()).Run(ctx, time.Minute)

	// Commits made by other instances reach this process only through the broker.
	if amqpClient != nil {
		go func() {
			err := amqpClient.SubscribeEntityCommitted(ctx, func(_ context.Context, msg *amqp.EntityCommittedMessage) error {
				l.InvalidateBalances(msg.GroupID)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Commit event subscription stopped", log.FieldError, err)
			}
		}()
	}

	logger.Info("Starting conto server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		log.FieldOperation, log.OpStartup)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		_ = store.Close()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully", log.FieldOperation, log.OpShutdown)
}
