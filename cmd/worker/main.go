// Package main runs the background worker: it consumes event.published jobs
// and delivers guest invitations.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	courier "github.com/gatherly/courier-go"
	relicastore "github.com/gatherly/courier-go/adapters/relica"
	"github.com/gatherly/courier-go/cmd/worker/internal/config"
	"github.com/gatherly/courier-go/contracts"
	"github.com/gatherly/courier-go/internal/reliability"
	"github.com/gatherly/courier-go/invitations"
	"github.com/gatherly/courier-go/messaging"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// The database often comes up after the worker in orchestrated
	// deployments; back off instead of crash-looping.
	pingPolicy := reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
	if err := reliability.Retry(context.Background(), pingPolicy, db.Ping); err != nil {
		logger.Error("failed to connect to database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}

	store := relicastore.NewEventStoreWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)
	sender := &invitations.LogSender{Logger: logger}

	processor := invitations.NewProcessor(store, sender,
		invitations.WithBaseURL(cfg.Delivery.BaseURL),
		invitations.WithTokenBufferDays(cfg.Delivery.TokenBufferDays),
		invitations.WithProcessorLogger(logger),
	)

	client := courier.NewClient(cfg.Broker.URL, cfg.Broker.Exchange,
		courier.WithLogger(logger),
		courier.WithPrefetchCount(cfg.Broker.PrefetchCount),
		courier.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		courier.WithMaxReconnectAttempts(cfg.Broker.MaxReconnectAttempts),
	)

	consumer, err := messaging.NewConsumer[contracts.EventPublishedJob](client.Connection(), cfg.Delivery.Queue, processor,
		messaging.WithPrefetchCount(cfg.Broker.PrefetchCount),
		messaging.WithRetryAttempts(cfg.Delivery.RetryAttempts),
		messaging.WithRetryDelay(cfg.Delivery.RetryDelay),
		messaging.WithConsumerLogger(logger),
	)
	if err != nil {
		logger.Error("failed to build consumer", "error", err)
		os.Exit(1)
	}
	client.Register(consumer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	logger.Info("worker started",
		"queue", cfg.Delivery.Queue,
		"exchange", cfg.Broker.Exchange)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := client.Close(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
