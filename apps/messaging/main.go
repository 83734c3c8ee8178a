package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/logger"
	"github.com/mahaj/dupahar-chat/pkg/notify"
	"github.com/mahaj/dupahar-chat/pkg/realtime/redisrelay"
	"github.com/mahaj/dupahar-chat/pkg/store/scylla"
	"github.com/mahaj/dupahar-chat/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadMessaging()
	if err != nil {
		logger.Stderr().Fatal().Err(err).Msg("load config")
	}
	log, closer, err := logger.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		logger.Stderr().Fatal().Err(err).Msg("open log file")
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}

	// Creates the keyspace and tables when missing.
	if err := scylla.EnsureSchema(cfg.Hosts, cfg.Keyspace, cfg.Replication); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare ScyllaDB schema")
	}
	session, err := scylla.NewSession(cfg.Hosts, cfg.Keyspace)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	defer session.Close()
	conversations := scylla.New(session, nil, nil, log)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Password, DB: cfg.DB})
	defer rdb.Close()
	inbox := notify.NewInbox(rdb, redisrelay.New(rdb, log))

	dispatcher := notify.NewDispatcher(conversations, inbox, log)
	consumer := NewConsumer(cfg.Brokers, cfg.Topic, cfg.GroupID, dispatcher, log)
	defer consumer.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr(), Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	if err := consumer.Consume(ctx); err != nil {
		log.Error().Err(err).Msg("consumer stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = shutdownTracing(shutdownCtx)
	log.Info().Msg("Messaging service stopped")
}
