package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/logger"
	"github.com/mahaj/dupahar-chat/pkg/realtime/redisrelay"
	"github.com/mahaj/dupahar-chat/pkg/store/scylla"
	"github.com/mahaj/dupahar-chat/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		logger.Stderr().Fatal().Err(err).Msg("load config")
	}
	log, closer, err := logger.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		logger.Stderr().Fatal().Err(err).Msg("open log file")
	}
	defer closer.Close()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log = log.With().Str("instance_id", instanceID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}

	session, err := scylla.NewSession(cfg.Hosts, cfg.Keyspace)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	defer session.Close()
	// Only membership lookups go through this store; it never writes.
	members := scylla.New(session, nil, nil, log)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Password, DB: cfg.DB})
	defer rdb.Close()
	relay := redisrelay.New(rdb, log)

	hub := gateway.NewHub(relay, members, log)
	go hub.Run(ctx)
	go hub.Heartbeat(ctx, redisrelay.PresenceRefresh)

	go func() {
		err := relay.Subscribe(ctx, func(env redisrelay.Envelope) { hub.OnEnvelope(ctx, env) })
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("relay subscription ended")
			stop()
		}
	}()

	// Every gateway instance needs every change, so each reads with its own
	// consumer group.
	reader := changefeed.NewReader(cfg.Brokers, cfg.Topic, "gateway-"+instanceID, log)
	defer reader.Close()
	go func() {
		if err := reader.Run(ctx, hub.OnChange); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("change-feed reader stopped")
		}
	}()

	signer := auth.NewSigner(cfg.JWTSecret, 0)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.Handler(ctx, hub, signer))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.ListenAddr(), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = shutdownTracing(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr()).Msg("Gateway service starting")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}
