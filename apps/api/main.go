package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/logger"
	"github.com/mahaj/dupahar-chat/pkg/notify"
	"github.com/mahaj/dupahar-chat/pkg/realtime/redisrelay"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/store/scylla"
	"github.com/mahaj/dupahar-chat/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadAPI()
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

	// Redis holds the notification inbox in both modes.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Password, DB: cfg.DB})
	defer rdb.Close()

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("snowflake node")
	}

	mux := http.NewServeMux()
	signer := auth.NewSigner(cfg.JWTSecret, cfg.TokenTTL)

	var (
		st    store.Store
		relay interface {
			Broadcaster
			PresenceReader
		}
		inbox *notify.Inbox
	)
	if cfg.InMemory {
		// No gateway or change-feed consumer can see this store, so both run
		// here and clients connect to /ws on the API itself.
		mem := newInMemory(ids, log)
		inbox = notify.NewInbox(rdb, mem.relay)
		mem.start(ctx, inbox, log)
		st, relay = mem.store, mem.relay
		mux.Handle("/ws", gateway.Handler(ctx, mem.hub, signer))
		log.Warn().Msg("running with the in-memory store and an embedded gateway")
	} else {
		redisRelay := redisrelay.New(rdb, log)
		relay, inbox = redisRelay, notify.NewInbox(rdb, redisRelay)

		session, err := scylla.NewSession(cfg.Hosts, cfg.Keyspace)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
		}
		defer session.Close()

		writer := changefeed.NewWriter(cfg.Brokers, cfg.Topic, log)
		defer writer.Close()
		st = scylla.New(session, ids, store.NewFeed(writer, log), log)
	}

	srv := NewServer(st, signer, relay, relay, inbox, log)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", telemetry.Handler(srv.Routes(), "api"))

	httpServer := &http.Server{Addr: cfg.ListenAddr(), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = shutdownTracing(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr()).Msg("API service starting")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}
