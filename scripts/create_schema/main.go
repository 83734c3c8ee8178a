package main

import (
	"os"

	"github.com/caarlos0/env/v10"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/store/scylla"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var cfg config.Scylla
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("parse env config")
	}

	if err := scylla.EnsureSchema(cfg.Hosts, cfg.Keyspace, cfg.Replication); err != nil {
		log.Fatal().Err(err).Msg("create schema")
	}
	log.Info().Str("keyspace", cfg.Keyspace).Strs("tables", scylla.Tables).Msg("Schema created successfully")
}
