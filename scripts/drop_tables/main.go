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

	session, err := scylla.NewSession(cfg.Hosts, cfg.Keyspace)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	defer session.Close()

	log.Info().Strs("tables", scylla.Tables).Msg("Dropping tables...")
	if err := scylla.Drop(session); err != nil {
		log.Fatal().Err(err).Msg("Failed to drop tables")
	}
	log.Info().Msg("Tables dropped successfully.")
}
