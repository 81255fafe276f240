package main

import (
	"context"
	"flag"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-chat-service/chatservice"
	"github.com/tinywideclouds/go-chat-service/chatservice/config"
	"github.com/tinywideclouds/go-chat-service/internal/app"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-chat-service").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	apiService, realtimeService, err := chatservice.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chat service")
	}

	app.Run(context.Background(), logger, apiService, realtimeService)
}
