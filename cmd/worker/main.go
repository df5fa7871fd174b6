package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-idempotent-workflow/internal/app"
	"github.com/imrishuroy/go-idempotent-workflow/internal/config"
	"github.com/imrishuroy/go-idempotent-workflow/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger, err := observability.NewLogger(cfg.LogLevel, false)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	logger = logger.With().Str("service", "worker").Logger()

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire worker")
	}
	defer a.Close()

	processor, err := a.Processor()
	if err != nil {
		logger.Fatal().Err(err).Msg("worker needs an SQS queue")
	}

	// ReportBatchItemFailures must be enabled on the event source mapping
	lambda.Start(processor.Handle)
}
