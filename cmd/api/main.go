package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-idempotent-workflow/internal/app"
	"github.com/imrishuroy/go-idempotent-workflow/internal/config"
	"github.com/imrishuroy/go-idempotent-workflow/internal/observability"
)

func main() {
	if os.Getenv("RUN_LOCAL") == "true" {
		if err := config.LoadDotEnv(); err != nil {
			log.Fatal().Err(err).Msg("failed to load .env")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.RunLocal)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger.With().Str("service", "api").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire api")
	}
	defer a.Close()

	r := a.Router()

	// local mode serves HTTP directly and runs the workflow steps in-process
	if cfg.RunLocal {
		go a.RunLocalWorker(ctx)

		addr := ":" + strconv.Itoa(cfg.Port)
		logger.Info().Str("addr", addr).Str("store", string(cfg.StoreBackend)).Msg("running local server")
		if err := r.Run(addr); err != nil {
			logger.Fatal().Err(err).Msg("failed to run local server")
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
