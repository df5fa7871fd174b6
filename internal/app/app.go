// Package app wires the store, queue, sinks and workflow engine shared by the api and worker
// binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-idempotent-workflow/internal/aws"
	"github.com/imrishuroy/go-idempotent-workflow/internal/config"
	"github.com/imrishuroy/go-idempotent-workflow/internal/gateway"
	"github.com/imrishuroy/go-idempotent-workflow/internal/handlers"
	"github.com/imrishuroy/go-idempotent-workflow/internal/observability"
	"github.com/imrishuroy/go-idempotent-workflow/internal/orderrequests"
	"github.com/imrishuroy/go-idempotent-workflow/internal/queue"
	"github.com/imrishuroy/go-idempotent-workflow/internal/services"
	"github.com/imrishuroy/go-idempotent-workflow/internal/worker"
	"github.com/imrishuroy/go-idempotent-workflow/internal/workflow"
)

// App holds the wired components.
type App struct {
	Config  config.Config
	Logger  zerolog.Logger
	Store   orderrequests.Store
	Engine  *workflow.Engine
	Gateway *gateway.Gateway

	// LocalQueue is set when jobs run in-process instead of on SQS.
	LocalQueue *queue.MemoryQueue

	sqsQueue   *queue.SQSQueue
	deadLetter *queue.SQSQueue
	sink       observability.Sink
	db         *sql.DB
}

// Option customizes New.
type Option func(*options)

type options struct {
	clients  *aws.AWSClients
	services *services.Services
}

// WithAWSClients uses the given clients instead of loading them from the environment.
func WithAWSClients(c *aws.AWSClients) Option {
	return func(o *options) { o.clients = c }
}

// WithServices supplies the external collaborators. Without it, New uses the in-memory
// implementations only when cfg.InMemoryServices is set.
func WithServices(s services.Services) Option {
	return func(o *options) { o.services = &s }
}

// New builds every component cfg asks for. AWS clients are only loaded when a component
// needs them.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	clients := o.clients
	if clients == nil && needsAWS(cfg) {
		c, err := aws.NewAWSClients(ctx)
		if err != nil {
			return nil, err
		}
		clients = c
	}

	a := &App{Config: cfg, Logger: logger}

	store, err := a.openStore(ctx, clients)
	if err != nil {
		return nil, err
	}
	a.Store = store

	a.sink = observability.NewLogSink(logger)
	if cfg.MetricsNamespace != "" {
		a.sink = observability.Multi{a.sink, observability.NewCloudWatchSink(clients.CloudWatch, cfg.MetricsNamespace, logger)}
	}

	var q workflow.Enqueuer
	if cfg.UseMemoryQueue() {
		a.LocalQueue = queue.NewMemoryQueue()
		q = a.LocalQueue
	} else {
		a.sqsQueue = queue.NewSQSQueue(clients.SQS, cfg.QueueURL)
		q = a.sqsQueue
	}
	if cfg.DeadLetterQueueURL != "" && clients != nil {
		a.deadLetter = queue.NewSQSQueue(clients.SQS, cfg.DeadLetterQueueURL)
	}

	var svc services.Services
	switch {
	case o.services != nil:
		svc = *o.services
	case cfg.InMemoryServices:
		// in-process fakes: no real order is created and no card is charged
		svc = services.NewInMemory()
	default:
		_ = a.Close()
		return nil, errors.New("app: no order services configured; set IN_MEMORY_SERVICES=true to run with in-process fakes")
	}

	engine, err := workflow.NewEngine(store, svc, q,
		workflow.WithRetryPolicy(cfg.Retry),
		workflow.WithSink(a.sink),
		workflow.WithLogger(logger),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine = engine
	a.Gateway = gateway.New(store, engine, logger)
	return a, nil
}

func (a *App) openStore(ctx context.Context, clients *aws.AWSClients) (orderrequests.Store, error) {
	switch a.Config.StoreBackend {
	case config.StoreMemory:
		return orderrequests.NewMemoryStore(), nil
	case config.StorePostgres:
		db, err := orderrequests.OpenPostgres(ctx, a.Config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store, err := orderrequests.NewPostgresStoreWithSchema(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.db = db
		return store, nil
	case config.StoreDynamoDB:
		return orderrequests.NewDynamoStore(clients.DynamoDB, a.Config.OrderRequestsTable, a.Config.IdempotencyTable), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.Config.StoreBackend)
	}
}

// Router returns the HTTP API.
func (a *App) Router() *gin.Engine {
	return handlers.NewRouter(handlers.HandlerConfig{Gateway: a.Gateway, Store: a.Store, Logger: a.Logger})
}

// Processor returns the SQS batch processor. Backoff is applied through the workflow queue.
func (a *App) Processor() (*worker.Processor, error) {
	if a.sqsQueue == nil {
		return nil, errors.New("app: the SQS processor needs WORKFLOW_QUEUE_URL")
	}
	cfg := worker.Config{
		Runner:  a.Engine,
		Delayer: a.sqsQueue,
		Sink:    a.sink,
		Logger:  a.Logger,
	}
	if a.deadLetter != nil {
		cfg.DeadLetter = a.deadLetter
	}
	return worker.NewProcessor(cfg), nil
}

// RunLocalWorker drives the in-process queue until ctx is done. It is a no-op on SQS.
func (a *App) RunLocalWorker(ctx context.Context) {
	if a.LocalQueue == nil {
		return
	}
	a.LocalQueue.Run(ctx, worker.NewLocalHandler(a.Engine, a.Logger))
}

// Close releases the database connection, if any.
func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func needsAWS(cfg config.Config) bool {
	return cfg.StoreBackend == config.StoreDynamoDB ||
		!cfg.UseMemoryQueue() ||
		cfg.DeadLetterQueueURL != "" ||
		cfg.MetricsNamespace != ""
}
