// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/imrishuroy/go-idempotent-workflow/internal/queue"
)

// StoreBackend selects the OrderRequestStore implementation.
type StoreBackend string

const (
	StoreDynamoDB StoreBackend = "dynamodb"
	StorePostgres StoreBackend = "postgres"
	StoreMemory   StoreBackend = "memory"
)

// Config is the resolved configuration shared by the api and worker binaries.
type Config struct {
	RunLocal bool
	Port     int
	LogLevel string

	StoreBackend       StoreBackend
	OrderRequestsTable string
	IdempotencyTable   string
	DatabaseURL        string

	QueueURL           string
	DeadLetterQueueURL string
	Retry              queue.RetryPolicy

	MetricsNamespace string

	// InMemoryServices runs the order, inventory, payment, customer and messaging
	// collaborators in process. Defaults to RunLocal.
	InMemoryServices bool
}

// LoadDotEnv loads a .env file into the environment without overriding variables that are
// already set. A missing file is not an error.
func LoadDotEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads the environment. Malformed values are errors, never silently defaulted.
func Load() (Config, error) {
	runLocal, err := parseOptionalBool("RUN_LOCAL")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RunLocal:           runLocal,
		LogLevel:           strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		OrderRequestsTable: strings.TrimSpace(os.Getenv("ORDER_REQUESTS_TABLE")),
		IdempotencyTable:   strings.TrimSpace(os.Getenv("IDEMPOTENCY_TABLE")),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		QueueURL:           strings.TrimSpace(os.Getenv("WORKFLOW_QUEUE_URL")),
		DeadLetterQueueURL: strings.TrimSpace(os.Getenv("DEAD_LETTER_QUEUE_URL")),
		MetricsNamespace:   strings.TrimSpace(os.Getenv("METRICS_NAMESPACE")),
		Retry:              queue.DefaultRetryPolicy(),
	}

	cfg.InMemoryServices = runLocal
	if raw := strings.TrimSpace(os.Getenv("IN_MEMORY_SERVICES")); raw != "" {
		v, err := parseOptionalBool("IN_MEMORY_SERVICES")
		if err != nil {
			return Config{}, err
		}
		cfg.InMemoryServices = v
	}

	port, err := parseOptionalInt("PORT")
	if err != nil {
		return Config{}, err
	}
	cfg.Port = 8080
	if port != nil {
		cfg.Port = *port
	}

	backend := StoreBackend(strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))))
	switch backend {
	case "":
		backend = StoreDynamoDB
		if runLocal {
			backend = StoreMemory
		}
	case StoreDynamoDB, StorePostgres, StoreMemory:
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND: unknown backend %q", backend)
	}
	cfg.StoreBackend = backend

	if v, err := parseOptionalInt("WORKFLOW_MAX_RETRIES"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.Retry.Max = *v
	}
	if v, err := parseOptionalDuration("WORKFLOW_BACKOFF_BASE"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.Retry.BackoffBase = *v
	}
	if v, err := parseOptionalDuration("WORKFLOW_BACKOFF_MAX"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.Retry.BackoffMax = *v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case StoreDynamoDB:
		if c.OrderRequestsTable == "" || c.IdempotencyTable == "" {
			return errors.New("ORDER_REQUESTS_TABLE and IDEMPOTENCY_TABLE are required for the dynamodb store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	}
	if !c.RunLocal && c.QueueURL == "" {
		return errors.New("WORKFLOW_QUEUE_URL is required unless RUN_LOCAL is set")
	}
	if c.Retry.BackoffMax > 0 && c.Retry.BackoffMax < c.Retry.BackoffBase {
		return errors.New("WORKFLOW_BACKOFF_MAX must be >= WORKFLOW_BACKOFF_BASE")
	}
	return nil
}

// UseMemoryQueue reports whether jobs run on the in-process queue instead of SQS.
func (c Config) UseMemoryQueue() bool {
	return c.RunLocal && c.QueueURL == ""
}

func parseOptionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func parseOptionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func parseOptionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
