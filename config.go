package querybus

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration shared by the bus and its remote bridge.
type Config struct {
	// ClientID identifies this process to the remote routing tier.
	// Defaults to a generated connection identifier when empty.
	ClientID string `env:"QUERYBUS_CLIENT_ID"`

	// Context is the default routing context for outbound queries when no
	// TargetContextResolver overrides it.
	Context string `env:"QUERYBUS_CONTEXT" envDefault:"default"`

	// QueryWorkers is the number of workers serving the priority
	// execution queue.
	QueryWorkers int `env:"QUERYBUS_QUERY_WORKERS" envDefault:"10"`

	// QueueCapacity bounds the priority execution queue.
	QueueCapacity int `env:"QUERYBUS_QUEUE_CAPACITY" envDefault:"1000"`

	// DefaultTimeout bounds the wait for a direct query's remote response.
	DefaultTimeout time.Duration `env:"QUERYBUS_DEFAULT_TIMEOUT" envDefault:"1h"`

	// InitialPermits is the flow-control credit count granted to a remote
	// producer when a subscription or stream opens.
	InitialPermits int `env:"QUERYBUS_INITIAL_PERMITS" envDefault:"1000"`

	// PermitRefill is the credit batch granted once consumption crosses
	// the refill threshold.
	PermitRefill int `env:"QUERYBUS_PERMIT_REFILL" envDefault:"500"`

	// UpdateBufferSize is the default bounded buffer for subscription
	// query updates bridged from a remote caller.
	UpdateBufferSize int `env:"QUERYBUS_UPDATE_BUFFER" envDefault:"1024"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Context:          "default",
		QueryWorkers:     10,
		QueueCapacity:    1000,
		DefaultTimeout:   time.Hour,
		InitialPermits:   1000,
		PermitRefill:     500,
		UpdateBufferSize: 1024,
	}
}

// FromEnv returns DefaultConfig overridden by QUERYBUS_* environment
// variables.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
