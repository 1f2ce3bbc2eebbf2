package opawasm

import (
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/policyrun/opawasm/builtins"
	"github.com/policyrun/opawasm/errors"
	"github.com/policyrun/opawasm/vm"
)

// Option configures a Policy.
type Option func(*config)

type config struct {
	logger           *zap.Logger
	registry         *builtins.Registry
	data             json.RawMessage
	poolSize         int
	minABIMinor      uint32
	onPrintln        func(string)
	metrics          *vm.Metrics
	evalTimeout      time.Duration
	memoryLimitPages uint32

	err error // deferred option failure, surfaced by New
}

func newConfig(opts []Option) config {
	cfg := config{
		logger:   zap.NewNop(),
		poolSize: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c config) vmOptions() vm.Options {
	return vm.Options{
		Logger:      c.logger,
		Builtins:    c.registry,
		MinABIMinor: c.minABIMinor,
		OnPrintln:   c.onPrintln,
		Data:        c.data,
	}
}

// WithLogger sets the logger for load and evaluation diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithBuiltins provides the registry resolving the policy's host builtins.
func WithBuiltins(reg *builtins.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithData sets the initial data document from a JSON-marshalable value.
func WithData(data any) Option {
	return func(c *config) {
		raw, err := json.Marshal(data)
		if err != nil {
			c.err = errors.MalformedValue(errors.PhaseEncode, err, "serialize data document")
			return
		}
		c.data = raw
	}
}

// WithRawData sets the initial data document from JSON text.
func WithRawData(data json.RawMessage) Option {
	return func(c *config) { c.data = data }
}

// WithPoolSize sets how many instances serve evaluations in parallel.
// Default 1.
func WithPoolSize(n int) Option {
	return func(c *config) { c.poolSize = n }
}

// WithMinABIMinor rejects policies negotiating an ABI minor below the given
// version.
func WithMinABIMinor(minor uint32) Option {
	return func(c *config) { c.minABIMinor = minor }
}

// WithOnPrintln receives the policy's print output.
func WithOnPrintln(fn func(string)) Option {
	return func(c *config) { c.onPrintln = fn }
}

// WithMetrics registers evaluation metrics with the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) { c.metrics = vm.NewMetrics(reg) }
}

// WithEvalTimeout caps the duration of a single evaluation. The instance is
// torn down when the ceiling expires, so the expiring call faults and a
// replacement is loaded.
func WithEvalTimeout(d time.Duration) Option {
	return func(c *config) { c.evalTimeout = d }
}

// WithMemoryLimitPages caps guest memory per instance in 64KB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *config) { c.memoryLimitPages = pages }
}
