package executor

import (
	"time"

	health "github.com/hanpama/fedgraph/internal/health"
)

const defaultCallTimeout = 3 * time.Second

// Options configure an Executor.
type Options struct {
	// CallTimeout bounds every subgraph call. Default 3s.
	CallTimeout time.Duration
	// MaxConcurrency bounds the calls in flight per stage. Zero means no
	// bound.
	MaxConcurrency int
	// Health is consulted before every call. Nil allows every call.
	Health health.Reader
}

// Option configures Options.
type Option func(*Options)

// WithCallTimeout sets the per-call deadline.
func WithCallTimeout(d time.Duration) Option { return func(o *Options) { o.CallTimeout = d } }

// WithMaxConcurrency bounds concurrent calls within a stage.
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// WithHealth sets the health reader consulted before calls.
func WithHealth(r health.Reader) Option { return func(o *Options) { o.Health = r } }

func buildOptions(opts ...Option) Options {
	o := Options{CallTimeout: defaultCallTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.MaxConcurrency < 0 {
		o.MaxConcurrency = 0
	}
	return o
}
