// Package logging builds the process logger and turns gateway events into
// log entries.
package logging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	compose "github.com/hanpama/fedgraph/internal/compose"
	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	reqid "github.com/hanpama/fedgraph/internal/reqid"
)

// New builds a logger writing to stderr. format is "console" or "json".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Subscribe logs gateway events to log until the returned function is
// called.
func Subscribe(log *zap.Logger) (unsubscribe func()) {
	offs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.CompositionFinished) {
			if e.Err == nil {
				log.Info("schema composed", zap.Uint64("version", e.Version), zap.Strings("subgraphs", e.Subgraphs))
				return
			}
			log.Error("composition failed, keeping previous schema",
				zap.Uint64("version", e.Version),
				zap.Strings("subgraphs", e.Subgraphs),
				zap.Strings("violations", violations(e.Err)),
			)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.HealthChanged) {
			log.Info("subgraph health changed",
				zap.String("subgraph", e.Subgraph),
				zap.String("from", e.From),
				zap.String("to", e.To),
				zap.String("message", e.Message),
			)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.SubgraphCallFinish) {
			if e.Err == nil {
				return
			}
			log.Warn("subgraph call failed", withRequest(ctx,
				zap.String("subgraph", e.Subgraph),
				zap.String("kind", e.Kind),
				zap.Int("stage", e.Stage),
				zap.String("outcome", e.Outcome),
				zap.Duration("duration", e.Duration),
				zap.Error(e.Err),
			)...)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.PlanInvariantViolation) {
			log.Error("plan invariant violation", withRequest(ctx, zap.Error(e.Err))...)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.QueryFinish) {
			log.Debug("query finished", withRequest(ctx,
				zap.String("operation", e.OperationName),
				zap.Uint64("schema_version", e.SchemaVersion),
				zap.Int("stages", e.Stages),
				zap.Bool("plan_cached", e.PlanCached),
				zap.Int("errors", len(e.Errors)),
				zap.Duration("duration", e.Duration),
			)...)
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func withRequest(ctx context.Context, fields ...zap.Field) []zap.Field {
	if id, ok := reqid.FromContext(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	return fields
}

func violations(err error) []string {
	var errs compose.Errors
	if errors.As(err, &errs) {
		out := make([]string, len(errs))
		for i, e := range errs {
			out[i] = e.Error()
		}
		return out
	}
	return []string{err.Error()}
}
