package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanpama/fedgraph/internal/compose"
	"github.com/hanpama/fedgraph/internal/eventbus"
	"github.com/hanpama/fedgraph/internal/executor"
	"github.com/hanpama/fedgraph/internal/gateway"
	"github.com/hanpama/fedgraph/internal/health"
	"github.com/hanpama/fedgraph/internal/logging"
	"github.com/hanpama/fedgraph/internal/metrics"
	"github.com/hanpama/fedgraph/internal/otel"
	"github.com/hanpama/fedgraph/internal/probe"
	"github.com/hanpama/fedgraph/internal/server"
	"github.com/hanpama/fedgraph/internal/subgraph"
	"github.com/hanpama/fedgraph/internal/subgraphrpc"
	"github.com/hanpama/fedgraph/internal/topology"
)

type serveConfig struct {
	addr            string
	pretty          bool
	timeout         time.Duration
	maxBody         int64
	metadataHeaders []string
	corsOrigins     []string
	subgraphs       []string
	callTimeout     time.Duration
	maxConns        int
	maxConcurrency  int
	planCacheSize   int
	healthInterval  time.Duration
	healthTimeout   time.Duration
	healthMode      string
	healthURLs      map[string]string
	metricsAddr     string
	otelEndpoint    string
	otelService     string
	logLevel        string
	logFormat       string
}

func parseServeFlags(args []string) (serveConfig, error) {
	cfg := serveConfig{
		addr:           ":8080",
		timeout:        10 * time.Second,
		maxBody:        1 << 20,
		callTimeout:    3 * time.Second,
		maxConns:       2,
		planCacheSize:  256,
		healthInterval: 5 * time.Second,
		healthTimeout:  2 * time.Second,
		healthMode:     "grpc",
		otelService:    "fedgraph",
		logLevel:       "info",
		logFormat:      "json",
	}
	var (
		metadataHeaders stringListFlag
		corsOrigins     stringListFlag
		subgraphs       pairFlag
		healthURLs      pairFlag
	)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfg.addr, "server.addr", cfg.addr, "HTTP listen address")
	fs.BoolVar(&cfg.pretty, "server.pretty", cfg.pretty, "Pretty-print JSON responses")
	fs.DurationVar(&cfg.timeout, "server.timeout", cfg.timeout, "Per-query deadline")
	fs.Int64Var(&cfg.maxBody, "server.max-body", cfg.maxBody, "Maximum request body size")
	fs.Var(&metadataHeaders, "server.metadata-header", "Forward HTTP header to gRPC metadata")
	fs.Var(&corsOrigins, "server.cors-origin", "Allowed CORS origin")
	fs.Var(&subgraphs, "subgraph", "Subgraph endpoint")
	fs.DurationVar(&cfg.callTimeout, "transport.call-timeout", cfg.callTimeout, "Per subgraph call deadline")
	fs.IntVar(&cfg.maxConns, "transport.max-conns-per-endpoint", cfg.maxConns, "Max conns per endpoint")
	fs.IntVar(&cfg.maxConcurrency, "executor.max-concurrency", cfg.maxConcurrency, "Max calls in flight per stage")
	fs.IntVar(&cfg.planCacheSize, "planner.cache-size", cfg.planCacheSize, "Cached plans")
	fs.DurationVar(&cfg.healthInterval, "health.interval", cfg.healthInterval, "Probe interval")
	fs.DurationVar(&cfg.healthTimeout, "health.timeout", cfg.healthTimeout, "Probe timeout")
	fs.StringVar(&cfg.healthMode, "health.mode", cfg.healthMode, "Probe protocol")
	fs.Var(&healthURLs, "health.url", "Probe URL in http mode")
	fs.StringVar(&cfg.metricsAddr, "metrics.addr", cfg.metricsAddr, "Prometheus listen address")
	fs.StringVar(&cfg.otelEndpoint, "otel.endpoint", cfg.otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&cfg.otelService, "otel.service", cfg.otelService, "OpenTelemetry service name")
	fs.StringVar(&cfg.logLevel, "log.level", cfg.logLevel, "Log level")
	fs.StringVar(&cfg.logFormat, "log.format", cfg.logFormat, "Log encoding")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.metadataHeaders = metadataHeaders
	cfg.corsOrigins = corsOrigins
	cfg.subgraphs = subgraphs.pairs
	cfg.healthURLs = healthURLs.Map()

	if len(cfg.subgraphs) == 0 {
		return cfg, fmt.Errorf("at least one -subgraph is required")
	}
	switch cfg.healthMode {
	case "grpc":
	case "http":
		for _, pair := range cfg.subgraphs {
			name, _, _ := strings.Cut(pair, "=")
			if _, ok := cfg.healthURLs[strings.TrimSpace(name)]; !ok {
				return cfg, fmt.Errorf("-health.mode http needs a -health.url for %s", name)
			}
		}
	default:
		return cfg, fmt.Errorf("invalid -health.mode %q, want grpc or http", cfg.healthMode)
	}
	return cfg, nil
}

func cmdServe(args []string) error {
	cfg, err := parseServeFlags(args)
	if err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// rpcDirectory exposes the configured remote subgraphs to the topology
// manager.
type rpcDirectory struct {
	client    *subgraphrpc.Client
	endpoints *subgraphrpc.StaticEndpoints
}

func (d rpcDirectory) Names() []string { return d.endpoints.Names() }

func (d rpcDirectory) Service(name string) (subgraph.Service, bool) {
	eps, err := d.endpoints.Endpoints(context.Background(), name)
	if err != nil || len(eps) == 0 {
		return nil, false
	}
	return d.client.Subgraph(name), true
}

func serve(ctx context.Context, cfg serveConfig) error {
	logger, err := logging.New(cfg.logLevel, cfg.logFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	endpoints, err := subgraphrpc.ParseEndpoints(cfg.subgraphs)
	if err != nil {
		return err
	}

	eventbus.Use(eventbus.New())
	defer logging.Subscribe(logger)()
	m := metrics.New()
	defer m.Subscribe()()
	shutdown, err := otel.Setup(cfg.otelEndpoint, cfg.otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	client := subgraphrpc.New(
		subgraphrpc.WithProvider(endpoints),
		subgraphrpc.WithMaxConnsPerEndpoint(cfg.maxConns),
		subgraphrpc.WithRPCTimeout(cfg.callTimeout),
	)
	defer client.Close()

	gate := health.NewGate()
	holder := compose.NewHolder()
	manager := topology.NewManager(holder, gate, rpcDirectory{client: client, endpoints: endpoints})

	var checker probe.Checker
	switch cfg.healthMode {
	case "http":
		checker = probe.NewHTTPChecker(&http.Client{}, cfg.healthURLs)
	default:
		targets := func(ctx context.Context, name string) (string, error) {
			eps, err := endpoints.Endpoints(ctx, name)
			if err != nil {
				return "", err
			}
			return eps[0], nil
		}
		gc := probe.NewGRPCChecker(targets, subgraphrpc.ServiceName)
		defer gc.Close()
		checker = gc
	}
	poller := probe.NewPoller(gate, checker,
		probe.WithInterval(cfg.healthInterval),
		probe.WithTimeout(cfg.healthTimeout))

	exec := executor.New(client,
		executor.WithCallTimeout(cfg.callTimeout),
		executor.WithMaxConcurrency(cfg.maxConcurrency),
		executor.WithHealth(gate))
	gw, err := gateway.New(holder, exec, gateway.WithPlanCacheSize(cfg.planCacheSize))
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	sopts := []server.Option{
		server.WithTimeout(cfg.timeout),
		server.WithMaxBodyBytes(cfg.maxBody),
	}
	if cfg.pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(cfg.metadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(cfg.metadataHeaders...))
	}
	if len(cfg.corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.corsOrigins...))
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", server.New(gw, sopts...))
	mux.Handle("/health", probe.Handler(func() bool { return holder.Current() != nil }))
	servers := []*http.Server{{Addr: cfg.addr, Handler: mux}}
	if cfg.metricsAddr != "" {
		mm := http.NewServeMux()
		mm.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{Addr: cfg.metricsAddr, Handler: mm})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return manager.Run(ctx) })
	for _, srv := range servers {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
		return nil
	})
	return g.Wait()
}
