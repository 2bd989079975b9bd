package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hanpama/fedgraph/internal/compose"
	"github.com/hanpama/fedgraph/internal/health"
	"github.com/hanpama/fedgraph/internal/probe"
	"github.com/hanpama/fedgraph/internal/schema"
	"github.com/hanpama/fedgraph/internal/subgraph"
	"github.com/hanpama/fedgraph/internal/subgraphrpc"
)

const rootUsage = `fedgraph — federated query gateway over subgraph services

USAGE:
  fedgraph <command> [flags]

COMMANDS:
  serve            Run the HTTP gateway over gRPC subgraphs
  subgraph         Run a sample subgraph (orders or products)
  compose          Describe subgraphs and print the composed schema
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-query deadline (default: 10s)
  -server.max-body <bytes>            Maximum request body size (default: 1048576)
  -server.metadata-header <name>      Forward HTTP header to gRPC metadata. Repeatable
  -server.cors-origin <origin>        Allowed CORS origin, * for any. Repeatable
  -subgraph <name=host:port>          Subgraph endpoint. Repeatable; at least one required
  -transport.call-timeout <duration>  Per subgraph call deadline (default: 3s)
  -transport.max-conns-per-endpoint N Max TCP conns per endpoint (default: 2)
  -executor.max-concurrency N         Max calls in flight per stage; 0 is unbounded
  -planner.cache-size N               Cached plans; negative disables (default: 256)
  -health.interval <duration>         Probe interval (default: 5s)
  -health.timeout <duration>          Probe timeout (default: 2s)
  -health.mode grpc|http              Probe protocol (default: grpc)
  -health.url <name=url>              Probe URL in http mode. Repeatable
  -metrics.addr <addr>                Prometheus listen address; empty disables
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: fedgraph)
  -log.level <level>                  debug, info, warn or error (default: info)
  -log.format json|console            Log encoding (default: json)
`

const subgraphUsage = `subgraph FLAGS:
  -name orders|products    Sample subgraph to run (required)
  -addr <addr>             gRPC listen address (default: :9090)
  -http.addr <addr>        HTTP /health listen address; empty disables
`

const composeUsage = `compose FLAGS:
  -subgraph <name=host:port>  Subgraph endpoint. Repeatable; at least one required
  -timeout <duration>         Describe deadline (default: 5s)
  -out <file>                 Write composed schema to file (default: stdout)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("fedgraph", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "subgraph":
		return cmdSubgraph(cmdArgs)
	case "compose":
		return cmdCompose(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "subgraph":
		fmt.Print(subgraphUsage)
	case "compose":
		fmt.Print(composeUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

// pairFlag collects repeatable name=value flags.
type pairFlag struct {
	pairs []string
}

func (p *pairFlag) String() string { return strings.Join(p.pairs, ",") }

func (p *pairFlag) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(value) == "" {
		return fmt.Errorf("invalid pair %q, want name=value", v)
	}
	p.pairs = append(p.pairs, v)
	return nil
}

func (p *pairFlag) Map() map[string]string {
	m := make(map[string]string, len(p.pairs))
	for _, pair := range p.pairs {
		name, value, _ := strings.Cut(pair, "=")
		m[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return m
}

type stringListFlag []string

func (s *stringListFlag) String() string { return strings.Join(*s, ",") }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdCompose(args []string) error {
	timeout := 5 * time.Second
	outFile := ""
	var subgraphs pairFlag
	fs := flag.NewFlagSet("compose", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.Var(&subgraphs, "subgraph", "Subgraph endpoint")
	fs.DurationVar(&timeout, "timeout", timeout, "Describe deadline")
	fs.StringVar(&outFile, "out", outFile, "Write composed schema to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, composeUsage)
		return err
	}
	if len(subgraphs.pairs) == 0 {
		fmt.Fprint(os.Stderr, composeUsage)
		return fmt.Errorf("at least one -subgraph is required")
	}
	endpoints, err := subgraphrpc.ParseEndpoints(subgraphs.pairs)
	if err != nil {
		return err
	}
	client := subgraphrpc.New(subgraphrpc.WithProvider(endpoints))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	checker := probe.NewGRPCChecker(func(ctx context.Context, name string) (string, error) {
		eps, err := endpoints.Endpoints(ctx, name)
		if err != nil {
			return "", err
		}
		return eps[0], nil
	}, subgraphrpc.ServiceName)
	defer checker.Close()

	var descs []subgraph.Descriptor
	for _, name := range endpoints.Names() {
		d, err := client.Subgraph(name).Describe(ctx)
		if err != nil {
			return fmt.Errorf("describe %s: %w", name, err)
		}
		status := health.Healthy
		if err := checker.Check(ctx, name); err != nil {
			status = health.Unhealthy
		}
		descs = append(descs, d.WithStatus(status))
	}
	sch, err := compose.Compose(descs)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	sdl := schema.Render(sch)
	if outFile == "" {
		fmt.Print(sdl)
		return nil
	}
	return os.WriteFile(outFile, []byte(sdl), 0644)
}
