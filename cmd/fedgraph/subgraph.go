package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanpama/fedgraph/internal/probe"
	"github.com/hanpama/fedgraph/internal/sample"
	"github.com/hanpama/fedgraph/internal/subgraphrpc"
)

func cmdSubgraph(args []string) error {
	name := ""
	addr := ":9090"
	httpAddr := ""
	fs := flag.NewFlagSet("subgraph", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&name, "name", name, "Sample subgraph to run")
	fs.StringVar(&addr, "addr", addr, "gRPC listen address")
	fs.StringVar(&httpAddr, "http.addr", httpAddr, "HTTP /health listen address")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, subgraphUsage)
		return err
	}
	if name == "" {
		fmt.Fprint(os.Stderr, subgraphUsage)
		return fmt.Errorf("-name is required")
	}
	svc, err := sample.New(name)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv, hs := subgraphrpc.NewServer(svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var httpSrv *http.Server
	if httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/health", probe.Handler(func() bool { return true }))
		httpSrv = &http.Server{Addr: httpAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Printf("health server: %v", err)
			}
		}()
	}
	go func() {
		<-ctx.Done()
		hs.Shutdown()
		if httpSrv != nil {
			_ = httpSrv.Close()
		}
		srv.GracefulStop()
	}()

	log.Printf("%s subgraph listening on %s", name, ln.Addr())
	return srv.Serve(ln)
}
