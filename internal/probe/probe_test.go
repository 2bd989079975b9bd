package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	health "github.com/hanpama/fedgraph/internal/health"
)

func TestProbeOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := health.NewGate("orders", "products")
	p := NewPoller(gate, CheckerFunc(func(_ context.Context, name string) error {
		if name == "products" {
			return errors.New("connection refused")
		}
		return nil
	}))
	p.ProbeOnce(context.Background())

	require.Equal(t, health.Healthy, gate.Status("orders"))
	require.Equal(t, health.Unhealthy, gate.Status("products"))
	obs, ok := gate.Last("products")
	require.True(t, ok)
	require.Equal(t, "connection refused", obs.Message)
}

func TestProbeTimeoutIsUnhealthy(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := health.NewGate("slow")
	p := NewPoller(gate, CheckerFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithTimeout(10*time.Millisecond))
	p.ProbeOnce(context.Background())
	require.Equal(t, health.Unhealthy, gate.Status("slow"))
}

func TestCancelledProbesAreNotRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := health.NewGate("orders")
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(gate, CheckerFunc(func(context.Context, string) error {
		cancel()
		return errors.New("interrupted")
	}))
	p.ProbeOnce(ctx)
	require.Equal(t, health.Unknown, gate.Status("orders"))
}

func TestRunPollsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := health.NewGate("orders")
	var calls atomic.Int32
	p := NewPoller(gate, CheckerFunc(func(context.Context, string) error {
		calls.Add(1)
		return nil
	}), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, health.Healthy, gate.Status("orders"))
}

func TestHTTPChecker(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	srv := httptest.NewServer(Handler(ready.Load))
	defer srv.Close()

	client := srv.Client()
	c := NewHTTPChecker(client, map[string]string{"orders": srv.URL + "/health"})
	require.NoError(t, c.Check(context.Background(), "orders"))

	ready.Store(false)
	err := c.Check(context.Background(), "orders")
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")

	require.Error(t, c.Check(context.Background(), "products"))
}

func TestHandler(t *testing.T) {
	w := httptest.NewRecorder()
	Handler(nil).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok\n", w.Body.String())
}

func TestGRPCChecker(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("svc", healthpb.HealthCheckResponse_SERVING)
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	c := NewGRPCChecker(func(_ context.Context, name string) (string, error) {
		if name != "orders" {
			return "", errors.New("unknown subgraph")
		}
		return "passthrough:///bufnet", nil
	}, "svc",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Check(ctx, "orders"))

	hs.SetServingStatus("svc", healthpb.HealthCheckResponse_NOT_SERVING)
	err := c.Check(ctx, "orders")
	require.Error(t, err)
	require.Contains(t, err.Error(), "NOT_SERVING")

	require.Error(t, c.Check(ctx, "products"))
}
