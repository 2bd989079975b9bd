package subgraphrpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

var (
	// ErrNoEndpoints indicates the provider knows no endpoint for a subgraph.
	ErrNoEndpoints = errors.New("subgraphrpc: no endpoints available")
	// ErrClosed is returned by calls on a closed Client.
	ErrClosed = errors.New("subgraphrpc: closed")
)

// toStatus maps a service error to the status sent to the client.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, subgraph.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// fromStatus maps a call error back into the errors the executor classifies.
func fromStatus(name string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s: %s", subgraph.ErrUnavailable, name, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", name, context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", name, context.Canceled)
	default:
		return fmt.Errorf("%s: %s: %s", name, st.Code(), st.Message())
	}
}
