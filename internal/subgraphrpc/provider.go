package subgraphrpc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EndpointProvider lists the reachable endpoints (host:port or a gRPC target)
// of a subgraph. Implementations must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, subgraph string) ([]string, error)
}

// StaticEndpoints is a provider backed by an in-memory map from subgraph
// name to endpoints.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		cp[k] = append([]string(nil), v...)
	}
	return &StaticEndpoints{data: cp}
}

// ParseEndpoints builds a StaticEndpoints from name=host:port pairs. A name
// given more than once gets every endpoint.
func ParseEndpoints(pairs []string) (*StaticEndpoints, error) {
	m := make(map[string][]string)
	for _, p := range pairs {
		name, addr, ok := strings.Cut(p, "=")
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid subgraph endpoint %q (want name=host:port)", p)
		}
		m[name] = append(m[name], addr)
	}
	return &StaticEndpoints{data: m}, nil
}

func (s *StaticEndpoints) Endpoints(_ context.Context, subgraph string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[subgraph]
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, subgraph)
	}
	return append([]string(nil), arr...), nil
}

// Names returns the subgraphs with at least one endpoint, sorted.
func (s *StaticEndpoints) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data))
	for name, eps := range s.data {
		if len(eps) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Set replaces the endpoints of subgraph. An empty list removes it.
func (s *StaticEndpoints) Set(subgraph string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(endpoints) == 0 {
		delete(s.data, subgraph)
		return
	}
	s.data[subgraph] = append([]string(nil), endpoints...)
}
