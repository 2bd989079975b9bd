package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPChecker probes GET <url> and accepts any 2xx reply.
type HTTPChecker struct {
	client *http.Client
	urls   map[string]string
}

// NewHTTPChecker probes urls[subgraph]. A nil client uses
// http.DefaultClient.
func NewHTTPChecker(client *http.Client, urls map[string]string) *HTTPChecker {
	if client == nil {
		client = http.DefaultClient
	}
	cp := make(map[string]string, len(urls))
	for k, v := range urls {
		cp[k] = v
	}
	return &HTTPChecker{client: client, urls: cp}
}

func (c *HTTPChecker) Check(ctx context.Context, subgraph string) error {
	url, ok := c.urls[subgraph]
	if !ok {
		return fmt.Errorf("no health url for %s", subgraph)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s health returned %s", subgraph, resp.Status)
	}
	return nil
}

// Handler serves the HTTP health endpoint of a subgraph process: 200 while
// ready reports true, 503 otherwise.
func Handler(ready func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "unavailable\n")
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})
}
