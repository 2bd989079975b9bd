package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	compose "github.com/hanpama/fedgraph/internal/compose"
	executor "github.com/hanpama/fedgraph/internal/executor"
	gateway "github.com/hanpama/fedgraph/internal/gateway"
	health "github.com/hanpama/fedgraph/internal/health"
	reqid "github.com/hanpama/fedgraph/internal/reqid"
	sample "github.com/hanpama/fedgraph/internal/sample"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// capturing records the context of the last fields call.
type capturing struct {
	subgraph.Resolver
	mu  sync.Mutex
	md  metadata.MD
	rid string
}

func (c *capturing) ResolveFields(ctx context.Context, req *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
	c.mu.Lock()
	c.md, _ = metadata.FromOutgoingContext(ctx)
	c.rid, _ = reqid.FromContext(ctx)
	c.mu.Unlock()
	return c.Resolver.ResolveFields(ctx, req)
}

func newTestHandler(t *testing.T, gate health.Reader, opts ...Option) (*Handler, *capturing) {
	t.Helper()
	holder := compose.NewHolder()
	_, err := holder.Recompose(context.Background(), sample.Descriptors(), nil)
	require.NoError(t, err)
	orders := &capturing{Resolver: sample.Orders()}
	var execOpts []executor.Option
	if gate != nil {
		execOpts = append(execOpts, executor.WithHealth(gate))
	}
	exec := executor.New(executor.StaticTransport{
		sample.OrdersName:   orders,
		sample.ProductsName: sample.Products(),
	}, execOpts...)
	gw, err := gateway.New(holder, exec)
	require.NoError(t, err)
	return New(gw, opts...), orders
}

func post(t *testing.T, h http.Handler, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestQuery(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	w := post(t, h, `{"query":"{ order(id: 1) { name items { product { name } } } }"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	decode(t, w, &got)
	require.Equal(t, map[string]any{
		"data": map[string]any{
			"order": map[string]any{
				"name": "Order 1",
				"items": []any{
					map[string]any{"product": map[string]any{"name": "Product 1"}},
					map[string]any{"product": map[string]any{"name": "Product 2"}},
				},
			},
		},
	}, got)
}

func TestGetWithVariables(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	q := url.Values{}
	q.Set("query", `query ($id: Int!) { product(id: $id) { sku } }`)
	q.Set("variables", `{"id": 3}`)
	req := httptest.NewRequest("GET", "/?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"product":{"sku":"SKU3"}}}`, w.Body.String())
}

func TestExecutionErrorsCarryPathAndCode(t *testing.T) {
	gate := health.Static{sample.OrdersName: health.Healthy, sample.ProductsName: health.Unhealthy}
	h, _ := newTestHandler(t, gate)
	w := post(t, h, `{"query":"{ order(id: 1) { items { id product { name } } } }"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var got response
	decode(t, w, &got)
	require.Len(t, got.Errors, 2)
	for i, e := range got.Errors {
		require.Equal(t, []any{"order", "items", float64(i), "product"}, e.Path)
		require.Equal(t, string(executor.SubgraphUnavailable), e.Extensions["code"])
		require.Equal(t, sample.ProductsName, e.Extensions["subgraph"])
	}
	items := got.Data.(map[string]any)["order"].(map[string]any)["items"].([]any)
	require.Nil(t, items[0].(map[string]any)["product"])
	require.Equal(t, float64(1), items[0].(map[string]any)["id"])
}

func TestRequestErrors(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	tests := []struct {
		name string
		body string
		code string
		path []any
	}{
		{name: "syntax", body: `{"query":"{ orders { id "}`, code: CodeParseFailed},
		{name: "mutation", body: `{"query":"mutation { orders { id } }"}`, code: CodeUnsupported},
		{name: "unknown field", body: `{"query":"{ orders { weight } }"}`, code: "UNKNOWN_FIELD", path: []any{"orders", "weight"}},
		{name: "missing variable", body: `{"query":"query ($id: Int!) { order(id: $id) { id } }"}`, code: CodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			var got response
			decode(t, w, &got)
			require.Nil(t, got.Data)
			require.Len(t, got.Errors, 1)
			require.Equal(t, tt.code, got.Errors[0].Extensions["code"])
			require.Equal(t, tt.path, got.Errors[0].Path)
		})
	}
}

func TestBadRequests(t *testing.T) {
	h, _ := newTestHandler(t, nil, WithMaxBodyBytes(40))

	require.Equal(t, http.StatusBadRequest, post(t, h, `not json`).Code)
	require.Equal(t, http.StatusBadRequest, post(t, h, `{"query":""}`).Code)
	require.Equal(t, http.StatusBadRequest, post(t, h, `[]`).Code)
	require.Equal(t, http.StatusRequestEntityTooLarge, post(t, h, `{"query":"{ orders { id name description items { id } } }"}`).Code)

	req := httptest.NewRequest("PUT", "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest("POST", "/", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestBatch(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	w := post(t, h, `[{"query":"{ order(id: 1) { name } }"},{"query":"{ product(id: 2) { name } }"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[{"data":{"order":{"name":"Order 1"}}},{"data":{"product":{"name":"Product 2"}}}]`, w.Body.String())
}

func TestForwardedHeaders(t *testing.T) {
	h, orders := newTestHandler(t, nil, WithMetadataHeaders("X-Test"))
	w := post(t, h, `{"query":"{ orders { id } }"}`, "X-Test", "abc", "X-Other", "nope")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"abc"}, orders.md.Get("x-test"))
	require.Empty(t, orders.md.Get("x-other"))
}

func TestForwardedHeadersDefaultEmpty(t *testing.T) {
	h, orders := newTestHandler(t, nil)
	w := post(t, h, `{"query":"{ orders { id } }"}`, "X-Test", "abc")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, orders.md.Get("x-test"))
}

func TestRequestID(t *testing.T) {
	h, orders := newTestHandler(t, nil)
	w := post(t, h, `{"query":"{ orders { id } }"}`, reqid.Header, "req-7")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "req-7", orders.rid)
	require.Equal(t, []string{"req-7"}, orders.md.Get(reqid.MetadataKey))
	require.Equal(t, "req-7", w.Header().Get(reqid.Header))

	w = post(t, h, `{"query":"{ orders { id } }"}`)
	require.NotEmpty(t, orders.rid)
	require.NotEqual(t, "req-7", orders.rid)
	require.Equal(t, orders.rid, w.Header().Get(reqid.Header))
}

func TestCORSAndPreflight(t *testing.T) {
	h, _ := newTestHandler(t, nil, WithCORS("*"))

	w := post(t, h, `{"query":"{ orders { id } }"}`, "Origin", "http://example.com")
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	pre := httptest.NewRequest("OPTIONS", "/", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	require.Equal(t, http.StatusNoContent, pw.Code)
	require.Equal(t, "*", pw.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "X-Test", pw.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORSSpecificOrigin(t *testing.T) {
	h, _ := newTestHandler(t, nil, WithCORS("http://allowed.example"))

	w := post(t, h, `{"query":"{ orders { id } }"}`, "Origin", "http://allowed.example")
	require.Equal(t, "http://allowed.example", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Origin", w.Header().Get("Vary"))

	w = post(t, h, `{"query":"{ orders { id } }"}`, "Origin", "http://other.example")
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
