// Package server exposes a Gateway as an HTTP GraphQL endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"
	"google.golang.org/grpc/metadata"

	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	executor "github.com/hanpama/fedgraph/internal/executor"
	gateway "github.com/hanpama/fedgraph/internal/gateway"
	language "github.com/hanpama/fedgraph/internal/language"
	planner "github.com/hanpama/fedgraph/internal/planner"
	reqid "github.com/hanpama/fedgraph/internal/reqid"
)

// Error codes reported in extensions.code besides the planner and executor
// kinds.
const (
	CodeParseFailed       = "GRAPHQL_PARSE_FAILED"
	CodeValidationFailed  = "GRAPHQL_VALIDATION_FAILED"
	CodeUnsupported       = "OPERATION_NOT_SUPPORTED"
	CodeSchemaUnavailable = "SCHEMA_UNAVAILABLE"
	CodeBadRequest        = "BAD_REQUEST"
	CodeInternal          = "INTERNAL_SERVER_ERROR"
)

// Handler is an http.Handler that serves a GraphQL endpoint.
type Handler struct {
	gw  *gateway.Gateway
	opt Options
}

type Options struct {
	// Timeout sets a default query deadline if the incoming request context
	// has none. 0 means no default deadline.
	Timeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers forwarded to subgraphs as gRPC
	// metadata. Header names are case-insensitive. Default is none.
	MetadataHeaders []string
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a handler answering queries through gw.
func New(gw *gateway.Gateway, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{gw: gw, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	rid := reqid.FromRequest(r)
	ctx = reqid.NewContext(ctx, rid)
	w.Header().Set(reqid.Header, rid)

	status := http.StatusOK
	queries := 0
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Queries: queries, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, messageResponse(CodeBadRequest, "method not allowed"), h.opt.Pretty)
		return
	}

	ctx = metadata.NewOutgoingContext(ctx, h.outgoingMetadata(r, rid))

	req, batch, status, perr := parseRequest(r, h.opt.MaxBodyBytes)
	if perr != "" {
		writeJSON(w, status, messageResponse(CodeBadRequest, perr), h.opt.Pretty)
		return
	}

	if batch != nil {
		queries = len(batch)
		out := make([]response, len(batch))
		for i := range batch {
			out[i] = h.executeOne(ctx, batch[i])
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}
	queries = 1
	writeJSON(w, status, h.executeOne(ctx, req), h.opt.Pretty)
}

func (h *Handler) outgoingMetadata(r *http.Request, rid string) metadata.MD {
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md[reqid.MetadataKey] = []string{rid}
	return md
}

func (h *Handler) executeOne(ctx context.Context, req Request) response {
	res := h.gw.Execute(ctx, gateway.Request{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
	})
	out := response{Data: res.Data}
	for _, err := range res.Errors {
		out.Errors = append(out.Errors, toResponseError(err))
	}
	return out
}

// ------------------ Request parsing ------------------

type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (Request, []Request, int, string) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		if q.Get("query") == "" {
			return Request{}, nil, http.StatusBadRequest, "missing 'query'"
		}
		var vars map[string]any
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return Request{}, nil, http.StatusBadRequest, "invalid 'variables' JSON"
			}
		}
		return Request{Query: q.Get("query"), Variables: vars, OperationName: q.Get("operationName")}, nil, http.StatusOK, ""
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return Request{}, nil, http.StatusUnsupportedMediaType, "unsupported Content-Type"
	}
	defer r.Body.Close()
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Request{}, nil, http.StatusBadRequest, "failed to read body"
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return Request{}, nil, http.StatusRequestEntityTooLarge, "body too large"
	}

	if len(body) > 0 && body[0] == '[' {
		var arr []Request
		if err := json.Unmarshal(body, &arr); err != nil {
			return Request{}, nil, http.StatusBadRequest, "invalid JSON"
		}
		if len(arr) == 0 {
			return Request{}, nil, http.StatusBadRequest, "empty batch"
		}
		return Request{}, arr, http.StatusOK, ""
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, nil, http.StatusBadRequest, "invalid JSON"
	}
	if req.Query == "" {
		return Request{}, nil, http.StatusBadRequest, "missing 'query'"
	}
	return req, nil, http.StatusOK, ""
}

// ------------------ Response formatting ------------------

type location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type responseError struct {
	Message    string         `json:"message"`
	Locations  []location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type response struct {
	Data   any             `json:"data"`
	Errors []responseError `json:"errors,omitempty"`
}

func messageResponse(code, msg string) response {
	return response{Errors: []responseError{{Message: msg, Extensions: map[string]any{"code": code}}}}
}

// toResponseError maps gateway errors to response errors. Execution errors
// keep their path and name the failing subgraph.
func toResponseError(err error) responseError {
	var (
		ge *gqlerror.Error
		pe *planner.Error
		ee *executor.Error
		ie *executor.InvariantError
	)
	switch {
	case errors.As(err, &ee):
		ext := map[string]any{"code": string(ee.Kind)}
		if ee.Subgraph != "" {
			ext["subgraph"] = ee.Subgraph
		}
		return responseError{Message: ee.Message, Path: []any(ee.Path), Extensions: ext}
	case errors.As(err, &pe):
		out := responseError{Message: pe.Message, Extensions: map[string]any{"code": string(pe.Kind)}}
		for _, p := range pe.Path {
			out.Path = append(out.Path, p)
		}
		return out
	case errors.As(err, &ie):
		return responseError{Message: "internal error", Extensions: map[string]any{"code": CodeInternal}}
	case errors.As(err, &ge):
		out := responseError{Message: ge.Message, Extensions: map[string]any{"code": CodeParseFailed}}
		for _, l := range ge.Locations {
			out.Locations = append(out.Locations, location{Line: l.Line, Column: l.Column})
		}
		return out
	case errors.Is(err, language.ErrUnsupportedOperation):
		return responseError{Message: err.Error(), Extensions: map[string]any{"code": CodeUnsupported}}
	case errors.Is(err, gateway.ErrNoSchema):
		return responseError{Message: err.Error(), Extensions: map[string]any{"code": CodeSchemaUnavailable}}
	default:
		return responseError{Message: err.Error(), Extensions: map[string]any{"code": CodeValidationFailed}}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	wildcard := false
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		if o == "*" || o == origin {
			allowed = true
		}
	}
	if !allowed {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}
