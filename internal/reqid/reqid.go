// Package reqid carries a per-request identifier through contexts, HTTP
// headers and outgoing gRPC metadata.
package reqid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// Header is the HTTP header a caller may set to choose the id.
	Header = "X-Request-Id"
	// MetadataKey is the gRPC metadata key the id travels under.
	MetadataKey = "fedgraph-request-id"
)

// key is the context key for the request ID.
type key struct{}

// New returns a fresh random id.
func New() string { return uuid.NewString() }

// NewContext returns a copy of parent carrying id.
func NewContext(parent context.Context, id string) context.Context {
	return context.WithValue(parent, key{}, id)
}

// FromRequest returns the id supplied in r's Header, or a fresh one. Supplied
// ids longer than 128 bytes are replaced.
func FromRequest(r *http.Request) string {
	if id := r.Header.Get(Header); id != "" && len(id) <= 128 {
		return id
	}
	return New()
}

// FromContext extracts the request ID from ctx.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok && id != ""
}
