// Package correlation assigns ids that tie log lines, spans and responses of
// a single trigger or webhook request together.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderCorrelationID  = "Changefeed-Correlation-Id"
	HeaderXCorrelationID = "X-Correlation-Id"
	HeaderXRequestID     = "X-Request-Id"
	HeaderTraceparent    = "Traceparent"
)

type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate extracts a correlation ID from headers or generates a new UUID.
// Priority: changefeed-correlation-id > x-correlation-id > x-request-id > traceparent > new UUID
func ExtractOrGenerate(h http.Header) ID {
	for _, name := range []string{HeaderCorrelationID, HeaderXCorrelationID, HeaderXRequestID} {
		if id := h.Get(name); id != "" {
			return ID{Value: id, Source: strings.ToLower(name)}
		}
	}
	if tp := h.Get(HeaderTraceparent); tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: strings.ToLower(HeaderTraceparent)}
		}
	}
	return ID{Value: New(), Source: "generated"}
}

// New returns a fresh random id.
func New() string {
	return uuid.NewString()
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

type ctxKey struct{}

// WithID stores id in ctx.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id stored by WithID, if any.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok
}

// Middleware resolves the request's correlation id, echoes it on the
// response and makes it available through FromContext.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ExtractOrGenerate(r.Header)
		w.Header().Set(HeaderCorrelationID, id.Value)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
