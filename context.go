package harness

import (
	"context"
	"net/http"
)

type contextKey string
type harnessContextKey int

const requestHeaderContextKey harnessContextKey = 1
const runIDContextKey harnessContextKey = 2

// RunIDHeader carries the run identifier on every request of a run.
const RunIDHeader = "X-Harness-Run"

// AddOutgoingRequestsHeaderToContext adds a header to all outgoings requests made with the context
func AddOutgoingRequestsHeaderToContext(ctx context.Context, key, value string) context.Context {
	h, ok := ctx.Value(requestHeaderContextKey).(http.Header)
	if !ok {
		h = make(http.Header)
	} else {
		h = h.Clone()
	}
	h.Add(key, value)

	return context.WithValue(ctx, requestHeaderContextKey, h)
}

// GetOutgoingRequestHeadersFromContext get the headers that should be added to outgoing requests
func GetOutgoingRequestHeadersFromContext(ctx context.Context) http.Header {
	h, _ := ctx.Value(requestHeaderContextKey).(http.Header)
	return h
}

// WithRunID tags the context with the run identifier, outgoing GraphQL
// requests carry it in the RunIDHeader.
func WithRunID(ctx context.Context, runID string) context.Context {
	ctx = context.WithValue(ctx, runIDContextKey, runID)
	return AddOutgoingRequestsHeaderToContext(ctx, RunIDHeader, runID)
}

// RunIDFromContext returns the run identifier stored in the context
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDContextKey).(string)
	return id, ok
}
