// Package sink defines the opaque contract every event sink implements —
// the CSV sink, the Buffering Wrapper decorator, and any additional sink a
// deployment adds are all interchangeable behind this interface, per
// spec.md §6.
package sink

import (
	"context"

	"github.com/sealedledger/assure/internal/svcerr"
)

// Result is the outcome of a publish or read.
type Result struct {
	ID     string
	Topic  string
	Fields map[string]any
}

// QuerySummary reports how many rows a query matched and delivered.
type QuerySummary struct {
	Matched   int
	Delivered int
}

// Handler receives one query match. Returning stop=true ends the query
// early.
type Handler func(Result) (stop bool)

// Filter decides whether a row matches a query.
type Filter func(map[string]any) bool

// Sink is the contract every pluggable event destination implements.
type Sink interface {
	Configure(cfg map[string]any) error
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Publish(ctx context.Context, topic string, event map[string]any) (Result, error)
	Read(ctx context.Context, topic, id string) (Result, error)
	Query(ctx context.Context, topic string, filter Filter, handler Handler) (QuerySummary, error)
}

// Null is substituted as the query sink when none is designated or the
// designee is unregistered; every read/query call fails informatively
// rather than the service panicking on a nil sink.
type Null struct {
	Reason string
}

func (n Null) Configure(map[string]any) error { return nil }
func (n Null) Startup(context.Context) error  { return nil }
func (n Null) Shutdown(context.Context) error { return nil }

func (n Null) Publish(context.Context, string, map[string]any) (Result, error) {
	return Result{}, n.err()
}

func (n Null) Read(context.Context, string, string) (Result, error) {
	return Result{}, n.err()
}

func (n Null) Query(context.Context, string, Filter, Handler) (QuerySummary, error) {
	return QuerySummary{}, n.err()
}

func (n Null) err() error {
	reason := n.Reason
	if reason == "" {
		reason = "no query sink configured"
	}
	return svcerr.NotSupported("sink: %s", reason)
}
