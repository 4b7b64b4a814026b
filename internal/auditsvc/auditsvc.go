// Package auditsvc implements the Audit Service: validates incoming
// events, assigns identifiers, fans out to sinks registered per topic, and
// manages the STARTING -> RUNNING -> SHUTDOWN lifecycle, per spec.md §4.H.
package auditsvc

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sealedledger/assure/internal/authz"
	"github.com/sealedledger/assure/internal/sink"
	"github.com/sealedledger/assure/internal/svcerr"
)

type state int

const (
	stateStarting state = iota
	stateRunning
	stateShutdown
)

var tracer = otel.Tracer("github.com/sealedledger/assure/internal/auditsvc")

// PublishResult is the fan-out response the "aggregate" resolution of
// spec.md §9's open question produces: a per-sink result map plus one
// "primary" result, so callers get full detail without losing a simple
// default.
type PublishResult struct {
	ID      string
	Topic   string
	PerSink map[string]sink.Result
	Errors  map[string]error
	Primary sink.Result
}

// TopicConfig registers a topic's schema-carrying sinks and identifies (by
// name) the sink queries are delegated to.
type TopicConfig struct {
	Sinks      map[string]sink.Sink
	QuerySink  string
	Authorizer authz.Authorizer
}

// Options configures a Service at construction.
type Options struct {
	Topics map[string]TopicConfig
}

// Service is the Audit Service component.
type Service struct {
	mu     sync.RWMutex
	state  state
	topics map[string]TopicConfig
}

// New constructs a Service in the STARTING state; Startup must be called
// before Publish/Read/Query are legal.
func New(opts Options) *Service {
	return &Service{state: stateStarting, topics: opts.Topics}
}

// Startup calls Startup on every registered sink across every topic,
// logging but not rethrowing individual failures, then transitions to
// RUNNING.
func (s *Service) Startup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateStarting {
		return svcerr.Unavailable("auditsvc: startup called outside STARTING")
	}

	seen := map[sink.Sink]bool{}
	for _, topic := range s.topics {
		for _, sk := range topic.Sinks {
			if seen[sk] {
				continue
			}
			seen[sk] = true
			// best-effort: individual sink failures are logged and do not abort startup
			if err := sk.Startup(ctx); err != nil {
				log.Printf("auditsvc: sink startup failed: %v", err)
			}
		}
	}
	s.state = stateRunning
	return nil
}

// Shutdown calls Shutdown on every registered sink and transitions to the
// terminal SHUTDOWN state; no restart is possible.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateShutdown {
		return nil
	}

	seen := map[sink.Sink]bool{}
	var firstErr error
	for _, topic := range s.topics {
		for _, sk := range topic.Sinks {
			if seen[sk] {
				continue
			}
			seen[sk] = true
			if err := sk.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.state = stateShutdown
	return firstErr
}

// Publish validates event, assigns an id if one is absent, checks the
// authorizer, and fans out to every sink registered for topic.
func (s *Service) Publish(ctx context.Context, subject, topic string, event map[string]any) (PublishResult, error) {
	ctx, span := tracer.Start(ctx, "auditsvc.Publish", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	cfg, err := s.runningTopic(topic)
	if err != nil {
		return PublishResult{}, err
	}

	if _, ok := event["transactionId"]; !ok {
		return PublishResult{}, svcerr.BadRequest("auditsvc: event missing transactionId")
	}
	if _, ok := event["timestamp"]; !ok {
		return PublishResult{}, svcerr.BadRequest("auditsvc: event missing timestamp")
	}
	id, hasID := event["_id"].(string)
	if !hasID || id == "" {
		id = uuid.NewString()
		event = withID(event, id)
	}

	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = authz.Permissive{}
	}
	decision, err := authorizer.Authorize(ctx, subject, "create", topic)
	if err != nil {
		return PublishResult{}, err
	}
	if !decision.Allow {
		return PublishResult{}, svcerr.BadRequest("auditsvc: authorization denied: %s", decision.Reason)
	}

	result := PublishResult{
		ID:      id,
		Topic:   topic,
		PerSink: map[string]sink.Result{},
		Errors:  map[string]error{},
	}
	for name, sk := range cfg.Sinks {
		r, err := sk.Publish(ctx, topic, event)
		if err != nil {
			result.Errors[name] = err
			span.RecordError(err)
			continue
		}
		result.PerSink[name] = r
	}

	if r, ok := result.PerSink[cfg.QuerySink]; ok {
		result.Primary = r
	} else {
		for _, r := range result.PerSink {
			result.Primary = r
			break
		}
	}
	return result, nil
}

// Read delegates to the topic's designated query sink.
func (s *Service) Read(ctx context.Context, topic, id string) (sink.Result, error) {
	cfg, err := s.runningTopic(topic)
	if err != nil {
		return sink.Result{}, err
	}
	return s.querySink(cfg).Read(ctx, topic, id)
}

// Query delegates to the topic's designated query sink.
func (s *Service) Query(ctx context.Context, topic string, filter sink.Filter, handler sink.Handler) (sink.QuerySummary, error) {
	cfg, err := s.runningTopic(topic)
	if err != nil {
		return sink.QuerySummary{}, err
	}
	return s.querySink(cfg).Query(ctx, topic, filter, handler)
}

func (s *Service) querySink(cfg TopicConfig) sink.Sink {
	if sk, ok := cfg.Sinks[cfg.QuerySink]; ok {
		return sk
	}
	return sink.Null{Reason: "no query sink registered for this topic"}
}

func (s *Service) runningTopic(topic string) (TopicConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateRunning {
		return TopicConfig{}, svcerr.Unavailable("auditsvc: service is not running")
	}
	cfg, ok := s.topics[topic]
	if !ok {
		return TopicConfig{}, svcerr.NotSupported("auditsvc: unknown topic %q", topic)
	}
	return cfg, nil
}

func withID(event map[string]any, id string) map[string]any {
	out := make(map[string]any, len(event)+1)
	for k, v := range event {
		out[k] = v
	}
	out["_id"] = id
	return out
}
