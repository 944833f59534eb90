package service

import (
	"github.com/getyourguide/extproc-username/filter"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
)

type Option interface {
	apply(c *ExtProcessor)
}

type optionFunc func(*ExtProcessor)

func (o optionFunc) apply(f *ExtProcessor) {
	o(f)
}

// WithLogger configures the service with a logger
func WithLogger(log logr.Logger) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.log = log
	})
}

// WithRoots registers the root contexts. Their http contexts run in the given order on request headers and in
// reverse order on response headers.
func WithRoots(roots ...filter.RootContext) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.roots = append(svc.roots, roots...)
	})
}

func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.tracer = tracer
	})
}

// WithMetadataNamespace sets the dynamic metadata namespace properties are emitted under.
func WithMetadataNamespace(namespace string) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.namespace = namespace
	})
}
